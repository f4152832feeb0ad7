// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validator implements the Message & Block Validator (§4.A):
// structural and cryptographic admissibility checks for inbound blocks,
// votes, QCs, view messages and end-view messages. It never mutates state
// and never raises except on an internal assertion failure; every rejection
// is a silent drop, mirroring the teacher's engine/chain/block/vm.go
// validity surface (ChainVM.ParseBlock/VerifyWithContext) generalized to
// Morpheus's richer justification rules.
package validator

import (
	"fmt"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/internal/container"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/types"
)

// PublicKeyLookup resolves a process id to the public key that should have
// signed on its behalf.
type PublicKeyLookup interface {
	PublicKey(types.ProcessId) (crypto.PublicKey, error)
	GroupPublicKey(signers []types.ProcessId) (crypto.PublicKey, error)
}

// Validator checks inbound artifacts for admissibility against the current
// Store.
type Validator struct {
	n      int
	f      int
	cap    crypto.Capability
	keys   PublicKeyLookup
	hasher crypto.Hasher
}

// New constructs a Validator for an n-process, f-fault deployment.
func New(n, f int, capability crypto.Capability, keys PublicKeyLookup) *Validator {
	return &Validator{n: n, f: f, cap: capability, keys: keys, hasher: capability}
}

// Hash returns b's content hash, needed by callers before store ingestion.
func (v *Validator) Hash(b block.Block) block.Hash {
	return b.Hash(v.hasher)
}

func (v *Validator) leaderOf(view types.ViewNum) types.ProcessId {
	return view.Leader(v.n)
}

// ValidateBlock runs the structural, signature and validity checks of
// §4.A. s is the current Store, consulted for slot-chaining and
// cross-references; it is never mutated.
func (v *Validator) ValidateBlock(s *store.Store, b block.Block, h block.Hash) error {
	switch b.Kind {
	case types.Genesis:
		return fmt.Errorf("validator: genesis blocks are never validated inbound")
	case types.Transaction:
		return v.validateTransactionBlock(s, b, h)
	case types.Leader:
		return v.validateLeaderBlock(s, b, h)
	default:
		return fmt.Errorf("validator: unknown block kind %d", b.Kind)
	}
}

func (v *Validator) verifyAuthorSignature(b block.Block, h block.Hash) error {
	pub, err := v.keys.PublicKey(b.Author)
	if err != nil {
		return fmt.Errorf("validator: no public key for author %d: %w", b.Author, err)
	}
	if !v.cap.Verify(pub, h[:], b.Signature) {
		return fmt.Errorf("validator: bad signature from author %d", b.Author)
	}
	return nil
}

// commonChecks implements the shared prefix of transaction- and
// leader-block validity (§4.A rules 2-4, plus non-empty prev and a level-1
// one_qc). The slot-chaining rule 1 is checked by the callers.
func (v *Validator) commonChecks(s *store.Store, b block.Block) error {
	if len(b.Prev) == 0 {
		return fmt.Errorf("validator: prev must be non-empty")
	}
	for _, q := range b.Prev {
		if q.View > b.View {
			return fmt.Errorf("validator: prev QC view %d exceeds block view %d", q.View, b.View)
		}
	}
	if b.Height != 1+b.MaxPrevHeight() {
		return fmt.Errorf("validator: height %d != 1+max(prev heights) %d", b.Height, b.MaxPrevHeight())
	}
	if b.OneQC.Level != types.Level1 {
		return fmt.Errorf("validator: one_qc must be a 1-QC")
	}
	if b.OneQC.Height >= b.Height {
		return fmt.Errorf("validator: one_qc height %d must be < block height %d", b.OneQC.Height, b.Height)
	}
	return nil
}

func (v *Validator) validateTransactionBlock(s *store.Store, b block.Block, h block.Hash) error {
	if err := v.verifyAuthorSignature(b, h); err != nil {
		return err
	}
	if err := v.commonChecks(s, b); err != nil {
		return err
	}
	if b.Slot > 0 {
		if !hasPrevSlotQC(b, types.Transaction, b.Author, b.Slot-1) {
			return fmt.Errorf("validator: transaction block slot %d missing prev slot-%d self-QC", b.Slot, b.Slot-1)
		}
	}
	return nil
}

func hasPrevSlotQC(b block.Block, kind types.BlockKind, author types.ProcessId, slot types.SlotNum) bool {
	for _, q := range b.Prev {
		if q.Kind == kind && q.Author == author && q.Slot == slot {
			return true
		}
	}
	return false
}

func findPrevSlotQC(b block.Block, kind types.BlockKind, author types.ProcessId, slot types.SlotNum) (block.QC, bool) {
	for _, q := range b.Prev {
		if q.Kind == kind && q.Author == author && q.Slot == slot {
			return q, true
		}
	}
	return block.QC{}, false
}

func (v *Validator) validateLeaderBlock(s *store.Store, b block.Block, h block.Hash) error {
	if b.Author != v.leaderOf(b.View) {
		return fmt.Errorf("validator: leader block author %d != leader(%d)", b.Author, b.View)
	}
	if err := v.verifyAuthorSignature(b, h); err != nil {
		return err
	}
	if err := v.commonChecks(s, b); err != nil {
		return err
	}

	var qStar block.QC
	var haveQStar bool
	if b.Slot > 0 {
		qStar, haveQStar = findPrevSlotQC(b, types.Leader, b.Author, b.Slot-1)
		if !haveQStar {
			return fmt.Errorf("validator: leader block slot %d missing prev slot-%d self-QC", b.Slot, b.Slot-1)
		}
		count := 0
		for _, q := range b.Prev {
			if q.Kind == types.Leader && q.Author == b.Author && q.Slot == b.Slot-1 {
				count++
			}
		}
		if count != 1 {
			return fmt.Errorf("validator: leader block must have exactly one prev self-leader-QC, got %d", count)
		}
	}

	firstOfView := b.Slot == 0 || qStar.View < b.View
	if firstOfView {
		if len(b.Justification) == 0 {
			return fmt.Errorf("validator: first leader block of view %d missing justification", b.View)
		}
		signers := container.NewSet[types.ProcessId](len(b.Justification))
		for _, m := range b.Justification {
			if m.View != b.View {
				return fmt.Errorf("validator: justification view-message for wrong view")
			}
			pub, err := v.keys.PublicKey(m.Signer)
			if err != nil {
				return fmt.Errorf("validator: no public key for view-message signer %d: %w", m.Signer, err)
			}
			if !v.cap.Verify(pub, m.CanonicalBytes(), m.Signature) {
				return fmt.Errorf("validator: bad view-message signature from %d", m.Signer)
			}
			signers.Add(m.Signer)
			if compareHeightView(b.OneQC, m.MaxOneQC) < 0 {
				return fmt.Errorf("validator: one_qc must dominate every justification view-message's max_one_qc_seen")
			}
		}
		if signers.Len() != v.n-v.f {
			return fmt.Errorf("validator: justification needs exactly n-f=%d distinct signers, got %d", v.n-v.f, signers.Len())
		}
	} else {
		if len(b.Justification) != 0 {
			return fmt.Errorf("validator: continuation leader block must carry no justification")
		}
		if b.OneQC.BlockHash != qStar.BlockHash || b.OneQC.Level != types.Level1 {
			return fmt.Errorf("validator: continuation leader block's one_qc must be a 1-QC for q*'s block")
		}
	}
	return nil
}

// compareHeightView compares two QCs under the store preorder-equivalent
// ordering (view, kindTag, height) without needing a *store.Store, since
// §4.A's "b.one_qc ≥ q.one_qc_of_view_message" check is purely structural.
func compareHeightView(a, b block.QC) int {
	if a.View != b.View {
		if a.View < b.View {
			return -1
		}
		return 1
	}
	at, bt := a.Kind.KindTag(), b.Kind.KindTag()
	if at != bt {
		if at < bt {
			return -1
		}
		return 1
	}
	if a.Height != b.Height {
		if a.Height < b.Height {
			return -1
		}
		return 1
	}
	return 0
}

// ValidateVote checks a vote's signer membership and signature.
func (v *Validator) ValidateVote(vt block.Vote) error {
	if int(vt.Signer) >= v.n {
		return fmt.Errorf("validator: vote signer %d out of range", vt.Signer)
	}
	pub, err := v.keys.PublicKey(vt.Signer)
	if err != nil {
		return fmt.Errorf("validator: no public key for vote signer %d: %w", vt.Signer, err)
	}
	sig := crypto.Signature(vt.Partial.Share)
	if !v.cap.Verify(pub, vt.VoteData.CanonicalBytes(), sig) {
		return fmt.Errorf("validator: bad vote signature from %d", vt.Signer)
	}
	return nil
}

// ValidateViewMessage checks a ViewMessage's signer membership and
// signature.
func (v *Validator) ValidateViewMessage(m block.ViewMessage) error {
	if int(m.Signer) >= v.n {
		return fmt.Errorf("validator: view-message signer %d out of range", m.Signer)
	}
	pub, err := v.keys.PublicKey(m.Signer)
	if err != nil {
		return fmt.Errorf("validator: no public key for view-message signer %d: %w", m.Signer, err)
	}
	if !v.cap.Verify(pub, m.CanonicalBytes(), m.Signature) {
		return fmt.Errorf("validator: bad view-message signature from %d", m.Signer)
	}
	return nil
}

// ValidateEndViewMessage checks an EndViewMessage's signer membership and
// signature.
func (v *Validator) ValidateEndViewMessage(m block.EndViewMessage) error {
	if int(m.Signer) >= v.n {
		return fmt.Errorf("validator: end-view signer %d out of range", m.Signer)
	}
	pub, err := v.keys.PublicKey(m.Signer)
	if err != nil {
		return fmt.Errorf("validator: no public key for end-view signer %d: %w", m.Signer, err)
	}
	if !v.cap.Verify(pub, m.CanonicalBytes(), m.Signature) {
		return fmt.Errorf("validator: bad end-view signature from %d", m.Signer)
	}
	return nil
}

// allMembers returns every process id in [0,n), the fixed set the threshold
// scheme aggregates over (§3). QCs and ViewCertificates do not carry an
// explicit signer list, so the group key they verify against always covers
// every member uniformly.
func (v *Validator) allMembers() []types.ProcessId {
	out := make([]types.ProcessId, v.n)
	for i := range out {
		out[i] = types.ProcessId(i)
	}
	return out
}

// ValidateQC checks a QC's threshold signature against the full validator
// set's group public key.
func (v *Validator) ValidateQC(q block.QC) error {
	groupPub, err := v.keys.GroupPublicKey(v.allMembers())
	if err != nil {
		return fmt.Errorf("validator: group public key: %w", err)
	}
	if !v.cap.VerifyThreshold(groupPub, q.VoteData.CanonicalBytes(), q.ThresholdSig) {
		return fmt.Errorf("validator: bad threshold signature for QC %+v", q.Key())
	}
	return nil
}

// ValidateViewCertificate checks a ViewCertificate's threshold signature
// against the full validator set's group public key.
func (v *Validator) ValidateViewCertificate(c block.ViewCertificate) error {
	groupPub, err := v.keys.GroupPublicKey(v.allMembers())
	if err != nil {
		return fmt.Errorf("validator: group public key: %w", err)
	}
	if !v.cap.VerifyThreshold(groupPub, c.CanonicalBytes(), c.ThresholdSig) {
		return fmt.Errorf("validator: bad threshold signature for view certificate %d", c.View)
	}
	return nil
}
