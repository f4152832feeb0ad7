// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package block defines the Morpheus data model (§3): blocks, votes, QCs,
// view messages and end-view messages, plus the canonical encodings used
// to content-address them. It has no dependency on the Store or the
// Transition Engine — those consume this package, not the other way
// around, the same layering the teacher uses between
// engine/chain/block (data model) and engine/chain (the engine itself).
package block

import (
	"sort"

	"github.com/luxfi/ids"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/types"
	"github.com/morpheus-bft/morpheus/wire"
)

// Hash is the content-unique digest of a canonical serialization (§3).
type Hash = ids.ID

// ZeroHash is the canonical digest of no object; Genesis's own hash is
// computed like any other block's, not set to this sentinel.
var ZeroHash Hash

// field numbers used by the canonical encodings below. They are internal
// to this module (never sent over an external wire format) but are kept
// stable so that re-encoding the same logical value always yields the same
// bytes, which content-addressing depends on.
const (
	fKind   protowire.Number = 1
	fView   protowire.Number = 2
	fHeight protowire.Number = 3
	fAuthor protowire.Number = 4
	fSlot   protowire.Number = 5
	fTx     protowire.Number = 6
	fPrev   protowire.Number = 7
	fOneQC  protowire.Number = 8
	fJust   protowire.Number = 9
	fLevel  protowire.Number = 10
	fBlock  protowire.Number = 11
	fSigner protowire.Number = 12
	fSig    protowire.Number = 13
	fMaxQC  protowire.Number = 14
)

// QC is a VoteData together with a threshold signature attesting that a
// quorum of distinct processes signed that exact VoteData (§3).
type QC struct {
	VoteData
	ThresholdSig crypto.ThresholdSignature
}

// Z returns the QC's level, as shorthand for qc.Level.
func (q QC) Z() types.Level { return q.Level }

// VoteData is the unsigned 7-tuple every vote for the same logical fact
// shares; it is the key partial signatures are aggregated under (§3).
type VoteData struct {
	Level      types.Level
	Kind       types.BlockKind
	View       types.ViewNum
	Height     types.Height
	Author     types.ProcessId
	Slot       types.SlotNum
	BlockHash  Hash
}

// CanonicalBytes returns the canonical encoding VoteData is hashed and
// threshold-signed over.
func (v VoteData) CanonicalBytes() []byte {
	b := wire.NewBuilder(64)
	b.Uint64(fLevel, uint64(v.Level))
	b.Uint64(fKind, uint64(v.Kind))
	b.Uint64(fView, uint64(v.View))
	b.Uint64(fHeight, uint64(v.Height))
	b.Uint64(fAuthor, uint64(v.Author))
	b.Uint64(fSlot, uint64(v.Slot))
	b.Field(fBlock, v.BlockHash[:])
	return b.Bytes()
}

// Key is a comparable map key for VoteData, used by the Store's
// (kind,author,slot) and Aggregator's partial-signature indices.
type Key struct {
	Level  types.Level
	Kind   types.BlockKind
	View   types.ViewNum
	Height types.Height
	Author types.ProcessId
	Slot   types.SlotNum
}

func (v VoteData) Key() Key {
	return Key{v.Level, v.Kind, v.View, v.Height, v.Author, v.Slot}
}

// Vote carries every VoteData field plus the signer and partial signature,
// so a quorum can be aggregated without the referenced block being held
// locally (§3).
type Vote struct {
	VoteData
	Signer  types.ProcessId
	Partial crypto.Partial
}

// ViewMessage is the declaration a process sends to the leader of a view on
// entering it (§3).
type ViewMessage struct {
	View       types.ViewNum
	MaxOneQC   QC
	Signer     types.ProcessId
	Signature  crypto.Signature
}

// CanonicalBytes returns the bytes a ViewMessage's Signature is computed
// over.
func (m ViewMessage) CanonicalBytes() []byte {
	b := wire.NewBuilder(64)
	b.Uint64(fView, uint64(m.View))
	b.Field(fMaxQC, m.MaxOneQC.CanonicalBytes())
	b.Uint64(fSigner, uint64(m.Signer))
	return b.Bytes()
}

// EndViewMessage is broadcast by a process giving up on a view (§3); f+1 of
// them for the same view aggregate into a ViewCertificate for view+1.
type EndViewMessage struct {
	View      types.ViewNum
	Signer    types.ProcessId
	Signature crypto.Signature
}

func (m EndViewMessage) CanonicalBytes() []byte {
	b := wire.NewBuilder(16)
	b.Uint64(fView, uint64(m.View))
	b.Uint64(fSigner, uint64(m.Signer))
	return b.Bytes()
}

// ViewCertificate aggregates f+1 EndViewMessages for View-1 into the
// trigger for entering View (§3).
type ViewCertificate struct {
	View         types.ViewNum
	ThresholdSig crypto.ThresholdSignature
}

func (c ViewCertificate) CanonicalBytes() []byte {
	b := wire.NewBuilder(16)
	b.Uint64(fView, uint64(c.View))
	return b.Bytes()
}

// Block is the single mutable-free unit of the DAG (§3). The zero Block
// with Kind == types.Genesis is the fixed sentinel genesis block.
type Block struct {
	Kind   types.BlockKind
	View   types.ViewNum
	Height types.Height
	Author types.ProcessId
	Slot   types.SlotNum

	// Payload is a finite ordered sequence of transactions, non-empty only
	// for Kind == Transaction.
	Payload [][]byte

	// Prev is a non-empty set of QCs to blocks of strictly smaller height.
	Prev []QC

	// OneQC is a 1-QC to some block of strictly smaller height.
	OneQC QC

	// Justification is non-empty only for certain Leader blocks (§4.A).
	Justification []ViewMessage

	Signature crypto.Signature
}

// IsGenesis reports whether b is the sentinel Genesis block.
func (b Block) IsGenesis() bool { return b.Kind == types.Genesis }

// sortedBytes returns a copy of items (the canonical bytes of Prev QCs or
// Justification view-messages) sorted by their own canonical encoding, so
// that Hash/Equal never depend on ingestion or construction order of an
// unordered set.
func sortedBytes(items [][]byte) [][]byte {
	out := make([][]byte, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool {
		return string(out[i]) < string(out[j])
	})
	return out
}

// CanonicalBytes returns the canonical encoding Hash and Signature are
// computed over.
func (b Block) CanonicalBytes() []byte {
	w := wire.NewBuilder(256)
	w.Uint64(fKind, uint64(b.Kind))
	w.Uint64(fView, uint64(b.View))
	w.Uint64(fHeight, uint64(b.Height))
	w.Uint64(fAuthor, uint64(b.Author))
	w.Uint64(fSlot, uint64(b.Slot))

	txBytes := make([][]byte, len(b.Payload))
	for i, tx := range b.Payload {
		tb := wire.NewBuilder(len(tx) + 8)
		tb.Field(fTx, tx)
		txBytes[i] = tb.Bytes()
	}
	w.Repeated(fTx, txBytes) // payload order is meaningful, not sorted

	prevBytes := make([][]byte, len(b.Prev))
	for i, q := range b.Prev {
		prevBytes[i] = q.CanonicalBytes()
	}
	w.Repeated(fPrev, sortedBytes(prevBytes))

	w.Field(fOneQC, b.OneQC.CanonicalBytes())

	justBytes := make([][]byte, len(b.Justification))
	for i, m := range b.Justification {
		justBytes[i] = m.CanonicalBytes()
	}
	w.Repeated(fJust, sortedBytes(justBytes))

	return w.Bytes()
}

// Hash computes b's content-addressed hash via the injected Hasher
// capability.
func (b Block) Hash(h crypto.Hasher) Hash {
	return h.Hash(b.CanonicalBytes())
}

// MaxPrevHeight returns the maximum height among b.Prev, or 0 if Prev is
// empty (only valid for Genesis).
func (b Block) MaxPrevHeight() types.Height {
	var max types.Height
	for _, q := range b.Prev {
		if q.Height > max {
			max = q.Height
		}
	}
	return max
}

// CanonicalBytes for QC is defined below block.go's other CanonicalBytes
// methods so VoteData and ThresholdSig participate in the preimage of
// anything that points to this QC (a Block's Prev/OneQC fields).
func (q QC) CanonicalBytes() []byte {
	b := wire.NewBuilder(96)
	b.Field(fBlock, q.VoteData.CanonicalBytes())
	b.Field(fSig, q.ThresholdSig)
	return b.Bytes()
}
