// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quorum implements the Quorum Aggregator (§4.C): it accumulates
// partial signatures keyed by VoteData (for 0/1/2-QCs) or ViewNum (for
// end-view certificates) and, once a threshold of distinct signers is
// reached, combines them into a QC or ViewCertificate via the injected
// threshold-signature capability. It is grounded on the teacher's
// quorum.Static threshold counter (quorum/static.go), generalized from a
// single boolean threshold to keyed, signer-deduplicated partial-signature
// tallies.
package quorum

import (
	"fmt"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"go.uber.org/zap"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/internal/container"
	"github.com/morpheus-bft/morpheus/types"
)

// tally tracks partials received for one key: signers dedups by signer id,
// partials holds the corresponding shares in receipt order for Combine.
type tally struct {
	signers  container.Set[types.ProcessId]
	partials []crypto.Partial
	done     bool
}

// Aggregator accumulates partials for VoteData keys (QCs) and ViewNum keys
// (end-view certificates).
type Aggregator struct {
	cap     crypto.ThresholdSigner
	log     log.Logger
	metrics metric.Metrics

	voteQuorum    int
	endViewQuorum int

	votes    map[block.Key]*tally
	endViews map[types.ViewNum]*tally
}

// New constructs an Aggregator. voteQuorum is n-f; endViewQuorum is f+1
// (§3).
func New(capability crypto.ThresholdSigner, voteQuorum, endViewQuorum int, logger log.Logger, metrics metric.Metrics) *Aggregator {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Aggregator{
		cap:           capability,
		log:           logger,
		metrics:       metrics,
		voteQuorum:    voteQuorum,
		endViewQuorum: endViewQuorum,
		votes:         make(map[block.Key]*tally),
		endViews:      make(map[types.ViewNum]*tally),
	}
}

// AddVote records a vote's partial signature toward its VoteData key. It
// returns the resulting QC and true once the n-f quorum is first reached
// for that key; subsequent calls for an already-completed key are no-ops
// (§4.C "duplicate handling").
func (a *Aggregator) AddVote(v block.Vote) (block.QC, bool, error) {
	key := v.VoteData.Key()
	t, ok := a.votes[key]
	if !ok {
		t = &tally{signers: container.NewSet[types.ProcessId](0)}
		a.votes[key] = t
	}
	if t.done {
		return block.QC{}, false, nil
	}
	if t.signers.Contains(v.Signer) {
		return block.QC{}, false, nil // first partial per signer counts
	}
	t.signers.Add(v.Signer)
	t.partials = append(t.partials, v.Partial)
	if a.metrics != nil {
		a.metrics.SetGauge("morpheus_aggregator_vote_partials", float64(t.signers.Len()))
	}
	if t.signers.Len() < a.voteQuorum {
		return block.QC{}, false, nil
	}
	sig, err := a.cap.Combine(v.VoteData.CanonicalBytes(), t.partials)
	if err != nil {
		return block.QC{}, false, fmt.Errorf("quorum: combine vote partials for %+v: %w", key, err)
	}
	t.done = true
	qc := block.QC{VoteData: v.VoteData, ThresholdSig: sig}
	a.log.Info("quorum reached for vote", zap.Uint64("level", uint64(v.Level)), zap.Uint64("view", uint64(v.View)), zap.Uint64("slot", uint64(v.Slot)))
	return qc, true, nil
}

// AddEndView records an end-view message's signature toward its view key.
// It returns the resulting ViewCertificate and true once the f+1 quorum is
// first reached for that view.
func (a *Aggregator) AddEndView(m block.EndViewMessage) (block.ViewCertificate, bool, error) {
	t, ok := a.endViews[m.View]
	if !ok {
		t = &tally{signers: container.NewSet[types.ProcessId](0)}
		a.endViews[m.View] = t
	}
	if t.done {
		return block.ViewCertificate{}, false, nil
	}
	if t.signers.Contains(m.Signer) {
		return block.ViewCertificate{}, false, nil
	}
	t.signers.Add(m.Signer)
	t.partials = append(t.partials, crypto.Partial{Share: m.Signature})
	if t.signers.Len() < a.endViewQuorum {
		return block.ViewCertificate{}, false, nil
	}
	cert := block.ViewCertificate{View: m.View + 1}
	sig, err := a.cap.Combine(cert.CanonicalBytes(), t.partials)
	if err != nil {
		return block.ViewCertificate{}, false, fmt.Errorf("quorum: combine end-view partials for view %d: %w", m.View, err)
	}
	t.done = true
	cert.ThresholdSig = sig
	return cert, true, nil
}

// VotePartialCount returns the number of distinct signers tallied for key,
// for diagnostics.
func (a *Aggregator) VotePartialCount(key block.Key) int {
	t, ok := a.votes[key]
	if !ok {
		return 0
	}
	return t.signers.Len()
}
