// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/transport"
	"github.com/morpheus-bft/morpheus/types"
)

// r1 implements View-certificate synthesis (§4.D R1): if an aggregated
// certificate is pending for some v'+1 with v' >= view_i, ingest and
// broadcast it, preferring the greatest such v'.
func (e *Engine) r1() (bool, []transport.Outbound) {
	var best types.ViewNum
	have := false
	for certView := range e.pendingCerts {
		if certView == 0 {
			continue
		}
		triggerView := certView - 1
		if triggerView < e.view {
			continue
		}
		if !have || certView > best {
			best = certView
			have = true
		}
	}
	if !have {
		return false, nil
	}
	cert := e.pendingCerts[best]
	delete(e.pendingCerts, best)
	e.store.IngestViewCertificate(cert)
	return true, []transport.Outbound{{Broadcast: true, Message: transport.ViewCertificateMessage(cert)}}
}

// r2 implements View advancement (§4.D R2): advance view_i to the greatest
// view for which a triggering QC or ViewCertificate exists, re-broadcast the
// trigger, send my current tip QCs and a fresh ViewMessage to the new
// leader, and reset per-view bookkeeping. It also covers the degenerate
// case of entering view 0 at genesis, where no QC or certificate with
// view > 0 will ever exist to serve as a trigger: whenever this process has
// not yet announced itself to the current view's leader, it does so without
// requiring a trigger, exactly as if it had just advanced into that view.
func (e *Engine) r2(now time.Time) (bool, []transport.Outbound) {
	maxView := e.view
	var trigger transport.Message
	triggered := false
	for _, q := range e.store.AllQCs() {
		if q.View > maxView {
			maxView = q.View
			trigger = transport.QCMessage(q)
			triggered = true
		}
	}
	for _, v := range e.store.ViewCertificateViews() {
		if v > maxView {
			maxView = v
			cert, _ := e.store.ViewCertificate(v)
			trigger = transport.ViewCertificateMessage(cert)
			triggered = true
		}
	}

	var outs []transport.Outbound
	if triggered {
		e.view = maxView
		e.sentTipThisView = false
		e.sentEndViewThisView = false
		e.sentViewMessageThisView = false
		if _, ok := e.phase[e.view]; !ok {
			e.phase[e.view] = types.LeadPhase
		}
		outs = append(outs, transport.Outbound{Broadcast: true, Message: trigger})
	} else if e.sentViewMessageThisView {
		return false, nil
	}

	e.viewEntered = now
	e.sentViewMessageThisView = true
	leader := e.view.Leader(e.params.N)
	for _, q := range e.store.Tips() {
		if q.Author == e.params.Self {
			outs = append(outs, transport.Outbound{To: leader, Message: transport.QCMessage(q)})
		}
	}
	greatest, _ := e.store.GreatestOneQC()
	vm := e.buildViewMessage(e.view, greatest)
	outs = append(outs, transport.Outbound{To: leader, Message: transport.ViewMessageMessage(vm)})
	if leader == e.params.Self {
		e.store.IngestViewMessage(vm)
	}
	return true, outs
}

func (e *Engine) buildViewMessage(v types.ViewNum, maxOneQC block.QC) block.ViewMessage {
	vm := block.ViewMessage{View: v, MaxOneQC: maxOneQC, Signer: e.params.Self}
	sig, err := e.secret.Sign(vm.CanonicalBytes())
	if err != nil {
		e.log.Error("sign view message", zap.Error(err))
	}
	vm.Signature = sig
	return vm
}

// r3 implements 0-votes for fresh blocks (§4.D R3): broadcast (or send to
// the author, absent the fast path) a 0-vote for every block not yet
// 0-voted.
func (e *Engine) r3() (bool, []transport.Outbound) {
	var outs []transport.Outbound
	fired := false
	for _, be := range e.store.AllBlocksWithHash() {
		b := be.Block
		if b.IsGenesis() {
			continue
		}
		vk := VotedKey{types.Level0, b.Kind, b.Slot, b.Author}
		if _, done := e.voted[vk]; done {
			continue
		}
		e.voted[vk] = struct{}{}
		fired = true
		vote := e.castVote(types.Level0, b, be.Hash)
		if e.params.FastVotePath {
			outs = append(outs, transport.Outbound{Broadcast: true, Message: transport.VoteMessage(vote)})
		} else {
			outs = append(outs, transport.Outbound{To: b.Author, Message: transport.VoteMessage(vote)})
		}
		if b.Author == e.params.Self || e.params.FastVotePath {
			outs = append(outs, e.applyOwnVote(vote)...)
		}
	}
	return fired, outs
}

// r4 implements 0-QC emission (§4.D R4): only this block's own author
// materializes and broadcasts its 0-QC once the Aggregator has formed it,
// since under the fast vote path every process's Aggregator independently
// accumulates enough 0-vote partials for blocks it did not author.
func (e *Engine) r4() (bool, []transport.Outbound) {
	for key, qc := range e.pendingZeroQCs {
		if key.Author != e.params.Self {
			continue
		}
		delete(e.pendingZeroQCs, key)
		if err := e.store.IngestQC(qc); err != nil {
			e.log.Warn("ingest self 0-qc", zap.Error(err))
			continue
		}
		return true, []transport.Outbound{{Broadcast: true, Message: transport.QCMessage(qc)}}
	}
	return false, nil
}

// r5 implements Transaction-block production (§4.D R5 / §4.D.X). Broadcast
// is understood to include the sender (§6), so the new block is ingested
// locally before being sent out.
func (e *Engine) r5() (bool, []transport.Outbound) {
	if !e.payloadReady {
		return false, nil
	}
	b, h := e.buildTransactionBlock()
	e.payloadReady = len(e.pendingTxs) > 0
	e.store.IngestBlock(b, h)
	return true, []transport.Outbound{{Broadcast: true, Message: transport.BlockMessage(b)}}
}

// r6 implements Leader-block production (§4.D R6 / §4.D.X / §4.D.Y): if I
// lead the current view, leader_ready holds, I am still in lead_phase, and
// the DAG has not yet converged onto a single finalized transaction-block
// chain, produce the next leader block. Convergence is judged by the single
// tip specifically being a transaction 1-QC, not merely by the frontier
// happening to have one member — at genesis, and transiently while a
// process's first self-authored 0-QC has not yet been joined by any other
// branch, the frontier is trivially a singleton without the DAG having
// actually converged.
func (e *Engine) r6() (bool, []transport.Outbound) {
	if e.params.Self != e.view.Leader(e.params.N) {
		return false, nil
	}
	if e.phase[e.view] == types.DirectPhase {
		return false, nil
	}
	if single, ok := e.store.SingleTip(); ok && single.Kind == types.Transaction && single.Level == types.Level1 {
		return false, nil
	}
	if !e.leaderReady() {
		return false, nil
	}
	b, h := e.buildLeaderBlock()
	e.store.IngestBlock(b, h)
	return true, []transport.Outbound{{Broadcast: true, Message: transport.BlockMessage(b)}}
}

// r7 implements Transaction-block voting (§4.D R7): direct-path 1- and
// 2-votes, gated on every leader block of the current view being finalized.
func (e *Engine) r7(v types.ViewNum) (bool, []transport.Outbound) {
	if !e.leaderBlocksOfViewAllFinalized(v) {
		return false, nil
	}

	for _, be := range e.store.AllBlocksWithHash() {
		b := be.Block
		if b.Kind != types.Transaction || b.View != v {
			continue
		}
		if !e.store.SingleTipOfM(be.Hash) {
			continue
		}
		if !e.dominatesAllOneQCs(b.OneQC) {
			continue
		}
		vk := VotedKey{types.Level1, types.Transaction, b.Slot, b.Author}
		if _, done := e.voted[vk]; done {
			continue
		}
		e.voted[vk] = struct{}{}
		e.phase[v] = types.DirectPhase
		vote := e.castVote(types.Level1, b, be.Hash)
		outs := []transport.Outbound{{Broadcast: true, Message: transport.VoteMessage(vote)}}
		outs = append(outs, e.applyOwnVote(vote)...)
		return true, outs
	}

	single, ok := e.store.SingleTip()
	if ok && single.Kind == types.Transaction && single.Level == types.Level1 {
		if e.maxBlockHeight() <= single.Height {
			vk := VotedKey{types.Level2, types.Transaction, single.Slot, single.Author}
			if _, done := e.voted[vk]; !done {
				e.voted[vk] = struct{}{}
				e.phase[v] = types.DirectPhase
				vote := e.castVoteFromQC(types.Level2, single)
				outs := []transport.Outbound{{Broadcast: true, Message: transport.VoteMessage(vote)}}
				outs = append(outs, e.applyOwnVote(vote)...)
				return true, outs
			}
		}
	}
	return false, nil
}

// r8 implements Leader-block voting (§4.D R8): while still in lead_phase,
// cast a 1-vote for every as-yet-unvoted leader block of v, and a 2-vote for
// every as-yet-unvoted 1-QC leader QC of v.
func (e *Engine) r8(v types.ViewNum) (bool, []transport.Outbound) {
	if e.phase[v] == types.DirectPhase {
		return false, nil
	}
	for _, be := range e.store.AllBlocksWithHash() {
		b := be.Block
		if b.Kind != types.Leader || b.View != v {
			continue
		}
		vk := VotedKey{types.Level1, types.Leader, b.Slot, b.Author}
		if _, done := e.voted[vk]; done {
			continue
		}
		e.voted[vk] = struct{}{}
		vote := e.castVote(types.Level1, b, be.Hash)
		outs := []transport.Outbound{{Broadcast: true, Message: transport.VoteMessage(vote)}}
		outs = append(outs, e.applyOwnVote(vote)...)
		return true, outs
	}
	for _, q := range e.store.AllQCs() {
		if q.Kind != types.Leader || q.Level != types.Level1 || q.View != v {
			continue
		}
		vk := VotedKey{types.Level2, types.Leader, q.Slot, q.Author}
		if _, done := e.voted[vk]; done {
			continue
		}
		e.voted[vk] = struct{}{}
		vote := e.castVoteFromQC(types.Level2, q)
		outs := []transport.Outbound{{Broadcast: true, Message: transport.VoteMessage(vote)}}
		outs = append(outs, e.applyOwnVote(vote)...)
		return true, outs
	}
	return false, nil
}

// r9 implements Complaints (§4.D R9): a 6Δ tip-QC nudge to the leader,
// escalating to a 12Δ end-view broadcast, each sent at most once per view.
func (e *Engine) r9(now time.Time) (bool, []transport.Outbound) {
	elapsed := now.Sub(e.viewEntered)
	q, unfinalized := e.store.MaximalUnfinalizedQC()

	if elapsed >= 6*e.params.Delta && !e.sentTipThisView && unfinalized {
		e.sentTipThisView = true
		leader := e.view.Leader(e.params.N)
		return true, []transport.Outbound{{To: leader, Message: transport.QCMessage(q)}}
	}

	if elapsed >= 12*e.params.Delta && !e.sentEndViewThisView && unfinalized {
		e.sentEndViewThisView = true
		m := block.EndViewMessage{View: e.view, Signer: e.params.Self}
		sig, err := e.secret.Sign(m.CanonicalBytes())
		if err != nil {
			e.log.Error("sign end-view message", zap.Error(err))
		}
		m.Signature = sig
		outs := []transport.Outbound{{Broadcast: true, Message: transport.EndViewMessage(m)}}
		outs = append(outs, e.applyOwnEndView(m)...)
		return true, outs
	}
	return false, nil
}

// castVote signs a fresh VoteData for block b at level and returns the Vote.
func (e *Engine) castVote(level types.Level, b block.Block, h block.Hash) block.Vote {
	vd := block.VoteData{Level: level, Kind: b.Kind, View: b.View, Height: b.Height, Author: b.Author, Slot: b.Slot, BlockHash: h}
	return e.signVoteData(vd)
}

// castVoteFromQC signs a fresh VoteData at the next level up from an
// existing QC, reusing its fields (§4.D R7/R8 2-votes reference q, not a
// locally held block).
func (e *Engine) castVoteFromQC(level types.Level, q block.QC) block.Vote {
	vd := block.VoteData{Level: level, Kind: q.Kind, View: q.View, Height: q.Height, Author: q.Author, Slot: q.Slot, BlockHash: q.BlockHash}
	return e.signVoteData(vd)
}

func (e *Engine) signVoteData(vd block.VoteData) block.Vote {
	partial, err := e.cap.PartialSign(e.secret, vd.CanonicalBytes())
	if err != nil {
		e.log.Error("partial sign vote", zap.Error(err))
	}
	return block.Vote{VoteData: vd, Signer: e.params.Self, Partial: partial}
}

func (e *Engine) maxBlockHeight() types.Height {
	var max types.Height
	for _, be := range e.store.AllBlocksWithHash() {
		if be.Block.Height > max {
			max = be.Block.Height
		}
	}
	return max
}

// dominatesAllOneQCs reports whether q dominates, under the QC preorder,
// every 1-QC currently in Q_i (§4.D R7's 1-vote guard, literal-pseudocode
// reading of spec.md's Open Question 1: compared against every 1-QC, not
// just those observed by q's block).
func (e *Engine) dominatesAllOneQCs(q block.QC) bool {
	for _, other := range e.store.AllQCs() {
		if other.Level != types.Level1 {
			continue
		}
		if store.CompareKeys(q.Key(), other.Key()) < 0 {
			return false
		}
	}
	return true
}

// leaderBlocksOfViewAllFinalized implements R7's gate: some leader block for
// v is finalized and no unfinalized leader block for v exists.
func (e *Engine) leaderBlocksOfViewAllFinalized(v types.ViewNum) bool {
	anyFinalized := false
	for _, be := range e.store.AllBlocksWithHash() {
		b := be.Block
		if b.Kind != types.Leader || b.View != v {
			continue
		}
		if e.blockFinalized(types.Leader, b.Author, b.Slot) {
			anyFinalized = true
			continue
		}
		return false
	}
	return anyFinalized
}

func (e *Engine) blockFinalized(kind types.BlockKind, author types.ProcessId, slot types.SlotNum) bool {
	for _, lvl := range []types.Level{types.Level2, types.Level1, types.Level0} {
		if q, ok := e.store.QCForSlot(kind, author, slot, lvl); ok && e.store.IsFinalized(q) {
			return true
		}
	}
	return false
}

// prevSelfQC returns the highest-level QC for this process's own
// (kind, slot-1), if any.
func (e *Engine) prevSelfQC(kind types.BlockKind, slot types.SlotNum) (block.QC, bool) {
	if slot == 0 {
		return block.QC{}, false
	}
	for _, lvl := range []types.Level{types.Level2, types.Level1, types.Level0} {
		if q, ok := e.store.QCForSlot(kind, e.params.Self, slot-1, lvl); ok {
			return q, true
		}
	}
	return block.QC{}, false
}

func maxHeightOf(qs []block.QC) types.Height {
	var max types.Height
	for _, q := range qs {
		if q.Height > max {
			max = q.Height
		}
	}
	return max
}

func containsKey(qs []block.QC, key block.Key) bool {
	for _, q := range qs {
		if q.Key() == key {
			return true
		}
	}
	return false
}

// drainPendingTxs empties and returns the queued transaction payload.
func (e *Engine) drainPendingTxs() [][]byte {
	out := e.pendingTxs
	e.pendingTxs = nil
	return out
}

// buildTransactionBlock implements §4.D.X for Transaction blocks: prev
// starts with the previous self-authored transaction QC (or Genesis's 1-QC
// at slot 0), plus the current single tip if one exists and differs.
func (e *Engine) buildTransactionBlock() (block.Block, block.Hash) {
	var prev []block.QC
	if q, ok := e.prevSelfQC(types.Transaction, e.slotTr); ok {
		prev = append(prev, q)
	} else {
		prev = append(prev, e.store.GenesisQC())
	}
	if tip, ok := e.store.SingleTip(); ok && !containsKey(prev, tip.Key()) {
		prev = append(prev, tip)
	}

	oneQC, _ := e.store.GreatestOneQC()
	b := block.Block{
		Kind:    types.Transaction,
		View:    e.view,
		Height:  1 + maxHeightOf(prev),
		Author:  e.params.Self,
		Slot:    e.slotTr,
		Payload: e.drainPendingTxs(),
		Prev:    prev,
		OneQC:   oneQC,
	}
	e.slotTr++
	h := b.Hash(e.cap)
	sig, err := e.secret.Sign(h[:])
	if err != nil {
		e.log.Error("sign transaction block", zap.Error(err))
	}
	b.Signature = sig
	return b, h
}

// buildLeaderBlock implements §4.D.X for Leader blocks: prev is tips(Q_i)
// plus the previous self-authored leader QC when it isn't already among
// them; the first leader block of a view carries a fresh n-f justification,
// a continuation block instead inherits the 1-QC for its predecessor.
func (e *Engine) buildLeaderBlock() (block.Block, block.Hash) {
	prev := e.store.Tips()
	prevQC, havePrev := e.prevSelfQC(types.Leader, e.slotLead)
	if havePrev && !containsKey(prev, prevQC.Key()) {
		prev = append(prev, prevQC)
	}

	firstOfView := !havePrev || prevQC.View < e.view

	var oneQC block.QC
	var justification []block.ViewMessage
	if firstOfView {
		justification = e.takeJustification(e.view)
		oneQC, _ = e.store.GreatestOneQC()
	} else {
		oneQC, _ = e.store.QCForSlot(types.Leader, e.params.Self, e.slotLead-1, types.Level1)
	}

	b := block.Block{
		Kind:          types.Leader,
		View:          e.view,
		Height:        1 + maxHeightOf(prev),
		Author:        e.params.Self,
		Slot:          e.slotLead,
		Prev:          prev,
		OneQC:         oneQC,
		Justification: justification,
	}
	e.slotLead++
	h := b.Hash(e.cap)
	sig, err := e.secret.Sign(h[:])
	if err != nil {
		e.log.Error("sign leader block", zap.Error(err))
	}
	b.Signature = sig
	return b, h
}

// takeJustification selects n-f distinct-signer ViewMessages for v, the
// fresh justification a first-of-view leader block carries (§4.A).
func (e *Engine) takeJustification(v types.ViewNum) []block.ViewMessage {
	seen := make(map[types.ProcessId]struct{})
	var out []block.ViewMessage
	for _, m := range e.store.ViewMessages(v) {
		if _, dup := seen[m.Signer]; dup {
			continue
		}
		seen[m.Signer] = struct{}{}
		out = append(out, m)
		if len(out) == e.params.VoteQuorum() {
			break
		}
	}
	return out
}

// leaderReady implements §4.D.Y: either no leader block of v exists yet
// from me and the n-f view-message threshold plus a genesis/prev-QC
// precondition holds, or my prior leader block of v already has a 1-QC for
// its predecessor slot.
func (e *Engine) leaderReady() bool {
	priorOwnView, havePrior := e.lastLeaderBlockView()
	if !havePrior || priorOwnView != e.view {
		if len(e.distinctViewMessageSigners(e.view)) < e.params.VoteQuorum() {
			return false
		}
		if e.slotLead == 0 {
			return true
		}
		_, ok := e.prevSelfQC(types.Leader, e.slotLead)
		return ok
	}
	_, ok := e.store.QCForSlot(types.Leader, e.params.Self, e.slotLead-1, types.Level1)
	return ok
}

func (e *Engine) distinctViewMessageSigners(v types.ViewNum) map[types.ProcessId]struct{} {
	out := make(map[types.ProcessId]struct{})
	for _, m := range e.store.ViewMessages(v) {
		out[m.Signer] = struct{}{}
	}
	return out
}

// lastLeaderBlockView returns the view of this process's most recently
// produced leader block, if slot_lead_i > 0.
func (e *Engine) lastLeaderBlockView() (types.ViewNum, bool) {
	if e.slotLead == 0 {
		return 0, false
	}
	hashes := e.store.BlocksForAuthorSlot(types.Leader, e.params.Self, e.slotLead-1)
	for _, h := range hashes {
		if b, ok := e.store.Block(h); ok {
			return b.View, true
		}
	}
	return 0, false
}
