// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine implements the Transition Engine (§4.D): the
// single-threaded, cooperative fixpoint that scans rules R1-R9 in order and
// executes the first enabled one, repeatedly, until none is enabled. It is
// the direct analogue of the teacher's engine/chain.Engine Add/RecordPoll
// loop, generalized from Snowman's single-decree sampling to Morpheus's
// richer per-view rule set.
package engine

import (
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"go.uber.org/zap"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/config"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/quorum"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/transport"
	"github.com/morpheus-bft/morpheus/types"
	"github.com/morpheus-bft/morpheus/validator"
)

// VotedKey is the (level,kind,slot,author) tuple voted_i tracks (§3).
type VotedKey struct {
	Level  types.Level
	Kind   types.BlockKind
	Slot   types.SlotNum
	Author types.ProcessId
}

// Snapshot is the subset of Engine state that must be persisted and
// restored across restart (§6 "Persisted state layout"), exposed so
// package journal can write it through without reaching into Engine's
// unexported fields.
type Snapshot struct {
	View        types.ViewNum
	SlotLead    types.SlotNum
	SlotTr      types.SlotNum
	Voted       map[VotedKey]struct{}
	Phase       map[types.ViewNum]types.Phase
	ViewEntered time.Time
}

// Engine is the per-process Transition Engine.
type Engine struct {
	params config.Params
	cap    crypto.Capability
	secret crypto.SecretKey
	log    log.Logger

	store   *store.Store
	agg     *quorum.Aggregator
	val     *validator.Validator
	metrics metric.Metrics

	view         types.ViewNum
	slotLead     types.SlotNum
	slotTr       types.SlotNum
	voted        map[VotedKey]struct{}
	phase        map[types.ViewNum]types.Phase
	viewEntered  time.Time
	payloadReady bool
	pendingTxs   [][]byte

	pendingZeroQCs map[block.Key]block.QC
	pendingCerts   map[types.ViewNum]block.ViewCertificate

	sentTipThisView         bool
	sentEndViewThisView     bool
	sentViewMessageThisView bool
}

// New constructs an Engine from a restored (or fresh) Snapshot.
func New(
	params config.Params,
	capability crypto.Capability,
	secret crypto.SecretKey,
	s *store.Store,
	agg *quorum.Aggregator,
	val *validator.Validator,
	logger log.Logger,
	metrics metric.Metrics,
	snap Snapshot,
) *Engine {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	voted := snap.Voted
	if voted == nil {
		voted = make(map[VotedKey]struct{})
	}
	phase := snap.Phase
	if phase == nil {
		phase = make(map[types.ViewNum]types.Phase)
	}
	return &Engine{
		params:         params,
		cap:            capability,
		secret:         secret,
		log:            logger,
		store:          s,
		agg:            agg,
		val:            val,
		metrics:        metrics,
		view:           snap.View,
		slotLead:       snap.SlotLead,
		slotTr:         snap.SlotTr,
		voted:          voted,
		phase:          phase,
		viewEntered:    snap.ViewEntered,
		pendingZeroQCs: make(map[block.Key]block.QC),
		pendingCerts:   make(map[types.ViewNum]block.ViewCertificate),
	}
}

// Snapshot returns the current persistable state (§6).
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		View:        e.view,
		SlotLead:    e.slotLead,
		SlotTr:      e.slotTr,
		Voted:       e.voted,
		Phase:       e.phase,
		ViewEntered: e.viewEntered,
	}
}

// View returns the engine's current view_i.
func (e *Engine) View() types.ViewNum { return e.view }

// Store exposes the engine's Indexed Store for read access (e.g. by the
// Ordering Projection or a host's diagnostics).
func (e *Engine) Store() *store.Store { return e.store }

// SubmitTransaction enqueues payload for inclusion in the next transaction
// block this process produces and raises payload_ready_i (§6
// "submit_transaction").
func (e *Engine) SubmitTransaction(payload []byte) {
	e.pendingTxs = append(e.pendingTxs, payload)
	e.payloadReady = true
}

// Ingest validates and applies one inbound transport message (§6), then
// drains the rule fixpoint. Malformed or semantically invalid artifacts are
// dropped silently (§4.A, §7 categories 1-3); a non-nil error return is
// reserved for invariant violations (§7 category 6).
func (e *Engine) Ingest(now time.Time, msg transport.Message) ([]transport.Outbound, error) {
	switch msg.Kind {
	case transport.KindBlock:
		h := e.val.Hash(msg.Block)
		if e.store.HasBlock(h) {
			return e.Step(now), nil
		}
		if err := e.val.ValidateBlock(e.store, msg.Block, h); err != nil {
			e.log.Debug("dropping invalid block", zap.Error(err))
			return e.Step(now), nil
		}
		e.store.IngestBlock(msg.Block, h)

	case transport.KindVote:
		if err := e.val.ValidateVote(msg.Vote); err != nil {
			e.log.Debug("dropping invalid vote", zap.Error(err))
			return e.Step(now), nil
		}
		if outs := e.applyOwnVote(msg.Vote); len(outs) > 0 {
			return append(outs, e.Step(now)...), nil
		}

	case transport.KindQC:
		if err := e.val.ValidateQC(msg.QC); err != nil {
			e.log.Debug("dropping invalid qc", zap.Error(err))
			return e.Step(now), nil
		}
		if err := e.store.IngestQC(msg.QC); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}

	case transport.KindViewMessage:
		if err := e.val.ValidateViewMessage(msg.ViewMessage); err != nil {
			e.log.Debug("dropping invalid view message", zap.Error(err))
			return e.Step(now), nil
		}
		e.store.IngestViewMessage(msg.ViewMessage)

	case transport.KindEndView:
		if err := e.val.ValidateEndViewMessage(msg.EndView); err != nil {
			e.log.Debug("dropping invalid end-view message", zap.Error(err))
			return e.Step(now), nil
		}
		outs := e.applyOwnEndView(msg.EndView)
		return append(outs, e.Step(now)...), nil

	case transport.KindViewCertificate:
		if err := e.val.ValidateViewCertificate(msg.ViewCertificate); err != nil {
			e.log.Debug("dropping invalid view certificate", zap.Error(err))
			return e.Step(now), nil
		}
		e.store.IngestViewCertificate(msg.ViewCertificate)

	default:
		return nil, fmt.Errorf("engine: unknown message kind %d", msg.Kind)
	}
	return e.Step(now), nil
}

// Step drains the rule fixpoint: repeatedly executes the first enabled rule
// until none is enabled (§4.D "Scheduling model").
func (e *Engine) Step(now time.Time) []transport.Outbound {
	var all []transport.Outbound
	for i := 0; i < maxFixpointIterations; i++ {
		fired, outs := e.scanOnce(now)
		all = append(all, outs...)
		if !fired {
			return all
		}
	}
	e.log.Warn("transition engine did not reach fixpoint within iteration budget")
	return all
}

// maxFixpointIterations bounds a single Step call defensively; a correctly
// implemented rule set always reaches fixpoint in O(store size) iterations
// since every firing either advances monotone state (voted_i, view_i,
// slots) or drains a bounded pending-QC/cert buffer.
const maxFixpointIterations = 100000

func (e *Engine) scanOnce(now time.Time) (bool, []transport.Outbound) {
	if fired, outs := e.r1(); fired {
		e.countRuleFired("r1")
		return true, outs
	}
	if fired, outs := e.r2(now); fired {
		e.countRuleFired("r2")
		return true, outs
	}
	if fired, outs := e.r3(); fired {
		e.countRuleFired("r3")
		return true, outs
	}
	if fired, outs := e.r4(); fired {
		e.countRuleFired("r4")
		return true, outs
	}
	if fired, outs := e.r5(); fired {
		e.countRuleFired("r5")
		return true, outs
	}
	if fired, outs := e.r6(); fired {
		e.countRuleFired("r6")
		return true, outs
	}
	if fired, outs := e.r7(e.view); fired {
		e.countRuleFired("r7")
		return true, outs
	}
	if fired, outs := e.r8(e.view); fired {
		e.countRuleFired("r8")
		return true, outs
	}
	if fired, outs := e.r9(now); fired {
		e.countRuleFired("r9")
		return true, outs
	}
	return false, nil
}

// countRuleFired records one firing of the named rule (§4.D), the
// Transition Engine's share of SPEC_FULL.md's metrics wiring alongside
// the Store's ingest counters and the Aggregator's partial-count gauge.
func (e *Engine) countRuleFired(rule string) {
	if e.metrics == nil {
		return
	}
	e.metrics.IncCounter("morpheus_engine_rule_"+rule+"_fired", 1)
}

// applyOwnVote feeds vote to the Aggregator and, if a QC results,
// materializes it: a 0-QC is stashed for R4's self-authorship gate; a 1- or
// 2-QC is ingested and queued for broadcast immediately, per §4.C's general
// "feed it to ingest_qc and emit it outbound".
func (e *Engine) applyOwnVote(vote block.Vote) []transport.Outbound {
	qc, ok, err := e.agg.AddVote(vote)
	if err != nil {
		e.log.Warn("combine vote partials", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	if qc.Level == types.Level0 {
		e.pendingZeroQCs[qc.Key()] = qc
		return nil
	}
	if err := e.store.IngestQC(qc); err != nil {
		e.log.Warn("ingest formed qc", zap.Error(err))
		return nil
	}
	return []transport.Outbound{{Broadcast: true, Message: transport.QCMessage(qc)}}
}

// applyOwnEndView feeds m to the Store and the Aggregator; a resulting
// ViewCertificate is stashed for R1 to pick up, per R1's explicit
// "combine... and broadcast" gating.
func (e *Engine) applyOwnEndView(m block.EndViewMessage) []transport.Outbound {
	e.store.IngestEndViewMessage(m)
	cert, ok, err := e.agg.AddEndView(m)
	if err != nil {
		e.log.Warn("combine end-view partials", zap.Error(err))
		return nil
	}
	if ok {
		e.pendingCerts[cert.View] = cert
	}
	return nil
}
