// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package process wires the Validator, Store, Aggregator, Transition Engine,
// Journal and transport Sender into the single external surface a host
// embeds (§6): submit_transaction, committed_prefix, subscribe_commits, plus
// the health/build-info surface the teacher exposes from its engine/bft
// wrapper (engine/bft/wrapper.go's HealthCheck/Context pattern) for any
// Morpheus deployment's operational tooling.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/luxfi/version"
	"go.uber.org/zap"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/config"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/engine"
	"github.com/morpheus-bft/morpheus/journal"
	"github.com/morpheus-bft/morpheus/ordering"
	"github.com/morpheus-bft/morpheus/quorum"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/transport"
	"github.com/morpheus-bft/morpheus/validator"
)

// CommitCallback receives the newly committed suffix of transactions each
// time committed_prefix grows (§6 "subscribe_commits").
type CommitCallback func(newlyCommitted [][]byte)

// Process is the top-level, per-node Morpheus handle.
type Process struct {
	params config.Params
	log    log.Logger

	mu        sync.Mutex
	store     *store.Store
	agg       *quorum.Aggregator
	val       *validator.Validator
	eng       *engine.Engine
	jrn       *journal.Journal
	sender    transport.Sender
	lastCount int
	subs      []CommitCallback
}

// New constructs a Process. genesis/genesisOneQC seed a fresh deployment; if
// jrn already holds state (a restart), its contents take precedence.
func New(
	params config.Params,
	capability crypto.Capability,
	secret crypto.SecretKey,
	keys validator.PublicKeyLookup,
	genesis block.Block,
	genesisOneQC block.QC,
	jrn *journal.Journal,
	sender transport.Sender,
	logger log.Logger,
	metrics metric.Metrics,
) (*Process, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}
	if logger == nil {
		logger = log.NewNoOpLogger()
	}

	s := store.New(logger, metrics, genesis, genesisOneQC)
	blocks, qcs, err := jrn.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("process: load journal: %w", err)
	}
	for _, q := range qcs {
		if err := s.IngestQC(q); err != nil {
			return nil, fmt.Errorf("process: restore qc: %w", err)
		}
	}
	for _, b := range blocks {
		h := capability.Hash(b.CanonicalBytes())
		s.IngestBlock(b, h)
	}

	snap, err := jrn.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("process: load snapshot: %w", err)
	}

	agg := quorum.New(capability, params.VoteQuorum(), params.EndViewQuorum(), logger, metrics)
	val := validator.New(params.N, params.F, capability, keys)
	eng := engine.New(params, capability, secret, s, agg, val, logger, metrics, snap)

	return &Process{
		params: params,
		log:    logger,
		store:  s,
		agg:    agg,
		val:    val,
		eng:    eng,
		jrn:    jrn,
		sender: sender,
	}, nil
}

// SubmitTransaction enqueues payload for inclusion in this process's next
// transaction block (§6).
func (p *Process) SubmitTransaction(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eng.SubmitTransaction(payload)
	p.drain(p.eng.Step(timeNow()))
}

// HandleMessage delivers one inbound message from the network (§6).
func (p *Process) HandleMessage(msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	outs, err := p.eng.Ingest(timeNow(), msg)
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	p.drain(outs)
	return nil
}

// Tick drives timer-based rules (R9's complaint escalation) and must be
// called periodically, at least every few Delta, by the host.
func (p *Process) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain(p.eng.Step(timeNow()))
}

// drain dispatches outs over the transport and persists every state change
// they imply before returning, preserving the journal's "never contradict
// what was durably recorded" invariant (§6, §7 category 4).
func (p *Process) drain(outs []transport.Outbound) {
	if err := p.persist(); err != nil {
		p.log.Error("persist after transition", zap.Error(err))
	}
	if p.sender != nil {
		transport.Dispatch(p.sender, outs)
	}
	p.notifySubscribers()
}

func (p *Process) persist() error {
	if err := p.jrn.SaveSnapshot(p.eng.Snapshot()); err != nil {
		return err
	}
	for _, be := range p.store.AllBlocksWithHash() {
		if err := p.jrn.SaveBlock(be.Hash, be.Block); err != nil {
			return err
		}
	}
	for _, q := range p.store.AllQCs() {
		if err := p.jrn.SaveQC(q); err != nil {
			return err
		}
	}
	return nil
}

// CommittedPrefix returns the currently committed transaction log (§6
// "committed_prefix"), via the Ordering Projection.
func (p *Process) CommittedPrefix() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ordering.F(p.store)
}

// SubscribeCommits registers cb to be invoked with the newly committed
// suffix whenever committed_prefix grows (§6 "subscribe_commits").
func (p *Process) SubscribeCommits(cb CommitCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, cb)
}

func (p *Process) notifySubscribers() {
	if len(p.subs) == 0 {
		return
	}
	committed := ordering.F(p.store)
	if len(committed) <= p.lastCount {
		return
	}
	fresh := committed[p.lastCount:]
	p.lastCount = len(committed)
	for _, cb := range p.subs {
		cb(fresh)
	}
}

// View returns the process's current view_i, for diagnostics.
func (p *Process) View() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(p.eng.View())
}

// HealthCheck reports process status the way the teacher's engine/bft
// wrapper surfaces health to a host's /health endpoint: the current view and
// the committed log length. It checks no health condition and always
// returns a nil error.
func (p *Process) HealthCheck(_ context.Context) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"view":             uint64(p.eng.View()),
		"committed_length": len(ordering.F(p.store)),
	}, nil
}

// BuildInfo reports the running module's version metadata, mirroring the
// teacher's use of github.com/luxfi/version for operational diagnostics.
func BuildInfo() version.Application {
	return version.Application{
		Name:  "morpheus",
		Major: 0,
		Minor: 1,
		Patch: 0,
	}
}

func timeNow() time.Time { return time.Now() }
