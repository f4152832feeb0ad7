// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the Indexed Store (§4.B): a content-addressed
// map of blocks and QCs plus the derived indices (tips, finality,
// per-author/slot, per-view, QC preorder extrema) the Transition Engine
// needs in sub-linear time. It is owned exclusively by one Process; like
// the teacher's engine/graph/state.State, all mutation is expected to be
// serialized through a single caller (here, the Transition Engine) and no
// internal locking is attempted.
package store

import (
	"fmt"

	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"go.uber.org/zap"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/types"
)

type authorKindSlot struct {
	kind   types.BlockKind
	author types.ProcessId
	slot   types.SlotNum
}

type kindAuthor struct {
	kind   types.BlockKind
	author types.ProcessId
}

// Store is the per-process Indexed Store.
type Store struct {
	log     log.Logger
	metrics metric.Metrics

	blocks map[block.Hash]block.Block
	qcs    map[block.Key]block.QC

	// blocksByKAS indexes blocks by (kind,author,slot); len > 1 signals
	// equivocation by that author at that slot.
	blocksByKAS map[authorKindSlot][]block.Hash

	// qcs already indexes QCs by their full block.Key; qcLevelsByKAS groups the at-most-one 1-QC and at-most-one 2-QC per
	// (kind,author,slot) (Invariant 1).
	qcLevelsByKAS map[authorKindSlot]map[types.Level]block.Key

	// viewMessages indexes ViewMessages received, by view.
	viewMessages map[types.ViewNum][]block.ViewMessage

	// endViewMessages indexes EndViewMessages by view, keyed by signer to
	// dedup.
	endViewMessages map[types.ViewNum]map[types.ProcessId]block.EndViewMessage

	// viewCertificates indexes the synthesized certificate for each view.
	viewCertificates map[types.ViewNum]block.ViewCertificate

	// greatest1QCPerAuthor tracks, per (kind,author), the maximal 1-QC
	// produced so far, exposed through GreatestOneQCByAuthor.
	greatest1QCPerAuthor map[kindAuthor]block.Key

	// greatest1QC is the global maximum 1-QC under the QC preorder.
	greatest1QC *block.Key

	// tipFrontier is the maximal antichain of Q_i under the observes
	// relation (⪰), maintained incrementally on every ingest_qc.
	tipFrontier map[block.Key]struct{}

	// twoQCFrontier is the maximal antichain among 2-QCs only, used to
	// answer is_finalized in time proportional to the frontier rather than
	// the whole history of 2-QCs.
	twoQCFrontier map[block.Key]struct{}

	genesisHash block.Hash
	genesisQC   block.QC
}

// New constructs an empty Store seeded with the canonical Genesis block and
// its single 1-QC (Invariant 7).
func New(logger log.Logger, metrics metric.Metrics, genesis block.Block, genesisOneQC block.QC) *Store {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	s := &Store{
		log:                  logger,
		metrics:              metrics,
		blocks:               make(map[block.Hash]block.Block),
		qcs:                  make(map[block.Key]block.QC),
		blocksByKAS:          make(map[authorKindSlot][]block.Hash),
		qcLevelsByKAS:        make(map[authorKindSlot]map[types.Level]block.Key),
		viewMessages:         make(map[types.ViewNum][]block.ViewMessage),
		endViewMessages:      make(map[types.ViewNum]map[types.ProcessId]block.EndViewMessage),
		viewCertificates:     make(map[types.ViewNum]block.ViewCertificate),
		greatest1QCPerAuthor: make(map[kindAuthor]block.Key),
		tipFrontier:          make(map[block.Key]struct{}),
		twoQCFrontier:        make(map[block.Key]struct{}),
	}
	s.genesisHash = genesisOneQC.BlockHash
	s.genesisQC = genesisOneQC
	s.blocks[s.genesisHash] = genesis
	s.recordBlock(genesis, s.genesisHash)
	s.ingestQCUnchecked(genesisOneQC)
	return s
}

// GenesisHash returns the content hash of the sentinel Genesis block.
func (s *Store) GenesisHash() block.Hash { return s.genesisHash }

// GenesisQC returns the sentinel 1-QC seeded at construction (Invariant 7),
// the chain's root for self-authored prev-pointer construction before any
// process has produced its own first block (§4.D.X).
func (s *Store) GenesisQC() block.QC { return s.genesisQC }

// Block looks up a block by hash.
func (s *Store) Block(h block.Hash) (block.Block, bool) {
	b, ok := s.blocks[h]
	return b, ok
}

// QC looks up a QC by its VoteData key.
func (s *Store) QC(k block.Key) (block.QC, bool) {
	q, ok := s.qcs[k]
	return q, ok
}

// HasBlock reports whether a block with hash h has been ingested.
func (s *Store) HasBlock(h block.Hash) bool {
	_, ok := s.blocks[h]
	return ok
}

// IngestBlock inserts b (idempotent on content) and incrementally updates
// the author/kind/slot index. It does not itself validate b — callers must
// run it through the Validator (§4.A) first.
func (s *Store) IngestBlock(b block.Block, h block.Hash) {
	if _, ok := s.blocks[h]; ok {
		return // duplicate, no-op
	}
	s.blocks[h] = b
	s.recordBlock(b, h)
}

func (s *Store) recordBlock(b block.Block, h block.Hash) {
	key := authorKindSlot{b.Kind, b.Author, b.Slot}
	for _, existing := range s.blocksByKAS[key] {
		if existing == h {
			return
		}
	}
	if n := len(s.blocksByKAS[key]); n > 0 {
		s.log.Warn("equivocation evidence: two blocks for same (kind,author,slot)",
			zap.Uint64("kind", uint64(b.Kind)), zap.Uint32("author", uint32(b.Author)), zap.Uint64("slot", uint64(b.Slot)))
	}
	s.blocksByKAS[key] = append(s.blocksByKAS[key], h)
	if s.metrics != nil {
		s.metrics.IncCounter("morpheus_store_blocks_ingested", 1)
	}
}

// IngestQC inserts q (idempotent on its VoteData key) and updates every
// derived index: per-author greatest-1-QC, the tip frontier, the 2-QC
// frontier used for finality, and (Invariant 1/2) the per-(kind,author,slot)
// level map.
func (s *Store) IngestQC(q block.QC) error {
	key := q.Key()
	if existing, ok := s.qcs[key]; ok {
		if existing.BlockHash != q.BlockHash {
			return fmt.Errorf("store: QC uniqueness violated for %+v: have %s, got %s", key, existing.BlockHash, q.BlockHash)
		}
		return nil // duplicate
	}
	s.ingestQCUnchecked(q)
	return nil
}

func (s *Store) ingestQCUnchecked(q block.QC) {
	key := q.Key()
	s.qcs[key] = q

	kas := authorKindSlot{q.Kind, q.Author, q.Slot}
	levels, ok := s.qcLevelsByKAS[kas]
	if !ok {
		levels = make(map[types.Level]block.Key)
		s.qcLevelsByKAS[kas] = levels
	}
	levels[q.Level] = key

	if q.Level == types.Level1 {
		ka := kindAuthor{q.Kind, q.Author}
		if cur, ok := s.greatest1QCPerAuthor[ka]; !ok || s.lessKey(cur, key) {
			s.greatest1QCPerAuthor[ka] = key
		}
		if s.greatest1QC == nil || s.lessKey(*s.greatest1QC, key) {
			k := key
			s.greatest1QC = &k
		}
	}

	s.addToFrontier(s.tipFrontier, key)
	if q.Level == types.Level2 {
		s.addToFrontier(s.twoQCFrontier, key)
	}
	if s.metrics != nil {
		s.metrics.IncCounter("morpheus_store_qcs_ingested", 1)
	}
}

// ViewMessages returns every ViewMessage received for view v.
func (s *Store) ViewMessages(v types.ViewNum) []block.ViewMessage {
	return s.viewMessages[v]
}

// IngestViewMessage records m, deduplicated by signer within the view.
func (s *Store) IngestViewMessage(m block.ViewMessage) {
	for _, existing := range s.viewMessages[m.View] {
		if existing.Signer == m.Signer {
			return
		}
	}
	s.viewMessages[m.View] = append(s.viewMessages[m.View], m)
}

// EndViewMessages returns every distinct-signer EndViewMessage for view v.
func (s *Store) EndViewMessages(v types.ViewNum) []block.EndViewMessage {
	out := make([]block.EndViewMessage, 0, len(s.endViewMessages[v]))
	for _, m := range s.endViewMessages[v] {
		out = append(out, m)
	}
	return out
}

// IngestEndViewMessage records m, deduplicated by signer within the view.
func (s *Store) IngestEndViewMessage(m block.EndViewMessage) {
	signers, ok := s.endViewMessages[m.View]
	if !ok {
		signers = make(map[types.ProcessId]block.EndViewMessage)
		s.endViewMessages[m.View] = signers
	}
	signers[m.Signer] = m
}

// ViewCertificate returns the certificate for view v, if synthesized.
func (s *Store) ViewCertificate(v types.ViewNum) (block.ViewCertificate, bool) {
	c, ok := s.viewCertificates[v]
	return c, ok
}

// IngestViewCertificate records c.
func (s *Store) IngestViewCertificate(c block.ViewCertificate) {
	if _, ok := s.viewCertificates[c.View]; ok {
		return
	}
	s.viewCertificates[c.View] = c
}

// GreatestOneQC returns the maximal 1-QC under the QC preorder (§4.B).
func (s *Store) GreatestOneQC() (block.QC, bool) {
	if s.greatest1QC == nil {
		return block.QC{}, false
	}
	return s.qcs[*s.greatest1QC], true
}

// GreatestOneQCByAuthor returns the maximal 1-QC authored by (kind,author).
func (s *Store) GreatestOneQCByAuthor(kind types.BlockKind, author types.ProcessId) (block.QC, bool) {
	key, ok := s.greatest1QCPerAuthor[kindAuthor{kind, author}]
	if !ok {
		return block.QC{}, false
	}
	return s.qcs[key], true
}

// QCForSlot returns the QC of the given level for (kind,author,slot), if
// any (Invariant 1: at most one per level).
func (s *Store) QCForSlot(kind types.BlockKind, author types.ProcessId, slot types.SlotNum, level types.Level) (block.QC, bool) {
	levels, ok := s.qcLevelsByKAS[authorKindSlot{kind, author, slot}]
	if !ok {
		return block.QC{}, false
	}
	key, ok := levels[level]
	if !ok {
		return block.QC{}, false
	}
	return s.qcs[key], true
}

// BlocksForAuthorSlot returns every distinct block hash seen for
// (kind,author,slot); length > 1 is equivocation evidence.
func (s *Store) BlocksForAuthorSlot(kind types.BlockKind, author types.ProcessId, slot types.SlotNum) []block.Hash {
	return s.blocksByKAS[authorKindSlot{kind, author, slot}]
}

// AllQCs returns every QC currently in Q_i. Callers must treat the result
// as read-only.
func (s *Store) AllQCs() []block.QC {
	out := make([]block.QC, 0, len(s.qcs))
	for _, q := range s.qcs {
		out = append(out, q)
	}
	return out
}

// BlockEntry pairs a stored block with its content hash.
type BlockEntry struct {
	Hash  block.Hash
	Block block.Block
}

// AllBlocksWithHash returns every block currently in M_i alongside its
// content hash. Callers must treat the result as read-only.
func (s *Store) AllBlocksWithHash() []BlockEntry {
	out := make([]BlockEntry, 0, len(s.blocks))
	for h, b := range s.blocks {
		out = append(out, BlockEntry{Hash: h, Block: b})
	}
	return out
}

// ViewCertificateViews returns every view for which a ViewCertificate has
// been synthesized.
func (s *Store) ViewCertificateViews() []types.ViewNum {
	out := make([]types.ViewNum, 0, len(s.viewCertificates))
	for v := range s.viewCertificates {
		out = append(out, v)
	}
	return out
}
