// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package journal implements the persisted state layout of §6: durable
// storage for every block and QC a process has ingested, plus view_i,
// slot_lead_i, slot_tr_i, voted_i, phase_i and view_entered_at_i, so that a
// restarted process can resume without violating "must not vote or produce
// in a way that contradicts the journal." It is grounded on the
// persistentConsensusBase/loadState pattern of the retrieved hotstuff-cursor
// reference implementation, adapted onto github.com/luxfi/database's
// key-value Database the way the teacher persists chain state through the
// same package (engine/dag/state, engine/graph/state).
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/engine"
	"github.com/morpheus-bft/morpheus/types"
)

var (
	keyView        = []byte("m/view")
	keySlotLead    = []byte("m/slot_lead")
	keySlotTr      = []byte("m/slot_tr")
	keyViewEntered = []byte("m/view_entered_at")
	prefixVoted    = []byte("v/")
	prefixPhase    = []byte("p/")
	prefixBlock    = []byte("b/")
	prefixQC       = []byte("q/")
)

// Journal durably persists one process's consensus state.
type Journal struct {
	db  database.Database
	log log.Logger
}

// Open wraps db as a Journal.
func Open(db database.Database, logger log.Logger) *Journal {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Journal{db: db, log: logger}
}

// SaveBlock durably records b under its content hash.
func (j *Journal) SaveBlock(h block.Hash, b block.Block) error {
	return j.db.Put(append(append([]byte{}, prefixBlock...), h[:]...), encodeBlock(b))
}

// SaveQC durably records q under its VoteData key.
func (j *Journal) SaveQC(q block.QC) error {
	return j.db.Put(append(append([]byte{}, prefixQC...), qcKeyBytes(q.Key())...), encodeQC(q))
}

func qcKeyBytes(k block.Key) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, k.Level)
	binary.Write(&buf, binary.BigEndian, k.Kind)
	binary.Write(&buf, binary.BigEndian, uint64(k.View))
	binary.Write(&buf, binary.BigEndian, uint64(k.Height))
	binary.Write(&buf, binary.BigEndian, uint32(k.Author))
	binary.Write(&buf, binary.BigEndian, uint64(k.Slot))
	return buf.Bytes()
}

// LoadAll replays every durably recorded block and QC, in no particular
// order; callers re-ingest them through a fresh Store, whose idempotent
// ingestion paths restore the derived indices. The Store does not
// re-validate them.
func (j *Journal) LoadAll() ([]block.Block, []block.QC, error) {
	var blocks []block.Block
	it := j.db.NewIteratorWithPrefix(prefixBlock)
	defer it.Release()
	for it.Next() {
		b, err := decodeBlock(it.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("journal: decode block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := it.Error(); err != nil {
		return nil, nil, fmt.Errorf("journal: iterate blocks: %w", err)
	}

	var qcs []block.QC
	qit := j.db.NewIteratorWithPrefix(prefixQC)
	defer qit.Release()
	for qit.Next() {
		q, err := decodeQC(qit.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("journal: decode qc: %w", err)
		}
		qcs = append(qcs, q)
	}
	if err := qit.Error(); err != nil {
		return nil, nil, fmt.Errorf("journal: iterate qcs: %w", err)
	}
	return blocks, qcs, nil
}

// SaveSnapshot durably records the Transition Engine's mutable state.
func (j *Journal) SaveSnapshot(snap engine.Snapshot) error {
	if err := putUint64(j.db, keyView, uint64(snap.View)); err != nil {
		return err
	}
	if err := putUint64(j.db, keySlotLead, uint64(snap.SlotLead)); err != nil {
		return err
	}
	if err := putUint64(j.db, keySlotTr, uint64(snap.SlotTr)); err != nil {
		return err
	}
	if err := putUint64(j.db, keyViewEntered, uint64(snap.ViewEntered.UnixNano())); err != nil {
		return err
	}
	for k := range snap.Voted {
		if err := j.db.Put(append(append([]byte{}, prefixVoted...), votedKeyBytes(k)...), []byte{1}); err != nil {
			return err
		}
	}
	for v, ph := range snap.Phase {
		var key bytes.Buffer
		key.Write(prefixPhase)
		binary.Write(&key, binary.BigEndian, uint64(v))
		if err := j.db.Put(key.Bytes(), []byte{byte(ph)}); err != nil {
			return err
		}
	}
	return nil
}

func votedKeyBytes(k engine.VotedKey) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k.Level))
	buf.WriteByte(byte(k.Kind))
	binary.Write(&buf, binary.BigEndian, uint64(k.Slot))
	binary.Write(&buf, binary.BigEndian, uint32(k.Author))
	return buf.Bytes()
}

// LoadSnapshot reconstructs the last saved Snapshot, or the zero Snapshot if
// none has ever been saved (a fresh genesis process).
func (j *Journal) LoadSnapshot() (engine.Snapshot, error) {
	var snap engine.Snapshot
	snap.Voted = make(map[engine.VotedKey]struct{})
	snap.Phase = make(map[types.ViewNum]types.Phase)

	view, ok, err := getUint64(j.db, keyView)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.View = types.ViewNum(view)
	}
	slotLead, ok, err := getUint64(j.db, keySlotLead)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.SlotLead = types.SlotNum(slotLead)
	}
	slotTr, ok, err := getUint64(j.db, keySlotTr)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.SlotTr = types.SlotNum(slotTr)
	}
	entered, ok, err := getUint64(j.db, keyViewEntered)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.ViewEntered = time.Unix(0, int64(entered))
	}

	vit := j.db.NewIteratorWithPrefix(prefixVoted)
	defer vit.Release()
	for vit.Next() {
		k, err := parseVotedKey(vit.Key()[len(prefixVoted):])
		if err != nil {
			return snap, err
		}
		snap.Voted[k] = struct{}{}
	}
	if err := vit.Error(); err != nil {
		return snap, fmt.Errorf("journal: iterate voted: %w", err)
	}

	pit := j.db.NewIteratorWithPrefix(prefixPhase)
	defer pit.Release()
	for pit.Next() {
		v := types.ViewNum(binary.BigEndian.Uint64(pit.Key()[len(prefixPhase):]))
		snap.Phase[v] = types.Phase(pit.Value()[0])
	}
	if err := pit.Error(); err != nil {
		return snap, fmt.Errorf("journal: iterate phase: %w", err)
	}
	return snap, nil
}

func parseVotedKey(raw []byte) (engine.VotedKey, error) {
	if len(raw) != 1+1+8+4 {
		return engine.VotedKey{}, fmt.Errorf("journal: malformed voted key")
	}
	return engine.VotedKey{
		Level:  types.Level(raw[0]),
		Kind:   types.BlockKind(raw[1]),
		Slot:   types.SlotNum(binary.BigEndian.Uint64(raw[2:10])),
		Author: types.ProcessId(binary.BigEndian.Uint32(raw[10:14])),
	}, nil
}

func putUint64(db database.Database, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return db.Put(key, buf)
}

func getUint64(db database.Database, key []byte) (uint64, bool, error) {
	has, err := db.Has(key)
	if err != nil {
		return 0, false, fmt.Errorf("journal: has %s: %w", key, err)
	}
	if !has {
		return 0, false, nil
	}
	v, err := db.Get(key)
	if err != nil {
		return 0, false, fmt.Errorf("journal: get %s: %w", key, err)
	}
	return binary.BigEndian.Uint64(v), true, nil
}
