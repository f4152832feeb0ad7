// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ordering implements the Ordering Projection F (§4.E): the
// deterministic function from an Indexed Store to the committed transaction
// log every correct process eventually agrees on. It is grounded on the
// teacher's engine/chain/block.Status-driven "accepted frontier" walk
// (chain/block's Accept/decision chain), generalized from a single linear
// chain to Morpheus's DAG-shaped Q_i/M_i.
package ordering

import (
	"sort"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/types"
)

// F computes the committed transaction log: the payloads of every
// Transaction block in the canonical topological extension of the spine
// rooted at the ≤-maximal finalized 2-QC's block, in deterministic order
// (§4.E). It returns nil if no block is yet finalized.
func F(s *store.Store) [][]byte {
	root, ok := Spine(s)
	if !ok {
		return nil
	}
	order := topologicalClosure(s, root)
	var out [][]byte
	for _, h := range order {
		b, ok := s.Block(h)
		if !ok || b.Kind != types.Transaction {
			continue
		}
		out = append(out, b.Payload...)
	}
	return out
}

// Spine returns the content hash of the block referenced by the ≤-maximal
// finalized (2-QC-backed) block in the store, the root of the committed
// prefix (§4.E "the ≤-maximal 2-QC whose block lies in M'").
func Spine(s *store.Store) (block.Hash, bool) {
	var best block.QC
	have := false
	for _, q := range s.AllQCs() {
		if q.Level != types.Level2 {
			continue
		}
		if !s.HasBlock(q.BlockHash) {
			continue
		}
		if !have || store.CompareKeys(q.Key(), best.Key()) > 0 {
			best = q
			have = true
		}
	}
	if !have {
		return block.ZeroHash, false
	}
	return best.BlockHash, true
}

// topologicalClosure returns every block transitively observed by root
// (through Prev), including root itself, in a fixed deterministic
// topological order: ancestors strictly before descendants, siblings broken
// by the tie-break key (view, tag(kind), height, author, slot, hash). The
// walk follows Prev only: OneQC links are not followed, and the order is
// not staged along a one_qc chain; it is a single post-order DFS over
// everything root observes.
func topologicalClosure(s *store.Store, root block.Hash) []block.Hash {
	visited := make(map[block.Hash]bool)
	var order []block.Hash

	var visit func(h block.Hash)
	visit = func(h block.Hash) {
		if visited[h] {
			return
		}
		visited[h] = true
		b, ok := s.Block(h)
		if !ok {
			return
		}
		children := make([]block.QC, len(b.Prev))
		copy(children, b.Prev)
		sort.Slice(children, func(i, j int) bool {
			return tieBreakLess(children[i], children[j])
		})
		for _, q := range children {
			visit(q.BlockHash)
		}
		order = append(order, h)
	}
	visit(root)
	return order
}

// tieBreakLess orders two QCs by (view, tag(kind), height, author, slot,
// hash), the fixed order spec.md's Open Question 3 resolves the ordering
// projection's tie-break to.
func tieBreakLess(a, b block.QC) bool {
	if a.View != b.View {
		return a.View < b.View
	}
	at, bt := a.Kind.KindTag(), b.Kind.KindTag()
	if at != bt {
		return at < bt
	}
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.BlockHash.Compare(b.BlockHash) < 0
}
