// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/types"
)

func genesisFixture() (block.Block, block.QC) {
	g := block.Block{Kind: types.Genesis}
	h := crypto.Fake{}.Hash(g.CanonicalBytes())
	qc := block.QC{
		VoteData: block.VoteData{
			Level: types.Level1, Kind: types.Genesis, View: 0, Height: 0, Author: 0, Slot: 0, BlockHash: h,
		},
		ThresholdSig: []byte{0, 0, 0, 0},
	}
	return g, qc
}

func TestCompareKeysOrdersByViewThenKindThenHeight(t *testing.T) {
	a := block.Key{View: 1, Kind: types.Leader, Height: 5}
	b := block.Key{View: 1, Kind: types.Transaction, Height: 1}
	require.Negative(t, CompareKeys(a, b), "leader sorts before transaction at equal view, whatever the heights")

	c := block.Key{View: 2, Kind: types.Leader, Height: 0}
	require.Negative(t, CompareKeys(a, c))

	d := block.Key{View: 1, Kind: types.Leader, Height: 9}
	require.Negative(t, CompareKeys(a, d))
	require.Zero(t, CompareKeys(a, a))
}

func TestTipFrontierDropsDominatedSameAuthorQC(t *testing.T) {
	g, gqc := genesisFixture()
	s := New(nil, nil, g, gqc)

	qc0 := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0, BlockHash: block.ZeroHash}, ThresholdSig: []byte{0, 0, 0, 0}}
	qc1 := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 2, Author: 0, Slot: 1, BlockHash: block.ZeroHash}, ThresholdSig: []byte{0, 0, 0, 0}}

	require.NoError(t, s.IngestQC(qc0))
	require.NoError(t, s.IngestQC(qc1))

	tips := s.Tips()
	// The genesis 1-QC and qc1 both survive: qc1 (slot 1) dominates qc0 (slot
	// 0) via Dominates' same-author clause, but neither relates to genesis
	// (different kind/author and no block-observation link).
	require.Len(t, tips, 2)
	single, ok := s.SingleTip()
	require.False(t, ok)
	_ = single
}

func TestIsFinalizedViaTwoQCFrontier(t *testing.T) {
	g, gqc := genesisFixture()
	s := New(nil, nil, g, gqc)

	oneQC := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0, BlockHash: block.ZeroHash}, ThresholdSig: []byte{0, 0, 0, 0}}
	twoQC := block.QC{VoteData: block.VoteData{Level: types.Level2, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0, BlockHash: block.ZeroHash}, ThresholdSig: []byte{0, 0, 0, 0}}

	require.NoError(t, s.IngestQC(oneQC))
	require.False(t, s.IsFinalized(oneQC))

	require.NoError(t, s.IngestQC(twoQC))
	require.True(t, s.IsFinalized(oneQC))
	require.True(t, s.IsFinalized(twoQC))
}

func TestQCUniquenessViolationIsRejected(t *testing.T) {
	g, gqc := genesisFixture()
	s := New(nil, nil, g, gqc)

	var h1, h2 block.Hash
	h1[0] = 1
	h2[0] = 2

	qc := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0, BlockHash: h1}, ThresholdSig: []byte{0, 0, 0, 0}}
	require.NoError(t, s.IngestQC(qc))

	conflicting := qc
	conflicting.BlockHash = h2
	require.Error(t, s.IngestQC(conflicting))
}
