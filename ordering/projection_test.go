// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package ordering

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/store"
	"github.com/morpheus-bft/morpheus/types"
)

// buildChain assembles a two-block transaction chain on top of genesis and
// finalizes the tip with a 2-QC, the minimal shape Spine/F need to exercise
// a non-trivial topological walk.
func buildChain(t *testing.T) *store.Store {
	t.Helper()
	cap := crypto.Fake{}

	genesis := block.Block{Kind: types.Genesis}
	gh := cap.Hash(genesis.CanonicalBytes())
	gqc := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Genesis, BlockHash: gh}, ThresholdSig: []byte{0, 0, 0, 0}}

	s := store.New(nil, nil, genesis, gqc)

	b1 := block.Block{Kind: types.Transaction, Author: 0, View: 1, Height: 1, Slot: 0, Payload: [][]byte{[]byte("tx1")}, Prev: []block.QC{gqc}, OneQC: gqc}
	h1 := cap.Hash(b1.CanonicalBytes())
	s.IngestBlock(b1, h1)
	qc1 := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0, BlockHash: h1}, ThresholdSig: []byte{0, 0, 0, 0}}
	require.NoError(t, s.IngestQC(qc1))

	b2 := block.Block{Kind: types.Transaction, Author: 0, View: 1, Height: 2, Slot: 1, Payload: [][]byte{[]byte("tx2")}, Prev: []block.QC{qc1}, OneQC: qc1}
	h2 := cap.Hash(b2.CanonicalBytes())
	s.IngestBlock(b2, h2)
	qc2one := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 2, Author: 0, Slot: 1, BlockHash: h2}, ThresholdSig: []byte{0, 0, 0, 0}}
	require.NoError(t, s.IngestQC(qc2one))
	qc2two := block.QC{VoteData: block.VoteData{Level: types.Level2, Kind: types.Transaction, View: 1, Height: 2, Author: 0, Slot: 1, BlockHash: h2}, ThresholdSig: []byte{0, 0, 0, 0}}
	require.NoError(t, s.IngestQC(qc2two))

	return s
}

func TestSpineFindsMaximalFinalizedBlock(t *testing.T) {
	s := buildChain(t)
	root, ok := Spine(s)
	require.True(t, ok)

	b2, found := func() (block.Hash, bool) {
		for _, be := range s.AllBlocksWithHash() {
			if be.Block.Height == 2 {
				return be.Hash, true
			}
		}
		return block.ZeroHash, false
	}()
	require.True(t, found)
	require.Equal(t, b2, root)
}

func TestFReturnsTransactionPayloadsInCausalOrder(t *testing.T) {
	s := buildChain(t)
	got := F(s)
	require.Equal(t, [][]byte{[]byte("tx1"), []byte("tx2")}, got)
}

func TestFReturnsNilBeforeAnyFinalization(t *testing.T) {
	genesis := block.Block{Kind: types.Genesis}
	cap := crypto.Fake{}
	gh := cap.Hash(genesis.CanonicalBytes())
	gqc := block.QC{VoteData: block.VoteData{Level: types.Level1, Kind: types.Genesis, BlockHash: gh}, ThresholdSig: []byte{0, 0, 0, 0}}
	s := store.New(nil, nil, genesis, gqc)
	require.Nil(t, F(s))
}
