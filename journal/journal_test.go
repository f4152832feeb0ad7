// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/engine"
	"github.com/morpheus-bft/morpheus/types"
)

func TestSaveAndLoadAllRoundTripsBlocksAndQCs(t *testing.T) {
	j := Open(memdb.New(), nil)

	var h block.Hash
	h[0] = 3
	b := block.Block{Kind: types.Transaction, Author: 0, View: 1, Height: 1, Payload: [][]byte{[]byte("x")}, Prev: []block.QC{sampleQC()}, OneQC: sampleQC()}
	require.NoError(t, j.SaveBlock(h, b))
	require.NoError(t, j.SaveQC(sampleQC()))

	blocks, qcs, err := j.LoadAll()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, b, blocks[0])
	require.Len(t, qcs, 1)
	require.Equal(t, sampleQC(), qcs[0])
}

func TestSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	j := Open(memdb.New(), nil)

	snap := engine.Snapshot{
		View:     7,
		SlotLead: 2,
		SlotTr:   3,
		Voted: map[engine.VotedKey]struct{}{
			{Level: types.Level1, Kind: types.Transaction, Slot: 1, Author: 0}: {},
			{Level: types.Level2, Kind: types.Leader, Slot: 0, Author: 1}:      {},
		},
		Phase: map[types.ViewNum]types.Phase{
			5: types.DirectPhase,
			6: types.LeadPhase,
		},
		ViewEntered: time.Unix(1700000000, 0),
	}
	require.NoError(t, j.SaveSnapshot(snap))

	got, err := j.LoadSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap.View, got.View)
	require.Equal(t, snap.SlotLead, got.SlotLead)
	require.Equal(t, snap.SlotTr, got.SlotTr)
	require.Equal(t, snap.Voted, got.Voted)
	require.Equal(t, snap.Phase, got.Phase)
	require.True(t, snap.ViewEntered.Equal(got.ViewEntered))
}

func TestLoadSnapshotOfFreshJournalIsZeroValue(t *testing.T) {
	j := Open(memdb.New(), nil)
	got, err := j.LoadSnapshot()
	require.NoError(t, err)
	require.Equal(t, types.ViewNum(0), got.View)
	require.Empty(t, got.Voted)
	require.Empty(t, got.Phase)
}
