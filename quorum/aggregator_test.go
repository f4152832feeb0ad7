// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/types"
)

func voteFrom(signer types.ProcessId, vd block.VoteData) block.Vote {
	sk := crypto.NewFakeSecretKey(uint32(signer))
	partial, _ := crypto.Fake{}.PartialSign(sk, vd.CanonicalBytes())
	return block.Vote{VoteData: vd, Signer: signer, Partial: partial}
}

func TestAggregatorReachesQuorumExactlyOnce(t *testing.T) {
	a := New(crypto.Fake{}, 3, 2, nil, nil)
	vd := block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0}

	_, ok, err := a.AddVote(voteFrom(0, vd))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = a.AddVote(voteFrom(1, vd))
	require.NoError(t, err)
	require.False(t, ok)

	qc, ok, err := a.AddVote(voteFrom(2, vd))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vd, qc.VoteData)
	require.NotEmpty(t, qc.ThresholdSig)

	// A fourth vote for the same key is a no-op: the tally is already done.
	_, ok, err = a.AddVote(voteFrom(3, vd))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAggregatorDedupsRepeatedSigner(t *testing.T) {
	a := New(crypto.Fake{}, 2, 2, nil, nil)
	vd := block.VoteData{Level: types.Level0, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0}

	_, ok, err := a.AddVote(voteFrom(0, vd))
	require.NoError(t, err)
	require.False(t, ok)

	// Same signer again must not count twice toward the quorum.
	_, ok, err = a.AddVote(voteFrom(0, vd))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, a.VotePartialCount(vd.Key()))
}

func TestAggregatorKeepsDistinctVoteKeysSeparate(t *testing.T) {
	a := New(crypto.Fake{}, 10, 2, nil, nil)
	vdA := block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 1, Height: 1, Author: 0, Slot: 0}
	vdB := block.VoteData{Level: types.Level1, Kind: types.Transaction, View: 2, Height: 2, Author: 0, Slot: 1}

	_, ok, err := a.AddVote(voteFrom(0, vdA))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, a.VotePartialCount(vdB.Key()))
}

func endViewFrom(signer types.ProcessId, view types.ViewNum) block.EndViewMessage {
	sk := crypto.NewFakeSecretKey(uint32(signer))
	m := block.EndViewMessage{View: view, Signer: signer}
	sig, _ := sk.Sign(m.CanonicalBytes())
	m.Signature = sig
	return m
}

func TestAggregatorEndViewQuorumProducesNextViewCertificate(t *testing.T) {
	a := New(crypto.Fake{}, 3, 2, nil, nil)

	_, ok, err := a.AddEndView(endViewFrom(0, 5))
	require.NoError(t, err)
	require.False(t, ok)

	cert, ok, err := a.AddEndView(endViewFrom(1, 5))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.ViewNum(6), cert.View)
	require.NotEmpty(t, cert.ThresholdSig)
}
