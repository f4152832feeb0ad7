// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package process

import (
	"fmt"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/config"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/journal"
	"github.com/morpheus-bft/morpheus/transport"
	"github.com/morpheus-bft/morpheus/types"
)

// fakeKeys resolves process ids to the Fake capability's public keys,
// shared by every process in a scenario harness exactly as a real
// deployment would share a validator set.
type fakeKeys map[types.ProcessId]crypto.PublicKey

func (f fakeKeys) PublicKey(id types.ProcessId) (crypto.PublicKey, error) {
	pk, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("no key for %d", id)
	}
	return pk, nil
}

func (f fakeKeys) GroupPublicKey(signers []types.ProcessId) (crypto.PublicKey, error) {
	return crypto.PublicKey{0, 0, 0, 0}, nil
}

// network wires together a fixed set of Processes with an in-memory,
// synchronous message queue, standing in for the out-of-scope transport
// §6 delegates to a host. Broadcast fans a message out to every process,
// including the sender, mirroring the observable behavior a real gossip
// layer gives a correct process (it always hears its own broadcasts).
type network struct {
	procs []*Process
	queue []queued
}

type queued struct {
	to  types.ProcessId
	msg transport.Message
}

// route implements transport.Sender for one fixed member of the network;
// outbound actions enqueue onto the shared network rather than deliver
// synchronously, so that pump can drive the whole system to quiescence
// breadth-first instead of recursing through Process.HandleMessage.
type route struct {
	net *network
}

func (r route) Broadcast(msg transport.Message) {
	for i := range r.net.procs {
		r.net.queue = append(r.net.queue, queued{to: types.ProcessId(i), msg: msg})
	}
}

func (r route) Send(to types.ProcessId, msg transport.Message) {
	r.net.queue = append(r.net.queue, queued{to: to, msg: msg})
}

// pump drains the queue until empty or budget messages have been
// delivered, returning the number actually delivered. A bounded budget
// keeps a latent liveness bug from hanging the test suite instead of
// failing it.
func (n *network) pump(t *testing.T, budget int) int {
	t.Helper()
	delivered := 0
	for len(n.queue) > 0 {
		if delivered >= budget {
			t.Fatalf("network did not reach quiescence within %d delivered messages", budget)
		}
		m := n.queue[0]
		n.queue = n.queue[1:]
		require.NoError(t, n.procs[m.to].HandleMessage(m.msg))
		delivered++
	}
	return delivered
}

// newScenario builds n processes over a fresh genesis, sharing one fake
// validator set and one in-memory network, ready to exercise a direct-path
// finalization scenario (§8 scenario 1: low contention, no leader fault,
// post-GST synchrony).
func newScenario(t *testing.T, n int) (*network, []*Process) {
	t.Helper()
	cap := crypto.Fake{}

	genesis := block.Block{Kind: types.Genesis}
	gh := cap.Hash(genesis.CanonicalBytes())
	genesisOneQC := block.QC{
		VoteData:     block.VoteData{Level: types.Level1, Kind: types.Genesis, BlockHash: gh},
		ThresholdSig: []byte{0, 0, 0, 0},
	}

	keys := make(fakeKeys, n)
	secrets := make([]crypto.SecretKey, n)
	for i := 0; i < n; i++ {
		sk := crypto.NewFakeSecretKey(uint32(i))
		secrets[i] = sk
		keys[types.ProcessId(i)] = sk.Public()
	}

	net := &network{}
	procs := make([]*Process, n)
	for i := 0; i < n; i++ {
		params := config.Local(n, types.ProcessId(i))
		jrn := journal.Open(memdb.New(), nil)
		p, err := New(params, cap, secrets[i], keys, genesis, genesisOneQC, jrn, route{net: net}, nil, nil)
		require.NoError(t, err)
		procs[i] = p
	}
	net.procs = procs
	return net, procs
}

// TestDirectPathFinalizationConvergesAcrossAllProcesses exercises §8
// scenario 1: with four correct processes, no leader fault and a
// synchronous network throughout, a transaction submitted on one process
// eventually commits identically on every process, after the genesis
// bootstrap view-0 announcement, a leader block finalizing and unlocking
// direct-phase voting, and the transaction block itself finalizing.
func TestDirectPathFinalizationConvergesAcrossAllProcesses(t *testing.T) {
	const n = 4
	net, procs := newScenario(t, n)

	// Let the four processes exchange their initial view-0 ViewMessages
	// and tip QCs before any transaction is submitted, the same bootstrap
	// traffic a freshly started deployment generates on its own.
	for _, p := range procs {
		p.Tick()
	}
	net.pump(t, 10000)

	procs[0].SubmitTransaction([]byte("hello"))
	net.pump(t, 10000)

	// A single round of traffic may not be enough to carry the leader
	// block through 1-vote/2-vote finalization and then unlock the
	// transaction block's own 1-vote/2-vote; ticking re-drives the rule
	// fixpoint on every process in case a rule was only enabled by a
	// message this process already held locally.
	for round := 0; round < 8; round++ {
		for _, p := range procs {
			p.Tick()
		}
		net.pump(t, 10000)
	}

	want := procs[0].CommittedPrefix()
	require.NotEmpty(t, want, "transaction never committed on the submitting process")
	require.Equal(t, [][]byte{[]byte("hello")}, want)

	for i, p := range procs {
		got := p.CommittedPrefix()
		require.Equal(t, want, got, "process %d did not converge with process 0", i)
	}
}

// TestConcurrentSubmissionsFromEveryProcessAllCommit exercises a higher
// contention variant of §8 scenario 1: every process submits its own
// payload before any traffic flows, all must be observed (in some
// deterministic but not independently specified order) in every process's
// committed prefix once the system quiesces.
func TestConcurrentSubmissionsFromEveryProcessAllCommit(t *testing.T) {
	const n = 4
	net, procs := newScenario(t, n)

	for _, p := range procs {
		p.Tick()
	}
	net.pump(t, 10000)

	payloads := make([][]byte, n)
	for i, p := range procs {
		payloads[i] = []byte(fmt.Sprintf("tx-%d", i))
		p.SubmitTransaction(payloads[i])
	}
	net.pump(t, 20000)

	for round := 0; round < 16; round++ {
		for _, p := range procs {
			p.Tick()
		}
		net.pump(t, 20000)
	}

	want := procs[0].CommittedPrefix()
	require.NotEmpty(t, want)
	seen := make(map[string]bool, len(want))
	for _, tx := range want {
		seen[string(tx)] = true
	}
	for _, payload := range payloads {
		require.True(t, seen[string(payload)], "payload %q never committed", payload)
	}

	for i, p := range procs {
		require.Equal(t, want, p.CommittedPrefix(), "process %d did not converge with process 0", i)
	}
}

// TestRestartMidViewResumesFromJournalWithoutEquivocating exercises a
// restart (§6 "must not vote or produce in a way that contradicts the
// journal"): a process that crashes after voting and is reconstructed from
// the same journal must not re-derive a conflicting vote for anything it
// already voted for, and must still converge with the rest of the network
// once it resumes.
func TestRestartMidViewResumesFromJournalWithoutEquivocating(t *testing.T) {
	const n = 4
	net, procs := newScenario(t, n)

	for _, p := range procs {
		p.Tick()
	}
	net.pump(t, 10000)

	procs[0].SubmitTransaction([]byte("world"))
	net.pump(t, 10000)
	for round := 0; round < 4; round++ {
		for _, p := range procs {
			p.Tick()
		}
		net.pump(t, 10000)
	}

	// Reconstruct process 3 from its own journal, as if it had crashed and
	// restarted, and swap it back into the network under the same id.
	restarted := procs[3]
	snapBefore := restarted.eng.Snapshot()

	p3, err := New(config.Local(n, 3), crypto.Fake{}, crypto.NewFakeSecretKey(3),
		fakeKeysFrom(procs), block.Block{Kind: types.Genesis}, procs[3].store.GenesisQC(),
		restarted.jrn, route{net: net}, nil, nil)
	require.NoError(t, err)
	procs[3] = p3
	net.procs[3] = p3

	snapAfter := p3.eng.Snapshot()
	require.Equal(t, snapBefore.View, snapAfter.View)
	require.Equal(t, len(snapBefore.Voted), len(snapAfter.Voted))

	for round := 0; round < 8; round++ {
		for _, p := range procs {
			p.Tick()
		}
		net.pump(t, 20000)
	}

	want := procs[0].CommittedPrefix()
	require.NotEmpty(t, want)
	for i, p := range procs {
		require.Equal(t, want, p.CommittedPrefix(), "process %d did not converge with process 0 after restart", i)
	}
}

func fakeKeysFrom(procs []*Process) fakeKeys {
	keys := make(fakeKeys, len(procs))
	for i := range procs {
		keys[types.ProcessId(i)] = crypto.NewFakeSecretKey(uint32(i)).Public()
	}
	return keys
}
