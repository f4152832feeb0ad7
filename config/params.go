// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config carries the fixed, construction-time parameters of a
// Morpheus Process: the process count, fault tolerance, synchrony bound,
// and this process's own identity and key material.
package config

import (
	"time"

	"github.com/morpheus-bft/morpheus/types"
)

// Params are immutable once a Process is constructed (§6 "Parameters").
type Params struct {
	// N is the total number of processes in the fixed set.
	N int
	// F is the maximum number of Byzantine faults tolerated: floor((n-1)/3).
	F int
	// Delta is the partial-synchrony message delay bound assumed to hold
	// after GST.
	Delta time.Duration
	// Self is this process's own id in [0, N).
	Self types.ProcessId
	// FastVotePath broadcasts 0-votes (R3) to all processes instead of only
	// to the block's author, trading bandwidth for fewer round trips before
	// a 0-QC can be aggregated.
	FastVotePath bool
}

// FaultTolerance returns floor((n-1)/3), the spec's definition of f.
func FaultTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// VoteQuorum returns the n-f quorum size used for block and view-message
// certificates.
func (p Params) VoteQuorum() int {
	return p.N - p.F
}

// EndViewQuorum returns the f+1 quorum size used for end-view certificates.
func (p Params) EndViewQuorum() int {
	return p.F + 1
}

// Validate checks internal consistency of the parameter set.
func (p Params) Validate() error {
	if p.N <= 0 {
		return errInvalid("n must be positive")
	}
	if p.F != FaultTolerance(p.N) {
		return errInvalid("f must equal floor((n-1)/3)")
	}
	if 3*p.F >= p.N {
		return errInvalid("f must satisfy f < n/3")
	}
	if int(p.Self) >= p.N {
		return errInvalid("self process id out of range")
	}
	if p.Delta <= 0 {
		return errInvalid("delta must be positive")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return "config: " + string(e) }

// Default returns the canonical parameter set for n processes, with f
// derived automatically and Delta set to a conservative LAN-scale bound.
// It mirrors the teacher's named-preset constructors (Mainnet/Testnet/Local
// in github.com/luxfi/consensus's config package), reduced to the single
// axis this protocol actually varies: the synchrony bound.
func Default(n int, self types.ProcessId) Params {
	return Params{
		N:     n,
		F:     FaultTolerance(n),
		Delta: 100 * time.Millisecond,
		Self:  self,
	}
}

// Local returns parameters tuned for single-host deterministic testing:
// tight synchrony bound, fast-vote-path enabled.
func Local(n int, self types.ProcessId) Params {
	p := Default(n, self)
	p.Delta = 10 * time.Millisecond
	p.FastVotePath = true
	return p
}

// WithDelta returns a copy of p with Delta replaced.
func (p Params) WithDelta(d time.Duration) Params {
	p.Delta = d
	return p
}

// WithFastVotePath returns a copy of p with the fast vote-broadcast path
// toggled.
func (p Params) WithFastVotePath(on bool) Params {
	p.FastVotePath = on
	return p
}
