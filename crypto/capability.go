// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto defines the capabilities §6 injects into a Process: a
// collision-free hash, a signature scheme, and a threshold signature
// scheme. The consensus core never picks a concrete cryptosystem itself —
// it is handed one of these at construction, the same way the teacher's
// engine/bft wrapper is handed a luxbft.EpochConfig rather than hard-coding
// a scheme. BLSCapability below is the one concrete binding this module
// ships, built on github.com/luxfi/crypto/bls.
package crypto

import (
	"errors"

	"github.com/luxfi/ids"
)

// ErrVerifyFailed is a sentinel for a cryptographic operation the
// underlying library rejects (§7 category 5: treat as malformed input at the
// call site). Neither BLSCapability nor Fake returns it: their Verify and
// VerifyThreshold report rejection as false.
var ErrVerifyFailed = errors.New("crypto: verification failed")

// Hasher computes the content digest used to address blocks, votes and QCs.
type Hasher interface {
	Hash(canonicalBytes []byte) ids.ID
}

// Signature is an opaque per-author signature over a message.
type Signature []byte

// PublicKey identifies a process for signature verification.
type PublicKey []byte

// SecretKey signs on behalf of one process.
type SecretKey interface {
	Sign(msg []byte) (Signature, error)
	Public() PublicKey
}

// Verifier checks an individual (non-threshold) signature, used for
// per-author block and view-message signatures.
type Verifier interface {
	Verify(pub PublicKey, msg []byte, sig Signature) bool
}

// Partial is one process's share of a threshold signature over a message.
type Partial struct {
	Signer ids.NodeID
	Share  []byte
}

// ThresholdSignature is a combined signature attesting that a quorum of
// distinct signers produced partials over the same message.
type ThresholdSignature []byte

// ThresholdSigner produces and combines partial signatures into the QCs and
// view certificates of §4.C. Combine does not itself check a threshold:
// the implementations here fail only on an empty or undecodable set of
// partials. The Aggregator is responsible for never calling Combine before
// the n-f (or f+1) threshold is reached.
type ThresholdSigner interface {
	PartialSign(share SecretKey, msg []byte) (Partial, error)
	Combine(msg []byte, partials []Partial) (ThresholdSignature, error)
	VerifyThreshold(groupPub PublicKey, msg []byte, sig ThresholdSignature) bool
}

// Capability bundles everything §6 injects into a Process.
type Capability interface {
	Hasher
	Verifier
	ThresholdSigner
}
