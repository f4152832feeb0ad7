// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"fmt"

	blscrypto "github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/ids/hashing"
)

// BLSCapability binds Capability to github.com/luxfi/crypto/bls: BLS
// signatures for individual artifacts, aggregated into a threshold
// signature by summing shares over the group's public keys. This is the
// same aggregate-signature shape the teacher's protocol/quasar/hybrid.go
// uses for its BLS leg of a hybrid scheme, narrowed here to BLS alone since
// the spec treats the threshold scheme as a single injected capability.
type BLSCapability struct {
	// members maps each process's public key bytes back to its BLS key.
	// Verify and VerifyThreshold decode the key bytes they are given and
	// do not consult it.
	members map[string]*blscrypto.PublicKey
}

// NewBLSCapability constructs a capability that can verify signatures from
// the given set of member public keys.
func NewBLSCapability(members []*blscrypto.PublicKey) *BLSCapability {
	index := make(map[string]*blscrypto.PublicKey, len(members))
	for _, pk := range members {
		index[string(blscrypto.PublicKeyToBytes(pk))] = pk
	}
	return &BLSCapability{members: index}
}

// Hash implements Hasher using the same 256-bit hash the teacher uses to
// derive content-addressed block IDs (protocol/mysticeti's
// hashing.ComputeHash256Array).
func (c *BLSCapability) Hash(canonicalBytes []byte) ids.ID {
	return hashing.ComputeHash256Array(canonicalBytes)
}

// Verify implements Verifier for a single author's signature.
func (c *BLSCapability) Verify(pub PublicKey, msg []byte, sig Signature) bool {
	pk, err := blscrypto.PublicKeyFromBytes(pub)
	if err != nil {
		return false
	}
	s, err := blscrypto.SignatureFromBytes(sig)
	if err != nil {
		return false
	}
	return blscrypto.Verify(pk, s, msg)
}

// blsSecretKey adapts *blscrypto.SecretKey to the SecretKey interface.
type blsSecretKey struct {
	sk *blscrypto.SecretKey
}

// NewSecretKey generates a fresh per-process BLS key pair.
func NewSecretKey() (SecretKey, error) {
	sk, err := blscrypto.NewSecretKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate bls key: %w", err)
	}
	return blsSecretKey{sk: sk}, nil
}

func (k blsSecretKey) Sign(msg []byte) (Signature, error) {
	sig := blscrypto.Sign(k.sk, msg)
	return Signature(blscrypto.SignatureToBytes(sig)), nil
}

func (k blsSecretKey) Public() PublicKey {
	return PublicKey(blscrypto.PublicKeyToBytes(k.sk.PublicKey()))
}

// PartialSign produces this process's BLS share over msg; for BLS, a
// "partial" is simply an ordinary signature, combined later by aggregation.
func (c *BLSCapability) PartialSign(share SecretKey, msg []byte) (Partial, error) {
	sk, ok := share.(blsSecretKey)
	if !ok {
		return Partial{}, fmt.Errorf("crypto: partial sign requires a bls secret key")
	}
	sig, err := sk.Sign(msg)
	if err != nil {
		return Partial{}, err
	}
	return Partial{Share: sig}, nil
}

// Combine aggregates n-f (or f+1) partials into one threshold signature via
// BLS signature aggregation, mirroring
// protocol/quasar/hybrid.go's bls.AggregateSignatures call.
func (c *BLSCapability) Combine(_ []byte, partials []Partial) (ThresholdSignature, error) {
	if len(partials) == 0 {
		return nil, fmt.Errorf("crypto: combine requires at least one partial")
	}
	sigs := make([]*blscrypto.Signature, 0, len(partials))
	for _, p := range partials {
		sig, err := blscrypto.SignatureFromBytes(p.Share)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode partial: %w", err)
		}
		sigs = append(sigs, sig)
	}
	agg, err := blscrypto.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("crypto: aggregate partials: %w", err)
	}
	return ThresholdSignature(blscrypto.SignatureToBytes(agg)), nil
}

// VerifyThreshold verifies an aggregated signature against the aggregate of
// the relevant members' public keys.
func (c *BLSCapability) VerifyThreshold(groupPub PublicKey, msg []byte, sig ThresholdSignature) bool {
	pk, err := blscrypto.PublicKeyFromBytes(groupPub)
	if err != nil {
		return false
	}
	s, err := blscrypto.SignatureFromBytes(sig)
	if err != nil {
		return false
	}
	return blscrypto.Verify(pk, s, msg)
}

// AggregatePublicKeys combines member public keys into a group key usable
// with VerifyThreshold, mirroring
// protocol/quasar/hybrid.go's bls.AggregatePublicKeys.
func (c *BLSCapability) AggregatePublicKeys(signers []PublicKey) (PublicKey, error) {
	keys := make([]*blscrypto.PublicKey, 0, len(signers))
	for _, raw := range signers {
		pk, err := blscrypto.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode signer public key: %w", err)
		}
		keys = append(keys, pk)
	}
	agg, err := blscrypto.AggregatePublicKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("crypto: aggregate public keys: %w", err)
	}
	return PublicKey(blscrypto.PublicKeyToBytes(agg)), nil
}
