// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/ids/hashing"
)

// Fake is a deterministic, insecure stand-in for Capability used by unit
// and scenario tests, the way engine/chain/chaintest stubs out real
// signature verification with a trivial scheme. Signatures are just the
// 4-byte signer id followed by msg itself; combine concatenates the
// signer ids of the partials it is given. It should never be constructed outside tests.
type Fake struct{}

func (Fake) Hash(canonicalBytes []byte) ids.ID {
	return hashing.ComputeHash256Array(canonicalBytes)
}

type fakeSecretKey struct {
	id uint32
}

// NewFakeSecretKey returns a SecretKey for process id, for use only with
// Fake.
func NewFakeSecretKey(id uint32) SecretKey {
	return fakeSecretKey{id: id}
}

func (k fakeSecretKey) Sign(msg []byte) (Signature, error) {
	sig := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(sig, k.id)
	copy(sig[4:], msg)
	return sig, nil
}

func (k fakeSecretKey) Public() PublicKey {
	pk := make([]byte, 4)
	binary.BigEndian.PutUint32(pk, k.id)
	return pk
}

func (Fake) Verify(pub PublicKey, msg []byte, sig Signature) bool {
	if len(sig) != 4+len(msg) || len(pub) != 4 {
		return false
	}
	if string(sig[4:]) != string(msg) {
		return false
	}
	return string(sig[:4]) == string(pub)
}

func (Fake) PartialSign(share SecretKey, msg []byte) (Partial, error) {
	sk, ok := share.(fakeSecretKey)
	if !ok {
		return Partial{}, fmt.Errorf("crypto: fake partial sign requires a fake secret key")
	}
	sig, _ := sk.Sign(msg)
	return Partial{Share: sig}, nil
}

// Combine concatenates every partial's 4-byte signer-id prefix; the caller
// (the Aggregator) dedups by signer before calling this. The rest of each
// share is dropped, and VerifyThreshold only checks that the result is a
// non-empty multiple of 4 bytes.
func (Fake) Combine(_ []byte, partials []Partial) (ThresholdSignature, error) {
	if len(partials) == 0 {
		return nil, fmt.Errorf("crypto: fake combine requires at least one partial")
	}
	out := make([]byte, 0, 4*len(partials))
	for _, p := range partials {
		if len(p.Share) < 4 {
			return nil, fmt.Errorf("crypto: malformed partial")
		}
		out = append(out, p.Share[:4]...)
	}
	return out, nil
}

func (Fake) VerifyThreshold(_ PublicKey, msg []byte, sig ThresholdSignature) bool {
	if len(sig)%4 != 0 || len(sig) == 0 {
		return false
	}
	return true
}
