// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire provides the canonical, deterministic byte encoding that
// backs content-addressing (§3: "Hash is ... a digest of a canonical
// serialization of the hashed object") and the journal's on-disk format.
// The teacher encodes its wire messages with generated protobuf types
// (proto/pb.BFT); this module has no .proto sources or code generator
// available, so it builds the same tag/length/value shape directly on
// google.golang.org/protobuf's low-level protowire primitives instead of
// hand-rolling a bespoke TLV format.
package wire

import "google.golang.org/protobuf/encoding/protowire"

// Builder accumulates a canonical encoding field by field, in the caller's
// chosen field-number order. Callers must always encode fields in the same
// order for the same logical type, since canonical equality of bytes (and
// therefore of the derived hash) depends on it.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder with capacity hint size.
func NewBuilder(size int) *Builder {
	return &Builder{buf: make([]byte, 0, size)}
}

// Bytes returns the accumulated canonical encoding.
func (b *Builder) Bytes() []byte { return b.buf }

// Uint64 appends field num as a varint.
func (b *Builder) Uint64(num protowire.Number, v uint64) *Builder {
	b.buf = protowire.AppendTag(b.buf, num, protowire.VarintType)
	b.buf = protowire.AppendVarint(b.buf, v)
	return b
}

// Field appends field num as a length-delimited byte string.
func (b *Builder) Field(num protowire.Number, v []byte) *Builder {
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, v)
	return b
}

// Sub appends field num as a length-delimited nested message, where inner
// is the already-encoded canonical bytes of the nested value.
func (b *Builder) Sub(num protowire.Number, inner []byte) *Builder {
	return b.Field(num, inner)
}

// Repeated appends one Sub field per element of inner, in slice order —
// used for ordered sequences (payload transactions). For unordered sets
// (prev QCs, justification view-messages) callers must sort elements into
// a canonical order before calling Repeated.
func (b *Builder) Repeated(num protowire.Number, inner [][]byte) *Builder {
	for _, v := range inner {
		b.Sub(num, v)
	}
	return b
}
