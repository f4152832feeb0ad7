// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/crypto"
	"github.com/morpheus-bft/morpheus/types"
	"github.com/morpheus-bft/morpheus/wire"
)

// This codec is a storage-format sibling of package block's CanonicalBytes:
// CanonicalBytes fixes a hash/signature preimage and deliberately omits the
// signature itself, while the journal must round-trip a block exactly,
// signature included, so a restarted process never needs to re-derive or
// re-request anything it had already durably accepted.

const (
	jKind   protowire.Number = 1
	jView   protowire.Number = 2
	jHeight protowire.Number = 3
	jAuthor protowire.Number = 4
	jSlot   protowire.Number = 5
	jTx     protowire.Number = 6
	jPrev   protowire.Number = 7
	jOneQC  protowire.Number = 8
	jJust   protowire.Number = 9
	jLevel  protowire.Number = 10
	jBlock  protowire.Number = 11
	jSig    protowire.Number = 12
	jSigner protowire.Number = 13
)

func encodeVoteData(v block.VoteData) []byte {
	b := wire.NewBuilder(64)
	b.Uint64(jLevel, uint64(v.Level))
	b.Uint64(jKind, uint64(v.Kind))
	b.Uint64(jView, uint64(v.View))
	b.Uint64(jHeight, uint64(v.Height))
	b.Uint64(jAuthor, uint64(v.Author))
	b.Uint64(jSlot, uint64(v.Slot))
	b.Field(jBlock, v.BlockHash[:])
	return b.Bytes()
}

func decodeVoteData(data []byte) (block.VoteData, error) {
	var v block.VoteData
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return v, fmt.Errorf("journal: bad votedata tag")
		}
		data = data[n:]
		switch num {
		case jLevel:
			val, nn := protowire.ConsumeVarint(data)
			v.Level = types.Level(val)
			data = data[nn:]
		case jKind:
			val, nn := protowire.ConsumeVarint(data)
			v.Kind = types.BlockKind(val)
			data = data[nn:]
		case jView:
			val, nn := protowire.ConsumeVarint(data)
			v.View = types.ViewNum(val)
			data = data[nn:]
		case jHeight:
			val, nn := protowire.ConsumeVarint(data)
			v.Height = types.Height(val)
			data = data[nn:]
		case jAuthor:
			val, nn := protowire.ConsumeVarint(data)
			v.Author = types.ProcessId(val)
			data = data[nn:]
		case jSlot:
			val, nn := protowire.ConsumeVarint(data)
			v.Slot = types.SlotNum(val)
			data = data[nn:]
		case jBlock:
			val, nn := protowire.ConsumeBytes(data)
			copy(v.BlockHash[:], val)
			data = data[nn:]
		default:
			nn := protowire.ConsumeFieldValue(num, typ, data)
			data = data[nn:]
		}
	}
	return v, nil
}

func encodeQC(q block.QC) []byte {
	b := wire.NewBuilder(96)
	b.Field(jBlock, encodeVoteData(q.VoteData))
	b.Field(jSig, q.ThresholdSig)
	return b.Bytes()
}

func decodeQC(data []byte) (block.QC, error) {
	var q block.QC
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return q, fmt.Errorf("journal: bad qc tag")
		}
		data = data[n:]
		switch num {
		case jBlock:
			val, nn := protowire.ConsumeBytes(data)
			vd, err := decodeVoteData(val)
			if err != nil {
				return q, err
			}
			q.VoteData = vd
			data = data[nn:]
		case jSig:
			val, nn := protowire.ConsumeBytes(data)
			q.ThresholdSig = append(crypto.ThresholdSignature(nil), val...)
			data = data[nn:]
		default:
			nn := protowire.ConsumeFieldValue(num, typ, data)
			data = data[nn:]
		}
	}
	return q, nil
}

func encodeViewMessage(m block.ViewMessage) []byte {
	b := wire.NewBuilder(96)
	b.Uint64(jView, uint64(m.View))
	b.Field(jOneQC, encodeQC(m.MaxOneQC))
	b.Uint64(jSigner, uint64(m.Signer))
	b.Field(jSig, m.Signature)
	return b.Bytes()
}

func decodeViewMessage(data []byte) (block.ViewMessage, error) {
	var m block.ViewMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("journal: bad view-message tag")
		}
		data = data[n:]
		switch num {
		case jView:
			val, nn := protowire.ConsumeVarint(data)
			m.View = types.ViewNum(val)
			data = data[nn:]
		case jOneQC:
			val, nn := protowire.ConsumeBytes(data)
			qc, err := decodeQC(val)
			if err != nil {
				return m, err
			}
			m.MaxOneQC = qc
			data = data[nn:]
		case jSigner:
			val, nn := protowire.ConsumeVarint(data)
			m.Signer = types.ProcessId(val)
			data = data[nn:]
		case jSig:
			val, nn := protowire.ConsumeBytes(data)
			m.Signature = append(crypto.Signature(nil), val...)
			data = data[nn:]
		default:
			nn := protowire.ConsumeFieldValue(num, typ, data)
			data = data[nn:]
		}
	}
	return m, nil
}

func encodeBlock(b block.Block) []byte {
	w := wire.NewBuilder(256)
	w.Uint64(jKind, uint64(b.Kind))
	w.Uint64(jView, uint64(b.View))
	w.Uint64(jHeight, uint64(b.Height))
	w.Uint64(jAuthor, uint64(b.Author))
	w.Uint64(jSlot, uint64(b.Slot))

	txBytes := make([][]byte, len(b.Payload))
	for i, tx := range b.Payload {
		tb := wire.NewBuilder(len(tx) + 8)
		tb.Field(jTx, tx)
		txBytes[i] = tb.Bytes()
	}
	w.Repeated(jTx, txBytes)

	prevBytes := make([][]byte, len(b.Prev))
	for i, q := range b.Prev {
		prevBytes[i] = encodeQC(q)
	}
	w.Repeated(jPrev, prevBytes)

	w.Field(jOneQC, encodeQC(b.OneQC))

	justBytes := make([][]byte, len(b.Justification))
	for i, m := range b.Justification {
		justBytes[i] = encodeViewMessage(m)
	}
	w.Repeated(jJust, justBytes)

	w.Field(jSig, b.Signature)
	return w.Bytes()
}

func decodeBlock(data []byte) (block.Block, error) {
	var b block.Block
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, fmt.Errorf("journal: bad block tag")
		}
		data = data[n:]
		switch num {
		case jKind:
			val, nn := protowire.ConsumeVarint(data)
			b.Kind = types.BlockKind(val)
			data = data[nn:]
		case jView:
			val, nn := protowire.ConsumeVarint(data)
			b.View = types.ViewNum(val)
			data = data[nn:]
		case jHeight:
			val, nn := protowire.ConsumeVarint(data)
			b.Height = types.Height(val)
			data = data[nn:]
		case jAuthor:
			val, nn := protowire.ConsumeVarint(data)
			b.Author = types.ProcessId(val)
			data = data[nn:]
		case jSlot:
			val, nn := protowire.ConsumeVarint(data)
			b.Slot = types.SlotNum(val)
			data = data[nn:]
		case jTx:
			val, nn := protowire.ConsumeBytes(data)
			tx, err := decodeSingleField(val, jTx)
			if err != nil {
				return b, err
			}
			b.Payload = append(b.Payload, tx)
			data = data[nn:]
		case jPrev:
			val, nn := protowire.ConsumeBytes(data)
			q, err := decodeQC(val)
			if err != nil {
				return b, err
			}
			b.Prev = append(b.Prev, q)
			data = data[nn:]
		case jOneQC:
			val, nn := protowire.ConsumeBytes(data)
			q, err := decodeQC(val)
			if err != nil {
				return b, err
			}
			b.OneQC = q
			data = data[nn:]
		case jJust:
			val, nn := protowire.ConsumeBytes(data)
			m, err := decodeViewMessage(val)
			if err != nil {
				return b, err
			}
			b.Justification = append(b.Justification, m)
			data = data[nn:]
		case jSig:
			val, nn := protowire.ConsumeBytes(data)
			b.Signature = append(crypto.Signature(nil), val...)
			data = data[nn:]
		default:
			nn := protowire.ConsumeFieldValue(num, typ, data)
			data = data[nn:]
		}
	}
	return b, nil
}

// decodeSingleField extracts the payload of the single expected field from a
// one-field sub-message (used for Payload entries, each wrapped the same way
// block.Block.CanonicalBytes wraps them).
func decodeSingleField(data []byte, want protowire.Number) ([]byte, error) {
	num, _, n := protowire.ConsumeTag(data)
	if n < 0 || num != want {
		return nil, fmt.Errorf("journal: bad wrapped field")
	}
	data = data[n:]
	val, nn := protowire.ConsumeBytes(data)
	if nn < 0 {
		return nil, fmt.Errorf("journal: bad wrapped field bytes")
	}
	return val, nil
}
