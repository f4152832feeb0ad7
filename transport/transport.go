// Copyright (C) 2025, Morpheus BFT Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport fixes the message sum type and outbound action shape
// that cross the boundary §6 draws between the consensus core and the
// (out-of-scope) network transport. It mirrors the closed-variant style of
// the teacher's engine/bft/messages.go (newBlockProposal/newVote/...)
// generalized from Simplex's fixed message set to Morpheus's.
package transport

import (
	"github.com/morpheus-bft/morpheus/block"
	"github.com/morpheus-bft/morpheus/types"
)

// Kind discriminates the six inbound/outbound message variants (§6).
type Kind uint8

const (
	KindBlock Kind = iota
	KindVote
	KindQC
	KindViewMessage
	KindEndView
	KindViewCertificate
)

// Message is a closed sum type over the six message variants; exactly one
// field is populated, selected by Kind. Modeling it as a tagged struct
// rather than an interface keeps the Transition Engine's dispatch total
// (§9 "Dynamic dispatch vs tagged variants").
type Message struct {
	Kind Kind

	Block           block.Block
	Vote            block.Vote
	QC              block.QC
	ViewMessage     block.ViewMessage
	EndView         block.EndViewMessage
	ViewCertificate block.ViewCertificate
}

func BlockMessage(b block.Block) Message       { return Message{Kind: KindBlock, Block: b} }
func VoteMessage(v block.Vote) Message         { return Message{Kind: KindVote, Vote: v} }
func QCMessage(q block.QC) Message             { return Message{Kind: KindQC, QC: q} }
func ViewMessageMessage(m block.ViewMessage) Message {
	return Message{Kind: KindViewMessage, ViewMessage: m}
}
func EndViewMessage(m block.EndViewMessage) Message {
	return Message{Kind: KindEndView, EndView: m}
}
func ViewCertificateMessage(c block.ViewCertificate) Message {
	return Message{Kind: KindViewCertificate, ViewCertificate: c}
}

// Outbound is one emitted action: either a broadcast to every process
// (including the sender) or a point-to-point send to one peer.
type Outbound struct {
	Broadcast bool
	To        types.ProcessId // meaningful only if !Broadcast
	Message   Message
}

// Sender is the capability §6 injects for emitting outbound traffic. The
// consensus core never talks to the network directly; it only ever
// produces []Outbound for a host-provided Sender to dispatch.
type Sender interface {
	Broadcast(Message)
	Send(types.ProcessId, Message)
}

// Dispatch delivers every entry of outs to sender, in order.
func Dispatch(sender Sender, outs []Outbound) {
	for _, o := range outs {
		if o.Broadcast {
			sender.Broadcast(o.Message)
		} else {
			sender.Send(o.To, o.Message)
		}
	}
}
