package snet

import (
	"github.com/snetproject/snet/list"
	"github.com/snetproject/snet/protocol"
)

// Channel holds the per-channel sequencing state of one peer connection.
// Channels are fully independent lanes: nothing here synchronizes with any
// other channel.
type Channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16

	// usedReliableWindows is a bitmask over the 16 reliable windows;
	// reliableWindows counts in-flight reliable commands per window.
	usedReliableWindows uint16
	reliableWindows     [ReliableWindows]uint16

	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	incomingReliableCommands   list.List[*incomingCommand]
	incomingUnreliableCommands list.List[*incomingCommand]
}

func (c *Channel) reset() {
	c.outgoingReliableSequenceNumber = 0
	c.outgoingUnreliableSequenceNumber = 0
	c.usedReliableWindows = 0
	for i := range c.reliableWindows {
		c.reliableWindows[i] = 0
	}
	c.incomingReliableSequenceNumber = 0
	c.incomingUnreliableSequenceNumber = 0
	c.incomingReliableCommands.Init()
	c.incomingUnreliableCommands.Init()
}

// acknowledgement is a queued outbound ACK, pairing the acknowledged command
// with the 16-bit sent time echoed back to the sender.
type acknowledgement struct {
	node     list.Node[*acknowledgement]
	sentTime uint32
	command  protocol.Command
}

func newAcknowledgement(command *protocol.Command, sentTime uint32) *acknowledgement {
	a := &acknowledgement{sentTime: sentTime, command: *command}
	a.node.Value = a
	return a
}

// outgoingCommand is a command on one of the outgoing or sent queues.  A
// fragment command shares its packet with its siblings; fragmentOffset and
// fragmentLength select this command's slice of the payload.
type outgoingCommand struct {
	node                     list.Node[*outgoingCommand]
	command                  protocol.Command
	fragmentOffset           uint32
	fragmentLength           uint16
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	sentTime                 uint32
	roundTripTimeout         uint32
	roundTripTimeoutLimit    uint32
	sendAttempts             uint16
	packet                   *Packet
}

func newOutgoingCommand(command *protocol.Command, packet *Packet, offset uint32, length uint16) *outgoingCommand {
	c := &outgoingCommand{
		command:        *command,
		fragmentOffset: offset,
		fragmentLength: length,
		packet:         packet,
	}
	c.node.Value = c
	if packet != nil {
		packet.acquire()
	}
	return c
}

// incomingCommand is an accepted command waiting on a channel queue or, once
// dispatchable, on the peer's dispatched queue.  For a fragmented message it
// is the reassembly record: fragments is the arrived-fragment bitmap and the
// packet buffer fills in place.
type incomingCommand struct {
	node                     list.Node[*incomingCommand]
	command                  protocol.Command
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	fragmentCount            uint32
	fragmentsRemaining       uint32
	fragments                []uint32
	packet                   *Packet
}

func (c *incomingCommand) hasFragment(n uint32) bool {
	return c.fragments[n/32]&(1<<(n%32)) != 0
}

func (c *incomingCommand) markFragment(n uint32) {
	c.fragments[n/32] |= 1 << (n % 32)
}
