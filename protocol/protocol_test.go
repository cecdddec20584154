package protocol_test

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/snetproject/snet/protocol"
)

func roundTrip(t *testing.T, in *protocol.Command) {
	t.Helper()

	var buf [64]byte
	n, err := in.MarshalTo(buf[:])
	if err != nil {
		t.Fatalf("MarshalTo: %v", err)
	}
	if n != protocol.CommandSize(in.Header.Command) {
		t.Errorf("marshalled %d bytes, size table says %d", n, protocol.CommandSize(in.Header.Command))
	}

	var out protocol.Command
	m, err := out.UnmarshalFrom(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalFrom: %v", err)
	}
	if m != n {
		t.Errorf("unmarshal consumed %d bytes, marshalled %d", m, n)
	}
	if diff := deep.Equal(in, &out); diff != nil {
		t.Error(diff)
	}
}

func TestCommandRoundTrips(t *testing.T) {
	commands := []*protocol.Command{
		{
			Header:      protocol.CommandHeader{Command: protocol.CommandAcknowledge, ChannelID: 3, ReliableSequenceNumber: 0x1234},
			Acknowledge: protocol.Acknowledge{ReceivedReliableSequenceNumber: 0xBEEF, ReceivedSentTime: 0x0102},
		},
		{
			Header: protocol.CommandHeader{Command: protocol.CommandConnect | protocol.FlagAcknowledge, ChannelID: 0xFF, ReliableSequenceNumber: 1},
			Connect: protocol.Connect{
				OutgoingPeerID: 7, IncomingSessionID: 1, OutgoingSessionID: 2,
				MTU: 1400, WindowSize: 0x8000, ChannelCount: 8,
				IncomingBandwidth: 57600, OutgoingBandwidth: 14400,
				PacketThrottleInterval: 5000, PacketThrottleAcceleration: 2, PacketThrottleDeceleration: 2,
				ConnectID: 0xDEADBEEF, Data: 42,
			},
		},
		{
			Header: protocol.CommandHeader{Command: protocol.CommandVerifyConnect | protocol.FlagAcknowledge, ChannelID: 0xFF, ReliableSequenceNumber: 1},
			VerifyConnect: protocol.VerifyConnect{
				OutgoingPeerID: 0, IncomingSessionID: 2, OutgoingSessionID: 1,
				MTU: 576, WindowSize: 4096, ChannelCount: 2,
				PacketThrottleInterval: 5000, PacketThrottleAcceleration: 2, PacketThrottleDeceleration: 2,
				ConnectID: 0xDEADBEEF,
			},
		},
		{
			Header:     protocol.CommandHeader{Command: protocol.CommandDisconnect, ChannelID: 0xFF},
			Disconnect: protocol.Disconnect{Data: 99},
		},
		{
			Header: protocol.CommandHeader{Command: protocol.CommandPing | protocol.FlagAcknowledge, ChannelID: 0xFF, ReliableSequenceNumber: 5},
		},
		{
			Header:       protocol.CommandHeader{Command: protocol.CommandSendReliable | protocol.FlagAcknowledge, ChannelID: 0, ReliableSequenceNumber: 9},
			SendReliable: protocol.SendReliable{DataLength: 512},
		},
		{
			Header:         protocol.CommandHeader{Command: protocol.CommandSendUnreliable, ChannelID: 1, ReliableSequenceNumber: 2},
			SendUnreliable: protocol.SendUnreliable{UnreliableSequenceNumber: 77, DataLength: 100},
		},
		{
			Header:          protocol.CommandHeader{Command: protocol.CommandSendUnsequenced | protocol.FlagUnsequenced, ChannelID: 4},
			SendUnsequenced: protocol.SendUnsequenced{UnsequencedGroup: 1023, DataLength: 8},
		},
		{
			Header: protocol.CommandHeader{Command: protocol.CommandSendFragment | protocol.FlagAcknowledge, ChannelID: 0, ReliableSequenceNumber: 17},
			SendFragment: protocol.SendFragment{
				StartSequenceNumber: 17, DataLength: 544,
				FragmentCount: 8, FragmentNumber: 3, TotalLength: 4096, FragmentOffset: 1632,
			},
		},
		{
			Header: protocol.CommandHeader{Command: protocol.CommandSendUnreliableFragment, ChannelID: 2, ReliableSequenceNumber: 3},
			SendFragment: protocol.SendFragment{
				StartSequenceNumber: 4, DataLength: 100,
				FragmentCount: 2, FragmentNumber: 1, TotalLength: 644, FragmentOffset: 544,
			},
		},
		{
			Header:         protocol.CommandHeader{Command: protocol.CommandBandwidthLimit | protocol.FlagAcknowledge, ChannelID: 0xFF, ReliableSequenceNumber: 2},
			BandwidthLimit: protocol.BandwidthLimit{IncomingBandwidth: 1000, OutgoingBandwidth: 2000},
		},
		{
			Header:            protocol.CommandHeader{Command: protocol.CommandThrottleConfigure | protocol.FlagAcknowledge, ChannelID: 0xFF, ReliableSequenceNumber: 3},
			ThrottleConfigure: protocol.ThrottleConfigure{PacketThrottleInterval: 1000, PacketThrottleAcceleration: 4, PacketThrottleDeceleration: 8},
		},
	}

	for _, c := range commands {
		roundTrip(t, c)
	}
}

func TestCommandSizes(t *testing.T) {
	want := map[uint8]int{
		protocol.CommandAcknowledge:            8,
		protocol.CommandConnect:                48,
		protocol.CommandVerifyConnect:          44,
		protocol.CommandDisconnect:             8,
		protocol.CommandPing:                   4,
		protocol.CommandSendReliable:           6,
		protocol.CommandSendUnreliable:         8,
		protocol.CommandSendFragment:           24,
		protocol.CommandSendUnsequenced:        8,
		protocol.CommandBandwidthLimit:         12,
		protocol.CommandThrottleConfigure:      16,
		protocol.CommandSendUnreliableFragment: 24,
	}
	for op, size := range want {
		if got := protocol.CommandSize(op); got != size {
			t.Errorf("CommandSize(%d) = %d, want %d", op, got, size)
		}
		// Flags must not change the size lookup.
		if got := protocol.CommandSize(op | protocol.FlagAcknowledge); got != size {
			t.Errorf("CommandSize(%d|ack) = %d, want %d", op, got, size)
		}
	}

	if protocol.CommandSize(protocol.CommandNone) != 0 {
		t.Error("CommandNone should have size 0")
	}
	if protocol.CommandSize(13) != 0 {
		t.Error("opcode 13 should be invalid")
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	var c protocol.Command

	// Unknown opcode.
	if _, err := c.UnmarshalFrom([]byte{13, 0, 0, 0, 0, 0, 0, 0}); err != protocol.ErrUnknownCommand {
		t.Errorf("unknown opcode: got %v, want ErrUnknownCommand", err)
	}

	// Opcode zero is reserved.
	if _, err := c.UnmarshalFrom([]byte{0, 0, 0, 0}); err != protocol.ErrUnknownCommand {
		t.Errorf("opcode 0: got %v, want ErrUnknownCommand", err)
	}

	// Truncated record.
	if _, err := c.UnmarshalFrom([]byte{protocol.CommandConnect, 0xFF, 0, 1, 0, 0}); err != protocol.ErrTruncatedCommand {
		t.Errorf("truncated connect: got %v, want ErrTruncatedCommand", err)
	}

	// Shorter than a command header.
	if _, err := c.UnmarshalFrom([]byte{protocol.CommandPing, 0}); err != protocol.ErrTruncatedCommand {
		t.Errorf("short header: got %v, want ErrTruncatedCommand", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf [8]byte

	// Without sent time: two bytes on the wire.
	h := protocol.Header{PeerID: 0x0ABC}
	if n := h.MarshalTo(buf[:]); n != 2 {
		t.Errorf("plain header size = %d, want 2", n)
	}
	var out protocol.Header
	if n, err := out.UnmarshalFrom(buf[:2]); err != nil || n != 2 {
		t.Fatalf("UnmarshalFrom: n=%d err=%v", n, err)
	}
	if out.PeerID != h.PeerID {
		t.Errorf("peerID = %#x, want %#x", out.PeerID, h.PeerID)
	}

	// With sent time and session bits.
	h = protocol.Header{
		PeerID:   0x0123 | protocol.HeaderFlagSentTime | 2<<protocol.HeaderSessionShift,
		SentTime: 0xCAFE,
	}
	if n := h.MarshalTo(buf[:]); n != 4 {
		t.Errorf("timed header size = %d, want 4", n)
	}
	if n, err := out.UnmarshalFrom(buf[:4]); err != nil || n != 4 {
		t.Fatalf("UnmarshalFrom: n=%d err=%v", n, err)
	}
	if diff := deep.Equal(h, out); diff != nil {
		t.Error(diff)
	}

	// Truncated sent-time header.
	if _, err := out.UnmarshalFrom(buf[:3]); err != protocol.ErrTruncatedHeader {
		t.Errorf("truncated header: got %v, want ErrTruncatedHeader", err)
	}
}

func TestDataLength(t *testing.T) {
	c := protocol.Command{
		Header:       protocol.CommandHeader{Command: protocol.CommandSendReliable | protocol.FlagAcknowledge},
		SendReliable: protocol.SendReliable{DataLength: 321},
	}
	if c.DataLength() != 321 {
		t.Errorf("DataLength = %d, want 321", c.DataLength())
	}

	ping := protocol.Command{Header: protocol.CommandHeader{Command: protocol.CommandPing}}
	if ping.DataLength() != 0 {
		t.Errorf("ping DataLength = %d, want 0", ping.DataLength())
	}
}
