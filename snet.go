// Package snet implements a reliable, message-oriented transport layered on
// a single unreliable datagram socket.  One Host multiplexes up to 0xFFF
// logical peers over one endpoint, and each peer connection multiplexes up
// to 255 independent channels.  Every message is sent with one of four
// delivery modes: reliable-ordered, unreliable-sequenced (drop if late),
// unreliable-unsequenced, or fragmented under reliable or unreliable
// semantics when the message exceeds the connection MTU.
//
// The protocol engine is single-threaded cooperative: one goroutine owns a
// Host and drives it through Service/Flush/CheckEvents.  Service blocks only
// inside the socket wait, bounded by the caller's timeout.
package snet

import (
	"github.com/snetproject/snet/protocol"
)

// Peer-level constants.  Throttle values are in units of 1/PacketThrottleScale.
const (
	DefaultRoundTripTime       = 500
	DefaultPacketThrottle      = 32
	PacketThrottleScale        = 32
	PacketThrottleCounter      = 7
	PacketThrottleAcceleration = 2
	PacketThrottleDeceleration = 2
	PacketThrottleInterval     = 5000
	PacketLossScale            = 1 << 16
	PacketLossInterval         = 10000
	WindowSizeScale            = 64 * 1024
	DefaultTimeoutLimit        = 32
	DefaultTimeoutMinimum      = 5000
	DefaultTimeoutMaximum      = 30000
	DefaultPingInterval        = 500

	UnsequencedWindowSize  = 1024
	FreeUnsequencedWindows = 32
	ReliableWindows        = 16
	ReliableWindowSize     = 0x1000
	FreeReliableWindows    = 8
)

// Host-level constants.
const (
	DefaultMTU                = 1400
	MaximumPeerID             = protocol.MaximumPeerID
	BandwidthThrottleInterval = 1000
	DefaultMaximumPacketSize  = 32 * 1024 * 1024
	DefaultMaximumWaitingData = 32 * 1024 * 1024
	ReceiveBufferSize         = 256 * 1024
	SendBufferSize            = 256 * 1024
)

// PeerState enumerates the connection lifecycle of a peer slot.
type PeerState int

// Peer states.  The relative order matters: states at or past
// StateConnectionPending count toward bandwidth recalculation on disconnect.
const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging_connect"
	case StateConnectionPending:
		return "connection_pending"
	case StateConnectionSucceeded:
		return "connection_succeeded"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect_later"
	case StateDisconnecting:
		return "disconnecting"
	case StateAcknowledgingDisconnect:
		return "acknowledging_disconnect"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

// EventType identifies what a Service or CheckEvents call surfaced.
type EventType int

// Event types.
const (
	// EventNone means no event occurred within the service window.
	EventNone EventType = iota
	// EventConnect reports a peer that completed its handshake.
	EventConnect
	// EventDisconnect reports a peer that disconnected or timed out.
	EventDisconnect
	// EventReceive reports a fully reassembled incoming message.
	EventReceive
)

// Event is the application-visible result of servicing a host.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	// Data is the 32-bit user datum carried on connect and disconnect
	// commands.
	Data   uint32
	Packet *Packet
}

func (e *Event) reset() {
	e.Type = EventNone
	e.Peer = nil
	e.ChannelID = 0
	e.Data = 0
	e.Packet = nil
}

// Compressor compresses the post-header contents of outgoing datagrams and
// reverses the transform on receive.  Compress reads inLimit bytes spread
// over inBuffers and writes at most len(out) bytes; it returns the compressed
// size, or 0 when the data did not shrink or could not be compressed.
// Decompress returns the original size, or 0 on malformed input.
type Compressor interface {
	Compress(inBuffers [][]byte, inLimit int, out []byte) int
	Decompress(in []byte, out []byte) int
}

// ChecksumFunc computes a 32-bit checksum over a gather list of buffers.
type ChecksumFunc func(buffers [][]byte) uint32

// InterceptFunc examines raw received datagrams before protocol handling.
// Return 0 to continue normal handling, 1 when an event was produced, and
// -1 to abort the receive pass with an error.
type InterceptFunc func(host *Host, event *Event) int
