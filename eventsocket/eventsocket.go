// Package eventsocket broadcasts transport connection events (peer connect
// and disconnect) to local observers over a unix domain socket, one JSON
// object per line.  It lives entirely outside the protocol engine: the
// servicing goroutine reports events through PeerConnected/PeerDisconnected,
// which only enqueue onto a channel.
package eventsocket

import (
	"context"
	"time"
)

//go:generate stringer -type=PeerEvent

// PeerEvent is the kind of connection event that occurred.
type PeerEvent int

const (
	// Connect is sent when a peer completes its handshake.
	Connect = PeerEvent(iota)
	// Disconnect is sent when a peer disconnects, times out, or is reset.
	Disconnect
)

// ConnectionEvent is the data sent down the socket in JSONL form to the
// clients.
type ConnectionEvent struct {
	Event     PeerEvent
	Timestamp time.Time
	// Address is the remote address of the peer.
	Address string
	// ConnectID identifies the connection instance; it is stable across
	// the connection's lifetime and never reused by the same host.
	ConnectID uint32
	// Data is the 32-bit user datum from the connect or disconnect
	// command.
	Data uint32
}

// Server is the interface that has the methods that actually serve the
// events over the unix domain socket.  Make new Server objects with
// eventsocket.New or eventsocket.NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	PeerConnected(timestamp time.Time, address string, connectID uint32, data uint32)
	PeerDisconnected(timestamp time.Time, address string, connectID uint32, data uint32)
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error                                                    { return nil }
func (nullServer) Serve(context.Context) error                                      { return nil }
func (nullServer) PeerConnected(timestamp time.Time, address string, id, d uint32)  {}
func (nullServer) PeerDisconnected(timestamp time.Time, address string, id, d uint32) {}

// NullServer returns a Server that does nothing.  It is made so that code
// that may or may not want an event socket can receive a Server interface
// and not have to worry about whether it is nil.
func NullServer() Server {
	return nullServer{}
}
