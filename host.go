package snet

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/snetproject/snet/list"
	"github.com/snetproject/snet/protocol"
	"github.com/snetproject/snet/snetclock"
	"github.com/snetproject/snet/snetsock"
)

// Errors returned from host operations.
var (
	ErrTooManyPeers = errors.New("peer count exceeds maximum peer ID")
	ErrNoFreePeers  = errors.New("no free peer slot available")
)

// HostConfig carries the optional limits recognized by NewHost.  Zero values
// select defaults.
type HostConfig struct {
	// PeerCount is the number of peer slots to allocate (required, ≤ 0xFFF).
	PeerCount int
	// ChannelLimit caps the channel count granted to incoming connections.
	ChannelLimit int
	// IncomingBandwidth and OutgoingBandwidth are in bytes/sec; 0 means
	// unlimited.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	// MTU is the initial per-peer maximum transfer unit, clamped to
	// [576, 4096].
	MTU uint32
	// MaximumPacketSize bounds a single message; larger sends and incoming
	// claims are rejected.
	MaximumPacketSize int
	// MaximumWaitingData bounds buffered undelivered incoming payload per
	// peer before the connection is treated as misbehaving.
	MaximumWaitingData int
	// DuplicatePeers caps concurrent connections from one address.
	DuplicatePeers int
}

// Host owns one datagram socket and all peer connections multiplexed over
// it.  A Host is not safe for concurrent use: exactly one goroutine services
// it.
type Host struct {
	socket snetsock.Socket
	clock  snetclock.Clock

	incomingBandwidth      uint32
	outgoingBandwidth      uint32
	bandwidthThrottleEpoch uint32
	mtu                    uint32
	randomSeed             uint32

	recalculateBandwidthLimits bool

	peers        []Peer
	channelLimit int

	serviceTime uint32

	dispatchQueue list.List[*Peer]

	continueSending bool
	headerFlags     uint16
	commandCount    int
	buffers         [][]byte
	packetSize      int

	// commandScratch holds the marshalled bytes of the commands packed into
	// the datagram under construction; headerScratch the datagram header
	// and optional checksum slot.
	commandScratch [protocol.MaximumMTU]byte
	commandOffset  int
	headerScratch  [protocol.HeaderSizeSentTime + protocol.ChecksumSize]byte

	checksum   ChecksumFunc
	compressor Compressor
	intercept  InterceptFunc

	// packetData[0] receives raw datagrams; packetData[1] holds
	// decompressed or compressed alternates.
	packetData         [2][protocol.MaximumMTU]byte
	receivedAddress    *net.UDPAddr
	receivedData       []byte
	receivedDataLength int

	totalSentData        uint32
	totalSentPackets     uint32
	totalReceivedData    uint32
	totalReceivedPackets uint32

	connectedPeers        int
	bandwidthLimitedPeers int
	duplicatePeers        int
	maximumPacketSize     int
	maximumWaitingData    int
}

// NewHost creates a host around an already bound socket.  clock may be nil,
// in which case a monotonic clock is created.
func NewHost(socket snetsock.Socket, clock snetclock.Clock, config HostConfig) (*Host, error) {
	if config.PeerCount <= 0 || config.PeerCount > MaximumPeerID {
		return nil, ErrTooManyPeers
	}
	if clock == nil {
		clock = snetclock.NewMonotonic()
	}

	host := &Host{
		socket:             socket,
		clock:              clock,
		incomingBandwidth:  config.IncomingBandwidth,
		outgoingBandwidth:  config.OutgoingBandwidth,
		mtu:                DefaultMTU,
		channelLimit:       protocol.MaximumChannelCount,
		randomSeed:         uint32(rand.New(rand.NewSource(time.Now().UnixNano())).Int63()),
		duplicatePeers:     MaximumPeerID,
		maximumPacketSize:  DefaultMaximumPacketSize,
		maximumWaitingData: DefaultMaximumWaitingData,
		peers:              make([]Peer, config.PeerCount),
		buffers:            make([][]byte, 0, 1+2*protocol.MaximumPacketCommands),
	}
	host.dispatchQueue.Init()

	if config.MTU != 0 {
		host.mtu = clampMTU(config.MTU)
	}
	if config.ChannelLimit != 0 {
		host.channelLimit = clampChannelLimit(config.ChannelLimit)
	}
	if config.MaximumPacketSize != 0 {
		host.maximumPacketSize = config.MaximumPacketSize
	}
	if config.MaximumWaitingData != 0 {
		host.maximumWaitingData = config.MaximumWaitingData
	}
	if config.DuplicatePeers != 0 {
		host.duplicatePeers = config.DuplicatePeers
	}

	_ = socket.SetOption(snetsock.OptionNonblock, 1)
	_ = socket.SetOption(snetsock.OptionBroadcast, 1)
	_ = socket.SetOption(snetsock.OptionReceiveBuffer, ReceiveBufferSize)
	_ = socket.SetOption(snetsock.OptionSendBuffer, SendBufferSize)

	for i := range host.peers {
		peer := &host.peers[i]
		peer.host = host
		peer.incomingPeerID = uint16(i)
		peer.outgoingSessionID = 0xFF
		peer.incomingSessionID = 0xFF
		peer.acknowledgements.Init()
		peer.sentReliableCommands.Init()
		peer.sentUnreliableCommands.Init()
		peer.outgoingReliableCommands.Init()
		peer.outgoingUnreliableCommands.Init()
		peer.dispatchedCommands.Init()
		peer.dispatchNode.Value = peer
		peer.Reset()
	}

	return host, nil
}

func clampMTU(mtu uint32) uint32 {
	if mtu < protocol.MinimumMTU {
		return protocol.MinimumMTU
	}
	if mtu > protocol.MaximumMTU {
		return protocol.MaximumMTU
	}
	return mtu
}

func clampWindowSize(windowSize uint32) uint32 {
	if windowSize < protocol.MinimumWindowSize {
		return protocol.MinimumWindowSize
	}
	if windowSize > protocol.MaximumWindowSize {
		return protocol.MaximumWindowSize
	}
	return windowSize
}

func clampChannelLimit(limit int) int {
	if limit < protocol.MinimumChannelCount {
		return protocol.MinimumChannelCount
	}
	if limit > protocol.MaximumChannelCount {
		return protocol.MaximumChannelCount
	}
	return limit
}

// Close shuts the socket down.  Peers are not notified; use Disconnect
// first for a polite teardown.
func (h *Host) Close() error {
	return h.socket.Close()
}

// Addr returns the bound local address.
func (h *Host) Addr() *net.UDPAddr { return h.socket.Addr() }

// Peer returns the peer in slot id.
func (h *Host) Peer(id int) *Peer { return &h.peers[id] }

// PeerCount returns the number of peer slots.
func (h *Host) PeerCount() int { return len(h.peers) }

// ConnectedPeers returns the number of peers in a connected state.
func (h *Host) ConnectedPeers() int { return h.connectedPeers }

// SetChecksum installs fn as the per-datagram checksum, or removes it when
// nil.  Both ends must agree.
func (h *Host) SetChecksum(fn ChecksumFunc) { h.checksum = fn }

// SetCompressor installs c as the per-datagram compressor, or removes it
// when nil.  Both ends must agree.
func (h *Host) SetCompressor(c Compressor) { h.compressor = c }

// SetIntercept installs a raw-datagram intercept hook.
func (h *Host) SetIntercept(fn InterceptFunc) { h.intercept = fn }

// ReceivedData exposes the raw datagram under consideration to intercept
// hooks.
func (h *Host) ReceivedData() []byte { return h.receivedData[:h.receivedDataLength] }

// ReceivedAddress exposes the source address of the datagram under
// consideration to intercept hooks.
func (h *Host) ReceivedAddress() *net.UDPAddr { return h.receivedAddress }

// SetChannelLimit adjusts the channel count granted to future incoming
// connections.
func (h *Host) SetChannelLimit(limit int) {
	if limit == 0 {
		limit = protocol.MaximumChannelCount
	}
	h.channelLimit = clampChannelLimit(limit)
}

// SetBandwidthLimit adjusts the host bandwidth budget (bytes/sec, 0 =
// unlimited) and schedules renegotiation with all connected peers.
func (h *Host) SetBandwidthLimit(incoming, outgoing uint32) {
	h.incomingBandwidth = incoming
	h.outgoingBandwidth = outgoing
	h.recalculateBandwidthLimits = true
}

// TotalSent returns wire bytes and datagrams sent since creation.
func (h *Host) TotalSent() (bytes, datagrams uint32) {
	return h.totalSentData, h.totalSentPackets
}

// TotalReceived returns wire bytes and datagrams received since creation.
func (h *Host) TotalReceived() (bytes, datagrams uint32) {
	return h.totalReceivedData, h.totalReceivedPackets
}

// Connect begins an outgoing connection to address with channelCount
// channels, carrying data in the CONNECT command.  The returned peer is in
// the connecting state; the connection completes (or fails) through events.
func (h *Host) Connect(address *net.UDPAddr, channelCount int, data uint32) (*Peer, error) {
	if channelCount < protocol.MinimumChannelCount {
		channelCount = protocol.MinimumChannelCount
	} else if channelCount > protocol.MaximumChannelCount {
		channelCount = protocol.MaximumChannelCount
	}

	var peer *Peer
	for i := range h.peers {
		if h.peers[i].state == StateDisconnected {
			peer = &h.peers[i]
			break
		}
	}
	if peer == nil {
		return nil, ErrNoFreePeers
	}

	peer.channels = make([]Channel, channelCount)
	for i := range peer.channels {
		peer.channels[i].reset()
	}
	peer.state = StateConnecting
	peer.address = cloneAddr(address)
	h.randomSeed++
	peer.connectID = h.randomSeed

	if h.outgoingBandwidth == 0 {
		peer.windowSize = protocol.MaximumWindowSize
	} else {
		peer.windowSize = clampWindowSize((h.outgoingBandwidth / WindowSizeScale) * protocol.MinimumWindowSize)
	}

	var command protocol.Command
	command.Header.Command = protocol.CommandConnect | protocol.FlagAcknowledge
	command.Header.ChannelID = 0xFF
	command.Connect = protocol.Connect{
		OutgoingPeerID:             peer.incomingPeerID,
		IncomingSessionID:          peer.incomingSessionID,
		OutgoingSessionID:          peer.outgoingSessionID,
		MTU:                        peer.mtu,
		WindowSize:                 peer.windowSize,
		ChannelCount:               uint32(channelCount),
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     peer.packetThrottleInterval,
		PacketThrottleAcceleration: peer.packetThrottleAcceleration,
		PacketThrottleDeceleration: peer.packetThrottleDeceleration,
		ConnectID:                  peer.connectID,
		Data:                       data,
	}

	peer.queueOutgoingCommand(&command, nil, 0, 0)

	return peer, nil
}

// Broadcast queues packet for every connected peer on the given channel.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	// Hold a reference across the loop so a packet that reaches nobody is
	// still destroyed.
	packet.acquire()
	for i := range h.peers {
		peer := &h.peers[i]
		if peer.state != StateConnected {
			continue
		}
		_ = peer.Send(channelID, packet)
	}
	packet.release()
}

// bandwidthThrottle runs once per BandwidthThrottleInterval: it pro-rates
// the host's outgoing budget across peers by their share of recent traffic,
// locking in peers whose own incoming bandwidth is the binding constraint,
// then redistributing the remainder until a fixed point.  When limits
// changed it also re-divides incoming bandwidth and broadcasts
// BANDWIDTH_LIMIT to every connected peer.
func (h *Host) bandwidthThrottle() {
	timeCurrent := h.clock.Now()
	elapsedTime := timeCurrent - h.bandwidthThrottleEpoch
	peersRemaining := uint32(h.connectedPeers)
	dataTotal := ^uint32(0)
	bandwidth := ^uint32(0)
	throttle := uint32(0)
	bandwidthLimit := uint32(0)
	needsAdjustment := h.bandwidthLimitedPeers > 0

	if elapsedTime < BandwidthThrottleInterval {
		return
	}

	h.bandwidthThrottleEpoch = timeCurrent

	if peersRemaining == 0 {
		return
	}

	if h.outgoingBandwidth != 0 {
		dataTotal = 0
		bandwidth = (h.outgoingBandwidth * elapsedTime) / 1000

		for i := range h.peers {
			peer := &h.peers[i]
			if peer.state != StateConnected && peer.state != StateDisconnectLater {
				continue
			}
			dataTotal += peer.outgoingDataTotal
		}
	}

	for peersRemaining > 0 && needsAdjustment {
		needsAdjustment = false

		if dataTotal <= bandwidth {
			throttle = PacketThrottleScale
		} else {
			throttle = (bandwidth * PacketThrottleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]
			if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
				peer.incomingBandwidth == 0 ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peerBandwidth := (peer.incomingBandwidth * elapsedTime) / 1000
			if (throttle*peer.outgoingDataTotal)/PacketThrottleScale <= peerBandwidth {
				continue
			}

			peer.packetThrottleLimit = (peerBandwidth * PacketThrottleScale) / peer.outgoingDataTotal
			if peer.packetThrottleLimit == 0 {
				peer.packetThrottleLimit = 1
			}
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}

			peer.outgoingBandwidthThrottleEpoch = timeCurrent
			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0

			needsAdjustment = true
			peersRemaining--
			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	if peersRemaining > 0 {
		if dataTotal <= bandwidth {
			throttle = PacketThrottleScale
		} else {
			throttle = (bandwidth * PacketThrottleScale) / dataTotal
		}

		for i := range h.peers {
			peer := &h.peers[i]
			if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
				peer.outgoingBandwidthThrottleEpoch == timeCurrent {
				continue
			}

			peer.packetThrottleLimit = throttle
			if peer.packetThrottle > peer.packetThrottleLimit {
				peer.packetThrottle = peer.packetThrottleLimit
			}
			peer.incomingDataTotal = 0
			peer.outgoingDataTotal = 0
		}
	}

	if h.recalculateBandwidthLimits {
		h.recalculateBandwidthLimits = false

		peersRemaining = uint32(h.connectedPeers)
		bandwidth = h.incomingBandwidth
		needsAdjustment = true

		if bandwidth == 0 {
			bandwidthLimit = 0
		} else {
			for peersRemaining > 0 && needsAdjustment {
				needsAdjustment = false
				bandwidthLimit = bandwidth / peersRemaining

				for i := range h.peers {
					peer := &h.peers[i]
					if (peer.state != StateConnected && peer.state != StateDisconnectLater) ||
						peer.incomingBandwidthThrottleEpoch == timeCurrent {
						continue
					}
					if peer.outgoingBandwidth > 0 && peer.outgoingBandwidth >= bandwidthLimit {
						continue
					}

					peer.incomingBandwidthThrottleEpoch = timeCurrent
					needsAdjustment = true
					peersRemaining--
					bandwidth -= peer.outgoingBandwidth
				}
			}
		}

		for i := range h.peers {
			peer := &h.peers[i]
			if peer.state != StateConnected && peer.state != StateDisconnectLater {
				continue
			}

			var command protocol.Command
			command.Header.Command = protocol.CommandBandwidthLimit | protocol.FlagAcknowledge
			command.Header.ChannelID = 0xFF
			command.BandwidthLimit.OutgoingBandwidth = h.outgoingBandwidth

			if peer.incomingBandwidthThrottleEpoch == timeCurrent {
				command.BandwidthLimit.IncomingBandwidth = peer.outgoingBandwidth
			} else {
				command.BandwidthLimit.IncomingBandwidth = bandwidthLimit
			}

			peer.queueOutgoingCommand(&command, nil, 0, 0)
		}
	}
}

func cloneAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	clone := *addr
	clone.IP = append(net.IP(nil), addr.IP...)
	return &clone
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
