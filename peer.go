package snet

import (
	"errors"
	"net"

	"github.com/snetproject/snet/list"
	"github.com/snetproject/snet/metrics"
	"github.com/snetproject/snet/protocol"
)

// Errors returned from peer operations.
var (
	ErrNotConnected     = errors.New("peer is not connected")
	ErrInvalidChannel   = errors.New("channel ID out of range")
	ErrPacketTooLarge   = errors.New("packet exceeds maximum packet size")
	ErrTooManyFragments = errors.New("packet exceeds maximum fragment count")
)

// Peer represents one logical connection multiplexed over the host's socket.
// All methods must be called from the goroutine that services the host.
type Peer struct {
	host *Host

	// outgoingPeerID is the remote's ID for this connection; incomingPeerID
	// is ours (the slot index).
	outgoingPeerID    uint16
	incomingPeerID    uint16
	connectID         uint32
	outgoingSessionID uint8
	incomingSessionID uint8

	address *net.UDPAddr
	data    interface{}

	state    PeerState
	channels []Channel

	incomingBandwidth              uint32 // bytes/sec, 0 = unlimited
	outgoingBandwidth              uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingDataTotal              uint32
	outgoingDataTotal              uint32

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32

	packetLossEpoch    uint32
	packetsSent        uint32
	packetsLost        uint32
	packetLoss         uint32 // mean loss ratio in units of PacketLossScale
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	roundTripTime                uint32 // smoothed mean, ms
	roundTripTimeVariance        uint32
	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32

	mtu                   uint32
	windowSize            uint32
	reliableDataInTransit uint32

	outgoingReliableSequenceNumber uint16

	acknowledgements           list.List[*acknowledgement]
	sentReliableCommands       list.List[*outgoingCommand]
	sentUnreliableCommands     list.List[*outgoingCommand]
	outgoingReliableCommands   list.List[*outgoingCommand]
	outgoingUnreliableCommands list.List[*outgoingCommand]
	dispatchedCommands         list.List[*incomingCommand]

	needsDispatch bool
	dispatchNode  list.Node[*Peer]

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [UnsequencedWindowSize / 32]uint32

	eventData        uint32
	totalWaitingData uint32
}

// State returns the peer's connection state.
func (p *Peer) State() PeerState { return p.state }

// Address returns the remote address, or nil for an unused slot.
func (p *Peer) Address() *net.UDPAddr { return p.address }

// ConnectID returns the random ID negotiated for the current connection.
func (p *Peer) ConnectID() uint32 { return p.connectID }

// Data returns the application datum attached with SetData.
func (p *Peer) Data() interface{} { return p.data }

// SetData attaches an application datum to the peer slot.  It survives until
// overwritten; resets do not clear it.
func (p *Peer) SetData(data interface{}) { p.data = data }

// RoundTripTime returns the smoothed round-trip time estimate in
// milliseconds.
func (p *Peer) RoundTripTime() uint32 { return p.roundTripTime }

// PacketLoss returns the mean packet-loss ratio in units of PacketLossScale.
func (p *Peer) PacketLoss() uint32 { return p.packetLoss }

// ChannelCount returns the negotiated channel count.
func (p *Peer) ChannelCount() int { return len(p.channels) }

// MTU returns the negotiated maximum transfer unit.
func (p *Peer) MTU() uint32 { return p.mtu }

// PeerStatistics is a point-in-time snapshot of a peer's link estimates and
// buffering, safe to hand to observers outside the service goroutine.
type PeerStatistics struct {
	State                 PeerState
	Address               string
	ConnectID             uint32
	RoundTripTime         uint32
	RoundTripTimeVariance uint32
	PacketLoss            uint32
	PacketLossVariance    uint32
	PacketThrottle        uint32
	ReliableDataInTransit uint32
	TotalWaitingData      uint32
	MTU                   uint32
	WindowSize            uint32
}

// Statistics captures the peer's current statistics by value.
func (p *Peer) Statistics() PeerStatistics {
	address := ""
	if p.address != nil {
		address = p.address.String()
	}
	return PeerStatistics{
		State:                 p.state,
		Address:               address,
		ConnectID:             p.connectID,
		RoundTripTime:         p.roundTripTime,
		RoundTripTimeVariance: p.roundTripTimeVariance,
		PacketLoss:            p.packetLoss,
		PacketLossVariance:    p.packetLossVariance,
		PacketThrottle:        p.packetThrottle,
		ReliableDataInTransit: p.reliableDataInTransit,
		TotalWaitingData:      p.totalWaitingData,
		MTU:                   p.mtu,
		WindowSize:            p.windowSize,
	}
}

// Send queues a packet on the given channel.  The delivery mode comes from
// the packet flags; oversized payloads fragment automatically, reliably
// unless PacketFlagUnreliableFragment asks otherwise.  The transport owns a
// reference to the packet from here on.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.state != StateConnected {
		return ErrNotConnected
	}
	if int(channelID) >= len(p.channels) {
		return ErrInvalidChannel
	}
	if len(packet.Data) > p.host.maximumPacketSize {
		return ErrPacketTooLarge
	}

	channel := &p.channels[channelID]

	fragmentLength := int(p.mtu) - protocol.HeaderSizeSentTime - protocol.CommandSize(protocol.CommandSendFragment)
	if p.host.checksum != nil {
		fragmentLength -= protocol.ChecksumSize
	}

	if len(packet.Data) > fragmentLength {
		return p.sendFragmented(channelID, channel, packet, fragmentLength)
	}

	var command protocol.Command
	command.Header.ChannelID = channelID

	switch {
	case packet.Flags&(PacketFlagReliable|PacketFlagUnsequenced) == PacketFlagUnsequenced:
		command.Header.Command = protocol.CommandSendUnsequenced | protocol.FlagUnsequenced
		command.SendUnsequenced.DataLength = uint16(len(packet.Data))
	case packet.Flags&PacketFlagReliable != 0 || channel.outgoingUnreliableSequenceNumber >= 0xFFFF:
		command.Header.Command = protocol.CommandSendReliable | protocol.FlagAcknowledge
		command.SendReliable.DataLength = uint16(len(packet.Data))
	default:
		command.Header.Command = protocol.CommandSendUnreliable
		command.SendUnreliable.DataLength = uint16(len(packet.Data))
	}

	p.queueOutgoingCommand(&command, packet, 0, uint16(len(packet.Data)))
	return nil
}

// sendFragmented splits packet into MTU-sized fragments sharing one payload
// buffer, each holding its own packet reference.
func (p *Peer) sendFragmented(channelID uint8, channel *Channel, packet *Packet, fragmentLength int) error {
	fragmentCount := (len(packet.Data) + fragmentLength - 1) / fragmentLength
	if fragmentCount > protocol.MaximumFragmentCount {
		return ErrTooManyFragments
	}

	var commandNumber uint8
	var startSequenceNumber uint16
	if packet.Flags&(PacketFlagReliable|PacketFlagUnreliableFragment) == PacketFlagUnreliableFragment &&
		channel.outgoingUnreliableSequenceNumber < 0xFFFF {
		commandNumber = protocol.CommandSendUnreliableFragment
		startSequenceNumber = channel.outgoingUnreliableSequenceNumber + 1
	} else {
		commandNumber = protocol.CommandSendFragment | protocol.FlagAcknowledge
		startSequenceNumber = channel.outgoingReliableSequenceNumber + 1
	}

	fragments := list.New[*outgoingCommand]()

	for fragmentNumber, fragmentOffset := 0, 0; fragmentOffset < len(packet.Data); fragmentNumber, fragmentOffset = fragmentNumber+1, fragmentOffset+fragmentLength {
		length := fragmentLength
		if len(packet.Data)-fragmentOffset < length {
			length = len(packet.Data) - fragmentOffset
		}

		fragment := &outgoingCommand{
			fragmentOffset: uint32(fragmentOffset),
			fragmentLength: uint16(length),
			packet:         packet,
		}
		fragment.node.Value = fragment
		fragment.command.Header.Command = commandNumber
		fragment.command.Header.ChannelID = channelID
		fragment.command.SendFragment = protocol.SendFragment{
			StartSequenceNumber: startSequenceNumber,
			DataLength:          uint16(length),
			FragmentCount:       uint32(fragmentCount),
			FragmentNumber:      uint32(fragmentNumber),
			TotalLength:         uint32(len(packet.Data)),
			FragmentOffset:      uint32(fragmentOffset),
		}

		fragments.PushBack(&fragment.node)
	}

	packet.referenceCount += fragmentCount

	for !fragments.Empty() {
		fragment := list.Remove(fragments.Front())
		p.setupOutgoingCommand(fragment)
	}
	return nil
}

// Receive dequeues the next dispatched message, bypassing the host event
// queue.  It returns nil when nothing is waiting.  The caller owns the
// returned packet and should Destroy it when done.
func (p *Peer) Receive(channelID *uint8) *Packet {
	if p.dispatchedCommands.Empty() {
		return nil
	}

	incoming := list.Remove(p.dispatchedCommands.Front())

	if channelID != nil {
		*channelID = incoming.command.Header.ChannelID
	}

	packet := incoming.packet
	packet.deref()
	p.totalWaitingData -= uint32(len(packet.Data))

	return packet
}

// Ping queues a ping, which also serves as a keepalive.  Pings are sent
// automatically every ping interval while the connection is otherwise idle.
func (p *Peer) Ping() {
	if p.state != StateConnected {
		return
	}

	var command protocol.Command
	command.Header.Command = protocol.CommandPing | protocol.FlagAcknowledge
	command.Header.ChannelID = 0xFF
	p.queueOutgoingCommand(&command, nil, 0, 0)
}

// SetPingInterval sets the keepalive interval in milliseconds; 0 restores
// the default.
func (p *Peer) SetPingInterval(interval uint32) {
	if interval == 0 {
		interval = DefaultPingInterval
	}
	p.pingInterval = interval
}

// SetTimeout configures retransmission give-up behavior: limit scales the
// per-command retry budget, minimum and maximum bound (in milliseconds) how
// long unacknowledged data may age before the peer is declared dead.  Zero
// restores a default.
func (p *Peer) SetTimeout(limit, minimum, maximum uint32) {
	if limit == 0 {
		limit = DefaultTimeoutLimit
	}
	if minimum == 0 {
		minimum = DefaultTimeoutMinimum
	}
	if maximum == 0 {
		maximum = DefaultTimeoutMaximum
	}
	p.timeoutLimit = limit
	p.timeoutMinimum = minimum
	p.timeoutMaximum = maximum
}

// ThrottleConfigure sets the throttle parameters and pushes them to the
// remote peer.
func (p *Peer) ThrottleConfigure(interval, acceleration, deceleration uint32) {
	p.packetThrottleInterval = interval
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration

	var command protocol.Command
	command.Header.Command = protocol.CommandThrottleConfigure | protocol.FlagAcknowledge
	command.Header.ChannelID = 0xFF
	command.ThrottleConfigure = protocol.ThrottleConfigure{
		PacketThrottleInterval:     interval,
		PacketThrottleAcceleration: acceleration,
		PacketThrottleDeceleration: deceleration,
	}
	p.queueOutgoingCommand(&command, nil, 0, 0)
}

// throttle adapts the packet throttle from one RTT sample.  It returns 1 on
// acceleration, -1 on deceleration, and 0 otherwise.  When the last
// interval was noisy (its RTT no greater than its variance) the throttle
// snaps to its limit and the result is 0; an rtt exactly equal to the last
// interval's RTT falls through to the zero-change return.
func (p *Peer) throttle(rtt uint32) int {
	switch {
	case p.lastRoundTripTime <= p.lastRoundTripTimeVariance:
		p.packetThrottle = p.packetThrottleLimit
	case rtt < p.lastRoundTripTime:
		p.packetThrottle += p.packetThrottleAcceleration
		if p.packetThrottle > p.packetThrottleLimit {
			p.packetThrottle = p.packetThrottleLimit
		}
		return 1
	case rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance:
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
		return -1
	}
	return 0
}

// Disconnect begins a polite disconnect: queues drain no further, a
// DISCONNECT is sent, and the disconnect event surfaces once it is
// acknowledged.
func (p *Peer) Disconnect(data uint32) {
	if p.state == StateDisconnecting ||
		p.state == StateDisconnected ||
		p.state == StateAcknowledgingDisconnect ||
		p.state == StateZombie {
		return
	}

	p.resetQueues()

	var command protocol.Command
	command.Header.Command = protocol.CommandDisconnect
	command.Header.ChannelID = 0xFF
	command.Disconnect.Data = data

	if p.state == StateConnected || p.state == StateDisconnectLater {
		command.Header.Command |= protocol.FlagAcknowledge
	}

	p.queueOutgoingCommand(&command, nil, 0, 0)

	if p.state == StateConnected || p.state == StateDisconnectLater {
		p.onDisconnect()
		p.state = StateDisconnecting
	} else {
		p.host.Flush()
		p.Reset()
	}
}

// DisconnectNow sends an unsequenced DISCONNECT, flushes, and resets the
// peer immediately.  The remote learns of the disconnect only if that final
// datagram arrives; no local event is generated.
func (p *Peer) DisconnectNow(data uint32) {
	if p.state == StateDisconnected {
		return
	}

	if p.state != StateZombie && p.state != StateDisconnecting {
		p.resetQueues()

		var command protocol.Command
		command.Header.Command = protocol.CommandDisconnect | protocol.FlagUnsequenced
		command.Header.ChannelID = 0xFF
		command.Disconnect.Data = data
		p.queueOutgoingCommand(&command, nil, 0, 0)

		p.host.Flush()
	}

	p.Reset()
}

// DisconnectLater disconnects once every queued outgoing message has been
// sent and acknowledged.
func (p *Peer) DisconnectLater(data uint32) {
	if (p.state == StateConnected || p.state == StateDisconnectLater) &&
		!(p.outgoingReliableCommands.Empty() &&
			p.outgoingUnreliableCommands.Empty() &&
			p.sentReliableCommands.Empty()) {
		p.state = StateDisconnectLater
		p.eventData = data
	} else {
		p.Disconnect(data)
	}
}

// Reset forces the peer slot back to the disconnected state, releasing every
// queue and all connection state.  No notification is sent to the remote.
func (p *Peer) Reset() {
	p.onDisconnect()

	p.outgoingPeerID = MaximumPeerID
	p.connectID = 0

	p.state = StateDisconnected

	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingBandwidthThrottleEpoch = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingDataTotal = 0
	p.outgoingDataTotal = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.packetLoss = 0
	p.packetLossVariance = 0
	p.packetThrottle = DefaultPacketThrottle
	p.packetThrottleLimit = PacketThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = PacketThrottleAcceleration
	p.packetThrottleDeceleration = PacketThrottleDeceleration
	p.packetThrottleInterval = PacketThrottleInterval
	p.pingInterval = DefaultPingInterval
	p.timeoutLimit = DefaultTimeoutLimit
	p.timeoutMinimum = DefaultTimeoutMinimum
	p.timeoutMaximum = DefaultTimeoutMaximum
	p.lastRoundTripTime = DefaultRoundTripTime
	p.lowestRoundTripTime = DefaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.roundTripTime = DefaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.mtu = p.host.mtu
	p.reliableDataInTransit = 0
	p.outgoingReliableSequenceNumber = 0
	p.windowSize = protocol.MaximumWindowSize
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.eventData = 0
	p.totalWaitingData = 0

	for i := range p.unsequencedWindow {
		p.unsequencedWindow[i] = 0
	}

	p.resetQueues()
}

// onConnect and onDisconnect keep the host's connected-peer accounting in
// step with state transitions in and out of the connected states.
func (p *Peer) onConnect() {
	if p.state != StateConnected && p.state != StateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers++
		}
		p.host.connectedPeers++
	}
}

func (p *Peer) onDisconnect() {
	if p.state == StateConnected || p.state == StateDisconnectLater {
		if p.incomingBandwidth != 0 {
			p.host.bandwidthLimitedPeers--
		}
		p.host.connectedPeers--
	}
}

func resetOutgoingCommands(queue *list.List[*outgoingCommand]) {
	for !queue.Empty() {
		outgoing := list.Remove(queue.Front())
		if outgoing.packet != nil {
			outgoing.packet.release()
		}
	}
}

// removeIncomingCommands releases the nodes in [start, end).
func removeIncomingCommands(start, end *list.Node[*incomingCommand]) {
	for current := start; current != end; {
		incoming := current.Value
		current = current.Next()

		list.Remove(&incoming.node)
		if incoming.packet != nil {
			incoming.packet.release()
		}
		incoming.fragments = nil
	}
}

func resetIncomingCommands(queue *list.List[*incomingCommand]) {
	removeIncomingCommands(queue.Front(), queue.End())
}

func (p *Peer) resetQueues() {
	if p.needsDispatch {
		list.Remove(&p.dispatchNode)
		p.needsDispatch = false
	}

	for !p.acknowledgements.Empty() {
		list.Remove(p.acknowledgements.Front())
	}

	resetOutgoingCommands(&p.sentReliableCommands)
	resetOutgoingCommands(&p.sentUnreliableCommands)
	resetOutgoingCommands(&p.outgoingReliableCommands)
	resetOutgoingCommands(&p.outgoingUnreliableCommands)
	resetIncomingCommands(&p.dispatchedCommands)

	for i := range p.channels {
		resetIncomingCommands(&p.channels[i].incomingReliableCommands)
		resetIncomingCommands(&p.channels[i].incomingUnreliableCommands)
	}
	p.channels = nil
}

// queueAcknowledgement records an outbound ACK for command, unless the
// command lands in the window band that could be confused with the previous
// generation, in which case acknowledging would be ambiguous and the command
// is left for the sender to retry.
func (p *Peer) queueAcknowledgement(command *protocol.Command, sentTime uint16) *acknowledgement {
	if int(command.Header.ChannelID) < len(p.channels) {
		channel := &p.channels[command.Header.ChannelID]
		reliableWindow := command.Header.ReliableSequenceNumber / ReliableWindowSize
		currentWindow := channel.incomingReliableSequenceNumber / ReliableWindowSize

		if command.Header.ReliableSequenceNumber < channel.incomingReliableSequenceNumber {
			reliableWindow += ReliableWindows
		}

		if reliableWindow >= currentWindow+FreeReliableWindows-1 && reliableWindow <= currentWindow+FreeReliableWindows {
			return nil
		}
	}

	ack := newAcknowledgement(command, uint32(sentTime))
	p.outgoingDataTotal += uint32(protocol.CommandSize(protocol.CommandAcknowledge))
	p.acknowledgements.PushBack(&ack.node)
	return ack
}

// queueOutgoingCommand wraps command (and an optional payload slice) and
// runs the setup rule.
func (p *Peer) queueOutgoingCommand(command *protocol.Command, packet *Packet, offset uint32, length uint16) *outgoingCommand {
	outgoing := newOutgoingCommand(command, packet, offset, length)
	p.setupOutgoingCommand(outgoing)
	return outgoing
}

// setupOutgoingCommand assigns sequence numbers per the setup rule and
// places the command at the tail of the appropriate outgoing queue.
func (p *Peer) setupOutgoingCommand(outgoing *outgoingCommand) {
	p.outgoingDataTotal += uint32(protocol.CommandSize(outgoing.command.Header.Command)) + uint32(outgoing.fragmentLength)

	switch {
	case outgoing.command.Header.ChannelID == 0xFF:
		p.outgoingReliableSequenceNumber++
		outgoing.reliableSequenceNumber = p.outgoingReliableSequenceNumber
		outgoing.unreliableSequenceNumber = 0

	case outgoing.command.Header.Command&protocol.FlagAcknowledge != 0:
		channel := &p.channels[outgoing.command.Header.ChannelID]
		channel.outgoingReliableSequenceNumber++
		channel.outgoingUnreliableSequenceNumber = 0
		outgoing.reliableSequenceNumber = channel.outgoingReliableSequenceNumber
		outgoing.unreliableSequenceNumber = 0

	case outgoing.command.Header.Command&protocol.FlagUnsequenced != 0:
		p.outgoingUnsequencedGroup++
		outgoing.reliableSequenceNumber = 0
		outgoing.unreliableSequenceNumber = 0

	default:
		channel := &p.channels[outgoing.command.Header.ChannelID]
		if outgoing.fragmentOffset == 0 {
			channel.outgoingUnreliableSequenceNumber++
		}
		outgoing.reliableSequenceNumber = channel.outgoingReliableSequenceNumber
		outgoing.unreliableSequenceNumber = channel.outgoingUnreliableSequenceNumber
	}

	outgoing.sendAttempts = 0
	outgoing.sentTime = 0
	outgoing.roundTripTimeout = 0
	outgoing.roundTripTimeoutLimit = 0
	outgoing.command.Header.ReliableSequenceNumber = outgoing.reliableSequenceNumber

	switch outgoing.command.Opcode() {
	case protocol.CommandSendUnreliable:
		outgoing.command.SendUnreliable.UnreliableSequenceNumber = outgoing.unreliableSequenceNumber
	case protocol.CommandSendUnsequenced:
		outgoing.command.SendUnsequenced.UnsequencedGroup = p.outgoingUnsequencedGroup
	}

	if outgoing.command.Header.Command&protocol.FlagAcknowledge != 0 {
		p.outgoingReliableCommands.PushBack(&outgoing.node)
	} else {
		p.outgoingUnreliableCommands.PushBack(&outgoing.node)
	}
}

// admitResult is the three-valued outcome of incoming-command admission.
type admitResult int

const (
	// admitAccepted: the command was queued (or merged into a reassembly).
	admitAccepted admitResult = iota
	// admitDiscarded: a duplicate or out-of-window command was silently
	// dropped; parsing of the datagram continues.
	admitDiscarded
	// admitFailed: a resource limit was hit; the datagram is aborted.
	admitFailed
)

// queueIncomingCommand validates, admits, and sort-inserts one incoming
// command into the owning channel queue, then drives dispatch.  data is
// copied; for a fresh reassembly (fragmentCount > 0 and data == nil) a
// zero-filled buffer of dataLength is allocated instead.
func (p *Peer) queueIncomingCommand(command *protocol.Command, data []byte, dataLength int, flags PacketFlag, fragmentCount uint32) (*incomingCommand, admitResult) {
	channel := &p.channels[command.Header.ChannelID]

	var reliableSequenceNumber, unreliableSequenceNumber uint16

	if p.state == StateDisconnectLater {
		return p.discardIncoming(fragmentCount)
	}

	if command.Opcode() != protocol.CommandSendUnsequenced {
		reliableSequenceNumber = command.Header.ReliableSequenceNumber
		reliableWindow := reliableSequenceNumber / ReliableWindowSize
		currentWindow := channel.incomingReliableSequenceNumber / ReliableWindowSize

		if reliableSequenceNumber < channel.incomingReliableSequenceNumber {
			reliableWindow += ReliableWindows
		}

		if reliableWindow < currentWindow || reliableWindow >= currentWindow+FreeReliableWindows-1 {
			return p.discardIncoming(fragmentCount)
		}
	}

	// The backward scan stops on the last queued command that sorts before
	// the new one; insertion goes immediately after it.  Reaching the
	// sentinel means everything queued sorts after the new command.
	var scanStop *list.Node[*incomingCommand]
	var targetQueue *list.List[*incomingCommand]

	switch command.Opcode() {
	case protocol.CommandSendFragment, protocol.CommandSendReliable:
		if reliableSequenceNumber == channel.incomingReliableSequenceNumber {
			return p.discardIncoming(fragmentCount)
		}

		targetQueue = &channel.incomingReliableCommands
		current := targetQueue.Back()
		for ; current != targetQueue.End(); current = current.Prev() {
			incoming := current.Value

			if reliableSequenceNumber >= channel.incomingReliableSequenceNumber {
				if incoming.reliableSequenceNumber < channel.incomingReliableSequenceNumber {
					continue
				}
			} else if incoming.reliableSequenceNumber >= channel.incomingReliableSequenceNumber {
				break
			}

			if incoming.reliableSequenceNumber <= reliableSequenceNumber {
				if incoming.reliableSequenceNumber < reliableSequenceNumber {
					break
				}
				return p.discardIncoming(fragmentCount)
			}
		}
		scanStop = current

	case protocol.CommandSendUnreliable, protocol.CommandSendUnreliableFragment:
		unreliableSequenceNumber = command.SendUnreliable.UnreliableSequenceNumber
		if command.Opcode() == protocol.CommandSendUnreliableFragment {
			unreliableSequenceNumber = command.SendFragment.StartSequenceNumber
		}

		if reliableSequenceNumber == channel.incomingReliableSequenceNumber &&
			unreliableSequenceNumber <= channel.incomingUnreliableSequenceNumber {
			return p.discardIncoming(fragmentCount)
		}

		targetQueue = &channel.incomingUnreliableCommands
		current := targetQueue.Back()
		for ; current != targetQueue.End(); current = current.Prev() {
			incoming := current.Value

			if incoming.command.Opcode() == protocol.CommandSendUnsequenced {
				continue
			}

			if reliableSequenceNumber >= channel.incomingReliableSequenceNumber {
				if incoming.reliableSequenceNumber < channel.incomingReliableSequenceNumber {
					continue
				}
			} else if incoming.reliableSequenceNumber >= channel.incomingReliableSequenceNumber {
				break
			}

			if incoming.reliableSequenceNumber < reliableSequenceNumber {
				break
			}
			if incoming.reliableSequenceNumber > reliableSequenceNumber {
				continue
			}

			if incoming.unreliableSequenceNumber <= unreliableSequenceNumber {
				if incoming.unreliableSequenceNumber < unreliableSequenceNumber {
					break
				}
				return p.discardIncoming(fragmentCount)
			}
		}
		scanStop = current

	case protocol.CommandSendUnsequenced:
		targetQueue = &channel.incomingUnreliableCommands
		scanStop = targetQueue.End()

	default:
		return p.discardIncoming(fragmentCount)
	}

	if p.totalWaitingData >= uint32(p.host.maximumWaitingData) {
		return nil, admitFailed
	}

	var packet *Packet
	if data == nil {
		packet = newPacketSized(dataLength, flags)
	} else {
		packet = NewPacket(data[:dataLength], flags)
	}

	incoming := &incomingCommand{
		command:                  *command,
		reliableSequenceNumber:   command.Header.ReliableSequenceNumber,
		unreliableSequenceNumber: unreliableSequenceNumber,
		fragmentCount:            fragmentCount,
		fragmentsRemaining:       fragmentCount,
		packet:                   packet,
	}
	incoming.node.Value = incoming

	if fragmentCount > 0 {
		if fragmentCount > protocol.MaximumFragmentCount {
			return nil, admitFailed
		}
		incoming.fragments = make([]uint32, (fragmentCount+31)/32)
	}

	packet.acquire()
	p.totalWaitingData += uint32(len(packet.Data))

	targetQueue.InsertBefore(scanStop.Next(), &incoming.node)

	switch command.Opcode() {
	case protocol.CommandSendFragment, protocol.CommandSendReliable:
		p.dispatchIncomingReliableCommands(channel)
	default:
		p.dispatchIncomingUnreliableCommands(channel)
	}

	return incoming, admitAccepted
}

// discardIncoming maps the silent-discard outcome: plain duplicates are
// ignorable, but a discarded fragment means broken reassembly state, which
// is an error.
func (p *Peer) discardIncoming(fragmentCount uint32) (*incomingCommand, admitResult) {
	if fragmentCount > 0 {
		return nil, admitFailed
	}
	return nil, admitDiscarded
}

// dispatchIncomingReliableCommands moves the longest dispatchable prefix of
// the channel's reliable queue onto the peer's dispatched queue, advancing
// the channel's reliable sequence number.
func (p *Peer) dispatchIncomingReliableCommands(channel *Channel) {
	queue := &channel.incomingReliableCommands

	current := queue.Front()
	for ; current != queue.End(); current = current.Next() {
		incoming := current.Value

		if incoming.fragmentsRemaining > 0 ||
			incoming.reliableSequenceNumber != channel.incomingReliableSequenceNumber+1 {
			break
		}

		channel.incomingReliableSequenceNumber = incoming.reliableSequenceNumber
		if incoming.fragmentCount > 0 {
			channel.incomingReliableSequenceNumber += uint16(incoming.fragmentCount) - 1
		}
	}

	if current == queue.Front() {
		return
	}

	channel.incomingUnreliableSequenceNumber = 0

	list.Move(p.dispatchedCommands.End(), queue.Front(), current.Prev())

	p.enqueueDispatch()

	if !channel.incomingUnreliableCommands.Empty() {
		p.dispatchIncomingUnreliableCommands(channel)
	}
}

// dispatchIncomingUnreliableCommands walks the channel's unreliable queue,
// dispatching runs that belong to the current reliable generation, dropping
// stale ones, and deferring runs that belong to a future generation.
func (p *Peer) dispatchIncomingUnreliableCommands(channel *Channel) {
	queue := &channel.incomingUnreliableCommands

	dropped := queue.Front()
	start := queue.Front()
	current := queue.Front()

	for ; current != queue.End(); current = current.Next() {
		incoming := current.Value

		if incoming.command.Opcode() == protocol.CommandSendUnsequenced {
			continue
		}

		if incoming.reliableSequenceNumber == channel.incomingReliableSequenceNumber {
			if incoming.fragmentsRemaining <= 0 {
				channel.incomingUnreliableSequenceNumber = incoming.unreliableSequenceNumber
				continue
			}

			if start != current {
				list.Move(p.dispatchedCommands.End(), start, current.Prev())
				p.enqueueDispatch()
				dropped = current
			} else if dropped != current {
				dropped = current.Prev()
			}
		} else {
			reliableWindow := incoming.reliableSequenceNumber / ReliableWindowSize
			currentWindow := channel.incomingReliableSequenceNumber / ReliableWindowSize
			if incoming.reliableSequenceNumber < channel.incomingReliableSequenceNumber {
				reliableWindow += ReliableWindows
			}
			if reliableWindow >= currentWindow && reliableWindow < currentWindow+FreeReliableWindows-1 {
				break
			}

			dropped = current.Next()

			if start != current {
				list.Move(p.dispatchedCommands.End(), start, current.Prev())
				p.enqueueDispatch()
			}
		}

		start = current.Next()
	}

	if start != current {
		list.Move(p.dispatchedCommands.End(), start, current.Prev())
		p.enqueueDispatch()
		dropped = current
	}

	removeIncomingCommands(queue.Front(), dropped)
}

// enqueueDispatch links the peer onto the host dispatch queue if it is not
// already there.
func (p *Peer) enqueueDispatch() {
	if !p.needsDispatch {
		p.host.dispatchQueue.PushBack(&p.dispatchNode)
		p.needsDispatch = true
	}
}

// updateRoundTripTime folds one RTT sample into the smoothed mean and
// variance.  In both branches the mean moves by 1/8 of the error before the
// variance sees the sample.
func (p *Peer) updateRoundTripTime(rtt uint32) {
	p.roundTripTimeVariance -= p.roundTripTimeVariance / 4

	if rtt >= p.roundTripTime {
		p.roundTripTime += (rtt - p.roundTripTime) / 8
		p.roundTripTimeVariance += (rtt - p.roundTripTime) / 4
	} else {
		p.roundTripTime -= (p.roundTripTime - rtt) / 8
		p.roundTripTimeVariance += (p.roundTripTime - rtt) / 4
	}

	if p.roundTripTime < p.lowestRoundTripTime {
		p.lowestRoundTripTime = p.roundTripTime
	}
	if p.roundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
	}

	metrics.RoundTripTimeHistogram.Observe(float64(p.roundTripTime) / 1000)
}
