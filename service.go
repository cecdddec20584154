package snet

import (
	"errors"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/snetproject/snet/list"
	"github.com/snetproject/snet/metrics"
	"github.com/snetproject/snet/protocol"
	"github.com/snetproject/snet/snetsock"
)

// dropLog rate-limits noise from misbehaving or corrupted traffic.
var dropLog = logx.NewLogEvery(nil, 5*time.Second)

var commandNames = [protocol.CommandCount]string{
	"none", "acknowledge", "connect", "verify_connect", "disconnect", "ping",
	"send_reliable", "send_unreliable", "send_fragment", "send_unsequenced",
	"bandwidth_limit", "throttle_configure", "send_unreliable_fragment",
}

// changeState moves peer into state, keeping connected-peer accounting.
func (h *Host) changeState(peer *Peer, state PeerState) {
	if state == StateConnected || state == StateDisconnectLater {
		peer.onConnect()
	} else {
		peer.onDisconnect()
	}
	peer.state = state
}

// dispatchState moves peer into state and schedules it for event dispatch.
func (h *Host) dispatchState(peer *Peer, state PeerState) {
	h.changeState(peer, state)
	peer.enqueueDispatch()
}

// dispatchIncomingCommands surfaces at most one pending event from the host
// dispatch queue.
func (h *Host) dispatchIncomingCommands(event *Event) int {
	for !h.dispatchQueue.Empty() {
		peer := list.Remove(h.dispatchQueue.Front())
		peer.needsDispatch = false

		switch peer.state {
		case StateConnectionPending, StateConnectionSucceeded:
			h.changeState(peer, StateConnected)
			metrics.PeerConnects.Inc()

			event.Type = EventConnect
			event.Peer = peer
			event.Data = peer.eventData
			return 1

		case StateZombie:
			h.recalculateBandwidthLimits = true
			metrics.PeerDisconnects.WithLabelValues("zombie").Inc()

			event.Type = EventDisconnect
			event.Peer = peer
			event.Data = peer.eventData

			peer.Reset()
			return 1

		case StateConnected:
			if peer.dispatchedCommands.Empty() {
				continue
			}

			event.Packet = peer.Receive(&event.ChannelID)
			if event.Packet == nil {
				continue
			}

			event.Type = EventReceive
			event.Peer = peer

			if !peer.dispatchedCommands.Empty() {
				peer.enqueueDispatch()
			}
			return 1
		}
	}
	return 0
}

func (h *Host) notifyConnect(peer *Peer, event *Event) {
	h.recalculateBandwidthLimits = true

	if event != nil {
		h.changeState(peer, StateConnected)
		metrics.PeerConnects.Inc()

		event.Type = EventConnect
		event.Peer = peer
		event.Data = peer.eventData
	} else if peer.state == StateConnecting {
		h.dispatchState(peer, StateConnectionSucceeded)
	} else {
		h.dispatchState(peer, StateConnectionPending)
	}
}

func (h *Host) notifyDisconnect(peer *Peer, event *Event) {
	if peer.state >= StateConnectionPending {
		h.recalculateBandwidthLimits = true
	}

	if peer.state != StateConnecting && peer.state < StateConnectionSucceeded {
		peer.Reset()
	} else if event != nil {
		metrics.PeerDisconnects.WithLabelValues("notify").Inc()
		event.Type = EventDisconnect
		event.Peer = peer
		event.Data = 0
		peer.Reset()
	} else {
		peer.eventData = 0
		h.dispatchState(peer, StateZombie)
	}
}

// removeSentUnreliableCommands purges sent unreliable commands; they are
// never retransmitted.
func (h *Host) removeSentUnreliableCommands(peer *Peer) {
	for !peer.sentUnreliableCommands.Empty() {
		outgoing := list.Remove(peer.sentUnreliableCommands.Front())
		if outgoing.packet != nil {
			outgoing.packet.releaseSent()
		}
	}
}

// removeSentReliableCommand retires the sent reliable command matching
// (reliableSequenceNumber, channelID) and returns its opcode, or
// CommandNone when no such command is outstanding.  A command that timed
// out and was moved back to the outgoing queue for retransmission is found
// there instead; that search stops at the first command never yet sent.
func (h *Host) removeSentReliableCommand(peer *Peer, reliableSequenceNumber uint16, channelID uint8) uint8 {
	var outgoing *outgoingCommand
	wasSent := true

	current := peer.sentReliableCommands.Front()
	for ; current != peer.sentReliableCommands.End(); current = current.Next() {
		if current.Value.reliableSequenceNumber == reliableSequenceNumber &&
			current.Value.command.Header.ChannelID == channelID {
			outgoing = current.Value
			break
		}
	}

	if outgoing == nil {
		current = peer.outgoingReliableCommands.Front()
		for ; current != peer.outgoingReliableCommands.End(); current = current.Next() {
			if current.Value.sendAttempts < 1 {
				return protocol.CommandNone
			}
			if current.Value.reliableSequenceNumber == reliableSequenceNumber &&
				current.Value.command.Header.ChannelID == channelID {
				outgoing = current.Value
				break
			}
		}
		if outgoing == nil {
			return protocol.CommandNone
		}
		wasSent = false
	}

	if int(channelID) < len(peer.channels) {
		channel := &peer.channels[channelID]
		reliableWindow := reliableSequenceNumber / ReliableWindowSize
		if channel.reliableWindows[reliableWindow] > 0 {
			channel.reliableWindows[reliableWindow]--
			if channel.reliableWindows[reliableWindow] == 0 {
				channel.usedReliableWindows &^= 1 << reliableWindow
			}
		}
	}

	commandNumber := outgoing.command.Opcode()

	list.Remove(&outgoing.node)

	if outgoing.packet != nil {
		if wasSent {
			peer.reliableDataInTransit -= uint32(outgoing.fragmentLength)
		}
		outgoing.packet.releaseSent()
	}

	if peer.sentReliableCommands.Empty() {
		return commandNumber
	}

	next := peer.sentReliableCommands.Front().Value
	peer.nextTimeout = next.sentTime + next.roundTripTimeout

	return commandNumber
}

/*********************************************************************************************/
/*             Incoming command handlers                                                     */
/*********************************************************************************************/

func (h *Host) handleAcknowledge(event *Event, peer *Peer, command *protocol.Command) error {
	if peer.state == StateDisconnected || peer.state == StateZombie {
		return nil
	}

	receivedSentTime := uint32(command.Acknowledge.ReceivedSentTime)
	receivedSentTime |= h.serviceTime & 0xFFFF0000
	if (receivedSentTime & 0x8000) > (h.serviceTime & 0x8000) {
		receivedSentTime -= 0x10000
	}

	if timeLess(h.serviceTime, receivedSentTime) {
		return nil
	}

	peer.lastReceiveTime = h.serviceTime
	peer.earliestTimeout = 0

	roundTripTime := timeDiff(h.serviceTime, receivedSentTime)

	peer.throttle(roundTripTime)
	metrics.ThrottleHistogram.Observe(float64(peer.packetThrottle))

	peer.updateRoundTripTime(roundTripTime)

	if peer.packetThrottleEpoch == 0 ||
		timeDiff(h.serviceTime, peer.packetThrottleEpoch) >= peer.packetThrottleInterval {
		peer.lastRoundTripTime = peer.lowestRoundTripTime
		peer.lastRoundTripTimeVariance = peer.highestRoundTripTimeVariance
		peer.lowestRoundTripTime = peer.roundTripTime
		peer.highestRoundTripTimeVariance = peer.roundTripTimeVariance
		peer.packetThrottleEpoch = h.serviceTime
	}

	commandNumber := h.removeSentReliableCommand(peer, command.Acknowledge.ReceivedReliableSequenceNumber, command.Header.ChannelID)

	switch peer.state {
	case StateAcknowledgingConnect:
		if commandNumber != protocol.CommandVerifyConnect {
			return errProtocolViolation
		}
		h.notifyConnect(peer, event)

	case StateDisconnecting:
		if commandNumber != protocol.CommandDisconnect {
			return errProtocolViolation
		}
		h.notifyDisconnect(peer, event)

	case StateDisconnectLater:
		if peer.outgoingReliableCommands.Empty() &&
			peer.outgoingUnreliableCommands.Empty() &&
			peer.sentReliableCommands.Empty() {
			peer.Disconnect(peer.eventData)
		}
	}

	return nil
}

func (h *Host) handleConnect(command *protocol.Command) *Peer {
	channelCount := int(command.Connect.ChannelCount)

	if channelCount < protocol.MinimumChannelCount || channelCount > protocol.MaximumChannelCount {
		return nil
	}

	var peer *Peer
	duplicatePeers := 0
	for i := range h.peers {
		currentPeer := &h.peers[i]
		if currentPeer.state == StateDisconnected {
			if peer == nil {
				peer = currentPeer
			}
		} else if currentPeer.state != StateConnecting &&
			currentPeer.address != nil &&
			currentPeer.address.IP.Equal(h.receivedAddress.IP) {
			if currentPeer.address.Port == h.receivedAddress.Port &&
				currentPeer.connectID == command.Connect.ConnectID {
				return nil
			}
			duplicatePeers++
		}
	}

	if peer == nil || duplicatePeers >= h.duplicatePeers {
		return nil
	}

	if channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}
	peer.channels = make([]Channel, channelCount)
	for i := range peer.channels {
		peer.channels[i].reset()
	}
	peer.state = StateAcknowledgingConnect
	peer.connectID = command.Connect.ConnectID
	peer.address = cloneAddr(h.receivedAddress)
	peer.outgoingPeerID = command.Connect.OutgoingPeerID
	peer.incomingBandwidth = command.Connect.IncomingBandwidth
	peer.outgoingBandwidth = command.Connect.OutgoingBandwidth
	peer.packetThrottleInterval = command.Connect.PacketThrottleInterval
	peer.packetThrottleAcceleration = command.Connect.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = command.Connect.PacketThrottleDeceleration
	peer.eventData = command.Connect.Data

	const sessionMask = protocol.HeaderSessionMask >> protocol.HeaderSessionShift

	incomingSessionID := command.Connect.IncomingSessionID
	if incomingSessionID == 0xFF {
		incomingSessionID = peer.outgoingSessionID
	}
	incomingSessionID = (incomingSessionID + 1) & sessionMask
	if incomingSessionID == peer.outgoingSessionID {
		incomingSessionID = (incomingSessionID + 1) & sessionMask
	}
	peer.outgoingSessionID = incomingSessionID

	outgoingSessionID := command.Connect.OutgoingSessionID
	if outgoingSessionID == 0xFF {
		outgoingSessionID = peer.incomingSessionID
	}
	outgoingSessionID = (outgoingSessionID + 1) & sessionMask
	if outgoingSessionID == peer.incomingSessionID {
		outgoingSessionID = (outgoingSessionID + 1) & sessionMask
	}
	peer.incomingSessionID = outgoingSessionID

	peer.mtu = clampMTU(command.Connect.MTU)

	if h.outgoingBandwidth == 0 && peer.incomingBandwidth == 0 {
		peer.windowSize = protocol.MaximumWindowSize
	} else if h.outgoingBandwidth == 0 || peer.incomingBandwidth == 0 {
		peer.windowSize = clampWindowSize((maxUint32(h.outgoingBandwidth, peer.incomingBandwidth) / WindowSizeScale) * protocol.MinimumWindowSize)
	} else {
		peer.windowSize = clampWindowSize((minUint32(h.outgoingBandwidth, peer.incomingBandwidth) / WindowSizeScale) * protocol.MinimumWindowSize)
	}

	var windowSize uint32
	if h.incomingBandwidth == 0 {
		windowSize = protocol.MaximumWindowSize
	} else {
		windowSize = (h.incomingBandwidth / WindowSizeScale) * protocol.MinimumWindowSize
	}
	if windowSize > command.Connect.WindowSize {
		windowSize = command.Connect.WindowSize
	}
	windowSize = clampWindowSize(windowSize)

	var verifyCommand protocol.Command
	verifyCommand.Header.Command = protocol.CommandVerifyConnect | protocol.FlagAcknowledge
	verifyCommand.Header.ChannelID = 0xFF
	verifyCommand.VerifyConnect = protocol.VerifyConnect{
		OutgoingPeerID:             peer.incomingPeerID,
		IncomingSessionID:          incomingSessionID,
		OutgoingSessionID:          outgoingSessionID,
		MTU:                        peer.mtu,
		WindowSize:                 windowSize,
		ChannelCount:               uint32(channelCount),
		IncomingBandwidth:          h.incomingBandwidth,
		OutgoingBandwidth:          h.outgoingBandwidth,
		PacketThrottleInterval:     peer.packetThrottleInterval,
		PacketThrottleAcceleration: peer.packetThrottleAcceleration,
		PacketThrottleDeceleration: peer.packetThrottleDeceleration,
		ConnectID:                  peer.connectID,
	}

	peer.queueOutgoingCommand(&verifyCommand, nil, 0, 0)

	return peer
}

func (h *Host) handleVerifyConnect(event *Event, peer *Peer, command *protocol.Command) error {
	if peer.state != StateConnecting {
		return nil
	}

	channelCount := int(command.VerifyConnect.ChannelCount)

	if channelCount < protocol.MinimumChannelCount || channelCount > protocol.MaximumChannelCount ||
		command.VerifyConnect.PacketThrottleInterval != peer.packetThrottleInterval ||
		command.VerifyConnect.PacketThrottleAcceleration != peer.packetThrottleAcceleration ||
		command.VerifyConnect.PacketThrottleDeceleration != peer.packetThrottleDeceleration ||
		command.VerifyConnect.ConnectID != peer.connectID {
		peer.eventData = 0
		h.dispatchState(peer, StateZombie)
		return errProtocolViolation
	}

	h.removeSentReliableCommand(peer, 1, 0xFF)

	if channelCount < len(peer.channels) {
		peer.channels = peer.channels[:channelCount]
	}

	peer.outgoingPeerID = command.VerifyConnect.OutgoingPeerID
	peer.incomingSessionID = command.VerifyConnect.IncomingSessionID
	peer.outgoingSessionID = command.VerifyConnect.OutgoingSessionID

	mtu := clampMTU(command.VerifyConnect.MTU)
	if mtu < peer.mtu {
		peer.mtu = mtu
	}

	windowSize := clampWindowSize(command.VerifyConnect.WindowSize)
	if windowSize < peer.windowSize {
		peer.windowSize = windowSize
	}

	peer.incomingBandwidth = command.VerifyConnect.IncomingBandwidth
	peer.outgoingBandwidth = command.VerifyConnect.OutgoingBandwidth

	h.notifyConnect(peer, event)
	return nil
}

func (h *Host) handleDisconnect(peer *Peer, command *protocol.Command) {
	if peer.state == StateDisconnected || peer.state == StateZombie ||
		peer.state == StateAcknowledgingDisconnect {
		return
	}

	peer.resetQueues()

	if peer.state == StateConnectionSucceeded || peer.state == StateDisconnecting || peer.state == StateConnecting {
		h.dispatchState(peer, StateZombie)
	} else if peer.state != StateConnected && peer.state != StateDisconnectLater {
		if peer.state == StateConnectionPending {
			h.recalculateBandwidthLimits = true
		}
		peer.Reset()
	} else if command.Header.Command&protocol.FlagAcknowledge != 0 {
		h.changeState(peer, StateAcknowledgingDisconnect)
	} else {
		h.dispatchState(peer, StateZombie)
	}

	if peer.state != StateDisconnected {
		peer.eventData = command.Disconnect.Data
	}
}

func (h *Host) handlePing(peer *Peer) error {
	if peer.state != StateConnected && peer.state != StateDisconnectLater {
		return errProtocolViolation
	}
	return nil
}

func (h *Host) handleSendReliable(peer *Peer, command *protocol.Command, data []byte) error {
	if int(command.Header.ChannelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return errProtocolViolation
	}

	if _, result := peer.queueIncomingCommand(command, data, len(data), PacketFlagReliable, 0); result == admitFailed {
		return errProtocolViolation
	}
	return nil
}

func (h *Host) handleSendUnreliable(peer *Peer, command *protocol.Command, data []byte) error {
	if int(command.Header.ChannelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return errProtocolViolation
	}

	if _, result := peer.queueIncomingCommand(command, data, len(data), 0, 0); result == admitFailed {
		return errProtocolViolation
	}
	return nil
}

func (h *Host) handleSendUnsequenced(peer *Peer, command *protocol.Command, data []byte) error {
	if int(command.Header.ChannelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return errProtocolViolation
	}

	unsequencedGroup := uint32(command.SendUnsequenced.UnsequencedGroup)
	index := unsequencedGroup % UnsequencedWindowSize

	if unsequencedGroup < uint32(peer.incomingUnsequencedGroup) {
		unsequencedGroup += 0x10000
	}

	if unsequencedGroup >= uint32(peer.incomingUnsequencedGroup)+FreeUnsequencedWindows*UnsequencedWindowSize {
		return nil
	}

	unsequencedGroup &= 0xFFFF

	if uint16(unsequencedGroup)-uint16(index) != peer.incomingUnsequencedGroup {
		peer.incomingUnsequencedGroup = uint16(unsequencedGroup) - uint16(index)
		for i := range peer.unsequencedWindow {
			peer.unsequencedWindow[i] = 0
		}
	} else if peer.unsequencedWindow[index/32]&(1<<(index%32)) != 0 {
		return nil
	}

	if _, result := peer.queueIncomingCommand(command, data, len(data), PacketFlagUnsequenced, 0); result == admitFailed {
		return errProtocolViolation
	}

	peer.unsequencedWindow[index/32] |= 1 << (index % 32)
	return nil
}

func (h *Host) handleSendFragment(peer *Peer, command *protocol.Command, data []byte) error {
	if int(command.Header.ChannelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return errProtocolViolation
	}

	channel := &peer.channels[command.Header.ChannelID]
	startSequenceNumber := command.SendFragment.StartSequenceNumber
	startWindow := startSequenceNumber / ReliableWindowSize
	currentWindow := channel.incomingReliableSequenceNumber / ReliableWindowSize

	if startSequenceNumber < channel.incomingReliableSequenceNumber {
		startWindow += ReliableWindows
	}

	if startWindow < currentWindow || startWindow >= currentWindow+FreeReliableWindows-1 {
		return nil
	}

	fragmentNumber := command.SendFragment.FragmentNumber
	fragmentCount := command.SendFragment.FragmentCount
	fragmentOffset := command.SendFragment.FragmentOffset
	totalLength := command.SendFragment.TotalLength
	fragmentLength := uint32(len(data))

	if fragmentCount > protocol.MaximumFragmentCount ||
		fragmentNumber >= fragmentCount ||
		totalLength > uint32(h.maximumPacketSize) ||
		fragmentOffset >= totalLength ||
		fragmentLength > totalLength-fragmentOffset {
		return errProtocolViolation
	}

	var startCommand *incomingCommand
	queue := &channel.incomingReliableCommands
	for current := queue.Back(); current != queue.End(); current = current.Prev() {
		incoming := current.Value

		if startSequenceNumber >= channel.incomingReliableSequenceNumber {
			if incoming.reliableSequenceNumber < channel.incomingReliableSequenceNumber {
				continue
			}
		} else if incoming.reliableSequenceNumber >= channel.incomingReliableSequenceNumber {
			break
		}

		if incoming.reliableSequenceNumber <= startSequenceNumber {
			if incoming.reliableSequenceNumber < startSequenceNumber {
				break
			}

			if incoming.command.Opcode() != protocol.CommandSendFragment ||
				totalLength != uint32(len(incoming.packet.Data)) ||
				fragmentCount != incoming.fragmentCount {
				return errProtocolViolation
			}

			startCommand = incoming
			break
		}
	}

	if startCommand == nil {
		hostCommand := *command
		hostCommand.Header.ReliableSequenceNumber = startSequenceNumber

		queued, result := peer.queueIncomingCommand(&hostCommand, nil, int(totalLength), PacketFlagReliable, fragmentCount)
		if result != admitAccepted {
			return errProtocolViolation
		}
		startCommand = queued
	}

	if !startCommand.hasFragment(fragmentNumber) {
		startCommand.fragmentsRemaining--
		startCommand.markFragment(fragmentNumber)

		if fragmentOffset+fragmentLength > uint32(len(startCommand.packet.Data)) {
			fragmentLength = uint32(len(startCommand.packet.Data)) - fragmentOffset
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining == 0 {
			peer.dispatchIncomingReliableCommands(channel)
		}
	}

	return nil
}

func (h *Host) handleSendUnreliableFragment(peer *Peer, command *protocol.Command, data []byte) error {
	if int(command.Header.ChannelID) >= len(peer.channels) ||
		(peer.state != StateConnected && peer.state != StateDisconnectLater) {
		return errProtocolViolation
	}

	channel := &peer.channels[command.Header.ChannelID]
	startSequenceNumber := command.SendFragment.StartSequenceNumber
	reliableSequenceNumber := command.Header.ReliableSequenceNumber

	reliableWindow := reliableSequenceNumber / ReliableWindowSize
	currentWindow := channel.incomingReliableSequenceNumber / ReliableWindowSize

	if reliableSequenceNumber < channel.incomingReliableSequenceNumber {
		reliableWindow += ReliableWindows
	}

	if reliableWindow < currentWindow || reliableWindow >= currentWindow+FreeReliableWindows-1 {
		return nil
	}

	if reliableSequenceNumber == channel.incomingReliableSequenceNumber &&
		startSequenceNumber <= channel.incomingUnreliableSequenceNumber {
		return nil
	}

	fragmentNumber := command.SendFragment.FragmentNumber
	fragmentCount := command.SendFragment.FragmentCount
	fragmentOffset := command.SendFragment.FragmentOffset
	totalLength := command.SendFragment.TotalLength
	fragmentLength := uint32(len(data))

	if fragmentCount > protocol.MaximumFragmentCount ||
		fragmentNumber >= fragmentCount ||
		totalLength > uint32(h.maximumPacketSize) ||
		fragmentOffset >= totalLength ||
		fragmentLength > totalLength-fragmentOffset {
		return errProtocolViolation
	}

	var startCommand *incomingCommand
	queue := &channel.incomingUnreliableCommands
	for current := queue.Back(); current != queue.End(); current = current.Prev() {
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

		if incoming.unreliableSequenceNumber <= startSequenceNumber {
			if incoming.unreliableSequenceNumber < startSequenceNumber {
				break
			}

			if incoming.command.Opcode() != protocol.CommandSendUnreliableFragment ||
				totalLength != uint32(len(incoming.packet.Data)) ||
				fragmentCount != incoming.fragmentCount {
				return errProtocolViolation
			}

			startCommand = incoming
			break
		}
	}

	if startCommand == nil {
		queued, result := peer.queueIncomingCommand(command, nil, int(totalLength), PacketFlagUnreliableFragment, fragmentCount)
		if result != admitAccepted {
			return errProtocolViolation
		}
		startCommand = queued
	}

	if !startCommand.hasFragment(fragmentNumber) {
		startCommand.fragmentsRemaining--
		startCommand.markFragment(fragmentNumber)

		if fragmentOffset+fragmentLength > uint32(len(startCommand.packet.Data)) {
			fragmentLength = uint32(len(startCommand.packet.Data)) - fragmentOffset
		}

		copy(startCommand.packet.Data[fragmentOffset:], data[:fragmentLength])

		if startCommand.fragmentsRemaining == 0 {
			peer.dispatchIncomingUnreliableCommands(channel)
		}
	}

	return nil
}

func (h *Host) handleBandwidthLimit(peer *Peer, command *protocol.Command) error {
	if peer.state != StateConnected && peer.state != StateDisconnectLater {
		return errProtocolViolation
	}

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers--
	}
	peer.incomingBandwidth = command.BandwidthLimit.IncomingBandwidth
	peer.outgoingBandwidth = command.BandwidthLimit.OutgoingBandwidth
	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers++
	}

	if peer.incomingBandwidth == 0 && h.outgoingBandwidth == 0 {
		peer.windowSize = protocol.MaximumWindowSize
	} else if peer.incomingBandwidth == 0 || h.outgoingBandwidth == 0 {
		peer.windowSize = clampWindowSize((maxUint32(peer.incomingBandwidth, h.outgoingBandwidth) / WindowSizeScale) * protocol.MinimumWindowSize)
	} else {
		peer.windowSize = clampWindowSize((minUint32(peer.incomingBandwidth, h.outgoingBandwidth) / WindowSizeScale) * protocol.MinimumWindowSize)
	}

	return nil
}

func (h *Host) handleThrottleConfigure(peer *Peer, command *protocol.Command) error {
	if peer.state != StateConnected && peer.state != StateDisconnectLater {
		return errProtocolViolation
	}

	peer.packetThrottleInterval = command.ThrottleConfigure.PacketThrottleInterval
	peer.packetThrottleAcceleration = command.ThrottleConfigure.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = command.ThrottleConfigure.PacketThrottleDeceleration

	return nil
}

// errProtocolViolation aborts parsing of the current datagram.  Handler
// failures never escape the receive pass; an intercept hook returning -1 is
// the one case where Service returns it.
var errProtocolViolation = errors.New("protocol violation")

// handleIncomingCommands parses and dispatches every command in the received
// datagram.  Any handler failure aborts the rest of the datagram.
func (h *Host) handleIncomingCommands(event *Event) int {
	var header protocol.Header

	headerSize, err := header.UnmarshalFrom(h.receivedData[:h.receivedDataLength])
	if err != nil {
		return 0
	}

	peerID := header.PeerID
	sessionID := uint8((peerID & protocol.HeaderSessionMask) >> protocol.HeaderSessionShift)
	flags := peerID & protocol.HeaderFlagMask
	peerID &^= protocol.HeaderFlagMask | protocol.HeaderSessionMask

	if h.checksum != nil {
		headerSize += protocol.ChecksumSize
	}
	if h.receivedDataLength < headerSize {
		return 0
	}

	var peer *Peer
	if peerID == MaximumPeerID {
		peer = nil
	} else if int(peerID) >= len(h.peers) {
		return 0
	} else {
		peer = &h.peers[peerID]

		if peer.state == StateDisconnected || peer.state == StateZombie ||
			!sameAddr(peer.address, h.receivedAddress) ||
			(peer.outgoingPeerID < MaximumPeerID && sessionID != peer.incomingSessionID) {
			return 0
		}
	}

	if flags&protocol.HeaderFlagCompressed != 0 {
		if h.compressor == nil {
			return 0
		}

		originalSize := h.compressor.Decompress(
			h.receivedData[headerSize:h.receivedDataLength],
			h.packetData[1][headerSize:],
		)
		if originalSize <= 0 || originalSize > len(h.packetData[1])-headerSize {
			metrics.ErrorCount.WithLabelValues("decompress_failed").Inc()
			dropLog.Println("Dropping datagram from", h.receivedAddress, ": decompression failed")
			return 0
		}

		copy(h.packetData[1][:headerSize], h.receivedData[:headerSize])
		h.receivedData = h.packetData[1][:]
		h.receivedDataLength = headerSize + originalSize
	}

	if h.checksum != nil {
		checksumOffset := headerSize - protocol.ChecksumSize
		desiredChecksum := beUint32(h.receivedData[checksumOffset:])

		var seed uint32
		if peer != nil {
			seed = peer.connectID
		}
		putBeUint32(h.receivedData[checksumOffset:], seed)

		if h.checksum([][]byte{h.receivedData[:h.receivedDataLength]}) != desiredChecksum {
			metrics.ErrorCount.WithLabelValues("checksum_mismatch").Inc()
			dropLog.Println("Dropping datagram from", h.receivedAddress, ": checksum mismatch")
			return 0
		}
	}

	if peer != nil {
		if !sameAddr(peer.address, h.receivedAddress) {
			peer.address = cloneAddr(h.receivedAddress)
		}
		peer.incomingDataTotal += uint32(h.receivedDataLength)
	}

	currentData := headerSize

	for currentData < h.receivedDataLength {
		var command protocol.Command

		commandSize, err := command.UnmarshalFrom(h.receivedData[currentData:h.receivedDataLength])
		if err != nil {
			metrics.ErrorCount.WithLabelValues("bad_command").Inc()
			break
		}
		currentData += commandSize

		commandNumber := command.Opcode()

		if peer == nil && commandNumber != protocol.CommandConnect {
			break
		}

		// Send-class commands carry a payload immediately after the record.
		dataLength := command.DataLength()
		if dataLength > h.maximumPacketSize || currentData+dataLength > h.receivedDataLength {
			metrics.ErrorCount.WithLabelValues("bad_command").Inc()
			break
		}
		data := h.receivedData[currentData : currentData+dataLength]
		currentData += dataLength

		metrics.CommandsReceived.WithLabelValues(commandNames[commandNumber]).Inc()

		var handleErr error
		switch commandNumber {
		case protocol.CommandAcknowledge:
			handleErr = h.handleAcknowledge(event, peer, &command)

		case protocol.CommandConnect:
			if peer != nil {
				handleErr = errProtocolViolation
				break
			}
			peer = h.handleConnect(&command)
			if peer == nil {
				handleErr = errProtocolViolation
			}

		case protocol.CommandVerifyConnect:
			handleErr = h.handleVerifyConnect(event, peer, &command)

		case protocol.CommandDisconnect:
			h.handleDisconnect(peer, &command)

		case protocol.CommandPing:
			handleErr = h.handlePing(peer)

		case protocol.CommandSendReliable:
			handleErr = h.handleSendReliable(peer, &command, data)

		case protocol.CommandSendUnreliable:
			handleErr = h.handleSendUnreliable(peer, &command, data)

		case protocol.CommandSendUnsequenced:
			handleErr = h.handleSendUnsequenced(peer, &command, data)

		case protocol.CommandSendFragment:
			handleErr = h.handleSendFragment(peer, &command, data)

		case protocol.CommandSendUnreliableFragment:
			handleErr = h.handleSendUnreliableFragment(peer, &command, data)

		case protocol.CommandBandwidthLimit:
			handleErr = h.handleBandwidthLimit(peer, &command)

		case protocol.CommandThrottleConfigure:
			handleErr = h.handleThrottleConfigure(peer, &command)

		default:
			handleErr = errProtocolViolation
		}

		if handleErr != nil {
			break
		}

		if peer != nil && command.Header.Command&protocol.FlagAcknowledge != 0 {
			if flags&protocol.HeaderFlagSentTime == 0 {
				break
			}

			switch peer.state {
			case StateDisconnecting, StateAcknowledgingConnect, StateDisconnected, StateZombie:
				// No acknowledgements in these states.
			case StateAcknowledgingDisconnect:
				if commandNumber == protocol.CommandDisconnect {
					peer.queueAcknowledgement(&command, header.SentTime)
				}
			default:
				peer.queueAcknowledgement(&command, header.SentTime)
			}
		}
	}

	if event != nil && event.Type != EventNone {
		return 1
	}
	return 0
}

// receiveIncomingPackets drains up to 256 datagrams from the socket.
func (h *Host) receiveIncomingPackets(event *Event) (int, error) {
	for packets := 0; packets < 256; packets++ {
		receivedLength, address, err := h.socket.Receive(h.packetData[0][:])
		if err != nil {
			return -1, err
		}
		if receivedLength == 0 {
			return 0, nil
		}

		h.receivedAddress = address
		h.receivedData = h.packetData[0][:]
		h.receivedDataLength = receivedLength

		h.totalReceivedData += uint32(receivedLength)
		h.totalReceivedPackets++
		metrics.DatagramsReceived.Inc()
		metrics.BytesReceived.Add(float64(receivedLength))

		if h.intercept != nil {
			switch h.intercept(h, event) {
			case 1:
				if event != nil && event.Type != EventNone {
					return 1, nil
				}
				continue
			case -1:
				return -1, errProtocolViolation
			}
		}

		if h.handleIncomingCommands(event) == 1 {
			return 1, nil
		}
	}

	return 0, nil
}

/*********************************************************************************************/
/*             Outgoing datagram construction                                                */
/*********************************************************************************************/

const maximumBufferCount = 1 + 2*protocol.MaximumPacketCommands

// beginDatagram resets the per-datagram packing state.
func (h *Host) beginDatagram() {
	h.headerFlags = 0
	h.commandCount = 0
	h.commandOffset = 0
	h.buffers = append(h.buffers[:0], nil) // slot 0 is the header
	h.packetSize = protocol.HeaderSizeSentTime
}

// packCommand marshals command into the scratch area and appends it (plus an
// optional payload slice) to the gather list.
func (h *Host) packCommand(command *protocol.Command, payload []byte) {
	size := protocol.CommandSize(command.Header.Command)
	buf := h.commandScratch[h.commandOffset : h.commandOffset+size]
	command.MarshalTo(buf)
	h.commandOffset += size
	h.commandCount++
	h.buffers = append(h.buffers, buf)
	h.packetSize += size

	if payload != nil {
		h.buffers = append(h.buffers, payload)
		h.packetSize += len(payload)
	}
}

// roomFor reports whether another command (with buffersNeeded gather slots)
// still fits in the command and buffer scratch arrays.
func (h *Host) roomFor(buffersNeeded int) bool {
	return h.commandCount < protocol.MaximumPacketCommands &&
		len(h.buffers)+buffersNeeded <= maximumBufferCount
}

func (h *Host) sendAcknowledgements(peer *Peer) {
	for !peer.acknowledgements.Empty() {
		if !h.roomFor(1) ||
			int(peer.mtu)-h.packetSize < protocol.CommandSize(protocol.CommandAcknowledge) {
			h.continueSending = true
			break
		}

		ack := list.Remove(peer.acknowledgements.Front())

		var command protocol.Command
		command.Header.Command = protocol.CommandAcknowledge
		command.Header.ChannelID = ack.command.Header.ChannelID
		command.Header.ReliableSequenceNumber = ack.command.Header.ReliableSequenceNumber
		command.Acknowledge.ReceivedReliableSequenceNumber = ack.command.Header.ReliableSequenceNumber
		command.Acknowledge.ReceivedSentTime = uint16(ack.sentTime)

		h.packCommand(&command, nil)

		if ack.command.Opcode() == protocol.CommandDisconnect {
			h.dispatchState(peer, StateZombie)
		}
	}
}

// checkTimeouts walks the sent-reliable queue, requeueing timed-out commands
// for retransmission with doubled timeouts, and returns 1 when the peer
// itself has timed out.
func (h *Host) checkTimeouts(peer *Peer, event *Event) int {
	insertPosition := peer.outgoingReliableCommands.Front()

	current := peer.sentReliableCommands.Front()
	for current != peer.sentReliableCommands.End() {
		outgoing := current.Value
		current = current.Next()

		if timeDiff(h.serviceTime, outgoing.sentTime) < outgoing.roundTripTimeout {
			continue
		}

		if peer.earliestTimeout == 0 || timeLess(outgoing.sentTime, peer.earliestTimeout) {
			peer.earliestTimeout = outgoing.sentTime
		}

		if peer.earliestTimeout != 0 &&
			(timeDiff(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMaximum ||
				(outgoing.roundTripTimeout >= outgoing.roundTripTimeoutLimit &&
					timeDiff(h.serviceTime, peer.earliestTimeout) >= peer.timeoutMinimum)) {
			metrics.PeerDisconnects.WithLabelValues("timeout").Inc()
			h.notifyDisconnect(peer, event)
			return 1
		}

		if outgoing.packet != nil {
			peer.reliableDataInTransit -= uint32(outgoing.fragmentLength)
		}

		peer.packetsLost++
		metrics.Retransmissions.Inc()

		outgoing.roundTripTimeout *= 2

		list.Remove(&outgoing.node)
		peer.outgoingReliableCommands.InsertBefore(insertPosition, &outgoing.node)

		if current == peer.sentReliableCommands.Front() && !peer.sentReliableCommands.Empty() {
			next := current.Value
			peer.nextTimeout = next.sentTime + next.roundTripTimeout
		}
	}

	return 0
}

// sendReliableOutgoingCommands packs as many pending reliable commands as
// the window, throttle, and MTU allow.  It returns true when no queued
// command cleared the window and throttle checks (or the queue was empty),
// i.e. the connection is idle enough to ping.
func (h *Host) sendReliableOutgoingCommands(peer *Peer) bool {
	windowExceeded := false
	windowWrap := false
	canPing := true

	current := peer.outgoingReliableCommands.Front()
	for current != peer.outgoingReliableCommands.End() {
		outgoing := current.Value

		var channel *Channel
		if int(outgoing.command.Header.ChannelID) < len(peer.channels) {
			channel = &peer.channels[outgoing.command.Header.ChannelID]
		}
		reliableWindow := outgoing.reliableSequenceNumber / ReliableWindowSize

		if channel != nil {
			if !windowWrap &&
				outgoing.sendAttempts < 1 &&
				outgoing.reliableSequenceNumber%ReliableWindowSize == 0 &&
				(channel.reliableWindows[(reliableWindow+ReliableWindows-1)%ReliableWindows] >= ReliableWindowSize ||
					channel.usedReliableWindows&((((1<<FreeReliableWindows)-1)<<reliableWindow)|
						(((1<<FreeReliableWindows)-1)>>(ReliableWindows-reliableWindow))) != 0) {
				windowWrap = true
			}
			if windowWrap {
				current = current.Next()
				continue
			}
		}

		if outgoing.packet != nil {
			if !windowExceeded {
				windowSize := (peer.packetThrottle * peer.windowSize) / PacketThrottleScale
				if peer.reliableDataInTransit+uint32(outgoing.fragmentLength) > maxUint32(windowSize, peer.mtu) {
					windowExceeded = true
				}
			}
			if windowExceeded {
				current = current.Next()
				continue
			}
		}

		canPing = false

		commandSize := protocol.CommandSize(outgoing.command.Header.Command)
		if !h.roomFor(2) ||
			int(peer.mtu)-h.packetSize < commandSize ||
			(outgoing.packet != nil &&
				int(peer.mtu)-h.packetSize < commandSize+int(outgoing.fragmentLength)) {
			h.continueSending = true
			break
		}

		current = current.Next()

		if channel != nil && outgoing.sendAttempts < 1 {
			channel.usedReliableWindows |= 1 << reliableWindow
			channel.reliableWindows[reliableWindow]++
		}

		outgoing.sendAttempts++

		if outgoing.roundTripTimeout == 0 {
			outgoing.roundTripTimeout = peer.roundTripTime + 4*peer.roundTripTimeVariance
			outgoing.roundTripTimeoutLimit = peer.timeoutLimit * outgoing.roundTripTimeout
		}

		if peer.sentReliableCommands.Empty() {
			peer.nextTimeout = h.serviceTime + outgoing.roundTripTimeout
		}

		list.Remove(&outgoing.node)
		peer.sentReliableCommands.PushBack(&outgoing.node)

		outgoing.sentTime = h.serviceTime

		h.headerFlags |= protocol.HeaderFlagSentTime

		if outgoing.packet != nil {
			payload := outgoing.packet.Data[outgoing.fragmentOffset : outgoing.fragmentOffset+uint32(outgoing.fragmentLength)]
			h.packCommand(&outgoing.command, payload)
			peer.reliableDataInTransit += uint32(outgoing.fragmentLength)
		} else {
			h.packCommand(&outgoing.command, nil)
		}

		peer.packetsSent++
	}

	return canPing
}

func (h *Host) sendUnreliableOutgoingCommands(peer *Peer) {
	current := peer.outgoingUnreliableCommands.Front()
	for current != peer.outgoingUnreliableCommands.End() {
		outgoing := current.Value
		commandSize := protocol.CommandSize(outgoing.command.Header.Command)

		if !h.roomFor(2) ||
			int(peer.mtu)-h.packetSize < commandSize ||
			(outgoing.packet != nil &&
				int(peer.mtu)-h.packetSize < commandSize+int(outgoing.fragmentLength)) {
			h.continueSending = true
			break
		}

		current = current.Next()

		if outgoing.packet != nil && outgoing.fragmentOffset == 0 {
			peer.packetThrottleCounter += PacketThrottleCounter
			peer.packetThrottleCounter %= PacketThrottleScale

			if peer.packetThrottleCounter > peer.packetThrottle {
				reliableSequenceNumber := outgoing.reliableSequenceNumber
				unreliableSequenceNumber := outgoing.unreliableSequenceNumber

				// Drop the whole message: this command and every
				// following command of the same unreliable message.
				for {
					outgoing.packet.release()
					list.Remove(&outgoing.node)
					metrics.UnreliableDropped.Inc()

					if current == peer.outgoingUnreliableCommands.End() {
						break
					}
					outgoing = current.Value
					if outgoing.reliableSequenceNumber != reliableSequenceNumber ||
						outgoing.unreliableSequenceNumber != unreliableSequenceNumber {
						break
					}
					current = current.Next()
				}

				continue
			}
		}

		list.Remove(&outgoing.node)

		if outgoing.packet != nil {
			payload := outgoing.packet.Data[outgoing.fragmentOffset : outgoing.fragmentOffset+uint32(outgoing.fragmentLength)]
			h.packCommand(&outgoing.command, payload)
			peer.sentUnreliableCommands.PushBack(&outgoing.node)
		} else {
			h.packCommand(&outgoing.command, nil)
		}
	}

	if peer.state == StateDisconnectLater &&
		peer.outgoingReliableCommands.Empty() &&
		peer.outgoingUnreliableCommands.Empty() &&
		peer.sentReliableCommands.Empty() {
		peer.Disconnect(peer.eventData)
	}
}

// sendOutgoingCommands runs one full send pass over every live peer,
// building and transmitting at most one datagram per peer per iteration and
// iterating while any peer still has more than fits.
func (h *Host) sendOutgoingCommands(event *Event, checkForTimeouts bool) (int, error) {
	h.continueSending = true

	for h.continueSending {
		h.continueSending = false
		for i := range h.peers {
			peer := &h.peers[i]
			if peer.state == StateDisconnected || peer.state == StateZombie {
				continue
			}

			h.beginDatagram()

			if !peer.acknowledgements.Empty() {
				h.sendAcknowledgements(peer)
			}

			if checkForTimeouts &&
				!peer.sentReliableCommands.Empty() &&
				timeGreaterEqual(h.serviceTime, peer.nextTimeout) &&
				h.checkTimeouts(peer, event) == 1 {
				if event != nil && event.Type != EventNone {
					return 1, nil
				}
				continue
			}

			if (peer.outgoingReliableCommands.Empty() || h.sendReliableOutgoingCommands(peer)) &&
				peer.sentReliableCommands.Empty() &&
				timeDiff(h.serviceTime, peer.lastReceiveTime) >= peer.pingInterval &&
				int(peer.mtu)-h.packetSize >= protocol.CommandSize(protocol.CommandPing) {
				peer.Ping()
				h.sendReliableOutgoingCommands(peer)
			}

			if !peer.outgoingUnreliableCommands.Empty() {
				h.sendUnreliableOutgoingCommands(peer)
			}

			if h.commandCount == 0 {
				continue
			}

			if peer.packetLossEpoch == 0 {
				peer.packetLossEpoch = h.serviceTime
			} else if timeDiff(h.serviceTime, peer.packetLossEpoch) >= PacketLossInterval &&
				peer.packetsSent > 0 {
				packetLoss := peer.packetsLost * PacketLossScale / peer.packetsSent

				peer.packetLossVariance -= peer.packetLossVariance / 4

				if packetLoss >= peer.packetLoss {
					peer.packetLoss += (packetLoss - peer.packetLoss) / 8
					peer.packetLossVariance += (packetLoss - peer.packetLoss) / 4
				} else {
					peer.packetLoss -= (peer.packetLoss - packetLoss) / 8
					peer.packetLossVariance += (peer.packetLoss - packetLoss) / 4
				}

				peer.packetLossEpoch = h.serviceTime
				peer.packetsSent = 0
				peer.packetsLost = 0
			}

			var headerSize int
			var sentTime uint16
			if h.headerFlags&protocol.HeaderFlagSentTime != 0 {
				sentTime = uint16(h.serviceTime & 0xFFFF)
				headerSize = protocol.HeaderSizeSentTime
			} else {
				headerSize = protocol.HeaderSizeMinimum
			}

			shouldCompress := 0
			if h.compressor != nil {
				originalSize := h.packetSize - protocol.HeaderSizeSentTime
				compressedSize := h.compressor.Compress(h.buffers[1:], originalSize, h.packetData[1][:originalSize])
				if compressedSize > 0 && compressedSize < originalSize {
					h.headerFlags |= protocol.HeaderFlagCompressed
					shouldCompress = compressedSize
				}
			}

			if peer.outgoingPeerID < MaximumPeerID {
				h.headerFlags |= uint16(peer.outgoingSessionID) << protocol.HeaderSessionShift
			}

			header := protocol.Header{
				PeerID:   peer.outgoingPeerID | h.headerFlags,
				SentTime: sentTime,
			}
			header.MarshalTo(h.headerScratch[:])

			// The checksum covers the uncompressed contents; the receiver
			// decompresses before verifying.
			if h.checksum != nil {
				var seed uint32
				if peer.outgoingPeerID < MaximumPeerID {
					seed = peer.connectID
				}
				putBeUint32(h.headerScratch[headerSize:], seed)
				h.buffers[0] = h.headerScratch[:headerSize+protocol.ChecksumSize]
				checksum := h.checksum(h.buffers)
				putBeUint32(h.headerScratch[headerSize:], checksum)
			} else {
				h.buffers[0] = h.headerScratch[:headerSize]
			}

			if shouldCompress > 0 {
				h.buffers[1] = h.packetData[1][:shouldCompress]
				h.buffers = h.buffers[:2]
			}

			peer.lastSendTime = h.serviceTime

			sentLength, err := h.socket.Send(peer.address, h.buffers)

			h.removeSentUnreliableCommands(peer)

			if err != nil {
				return -1, err
			}

			h.totalSentData += uint32(sentLength)
			h.totalSentPackets++
			metrics.DatagramsSent.Inc()
			metrics.BytesSent.Add(float64(sentLength))
		}
	}

	return 0, nil
}

/*********************************************************************************************/
/*             Application entry points                                                      */
/*********************************************************************************************/

// Flush sends all pending outgoing commands without receiving or waiting.
// Timeout checks are disabled during the pass.
func (h *Host) Flush() error {
	h.serviceTime = h.clock.Now()
	_, err := h.sendOutgoingCommands(nil, false)
	return err
}

// CheckEvents dequeues one pending event without any network activity.
// It returns 1 when an event was written into event, else 0.
func (h *Host) CheckEvents(event *Event) int {
	event.reset()
	return h.dispatchIncomingCommands(event)
}

// Service drives the host for up to timeout milliseconds: it dispatches one
// pending event if any, sends outgoing commands, receives and handles up to
// 256 datagrams, sends again, and sleeps on the socket for the remainder.
// It returns 1 when event was filled in, 0 on a quiet timeout, and an error
// on socket failure.
func (h *Host) Service(event *Event, timeout uint32) (int, error) {
	if event != nil {
		event.reset()
		if h.dispatchIncomingCommands(event) == 1 {
			return 1, nil
		}
	}

	h.serviceTime = h.clock.Now()
	timeout += h.serviceTime

	for {
		if timeDiff(h.serviceTime, h.bandwidthThrottleEpoch) >= BandwidthThrottleInterval {
			h.bandwidthThrottle()
		}

		switch n, err := h.sendOutgoingCommands(event, true); {
		case err != nil:
			return -1, err
		case n == 1:
			return 1, nil
		}

		switch n, err := h.receiveIncomingPackets(event); {
		case err != nil:
			return -1, err
		case n == 1:
			return 1, nil
		}

		switch n, err := h.sendOutgoingCommands(event, true); {
		case err != nil:
			return -1, err
		case n == 1:
			return 1, nil
		}

		if event != nil {
			if h.dispatchIncomingCommands(event) == 1 {
				return 1, nil
			}
		}

		if timeGreaterEqual(h.serviceTime, timeout) {
			return 0, nil
		}

		var waitCondition uint32
		for {
			h.serviceTime = h.clock.Now()

			if timeGreaterEqual(h.serviceTime, timeout) {
				return 0, nil
			}

			var err error
			waitCondition, err = h.socket.Wait(snetsock.WaitReceive|snetsock.WaitInterrupt, timeDiff(timeout, h.serviceTime))
			if err != nil {
				return -1, err
			}

			if waitCondition&snetsock.WaitInterrupt == 0 {
				break
			}
		}

		h.serviceTime = h.clock.Now()

		if waitCondition&snetsock.WaitReceive == 0 {
			return 0, nil
		}
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
