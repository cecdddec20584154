package snet

import (
	"bytes"
	"log"
	"net"
	"testing"

	"github.com/snetproject/snet/checksum"
	"github.com/snetproject/snet/rangecoder"
	"github.com/snetproject/snet/snetclock"
	"github.com/snetproject/snet/snetsock"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// testNet wires two hosts together over an in-memory socket pair sharing
// one manual clock.
type testNet struct {
	t     *testing.T
	clock *snetclock.Manual
	sockA *snetsock.MemSocket
	sockB *snetsock.MemSocket
	hostA *Host
	hostB *Host
}

func newTestNet(t *testing.T, configure func(*HostConfig), setup func(h *Host)) *testNet {
	t.Helper()

	clock := &snetclock.Manual{Current: 1000}
	sockA, sockB := snetsock.MemPair()

	config := HostConfig{PeerCount: 1}
	if configure != nil {
		configure(&config)
	}

	hostA, err := NewHost(sockA, clock, config)
	if err != nil {
		t.Fatal(err)
	}
	hostB, err := NewHost(sockB, clock, config)
	if err != nil {
		t.Fatal(err)
	}

	if setup != nil {
		setup(hostA)
		setup(hostB)
	}

	return &testNet{t: t, clock: clock, sockA: sockA, sockB: sockB, hostA: hostA, hostB: hostB}
}

// serviceAll drains one host until it reports no more events, collecting
// them.
func (tn *testNet) serviceAll(h *Host, events *[]Event) {
	tn.t.Helper()
	for {
		var event Event
		n, err := h.Service(&event, 0)
		if err != nil {
			tn.t.Fatalf("Service: %v", err)
		}
		if n != 1 {
			return
		}
		*events = append(*events, event)
	}
}

// pump runs both hosts for rounds ticks, advancing the clock between ticks,
// and returns the events each host surfaced.
func (tn *testNet) pump(rounds int, advance uint32) (eventsA, eventsB []Event) {
	tn.t.Helper()
	for i := 0; i < rounds; i++ {
		tn.serviceAll(tn.hostA, &eventsA)
		tn.serviceAll(tn.hostB, &eventsB)
		tn.clock.Advance(advance)
	}
	return eventsA, eventsB
}

// connect establishes a connection and returns both ends' peers.
func (tn *testNet) connect(channels int) (peerA, peerB *Peer) {
	tn.t.Helper()

	peerA, err := tn.hostA.Connect(tn.sockB.Addr(), channels, 0)
	if err != nil {
		tn.t.Fatal(err)
	}

	eventsA, eventsB := tn.pump(5, 10)

	if len(eventsA) != 1 || eventsA[0].Type != EventConnect {
		tn.t.Fatalf("host A events = %+v, want one connect", eventsA)
	}
	if len(eventsB) != 1 || eventsB[0].Type != EventConnect {
		tn.t.Fatalf("host B events = %+v, want one connect", eventsB)
	}

	peerB = eventsB[0].Peer
	return peerA, peerB
}

func TestConnectAndPing(t *testing.T) {
	tn := newTestNet(t, nil, nil)

	peerA, peerB := tn.connect(1)

	if peerA.State() != StateConnected {
		t.Errorf("peer A state = %v, want connected", peerA.State())
	}
	if peerB.State() != StateConnected {
		t.Errorf("peer B state = %v, want connected", peerB.State())
	}
	if peerA.ConnectID() == 0 || peerA.ConnectID() != peerB.ConnectID() {
		t.Errorf("connect IDs disagree: %#x vs %#x", peerA.ConnectID(), peerB.ConnectID())
	}

	// Idle ticks past the ping interval keep the connection alive and the
	// RTT estimate sane.
	tn.pump(10, DefaultPingInterval)
	if peerA.State() != StateConnected || peerB.State() != StateConnected {
		t.Error("peers did not survive idle pings")
	}
	if peerA.RoundTripTime() > DefaultRoundTripTime {
		t.Errorf("RTT estimate did not converge downward: %d", peerA.RoundTripTime())
	}
}

func TestReliableInOrderDelivery(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	payloads := [][]byte{{0x01}, {0x02, 0x03}, {0x04}}
	for _, p := range payloads {
		if err := peerA.Send(0, NewPacket(p, PacketFlagReliable)); err != nil {
			t.Fatal(err)
		}
	}

	_, eventsB := tn.pump(4, 10)

	var received [][]byte
	for _, e := range eventsB {
		if e.Type == EventReceive {
			received = append(received, e.Packet.Data)
			if e.ChannelID != 0 {
				t.Errorf("channel = %d, want 0", e.ChannelID)
			}
		}
	}

	if len(received) != len(payloads) {
		t.Fatalf("received %d messages, want %d", len(received), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(received[i], payloads[i]) {
			t.Errorf("message %d = %v, want %v", i, received[i], payloads[i])
		}
	}

	if !peerA.outgoingReliableCommands.Empty() || !peerA.sentReliableCommands.Empty() {
		t.Error("sender queues not empty after delivery and acknowledgement")
	}
}

func TestFragmentationRoundTrip(t *testing.T) {
	tn := newTestNet(t,
		func(c *HostConfig) { c.MTU = 576 },
		func(h *Host) { h.SetChecksum(checksum.CRC32) },
	)
	peerA, _ := tn.connect(1)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	if err := peerA.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	_, eventsB := tn.pump(6, 10)

	var received *Packet
	for _, e := range eventsB {
		if e.Type == EventReceive {
			if received != nil {
				t.Fatal("received more than one packet")
			}
			received = e.Packet
		}
	}
	if received == nil {
		t.Fatal("fragmented packet never delivered")
	}
	if !bytes.Equal(received.Data, payload) {
		t.Error("reassembled payload differs from input")
	}

	if !peerA.sentReliableCommands.Empty() {
		t.Error("sent-reliable queue not drained after acknowledgement")
	}
	if peerA.reliableDataInTransit != 0 {
		t.Errorf("reliableDataInTransit = %d, want 0", peerA.reliableDataInTransit)
	}
}

func TestCompressedTraffic(t *testing.T) {
	tn := newTestNet(t, nil,
		func(h *Host) { h.SetCompressor(rangecoder.New()) },
	)
	peerA, _ := tn.connect(1)

	payload := bytes.Repeat([]byte("compressible payload "), 30)
	if err := peerA.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	_, eventsB := tn.pump(4, 10)

	for _, e := range eventsB {
		if e.Type == EventReceive {
			if !bytes.Equal(e.Packet.Data, payload) {
				t.Error("payload corrupted through compression")
			}
			return
		}
	}
	t.Fatal("compressed payload never delivered")
}

func TestUnreliableDroppedUnderZeroThrottle(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	peerA.packetThrottle = 0
	peerA.packetThrottleLimit = 0

	payload := make([]byte, 100)
	for i := 0; i < 10; i++ {
		if err := peerA.Send(0, NewPacket(payload, 0)); err != nil {
			t.Fatal(err)
		}
	}

	_, eventsB := tn.pump(4, 10)

	for _, e := range eventsB {
		if e.Type == EventReceive {
			t.Fatal("unreliable packet delivered despite zero throttle")
		}
	}
	if !peerA.outgoingUnreliableCommands.Empty() {
		t.Error("throttled commands should be dropped, not left queued")
	}
}

func TestUnsequencedDelivery(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	for i := 0; i < 5; i++ {
		if err := peerA.Send(0, NewPacket([]byte{byte(i)}, PacketFlagUnsequenced)); err != nil {
			t.Fatal(err)
		}
	}

	_, eventsB := tn.pump(4, 10)

	count := 0
	for _, e := range eventsB {
		if e.Type == EventReceive {
			count++
		}
	}
	if count != 5 {
		t.Errorf("received %d unsequenced messages, want 5", count)
	}
}

func TestRetransmissionAfterLoss(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	// Drop exactly one datagram: the one carrying the reliable send.
	dropped := false
	tn.sockA.SendHook = func(to *net.UDPAddr, data []byte) bool {
		if !dropped {
			dropped = true
			return false
		}
		return true
	}

	payload := []byte{0xAA, 0xBB, 0xCC}
	if err := peerA.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	// Advance well past the round-trip timeout so the command retries.
	_, eventsB := tn.pump(12, 300)

	if !dropped {
		t.Fatal("loss was never injected")
	}

	var received [][]byte
	for _, e := range eventsB {
		if e.Type == EventReceive {
			received = append(received, e.Packet.Data)
		}
	}
	if len(received) != 1 {
		t.Fatalf("received %d copies, want exactly 1", len(received))
	}
	if !bytes.Equal(received[0], payload) {
		t.Error("retransmitted payload differs from input")
	}
}

func TestTimeoutDisconnection(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	// Silence host B entirely: its datagrams no longer reach A.
	tn.sockB.SendHook = func(to *net.UDPAddr, data []byte) bool {
		return false
	}

	if err := peerA.Send(0, NewPacket([]byte{1}, PacketFlagReliable)); err != nil {
		t.Fatal(err)
	}

	var disconnected bool
	for i := 0; i < 100 && !disconnected; i++ {
		var event Event
		for {
			n, err := tn.hostA.Service(&event, 0)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				break
			}
			if event.Type == EventDisconnect {
				disconnected = true
			}
		}
		tn.serviceAll(tn.hostB, new([]Event))
		tn.clock.Advance(500)
	}

	if !disconnected {
		t.Fatal("sender never surfaced a timeout disconnect")
	}
	if peerA.State() != StateDisconnected {
		t.Errorf("peer state = %v, want disconnected", peerA.State())
	}
}

func TestGracefulDisconnect(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, peerB := tn.connect(1)

	peerA.Disconnect(1234)

	eventsA, eventsB := tn.pump(5, 10)

	foundA, foundB := false, false
	for _, e := range eventsA {
		if e.Type == EventDisconnect {
			foundA = true
		}
	}
	for _, e := range eventsB {
		if e.Type == EventDisconnect {
			foundB = true
			if e.Data != 1234 {
				t.Errorf("disconnect data = %d, want 1234", e.Data)
			}
		}
	}

	if !foundA || !foundB {
		t.Errorf("disconnect events: initiator %v, remote %v; want both", foundA, foundB)
	}
	if peerA.State() != StateDisconnected || peerB.State() != StateDisconnected {
		t.Error("peers not fully disconnected")
	}
}

func TestDisconnectLaterDrainsQueues(t *testing.T) {
	tn := newTestNet(t, nil, nil)
	peerA, _ := tn.connect(1)

	payload := bytes.Repeat([]byte{7}, 64)
	for i := 0; i < 3; i++ {
		if err := peerA.Send(0, NewPacket(payload, PacketFlagReliable)); err != nil {
			t.Fatal(err)
		}
	}
	peerA.DisconnectLater(0)

	_, eventsB := tn.pump(8, 10)

	received := 0
	disconnected := false
	for _, e := range eventsB {
		switch e.Type {
		case EventReceive:
			received++
			if disconnected {
				t.Error("data delivered after disconnect event")
			}
		case EventDisconnect:
			disconnected = true
		}
	}

	if received != 3 {
		t.Errorf("received %d messages before disconnect, want 3", received)
	}
	if !disconnected {
		t.Error("remote never saw the deferred disconnect")
	}
}

func TestBroadcast(t *testing.T) {
	// One server host with two slots, two client hosts.
	clock := &snetclock.Manual{Current: 1000}
	sockS1, sockC1 := snetsock.MemPair()

	server, err := NewHost(sockS1, clock, HostConfig{PeerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewHost(sockC1, clock, HostConfig{PeerCount: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Connect(sockS1.Addr(), 1, 0); err != nil {
		t.Fatal(err)
	}

	var events []Event
	for i := 0; i < 5; i++ {
		for _, h := range []*Host{server, client} {
			for {
				var event Event
				n, err := h.Service(&event, 0)
				if err != nil {
					t.Fatal(err)
				}
				if n != 1 {
					break
				}
				events = append(events, event)
			}
		}
		clock.Advance(10)
	}

	if server.ConnectedPeers() != 1 {
		t.Fatalf("server has %d connected peers, want 1", server.ConnectedPeers())
	}

	payload := []byte("to everyone")
	packet := NewPacket(payload, PacketFlagReliable)
	server.Broadcast(0, packet)

	events = events[:0]
	for i := 0; i < 5; i++ {
		for _, h := range []*Host{server, client} {
			for {
				var event Event
				n, err := h.Service(&event, 0)
				if err != nil {
					t.Fatal(err)
				}
				if n != 1 {
					break
				}
				events = append(events, event)
			}
		}
		clock.Advance(10)
	}

	got := 0
	for _, e := range events {
		if e.Type == EventReceive && bytes.Equal(e.Packet.Data, payload) {
			got++
		}
	}
	if got != 1 {
		t.Errorf("client received broadcast %d times, want 1", got)
	}
}
