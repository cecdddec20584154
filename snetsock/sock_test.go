package snetsock_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/snetproject/snet/snetsock"
)

func TestMemPairDelivery(t *testing.T) {
	a, b := snetsock.MemPair()

	n, err := a.Send(b.Addr(), [][]byte{[]byte("hel"), []byte("lo")})
	if err != nil || n != 5 {
		t.Fatalf("Send = (%d, %v), want (5, nil)", n, err)
	}

	cond, err := b.Wait(snetsock.WaitReceive, 0)
	if err != nil || cond&snetsock.WaitReceive == 0 {
		t.Fatalf("Wait = (%#x, %v), want receive readiness", cond, err)
	}

	buf := make([]byte, 64)
	n, from, err := b.Receive(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("received %q, want %q", buf[:n], "hello")
	}
	if from == nil || from.Port != a.Addr().Port {
		t.Errorf("source address = %v, want %v", from, a.Addr())
	}

	// Nothing else queued.
	if n, _, _ := b.Receive(buf); n != 0 {
		t.Errorf("second Receive returned %d bytes, want 0", n)
	}
}

func TestMemPairSendHookDropsDatagrams(t *testing.T) {
	a, b := snetsock.MemPair()
	a.SendHook = func(to *net.UDPAddr, data []byte) bool { return false }

	if _, err := a.Send(b.Addr(), [][]byte{[]byte("gone")}); err != nil {
		t.Fatal(err)
	}
	if n, _, _ := b.Receive(make([]byte, 16)); n != 0 {
		t.Error("dropped datagram was delivered")
	}
}

func TestConnSocketRoundTrip(t *testing.T) {
	connA, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skip("loopback UDP unavailable:", err)
	}
	connB, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skip("loopback UDP unavailable:", err)
	}

	a := snetsock.NewConnSocket(connA)
	b := snetsock.NewConnSocket(connB)
	defer a.Close()
	defer b.Close()

	if _, err := a.Send(b.Addr(), [][]byte{[]byte("ping "), []byte("pong")}); err != nil {
		t.Fatal(err)
	}

	cond, err := b.Wait(snetsock.WaitReceive, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if cond&snetsock.WaitReceive == 0 {
		t.Fatal("datagram never became ready")
	}

	buf := make([]byte, 64)
	n, from, err := b.Receive(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("ping pong")) {
		t.Errorf("received %q", buf[:n])
	}
	if from == nil || from.Port != a.Addr().Port {
		t.Errorf("source = %v, want port %d", from, a.Addr().Port)
	}
}
