package snetsock

import (
	"net"
)

type memDatagram struct {
	data []byte
	from *net.UDPAddr
}

// MemSocket is an in-memory Socket for single-goroutine simulations and
// tests: two paired sockets exchange datagrams through plain queues with no
// locking, no real I/O, and no time.  Wait never sleeps; it reports
// readiness immediately, which suits a loop driven with zero timeouts.
type MemSocket struct {
	addr  *net.UDPAddr
	peer  *MemSocket
	queue []memDatagram

	// SendHook, when set, sees every outgoing datagram; returning false
	// drops it, simulating loss.
	SendHook func(to *net.UDPAddr, data []byte) bool
}

// MemPair creates two connected in-memory sockets with synthetic loopback
// addresses.
func MemPair() (*MemSocket, *MemSocket) {
	a := &MemSocket{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}}
	b := &MemSocket{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers the gathered buffers to the paired socket when the
// destination matches its address.
func (s *MemSocket) Send(addr *net.UDPAddr, buffers [][]byte) (int, error) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	flat := make([]byte, 0, total)
	for _, b := range buffers {
		flat = append(flat, b...)
	}

	if s.SendHook != nil && !s.SendHook(addr, flat) {
		return total, nil
	}

	if s.peer != nil && addr != nil && addr.Port == s.peer.addr.Port && addr.IP.Equal(s.peer.addr.IP) {
		s.peer.queue = append(s.peer.queue, memDatagram{data: flat, from: s.addr})
	}
	return total, nil
}

// Receive pops the next queued datagram.
func (s *MemSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	if len(s.queue) == 0 {
		return 0, nil, nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(buf, d.data)
	return n, d.from, nil
}

// Wait reports receive readiness without sleeping.
func (s *MemSocket) Wait(conditions uint32, timeoutMS uint32) (uint32, error) {
	var result uint32
	if conditions&WaitReceive != 0 && len(s.queue) > 0 {
		result |= WaitReceive
	}
	if conditions&WaitSend != 0 {
		result |= WaitSend
	}
	return result, nil
}

// SetOption accepts and ignores all options.
func (s *MemSocket) SetOption(option Option, value int) error { return nil }

// Addr returns the synthetic local address.
func (s *MemSocket) Addr() *net.UDPAddr { return s.addr }

// Close detaches from the pair.
func (s *MemSocket) Close() error {
	s.peer = nil
	s.queue = nil
	return nil
}

var _ Socket = (*MemSocket)(nil)
