package snetsock

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const (
	connQueueDepth = 512
	connBatchSize  = 16
)

type connDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// ConnSocket adapts a net.PacketConn to the Socket interface for platforms
// or callers that do not want the raw-descriptor path.  A reader goroutine
// drains the conn (batched via x/net/ipv4 when possible) into a queue;
// Receive pops without blocking and Wait selects on queue readiness, so the
// transport's single-threaded model is preserved.
type ConnSocket struct {
	conn      net.PacketConn
	batch     *ipv4.PacketConn
	queue     chan connDatagram
	interrupt chan struct{}
	done      chan struct{}
	sendBuf   []byte

	// pending holds a datagram popped by Wait ahead of the next Receive.
	// Only the service goroutine touches it.
	pending *connDatagram
}

// NewConnSocket wraps conn.  The caller keeps responsibility for having
// bound it.
func NewConnSocket(conn net.PacketConn) *ConnSocket {
	s := &ConnSocket{
		conn:      conn,
		queue:     make(chan connDatagram, connQueueDepth),
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		s.batch = ipv4.NewPacketConn(udp)
	}
	go s.readLoop()
	return s
}

func (s *ConnSocket) readLoop() {
	defer close(s.done)

	if s.batch != nil {
		msgs := make([]ipv4.Message, connBatchSize)
		for i := range msgs {
			msgs[i].Buffers = [][]byte{make([]byte, 4096)}
		}
		for {
			n, err := s.batch.ReadBatch(msgs, 0)
			if err != nil {
				return
			}
			for i := 0; i < n; i++ {
				data := make([]byte, msgs[i].N)
				copy(data, msgs[i].Buffers[0][:msgs[i].N])
				addr, _ := msgs[i].Addr.(*net.UDPAddr)
				s.enqueue(data, addr)
			}
		}
	}

	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		udpAddr, _ := addr.(*net.UDPAddr)
		s.enqueue(data, udpAddr)
	}
}

func (s *ConnSocket) enqueue(data []byte, addr *net.UDPAddr) {
	select {
	case s.queue <- connDatagram{data: data, addr: addr}:
	default:
		// Queue full: drop, as a kernel socket buffer would.
	}
}

// Send flattens buffers into one datagram and writes it.
func (s *ConnSocket) Send(addr *net.UDPAddr, buffers [][]byte) (int, error) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	if cap(s.sendBuf) < total {
		s.sendBuf = make([]byte, total)
	}
	flat := s.sendBuf[:0]
	for _, b := range buffers {
		flat = append(flat, b...)
	}

	n, err := s.conn.WriteTo(flat, addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return 0, errors.Wrap(err, "snetsock: write")
	}
	return n, nil
}

// Receive pops one queued datagram without blocking.
func (s *ConnSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	if d := s.pending; d != nil {
		s.pending = nil
		n := copy(buf, d.data)
		return n, d.addr, nil
	}
	select {
	case d := <-s.queue:
		n := copy(buf, d.data)
		return n, d.addr, nil
	default:
		return 0, nil, nil
	}
}

// Wait blocks until data is queued, the timeout passes, or Interrupt is
// called.
func (s *ConnSocket) Wait(conditions uint32, timeoutMS uint32) (uint32, error) {
	if conditions&WaitReceive != 0 && (s.pending != nil || len(s.queue) > 0) {
		return WaitReceive, nil
	}

	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case d := <-s.queue:
		// Hold the datagram for the next Receive.
		s.pending = &d
		return WaitReceive, nil
	case <-s.interrupt:
		return WaitInterrupt, nil
	case <-s.done:
		return WaitNone, errors.New("snetsock: conn closed")
	case <-timer.C:
		return WaitNone, nil
	}
}

// Interrupt wakes a concurrent Wait, surfacing as WaitInterrupt.
func (s *ConnSocket) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// SetOption applies the options a net.PacketConn can honor and quietly
// accepts the rest.
func (s *ConnSocket) SetOption(option Option, value int) error {
	udp, ok := s.conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	switch option {
	case OptionReceiveBuffer:
		return udp.SetReadBuffer(value)
	case OptionSendBuffer:
		return udp.SetWriteBuffer(value)
	}
	return nil
}

// Addr returns the bound local address.
func (s *ConnSocket) Addr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close stops the reader and closes the conn.
func (s *ConnSocket) Close() error {
	err := s.conn.Close()
	<-s.done
	return errors.Wrap(err, "snetsock: close")
}

var _ Socket = (*ConnSocket)(nil)
