//go:build linux

package snetsock

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// UDPSocket is the default Socket on Linux: a non-blocking AF_INET datagram
// socket driven with sendmsg/recvfrom/poll, so the service loop's wait maps
// directly onto the kernel.
type UDPSocket struct {
	fd    int
	local *net.UDPAddr
}

// NewUDPSocket creates and binds a UDP socket.  addr may be nil or have
// port 0 for an ephemeral port.
func NewUDPSocket(addr *net.UDPAddr) (*UDPSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "snetsock: socket")
	}

	sa := &unix.SockaddrInet4{}
	if addr != nil {
		sa.Port = addr.Port
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "snetsock: bind")
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "snetsock: getsockname")
	}
	inet4, ok := local.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, errors.New("snetsock: unexpected sockaddr family")
	}

	s := &UDPSocket{
		fd: fd,
		local: &net.UDPAddr{
			IP:   net.IPv4(inet4.Addr[0], inet4.Addr[1], inet4.Addr[2], inet4.Addr[3]),
			Port: inet4.Port,
		},
	}
	return s, nil
}

// Send gathers buffers into one datagram via sendmsg.
func (s *UDPSocket) Send(addr *net.UDPAddr, buffers [][]byte) (int, error) {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return 0, errors.New("snetsock: destination is not IPv4")
	}
	copy(sa.Addr[:], ip4)

	n, err := unix.SendmsgBuffers(s.fd, buffers, nil, sa, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "snetsock: sendmsg")
	}
	return n, nil
}

// Receive reads one datagram into buf.
func (s *UDPSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil, nil
		}
		return 0, nil, errors.Wrap(err, "snetsock: recvfrom")
	}

	inet4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, nil, errors.New("snetsock: unexpected source sockaddr family")
	}
	addr := &net.UDPAddr{
		IP:   net.IPv4(inet4.Addr[0], inet4.Addr[1], inet4.Addr[2], inet4.Addr[3]),
		Port: inet4.Port,
	}
	return n, addr, nil
}

// Wait polls the socket for the requested conditions.  A poll cut short by
// a signal reports WaitInterrupt rather than an error.
func (s *UDPSocket) Wait(conditions uint32, timeoutMS uint32) (uint32, error) {
	var events int16
	if conditions&WaitSend != 0 {
		events |= unix.POLLOUT
	}
	if conditions&WaitReceive != 0 {
		events |= unix.POLLIN
	}

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	n, err := unix.Poll(fds, int(timeoutMS))
	if err != nil {
		if err == unix.EINTR {
			return WaitInterrupt, nil
		}
		return WaitNone, errors.Wrap(err, "snetsock: poll")
	}
	if n == 0 {
		return WaitNone, nil
	}

	var result uint32
	if fds[0].Revents&unix.POLLOUT != 0 {
		result |= WaitSend
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		result |= WaitReceive
	}
	return result, nil
}

// SetOption applies a socket option.
func (s *UDPSocket) SetOption(option Option, value int) error {
	var err error
	switch option {
	case OptionNonblock:
		err = unix.SetNonblock(s.fd, value != 0)
	case OptionBroadcast:
		err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_BROADCAST, value)
	case OptionReceiveBuffer:
		err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, value)
	case OptionSendBuffer:
		err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, value)
	case OptionReuseAddress:
		err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, value)
	case OptionReceiveTimeout:
		err = unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, msToTimeval(value))
	case OptionSendTimeout:
		err = unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, msToTimeval(value))
	case OptionNoDelay:
		// Meaningless for UDP; accepted for interface compatibility.
	default:
		return errors.Errorf("snetsock: unknown option %d", option)
	}
	return errors.Wrap(err, "snetsock: setsockopt")
}

func msToTimeval(ms int) *unix.Timeval {
	return &unix.Timeval{
		Sec:  int64(ms / 1000),
		Usec: int64(ms%1000) * 1000,
	}
}

// Addr returns the bound local address.
func (s *UDPSocket) Addr() *net.UDPAddr { return s.local }

// Close closes the descriptor.
func (s *UDPSocket) Close() error {
	return errors.Wrap(unix.Close(s.fd), "snetsock: close")
}

var _ Socket = (*UDPSocket)(nil)
