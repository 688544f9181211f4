// Package transport wraps a UDP socket with non-blocking-drain semantics:
// a would-block receive is treated as "no frame pending" so the engines
// can poll their sockets from a cooperative tick without ever stalling.
// SO_BROADCAST is required for sending CCIEFB/SLMP broadcasts;
// SO_REUSEADDR lets multiple master instances bind distinct IPs on the
// same host.
package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by RecvFrom when no datagram is currently
// available; callers drain in a loop until they see it.
var ErrWouldBlock = errors.New("transport: would block")

var logger = log.WithField("service", "transport")

// Socket is a UDP datagram socket with non-blocking receive semantics
// layered over net.UDPConn via a zero read deadline per attempt.
type Socket struct {
	conn *net.UDPConn
}

// Open binds a UDP socket to localAddr (IP may be net.IPv4zero to bind
// ANY) and enables SO_BROADCAST and SO_REUSEADDR. The options are
// applied before bind, so a socket bound to the master IP and a second
// one bound to ANY can share the same port.
func Open(localAddr *net.UDPAddr) (*Socket, error) {
	lc := net.ListenConfig{Control: setSockOpts}
	pc, err := lc.ListenPacket(context.Background(), "udp4", localAddr.String())
	if err != nil {
		return nil, err
	}
	s := &Socket{conn: pc.(*net.UDPConn)}
	logger.WithField("local_addr", s.LocalAddr()).Debug("socket opened")
	return s, nil
}

func setSockOpts(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes buf to addr. Callers treat any returned error as a
// dropped frame, not a fatal condition; the next tick retries or catches
// up.
func (s *Socket) SendTo(buf []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(buf, addr)
}

// RecvFrom attempts to read one datagram into buf without blocking. It
// returns ErrWouldBlock when nothing is currently pending.
func (s *Socket) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, addr, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Drain calls handle for every datagram currently pending on the socket,
// reusing buf as scratch space, until RecvFrom reports ErrWouldBlock or a
// real error.
func (s *Socket) Drain(buf []byte, handle func(data []byte, from *net.UDPAddr)) error {
	for {
		n, addr, err := s.RecvFrom(buf)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		handle(buf[:n], addr)
	}
}
