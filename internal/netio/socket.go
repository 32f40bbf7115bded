// Package netio wraps the OS UDP socket, the monotonic microsecond clock and
// the send pacer. Everything above this package talks datagrams and
// microseconds, never the net package directly.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by RecvFrom and SendTo when the operation cannot
// complete immediately. Callers retry after yielding; it is never surfaced to
// the application.
var ErrWouldBlock = errors.New("operation would block")

// SocketConfig carries the options applied before and after bind.
type SocketConfig struct {
	SendBuffer int  // bytes, 0 keeps the OS default
	RecvBuffer int  // bytes, 0 keeps the OS default
	ReuseAddr  bool
	ReusePort  bool
}

// Socket is a non-blocking UDP socket.
type Socket struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on addr with the given options. Reuse options are
// applied on the raw fd before bind so that several members can share a port.
func Bind(addr string, cfg SocketConfig) (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var optErr error
			err := c.Control(func(fd uintptr) {
				if cfg.ReuseAddr {
					optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				}
				if optErr == nil && cfg.ReusePort {
					optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return optErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	s := &Socket{conn: pc.(*net.UDPConn)}

	if cfg.SendBuffer > 0 {
		if err := s.SetSendBuffer(cfg.SendBuffer); err != nil {
			s.Close()
			return nil, err
		}
	}
	if cfg.RecvBuffer > 0 {
		if err := s.SetRecvBuffer(cfg.RecvBuffer); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// SendTo writes one datagram to addr. A full socket buffer maps to
// ErrWouldBlock.
func (s *Socket) SendTo(b []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(b, addr)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return ErrWouldBlock
		}
		return err
	}
	return nil
}

// RecvFrom waits up to wait for one datagram. When nothing arrives in time it
// returns ErrWouldBlock so the caller can observe cancellation between polls.
func (s *Socket) RecvFrom(buf []byte, wait time.Duration) (int, netip.AddrPort, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return 0, netip.AddrPort{}, err
	}

	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	return n, addr, nil
}

// SetSendBuffer sets SO_SNDBUF.
func (s *Socket) SetSendBuffer(n int) error {
	return s.conn.SetWriteBuffer(n)
}

// SetRecvBuffer sets SO_RCVBUF.
func (s *Socket) SetRecvBuffer(n int) error {
	return s.conn.SetReadBuffer(n)
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close releases the socket. In-flight RecvFrom calls return immediately.
func (s *Socket) Close() error {
	return s.conn.Close()
}
