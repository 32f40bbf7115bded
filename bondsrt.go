// Package bondsrt is a reliable, low-latency datagram transport over UDP
// modeled on the SRT wire protocol, with a bonding layer that fans one
// logical stream across several concurrent paths for redundancy and
// aggregate bandwidth.
//
// A sender connects a group with one member per path:
//
//	g, err := bondsrt.Connect(bondsrt.Broadcast, []bondsrt.Endpoint{
//		{Remote: "203.0.113.7:9000"},
//		{Remote: "203.0.113.7:9000", Local: "192.0.2.10:0"},
//	}, bondsrt.DefaultConfig())
//	if err != nil {
//		// handle error
//	}
//	defer g.Close()
//
//	err = g.Send(chunk)
//
// A receiver listens once and aggregates every path the sender opens:
//
//	g, err := bondsrt.Listen(":9000", bondsrt.Broadcast, bondsrt.DefaultConfig())
//
//	buf := make([]byte, 1500)
//	n, err := g.Recv(buf)
//
// All configuration goes through Config; the package reads no environment
// variables and persists nothing.
package bondsrt

import (
	"errors"
	"sync"
	"time"

	"github.com/lystra/bondsrt/internal/bond"
	"github.com/lystra/bondsrt/internal/conn"
)

// Mode selects how a group uses its members.
type Mode = bond.Mode

const (
	// Broadcast duplicates every packet on every member.
	Broadcast = bond.Broadcast
	// Backup sends on one primary and fails over to the next member.
	Backup = bond.Backup
	// Balancing spreads packets over members weighted by capacity.
	Balancing = bond.Balancing
)

// Endpoint names one member path to connect.
type Endpoint = bond.Endpoint

// BalanceAlgo selects the member picker in balancing mode.
type BalanceAlgo = bond.BalanceAlgo

const (
	// Weighted prefers members by estimated bandwidth over load.
	Weighted = bond.Weighted
	// RoundRobin rotates through active members.
	RoundRobin = bond.RoundRobin
)

// GroupStats is the snapshot returned by Stats.
type GroupStats = bond.Stats

// MemberStats is the per-member slice of GroupStats.
type MemberStats = bond.MemberStats

// FailoverEvent records one backup-mode primary change.
type FailoverEvent = bond.FailoverEvent

// Config tunes a group and its member connections.
type Config struct {
	// Latency is the TSBPD latency to negotiate. Negative disables the
	// delivery hold.
	Latency time.Duration
	// PayloadSize is the application bytes per packet; the default suits
	// MPEG-TS (1316 = 7 cells).
	PayloadSize int
	// FlowWindow is the send window in packets.
	FlowWindow int
	// MaxBW caps each member's send rate in bits per second; 0 is unpaced.
	MaxBW int64
	// ReorderWindow fixes the bonding reorder window; 0 selects the adaptive
	// policy (max member RTT + 2·max RTT variance + 50ms, retuned each
	// second).
	ReorderWindow time.Duration
	// FailoverThreshold is how stale the backup primary may grow before
	// promotion.
	FailoverThreshold time.Duration
	// Balance selects the balancing-mode member picker.
	Balance BalanceAlgo
	// ConnectTimeout bounds Connect's wait for the first member.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the live-media defaults.
func DefaultConfig() Config {
	return Config{ConnectTimeout: 3 * time.Second}
}

func (c Config) lower() bond.Config {
	return bond.Config{
		Conn: conn.Config{
			Latency:     c.Latency,
			PayloadSize: c.PayloadSize,
			FlowWindow:  c.FlowWindow,
			MaxBW:       c.MaxBW,
		},
		Balance:           c.Balance,
		ReorderWindow:     c.ReorderWindow,
		FailoverThreshold: c.FailoverThreshold,
	}
}

// Group is one bonded transport endpoint.
type Group struct {
	g *bond.Group

	mu      sync.Mutex
	pending []byte // remainder of a payload larger than the caller's buffer
}

// Connect dials one member per endpoint and waits for the first handshake to
// complete.
func Connect(mode Mode, endpoints []Endpoint, cfg Config) (*Group, error) {
	g, err := bond.Connect(mode, endpoints, cfg.lower())
	if err != nil {
		return nil, wrap(err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	if err := g.WaitReady(timeout); err != nil {
		g.Close()
		return nil, wrap(err)
	}
	return &Group{g: g}, nil
}

// Listen binds addr and accepts every member the sending group opens.
func Listen(addr string, mode Mode, cfg Config) (*Group, error) {
	g, err := bond.Listen(addr, mode, cfg.lower())
	if err != nil {
		return nil, wrap(err)
	}
	return &Group{g: g}, nil
}

// Send writes payload to the group according to its mode.
func (g *Group) Send(payload []byte) error {
	if err := g.g.Send(payload); err != nil {
		return wrap(err)
	}
	return nil
}

// Recv copies the next in-order bytes into buf without blocking. It returns
// a WouldBlock error while nothing is ready.
func (g *Group) Recv(buf []byte) (int, error) {
	return g.recv(buf, 0)
}

// RecvWait is Recv with a bounded wait.
func (g *Group) RecvWait(buf []byte, timeout time.Duration) (int, error) {
	return g.recv(buf, timeout)
}

func (g *Group) recv(buf []byte, timeout time.Duration) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) > 0 {
		n := copy(buf, g.pending)
		g.pending = g.pending[n:]
		return n, nil
	}

	var payload []byte
	var err error
	if timeout > 0 {
		payload, err = g.g.RecvWait(timeout)
	} else {
		payload, err = g.g.Recv()
	}
	if err != nil {
		return 0, wrap(err)
	}

	n := copy(buf, payload)
	if n < len(payload) {
		g.pending = payload[n:]
	}
	return n, nil
}

// Stats snapshots group, member, path and reassembly statistics.
func (g *Group) Stats() GroupStats {
	return g.g.GroupStats()
}

// Close shuts the group and every member down.
func (g *Group) Close() {
	g.g.Close()
}

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bond.ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, bond.ErrNoActiveMembers):
		return ErrNoActiveMembers
	case errors.Is(err, bond.ErrClosed):
		return ErrClosed
	case errors.Is(err, conn.ErrWouldBlock):
		return ErrWouldBlock
	case errors.Is(err, conn.ErrClosed):
		return ErrClosed
	default:
		return &Error{Kind: PeerError, Detail: err.Error()}
	}
}
