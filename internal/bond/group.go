package bond

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/randutil"

	"github.com/lystra/bondsrt/internal/conn"
	"github.com/lystra/bondsrt/internal/netio"
	"github.com/lystra/bondsrt/internal/protocol"
	"github.com/lystra/bondsrt/internal/util"
)

// Mode selects how the group spreads packets over its members.
type Mode int

const (
	Broadcast Mode = iota
	Backup
	Balancing
)

func (m Mode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case Backup:
		return "backup"
	case Balancing:
		return "balancing"
	}
	return "unknown"
}

// BalanceAlgo selects the member picker in balancing mode.
type BalanceAlgo int

const (
	// Weighted prefers members by estimated bandwidth over load.
	Weighted BalanceAlgo = iota
	// RoundRobin rotates through active members.
	RoundRobin
)

// Group errors, mapped onto the public API's typed error kinds.
var (
	ErrNoActiveMembers = errors.New("no active members")
	ErrClosed          = errors.New("group closed")
	ErrWouldBlock      = errors.New("would block")
)

// DefaultFailoverThreshold is how stale the backup primary may grow before
// the group promotes the next member.
const DefaultFailoverThreshold = 500 * time.Millisecond

// Config tunes a group and its member connections.
type Config struct {
	Conn conn.Config

	Balance           BalanceAlgo
	ReorderWindow     time.Duration // 0 = adaptive from member RTTs
	FailoverThreshold time.Duration
}

func (c *Config) normalize() {
	c.Conn.Normalize()
	if c.FailoverThreshold == 0 {
		c.FailoverThreshold = DefaultFailoverThreshold
	}
}

// FailoverEvent records one backup-mode primary change.
type FailoverEvent struct {
	At         time.Time
	OldPrimary uint32
	NewPrimary uint32
	Reason     string
}

// Endpoint names one member to connect.
type Endpoint struct {
	Remote   string // host:port
	Local    string // optional local bind, "" = ephemeral
	Priority int    // backup mode: lower value is preferred
}

type ingressItem struct {
	member  uint32
	seq     protocol.Seq
	payload []byte
	rtt     time.Duration
}

// Group owns 1..N member connections carrying one logical stream. The egress
// path assigns every chunk a sequence from the single group sequencer before
// fan-out; members never originate data sequences of their own.
type Group struct {
	mu sync.Mutex

	cfg   Config
	mode  Mode
	clock netio.Clock

	members []*member
	primary uint32 // backup mode
	rr      int    // round-robin cursor

	seqNext  atomic.Uint32 // group sequencer, 31-bit wrap on read
	msgNext  atomic.Uint32

	igMu  sync.Mutex // guards reasm; held only by the ingress coordinator and Stats
	reasm *Reassembler

	ingressCh chan ingressItem
	outQ      chan []byte
	outDrops  atomic.Uint64

	failovers []FailoverEvent
	sentOK    atomic.Uint64
	sendFail  atomic.Uint64

	listener *listenerState // non-nil on the listening side

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Connect dials one member per endpoint and returns the group. Members
// handshake in the background; WaitReady blocks until the first one is up.
func Connect(mode Mode, endpoints []Endpoint, cfg Config) (*Group, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoActiveMembers
	}
	cfg.normalize()

	g, err := newGroup(mode, cfg)
	if err != nil {
		return nil, err
	}

	isn := protocol.NewSeq(g.seqNext.Load())

	for _, ep := range endpoints {
		remote, err := netip.ParseAddrPort(ep.Remote)
		if err != nil {
			g.Close()
			return nil, err
		}

		local := ep.Local
		if local == "" {
			if remote.Addr().Is6() {
				local = "[::]:0"
			} else {
				local = "0.0.0.0:0"
			}
		}
		sock, err := netio.Bind(local, netio.SocketConfig{ReuseAddr: true})
		if err != nil {
			g.Close()
			return nil, err
		}

		c, err := conn.New(cfg.Conn, g.clock, true, remote)
		if err != nil {
			sock.Close()
			g.Close()
			return nil, err
		}
		c.SetISN(isn)
		c.SetGroupMode(true)
		c.SetGroupExtension(&protocol.GroupExtension{GroupID: g.seqNext.Load(), Mode: uint8(mode)})

		m := g.addMember(c, remote, ep.Priority, sock, nil)
		m.start(g)
		c.StartHandshake()
	}

	return g, nil
}

func newGroup(mode Mode, cfg Config) (*Group, error) {
	isn, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		cfg:       cfg,
		mode:      mode,
		clock:     netio.SystemClock,
		ingressCh: make(chan ingressItem, 1024),
		outQ:      make(chan []byte, 4096),
		ctx:       ctx,
		cancel:    cancel,
	}
	g.seqNext.Store(uint32(isn) & protocol.MaxSeq)

	window := cfg.ReorderWindow
	if window == 0 {
		window = 50 * time.Millisecond
	}
	g.reasm = NewReassembler(2*cfg.Conn.FlowWindow, window, g.deliver)

	go g.ingressLoop()
	return g, nil
}

// addMember registers a connection and wires its state notifications.
func (g *Group) addMember(c *conn.Conn, addr netip.AddrPort, priority int, own *netio.Socket, via *netio.Socket) *member {
	ctx, cancel := context.WithCancel(g.ctx)
	m := &member{
		id:       c.LocalID(),
		c:        c,
		addr:     addr,
		priority: priority,
		pacer:    netio.NewPacer(g.cfg.Conn.MaxBW, 0),
		sock:     own,
		sendVia:  via,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.OnStateChange(g.onMemberState)

	g.mu.Lock()
	g.members = append(g.members, m)
	if g.mode == Backup && g.primary == 0 {
		g.primary = m.id
	}
	g.mu.Unlock()
	return m
}

// RemoveMember closes and detaches one member.
func (g *Group) RemoveMember(id uint32) {
	g.mu.Lock()
	var victim *member
	for i, m := range g.members {
		if m.id == id {
			victim = m
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	needFailover := victim != nil && g.mode == Backup && g.primary == id
	g.mu.Unlock()

	if victim == nil {
		return
	}
	victim.c.Close()
	victim.stop()
	if needFailover {
		g.failover(id, "member removed")
	}
}

// WaitReady blocks until at least one member reaches CONNECTED.
func (g *Group) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if g.activeCount() > 0 {
			return nil
		}
		if g.closed.Load() {
			return ErrClosed
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ErrNoActiveMembers
}

func (g *Group) activeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.members {
		if m.c.State() == conn.StateConnected {
			n++
		}
	}
	return n
}

// onMemberState reacts to member lifecycle changes; the connection passes
// only its id, the group resolves it.
func (g *Group) onMemberState(id uint32, s conn.State, r conn.CloseReason) {
	if s < conn.StateClosing {
		return
	}

	util.LogInfo("group: member %08x -> %s (%s)", id, s, r)

	g.mu.Lock()
	isPrimary := g.mode == Backup && g.primary == id
	remaining := 0
	for _, m := range g.members {
		if m.c.State() < conn.StateClosing {
			remaining++
		}
	}
	g.mu.Unlock()

	if isPrimary {
		g.failover(id, r.String())
	}
	if remaining == 0 && !g.closed.Load() {
		util.LogWarning("group: all members down, closing")
		g.shutdown()
	}
}

// nextSeq draws from the group sequencer.
func (g *Group) nextSeq() protocol.Seq {
	return protocol.NewSeq(g.seqNext.Add(1) - 1)
}

func (g *Group) nextMsg() uint32 {
	return (g.msgNext.Add(1) - 1) & protocol.MaxMsgNumber
}

// Send fans payload out according to the group mode. Payloads larger than
// the member payload size are split into separately sequenced chunks.
func (g *Group) Send(payload []byte) error {
	if g.closed.Load() {
		return ErrClosed
	}

	chunkSize := g.cfg.Conn.PayloadSize
	for off := 0; off < len(payload) || off == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := g.sendChunk(payload[off:end]); err != nil {
			return err
		}
		if len(payload) == 0 {
			break
		}
	}
	return nil
}

func (g *Group) sendChunk(chunk []byte) error {
	seq := g.nextSeq()
	msg := g.nextMsg()

	switch g.mode {
	case Broadcast:
		return g.sendBroadcast(seq, chunk, msg)
	case Backup:
		return g.sendBackup(seq, chunk, msg)
	case Balancing:
		return g.sendBalancing(seq, chunk, msg)
	}
	return ErrNoActiveMembers
}

// sendBroadcast hands the identical chunk to every connected member. One
// acceptance makes the send successful; a slow or failed member never blocks
// the others.
func (g *Group) sendBroadcast(seq protocol.Seq, chunk []byte, msg uint32) error {
	g.mu.Lock()
	members := make([]*member, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()

	accepted := 0
	for _, m := range members {
		if m.c.State() != conn.StateConnected {
			continue
		}
		if err := m.c.SendChunkAt(seq, chunk, protocol.Solo, msg); err != nil {
			g.sendFail.Add(1)
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return ErrNoActiveMembers
	}
	g.sentOK.Add(1)
	return nil
}

// sendBackup uses the primary only, promoting the next member when the
// primary is gone or stale.
func (g *Group) sendBackup(seq protocol.Seq, chunk []byte, msg uint32) error {
	m := g.primaryMember()
	if m == nil || m.c.State() != conn.StateConnected || m.c.StaleFor() > g.cfg.FailoverThreshold {
		old := uint32(0)
		if m != nil {
			old = m.id
		}
		g.failover(old, "primary unavailable")
		if m = g.primaryMember(); m == nil {
			return ErrNoActiveMembers
		}
	}

	if err := m.c.SendChunkAt(seq, chunk, protocol.Solo, msg); err != nil {
		g.sendFail.Add(1)
		return ErrWouldBlock
	}
	g.sentOK.Add(1)
	return nil
}

func (g *Group) primaryMember() *member {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m.id == g.primary {
			return m
		}
	}
	return nil
}

// failover promotes the best remaining member: configured priority first,
// then lowest RTT. The old primary's in-flight window is re-pushed so the
// receiver sees no hole the retransmission path cannot close.
func (g *Group) failover(oldID uint32, reason string) {
	g.mu.Lock()

	var old *member
	var best *member
	for _, m := range g.members {
		if m.id == oldID {
			old = m
			continue
		}
		if m.c.State() != conn.StateConnected {
			continue
		}
		if best == nil {
			best = m
			continue
		}
		if m.priority < best.priority {
			best = m
			continue
		}
		if m.priority == best.priority {
			mRTT, _ := m.c.RTT()
			bRTT, _ := best.c.RTT()
			if mRTT < bRTT {
				best = m
			}
		}
	}

	if best == nil || g.primary == best.id {
		g.mu.Unlock()
		return
	}
	g.primary = best.id
	g.failovers = append(g.failovers, FailoverEvent{
		At:         time.Now(),
		OldPrimary: oldID,
		NewPrimary: best.id,
		Reason:     reason,
	})
	g.mu.Unlock()

	util.LogWarning("group: failover %08x -> %08x (%s)", oldID, best.id, reason)

	if old != nil {
		for _, chunk := range old.c.UnackedSlots() {
			if err := best.c.SendChunkAt(chunk.Seq, chunk.Payload, chunk.Boundary, chunk.MsgNumber); err != nil {
				break
			}
		}
	}
}

// sendBalancing picks one member per chunk.
func (g *Group) sendBalancing(seq protocol.Seq, chunk []byte, msg uint32) error {
	for attempts := 0; attempts < 4; attempts++ {
		m := g.pickBalanced()
		if m == nil {
			return ErrNoActiveMembers
		}
		if err := m.c.SendChunkAt(seq, chunk, protocol.Solo, msg); err == nil {
			g.sentOK.Add(1)
			return nil
		}
		g.sendFail.Add(1)
	}
	return ErrWouldBlock
}

// pickBalanced selects by estimated bandwidth over load, or round robin.
func (g *Group) pickBalanced() *member {
	g.mu.Lock()
	defer g.mu.Unlock()

	var active []*member
	for _, m := range g.members {
		if m.c.State() == conn.StateConnected {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return nil
	}

	if g.cfg.Balance == RoundRobin {
		g.rr++
		return active[g.rr%len(active)]
	}

	var best *member
	var bestScore float64
	for _, m := range active {
		stats := m.c.Stats()
		bw := float64(stats.BandwidthBps)
		if bw == 0 {
			bw = 1_000_000 // optimistic prior until the estimator warms up
		}
		score := bw / float64(1+m.c.InFlight())
		if best == nil || score > bestScore {
			best, bestScore = m, score
		}
	}
	return best
}

// ───────────────────────────────────────────────────────────────────────────
// Ingress
// ───────────────────────────────────────────────────────────────────────────

// deliver is the reassembler's sink; it runs under igMu.
func (g *Group) deliver(payload []byte) {
	select {
	case g.outQ <- payload:
	default:
		g.outDrops.Add(1)
	}
}

// ingressLoop is the coordinator: it owns the reassembler, feeds it every
// member's deliveries, flushes the reorder window and retunes it from the
// member RTTs once a second.
func (g *Group) ingressLoop() {
	flush := time.NewTicker(10 * time.Millisecond)
	retune := time.NewTicker(time.Second)
	defer flush.Stop()
	defer retune.Stop()

	for {
		select {
		case item := <-g.ingressCh:
			g.igMu.Lock()
			g.reasm.Push(item.seq, item.payload, item.member, item.rtt, g.clock.Now())
			g.igMu.Unlock()

		case <-flush.C:
			g.igMu.Lock()
			g.reasm.Flush(g.clock.Now())
			g.igMu.Unlock()

		case <-retune.C:
			if g.cfg.ReorderWindow == 0 {
				g.igMu.Lock()
				g.reasm.SetReorderWindow(g.adaptiveWindow())
				g.igMu.Unlock()
			}

		case <-g.ctx.Done():
			return
		}
	}
}

// adaptiveWindow derives the reorder window from the slowest member:
// max(rtt) + 2·max(rttvar) + 50ms.
func (g *Group) adaptiveWindow() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	var maxRTT, maxVar time.Duration
	for _, m := range g.members {
		rtt, rttVar := m.c.RTT()
		if rtt > maxRTT {
			maxRTT = rtt
		}
		if rttVar > maxVar {
			maxVar = rttVar
		}
	}
	return maxRTT + 2*maxVar + 50*time.Millisecond
}

// Recv returns the next in-order payload without blocking.
func (g *Group) Recv() ([]byte, error) {
	select {
	case payload := <-g.outQ:
		return payload, nil
	default:
	}
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return nil, ErrWouldBlock
}

// RecvWait blocks up to timeout for the next payload.
func (g *Group) RecvWait(timeout time.Duration) ([]byte, error) {
	select {
	case payload := <-g.outQ:
		return payload, nil
	case <-time.After(timeout):
		if g.closed.Load() {
			return nil, ErrClosed
		}
		return nil, ErrWouldBlock
	case <-g.ctx.Done():
		// Drain what arrived before the close.
		select {
		case payload := <-g.outQ:
			return payload, nil
		default:
			return nil, ErrClosed
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Stats and lifecycle
// ───────────────────────────────────────────────────────────────────────────

// MemberStats is the per-member slice of GroupStats.
type MemberStats struct {
	ID      uint32
	Addr    netip.AddrPort
	State   string
	Primary bool

	Sent          uint64
	Received      uint64
	Retransmitted uint64
	Dropped       uint64
	RTT           time.Duration
	RTTVar        time.Duration
	EstimatedBW   uint64
}

// Stats aggregates group, member, path and alignment statistics.
type Stats struct {
	Mode          string
	ActiveMembers int
	Members       []MemberStats
	Alignment     AlignmentStats
	Paths         []PathStats
	Failovers     []FailoverEvent
	OutQueueDrops uint64
	SendFailures  uint64
}

// GroupStats snapshots everything.
func (g *Group) GroupStats() Stats {
	g.mu.Lock()
	members := make([]*member, len(g.members))
	copy(members, g.members)
	primary := g.primary
	failovers := append([]FailoverEvent{}, g.failovers...)
	g.mu.Unlock()

	s := Stats{
		Mode:          g.mode.String(),
		Failovers:     failovers,
		OutQueueDrops: g.outDrops.Load(),
		SendFailures:  g.sendFail.Load(),
	}

	for _, m := range members {
		cs := m.c.Stats()
		state := m.c.State()
		if state == conn.StateConnected {
			s.ActiveMembers++
		}
		s.Members = append(s.Members, MemberStats{
			ID:            m.id,
			Addr:          m.addr,
			State:         state.String(),
			Primary:       g.mode == Backup && m.id == primary,
			Sent:          cs.PktSent,
			Received:      cs.PktRecv,
			Retransmitted: cs.PktRetrans,
			Dropped:       cs.PktDropped,
			RTT:           cs.RTT,
			RTTVar:        cs.RTTVar,
			EstimatedBW:   cs.BandwidthBps,
		})
	}

	g.igMu.Lock()
	s.Alignment = g.reasm.Stats()
	s.Paths = g.reasm.Tracker().All()
	g.igMu.Unlock()

	return s
}

// Close shuts the group down cooperatively: members send SHUTDOWN and drain,
// then the workers exit.
func (g *Group) Close() {
	if g.closed.Swap(true) {
		return
	}

	g.mu.Lock()
	members := make([]*member, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()

	for _, m := range members {
		m.c.Close()
	}

	// Give the TX workers a moment to flush the shutdown packets.
	time.Sleep(20 * time.Millisecond)
	g.shutdown()
}

func (g *Group) shutdown() {
	g.closed.Store(true)

	g.mu.Lock()
	members := make([]*member, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()

	for _, m := range members {
		m.c.Kill()
		m.stop()
	}
	if g.listener != nil {
		g.listener.stop()
	}
	g.cancel()
}

// LocalAddr returns the listening address, if this group is a listener.
func (g *Group) LocalAddr() (netip.AddrPort, bool) {
	if g.listener == nil {
		return netip.AddrPort{}, false
	}
	return g.listener.sock.LocalAddr(), true
}

// Mode returns the group mode.
func (g *Group) Mode() Mode { return g.mode }

// Closed reports whether the group is finished.
func (g *Group) Closed() bool { return g.closed.Load() }
