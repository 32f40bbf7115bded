package conn

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/lystra/bondsrt/internal/buffer"
	"github.com/lystra/bondsrt/internal/loss"
	"github.com/lystra/bondsrt/internal/netio"
	"github.com/lystra/bondsrt/internal/protocol"
	"github.com/lystra/bondsrt/internal/util"
)

// State is the connection lifecycle state.
type State int

const (
	StateInit State = iota
	StateInduction
	StateConclusion
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateInduction:
		return "INDUCTION"
	case StateConclusion:
		return "CONCLUSION"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "unknown"
}

// CloseReason records why a connection left CONNECTED.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonLocalClose
	ReasonShutdown
	ReasonPeerTimeout
	ReasonProtocolError
	ReasonHandshakeTimeout
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalClose:
		return "local close"
	case ReasonShutdown:
		return "peer shutdown"
	case ReasonPeerTimeout:
		return "peer timeout"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonHandshakeTimeout:
		return "handshake timeout"
	}
	return "unknown"
}

// Errors surfaced by the send path.
var (
	ErrWouldBlock = errors.New("send buffer full")
	ErrClosed     = errors.New("connection closed")
	ErrNotReady   = errors.New("connection not established")
)

// Delivery is one unit of received data handed to the owner of the
// connection: a whole message, in order, on the single-path receive path, or
// one packet in arrival order in group mode. Seq is the sender's (group)
// sequence number.
type Delivery struct {
	Seq      protocol.Seq
	Boundary protocol.Boundary
	Payload  []byte
}

// Stats is a snapshot of the per-connection counters.
type Stats struct {
	PktSent       uint64
	PktRecv       uint64
	PktRetrans    uint64
	PktRecvRetrans uint64
	PktDropped    uint64 // sender TTL or retx-budget drops
	PktRecvDrop   uint64 // out-of-window, duplicate and undecodable inbound
	PktSentACK    uint64
	PktRecvACK    uint64
	PktSentNAK    uint64
	PktRecvNAK    uint64
	BytesSent     uint64
	BytesRecv     uint64

	RTT         time.Duration
	RTTVar      time.Duration
	BandwidthBps uint64
}

// Conn is one member connection. The RX worker feeds HandlePacket, the TX
// worker drains Outbox, and the timer worker calls Tick; all three serialise
// on the connection mutex. Outbound control and data share the outbox so the
// TX worker is the single writer on the socket.
type Conn struct {
	mu sync.Mutex

	cfg   Config
	clock netio.Clock
	start uint64 // clock at creation, timestamps are relative to it

	// identity
	localID    uint32
	remoteID   uint32
	remoteAddr netip.AddrPort
	isCaller   bool

	state      State
	reason     CloseReason
	ownISN     protocol.Seq
	peerISN    protocol.Seq

	hs handshakeState

	sb         *buffer.SendBuffer
	rb         *buffer.RecvBuffer
	senderLoss *loss.SenderList
	recvLoss   *loss.ReceiverList

	rtt    rttEstimator
	bw     bwEstimator
	acks   ackHistory
	latency time.Duration // negotiated TSBPD latency

	// tsbpd time base: local microseconds corresponding to sender ts 0
	tsbpdBase   int64
	tsbpdPrimed bool
	lastDataTS  uint32
	tsWrapAdd   int64

	msgCounter uint32

	// group transport: ordering and duplicate elimination belong to the
	// bonding reassembler, so the receive path forwards packets as they
	// arrive instead of gating on contiguity.
	groupMode  bool
	grpLargest protocol.Seq
	grpPrimed  bool

	// timers, all in conn-clock microseconds
	ackTimer   *netio.Timer
	lastRx     uint64
	lastKeep   uint64
	closingAt  uint64
	liteCount  int

	// decode-error circuit breaker window
	errWindowStart uint64
	errCount       int
	rxCount        int

	peerLinkPps uint32 // peer-reported link capacity, packets per second

	outbox     chan *protocol.Packet
	deliveries chan Delivery

	stats Stats

	// notify reports state changes to the owning group; the receiver only
	// gets this connection's id, never a reference.
	notify func(id uint32, s State, r CloseReason)
}

// New creates a connection. For callers remoteAddr is the peer; listeners
// fill it from the first handshake.
func New(cfg Config, clock netio.Clock, isCaller bool, remoteAddr netip.AddrPort) (*Conn, error) {
	cfg.Normalize()

	id, err := nonzeroRand()
	if err != nil {
		return nil, err
	}
	isn, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	c := &Conn{
		cfg:        cfg,
		clock:      clock,
		start:      now,
		localID:    id,
		remoteAddr: remoteAddr,
		isCaller:   isCaller,
		state:      StateInit,
		ownISN:     protocol.NewSeq(uint32(isn)),
		senderLoss: loss.NewSender(),
		recvLoss:   loss.NewReceiver(),
		rtt:        newRTTEstimator(),
		acks:       newAckHistory(),
		latency:    cfg.Latency,
		ackTimer:   netio.NewTimer(cfg.AckInterval, now),
		lastRx:     now,
		lastKeep:   now,
		errWindowStart: now,
		outbox:     make(chan *protocol.Packet, 256),
		deliveries: make(chan Delivery, 1024),
		notify:     func(uint32, State, CloseReason) {},
	}
	c.sb = buffer.NewSend(cfg.FlowWindow, c.ownISN)
	return c, nil
}

func nonzeroRand() (uint32, error) {
	for {
		v, err := randutil.CryptoUint64()
		if err != nil {
			return 0, err
		}
		if u := uint32(v); u != 0 {
			return u, nil
		}
	}
}

// SetISN overrides the initial sequence number before the handshake starts.
// A bonding group pins every member to the group sequencer's base this way.
func (c *Conn) SetISN(isn protocol.Seq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return
	}
	c.ownISN = isn
	c.sb = buffer.NewSend(c.cfg.FlowWindow, isn)
}

// InFlightChunk is a snapshot of one unacknowledged packet, used when a
// backup group re-pushes the old primary's in-flight data to its successor.
type InFlightChunk struct {
	Seq       protocol.Seq
	Payload   []byte
	Boundary  protocol.Boundary
	MsgNumber uint32
}

// UnackedSlots snapshots the unacknowledged window in sequence order.
func (c *Conn) UnackedSlots() []InFlightChunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []InFlightChunk
	for seq := c.sb.AckCursor(); seq.Lt(c.sb.NextSeq()); seq = seq.Next() {
		slot := c.sb.Get(seq)
		if slot == nil {
			continue
		}
		out = append(out, InFlightChunk{
			Seq:       slot.Seq,
			Payload:   slot.Payload,
			Boundary:  slot.Boundary,
			MsgNumber: slot.MsgNumber,
		})
	}
	return out
}

// SetGroupMode switches the receive path to subset delivery: packets go to
// the owning group as they arrive and the reassembler provides ordering.
// Must be called before the handshake completes.
func (c *Conn) SetGroupMode(on bool) {
	c.mu.Lock()
	c.groupMode = on
	c.mu.Unlock()
}

// OnStateChange installs the owner's notification hook.
func (c *Conn) OnStateChange(fn func(id uint32, s State, r CloseReason)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// LocalID returns this connection's socket id.
func (c *Conn) LocalID() uint32 { return c.localID }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReasonValue returns why the connection left CONNECTED.
func (c *Conn) CloseReasonValue() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Outbox is drained by the TX worker.
func (c *Conn) Outbox() <-chan *protocol.Packet { return c.outbox }

// Deliveries carries received data to the owner: in order on the single-path
// receive path, in arrival order in group mode.
func (c *Conn) Deliveries() <-chan Delivery { return c.deliveries }

// RTT returns the smoothed round-trip estimate.
func (c *Conn) RTT() (time.Duration, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.RTT(), c.rtt.Var()
}

// Latency returns the negotiated TSBPD latency.
func (c *Conn) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// InFlight returns the number of unacknowledged packets.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sb == nil {
		return 0
	}
	return c.sb.Len()
}

// PacedRate returns the rate the TX pacer should run at: the configured
// ceiling, raised when the peer reports more link capacity. Zero keeps the
// sender unpaced.
func (c *Conn) PacedRate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxBW == 0 {
		return 0
	}
	est := int64(c.peerLinkPps) * int64(c.cfg.MTU) * 8
	est += est / 4 // headroom over the estimate
	if est > c.cfg.MaxBW {
		return est
	}
	return c.cfg.MaxBW
}

// StaleFor returns how long ago the last packet arrived from the peer.
func (c *Conn) StaleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.clock.Now()-c.lastRx) * time.Microsecond
}

// Stats returns a snapshot of the counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.RTT = c.rtt.RTT()
	s.RTTVar = c.rtt.Var()
	s.BandwidthBps = c.bw.BitsPerSec()
	return s
}

// ts returns the 32-bit packet timestamp for now.
func (c *Conn) ts(now uint64) uint32 {
	return uint32(now - c.start)
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	util.LogDebug("[%08x] state %s -> %s", c.localID, prev, s)
	go c.notify(c.localID, s, c.reason)
}

// enqueue places a packet on the outbox, dropping with a warning when the TX
// worker has fallen hopelessly behind. Control packets are regenerated by
// their timers, data packets by the retransmission path.
func (c *Conn) enqueue(p *protocol.Packet) {
	select {
	case c.outbox <- p:
	default:
		util.LogWarning("[%08x] outbox full, dropping %v packet", c.localID, p.IsControl)
	}
}

func (c *Conn) sendCtrl(t protocol.CtrlType, typeSpecific uint32, cif []byte, now uint64) {
	c.enqueue(protocol.NewControl(t, typeSpecific, c.ts(now), c.remoteID, cif))
}

// ───────────────────────────────────────────────────────────────────────────
// Send path
// ───────────────────────────────────────────────────────────────────────────

// Send chunks payload into MTU-sized packets under one message number and
// queues them. It reports ErrWouldBlock when the send window has no room for
// the whole message.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		if c.state >= StateClosing {
			return ErrClosed
		}
		return ErrNotReady
	}

	chunks := (len(payload) + c.cfg.PayloadSize - 1) / c.cfg.PayloadSize
	if chunks == 0 {
		chunks = 1
	}
	if c.sb.Len()+chunks > c.sb.Capacity() {
		return ErrWouldBlock
	}

	now := c.clock.Now()
	msg := c.msgCounter
	c.msgCounter = (c.msgCounter + 1) & protocol.MaxMsgNumber

	for i := 0; i < chunks; i++ {
		lo := i * c.cfg.PayloadSize
		hi := lo + c.cfg.PayloadSize
		if hi > len(payload) {
			hi = len(payload)
		}

		boundary := protocol.Solo
		switch {
		case chunks == 1:
		case i == 0:
			boundary = protocol.First
		case i == chunks-1:
			boundary = protocol.Last
		default:
			boundary = protocol.Middle
		}

		seq, err := c.sb.Push(payload[lo:hi], boundary, msg, false, now)
		if err != nil {
			return ErrWouldBlock
		}
		c.emitData(seq, payload[lo:hi], boundary, msg, now, false)
	}
	return nil
}

// SendChunkAt queues one already-chunked packet under a group-assigned
// sequence number. The member buffer tolerates the gaps balancing mode
// leaves behind.
func (c *Conn) SendChunkAt(seq protocol.Seq, payload []byte, boundary protocol.Boundary, msgNumber uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		if c.state >= StateClosing {
			return ErrClosed
		}
		return ErrNotReady
	}

	now := c.clock.Now()
	if _, err := c.sb.PushAt(seq, payload, boundary, msgNumber, false, now); err != nil {
		return ErrWouldBlock
	}
	c.emitData(seq, payload, boundary, msgNumber, now, false)
	return nil
}

// emitData queues a data packet and updates send bookkeeping. Called with
// the lock held.
func (c *Conn) emitData(seq protocol.Seq, payload []byte, boundary protocol.Boundary, msg uint32, now uint64, retrans bool) {
	if slot := c.sb.Get(seq); slot != nil {
		slot.LastSendTime = now
		slot.SendCount++
	}

	p := protocol.NewData(seq, boundary, msg, c.ts(now), c.remoteID, payload)
	p.Retransmitted = retrans
	c.enqueue(p)

	c.stats.PktSent++
	c.stats.BytesSent += uint64(len(payload))
	if retrans {
		c.stats.PktRetrans++
		util.Stats.AddRetrans()
	}
	util.Stats.AddSent(len(payload))
}

// ───────────────────────────────────────────────────────────────────────────
// Receive path
// ───────────────────────────────────────────────────────────────────────────

// HandlePacket dispatches one decoded inbound packet.
func (c *Conn) HandlePacket(p *protocol.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.lastRx = now
	c.rxCount++

	if p.IsControl {
		c.handleControl(p, now)
		return
	}
	c.handleData(p, now)
}

// NoteDecodeError feeds the decode-error circuit breaker.
func (c *Conn) NoteDecodeError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCount++
	c.stats.PktRecvDrop++
}

func (c *Conn) handleData(p *protocol.Packet, now uint64) {
	if c.state != StateConnected {
		// Data before the handshake finished never reaches the application.
		c.stats.PktRecvDrop++
		util.Stats.AddNoHandshake()
		return
	}

	if p.Retransmitted {
		c.stats.PktRecvRetrans++
	}

	if c.groupMode {
		c.handleGroupData(p, now)
		return
	}

	// A jump past the previous largest seq opens a loss range. Before the
	// first packet the whole prefix from the read cursor counts.
	lossStart := c.rb.LargestSeen().Next()
	if !c.rb.Primed() {
		lossStart = c.rb.ReadCursor()
	}

	err := c.rb.Push(p, now)
	switch {
	case err == nil:
		c.stats.PktRecv++
		c.stats.BytesRecv += uint64(len(p.Payload))
		util.Stats.AddRecv(len(p.Payload))
		c.bw.onArrival(now, len(p.Payload)+protocol.HeaderSize)

		if p.Seq.Gt(lossStart) && c.rb.LargestSeen() == p.Seq {
			c.recvLoss.AddRange(protocol.SeqRange{Start: lossStart, End: p.Seq.Sub(1)}, now)
		}
		c.recvLoss.Remove(p.Seq)
		c.syncTSBPD(p.Timestamp, now)
		c.maybeLiteAck(now)
		c.drainReady(now)

	case errors.Is(err, buffer.ErrDuplicate), errors.Is(err, buffer.ErrOutOfWindow):
		c.stats.PktRecvDrop++

	default:
		c.stats.PktRecvDrop++
	}
}

// handleGroupData is the subset-delivery receive path. The member still
// detects gaps and drives NAKs, but forwards every accepted packet at once;
// a balancing or post-failover member legitimately sees only part of the
// group sequence space, so contiguity is the reassembler's business.
func (c *Conn) handleGroupData(p *protocol.Packet, now uint64) {
	seq := p.Seq

	if c.grpPrimed {
		if !c.grpLargest.Comparable(seq) {
			c.stats.PktRecvDrop++
			return
		}
		if d := seq.DistanceTo(c.grpLargest); d >= int32(2*c.cfg.FlowWindow) {
			// Far behind the window the reassembler keeps.
			c.stats.PktRecvDrop++
			return
		}
		if seq.Gt(c.grpLargest.Next()) {
			c.recvLoss.AddRange(protocol.SeqRange{Start: c.grpLargest.Next(), End: seq.Sub(1)}, now)
		}
		if seq.Gt(c.grpLargest) {
			c.grpLargest = seq
		}
	} else {
		// The first packet anchors the window; a backup member promoted
		// mid-stream starts wherever the sender is now.
		c.grpLargest = seq
		c.grpPrimed = true
	}

	c.recvLoss.Remove(seq)
	c.stats.PktRecv++
	c.stats.BytesRecv += uint64(len(p.Payload))
	util.Stats.AddRecv(len(p.Payload))
	c.bw.onArrival(now, len(p.Payload)+protocol.HeaderSize)
	c.syncTSBPD(p.Timestamp, now)
	c.maybeLiteAck(now)

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	select {
	case c.deliveries <- Delivery{Seq: seq, Boundary: p.Boundary, Payload: payload}:
	default:
		c.stats.PktRecvDrop++
		util.LogWarning("[%08x] delivery queue full, dropping seq %d", c.localID, seq.Val())
	}
}

// cumulativeAck is the sequence carried in outbound ACKs: everything before
// it has arrived or been given up on.
func (c *Conn) cumulativeAck() protocol.Seq {
	if !c.groupMode {
		return c.rb.CumulativeAck()
	}
	if !c.grpPrimed {
		return c.peerISN
	}
	if first, ok := c.recvLoss.First(); ok {
		return first
	}
	return c.grpLargest.Next()
}

func (c *Conn) availBuffer() uint32 {
	if c.groupMode || c.rb == nil {
		return uint32(c.cfg.FlowWindow)
	}
	return uint32(c.rb.Avail())
}

func (c *Conn) handleControl(p *protocol.Packet, now uint64) {
	switch p.CtrlType {
	case protocol.CtrlHandshake:
		c.handleHandshakePacket(p, now)

	case protocol.CtrlAck:
		c.handleAck(p, now)

	case protocol.CtrlAckAck:
		if sample, ok := c.acks.settle(p.TypeSpecific, now); ok {
			c.rtt.sample(sample)
			c.recvLoss.SetNAKInterval(c.rtt.RTT())
		}

	case protocol.CtrlNak:
		c.handleNak(p)

	case protocol.CtrlDropReq:
		if r, err := protocol.UnmarshalDropReq(p.Payload); err == nil {
			c.recvLoss.RemoveUpTo(r.End)
			if c.rb != nil {
				c.rb.Drop(r)
				c.drainReady(now)
			}
		}

	case protocol.CtrlShutdown:
		if c.state < StateClosing {
			c.reason = ReasonShutdown
			c.setState(StateClosing)
			c.closingAt = now
		}

	case protocol.CtrlKeepalive, protocol.CtrlCongestionWarn, protocol.CtrlPeerError, protocol.CtrlUserDefined:
		// Keepalives only refresh lastRx; the rest are acknowledged noise.
	}
}

func (c *Conn) handleAck(p *protocol.Packet, now uint64) {
	ack, err := protocol.UnmarshalAck(p.Payload)
	if err != nil {
		c.errCount++
		return
	}

	c.stats.PktRecvACK++

	if err := c.sb.AcknowledgeUpTo(ack.LastAcked); err != nil {
		// Acknowledging unsent data is not recoverable misbehaviour.
		util.LogWarning("[%08x] %v (ack %d)", c.localID, err, ack.LastAcked.Val())
		c.fail(ReasonProtocolError, now)
		return
	}
	c.sb.FlushAcknowledged()
	c.senderLoss.RemoveUpTo(ack.LastAcked)

	if !ack.IsLite {
		if ack.RTT > 0 {
			c.rtt.sample(uint64(ack.RTT))
		}
		if ack.LinkBW > 0 {
			c.peerLinkPps = ack.LinkBW
		}
		// Full ACKs are answered so the peer can measure its own RTT.
		c.sendCtrl(protocol.CtrlAckAck, p.TypeSpecific, nil, now)
	}
}

func (c *Conn) handleNak(p *protocol.Packet) {
	ranges, err := protocol.UnmarshalNak(p.Payload)
	if err != nil {
		c.errCount++
		return
	}
	if len(ranges) == 0 {
		return // empty NAK is a no-op
	}

	c.stats.PktRecvNAK++
	for _, r := range ranges {
		for seq := r.Start; ; seq = seq.Next() {
			if c.sb.Contains(seq) {
				c.senderLoss.Add(seq)
			}
			if seq == r.End {
				break
			}
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// TSBPD release
// ───────────────────────────────────────────────────────────────────────────

// syncTSBPD anchors the sender clock on first contact and unwraps the 32-bit
// timestamp afterwards.
func (c *Conn) syncTSBPD(ts uint32, now uint64) {
	if !c.tsbpdPrimed {
		c.tsbpdBase = int64(now) - int64(ts)
		c.tsbpdPrimed = true
		c.lastDataTS = ts
		return
	}
	// 32-bit wrap: a huge backwards jump means the sender clock rolled over.
	if ts < c.lastDataTS && c.lastDataTS-ts > 1<<31 {
		c.tsWrapAdd += int64(1) << 32
	}
	c.lastDataTS = ts
}

// releaseDue reports whether a packet stamped ts may be delivered at now.
func (c *Conn) releaseDue(ts uint32, now uint64) bool {
	if !c.tsbpdPrimed || c.latency == 0 {
		return true
	}
	release := c.tsbpdBase + c.tsWrapAdd + int64(ts) + c.latency.Microseconds()
	return int64(now) >= release
}

// drainReady moves every due, fully arrived message to the delivery channel.
// Called with the lock held.
func (c *Conn) drainReady(now uint64) {
	for {
		ts, ok := c.rb.PeekTimestamp()
		if !ok || !c.releaseDue(ts, now) {
			return
		}
		seq := c.rb.ReadCursor()
		payload := c.rb.PopMessage()
		if payload == nil {
			return
		}
		// Boundary is not re-read from the slot: group transport is a byte
		// stream of solo chunks and message mode pops through PopMessage.
		select {
		case c.deliveries <- Delivery{Seq: seq, Boundary: protocol.Solo, Payload: payload}:
		default:
			c.stats.PktRecvDrop++
			util.LogWarning("[%08x] delivery queue full, dropping seq %d", c.localID, seq.Val())
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Tick
// ───────────────────────────────────────────────────────────────────────────

// Tick runs the periodic obligations. The timer worker calls it at least
// every 10ms while the connection lives.
func (c *Conn) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	switch c.state {
	case StateInduction, StateConclusion:
		c.tickHandshake(now)
		return
	case StateConnected:
	case StateClosing:
		if now-c.closingAt >= uint64(c.cfg.LingerTimeout.Microseconds()) || c.sb.Len() == 0 {
			c.setState(StateClosed)
		}
		return
	default:
		return
	}

	// 1. periodic ACK
	if c.ackTimer.TryFire(now) {
		c.sendFullAck(now)
	}

	// 2. NAKs for eligible loss ranges
	c.sendNaks(now)
	if c.groupMode {
		c.recvLoss.ExpireStale(now)
	}

	// 3. retransmissions
	c.retransmit(now)

	// 3b. TTL expiry
	c.dropExpired(now)

	// 4. keepalive
	if now-c.lastRx >= uint64(c.cfg.Keepalive.Microseconds()) && now-c.lastKeep >= uint64(c.cfg.Keepalive.Microseconds()) {
		c.sendCtrl(protocol.CtrlKeepalive, 0, nil, now)
		c.lastKeep = now
	}

	// 5. peer idle timeout
	if now-c.lastRx >= uint64(c.cfg.PeerIdleTimeout.Microseconds()) {
		util.LogWarning("[%08x] peer idle for %s, closing", c.localID, time.Duration(now-c.lastRx)*time.Microsecond)
		c.fail(ReasonPeerTimeout, now)
		return
	}

	// decode-error circuit breaker, evaluated per second
	if now-c.errWindowStart >= 1_000_000 {
		if c.errCount > 8 && c.errCount*2 > c.rxCount+c.errCount {
			util.LogWarning("[%08x] %d undecodable of %d datagrams, closing", c.localID, c.errCount, c.rxCount+c.errCount)
			c.fail(ReasonProtocolError, now)
			return
		}
		c.errCount, c.rxCount = 0, 0
		c.errWindowStart = now
	}

	// TSBPD release driven by time, not only by arrivals
	if c.rb != nil {
		c.drainReady(now)
	}
}

func (c *Conn) sendFullAck(now uint64) {
	ackNo := c.acks.issue(now)
	ack := &protocol.Ack{
		LastAcked:   c.cumulativeAck(),
		RTT:         uint32(c.rtt.RTT().Microseconds()),
		RTTVar:      uint32(c.rtt.Var().Microseconds()),
		AvailBuffer: c.availBuffer(),
		RecvRate:    c.bw.PacketsPerSec(),
		LinkBW:      c.bw.PacketsPerSec(),
	}
	c.sendCtrl(protocol.CtrlAck, ackNo, protocol.MarshalAck(ack), now)
	c.stats.PktSentACK++
}

// maybeLiteAck runs on every accepted data packet and sends a lite ACK on
// every 64th call, between full ACKs from the timer.
func (c *Conn) maybeLiteAck(now uint64) {
	c.liteCount++
	if c.liteCount < 64 {
		return
	}
	c.liteCount = 0
	ack := &protocol.Ack{IsLite: true, LastAcked: c.cumulativeAck()}
	c.sendCtrl(protocol.CtrlAck, 0, protocol.MarshalAck(ack), now)
	c.stats.PktSentACK++
}

// sendNaks packs due loss ranges into NAK packets bounded by the MTU.
func (c *Conn) sendNaks(now uint64) {
	due := c.recvLoss.GetNAKRanges(now)
	if len(due) == 0 {
		return
	}

	// Two words per range, headroom for the header.
	perPacket := (c.cfg.MTU - 28 - protocol.HeaderSize) / 8
	for len(due) > 0 {
		n := len(due)
		if n > perPacket {
			n = perPacket
		}
		c.sendCtrl(protocol.CtrlNak, 0, protocol.MarshalNak(due[:n]), now)
		c.stats.PktSentNAK++
		due = due[n:]
	}
}

func (c *Conn) retransmit(now uint64) {
	interval := uint64(c.rtt.RTT().Microseconds() / 2)
	if min := uint64(minRetxInterval.Microseconds()); interval < min {
		interval = min
	}

	pending := c.senderLoss.Len()
	for i := 0; i < pending; i++ {
		seq, ok := c.senderLoss.PopNext()
		if !ok {
			return
		}

		slot := c.sb.Get(seq)
		if slot == nil {
			continue // already flushed or dropped
		}

		if now-slot.LastSendTime < interval {
			c.senderLoss.Add(seq)
			continue
		}

		if slot.SendCount > c.cfg.MaxRetx {
			c.abandon(protocol.SeqRange{Start: seq, End: seq}, now)
			continue
		}

		c.emitData(seq, slot.Payload, slot.Boundary, slot.MsgNumber, now, true)
	}
}

func (c *Conn) dropExpired(now uint64) {
	dropped := c.sb.DropExpired(now, c.cfg.SendTTL)
	if len(dropped) == 0 {
		return
	}

	// Consecutive drops collapse into ranges for the DROPREQ.
	start := dropped[0]
	prev := start
	for _, seq := range dropped[1:] {
		if seq == prev.Next() {
			prev = seq
			continue
		}
		c.abandon(protocol.SeqRange{Start: start, End: prev}, now)
		start, prev = seq, seq
	}
	c.abandon(protocol.SeqRange{Start: start, End: prev}, now)
}

// abandon tells the peer to skip a range this sender will never deliver.
func (c *Conn) abandon(r protocol.SeqRange, now uint64) {
	for seq := r.Start; ; seq = seq.Next() {
		c.senderLoss.Remove(seq)
		c.sb.Release(seq)
		c.stats.PktDropped++
		if seq == r.End {
			break
		}
	}
	c.sendCtrl(protocol.CtrlDropReq, 0, protocol.MarshalDropReq(r), now)
	util.LogDebug("[%08x] dropreq %d..%d", c.localID, r.Start.Val(), r.End.Val())
}

func (c *Conn) fail(reason CloseReason, now uint64) {
	c.reason = reason
	c.closingAt = now
	c.setState(StateClosing)
}

// Close starts the cooperative shutdown: SHUTDOWN is sent, the TX worker
// drains the send buffer for at most the linger timeout, then the workers
// exit.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= StateClosing {
		return
	}
	now := c.clock.Now()
	c.reason = ReasonLocalClose
	c.closingAt = now
	c.sendCtrl(protocol.CtrlShutdown, 0, protocol.MarshalShutdown(), now)
	c.setState(StateClosing)
}

// Kill discards everything immediately.
func (c *Conn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.reason == ReasonNone {
		c.reason = ReasonLocalClose
	}
	c.setState(StateClosed)
}
