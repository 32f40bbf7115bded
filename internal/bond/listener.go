package bond

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/lystra/bondsrt/internal/conn"
	"github.com/lystra/bondsrt/internal/netio"
	"github.com/lystra/bondsrt/internal/protocol"
	"github.com/lystra/bondsrt/internal/util"
)

// listenerState demuxes one listening socket to member connections keyed by
// peer address. Inductions are answered statelessly from the cookie source;
// a member only comes to life when a conclusion carries a valid cookie.
type listenerState struct {
	g    *Group
	sock *netio.Socket
	src  *conn.CookieSource
	id   uint32 // listener socket id used in stateless responses

	mu     sync.Mutex
	byAddr map[netip.AddrPort]*member

	done chan struct{}
}

// Listen binds addr and returns a group that accepts members into mode.
func Listen(addr string, mode Mode, cfg Config) (*Group, error) {
	cfg.normalize()

	g, err := newGroup(mode, cfg)
	if err != nil {
		return nil, err
	}

	sock, err := netio.Bind(addr, netio.SocketConfig{ReuseAddr: true})
	if err != nil {
		g.cancel()
		return nil, err
	}

	src, err := conn.NewCookieSource()
	if err != nil {
		sock.Close()
		g.cancel()
		return nil, err
	}

	l := &listenerState{
		g:      g,
		sock:   sock,
		src:    src,
		byAddr: make(map[netip.AddrPort]*member),
		done:   make(chan struct{}),
	}
	if l.id, err = listenerID(); err != nil {
		sock.Close()
		g.cancel()
		return nil, err
	}

	g.listener = l
	go l.rxLoop()

	util.LogInfo("listening on %s (%s mode)", sock.LocalAddr(), mode)
	return g, nil
}

func listenerID() (uint32, error) {
	for {
		v, err := randutil.CryptoUint64()
		if err != nil {
			return 0, err
		}
		if id := uint32(v); id != 0 {
			return id, nil
		}
	}
}

// rxLoop is the shared RX worker for every listener-side member.
func (l *listenerState) rxLoop() {
	buf := make([]byte, 65536)

	for {
		select {
		case <-l.done:
			return
		case <-l.g.ctx.Done():
			return
		default:
		}

		n, from, err := l.sock.RecvFrom(buf, recvPoll)
		if err != nil {
			if errors.Is(err, netio.ErrWouldBlock) {
				continue
			}
			return // socket closed
		}

		p, err := protocol.Decode(buf[:n])
		if err != nil {
			l.noteDecodeError(from)
			continue
		}

		l.dispatch(p, from)
	}
}

func (l *listenerState) memberFor(addr netip.AddrPort) *member {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byAddr[addr]
}

func (l *listenerState) noteDecodeError(from netip.AddrPort) {
	if m := l.memberFor(from); m != nil {
		m.c.NoteDecodeError()
	}
}

// dispatch routes one packet: established members get everything, strangers
// only make progress through the handshake.
func (l *listenerState) dispatch(p *protocol.Packet, from netip.AddrPort) {
	if m := l.memberFor(from); m != nil {
		m.c.HandlePacket(p)
		return
	}

	if !p.IsControl || p.CtrlType != protocol.CtrlHandshake {
		// Data without a handshake never surfaces to the application.
		util.Stats.AddNoHandshake()
		return
	}

	hs, err := protocol.UnmarshalHandshake(p.Payload)
	if err != nil {
		return
	}

	switch hs.ConnType {
	case protocol.ConnInduction:
		l.answerInduction(hs, from)
	case protocol.ConnConclusion:
		l.accept(p, hs, from)
	}
}

// answerInduction replies without allocating any per-caller state.
func (l *listenerState) answerInduction(hs *protocol.Handshake, from netip.AddrPort) {
	resp := &protocol.Handshake{
		Version:    protocol.HandshakeVersion5,
		Extension:  protocol.InductionResponseExtension(),
		InitialSeq: hs.InitialSeq,
		MTU:        uint32(l.g.cfg.Conn.MTU),
		FlowWindow: uint32(l.g.cfg.Conn.FlowWindow),
		ConnType:   protocol.ConnInduction,
		SocketID:   l.id,
		SynCookie:  l.src.Cookie(from, time.Now().Unix()),
		PeerAddr:   from.Addr(),
	}
	out := protocol.NewControl(protocol.CtrlHandshake, 0, 0, hs.SocketID, protocol.MarshalHandshake(resp))
	l.sock.SendTo(protocol.Encode(out), from)
}

// accept creates a member for a conclusion with a valid cookie.
func (l *listenerState) accept(p *protocol.Packet, hs *protocol.Handshake, from netip.AddrPort) {
	if !l.src.Valid(hs.SynCookie, from, time.Now().Unix()) {
		util.LogDebug("listener: cookie mismatch from %s, ignoring", from)
		return
	}

	c, err := conn.New(l.g.cfg.Conn, l.g.clock, false, from)
	if err != nil {
		util.LogError("listener: %v", err)
		return
	}
	c.SetGroupMode(true)
	c.AttachListener(l.src)
	c.HandlePacket(p)

	if c.State() != conn.StateConnected {
		c.Kill()
		return
	}

	m := l.g.addMember(c, from, 0, nil, l.sock)
	l.mu.Lock()
	l.byAddr[from] = m
	l.mu.Unlock()

	// Every member of one sending group shares the group sequencer's base.
	l.g.igMu.Lock()
	l.g.reasm.Prime(c.PeerISN())
	l.g.igMu.Unlock()

	m.start(l.g)

	util.LogInfo("listener: accepted member %08x from %s", m.id, from)
}

func (l *listenerState) stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.sock.Close()
}
