package bond

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/lystra/bondsrt/internal/conn"
	"github.com/lystra/bondsrt/internal/netio"
	"github.com/lystra/bondsrt/internal/protocol"
	"github.com/lystra/bondsrt/internal/util"
)

// Worker cadence. The timer tick is the floor of every per-connection
// interval; the recv poll bounds how late a worker notices cancellation.
const (
	tickInterval = 5 * time.Millisecond
	recvPoll     = 10 * time.Millisecond
)

// member is one path of a group: a connection plus its workers. Caller-side
// members own their socket; listener-side members share the listener's.
type member struct {
	id       uint32
	c        *conn.Conn
	addr     netip.AddrPort
	priority int
	pacer    *netio.Pacer

	sock   *netio.Socket // nil when sendVia is set
	sendVia *netio.Socket

	ctx    context.Context
	cancel context.CancelFunc
}

func (m *member) socket() *netio.Socket {
	if m.sock != nil {
		return m.sock
	}
	return m.sendVia
}

// start launches the TX, timer and delivery-forwarder workers, plus the RX
// worker when the member owns its socket.
func (m *member) start(g *Group) {
	if m.sock != nil {
		go m.rxLoop()
	}
	go m.txLoop()
	go m.timerLoop()
	go m.forwardLoop(g)
}

// rxLoop reads the member's own socket, decodes and dispatches. Listener
// members receive through the shared demux instead.
func (m *member) rxLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		if m.c.State() == conn.StateClosed {
			return
		}

		n, _, err := m.sock.RecvFrom(buf, recvPoll)
		if err != nil {
			if errors.Is(err, netio.ErrWouldBlock) {
				continue
			}
			return // socket closed
		}

		p, err := protocol.Decode(buf[:n])
		if err != nil {
			m.c.NoteDecodeError()
			continue
		}
		m.c.HandlePacket(p)
	}
}

// txLoop is the single writer on the socket for this member. Data packets
// pass the token bucket; control packets never wait behind it.
func (m *member) txLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case p := <-m.c.Outbox():
			data := protocol.Encode(p)
			if !p.IsControl {
				for !m.pacer.Consume(len(data)) {
					select {
					case <-m.ctx.Done():
						return
					case <-time.After(time.Millisecond):
					}
				}
			}
			if err := m.socket().SendTo(data, m.addr); err != nil && !errors.Is(err, netio.ErrWouldBlock) {
				util.LogDebug("[%08x] send to %s: %v", m.id, m.addr, err)
			}

		case <-ticker.C:
			if m.c.State() == conn.StateClosed {
				return
			}

		case <-m.ctx.Done():
			// Drain what the closing connection still owes the peer.
			for {
				select {
				case p := <-m.c.Outbox():
					m.socket().SendTo(protocol.Encode(p), m.addr)
				default:
					return
				}
			}
		}
	}
}

// timerLoop drives the connection's periodic obligations and retunes the
// pacer from the peer's capacity estimate about once a second.
func (m *member) timerLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			if m.c.State() == conn.StateClosed {
				return
			}
			m.c.Tick()

			ticks++
			if ticks%200 == 0 {
				if rate := m.c.PacedRate(); rate > 0 {
					m.pacer.SetRate(rate)
				}
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// forwardLoop moves the member's deliveries, which arrive in arrival order,
// into the group's ingress channel; the reassembler restores the order.
func (m *member) forwardLoop(g *Group) {
	for {
		select {
		case d := <-m.c.Deliveries():
			rtt, _ := m.c.RTT()
			select {
			case g.ingressCh <- ingressItem{member: m.id, seq: d.Seq, payload: d.Payload, rtt: rtt}:
			case <-g.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// stop cancels the workers and releases the member-owned socket.
func (m *member) stop() {
	m.cancel()
	if m.sock != nil {
		m.sock.Close()
	}
}
