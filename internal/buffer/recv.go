package buffer

import (
	"errors"

	"github.com/lystra/bondsrt/internal/protocol"
)

var (
	// ErrDuplicate marks a packet whose slot is already filled.
	ErrDuplicate = errors.New("duplicate packet")

	// ErrOutOfWindow marks a packet before the read cursor or beyond the
	// buffer capacity. Counted and dropped, never fatal on its own.
	ErrOutOfWindow = errors.New("packet outside receive window")
)

type recvSlot struct {
	seq       protocol.Seq
	payload   []byte
	boundary  protocol.Boundary
	msgNumber uint32
	timestamp uint32 // sender timestamp, drives TSBPD release
	arrival   uint64
	occupied  bool
}

// RecvBuffer reorders inbound packets and reassembles messages. The read
// cursor is the next sequence number the application will consume; slots
// before it are free.
type RecvBuffer struct {
	slots      []recvSlot
	mask       uint32
	readCursor protocol.Seq
	largest    protocol.Seq
	haveAny    bool
}

// NewRecv creates a receive buffer expecting isn as the first sequence.
func NewRecv(capacity int, isn protocol.Seq) *RecvBuffer {
	capacity = nextPow2(capacity)
	return &RecvBuffer{
		slots:      make([]recvSlot, capacity),
		mask:       uint32(capacity - 1),
		readCursor: isn,
		largest:    isn,
	}
}

func (b *RecvBuffer) index(seq protocol.Seq) uint32 {
	return seq.Val() & b.mask
}

// Capacity returns the slot count.
func (b *RecvBuffer) Capacity() int {
	return len(b.slots)
}

// Avail returns how many more packets fit, reported to the peer in ACKs.
func (b *RecvBuffer) Avail() int {
	return len(b.slots) - int(b.readCursor.DistanceTo(b.largest))
}

// Push inserts a packet. The payload is copied; the caller may reuse its
// receive buffer. Duplicates and out-of-window packets are rejected.
func (b *RecvBuffer) Push(p *protocol.Packet, now uint64) error {
	seq := p.Seq

	if !b.readCursor.Comparable(seq) {
		return ErrOutOfWindow
	}
	d := b.readCursor.DistanceTo(seq)
	if d < 0 || d >= int32(len(b.slots)) {
		return ErrOutOfWindow
	}

	slot := &b.slots[b.index(seq)]
	if slot.occupied {
		return ErrDuplicate
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)

	*slot = recvSlot{
		seq:       seq,
		payload:   payload,
		boundary:  p.Boundary,
		msgNumber: p.MsgNumber,
		timestamp: p.Timestamp,
		arrival:   now,
		occupied:  true,
	}

	if !b.haveAny || seq.Gt(b.largest) {
		b.largest = seq
		b.haveAny = true
	}
	return nil
}

// HasReady reports whether a complete message starts at the read cursor.
func (b *RecvBuffer) HasReady() bool {
	_, ok := b.messageEnd()
	return ok
}

// PeekTimestamp returns the sender timestamp of the packet at the read
// cursor, used by the TSBPD release gate. ok is false when the slot is empty.
func (b *RecvBuffer) PeekTimestamp() (uint32, bool) {
	slot := &b.slots[b.index(b.readCursor)]
	if !slot.occupied || slot.seq != b.readCursor {
		return 0, false
	}
	return slot.timestamp, true
}

// messageEnd locates the last packet of the message starting at the read
// cursor, if every fragment is present.
func (b *RecvBuffer) messageEnd() (protocol.Seq, bool) {
	first := &b.slots[b.index(b.readCursor)]
	if !first.occupied || first.seq != b.readCursor {
		return 0, false
	}

	switch first.boundary {
	case protocol.Solo:
		return b.readCursor, true
	case protocol.First:
	default:
		// A message must open with First or Solo; a stray fragment here can
		// only follow a drop and is skipped as a solo unit.
		return b.readCursor, true
	}

	for seq := b.readCursor.Next(); ; seq = seq.Next() {
		if b.readCursor.DistanceTo(seq) >= int32(len(b.slots)) {
			return 0, false
		}
		slot := &b.slots[b.index(seq)]
		if !slot.occupied || slot.seq != seq || slot.msgNumber != first.msgNumber {
			return 0, false
		}
		if slot.boundary == protocol.Last {
			return seq, true
		}
		if slot.boundary != protocol.Middle {
			return 0, false
		}
	}
}

// PopMessage returns the next in-order message and frees its slots, or nil
// when the head of the stream has not fully arrived.
func (b *RecvBuffer) PopMessage() []byte {
	end, ok := b.messageEnd()
	if !ok {
		return nil
	}

	first := &b.slots[b.index(b.readCursor)]
	if first.boundary != protocol.First {
		msg := first.payload
		*first = recvSlot{}
		b.readCursor = b.readCursor.Next()
		return msg
	}

	size := 0
	for seq := b.readCursor; ; seq = seq.Next() {
		size += len(b.slots[b.index(seq)].payload)
		if seq == end {
			break
		}
	}

	msg := make([]byte, 0, size)
	for seq := b.readCursor; ; seq = seq.Next() {
		slot := &b.slots[b.index(seq)]
		msg = append(msg, slot.payload...)
		done := seq == end
		*slot = recvSlot{}
		if done {
			break
		}
	}
	b.readCursor = end.Next()
	return msg
}

// PopPacket returns the packet at the read cursor without waiting for
// message boundaries. ok is false while the head of the stream is missing.
func (b *RecvBuffer) PopPacket() (protocol.Seq, []byte, bool) {
	slot := &b.slots[b.index(b.readCursor)]
	if !slot.occupied || slot.seq != b.readCursor {
		return 0, nil, false
	}
	seq, payload := slot.seq, slot.payload
	*slot = recvSlot{}
	b.readCursor = b.readCursor.Next()
	return seq, payload, true
}

// LargestSeen returns the highest sequence number observed so far.
func (b *RecvBuffer) LargestSeen() protocol.Seq {
	return b.largest
}

// Primed reports whether any packet has been accepted yet.
func (b *RecvBuffer) Primed() bool {
	return b.haveAny
}

// CumulativeAck returns the first missing sequence at the head of the stream,
// the value carried by cumulative ACKs.
func (b *RecvBuffer) CumulativeAck() protocol.Seq {
	seq := b.readCursor
	for b.readCursor.DistanceTo(seq) < int32(len(b.slots)) {
		slot := &b.slots[b.index(seq)]
		if !slot.occupied || slot.seq != seq {
			return seq
		}
		seq = seq.Next()
	}
	return seq
}

// Gaps returns the missing ranges between the read cursor and the largest
// seen sequence; they feed the receiver loss list.
func (b *RecvBuffer) Gaps() []protocol.SeqRange {
	if !b.haveAny {
		return nil
	}

	var gaps []protocol.SeqRange
	var open bool
	var start protocol.Seq

	for seq := b.readCursor; seq.Lte(b.largest); seq = seq.Next() {
		slot := &b.slots[b.index(seq)]
		missing := !slot.occupied || slot.seq != seq
		if missing && !open {
			start, open = seq, true
		}
		if !missing && open {
			gaps = append(gaps, protocol.SeqRange{Start: start, End: seq.Sub(1)})
			open = false
		}
	}
	if open {
		gaps = append(gaps, protocol.SeqRange{Start: start, End: b.largest})
	}
	return gaps
}

// Drop advances the read cursor past a range the sender has abandoned,
// freeing any fragments that did arrive.
func (b *RecvBuffer) Drop(r protocol.SeqRange) {
	if !b.readCursor.Comparable(r.End) || r.End.Lt(b.readCursor) {
		return
	}
	for seq := b.readCursor; seq.Lte(r.End); seq = seq.Next() {
		slot := &b.slots[b.index(seq)]
		if slot.occupied && slot.seq == seq {
			*slot = recvSlot{}
		}
	}
	b.readCursor = r.End.Next()
	if b.largest.Lt(b.readCursor) {
		b.largest = b.readCursor
		b.haveAny = false
	}
}

// ReadCursor returns the next sequence the application expects.
func (b *RecvBuffer) ReadCursor() protocol.Seq {
	return b.readCursor
}
