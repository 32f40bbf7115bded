// Package buffer implements the sequence-indexed circular stores on both
// sides of a connection: the send buffer holding in-flight packets for
// retransmission and the receive buffer reassembling the inbound stream.
package buffer

import (
	"errors"
	"time"

	"github.com/lystra/bondsrt/internal/protocol"
)

var (
	// ErrFull is surfaced to the application as WouldBlock; data is never
	// silently dropped on the send side.
	ErrFull = errors.New("send buffer full")

	// ErrBadAck is raised when a peer acknowledges sequence numbers that were
	// never sent.
	ErrBadAck = errors.New("acknowledgement for unsent sequence")
)

// SendSlot is one in-flight packet. A slot is occupied from Push until the
// acknowledgement cursor moves past it or its TTL expires.
type SendSlot struct {
	Seq       protocol.Seq
	Payload   []byte
	Boundary  protocol.Boundary
	MsgNumber uint32
	InOrder   bool

	SubmitTime   uint64 // microseconds, clock of the owning connection
	LastSendTime uint64
	SendCount    int

	occupied bool
}

// SendBuffer stores unacknowledged packets at seq mod capacity. The slot map
// is sparse: with a group sequencer feeding several members, a member's
// buffer legitimately holds gaps.
type SendBuffer struct {
	slots     []SendSlot
	mask      uint32
	nextSeq   protocol.Seq
	ackCursor protocol.Seq
	occupied  int
}

// NewSend creates a send buffer starting at isn. Capacity is rounded up to a
// power of two.
func NewSend(capacity int, isn protocol.Seq) *SendBuffer {
	capacity = nextPow2(capacity)
	return &SendBuffer{
		slots:     make([]SendSlot, capacity),
		mask:      uint32(capacity - 1),
		nextSeq:   isn,
		ackCursor: isn,
	}
}

func nextPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (b *SendBuffer) index(seq protocol.Seq) uint32 {
	return seq.Val() & b.mask
}

// Capacity returns the slot count.
func (b *SendBuffer) Capacity() int {
	return len(b.slots)
}

// Len returns the width of the unacknowledged window in sequence numbers.
func (b *SendBuffer) Len() int {
	return int(b.ackCursor.DistanceTo(b.nextSeq))
}

// NextSeq returns the sequence number the next Push will assign.
func (b *SendBuffer) NextSeq() protocol.Seq {
	return b.nextSeq
}

// AckCursor returns the oldest unacknowledged sequence number.
func (b *SendBuffer) AckCursor() protocol.Seq {
	return b.ackCursor
}

// Push appends a packet at the next sequence number and returns it.
func (b *SendBuffer) Push(payload []byte, boundary protocol.Boundary, msgNumber uint32, inOrder bool, now uint64) (protocol.Seq, error) {
	return b.PushAt(b.nextSeq, payload, boundary, msgNumber, inOrder, now)
}

// PushAt stores a packet under an externally assigned sequence number, the
// path taken when a bonding group's sequencer owns the sequence space. The
// buffer tolerates gaps; seq must lie inside the window.
func (b *SendBuffer) PushAt(seq protocol.Seq, payload []byte, boundary protocol.Boundary, msgNumber uint32, inOrder bool, now uint64) (protocol.Seq, error) {
	if d := b.ackCursor.DistanceTo(seq); d < 0 || d >= int32(len(b.slots)) {
		// An idle member of a bonding group falls arbitrarily far behind the
		// shared sequence space; with nothing in flight the window simply
		// rebases to where the group is now.
		if b.occupied != 0 || d < 0 {
			return 0, ErrFull
		}
		b.ackCursor = seq
		b.nextSeq = seq
	}

	slot := &b.slots[b.index(seq)]
	if !slot.occupied {
		b.occupied++
	}
	*slot = SendSlot{
		Seq:        seq,
		Payload:    payload,
		Boundary:   boundary,
		MsgNumber:  msgNumber & protocol.MaxMsgNumber,
		InOrder:    inOrder,
		SubmitTime: now,
		occupied:   true,
	}

	if seq.Gte(b.nextSeq) {
		b.nextSeq = seq.Next()
	}
	return seq, nil
}

// Get returns the slot for retransmission, or nil once it has been flushed.
// The caller updates LastSendTime and SendCount under the connection lock.
func (b *SendBuffer) Get(seq protocol.Seq) *SendSlot {
	slot := &b.slots[b.index(seq)]
	if !slot.occupied || slot.Seq != seq {
		return nil
	}
	return slot
}

// AcknowledgeUpTo moves the cursor to seq, exclusive: every packet before seq
// is acknowledged. Acknowledging past the send edge is a protocol error.
func (b *SendBuffer) AcknowledgeUpTo(seq protocol.Seq) error {
	if !b.ackCursor.Comparable(seq) || b.nextSeq.Lt(seq) {
		return ErrBadAck
	}
	if seq.Lte(b.ackCursor) {
		return nil // stale cumulative ACK
	}
	b.ackCursor = seq
	return nil
}

// FlushAcknowledged frees every slot strictly older than the cursor and
// returns how many were released.
func (b *SendBuffer) FlushAcknowledged() int {
	count := 0
	for i := range b.slots {
		slot := &b.slots[i]
		if slot.occupied && slot.Seq.Lt(b.ackCursor) {
			*slot = SendSlot{}
			b.occupied--
			count++
		}
	}
	return count
}

// DropExpired frees slots older than ttl and returns their sequence numbers
// so the receiver can be told to skip them. Live media outruns a hopelessly
// lossy link instead of stalling behind it.
func (b *SendBuffer) DropExpired(now uint64, ttl time.Duration) []protocol.Seq {
	limit := uint64(ttl.Microseconds())
	var dropped []protocol.Seq

	for seq := b.ackCursor; seq.Lt(b.nextSeq); seq = seq.Next() {
		slot := &b.slots[b.index(seq)]
		if slot.occupied && slot.Seq == seq && now-slot.SubmitTime > limit {
			dropped = append(dropped, seq)
			*slot = SendSlot{}
			b.occupied--
		}
	}

	// Packets at the window tail that were dropped no longer hold the window
	// open.
	for b.ackCursor.Lt(b.nextSeq) {
		slot := &b.slots[b.index(b.ackCursor)]
		if slot.occupied && slot.Seq == b.ackCursor {
			break
		}
		b.ackCursor = b.ackCursor.Next()
	}

	return dropped
}

// Release frees one slot without acknowledgement, used when the sender
// abandons a packet past its retransmission budget.
func (b *SendBuffer) Release(seq protocol.Seq) {
	slot := &b.slots[b.index(seq)]
	if slot.occupied && slot.Seq == seq {
		*slot = SendSlot{}
		b.occupied--
	}
	for b.ackCursor.Lt(b.nextSeq) {
		head := &b.slots[b.index(b.ackCursor)]
		if head.occupied && head.Seq == b.ackCursor {
			break
		}
		b.ackCursor = b.ackCursor.Next()
	}
}

// Contains reports whether seq is inside the unacknowledged window.
func (b *SendBuffer) Contains(seq protocol.Seq) bool {
	return seq.Gte(b.ackCursor) && seq.Lt(b.nextSeq)
}
