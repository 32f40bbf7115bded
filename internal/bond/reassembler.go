// Package bond implements the bonding layer: a group fanning one logical
// stream over several member connections, and the receive-side reassembler
// that aligns, deduplicates and re-serialises packets from all members.
package bond

import (
	"time"

	"github.com/lystra/bondsrt/internal/protocol"
)

// AlignmentStats counts the fate of every packet entering the reassembler.
type AlignmentStats struct {
	Received   uint64 // unique packets accepted
	Delivered  uint64 // packets handed to the application in order
	Duplicates uint64 // arrivals of an already-seen sequence
	Stale      uint64 // arrivals behind the delivered cursor not seen before
	Lost       uint64 // sequences declared lost after the reorder window
	Forced     uint64 // cursor advances forced by window pressure
}

// DuplicationRate returns duplicates per accepted packet.
func (s AlignmentStats) DuplicationRate() float64 {
	if s.Received == 0 {
		return 0
	}
	return float64(s.Duplicates) / float64(s.Received)
}

// DeliveryEfficiency returns delivered per accepted packet.
func (s AlignmentStats) DeliveryEfficiency() float64 {
	if s.Received == 0 {
		return 0
	}
	return float64(s.Delivered) / float64(s.Received)
}

type reasmSlot struct {
	seq     protocol.Seq
	payload []byte
	arrival uint64
	seen    bool
}

// Reassembler aligns the shared sequence space across members. A packet is
// delivered the first time it arrives from any member; later copies are
// discarded. A missing sequence holds the cursor until a younger packet has
// waited out the reorder window, then it is declared lost.
type Reassembler struct {
	slots   []reasmSlot
	mask    uint32
	cursor  protocol.Seq // next seq owed to the application
	largest protocol.Seq
	primed  bool

	reorderWindow uint64 // microseconds

	tracker PathTracker
	stats   AlignmentStats

	out func(payload []byte)
}

// NewReassembler creates a reassembler with a window of capacity sequence
// numbers (two send windows, rounded to a power of two). out receives
// in-order payloads.
func NewReassembler(capacity int, reorderWindow time.Duration, out func([]byte)) *Reassembler {
	cap2 := 2
	for cap2 < capacity {
		cap2 <<= 1
	}
	return &Reassembler{
		slots:         make([]reasmSlot, cap2),
		mask:          uint32(cap2 - 1),
		reorderWindow: uint64(reorderWindow.Microseconds()),
		tracker:       NewPathTracker(),
		out:           out,
	}
}

func (r *Reassembler) index(seq protocol.Seq) uint32 {
	return seq.Val() & r.mask
}

// SetReorderWindow retunes the loss deadline; the group recomputes it every
// second from member RTT measurements.
func (r *Reassembler) SetReorderWindow(w time.Duration) {
	r.reorderWindow = uint64(w.Microseconds())
}

// ReorderWindow returns the current loss deadline.
func (r *Reassembler) ReorderWindow() time.Duration {
	return time.Duration(r.reorderWindow) * time.Microsecond
}

// Prime anchors the cursor at the sender's initial sequence number before
// the first packet arrives. Without it the first arrival anchors the cursor,
// which on a multi-path group may not be the lowest outstanding sequence.
func (r *Reassembler) Prime(seq protocol.Seq) {
	if r.primed {
		return
	}
	r.cursor = seq
	r.largest = seq
	r.primed = true
}

// Push processes one packet from member. It returns true when the packet is
// new, false for stale packets and duplicates.
func (r *Reassembler) Push(seq protocol.Seq, payload []byte, member uint32, rtt time.Duration, now uint64) bool {
	if !r.primed {
		// The first packet anchors the cursor; earlier sequences from other
		// members are already covered by it.
		r.cursor = seq
		r.largest = seq
		r.primed = true
	}

	if !r.cursor.Comparable(seq) || seq.Lt(r.cursor) {
		// A delivered slot keeps its sequence until reused, so a late copy
		// still inside the window counts as a duplicate.
		if old := &r.slots[r.index(seq)]; old.seen && old.seq == seq {
			r.stats.Duplicates++
		} else {
			r.stats.Stale++
		}
		r.tracker.Record(member, false, rtt)
		return false
	}

	// Window pressure: force the cursor forward until the new packet fits.
	for r.cursor.DistanceTo(seq) >= int32(len(r.slots)) {
		r.forceAdvance(now)
	}

	slot := &r.slots[r.index(seq)]
	if slot.seen && slot.seq == seq {
		r.stats.Duplicates++
		r.tracker.Record(member, false, rtt)
		return false
	}

	*slot = reasmSlot{seq: seq, payload: payload, arrival: now, seen: true}
	r.stats.Received++
	r.tracker.Record(member, true, rtt)

	if seq.Gt(r.largest) {
		r.largest = seq
	}

	r.deliverContiguous()
	return true
}

// deliverContiguous releases the in-order prefix.
func (r *Reassembler) deliverContiguous() {
	for {
		slot := &r.slots[r.index(r.cursor)]
		if !slot.seen || slot.seq != r.cursor {
			return
		}
		r.out(slot.payload)
		r.stats.Delivered++
		slot.payload = nil
		r.cursor = r.cursor.Next()
	}
}

// forceAdvance pushes the cursor one step when the window is out of room,
// delivering the slot if present and otherwise declaring it lost.
func (r *Reassembler) forceAdvance(now uint64) {
	slot := &r.slots[r.index(r.cursor)]
	if slot.seen && slot.seq == r.cursor {
		r.out(slot.payload)
		r.stats.Delivered++
		slot.payload = nil
	} else {
		r.stats.Lost++
	}
	r.stats.Forced++
	r.cursor = r.cursor.Next()
	r.deliverContiguous()
}

// Flush advances the cursor past gaps that have outstayed the reorder
// window: a missing sequence is abandoned once a younger packet has been
// waiting longer than the window. Called periodically by the ingress
// coordinator.
func (r *Reassembler) Flush(now uint64) {
	if !r.primed {
		return
	}

	for r.cursor.Lte(r.largest) {
		slot := &r.slots[r.index(r.cursor)]
		if slot.seen && slot.seq == r.cursor {
			r.out(slot.payload)
			r.stats.Delivered++
			slot.payload = nil
			r.cursor = r.cursor.Next()
			continue
		}

		next, ok := r.nextSeen()
		if !ok {
			return
		}
		waited := now - r.slots[r.index(next)].arrival
		if waited < r.reorderWindow {
			return
		}

		// Everything between cursor and the waiting packet is lost.
		for r.cursor.Lt(next) {
			r.stats.Lost++
			r.cursor = r.cursor.Next()
		}
	}
}

// nextSeen locates the first present sequence after the cursor.
func (r *Reassembler) nextSeen() (protocol.Seq, bool) {
	for seq := r.cursor.Next(); seq.Lte(r.largest); seq = seq.Next() {
		slot := &r.slots[r.index(seq)]
		if slot.seen && slot.seq == seq {
			return seq, true
		}
	}
	return 0, false
}

// Stats returns a copy of the alignment counters.
func (r *Reassembler) Stats() AlignmentStats {
	return r.stats
}

// Tracker exposes the per-path statistics.
func (r *Reassembler) Tracker() *PathTracker {
	return &r.tracker
}

// Cursor returns the next sequence owed to the application.
func (r *Reassembler) Cursor() protocol.Seq {
	return r.cursor
}
