// Package loss tracks missing packets on both sides of a connection: the
// sender keeps a flat retransmission queue fed by NAKs, the receiver keeps
// merged ranges with NAK pacing state.
package loss

import (
	"time"

	"github.com/lystra/bondsrt/internal/protocol"
)

// Receiver-side NAK pacing defaults.
const (
	MaxNAKPerRange  = 3
	MinNAKInterval  = 20 * time.Millisecond
	nakRTTMultiple  = 4
)

// SenderList is the retransmission queue. Sequences are kept sorted and
// unique; ranges are not merged because retransmission is packet by packet.
type SenderList struct {
	seqs []protocol.Seq
}

// NewSender creates an empty sender loss list.
func NewSender() *SenderList {
	return &SenderList{}
}

// Add inserts seq, keeping order and ignoring duplicates.
func (l *SenderList) Add(seq protocol.Seq) {
	i := l.search(seq)
	if i < len(l.seqs) && l.seqs[i] == seq {
		return
	}
	l.seqs = append(l.seqs, 0)
	copy(l.seqs[i+1:], l.seqs[i:])
	l.seqs[i] = seq
}

// AddRange inserts every sequence of r.
func (l *SenderList) AddRange(r protocol.SeqRange) {
	for seq := r.Start; ; seq = seq.Next() {
		l.Add(seq)
		if seq == r.End {
			return
		}
	}
}

// PopNext removes and returns the smallest sequence number.
func (l *SenderList) PopNext() (protocol.Seq, bool) {
	if len(l.seqs) == 0 {
		return 0, false
	}
	seq := l.seqs[0]
	l.seqs = l.seqs[1:]
	return seq, true
}

// Remove deletes seq, e.g. when a late ACK covers it.
func (l *SenderList) Remove(seq protocol.Seq) {
	i := l.search(seq)
	if i < len(l.seqs) && l.seqs[i] == seq {
		l.seqs = append(l.seqs[:i], l.seqs[i+1:]...)
	}
}

// RemoveUpTo drops every sequence before seq.
func (l *SenderList) RemoveUpTo(seq protocol.Seq) {
	i := 0
	for i < len(l.seqs) && l.seqs[i].Lt(seq) {
		i++
	}
	l.seqs = l.seqs[i:]
}

// Len returns the number of queued retransmissions.
func (l *SenderList) Len() int {
	return len(l.seqs)
}

func (l *SenderList) search(seq protocol.Seq) int {
	lo, hi := 0, len(l.seqs)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.seqs[mid].Lt(seq) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// rangeEntry is one merged loss range with NAK bookkeeping.
type rangeEntry struct {
	r protocol.SeqRange

	detectedAt  uint64 // microseconds
	lastNAKSent uint64
	nakSent     bool
	nakCount    int
}

// ReceiverList keeps detected losses as disjoint sorted ranges. Each range
// remembers when it last triggered a NAK and how often, bounding the NAK rate
// per loss.
type ReceiverList struct {
	entries []rangeEntry

	maxNAK      int
	nakInterval uint64 // microseconds
}

// NewReceiver creates a receiver loss list with default pacing.
func NewReceiver() *ReceiverList {
	return &ReceiverList{
		maxNAK:      MaxNAKPerRange,
		nakInterval: uint64(MinNAKInterval.Microseconds()),
	}
}

// SetNAKInterval adapts the pacing to the measured RTT:
// max(rtt*4, 20ms).
func (l *ReceiverList) SetNAKInterval(rtt time.Duration) {
	interval := rtt * nakRTTMultiple
	if interval < MinNAKInterval {
		interval = MinNAKInterval
	}
	l.nakInterval = uint64(interval.Microseconds())
}

// Add inserts a single lost sequence.
func (l *ReceiverList) Add(seq protocol.Seq, now uint64) {
	l.AddRange(protocol.SeqRange{Start: seq, End: seq}, now)
}

// AddRange inserts a loss range, merging with overlapping or adjacent ones.
// A merge keeps the earliest detection time and the highest NAK count so a
// grown range does not restart its NAK budget.
func (l *ReceiverList) AddRange(r protocol.SeqRange, now uint64) {
	merged := rangeEntry{r: r, detectedAt: now}
	var out []rangeEntry

	for _, e := range l.entries {
		if m, ok := tryMerge(merged.r, e.r); ok {
			merged.r = m
			if e.detectedAt < merged.detectedAt {
				merged.detectedAt = e.detectedAt
			}
			if e.nakCount > merged.nakCount {
				merged.nakCount = e.nakCount
				merged.lastNAKSent = e.lastNAKSent
				merged.nakSent = e.nakSent
			}
			continue
		}
		if e.r.Start.Lt(merged.r.Start) {
			out = append(out, e)
		} else {
			out = append(out, merged)
			merged = e
		}
	}

	l.entries = append(out, merged)
}

func tryMerge(a, b protocol.SeqRange) (protocol.SeqRange, bool) {
	// Overlapping or adjacent.
	if b.Start.Lte(a.End.Next()) && b.End.Gte(a.Start.Sub(1)) {
		m := a
		if b.Start.Lt(m.Start) {
			m.Start = b.Start
		}
		if b.End.Gt(m.End) {
			m.End = b.End
		}
		return m, true
	}
	return protocol.SeqRange{}, false
}

// Remove deletes seq from the list, splitting its range when it sits in the
// middle.
func (l *ReceiverList) Remove(seq protocol.Seq) {
	var out []rangeEntry

	for _, e := range l.entries {
		if !e.r.Contains(seq) {
			out = append(out, e)
			continue
		}
		if e.r.Single() {
			continue
		}
		if seq == e.r.Start {
			e.r.Start = e.r.Start.Next()
			out = append(out, e)
			continue
		}
		if seq == e.r.End {
			e.r.End = e.r.End.Sub(1)
			out = append(out, e)
			continue
		}
		left, right := e, e
		left.r.End = seq.Sub(1)
		right.r.Start = seq.Next()
		out = append(out, left, right)
	}

	l.entries = out
}

// RemoveUpTo drops everything at or before seq, trimming a range that spans
// the boundary. Used when a DROPREQ or cumulative ACK moves the stream head.
func (l *ReceiverList) RemoveUpTo(seq protocol.Seq) {
	var out []rangeEntry
	for _, e := range l.entries {
		if e.r.End.Lte(seq) {
			continue
		}
		if e.r.Start.Lte(seq) {
			e.r.Start = seq.Next()
		}
		out = append(out, e)
	}
	l.entries = out
}

// GetNAKRanges returns the ranges whose NAK is due: never sent, or older than
// the interval with the per-range budget not yet exhausted. Bookkeeping is
// updated for the returned ranges.
func (l *ReceiverList) GetNAKRanges(now uint64) []protocol.SeqRange {
	var due []protocol.SeqRange

	for i := range l.entries {
		e := &l.entries[i]
		if e.nakSent && (now-e.lastNAKSent < l.nakInterval || e.nakCount >= l.maxNAK) {
			continue
		}
		due = append(due, e.r)
		e.nakSent = true
		e.lastNAKSent = now
		e.nakCount++
	}

	return due
}

// First returns the smallest outstanding loss.
func (l *ReceiverList) First() (protocol.Seq, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[0].r.Start, true
}

// ExpireStale drops ranges whose NAK budget is spent and whose last NAK has
// gone unanswered for two more intervals. On a bonded subset path such gaps
// are phantom losses that would otherwise pin the cumulative
// acknowledgement forever.
func (l *ReceiverList) ExpireStale(now uint64) int {
	grace := 2 * l.nakInterval
	var out []rangeEntry
	expired := 0
	for _, e := range l.entries {
		if e.nakCount >= l.maxNAK && now-e.lastNAKSent >= grace {
			expired += e.r.Count()
			continue
		}
		out = append(out, e)
	}
	l.entries = out
	return expired
}

// Ranges returns the current loss ranges for inspection.
func (l *ReceiverList) Ranges() []protocol.SeqRange {
	out := make([]protocol.SeqRange, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.r
	}
	return out
}

// Contains reports whether seq is currently marked lost.
func (l *ReceiverList) Contains(seq protocol.Seq) bool {
	for _, e := range l.entries {
		if e.r.Contains(seq) {
			return true
		}
	}
	return false
}

// Len returns the total number of lost sequences.
func (l *ReceiverList) Len() int {
	n := 0
	for _, e := range l.entries {
		n += e.r.Count()
	}
	return n
}
