package conn

import (
	"sort"
	"time"
)

// rttEstimator keeps the smoothed round-trip time and its variation, both in
// microseconds, from ACK→ACKACK samples.
type rttEstimator struct {
	rtt    uint64
	rttVar uint64
	primed bool
}

func newRTTEstimator() rttEstimator {
	// 100ms / 50ms priors until the first sample arrives.
	return rttEstimator{rtt: 100_000, rttVar: 50_000}
}

// sample folds one measurement in: rtt ← 7/8·rtt + 1/8·s, and the variation
// tracks the absolute deviation with a 3/4 weight.
func (e *rttEstimator) sample(us uint64) {
	if !e.primed {
		e.rtt = us
		e.rttVar = us / 2
		e.primed = true
		return
	}

	diff := int64(us) - int64(e.rtt)
	if diff < 0 {
		diff = -diff
	}
	e.rttVar = (e.rttVar*3 + uint64(diff)) / 4
	e.rtt = (e.rtt*7 + us) / 8
}

func (e *rttEstimator) RTT() time.Duration {
	return time.Duration(e.rtt) * time.Microsecond
}

func (e *rttEstimator) Var() time.Duration {
	return time.Duration(e.rttVar) * time.Microsecond
}

// bwEstimator derives link capacity from packet-pair arrival intervals: the
// median over a rolling window of sixteen samples.
const bwWindow = 16

type bwEstimator struct {
	intervals [bwWindow]uint64 // microseconds between consecutive arrivals
	idx       int
	count     int
	lastAt    uint64
	pktSize   int
}

// onArrival records a data packet arrival of size bytes at now.
func (e *bwEstimator) onArrival(now uint64, size int) {
	if e.lastAt != 0 && now > e.lastAt {
		e.intervals[e.idx] = now - e.lastAt
		e.idx = (e.idx + 1) % bwWindow
		if e.count < bwWindow {
			e.count++
		}
	}
	e.lastAt = now
	if size > 0 {
		e.pktSize = size
	}
}

// PacketsPerSec returns the estimated receive capacity in packets per second.
func (e *bwEstimator) PacketsPerSec() uint32 {
	med, ok := e.median()
	if !ok || med == 0 {
		return 0
	}
	return uint32(1_000_000 / med)
}

// BitsPerSec converts the packet rate with the last observed packet size.
func (e *bwEstimator) BitsPerSec() uint64 {
	return uint64(e.PacketsPerSec()) * uint64(e.pktSize) * 8
}

func (e *bwEstimator) median() (uint64, bool) {
	if e.count == 0 {
		return 0, false
	}
	window := make([]uint64, e.count)
	copy(window, e.intervals[:e.count])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	return window[e.count/2], true
}

// ackRecord remembers when a numbered full ACK left, for RTT measurement on
// the matching ACKACK.
type ackRecord struct {
	sentAt uint64
}

// ackHistory is a small ring of outstanding full ACKs.
type ackHistory struct {
	records map[uint32]ackRecord
	next    uint32
}

func newAckHistory() ackHistory {
	return ackHistory{records: make(map[uint32]ackRecord), next: 1}
}

// issue returns the ACK number for the next full ACK and records its send
// time.
func (h *ackHistory) issue(now uint64) uint32 {
	n := h.next
	h.next++
	h.records[n] = ackRecord{sentAt: now}

	// An unanswered ACK is abandoned once enough newer ones exist.
	if len(h.records) > 64 {
		for k := range h.records {
			if n-k > 64 {
				delete(h.records, k)
			}
		}
	}
	return n
}

// settle resolves an ACKACK, returning the round-trip sample.
func (h *ackHistory) settle(ackNo uint32, now uint64) (uint64, bool) {
	rec, ok := h.records[ackNo]
	if !ok {
		return 0, false
	}
	delete(h.records, ackNo)
	return now - rec.sentAt, true
}
