package protocol

// MaxSeq is the largest 31-bit sequence number. Bit 31 of the first header
// word is the control/data discriminator, so sequence arithmetic is modulo 2³¹.
const MaxSeq uint32 = 0x7FFF_FFFF

// seqThreshold is half the sequence space. Comparisons between numbers whose
// circular distance reaches this are indeterminate and must be rejected.
const seqThreshold = 1 << 30

// Seq is a sequence number with 31-bit wraparound semantics. All operations
// are allocation-free; comparison is only defined while the two numbers are
// within half the sequence space of each other.
type Seq uint32

// NewSeq masks v to 31 bits.
func NewSeq(v uint32) Seq {
	return Seq(v & MaxSeq)
}

// Val returns the raw 31-bit value.
func (s Seq) Val() uint32 {
	return uint32(s)
}

// Next returns the sequence number following s.
func (s Seq) Next() Seq {
	return NewSeq(uint32(s) + 1)
}

// Add returns s advanced by n, which may be negative.
func (s Seq) Add(n int32) Seq {
	// Two's-complement wrap in 32 bits then masking to 31 bits is the same
	// as arithmetic modulo 2³¹ because 2³¹ divides 2³².
	return NewSeq(uint32(s) + uint32(n))
}

// Sub returns s moved back by n.
func (s Seq) Sub(n int32) Seq {
	return NewSeq(uint32(s) - uint32(n))
}

// DistanceTo returns the signed circular distance from s to other. Positive
// means other is ahead of s. The result lies in [-2³⁰, 2³⁰).
func (s Seq) DistanceTo(other Seq) int32 {
	d := (uint32(other) - uint32(s)) & MaxSeq
	if d < seqThreshold {
		return int32(d)
	}
	return int32(int64(d) - int64(MaxSeq) - 1)
}

// Comparable reports whether ordering between s and other is defined, i.e.
// their circular distance is strictly inside half the sequence space. A pair
// outside that window indicates a severely stale or hostile peer.
func (s Seq) Comparable(other Seq) bool {
	return s.DistanceTo(other) != -seqThreshold
}

func (s Seq) Lt(other Seq) bool  { return s.DistanceTo(other) > 0 }
func (s Seq) Lte(other Seq) bool { return s == other || s.Lt(other) }
func (s Seq) Gt(other Seq) bool  { return s.DistanceTo(other) < 0 }
func (s Seq) Gte(other Seq) bool { return s == other || s.Gt(other) }
