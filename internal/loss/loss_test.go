package loss

import (
	"testing"
	"time"

	"github.com/lystra/bondsrt/internal/protocol"
)

func seq(v uint32) protocol.Seq { return protocol.NewSeq(v) }

func TestSenderListOrder(t *testing.T) {
	l := NewSender()

	l.Add(seq(7))
	l.Add(seq(5))
	l.Add(seq(6))
	l.Add(seq(5)) // duplicate

	if l.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", l.Len())
	}

	for _, want := range []uint32{5, 6, 7} {
		got, ok := l.PopNext()
		if !ok || got.Val() != want {
			t.Errorf("PopNext: got %d (%v), want %d", got.Val(), ok, want)
		}
	}
	if _, ok := l.PopNext(); ok {
		t.Error("PopNext on empty list should report false")
	}
}

func TestSenderListRemove(t *testing.T) {
	l := NewSender()
	l.AddRange(protocol.SeqRange{Start: seq(10), End: seq(14)})

	l.Remove(seq(12))
	if l.Len() != 4 {
		t.Errorf("Len after remove: got %d, want 4", l.Len())
	}

	l.RemoveUpTo(seq(13))
	if l.Len() != 2 { // 13, 14 remain
		t.Errorf("Len after RemoveUpTo: got %d, want 2", l.Len())
	}
}

func TestSenderListWraparound(t *testing.T) {
	l := NewSender()
	l.Add(seq(2))
	l.Add(seq(protocol.MaxSeq - 1)) // behind the wrap, smaller circularly

	got, _ := l.PopNext()
	if got.Val() != protocol.MaxSeq-1 {
		t.Errorf("PopNext across wrap: got %d, want %d", got.Val(), protocol.MaxSeq-1)
	}
}

func TestReceiverListMerge(t *testing.T) {
	l := NewReceiver()

	l.Add(seq(10), 0)
	l.Add(seq(12), 0)
	if got := len(l.Ranges()); got != 2 {
		t.Fatalf("ranges before merge: got %d, want 2", got)
	}

	l.Add(seq(11), 0) // bridges the two ranges
	ranges := l.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("ranges after merge: got %v", ranges)
	}
	if ranges[0].Start.Val() != 10 || ranges[0].End.Val() != 12 {
		t.Errorf("merged range: got %+v", ranges[0])
	}
}

func TestReceiverListSplit(t *testing.T) {
	l := NewReceiver()
	l.AddRange(protocol.SeqRange{Start: seq(20), End: seq(24)}, 0)

	l.Remove(seq(22))

	ranges := l.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("ranges after split: got %v", ranges)
	}
	if ranges[0].End.Val() != 21 || ranges[1].Start.Val() != 23 {
		t.Errorf("split bounds: got %v", ranges)
	}
	if l.Contains(seq(22)) {
		t.Error("removed seq should be gone")
	}
}

func TestReceiverListNAKPacing(t *testing.T) {
	l := NewReceiver()
	l.SetNAKInterval(10 * time.Millisecond) // -> max(40ms, 20ms) = 40ms

	now := uint64(0)
	l.AddRange(protocol.SeqRange{Start: seq(5), End: seq(6)}, now)

	if got := l.GetNAKRanges(now); len(got) != 1 {
		t.Fatalf("first NAK: got %v", got)
	}
	if got := l.GetNAKRanges(now + 1000); len(got) != 0 {
		t.Errorf("NAK before interval: got %v, want none", got)
	}

	now += 40_000
	if got := l.GetNAKRanges(now); len(got) != 1 {
		t.Errorf("NAK after interval: got %v, want 1", got)
	}

	// Exhaust the per-range budget.
	now += 40_000
	l.GetNAKRanges(now)
	now += 40_000
	if got := l.GetNAKRanges(now); len(got) != 0 {
		t.Errorf("NAK past budget: got %v, want none", got)
	}
}

func TestReceiverListMergeKeepsNAKBudget(t *testing.T) {
	l := NewReceiver()

	l.Add(seq(10), 0)
	l.GetNAKRanges(0) // nakCount 1 for [10,10]

	// Growing the range must not reset the budget.
	l.Add(seq(11), 0)
	if got := l.GetNAKRanges(1000); len(got) != 0 {
		t.Errorf("merged range should keep its NAK pacing, got %v", got)
	}
}

func TestReceiverListRemoveUpTo(t *testing.T) {
	l := NewReceiver()
	l.AddRange(protocol.SeqRange{Start: seq(10), End: seq(20)}, 0)

	l.RemoveUpTo(seq(15))

	ranges := l.Ranges()
	if len(ranges) != 1 || ranges[0].Start.Val() != 16 || ranges[0].End.Val() != 20 {
		t.Errorf("RemoveUpTo: got %v", ranges)
	}
}
