package buffer

import (
	"testing"
	"time"

	"github.com/lystra/bondsrt/internal/protocol"
)

func TestSendBufferPushGet(t *testing.T) {
	b := NewSend(16, protocol.NewSeq(1000))

	seq, err := b.Push([]byte("payload"), protocol.Solo, 1, false, 100)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Val() != 1000 {
		t.Errorf("first seq: got %d, want 1000", seq.Val())
	}
	if b.Len() != 1 {
		t.Errorf("Len: got %d, want 1", b.Len())
	}

	slot := b.Get(seq)
	if slot == nil {
		t.Fatal("Get returned nil for in-flight packet")
	}
	if string(slot.Payload) != "payload" {
		t.Errorf("payload: got %q", slot.Payload)
	}

	if b.Get(seq.Next()) != nil {
		t.Error("Get for unsent seq should return nil")
	}
}

func TestSendBufferFull(t *testing.T) {
	b := NewSend(16, protocol.NewSeq(0))

	for i := 0; i < b.Capacity(); i++ {
		if _, err := b.Push([]byte{byte(i)}, protocol.Solo, uint32(i), false, 0); err != nil {
			t.Fatalf("push %d of %d failed: %v", i, b.Capacity(), err)
		}
	}

	if _, err := b.Push([]byte{0xFF}, protocol.Solo, 99, false, 0); err != ErrFull {
		t.Errorf("push at capacity: got %v, want ErrFull", err)
	}
}

func TestSendBufferAckFlush(t *testing.T) {
	b := NewSend(16, protocol.NewSeq(0))

	var seqs []protocol.Seq
	for i := 0; i < 3; i++ {
		seq, _ := b.Push([]byte{byte(i)}, protocol.Solo, uint32(i), false, 0)
		seqs = append(seqs, seq)
	}

	// ACK up to seq 2 (exclusive): packets 0 and 1 are acknowledged.
	if err := b.AcknowledgeUpTo(seqs[2]); err != nil {
		t.Fatal(err)
	}
	if flushed := b.FlushAcknowledged(); flushed != 2 {
		t.Errorf("flushed: got %d, want 2", flushed)
	}

	if b.Get(seqs[0]) != nil || b.Get(seqs[1]) != nil {
		t.Error("flushed slots should be gone")
	}
	if b.Get(seqs[2]) == nil {
		t.Error("unacknowledged slot should remain")
	}
}

func TestSendBufferBadAck(t *testing.T) {
	b := NewSend(16, protocol.NewSeq(100))
	b.Push([]byte{1}, protocol.Solo, 0, false, 0)

	if err := b.AcknowledgeUpTo(protocol.NewSeq(500)); err != ErrBadAck {
		t.Errorf("ACK beyond send edge: got %v, want ErrBadAck", err)
	}
	// A stale ACK is ignored, not an error.
	if err := b.AcknowledgeUpTo(protocol.NewSeq(100)); err != nil {
		t.Errorf("stale ACK: got %v, want nil", err)
	}
}

func TestSendBufferDropExpired(t *testing.T) {
	b := NewSend(16, protocol.NewSeq(0))

	b.Push([]byte{0}, protocol.Solo, 0, false, 0)
	b.Push([]byte{1}, protocol.Solo, 1, false, 0)
	b.Push([]byte{2}, protocol.Solo, 2, false, 900_000)

	dropped := b.DropExpired(1_000_000, 500*time.Millisecond)
	if len(dropped) != 2 {
		t.Fatalf("dropped: got %d seqs, want 2", len(dropped))
	}
	if dropped[0].Val() != 0 || dropped[1].Val() != 1 {
		t.Errorf("dropped seqs: got %v", dropped)
	}

	// The window tail advanced past the dropped packets.
	if b.AckCursor().Val() != 2 {
		t.Errorf("ack cursor after drop: got %d, want 2", b.AckCursor().Val())
	}
	if b.Get(protocol.NewSeq(2)) == nil {
		t.Error("fresh packet should survive the TTL sweep")
	}
}

// TestSendBufferOccupancyInvariant drives a mixed operation sequence and
// checks that exactly the window [ackCursor, nextSeq) is occupied.
func TestSendBufferOccupancyInvariant(t *testing.T) {
	b := NewSend(32, protocol.NewSeq(protocol.MaxSeq-5)) // start near the wrap

	check := func(stage string) {
		t.Helper()
		for seq := b.AckCursor(); seq.Lt(b.NextSeq()); seq = seq.Next() {
			if b.Get(seq) == nil {
				t.Fatalf("%s: seq %d inside window but not occupied", stage, seq.Val())
			}
		}
		if got := b.Get(b.NextSeq()); got != nil {
			t.Fatalf("%s: slot past the window is occupied", stage)
		}
	}

	for i := 0; i < 12; i++ {
		if _, err := b.Push([]byte{byte(i)}, protocol.Solo, uint32(i), false, 0); err != nil {
			t.Fatal(err)
		}
		check("push")
	}

	mid := protocol.NewSeq(protocol.MaxSeq - 5).Add(6)
	if err := b.AcknowledgeUpTo(mid); err != nil {
		t.Fatal(err)
	}
	b.FlushAcknowledged()
	check("ack+flush")

	for i := 0; i < 8; i++ {
		if _, err := b.Push([]byte{byte(i)}, protocol.Solo, uint32(i), false, 0); err != nil {
			t.Fatal(err)
		}
		check("refill")
	}
}

func TestSendBufferPushAtGap(t *testing.T) {
	// A balancing-mode member sees only part of the group sequence space.
	b := NewSend(16, protocol.NewSeq(0))

	if _, err := b.PushAt(protocol.NewSeq(0), []byte{0}, protocol.Solo, 0, false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.PushAt(protocol.NewSeq(5), []byte{5}, protocol.Solo, 5, false, 0); err != nil {
		t.Fatal(err)
	}

	if b.NextSeq().Val() != 6 {
		t.Errorf("next seq after gap push: got %d, want 6", b.NextSeq().Val())
	}
	if b.Get(protocol.NewSeq(3)) != nil {
		t.Error("gap slot should be unoccupied")
	}
	if b.Get(protocol.NewSeq(5)) == nil {
		t.Error("pushed slot should be found")
	}
}
