package buffer

import (
	"bytes"
	"testing"

	"github.com/lystra/bondsrt/internal/protocol"
)

func dataPkt(seq uint32, boundary protocol.Boundary, msg uint32, payload string) *protocol.Packet {
	return protocol.NewData(protocol.NewSeq(seq), boundary, msg, 0, 0, []byte(payload))
}

func TestRecvBufferInOrder(t *testing.T) {
	b := NewRecv(16, protocol.NewSeq(0))

	if err := b.Push(dataPkt(0, protocol.Solo, 0, "message0"), 0); err != nil {
		t.Fatal(err)
	}

	if !b.HasReady() {
		t.Fatal("solo packet at the cursor should be ready")
	}
	if msg := b.PopMessage(); string(msg) != "message0" {
		t.Errorf("PopMessage: got %q", msg)
	}
	if b.HasReady() {
		t.Error("buffer should be empty after pop")
	}
	if b.ReadCursor().Val() != 1 {
		t.Errorf("read cursor: got %d, want 1", b.ReadCursor().Val())
	}
}

func TestRecvBufferOutOfOrder(t *testing.T) {
	b := NewRecv(16, protocol.NewSeq(0))

	b.Push(dataPkt(2, protocol.Solo, 2, "pkt2"), 0)
	b.Push(dataPkt(1, protocol.Solo, 1, "pkt1"), 0)

	if b.HasReady() {
		t.Fatal("nothing ready while seq 0 is missing")
	}

	b.Push(dataPkt(0, protocol.Solo, 0, "pkt0"), 0)

	var got []string
	for b.HasReady() {
		got = append(got, string(b.PopMessage()))
	}
	want := []string{"pkt0", "pkt1", "pkt2"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("delivery order: got %v, want %v", got, want)
		}
	}
}

func TestRecvBufferDuplicateAndWindow(t *testing.T) {
	b := NewRecv(16, protocol.NewSeq(100))

	if err := b.Push(dataPkt(100, protocol.Solo, 0, "x"), 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Push(dataPkt(100, protocol.Solo, 0, "x"), 0); err != ErrDuplicate {
		t.Errorf("duplicate: got %v, want ErrDuplicate", err)
	}

	// Last acceptable slot is readCursor + capacity - 1.
	if err := b.Push(dataPkt(100+uint32(b.Capacity())-1, protocol.Solo, 0, "edge"), 0); err != nil {
		t.Errorf("push at window edge: got %v", err)
	}
	if err := b.Push(dataPkt(100+uint32(b.Capacity()), protocol.Solo, 0, "past"), 0); err != ErrOutOfWindow {
		t.Errorf("push past window: got %v, want ErrOutOfWindow", err)
	}

	// Packets before the cursor are also out of window.
	if err := b.Push(dataPkt(99, protocol.Solo, 0, "old"), 0); err != ErrOutOfWindow {
		t.Errorf("push before cursor: got %v, want ErrOutOfWindow", err)
	}
}

func TestRecvBufferMessageReassembly(t *testing.T) {
	b := NewRecv(16, protocol.NewSeq(0))

	// Fragments arrive out of order: Last, First, Middle.
	b.Push(dataPkt(2, protocol.Last, 7, "cc"), 0)
	if b.HasReady() {
		t.Fatal("incomplete message must not be ready")
	}
	b.Push(dataPkt(0, protocol.First, 7, "aa"), 0)
	if b.HasReady() {
		t.Fatal("message missing its middle must not be ready")
	}
	b.Push(dataPkt(1, protocol.Middle, 7, "bb"), 0)

	if !b.HasReady() {
		t.Fatal("complete message should be ready")
	}
	if msg := b.PopMessage(); !bytes.Equal(msg, []byte("aabbcc")) {
		t.Errorf("reassembled message: got %q", msg)
	}
	if b.ReadCursor().Val() != 3 {
		t.Errorf("read cursor after message: got %d, want 3", b.ReadCursor().Val())
	}
}

func TestRecvBufferGaps(t *testing.T) {
	b := NewRecv(32, protocol.NewSeq(0))

	for _, seq := range []uint32{0, 3, 4, 8} {
		b.Push(dataPkt(seq, protocol.Solo, seq, "p"), 0)
	}

	gaps := b.Gaps()
	want := []protocol.SeqRange{
		{Start: protocol.NewSeq(1), End: protocol.NewSeq(2)},
		{Start: protocol.NewSeq(5), End: protocol.NewSeq(7)},
	}
	if len(gaps) != len(want) {
		t.Fatalf("gaps: got %v, want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap %d: got %+v, want %+v", i, gaps[i], want[i])
		}
	}

	if got := b.CumulativeAck(); got.Val() != 1 {
		t.Errorf("cumulative ack: got %d, want 1", got.Val())
	}
	if got := b.LargestSeen(); got.Val() != 8 {
		t.Errorf("largest seen: got %d, want 8", got.Val())
	}
}

func TestRecvBufferDrop(t *testing.T) {
	b := NewRecv(16, protocol.NewSeq(0))

	b.Push(dataPkt(5, protocol.Solo, 5, "five"), 0)

	// Sender gave up on 0..4.
	b.Drop(protocol.SeqRange{Start: protocol.NewSeq(0), End: protocol.NewSeq(4)})

	if b.ReadCursor().Val() != 5 {
		t.Fatalf("read cursor after drop: got %d, want 5", b.ReadCursor().Val())
	}
	if !b.HasReady() {
		t.Fatal("packet right after the dropped range should be ready")
	}
	if msg := b.PopMessage(); string(msg) != "five" {
		t.Errorf("PopMessage after drop: got %q", msg)
	}
}
