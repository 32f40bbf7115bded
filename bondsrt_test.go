package bondsrt

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Latency = -1 // deliver immediately in tests
	return cfg
}

// startPair brings up a listener and a sender group with n paths on
// loopback.
func startPair(t *testing.T, mode Mode, paths int) (*Group, *Group) {
	t.Helper()

	rx, err := Listen("127.0.0.1:0", mode, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	laddr, ok := rx.g.LocalAddr()
	if !ok {
		t.Fatal("listener has no local address")
	}

	eps := make([]Endpoint, paths)
	for i := range eps {
		eps[i] = Endpoint{Remote: laddr.String(), Priority: i}
	}

	tx, err := Connect(mode, eps, testConfig())
	if err != nil {
		rx.Close()
		t.Fatal(err)
	}

	t.Cleanup(func() { tx.Close(); rx.Close() })
	return tx, rx
}

// recvAll drains rx until want bytes have arrived or the deadline passes.
func recvAll(rx *Group, want int, timeout time.Duration) []byte {
	var out bytes.Buffer
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(timeout)
	for out.Len() < want && time.Now().Before(deadline) {
		n, err := rx.RecvWait(buf, 50*time.Millisecond)
		if err != nil {
			continue
		}
		out.Write(buf[:n])
	}
	return out.Bytes()
}

func TestEndToEndBroadcast(t *testing.T) {
	tx, rx := startPair(t, Broadcast, 2)

	// Wait for the second path before measuring duplication.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && tx.Stats().ActiveMembers < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(rand.Uint32())
	}

	for off := 0; off < len(payload); off += 1316 {
		end := off + 1316
		if end > len(payload) {
			end = len(payload)
		}
		if err := tx.Send(payload[off:end]); err != nil {
			t.Fatalf("send at %d: %v", off, err)
		}
	}

	got := recvAll(rx, len(payload), 10*time.Second)
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, sent %d; streams differ", len(got), len(payload))
	}

	stats := rx.Stats()
	if stats.Alignment.DuplicationRate() < 0.9 {
		t.Errorf("both paths should deliver: duplication rate %.2f", stats.Alignment.DuplicationRate())
	}
}

func TestMPEGTSAlignmentPreserved(t *testing.T) {
	tx, rx := startPair(t, Broadcast, 2)

	cell := bytes.Repeat([]byte{0x47}, 188)
	var sent bytes.Buffer
	for i := 0; i < 64; i++ {
		chunk := bytes.Repeat(cell, 7) // 1316 bytes, one packet
		sent.Write(chunk)
		if err := tx.Send(chunk); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	total := 0
	for total < sent.Len() && time.Now().Before(deadline) {
		n, err := rx.RecvWait(buf, 50*time.Millisecond)
		if err != nil {
			continue
		}
		if n%188 != 0 {
			t.Fatalf("read of %d bytes breaks TS cell alignment", n)
		}
		total += n
	}
	if total != sent.Len() {
		t.Fatalf("received %d of %d bytes", total, sent.Len())
	}
}

func TestRecvWouldBlock(t *testing.T) {
	rx, err := Listen("127.0.0.1:0", Broadcast, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	buf := make([]byte, 16)
	_, err = rx.Recv(buf)
	if !errors.Is(err, ErrWouldBlock) {
		t.Errorf("idle recv: got %v, want WouldBlock", err)
	}
}

func TestSendOnClosedGroup(t *testing.T) {
	tx, _ := startPair(t, Broadcast, 1)
	tx.Close()

	err := tx.Send([]byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: got %v, want Closed", err)
	}
}

func TestConnectNobodyListening(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 300 * time.Millisecond

	_, err := Connect(Broadcast, []Endpoint{{Remote: "127.0.0.1:1"}}, cfg)
	if err == nil {
		t.Fatal("connect with no listener must fail")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Errorf("error is not typed: %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	if ErrWouldBlock.Error() != "WouldBlock" {
		t.Errorf("kind word: got %q", ErrWouldBlock.Error())
	}
	detailed := &Error{Kind: Closed, Detail: "listener gone"}
	if !errors.Is(detailed, ErrClosed) {
		t.Error("errors.Is should match by kind")
	}
}
