package bond

import (
	"bytes"
	"testing"
	"time"

	"github.com/lystra/bondsrt/internal/conn"
)

func testConfig() Config {
	return Config{
		Conn: conn.Config{
			Latency:     -1, // no TSBPD hold in tests
			PayloadSize: 128,
		},
	}
}

// startPair brings up a listener group and a connected sender group with the
// given number of paths to it.
func startPair(t *testing.T, mode Mode, paths int) (*Group, *Group) {
	t.Helper()

	rx, err := Listen("127.0.0.1:0", mode, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	addr, _ := rx.LocalAddr()
	eps := make([]Endpoint, paths)
	for i := range eps {
		eps[i] = Endpoint{Remote: addr.String(), Priority: i}
	}

	tx, err := Connect(mode, eps, testConfig())
	if err != nil {
		rx.Close()
		t.Fatal(err)
	}
	if err := tx.WaitReady(3 * time.Second); err != nil {
		tx.Close()
		rx.Close()
		t.Fatal(err)
	}

	t.Cleanup(func() {
		tx.Close()
		rx.Close()
	})
	return tx, rx
}

// waitMembers blocks until the sender reports n connected members.
func waitMembers(t *testing.T, g *Group, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g.activeCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d of %d members connected", g.activeCount(), n)
}

// collect reads from the receiving group until want bytes arrived or the
// timeout expires.
func collect(rx *Group, want int, timeout time.Duration) []byte {
	var out bytes.Buffer
	deadline := time.Now().Add(timeout)
	for out.Len() < want && time.Now().Before(deadline) {
		payload, err := rx.RecvWait(50 * time.Millisecond)
		if err != nil {
			continue
		}
		out.Write(payload)
	}
	return out.Bytes()
}

func TestGroupBroadcastTwoPaths(t *testing.T) {
	tx, rx := startPair(t, Broadcast, 2)
	waitMembers(t, tx, 2)

	var sent bytes.Buffer
	for i := 0; i < 100; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 100)
		sent.Write(chunk)
		if err := tx.Send(chunk); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	got := collect(rx, sent.Len(), 5*time.Second)
	if !bytes.Equal(got, sent.Bytes()) {
		t.Fatalf("stream mismatch: got %d bytes, want %d", len(got), sent.Len())
	}

	// Both paths delivered: nearly every packet arrived twice.
	stats := rx.GroupStats()
	if stats.Alignment.Received == 0 {
		t.Fatal("no packets through the reassembler")
	}
	if stats.Alignment.DuplicationRate() < 0.9 {
		t.Errorf("duplication rate: got %.2f, want > 0.9 (stats %+v)",
			stats.Alignment.DuplicationRate(), stats.Alignment)
	}
	if len(stats.Paths) != 2 {
		t.Errorf("paths seen: got %d, want 2", len(stats.Paths))
	}
}

func TestGroupBroadcastSurvivesMemberLoss(t *testing.T) {
	tx, rx := startPair(t, Broadcast, 2)
	waitMembers(t, tx, 2)

	// Kill one sender member mid-stream.
	var sent bytes.Buffer
	for i := 0; i < 60; i++ {
		if i == 20 {
			tx.mu.Lock()
			victim := tx.members[0]
			tx.mu.Unlock()
			victim.c.Kill()
		}
		chunk := bytes.Repeat([]byte{byte(i)}, 64)
		sent.Write(chunk)
		if err := tx.Send(chunk); err != nil {
			t.Fatalf("send %d after member loss: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	got := collect(rx, sent.Len(), 5*time.Second)
	if !bytes.Equal(got, sent.Bytes()) {
		t.Fatalf("stream corrupted after member loss: got %d bytes, want %d", len(got), sent.Len())
	}

	if tx.Closed() {
		t.Error("group must stay open while one member survives")
	}
	stats := tx.GroupStats()
	if stats.ActiveMembers != 1 {
		t.Errorf("active members: got %d, want 1", stats.ActiveMembers)
	}
}

func TestGroupBackupFailover(t *testing.T) {
	tx, rx := startPair(t, Backup, 2)
	waitMembers(t, tx, 2)

	first := tx.primaryMember()
	if first == nil {
		t.Fatal("backup group has no primary")
	}

	for i := 0; i < 10; i++ {
		if err := tx.Send([]byte("before")); err != nil {
			t.Fatal(err)
		}
	}

	// The primary dies; the group must promote the other member.
	first.c.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := tx.primaryMember(); p != nil && p.id != first.id {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	second := tx.primaryMember()
	if second == nil || second.id == first.id {
		t.Fatal("failover did not promote a new primary")
	}

	for i := 0; i < 10; i++ {
		if err := tx.Send([]byte("after!")); err != nil {
			t.Fatalf("send after failover: %v", err)
		}
	}

	stats := tx.GroupStats()
	if len(stats.Failovers) == 0 {
		t.Error("failover history is empty")
	}

	want := 10*len("before") + 10*len("after!")
	got := collect(rx, want, 5*time.Second)
	if len(got) < want {
		t.Errorf("received %d of %d bytes across failover", len(got), want)
	}
	_ = rx
}

func TestGroupBalancingRoundRobin(t *testing.T) {
	rx, err := Listen("127.0.0.1:0", Balancing, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	addr, _ := rx.LocalAddr()

	cfg := testConfig()
	cfg.Balance = RoundRobin
	tx, err := Connect(Balancing, []Endpoint{{Remote: addr.String()}, {Remote: addr.String()}}, cfg)
	if err != nil {
		rx.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { tx.Close(); rx.Close() })

	if err := tx.WaitReady(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	waitMembers(t, tx, 2)

	var sent bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 100)
		sent.Write(chunk)
		if err := tx.Send(chunk); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(rx, sent.Len(), 5*time.Second)
	if !bytes.Equal(got, sent.Bytes()) {
		t.Fatalf("balanced stream mismatch: got %d bytes, want %d", len(got), sent.Len())
	}

	// Both members carried traffic.
	stats := tx.GroupStats()
	for _, m := range stats.Members {
		if m.Sent == 0 {
			t.Errorf("member %08x carried no traffic", m.ID)
		}
	}

	// Balancing duplicates nothing.
	if rate := rx.GroupStats().Alignment.DuplicationRate(); rate != 0 {
		t.Errorf("duplication rate in balancing mode: got %.2f, want 0", rate)
	}
}

func TestGroupSendAfterClose(t *testing.T) {
	tx, _ := startPair(t, Broadcast, 1)
	tx.Close()

	if err := tx.Send([]byte("x")); err != ErrClosed {
		t.Errorf("send on closed group: got %v, want ErrClosed", err)
	}
	if _, err := tx.Recv(); err != ErrClosed {
		t.Errorf("recv on closed group: got %v, want ErrClosed", err)
	}
}
