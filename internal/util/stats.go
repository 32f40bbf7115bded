package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter. Connections and groups update it
// alongside their own per-instance statistics.
var Stats = &stats{}

type stats struct {
	PktSent    atomic.Int64 // data packets handed to the socket since process start
	PktRecv    atomic.Int64 // data packets accepted from the socket since process start
	BytesSent  atomic.Int64 // payload bytes sent, retransmissions included
	BytesRecv  atomic.Int64 // payload bytes received, duplicates included
	Retrans    atomic.Int64 // retransmitted data packets
	NoHandshake atomic.Int64 // datagrams rejected before a completed handshake
}

func (s *stats) AddSent(n int)      { s.PktSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)      { s.PktRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRetrans()        { s.Retrans.Add(1) }
func (s *stats) AddNoHandshake()    { s.NoHandshake.Add(1) }
func (s *stats) RejectedNoHandshake() int64 { return s.NoHandshake.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transport statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				inS := float64(sent-prevSent) / 10.0
				outS := float64(recv-prevRecv) / 10.0

				if inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, Stats.Retrans.Load()))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, retrans int64) string {
	return fmt.Sprintf("Tx: %s/s | Rx: %s/s | Retrans: %d",
		formatBytes(inS),
		formatBytes(outS),
		retrans,
	)
}
