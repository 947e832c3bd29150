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

// Stats is the process-wide session traffic counter.
var Stats = &stats{}

type stats struct {
	ControlSent   atomic.Int64 // cumulative bytes written to the control channel
	ControlRecv   atomic.Int64 // cumulative bytes read from the control channel
	CandidatesOut atomic.Int64 // local media candidates relayed to the peer
	CandidatesIn  atomic.Int64 // remote media candidates received
	MediaRecv     atomic.Int64 // cumulative RTP payload bytes received
	MediaPackets  atomic.Int64 // cumulative RTP packets received
}

func (s *stats) AddControlSent(n int) { s.ControlSent.Add(int64(n)) }
func (s *stats) AddControlRecv(n int) { s.ControlRecv.Add(int64(n)) }
func (s *stats) AddCandidateOut()     { s.CandidatesOut.Add(1) }
func (s *stats) AddCandidateIn()      { s.CandidatesIn.Add(1) }

func (s *stats) AddMedia(n int) {
	s.MediaRecv.Add(int64(n))
	s.MediaPackets.Add(1)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevMedia, prevPackets, prevControl int64
		for {
			select {
			case <-ticker.C:
				media := Stats.MediaRecv.Load()
				packets := Stats.MediaPackets.Load()
				control := Stats.ControlSent.Load() + Stats.ControlRecv.Load()

				mediaS := float64(media-prevMedia) / 10.0
				controlS := float64(control-prevControl) / 10.0
				pktS := packets - prevPackets

				if pktS > 0 || controlS > 0 {
					pterm.DefaultLogger.Info(formatStats(mediaS, controlS, pktS,
						Stats.CandidatesOut.Load(), Stats.CandidatesIn.Load()))
				}

				prevMedia = media
				prevPackets = packets
				prevControl = control

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
// Candidate counts are cumulative: they show how many media candidates trickled each way.
func formatStats(mediaS, controlS float64, packets, candOut, candIn int64) string {
	return fmt.Sprintf("Media: %s/s | Control: %s/s | RTP: %5d pkts | Candidates: %d out / %d in",
		formatBytes(mediaS),
		formatBytes(controlS),
		packets,
		candOut,
		candIn,
	)
}
