package video

import (
	"time"

	"github.com/sirupsen/logrus"
)

// stageStatsWindow is the rolling interval over which pipeline stage
// timings are aggregated and logged.
const stageStatsWindow = time.Second

// StageSnapshot is one completed window of assembly pipeline timings.
type StageSnapshot struct {
	// Frames is the number of frames delivered in the window.
	Frames uint32
	// Drops is the number of flush attempts that produced no frame.
	Drops uint32
	// AvgAssemble is the mean time from a frame's first unit to its flush.
	AvgAssemble time.Duration
	// AvgSubmit is the mean time spent inside the delivery callback.
	AvgSubmit time.Duration
}

// stageStats accumulates per-window pipeline timings. It is driven by the
// packet path and needs no locking.
type stageStats struct {
	windowStart   time.Time
	assembleTotal time.Duration
	submitTotal   time.Duration
	frames        uint32
	drops         uint32

	last StageSnapshot
}

func (s *stageStats) observeDelivered(assemble time.Duration) {
	s.frames++
	s.assembleTotal += assemble
}

func (s *stageStats) observeSubmit(d time.Duration) {
	s.submitTotal += d
}

func (s *stageStats) observeDrop() {
	s.drops++
}

// tick rolls the window over once stageStatsWindow has elapsed, logging and
// snapshotting the finished window.
func (s *stageStats) tick(now time.Time) {
	if s.windowStart.IsZero() {
		s.windowStart = now
		return
	}
	if now.Sub(s.windowStart) < stageStatsWindow {
		return
	}

	snap := StageSnapshot{
		Frames: s.frames,
		Drops:  s.drops,
	}
	if s.frames > 0 {
		snap.AvgAssemble = s.assembleTotal / time.Duration(s.frames)
		snap.AvgSubmit = s.submitTotal / time.Duration(s.frames)
	}
	s.last = snap

	logrus.WithFields(logrus.Fields{
		"function":        "tick",
		"frames":          snap.Frames,
		"drops":           snap.Drops,
		"avg_assemble_ms": snap.AvgAssemble.Milliseconds(),
		"avg_submit_ms":   snap.AvgSubmit.Milliseconds(),
	}).Debug("Video pipeline stage window")

	s.windowStart = now
	s.assembleTotal = 0
	s.submitTotal = 0
	s.frames = 0
	s.drops = 0
}

// StreamStats accumulates delivered frame and byte totals for bitrate
// measurement.
type StreamStats struct {
	Frames uint64
	Bytes  uint64
}

func (s *StreamStats) observe(size int) {
	s.Frames++
	s.Bytes += uint64(size)
}

// BitrateKbps estimates the stream bitrate in kilobits per second given
// the nominal frame rate.
func (s *StreamStats) BitrateKbps(fps uint32) float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.Bytes) * 8 * float64(fps) / float64(s.Frames) / 1000
}
