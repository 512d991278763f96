package recovery

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamcore/seqnum"
)

// DiagSnapshot is a consistent copy of the audio/video diagnostics
// counters.
type DiagSnapshot struct {
	MissingRef       uint32
	CorruptBursts    uint32
	FECFails         uint32
	SendbufOverflows uint32
	DropEvents       uint32
	DropPackets      uint32
	LastCorruptStart seqnum.Num16
	LastCorruptEnd   seqnum.Num16
}

// AVDiagnostics accumulates corruption and drop counters on the packet
// path. Writers take the mutex briefly per event; readers snapshot with a
// try-lock so a busy packet path is never blocked by diagnostics.
//
// It satisfies the video package's CorruptionReporter seam.
type AVDiagnostics struct {
	mu   sync.Mutex
	snap DiagSnapshot
}

// ReportCorruptFrames counts a corrupt range report toward the burst
// counter and remembers the range.
func (d *AVDiagnostics) ReportCorruptFrames(start, end seqnum.Num16) {
	d.mu.Lock()
	d.snap.CorruptBursts++
	d.snap.LastCorruptStart = start
	d.snap.LastCorruptEnd = end
	d.mu.Unlock()
}

// ReportFECFailure counts a frame parity could not reconstruct.
func (d *AVDiagnostics) ReportFECFailure() {
	d.mu.Lock()
	d.snap.FECFails++
	d.mu.Unlock()
}

// ReportMissingReference counts an undecodable P-frame.
func (d *AVDiagnostics) ReportMissingReference() {
	d.mu.Lock()
	d.snap.MissingRef++
	d.mu.Unlock()
}

// ReportSendBufferOverflow counts a feedback send buffer overflow.
func (d *AVDiagnostics) ReportSendBufferOverflow() {
	d.mu.Lock()
	d.snap.SendbufOverflows++
	d.mu.Unlock()
}

// ReportPacketDrop counts one transport drop event covering packets.
func (d *AVDiagnostics) ReportPacketDrop(packets uint32) {
	d.mu.Lock()
	d.snap.DropEvents++
	d.snap.DropPackets += packets
	d.mu.Unlock()
}

// TrySnapshot returns a copy of the counters if the mutex could be
// acquired without blocking. ok is false when the packet path held the
// lock; the caller must then treat its previous snapshot as stale.
func (d *AVDiagnostics) TrySnapshot() (snap DiagSnapshot, ok bool) {
	if !d.mu.TryLock() {
		return DiagSnapshot{}, false
	}
	snap = d.snap
	d.mu.Unlock()
	return snap, true
}

// staleSnapshotWarnStreak is how many consecutive failed snapshots are
// tolerated before prolonged contention itself becomes a distress signal.
const staleSnapshotWarnStreak = 5

// lowFPSMargin is how far incoming FPS must sit below target before a
// window counts as low.
const lowFPSMargin = 5

// HealthSample is one metrics-interval observation of stream health.
type HealthSample struct {
	Snapshot    DiagSnapshot
	Stale       bool
	StaleStreak uint32
	// Progressed is true when any diagnostics counter advanced since the
	// previous fresh sample.
	Progressed   bool
	LowFPSWindow bool
	IncomingFPS  uint32
	TargetFPS    uint32
}

// HealthMonitor samples AVDiagnostics once per metrics interval and
// derives the progression and staleness signals recovery escalation runs
// on. Escalation never keys off stale snapshots alone: a long stale
// streak only counts as distress when paired with a low FPS window.
type HealthMonitor struct {
	diag        *AVDiagnostics
	log         *logrus.Entry
	last        DiagSnapshot
	acked       DiagSnapshot
	staleStreak uint32
}

// NewHealthMonitor creates a monitor over diag.
func NewHealthMonitor(diag *AVDiagnostics) *HealthMonitor {
	return &HealthMonitor{
		diag: diag,
		log:  logrus.WithField("component", "health_monitor"),
	}
}

// LastSnapshot returns the most recent successfully sampled counters.
func (m *HealthMonitor) LastSnapshot() DiagSnapshot {
	return m.last
}

// Sample snapshots diagnostics and classifies the current window.
// incomingFPS and targetFPS are the measured and effective target frame
// rates for the window; targetFPS falls back to negotiatedFPS when unset.
func (m *HealthMonitor) Sample(incomingFPS, targetFPS, negotiatedFPS uint32) HealthSample {
	effectiveTarget := targetFPS
	if effectiveTarget == 0 {
		effectiveTarget = negotiatedFPS
	}

	snap, ok := m.diag.TrySnapshot()
	if !ok {
		if m.staleStreak < ^uint32(0) {
			m.staleStreak++
		}
		snap = m.last
	} else {
		m.staleStreak = 0
		m.last = snap
	}

	lowFPS := effectiveTarget > 0 && incomingFPS > 0 &&
		incomingFPS+lowFPSMargin < effectiveTarget

	progressed := snap.MissingRef > m.acked.MissingRef ||
		snap.CorruptBursts > m.acked.CorruptBursts ||
		snap.FECFails > m.acked.FECFails ||
		snap.SendbufOverflows > m.acked.SendbufOverflows

	if !ok {
		progressed = false
		if m.staleStreak >= staleSnapshotWarnStreak && lowFPS {
			// Prolonged diagnostics contention plus low FPS is treated as
			// distress so recovery does not stay blind under lock pressure.
			progressed = true
			m.log.WithFields(logrus.Fields{
				"function":     "Sample",
				"stale_streak": m.staleStreak,
				"incoming_fps": incomingFPS,
				"target_fps":   effectiveTarget,
			}).Warn("Diagnostics stale under low FPS, treating as distress")
		}
	} else {
		m.acked = snap
	}

	return HealthSample{
		Snapshot:     snap,
		Stale:        !ok,
		StaleStreak:  m.staleStreak,
		Progressed:   progressed,
		LowFPSWindow: lowFPS,
		IncomingFPS:  incomingFPS,
		TargetFPS:    effectiveTarget,
	}
}
