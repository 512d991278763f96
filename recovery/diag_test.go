package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/streamcore/seqnum"
)

func TestAVDiagnosticsCounters(t *testing.T) {
	var diag AVDiagnostics

	diag.ReportCorruptFrames(seqnum.Num16(10), seqnum.Num16(12))
	diag.ReportCorruptFrames(seqnum.Num16(20), seqnum.Num16(20))
	diag.ReportFECFailure()
	diag.ReportMissingReference()
	diag.ReportSendBufferOverflow()
	diag.ReportPacketDrop(3)
	diag.ReportPacketDrop(1)

	snap, ok := diag.TrySnapshot()
	require.True(t, ok)
	assert.Equal(t, uint32(2), snap.CorruptBursts)
	assert.Equal(t, uint32(1), snap.FECFails)
	assert.Equal(t, uint32(1), snap.MissingRef)
	assert.Equal(t, uint32(1), snap.SendbufOverflows)
	assert.Equal(t, uint32(2), snap.DropEvents)
	assert.Equal(t, uint32(4), snap.DropPackets)
	assert.Equal(t, seqnum.Num16(20), snap.LastCorruptStart)
	assert.Equal(t, seqnum.Num16(20), snap.LastCorruptEnd)
}

func TestTrySnapshotUnderContention(t *testing.T) {
	var diag AVDiagnostics

	diag.mu.Lock()
	_, ok := diag.TrySnapshot()
	assert.False(t, ok, "held lock must not block the snapshot")
	diag.mu.Unlock()

	_, ok = diag.TrySnapshot()
	assert.True(t, ok)
}

func TestHealthMonitorProgression(t *testing.T) {
	var diag AVDiagnostics
	monitor := NewHealthMonitor(&diag)

	sample := monitor.Sample(60, 60, 60)
	assert.False(t, sample.Progressed)
	assert.False(t, sample.Stale)

	diag.ReportFECFailure()
	sample = monitor.Sample(60, 60, 60)
	assert.True(t, sample.Progressed, "counter advance marks progression")

	// No new events: the acked baseline absorbs the previous advance.
	sample = monitor.Sample(60, 60, 60)
	assert.False(t, sample.Progressed)
}

func TestHealthMonitorLowFPSWindow(t *testing.T) {
	var diag AVDiagnostics
	monitor := NewHealthMonitor(&diag)

	assert.True(t, monitor.Sample(50, 60, 0).LowFPSWindow)
	assert.False(t, monitor.Sample(56, 60, 0).LowFPSWindow, "within margin")
	assert.False(t, monitor.Sample(0, 60, 0).LowFPSWindow, "no measurement yet")
	assert.True(t, monitor.Sample(50, 0, 60).LowFPSWindow, "negotiated rate backfills target")
}

func TestHealthMonitorStaleStreakDistress(t *testing.T) {
	var diag AVDiagnostics
	monitor := NewHealthMonitor(&diag)

	diag.mu.Lock()
	defer diag.mu.Unlock()

	var sample HealthSample
	for i := 0; i < staleSnapshotWarnStreak; i++ {
		sample = monitor.Sample(30, 60, 0)
		require.True(t, sample.Stale)
		if i < staleSnapshotWarnStreak-1 {
			require.False(t, sample.Progressed)
		}
	}
	assert.True(t, sample.Progressed,
		"prolonged contention plus low FPS counts as distress")

	sample = monitor.Sample(60, 60, 0)
	assert.True(t, sample.Stale)
	assert.False(t, sample.Progressed, "healthy FPS keeps stale windows passive")
}
