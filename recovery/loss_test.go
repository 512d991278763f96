package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lossRig struct {
	clock     *fakeClock
	transport *fakeTransport
	coord     *Coordinator
	hints     *hintRecorder
	stops     []string
	diag      DiagSnapshot
	ctrl      *Controller
}

func newLossRig(t *testing.T, mode LatencyMode) *lossRig {
	t.Helper()
	rig := &lossRig{
		clock:     newFakeClock(),
		transport: &fakeTransport{},
		hints:     &hintRecorder{},
	}
	coordCfg := DefaultCoordinatorConfig()
	coordCfg.TimeProvider = rig.clock
	coordCfg.Sleep = func(time.Duration) {}
	rig.coord = NewCoordinator(coordCfg, rig.transport, rig.hints.fn())

	cfg := DefaultControllerConfig(mode)
	cfg.TimeProvider = rig.clock
	rig.ctrl = NewController(cfg, rig.transport, rig.coord, rig.hints.fn(),
		func(reason string) { rig.stops = append(rig.stops, reason) },
		func() DiagSnapshot { return rig.diag })
	rig.ctrl.Start()
	return rig
}

// tripUnrecoveredGate pushes enough one-frame unrecovered losses to trip
// the streak once.
func (rig *lossRig) tripUnrecoveredGate() {
	for i := uint32(0); i < DefaultUnrecoveredStreak; i++ {
		rig.ctrl.HandleLossEvent(1, false)
		rig.clock.Advance(100 * time.Millisecond)
	}
}

func TestSparseLossOnlyAccumulates(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	// Two qualifying events are below the balanced event threshold.
	rig.ctrl.HandleLossEvent(4, true)
	rig.clock.Advance(time.Second)
	rig.ctrl.HandleLossEvent(4, true)

	assert.Empty(t, rig.transport.idrReasons)
	assert.Empty(t, rig.transport.restartBitrates)
	assert.Empty(t, rig.stops)
	assert.Equal(t, uint64(2), rig.ctrl.LossEvents())
	assert.Equal(t, uint64(8), rig.ctrl.TotalFramesLost())
	assert.True(t, rig.ctrl.AlertActive())
}

func TestSustainedLossFirstGateIsKeyframeOnly(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	// Three qualifying events inside the window trip the gate once.
	for i := 0; i < 3; i++ {
		rig.ctrl.HandleLossEvent(4, true)
		rig.clock.Advance(time.Second)
	}
	require.Len(t, rig.transport.idrReasons, 1)
	assert.Empty(t, rig.transport.restartBitrates)
	assert.Empty(t, rig.stops)

	// The trip drained the accumulators; one more event stays quiet.
	rig.ctrl.HandleLossEvent(4, true)
	assert.Len(t, rig.transport.idrReasons, 1)
}

func TestBurstLossTripsOnFramesAlone(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	// Five frames inside one burst window, as single-frame events that
	// never qualify for the event counter.
	for i := 0; i < 5; i++ {
		rig.ctrl.HandleLossEvent(1, true)
		rig.clock.Advance(30 * time.Millisecond)
	}
	assert.Len(t, rig.transport.idrReasons, 1)
}

func TestStartupGracePinsGateAtKeyframe(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	// Both trips land inside the startup soft grace.
	for trip := 0; trip < 2; trip++ {
		for i := 0; i < 3; i++ {
			rig.ctrl.HandleLossEvent(4, true)
			rig.clock.Advance(300 * time.Millisecond)
		}
	}
	assert.Len(t, rig.transport.idrReasons, 2)
	assert.Empty(t, rig.transport.restartBitrates)
	assert.Empty(t, rig.stops)
	assert.Equal(t, uint32(1), rig.ctrl.gateHits, "grace pins the gate at stage one")
}

func TestUltraLowSecondGateSoftRestarts(t *testing.T) {
	rig := newLossRig(t, LatencyUltraLow)
	rig.clock.Advance(3 * time.Second)

	rig.ctrl.HandleLossEvent(6, true)
	require.Len(t, rig.transport.idrReasons, 1)

	rig.clock.Advance(time.Second)
	rig.ctrl.HandleLossEvent(6, true)
	require.Len(t, rig.transport.restartBitrates, 1)
	assert.Equal(t, uint32(DefaultRetryBitrateKbps), rig.transport.restartBitrates[0])
	assert.True(t, rig.coord.RestartActive())
	assert.Equal(t, uint32(1), rig.coord.RetryAttempts())
	assert.Empty(t, rig.stops, "successful restart keeps the session")
}

func TestUltraLowSpentRetryStopsStream(t *testing.T) {
	rig := newLossRig(t, LatencyUltraLow)
	rig.clock.Advance(3 * time.Second)
	rig.coord.MarkRetrySpent(DefaultRetryBitrateKbps)

	rig.ctrl.HandleLossEvent(6, true)
	rig.clock.Advance(time.Second)
	rig.ctrl.HandleLossEvent(6, true)

	assert.Empty(t, rig.transport.restartBitrates)
	require.Len(t, rig.stops, 1)
	assert.Equal(t, "packet loss", rig.stops[0])
	assert.True(t, rig.coord.ActionCooldownActive(), "stop counts toward the shared cooldown")
}

func TestSecondGateDowngradesPreset(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	rig.clock.Advance(3 * time.Second)

	for trip := 0; trip < 2; trip++ {
		for i := 0; i < 3; i++ {
			rig.ctrl.HandleLossEvent(4, true)
			rig.clock.Advance(time.Second)
		}
	}
	assert.Equal(t, LatencyLow, rig.ctrl.Mode())
	assert.Equal(t, uint32(1), rig.ctrl.AutoDowngrades())
	require.Len(t, rig.stops, 1)
	assert.Equal(t, "packet loss", rig.stops[0])
}

func TestGateCooldownFallsBackToKeyframe(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	rig.clock.Advance(3 * time.Second)
	rig.coord.NoteAction()

	for trip := 0; trip < 2; trip++ {
		for i := 0; i < 3; i++ {
			rig.ctrl.HandleLossEvent(4, true)
			rig.clock.Advance(time.Second)
		}
	}
	assert.Len(t, rig.transport.idrReasons, 2)
	assert.Empty(t, rig.stops)
	assert.Equal(t, LatencyBalanced, rig.ctrl.Mode())
}

func TestRecoveredLossResetsUnrecoveredStreak(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	rig.ctrl.HandleLossEvent(1, false)
	rig.ctrl.HandleLossEvent(1, false)
	require.Equal(t, uint32(2), rig.ctrl.unrecoveredStreak)

	rig.ctrl.HandleLossEvent(2, true)
	assert.Equal(t, uint32(0), rig.ctrl.unrecoveredStreak)
}

func TestUnrecoveredStreakToleratedWithKeyframes(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	rig.clock.Advance(3 * time.Second)

	rig.tripUnrecoveredGate()
	require.Len(t, rig.transport.idrReasons, 1)
	assert.Empty(t, rig.transport.restartBitrates)
	assert.True(t, rig.ctrl.AlertActive())
}

func TestUnrecoveredStreakEscalatesOnDistress(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	rig.clock.Advance(3 * time.Second)
	rig.diag.FECFails = 1

	var triggered bool
	for trip := uint32(0); trip <= DefaultUnrecoveredGateThreshold; trip++ {
		for i := uint32(0); i < DefaultUnrecoveredStreak; i++ {
			if rig.ctrl.HandleLossEvent(1, false) {
				triggered = true
			}
			rig.clock.Advance(100 * time.Millisecond)
		}
	}
	assert.True(t, triggered)
	require.Len(t, rig.transport.restartBitrates, 1)
	assert.Equal(t, uint32(DefaultRetryBitrateKbps), rig.transport.restartBitrates[0])
}

func TestUnrecoveredStreakSuppressedWithoutDistress(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	rig.clock.Advance(3 * time.Second)

	for trip := uint32(0); trip <= DefaultUnrecoveredGateThreshold; trip++ {
		for i := uint32(0); i < DefaultUnrecoveredStreak; i++ {
			assert.False(t, rig.ctrl.HandleLossEvent(1, false))
			rig.clock.Advance(100 * time.Millisecond)
		}
	}
	assert.Empty(t, rig.transport.restartBitrates,
		"no av distress keeps restarts off the table")
	assert.NotEmpty(t, rig.transport.idrReasons)
}

func TestPersistentUnrecoveredLossRestarts(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	// Past both startup graces.
	rig.clock.Advance(21 * time.Second)

	var triggered bool
	for trip := uint32(0); trip < DefaultUnrecoveredPersistCount; trip++ {
		if trip == DefaultUnrecoveredPersistCount-1 {
			rig.diag.FECFails = 1
		}
		for i := uint32(0); i < DefaultUnrecoveredStreak; i++ {
			if rig.ctrl.HandleLossEvent(1, false) {
				triggered = true
			}
			rig.clock.Advance(100 * time.Millisecond)
		}
	}
	assert.True(t, triggered)
	require.Len(t, rig.transport.restartBitrates, 1)
}

func TestPersistentUnrecoveredLossHardGrace(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)
	// Past the soft grace but still inside the hard grace.
	rig.clock.Advance(5 * time.Second)

	for trip := uint32(0); trip < DefaultUnrecoveredPersistCount+2; trip++ {
		if trip == DefaultUnrecoveredPersistCount-1 {
			rig.diag.FECFails = 1
		}
		for i := uint32(0); i < DefaultUnrecoveredStreak; i++ {
			assert.False(t, rig.ctrl.HandleLossEvent(1, false))
			rig.clock.Advance(100 * time.Millisecond)
		}
	}
	assert.Empty(t, rig.transport.restartBitrates)
}

func TestAVDistressReasons(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	reason, distress := rig.ctrl.avDistress()
	assert.False(t, distress)
	assert.Equal(t, "av_healthy", reason)

	rig.diag = DiagSnapshot{MissingRef: 2}
	reason, distress = rig.ctrl.avDistress()
	assert.True(t, distress)
	assert.Equal(t, "missing_ref", reason)

	rig.diag = DiagSnapshot{CorruptBursts: 4}
	_, distress = rig.ctrl.avDistress()
	assert.True(t, distress)

	rig.diag = DiagSnapshot{}
	rig.ctrl.SetMetrics(MetricsSample{IncomingFPS: 20, TargetFPS: 60})
	reason, distress = rig.ctrl.avDistress()
	assert.True(t, distress)
	assert.Equal(t, "fps_drop", reason)

	rig.ctrl.SetMetrics(MetricsSample{IncomingFPS: 50, TargetFPS: 60})
	_, distress = rig.ctrl.avDistress()
	assert.False(t, distress, "mild fps dips are not distress")
}

func TestAlertExpires(t *testing.T) {
	rig := newLossRig(t, LatencyBalanced)

	rig.ctrl.HandleLossEvent(2, true)
	assert.True(t, rig.ctrl.AlertActive())
	rig.clock.Advance(DefaultLossAlertDuration + time.Second)
	assert.False(t, rig.ctrl.AlertActive())
}
