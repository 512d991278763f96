package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfileForMode(t *testing.T) {
	tests := []struct {
		mode    LatencyMode
		window  time.Duration
		events  uint32
		frames  uint32
		burst   time.Duration
		burstFr uint32
	}{
		{LatencyUltraLow, 5 * time.Second, 2, 6, 220 * time.Millisecond, 6},
		{LatencyLow, 7 * time.Second, 3, 8, 240 * time.Millisecond, 5},
		{LatencyBalanced, 8 * time.Second, 3, 9, 220 * time.Millisecond, 5},
		{LatencyHigh, 9 * time.Second, 3, 11, 260 * time.Millisecond, 6},
		{LatencyMax, 10 * time.Second, 4, 13, 280 * time.Millisecond, 7},
	}
	for _, tt := range tests {
		t.Run(tt.mode.Label(), func(t *testing.T) {
			p := ProfileForMode(tt.mode)
			assert.Equal(t, tt.window, p.Window)
			assert.Equal(t, tt.events, p.EventThreshold)
			assert.Equal(t, tt.frames, p.FrameThreshold)
			assert.Equal(t, tt.burst, p.BurstWindow)
			assert.Equal(t, tt.burstFr, p.BurstFrameThreshold)
		})
	}
}

func TestTargetKbps(t *testing.T) {
	assert.Equal(t, uint32(1200), LatencyUltraLow.TargetKbps())
	assert.Equal(t, uint32(1800), LatencyLow.TargetKbps())
	assert.Equal(t, uint32(2600), LatencyBalanced.TargetKbps())
	assert.Equal(t, uint32(3200), LatencyHigh.TargetKbps())
	assert.Equal(t, uint32(3800), LatencyMax.TargetKbps())
}

func TestAdjustUltraLowEarlyReaction(t *testing.T) {
	p := ProfileForMode(LatencyUltraLow)
	p.Adjust(LatencyUltraLow, 0, MetricsSample{})
	assert.Equal(t, uint32(1), p.EventThreshold, "first gate comes one event earlier")

	p = ProfileForMode(LatencyUltraLow)
	p.Adjust(LatencyUltraLow, 1, MetricsSample{})
	assert.Equal(t, uint32(2), p.EventThreshold, "spent retry keeps the normal threshold")
}

func TestAdjustUnderTargetLoosens(t *testing.T) {
	p := ProfileForMode(LatencyBalanced)
	// 2600 kbps target, measured well under 85% of it.
	p.Adjust(LatencyBalanced, 0, MetricsSample{MeasuredMbps: 1.0})
	assert.Equal(t, uint32(4), p.EventThreshold)
	assert.Equal(t, uint32(5), p.MinFrames)
	assert.Equal(t, uint32(11), p.FrameThreshold)
	assert.Equal(t, uint32(6), p.BurstFrameThreshold)
	assert.Equal(t, 10*time.Second, p.Window)
}

func TestAdjustOverTargetTightens(t *testing.T) {
	p := ProfileForMode(LatencyBalanced)
	// Measured well above 120% of the 2.6 Mbps target.
	p.Adjust(LatencyBalanced, 0, MetricsSample{MeasuredMbps: 3.5})
	assert.Equal(t, uint32(2), p.EventThreshold)
	assert.Equal(t, uint32(3), p.MinFrames)
	assert.Equal(t, uint32(7), p.FrameThreshold)
	assert.Equal(t, uint32(4), p.BurstFrameThreshold)
	assert.Equal(t, 6*time.Second, p.Window)
	assert.Equal(t, 170*time.Millisecond, p.BurstWindow)
}

func TestAdjustUnknownBitrateUntouched(t *testing.T) {
	p := ProfileForMode(LatencyBalanced)
	p.Adjust(LatencyBalanced, 0, MetricsSample{MeasuredMbps: 0.005})
	assert.Equal(t, ProfileForMode(LatencyBalanced), p,
		"near-zero measurements are noise, not signal")
}

func TestAdjustFPSAtTargetTightens(t *testing.T) {
	p := ProfileForMode(LatencyBalanced)
	p.Adjust(LatencyBalanced, 0, MetricsSample{IncomingFPS: 55, TargetFPS: 60})
	assert.Equal(t, uint32(4), p.EventThreshold)
	assert.Equal(t, uint32(10), p.FrameThreshold)
	assert.Equal(t, uint32(6), p.BurstFrameThreshold)
}

func TestAdjustClamps(t *testing.T) {
	p := ProfileForMode(LatencyBalanced)
	for i := 0; i < 20; i++ {
		p.Adjust(LatencyBalanced, 0, MetricsSample{MeasuredMbps: 1.0, IncomingFPS: 30, TargetFPS: 60})
	}
	assert.Equal(t, uint32(6), p.EventThreshold)
	assert.Equal(t, uint32(8), p.MinFrames)
	assert.Equal(t, uint32(24), p.FrameThreshold)
	assert.Equal(t, uint32(16), p.BurstFrameThreshold)
}
