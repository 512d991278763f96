package recovery

import "time"

// LatencyMode selects the streaming preset the loss detector is tuned
// for. Lower-latency presets tolerate less loss before reacting.
type LatencyMode int

const (
	LatencyUltraLow LatencyMode = iota
	LatencyLow
	LatencyBalanced
	LatencyHigh
	LatencyMax
)

// Label returns the user-facing preset name.
func (m LatencyMode) Label() string {
	switch m {
	case LatencyUltraLow:
		return "Ultra Low"
	case LatencyLow:
		return "Low"
	case LatencyBalanced:
		return "Balanced"
	case LatencyHigh:
		return "High"
	case LatencyMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// TargetKbps returns the nominal video bitrate for the preset.
func (m LatencyMode) TargetKbps() uint32 {
	switch m {
	case LatencyUltraLow:
		return 1200
	case LatencyLow:
		return 1800
	case LatencyHigh:
		return 3200
	case LatencyMax:
		return 3800
	case LatencyBalanced:
		fallthrough
	default:
		return 2600
	}
}

// MetricsSample is the most recent measured stream health, fed into
// profile adjustment and distress checks.
type MetricsSample struct {
	MeasuredMbps  float64
	IncomingFPS   uint32
	TargetFPS     uint32
	NegotiatedFPS uint32
}

// LossDetectionProfile holds the thresholds of the sustained-loss
// detector: a long rolling window counting qualifying loss events and
// total lost frames, plus a short burst bucket counting frames only.
type LossDetectionProfile struct {
	// Window is the rolling accumulation window.
	Window time.Duration
	// MinFrames is the per-event frame count for an event to qualify.
	MinFrames uint32
	// EventThreshold is the qualifying event count tripping the gate
	// (together with FrameThreshold).
	EventThreshold uint32
	// FrameThreshold is the windowed lost-frame total tripping the gate.
	FrameThreshold uint32
	// BurstWindow is the short bucket for dense loss.
	BurstWindow time.Duration
	// BurstFrameThreshold trips the gate on BurstWindow alone.
	BurstFrameThreshold uint32
}

// ProfileForMode returns the tuned loss detection thresholds for a
// latency preset.
func ProfileForMode(mode LatencyMode) LossDetectionProfile {
	switch mode {
	case LatencyUltraLow:
		return LossDetectionProfile{
			Window:              5 * time.Second,
			MinFrames:           4,
			EventThreshold:      2,
			FrameThreshold:      6,
			BurstWindow:         220 * time.Millisecond,
			BurstFrameThreshold: 6,
		}
	case LatencyLow:
		return LossDetectionProfile{
			Window:              7 * time.Second,
			MinFrames:           4,
			EventThreshold:      3,
			FrameThreshold:      8,
			BurstWindow:         240 * time.Millisecond,
			BurstFrameThreshold: 5,
		}
	case LatencyHigh:
		return LossDetectionProfile{
			Window:              9 * time.Second,
			MinFrames:           5,
			EventThreshold:      3,
			FrameThreshold:      11,
			BurstWindow:         260 * time.Millisecond,
			BurstFrameThreshold: 6,
		}
	case LatencyMax:
		return LossDetectionProfile{
			Window:              10 * time.Second,
			MinFrames:           6,
			EventThreshold:      4,
			FrameThreshold:      13,
			BurstWindow:         280 * time.Millisecond,
			BurstFrameThreshold: 7,
		}
	case LatencyBalanced:
		fallthrough
	default:
		return LossDetectionProfile{
			Window:              8 * time.Second,
			MinFrames:           4,
			EventThreshold:      3,
			FrameThreshold:      9,
			BurstWindow:         220 * time.Millisecond,
			BurstFrameThreshold: 5,
		}
	}
}

func clampU32(value, minValue, maxValue uint32) uint32 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}

// profileWindowStep is the increment applied to Window when measured
// bitrate is well under target.
const profileWindowStep = 2 * time.Second

// Adjust tunes the profile for current conditions. A stream running well
// under the preset's target bitrate gets a more tolerant detector; one
// comfortably above it gets a more aggressive one. Running at or under
// the target frame rate additionally tightens the frame thresholds.
//
// On the ultra-low preset the first reaction comes one event earlier as
// long as no retry has been spent yet.
func (p *LossDetectionProfile) Adjust(mode LatencyMode, retryAttempts uint32, m MetricsSample) {
	if mode == LatencyUltraLow && retryAttempts == 0 && p.EventThreshold > 1 {
		p.EventThreshold--
	}

	targetMbps := float64(mode.TargetKbps()) / 1000.0
	measuredMbps := m.MeasuredMbps
	bitrateKnown := measuredMbps > 0.01 && targetMbps > 0

	if bitrateKnown {
		if measuredMbps <= targetMbps*0.85 {
			p.EventThreshold = clampU32(p.EventThreshold+1, 1, 6)
			p.MinFrames = clampU32(p.MinFrames+1, 2, 8)
			p.FrameThreshold = clampU32(p.FrameThreshold+2, 4, 24)
			p.BurstFrameThreshold = clampU32(p.BurstFrameThreshold+1, 3, 16)
			p.Window += profileWindowStep
		} else if measuredMbps >= targetMbps*1.2 {
			if p.EventThreshold > 1 {
				p.EventThreshold--
			}
			if p.MinFrames > 2 {
				p.MinFrames--
			}
			if p.FrameThreshold > 4 {
				p.FrameThreshold -= 2
			}
			if p.BurstFrameThreshold > 3 {
				p.BurstFrameThreshold--
			}
			if p.Window > profileWindowStep {
				p.Window -= profileWindowStep
			}
			if p.BurstWindow > 100*time.Millisecond {
				p.BurstWindow -= 50 * time.Millisecond
			}
		}
	}

	measuredFPS := m.IncomingFPS
	if measuredFPS == 0 {
		measuredFPS = m.NegotiatedFPS
	}
	clampTarget := m.TargetFPS
	if clampTarget == 0 {
		clampTarget = m.NegotiatedFPS
	}
	if measuredFPS != 0 && clampTarget != 0 && measuredFPS <= clampTarget {
		p.EventThreshold = clampU32(p.EventThreshold+1, 1, 6)
		p.FrameThreshold = clampU32(p.FrameThreshold+1, 4, 24)
		p.BurstFrameThreshold = clampU32(p.BurstFrameThreshold+1, 3, 16)
	}
}
