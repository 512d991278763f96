package recovery

import (
	"time"

	"github.com/sirupsen/logrus"
)

// RecoveryStage is the position on the post-reconnect escalation ladder.
type RecoveryStage int

const (
	StageIdle RecoveryStage = iota
	// StageIdrRequested means a keyframe was requested and we are waiting
	// to see whether it helps.
	StageIdrRequested
	// StageSoftRestarted means a reduced-bitrate soft restart is in
	// flight or recently completed.
	StageSoftRestarted
	// StageEscalated is the final guarded restart; the ladder never goes
	// past it within one observation window.
	StageEscalated
)

// Default orchestrator tuning.
const (
	DefaultLowFPSTriggerWindows  = 12
	DefaultOrchestratorCooldown  = 2 * time.Second
	DefaultStage2Wait            = 8 * time.Second
	DefaultStage2BitrateKbps     = 900
	DefaultMinHealthyFPS         = 27
	DefaultObservationWindow     = 60 * time.Second
	DefaultStableWindowsToSettle = 2
)

// stage2Source identifies the orchestrator's restarts to the coordinator
// so repeated handshake failures from this path back off.
const stage2Source = "post_reconnect_stage2"

// OrchestratorConfig carries the post-reconnect recovery tuning.
type OrchestratorConfig struct {
	// LowFPSTriggerWindows is how many low-FPS health windows inside the
	// observation window arm the ladder.
	LowFPSTriggerWindows uint32
	// ActionCooldown spaces ladder actions.
	ActionCooldown time.Duration
	// Stage2Wait is how long the soft restart gets to take effect before
	// the final escalation is considered.
	Stage2Wait time.Duration
	// Stage2BitrateKbps and Stage3BitrateKbps are the restart bitrates
	// for the two restart stages.
	Stage2BitrateKbps uint32
	Stage3BitrateKbps uint32
	// MinHealthyFPS is the incoming rate a window must reach to count as
	// stable.
	MinHealthyFPS uint32
	// StableWindowsToSettle consecutive healthy windows dismantle an
	// active ladder.
	StableWindowsToSettle uint32
	// ObservationWindow is how long after a reconnect the ladder watches
	// the stream.
	ObservationWindow time.Duration

	HintKeyframeDuration time.Duration
	HintRecoveryDuration time.Duration

	TimeProvider TimeProvider
}

// DefaultOrchestratorConfig returns the tuned production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LowFPSTriggerWindows:  DefaultLowFPSTriggerWindows,
		ActionCooldown:        DefaultOrchestratorCooldown,
		Stage2Wait:            DefaultStage2Wait,
		Stage2BitrateKbps:     DefaultStage2BitrateKbps,
		Stage3BitrateKbps:     DefaultRetryBitrateKbps,
		MinHealthyFPS:         DefaultMinHealthyFPS,
		StableWindowsToSettle: DefaultStableWindowsToSettle,
		ObservationWindow:     DefaultObservationWindow,
		HintKeyframeDuration:  DefaultHintKeyframeDuration,
		HintRecoveryDuration:  DefaultHintRecoveryDuration,
		TimeProvider:          DefaultTimeProvider{},
	}
}

// Orchestrator watches stream health after a reconnect and walks a
// keyframe, soft restart, guarded restart ladder when the stream comes
// back degraded. It runs on the metrics sampling path, one call per
// health window, and is not safe for concurrent use.
type Orchestrator struct {
	cfg         OrchestratorConfig
	log         *logrus.Entry
	transport   Transport
	coordinator *Coordinator
	hint        HintFunc

	windowUntil   time.Time
	lowFPSWindows uint32

	active          bool
	stage           RecoveryStage
	lastAction      time.Time
	idrAttempts     uint32
	restartAttempts uint32
	stableWindows   uint32
}

// NewOrchestrator creates an orchestrator issuing actions through
// transport and coordinator. hint may be nil.
func NewOrchestrator(cfg OrchestratorConfig, transport Transport, coordinator *Coordinator, hint HintFunc) *Orchestrator {
	def := DefaultOrchestratorConfig()
	if cfg.LowFPSTriggerWindows == 0 {
		cfg.LowFPSTriggerWindows = def.LowFPSTriggerWindows
	}
	if cfg.ActionCooldown <= 0 {
		cfg.ActionCooldown = def.ActionCooldown
	}
	if cfg.Stage2Wait <= 0 {
		cfg.Stage2Wait = def.Stage2Wait
	}
	if cfg.Stage2BitrateKbps == 0 {
		cfg.Stage2BitrateKbps = def.Stage2BitrateKbps
	}
	if cfg.Stage3BitrateKbps == 0 {
		cfg.Stage3BitrateKbps = def.Stage3BitrateKbps
	}
	if cfg.MinHealthyFPS == 0 {
		cfg.MinHealthyFPS = def.MinHealthyFPS
	}
	if cfg.StableWindowsToSettle == 0 {
		cfg.StableWindowsToSettle = def.StableWindowsToSettle
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = def.ObservationWindow
	}
	if cfg.HintKeyframeDuration <= 0 {
		cfg.HintKeyframeDuration = def.HintKeyframeDuration
	}
	if cfg.HintRecoveryDuration <= 0 {
		cfg.HintRecoveryDuration = def.HintRecoveryDuration
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = DefaultTimeProvider{}
	}
	return &Orchestrator{
		cfg:         cfg,
		log:         logrus.WithField("component", "reconnect_orchestrator"),
		transport:   transport,
		coordinator: coordinator,
		hint:        hint,
	}
}

// BeginObservationWindow arms the watch after a reconnect. The first
// session of a stream never gets one; only streams that came back from a
// restart are watched. Ladder state survives re-arming so the stage two
// restart's own reconnect does not wipe the escalation history.
func (o *Orchestrator) BeginObservationWindow() {
	now := o.cfg.TimeProvider.Now()
	o.windowUntil = now.Add(o.cfg.ObservationWindow)
	o.lowFPSWindows = 0
	o.log.WithFields(logrus.Fields{
		"function":  "BeginObservationWindow",
		"window_ms": o.cfg.ObservationWindow.Milliseconds(),
	}).Debug("Post-reconnect observation window armed")
}

// WindowActive reports whether an observation window is running.
func (o *Orchestrator) WindowActive() bool {
	return !o.windowUntil.IsZero() &&
		!o.cfg.TimeProvider.Now().After(o.windowUntil)
}

// Stage returns the current ladder position.
func (o *Orchestrator) Stage() RecoveryStage {
	return o.stage
}

// LowFPSWindows returns the low-FPS window count inside the current
// observation window.
func (o *Orchestrator) LowFPSWindows() uint32 {
	return o.lowFPSWindows
}

func (o *Orchestrator) reset() {
	o.active = false
	o.stage = StageIdle
	o.lastAction = time.Time{}
	o.idrAttempts = 0
	o.restartAttempts = 0
	o.stableWindows = 0
}

func (o *Orchestrator) start() {
	o.active = true
	o.stage = StageIdle
	o.idrAttempts = 0
	o.restartAttempts = 0
	o.stableWindows = 0
}

// HandleHealthWindow feeds one health window into the ladder. Call once
// per metrics interval with the monitor's sample for that window.
func (o *Orchestrator) HandleHealthWindow(sample HealthSample) {
	if o.coordinator != nil &&
		(o.coordinator.StopRequested() || o.coordinator.RestartActive()) {
		return
	}

	now := o.cfg.TimeProvider.Now()
	if o.windowUntil.IsZero() || now.After(o.windowUntil) {
		return
	}

	if sample.LowFPSWindow {
		o.lowFPSWindows++
	}

	degraded := o.lowFPSWindows >= o.cfg.LowFPSTriggerWindows &&
		sample.Progressed
	healthy := sample.TargetFPS > 0 &&
		sample.IncomingFPS >= o.cfg.MinHealthyFPS &&
		!sample.Progressed

	if o.active {
		if healthy {
			o.stableWindows++
			if o.stableWindows >= o.cfg.StableWindowsToSettle {
				o.log.WithFields(logrus.Fields{
					"function":     "HandleHealthWindow",
					"stage":        o.stage,
					"incoming_fps": sample.IncomingFPS,
					"target_fps":   sample.TargetFPS,
				}).Debug("Stream stabilized, dismantling recovery ladder")
				o.reset()
			}
		} else if sample.LowFPSWindow || sample.Progressed {
			o.stableWindows = 0
		}
	}

	if !degraded {
		return
	}
	if !o.lastAction.IsZero() && now.Sub(o.lastAction) < o.cfg.ActionCooldown {
		return
	}

	if !o.active {
		o.start()
		o.log.WithFields(logrus.Fields{
			"function":     "HandleHealthWindow",
			"low_windows":  o.lowFPSWindows,
			"incoming_fps": sample.IncomingFPS,
			"target_fps":   sample.TargetFPS,
		}).Debug("Post-reconnect degraded mode triggered")
	}

	switch o.stage {
	case StageIdle:
		o.stageOneKeyframe(now, sample)
	case StageIdrRequested:
		o.stageTwoSoftRestart(now, sample)
	case StageSoftRestarted:
		o.stageThreeGuardedRestart(now, sample)
	case StageEscalated:
		// Ladder exhausted for this window; stability or the window end
		// resets it.
	default:
		o.log.WithFields(logrus.Fields{
			"function": "HandleHealthWindow",
			"stage":    o.stage,
		}).Error("Invalid recovery stage, resetting")
		o.reset()
	}
}

func (o *Orchestrator) stageOneKeyframe(now time.Time, sample HealthSample) {
	if o.transport != nil {
		o.transport.RequestIDR("post-reconnect degraded stage1")
	}
	o.idrAttempts++
	o.stage = StageIdrRequested
	o.lastAction = now
	o.showHint("Video references unstable - requesting keyframe", false, o.cfg.HintKeyframeDuration)
	o.log.WithFields(logrus.Fields{
		"function":     "stageOneKeyframe",
		"idr_attempts": o.idrAttempts,
		"incoming_fps": sample.IncomingFPS,
		"target_fps":   sample.TargetFPS,
	}).Debug("Stage 1 keyframe requested")
}

func (o *Orchestrator) stageTwoSoftRestart(now time.Time, sample HealthSample) {
	cooloff := o.coordinator != nil && o.coordinator.CooloffActive()
	backoff := o.coordinator != nil && o.coordinator.SourceBackoff(stage2Source)
	if !sample.Progressed || cooloff || backoff {
		reason := "no_av_distress"
		if sample.Progressed {
			reason = "restart_cooloff"
			if !cooloff {
				reason = "source_backoff"
			}
		}
		if o.transport != nil {
			o.transport.RequestIDR("post-reconnect stage2 suppressed")
		}
		o.lastAction = now
		o.log.WithFields(logrus.Fields{
			"function": "stageTwoSoftRestart",
			"reason":   reason,
		}).Debug("Stage 2 soft restart suppressed")
		return
	}

	if o.coordinator == nil ||
		o.coordinator.RequestRestart(stage2Source, o.cfg.Stage2BitrateKbps) != nil {
		o.log.WithField("function", "stageTwoSoftRestart").
			Error("Stage 2 soft restart failed")
		o.reset()
		return
	}
	o.lastAction = now
	o.stage = StageSoftRestarted
	o.showHint("Rebuilding stream at safer bitrate", true, o.cfg.HintRecoveryDuration)
	o.log.WithFields(logrus.Fields{
		"function":     "stageTwoSoftRestart",
		"bitrate":      o.cfg.Stage2BitrateKbps,
		"incoming_fps": sample.IncomingFPS,
		"target_fps":   sample.TargetFPS,
	}).Debug("Stage 2 soft restart requested")
}

func (o *Orchestrator) stageThreeGuardedRestart(now time.Time, sample HealthSample) {
	if now.Sub(o.lastAction) < o.cfg.Stage2Wait {
		return
	}
	if o.restartAttempts >= 1 {
		return
	}

	if o.coordinator == nil ||
		o.coordinator.RequestRestart("post_reconnect_stage3", o.cfg.Stage3BitrateKbps) != nil {
		o.log.WithField("function", "stageThreeGuardedRestart").
			Error("Stage 3 guarded restart failed")
		o.reset()
		return
	}
	o.lastAction = now
	o.restartAttempts++
	o.stage = StageEscalated
	o.showHint("Persistent video desync - rebuilding session", true, o.cfg.HintRecoveryDuration)
	o.log.WithFields(logrus.Fields{
		"function":     "stageThreeGuardedRestart",
		"bitrate":      o.cfg.Stage3BitrateKbps,
		"incoming_fps": sample.IncomingFPS,
		"target_fps":   sample.TargetFPS,
	}).Debug("Stage 3 guarded restart requested")
}

func (o *Orchestrator) showHint(text string, isError bool, d time.Duration) {
	if o.hint != nil {
		o.hint(text, isError, d)
	}
}
