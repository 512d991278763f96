package recovery

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Default loss controller tuning.
const (
	DefaultRecoveryWindow           = 8 * time.Second
	DefaultStartupSoftGrace         = 2500 * time.Millisecond
	DefaultStartupHardGrace         = 20 * time.Second
	DefaultLossAlertDuration        = 5 * time.Second
	DefaultUnrecoveredStreak        = 3
	DefaultUnrecoveredGateThreshold = 4
	DefaultUnrecoveredGateWindow    = 2500 * time.Millisecond
	DefaultUnrecoveredPersistWindow = 8 * time.Second
	DefaultUnrecoveredPersistCount  = 6
	DefaultIDRIneffectiveWindow     = 8 * time.Second
	DefaultIDRIneffectiveThreshold  = 5
	DefaultHintKeyframeDuration     = 4 * time.Second
	DefaultHintRecoveryDuration     = 5 * time.Second
)

// Saturation mask bits for the loss accumulators, so each counter logs
// its saturation once per window.
const (
	satWindowFrames uint32 = 1 << iota
	satBurstFrames
)

// ControllerConfig carries the loss controller tuning.
type ControllerConfig struct {
	// Mode is the starting latency preset; sustained loss can downgrade
	// it toward LatencyUltraLow.
	Mode LatencyMode
	// RecoveryWindow groups gate hits: a second sustained-loss hit inside
	// it escalates past the keyframe-only stage.
	RecoveryWindow time.Duration
	// StartupSoftGrace pins the gate at the keyframe-only stage right
	// after stream start. StartupHardGrace additionally suppresses the
	// persistent-loss restart escalation.
	StartupSoftGrace time.Duration
	StartupHardGrace time.Duration
	// AlertDuration is how long the loss indicator stays lit per event.
	AlertDuration time.Duration

	// UnrecoveredStreak is the consecutive unrecovered frame count that
	// feeds the unrecovered-loss circuit.
	UnrecoveredStreak uint32
	// UnrecoveredGateThreshold and UnrecoveredGateWindow bound how many
	// streak trips are answered with keyframes alone.
	UnrecoveredGateThreshold uint32
	UnrecoveredGateWindow    time.Duration
	// UnrecoveredPersistCount streak trips inside
	// UnrecoveredPersistWindow mark the loss as persistent.
	UnrecoveredPersistCount  uint32
	UnrecoveredPersistWindow time.Duration
	// IDRIneffectiveThreshold keyframe requests inside
	// IDRIneffectiveWindow mean keyframes are not helping.
	IDRIneffectiveThreshold uint32
	IDRIneffectiveWindow    time.Duration

	HintKeyframeDuration time.Duration
	HintRecoveryDuration time.Duration
	HintErrorDuration    time.Duration

	TimeProvider TimeProvider
}

// DefaultControllerConfig returns the tuned production defaults for the
// given latency preset.
func DefaultControllerConfig(mode LatencyMode) ControllerConfig {
	return ControllerConfig{
		Mode:                     mode,
		RecoveryWindow:           DefaultRecoveryWindow,
		StartupSoftGrace:         DefaultStartupSoftGrace,
		StartupHardGrace:         DefaultStartupHardGrace,
		AlertDuration:            DefaultLossAlertDuration,
		UnrecoveredStreak:        DefaultUnrecoveredStreak,
		UnrecoveredGateThreshold: DefaultUnrecoveredGateThreshold,
		UnrecoveredGateWindow:    DefaultUnrecoveredGateWindow,
		UnrecoveredPersistCount:  DefaultUnrecoveredPersistCount,
		UnrecoveredPersistWindow: DefaultUnrecoveredPersistWindow,
		IDRIneffectiveThreshold:  DefaultIDRIneffectiveThreshold,
		IDRIneffectiveWindow:     DefaultIDRIneffectiveWindow,
		HintKeyframeDuration:     DefaultHintKeyframeDuration,
		HintRecoveryDuration:     DefaultHintRecoveryDuration,
		HintErrorDuration:        DefaultHintErrorDuration,
		TimeProvider:             DefaultTimeProvider{},
	}
}

// Controller reacts to per-frame loss reports with escalating recovery.
// It runs on the delivery callback path of a single stream and is not
// safe for concurrent use; the Coordinator it escalates through is.
type Controller struct {
	cfg         ControllerConfig
	log         *logrus.Entry
	transport   Transport
	coordinator *Coordinator
	hint        HintFunc

	// requestStop asks the owner to stop the stream; set by the session.
	requestStop func(reason string)

	mode    LatencyMode
	metrics MetricsSample
	diag    func() DiagSnapshot

	lossEvents      uint64
	totalFramesLost uint64
	alertUntil      time.Time

	windowStart      time.Time
	windowEvents     uint32
	windowFrameAccum uint32
	burstStart       time.Time
	burstFrameAccum  uint32
	saturatedMask    uint32

	gateHits            uint32
	recoveryWindowStart time.Time

	softGraceUntil time.Time
	hardGraceUntil time.Time

	unrecoveredStreak     uint32
	gateEvents            uint32
	gateWindowStart       time.Time
	persistentEvents      uint32
	persistentWindowStart time.Time
	idrRequests           uint32
	idrWindowStart        time.Time
	autoDowngrades        uint32
}

// NewController creates a loss controller. diag supplies the most recent
// diagnostics snapshot for distress checks and may be nil; requestStop
// and hint may be nil.
func NewController(cfg ControllerConfig, transport Transport, coordinator *Coordinator, hint HintFunc, requestStop func(reason string), diag func() DiagSnapshot) *Controller {
	def := DefaultControllerConfig(cfg.Mode)
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = def.RecoveryWindow
	}
	if cfg.StartupSoftGrace <= 0 {
		cfg.StartupSoftGrace = def.StartupSoftGrace
	}
	if cfg.StartupHardGrace <= 0 {
		cfg.StartupHardGrace = def.StartupHardGrace
	}
	if cfg.AlertDuration <= 0 {
		cfg.AlertDuration = def.AlertDuration
	}
	if cfg.UnrecoveredStreak == 0 {
		cfg.UnrecoveredStreak = def.UnrecoveredStreak
	}
	if cfg.UnrecoveredGateThreshold == 0 {
		cfg.UnrecoveredGateThreshold = def.UnrecoveredGateThreshold
	}
	if cfg.UnrecoveredGateWindow <= 0 {
		cfg.UnrecoveredGateWindow = def.UnrecoveredGateWindow
	}
	if cfg.UnrecoveredPersistCount == 0 {
		cfg.UnrecoveredPersistCount = def.UnrecoveredPersistCount
	}
	if cfg.UnrecoveredPersistWindow <= 0 {
		cfg.UnrecoveredPersistWindow = def.UnrecoveredPersistWindow
	}
	if cfg.IDRIneffectiveThreshold == 0 {
		cfg.IDRIneffectiveThreshold = def.IDRIneffectiveThreshold
	}
	if cfg.IDRIneffectiveWindow <= 0 {
		cfg.IDRIneffectiveWindow = def.IDRIneffectiveWindow
	}
	if cfg.HintKeyframeDuration <= 0 {
		cfg.HintKeyframeDuration = def.HintKeyframeDuration
	}
	if cfg.HintRecoveryDuration <= 0 {
		cfg.HintRecoveryDuration = def.HintRecoveryDuration
	}
	if cfg.HintErrorDuration <= 0 {
		cfg.HintErrorDuration = def.HintErrorDuration
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = DefaultTimeProvider{}
	}
	if diag == nil {
		diag = func() DiagSnapshot { return DiagSnapshot{} }
	}
	return &Controller{
		cfg:         cfg,
		log:         logrus.WithField("component", "loss_controller"),
		transport:   transport,
		coordinator: coordinator,
		hint:        hint,
		requestStop: requestStop,
		mode:        cfg.Mode,
		diag:        diag,
	}
}

// Start arms the startup grace periods; call when the stream connects.
func (c *Controller) Start() {
	now := c.cfg.TimeProvider.Now()
	c.softGraceUntil = now.Add(c.cfg.StartupSoftGrace)
	c.hardGraceUntil = now.Add(c.cfg.StartupHardGrace)
}

// Mode returns the current latency preset, after any auto downgrades.
func (c *Controller) Mode() LatencyMode {
	return c.mode
}

// AutoDowngrades returns how many times sustained loss downgraded the
// latency preset.
func (c *Controller) AutoDowngrades() uint32 {
	return c.autoDowngrades
}

// LossEvents returns the total number of loss events observed.
func (c *Controller) LossEvents() uint64 {
	return c.lossEvents
}

// TotalFramesLost returns the total frames lost across all events.
func (c *Controller) TotalFramesLost() uint64 {
	return c.totalFramesLost
}

// AlertActive reports whether the poor-network alert should be shown.
func (c *Controller) AlertActive() bool {
	return c.cfg.TimeProvider.Now().Before(c.alertUntil)
}

// SetMetrics updates the measured stream health used for live profile
// adjustment and distress checks.
func (c *Controller) SetMetrics(m MetricsSample) {
	c.metrics = m
}

// HandleLossEvent processes one delivery report. framesLost is the loss
// count since the previous delivered frame; recovered marks losses that
// FEC or reference patching papered over. The return value is true when
// a restart was set in motion and the stream should be treated as down.
func (c *Controller) HandleLossEvent(framesLost int32, recovered bool) bool {
	c.handleWindowedLoss(framesLost, recovered)
	return c.handleUnrecoveredLoss(framesLost, recovered)
}

func (c *Controller) saturatingAdd(accum uint32, add uint32, name string, maskBit uint32) uint32 {
	sum := accum + add
	if sum < accum {
		sum = math.MaxUint32
	}
	if sum == math.MaxUint32 && accum != math.MaxUint32 && c.saturatedMask&maskBit == 0 {
		c.log.WithFields(logrus.Fields{
			"function": "saturatingAdd",
			"counter":  name,
		}).Error("Loss accumulator saturated, forcing recovery reset path")
		c.saturatedMask |= maskBit
	}
	return sum
}

func (c *Controller) handleWindowedLoss(framesLost int32, recovered bool) {
	if framesLost <= 0 {
		return
	}

	now := c.cfg.TimeProvider.Now()
	c.lossEvents++
	c.totalFramesLost += uint64(framesLost)
	c.alertUntil = now.Add(c.cfg.AlertDuration)

	c.log.WithFields(logrus.Fields{
		"function":    "handleWindowedLoss",
		"frames_lost": framesLost,
		"recovered":   recovered,
	}).Debug("Frame loss")

	profile := ProfileForMode(c.mode)
	retryAttempts := uint32(0)
	if c.coordinator != nil {
		retryAttempts = c.coordinator.RetryAttempts()
	}
	profile.Adjust(c.mode, retryAttempts, c.metrics)

	if c.windowStart.IsZero() || now.Sub(c.windowStart) > profile.Window {
		c.windowStart = now
		c.windowEvents = 0
		c.windowFrameAccum = 0
		c.saturatedMask = 0
	}
	c.windowFrameAccum = c.saturatingAdd(c.windowFrameAccum, uint32(framesLost),
		"loss_window_frame_accum", satWindowFrames)
	if uint32(framesLost) >= profile.MinFrames {
		c.windowEvents++
	}

	if c.burstStart.IsZero() || now.Sub(c.burstStart) > profile.BurstWindow {
		c.burstStart = now
		c.burstFrameAccum = 0
		c.saturatedMask = 0
	}
	c.burstFrameAccum = c.saturatingAdd(c.burstFrameAccum, uint32(framesLost),
		"loss_burst_frame_accum", satBurstFrames)

	hitBurst := c.burstFrameAccum >= profile.BurstFrameThreshold
	hitFrames := c.windowFrameAccum >= profile.FrameThreshold
	hitEvents := c.windowEvents >= profile.EventThreshold
	sustained := hitBurst || (hitEvents && hitFrames)
	if !sustained {
		// Sub-threshold hiccups are common on lossy links; keep
		// accumulating so repeated drops can still trip the gate.
		return
	}

	trigger := "event threshold"
	if hitBurst {
		trigger = "burst threshold"
	} else if hitFrames {
		trigger = "frame threshold"
	}
	c.log.WithFields(logrus.Fields{
		"function":      "handleWindowedLoss",
		"trigger":       trigger,
		"window_events": c.windowEvents,
		"window_frames": c.windowFrameAccum,
		"burst_frames":  c.burstFrameAccum,
	}).Debug("Loss gate reached")

	c.windowStart = now
	c.windowEvents = 0
	c.windowFrameAccum = 0
	c.burstFrameAccum = 0
	c.burstStart = time.Time{}
	c.saturatedMask = 0

	if c.coordinator != nil &&
		(c.coordinator.StopRequested() || c.coordinator.RestartActive()) {
		return
	}

	if c.recoveryWindowStart.IsZero() ||
		now.Sub(c.recoveryWindowStart) > c.cfg.RecoveryWindow {
		c.recoveryWindowStart = now
		c.gateHits = 0
	}
	c.gateHits++

	if c.gateHits == 1 {
		c.log.WithFields(logrus.Fields{
			"function": "handleWindowedLoss",
			"trigger":  trigger,
		}).Debug("Loss recovery, keyframe only")
		c.requestIDR("packet-loss gate")
		c.showHint("Packet loss burst - requesting keyframe", false, c.cfg.HintKeyframeDuration)
		return
	}

	if now.Before(c.softGraceUntil) {
		// Pin the stage at 1 during startup grace so the next non-grace
		// hit resumes from post-keyframe behavior instead of resetting.
		c.gateHits = 1
		c.log.WithFields(logrus.Fields{
			"function":     "handleWindowedLoss",
			"trigger":      trigger,
			"remaining_ms": c.softGraceUntil.Sub(now).Milliseconds(),
		}).Debug("Restart suppressed by startup soft grace")
		c.requestIDR("packet-loss startup grace")
		return
	}

	if c.coordinator != nil && c.coordinator.ActionCooldownActive() {
		c.log.WithFields(logrus.Fields{
			"function": "handleWindowedLoss",
			"trigger":  trigger,
		}).Debug("Loss recovery skipped, action cooldown")
		c.requestIDR("packet-loss cooldown")
		return
	}

	c.escalateGate(trigger, now)
}

// escalateGate runs the stage-2 action: soft restart on the ultra-low
// preset, otherwise a latency downgrade, with a stream stop as the final
// fallback.
func (c *Controller) escalateGate(trigger string, now time.Time) {
	if c.mode == LatencyUltraLow && c.coordinator != nil {
		if c.coordinator.RetryAttempts() < 1 && !c.coordinator.RestartActive() {
			bitrate := uint32(DefaultRetryBitrateKbps)
			err := c.coordinator.RequestRecoveryRestart("loss_recovery_gate", bitrate, "")
			if err == nil {
				c.coordinator.MarkRetrySpent(bitrate)
				c.gateHits = 0
				c.log.WithFields(logrus.Fields{
					"function": "escalateGate",
					"trigger":  trigger,
					"bitrate":  bitrate,
					"av_diag":  c.diag(),
				}).Debug("Loss recovery restart scheduled")
				c.showHint("Network unstable - retrying at lower bitrate", true, c.cfg.HintErrorDuration)
				return
			}
			c.log.WithFields(logrus.Fields{
				"function": "escalateGate",
				"error":    err,
			}).Error("Soft restart request failed, falling back to stream stop")
		}
		c.showHint("Severe packet loss - pausing stream", true, c.cfg.HintErrorDuration)
	} else if c.mode != LatencyUltraLow {
		c.mode--
		c.autoDowngrades++
		c.log.WithFields(logrus.Fields{
			"function": "escalateGate",
			"mode":     c.mode.Label(),
		}).Debug("Auto latency mode downgrade triggered")
		c.showHint("Network unstable - switching to "+c.mode.Label()+" preset", true, c.cfg.HintErrorDuration)
	} else {
		c.showHint("Severe packet loss - pausing stream", true, c.cfg.HintErrorDuration)
	}

	if c.coordinator != nil {
		c.coordinator.NoteAction()
	}
	c.gateHits = 0
	if c.requestStop != nil {
		c.requestStop("packet loss")
	}
}

// handleUnrecoveredLoss tracks losses the pipeline could not paper over
// and escalates once keyframes stop helping. Returns true when a restart
// was set in motion.
func (c *Controller) handleUnrecoveredLoss(framesLost int32, recovered bool) bool {
	if framesLost <= 0 || recovered {
		c.unrecoveredStreak = 0
		return false
	}

	c.unrecoveredStreak += uint32(framesLost)
	if c.unrecoveredStreak < c.cfg.UnrecoveredStreak {
		return false
	}
	c.unrecoveredStreak = 0

	if c.coordinator != nil &&
		(c.coordinator.RestartActive() || c.coordinator.StopRequested()) {
		return false
	}

	now := c.cfg.TimeProvider.Now()
	if c.persistentWindowStart.IsZero() ||
		now.Sub(c.persistentWindowStart) > c.cfg.UnrecoveredPersistWindow {
		c.persistentWindowStart = now
		c.persistentEvents = 0
	}
	c.persistentEvents++

	if c.idrWindowStart.IsZero() ||
		now.Sub(c.idrWindowStart) > c.cfg.IDRIneffectiveWindow {
		c.idrWindowStart = now
		c.idrRequests = 0
	}

	idrIneffective := c.idrRequests >= c.cfg.IDRIneffectiveThreshold
	persistent := c.persistentEvents >= c.cfg.UnrecoveredPersistCount
	distressReason, avDistress := c.avDistress()

	if persistent && idrIneffective {
		if done, triggered := c.escalatePersistent(now, distressReason, avDistress); done {
			return triggered
		}
	}

	if c.gateWindowStart.IsZero() ||
		now.Sub(c.gateWindowStart) > c.cfg.UnrecoveredGateWindow {
		c.gateWindowStart = now
		c.gateEvents = 0
	}
	c.gateEvents++
	if c.gateEvents <= c.cfg.UnrecoveredGateThreshold {
		c.log.WithFields(logrus.Fields{
			"function":  "handleUnrecoveredLoss",
			"remaining": c.cfg.UnrecoveredGateThreshold - c.gateEvents + 1,
		}).Debug("Unrecovered frame gate tolerated")
		c.alertUntil = now.Add(c.cfg.AlertDuration)
		c.idrRequests++
		c.requestIDR("unrecovered frame gate")
		return false
	}

	c.gateEvents = 0
	c.gateWindowStart = now
	c.idrRequests++
	if now.Before(c.softGraceUntil) {
		c.log.WithFields(logrus.Fields{
			"function":     "handleUnrecoveredLoss",
			"remaining_ms": c.softGraceUntil.Sub(now).Milliseconds(),
		}).Debug("Restart suppressed by startup soft grace")
		c.requestIDR("unrecovered streak startup grace")
		return false
	}
	if !avDistress {
		c.log.WithField("function", "handleUnrecoveredLoss").
			Debug("Restart suppressed, no av distress")
		c.requestIDR("unrecovered streak no av distress")
		return false
	}

	c.requestIDR("unrecovered frame streak")
	c.log.WithFields(logrus.Fields{
		"function": "handleUnrecoveredLoss",
		"reason":   distressReason,
	}).Debug("Unrecovered frame streak, requesting soft restart")
	if c.coordinator == nil ||
		c.coordinator.RequestRecoveryRestart("unrecovered_streak",
			DefaultRetryBitrateKbps, "unrecovered streak restart failed") != nil {
		c.log.WithField("function", "handleUnrecoveredLoss").
			Error("Soft restart request failed after unrecovered frames, keeping stream alive")
		return false
	}
	c.showHint("Video desync - retrying stream", true, c.cfg.HintRecoveryDuration)
	c.resetUnrecoveredWindows(now)
	return true
}

// escalatePersistent handles the persistent-plus-ineffective-keyframes
// branch. done means the caller should stop; triggered means a restart
// was issued.
func (c *Controller) escalatePersistent(now time.Time, distressReason string, avDistress bool) (done, triggered bool) {
	if now.Before(c.hardGraceUntil) {
		c.log.WithFields(logrus.Fields{
			"function":     "escalatePersistent",
			"remaining_ms": c.hardGraceUntil.Sub(now).Milliseconds(),
		}).Debug("Restart suppressed by startup hard grace")
		c.idrRequests++
		c.requestIDR("unrecovered persistent startup grace")
		return true, false
	}
	if !avDistress {
		c.log.WithFields(logrus.Fields{
			"function": "escalatePersistent",
			"events":   c.persistentEvents,
			"idr":      c.idrRequests,
		}).Debug("Restart suppressed, no av distress")
		c.idrRequests++
		c.requestIDR("unrecovered persistent no av distress")
		return true, false
	}
	if c.coordinator != nil && c.coordinator.ActionCooldownActive() {
		c.log.WithField("function", "escalatePersistent").
			Debug("Unrecovered loss escalation cooled down")
		return true, false
	}

	c.log.WithFields(logrus.Fields{
		"function": "escalatePersistent",
		"events":   c.persistentEvents,
		"idr":      c.idrRequests,
		"reason":   distressReason,
	}).Debug("Persistent unrecovered loss, escalating to soft restart")
	if c.coordinator == nil ||
		c.coordinator.RequestRecoveryRestart("unrecovered_persistent",
			DefaultRetryBitrateKbps, "unrecovered persistent restart failed") != nil {
		c.log.WithField("function", "escalatePersistent").
			Error("Soft restart request failed after persistent unrecovered frames, keeping stream alive")
		return true, false
	}
	c.showHint("Video desync - rebuilding stream", true, c.cfg.HintRecoveryDuration)
	c.resetUnrecoveredWindows(now)
	return true, true
}

func (c *Controller) resetUnrecoveredWindows(now time.Time) {
	c.persistentEvents = 0
	c.persistentWindowStart = now
	c.idrRequests = 0
	c.idrWindowStart = now
}

// avDistress checks the diagnostics snapshot for evidence that the video
// pipeline itself is in trouble, not just the network. Restarts require
// this so short-lived loss bursts cannot cause restart oscillation.
func (c *Controller) avDistress() (string, bool) {
	snap := c.diag()
	if snap.MissingRef >= 2 {
		return "missing_ref", true
	}
	if snap.CorruptBursts >= 4 {
		return "corrupt_burst", true
	}
	if snap.FECFails > 0 {
		return "fec_fail", true
	}
	if snap.SendbufOverflows > 0 {
		return "sendbuf_overflow", true
	}

	targetFPS := c.metrics.TargetFPS
	if targetFPS == 0 {
		targetFPS = c.metrics.NegotiatedFPS
	}
	incomingFPS := c.metrics.IncomingFPS
	// Stronger evidence threshold than the low-fps health windows: 70% of
	// target, so brief dips do not count as distress.
	if targetFPS != 0 && incomingFPS != 0 &&
		uint64(incomingFPS)*100 < uint64(targetFPS)*70 {
		return "fps_drop", true
	}
	return "av_healthy", false
}

func (c *Controller) requestIDR(reason string) {
	if c.transport != nil {
		c.transport.RequestIDR(reason)
	}
}

func (c *Controller) showHint(text string, isError bool, d time.Duration) {
	if c.hint != nil {
		c.hint(text, isError, d)
	}
}
