package recovery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport issues recovery actions toward the sender.
type Transport interface {
	// RequestIDR asks the sender for a keyframe. Fire and forget.
	RequestIDR(reason string)
	// RequestStreamRestart renegotiates the stream at the given bitrate
	// without tearing the session down.
	RequestStreamRestart(bitrateKbps uint32) error
}

// HintFunc surfaces a short user-facing status message.
type HintFunc func(text string, isError bool, duration time.Duration)

// Default coordinator tuning.
const (
	DefaultActionCooldown         = 10 * time.Second
	DefaultFailureCooldown        = 5 * time.Second
	DefaultRestartAttempts        = 2
	DefaultRestartRetryBackoff    = 250 * time.Millisecond
	DefaultMaxAutoReconnects      = 3
	DefaultRetryBitrateKbps       = 800
	DefaultRestartBitrateCapKbps  = 1500
	DefaultHandshakeRepeatWindow  = 60 * time.Second
	DefaultHandshakeCooloffFirst  = 8 * time.Second
	DefaultHandshakeCooloffRepeat = 12 * time.Second
	DefaultRetryCooldown          = 3 * time.Second
	DefaultRetryFailureCooldown   = 5 * time.Second
	DefaultRetryHoldoffInUse      = 9 * time.Second
	DefaultHardRetryDelay         = 2 * time.Second
	DefaultHardRetryMaxAttempts   = 2
	DefaultHintErrorDuration      = 7 * time.Second
)

// CoordinatorConfig carries the restart gate tuning.
type CoordinatorConfig struct {
	// ActionCooldown is the shared minimum spacing between recovery
	// actions of any source.
	ActionCooldown time.Duration
	// FailureCooldown blocks new restart attempts after a failed one.
	FailureCooldown time.Duration
	// RestartAttempts is how many times a restart request is tried
	// against the transport before giving up.
	RestartAttempts int
	// RestartRetryBackoff is the fixed wait between transport attempts.
	RestartRetryBackoff time.Duration
	// MaxAutoReconnects bounds automatic restarts per session.
	MaxAutoReconnects uint32
	// DefaultBitrateKbps is used when a restart names no bitrate.
	DefaultBitrateKbps uint32
	// BitrateCapKbps caps restart bitrates when ClampRestartBitrate is
	// set.
	BitrateCapKbps      uint32
	ClampRestartBitrate bool
	// HandshakeRepeatWindow groups handshake failures; failures further
	// apart than this reset the failure count and cooloff.
	HandshakeRepeatWindow time.Duration
	// HandshakeCooloffFirst and HandshakeCooloffRepeat are the restart
	// cooloffs after the first and repeated handshake failures.
	HandshakeCooloffFirst  time.Duration
	HandshakeCooloffRepeat time.Duration
	// RetryCooldown is the base delay before the next full stream attempt
	// after a quit; RetryFailureCooldown applies when the console was
	// busy or crashed.
	RetryCooldown        time.Duration
	RetryFailureCooldown time.Duration
	// RetryHoldoffInUse extends the delay when the console reports remote
	// play in use right after a soft restart.
	RetryHoldoffInUse time.Duration
	// HardRetryDelay and HardRetryMaxAttempts bound the hard fallback
	// reconnects after a failed soft restart.
	HardRetryDelay       time.Duration
	HardRetryMaxAttempts uint32
	// HintErrorDuration is how long error hints stay visible.
	HintErrorDuration time.Duration

	TimeProvider TimeProvider
	// Sleep implements the restart retry backoff; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultCoordinatorConfig returns the tuned production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ActionCooldown:         DefaultActionCooldown,
		FailureCooldown:        DefaultFailureCooldown,
		RestartAttempts:        DefaultRestartAttempts,
		RestartRetryBackoff:    DefaultRestartRetryBackoff,
		MaxAutoReconnects:      DefaultMaxAutoReconnects,
		DefaultBitrateKbps:     DefaultRetryBitrateKbps,
		BitrateCapKbps:         DefaultRestartBitrateCapKbps,
		ClampRestartBitrate:    true,
		HandshakeRepeatWindow:  DefaultHandshakeRepeatWindow,
		HandshakeCooloffFirst:  DefaultHandshakeCooloffFirst,
		HandshakeCooloffRepeat: DefaultHandshakeCooloffRepeat,
		RetryCooldown:          DefaultRetryCooldown,
		RetryFailureCooldown:   DefaultRetryFailureCooldown,
		RetryHoldoffInUse:      DefaultRetryHoldoffInUse,
		HardRetryDelay:         DefaultHardRetryDelay,
		HardRetryMaxAttempts:   DefaultHardRetryMaxAttempts,
		HintErrorDuration:      DefaultHintErrorDuration,
		TimeProvider:           DefaultTimeProvider{},
		Sleep:                  time.Sleep,
	}
}

// Coordinator is the single gate all restart requests pass through, and
// the arbiter of what happens after a session quits. It serializes its
// state with a mutex; all checks and the restart itself run under it so
// concurrent requesters cannot double-restart.
type Coordinator struct {
	cfg       CoordinatorConfig
	log       *logrus.Entry
	transport Transport
	hint      HintFunc

	mu sync.Mutex

	stopRequested        bool
	restartActive        bool
	restartFailureActive bool
	lastRestartFailure   time.Time
	lastAction           time.Time
	cooloffUntil         time.Time
	autoReconnectCount   uint32

	lastSource     string
	sourceAttempts uint32

	handshakeFailures uint32
	lastHandshakeFail time.Time

	retryPending     bool
	retryActive      bool
	retryAttempts    uint32
	retryBitrateKbps uint32

	holdoffUntil      time.Time
	nextStreamAllowed time.Time
}

// NewCoordinator creates a coordinator over the transport. hint may be
// nil.
func NewCoordinator(cfg CoordinatorConfig, transport Transport, hint HintFunc) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.ActionCooldown <= 0 {
		cfg.ActionCooldown = def.ActionCooldown
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = def.FailureCooldown
	}
	if cfg.RestartAttempts <= 0 {
		cfg.RestartAttempts = def.RestartAttempts
	}
	if cfg.RestartRetryBackoff <= 0 {
		cfg.RestartRetryBackoff = def.RestartRetryBackoff
	}
	if cfg.MaxAutoReconnects == 0 {
		cfg.MaxAutoReconnects = def.MaxAutoReconnects
	}
	if cfg.DefaultBitrateKbps == 0 {
		cfg.DefaultBitrateKbps = def.DefaultBitrateKbps
	}
	if cfg.BitrateCapKbps == 0 {
		cfg.BitrateCapKbps = def.BitrateCapKbps
	}
	if cfg.HandshakeRepeatWindow <= 0 {
		cfg.HandshakeRepeatWindow = def.HandshakeRepeatWindow
	}
	if cfg.HandshakeCooloffFirst <= 0 {
		cfg.HandshakeCooloffFirst = def.HandshakeCooloffFirst
	}
	if cfg.HandshakeCooloffRepeat <= 0 {
		cfg.HandshakeCooloffRepeat = def.HandshakeCooloffRepeat
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = def.RetryCooldown
	}
	if cfg.RetryFailureCooldown <= 0 {
		cfg.RetryFailureCooldown = def.RetryFailureCooldown
	}
	if cfg.RetryHoldoffInUse <= 0 {
		cfg.RetryHoldoffInUse = def.RetryHoldoffInUse
	}
	if cfg.HardRetryDelay <= 0 {
		cfg.HardRetryDelay = def.HardRetryDelay
	}
	if cfg.HardRetryMaxAttempts == 0 {
		cfg.HardRetryMaxAttempts = def.HardRetryMaxAttempts
	}
	if cfg.HintErrorDuration <= 0 {
		cfg.HintErrorDuration = def.HintErrorDuration
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = DefaultTimeProvider{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Coordinator{
		cfg:       cfg,
		log:       logrus.WithField("component", "restart_coordinator"),
		transport: transport,
		hint:      hint,
	}
}

// RequestStop marks the session as stopping; all further recovery
// actions are suppressed until the next quit event clears it.
func (c *Coordinator) RequestStop() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

// StopRequested reports whether a stop is in progress.
func (c *Coordinator) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// RestartActive reports whether a soft restart is currently in flight.
func (c *Coordinator) RestartActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartActive
}

// RetryAttempts returns how many loss-driven retries this session spent.
func (c *Coordinator) RetryAttempts() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryAttempts
}

// AutoReconnects returns the automatic reconnects spent this session.
func (c *Coordinator) AutoReconnects() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoReconnectCount
}

// CooloffActive reports whether restarts are suppressed by a handshake
// failure cooloff.
func (c *Coordinator) CooloffActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.TimeProvider.Now().Before(c.cooloffUntil)
}

// SourceBackoff reports whether source failed a restart handshake
// recently enough that a repeat from the same source should back off.
func (c *Coordinator) SourceBackoff(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.TimeProvider.Now()
	return c.lastSource == source &&
		c.sourceAttempts > 1 &&
		!c.lastHandshakeFail.IsZero() &&
		now.Sub(c.lastHandshakeFail) <= c.cfg.HandshakeRepeatWindow
}

// StreamConnected clears the per-attempt throttles once a stream comes
// up: the next-attempt gate, the busy-console holdoff and the handshake
// failure history. A connected stream also completes any in-flight soft
// restart.
func (c *Coordinator) StreamConnected() {
	c.mu.Lock()
	c.nextStreamAllowed = time.Time{}
	c.holdoffUntil = time.Time{}
	c.handshakeFailures = 0
	c.lastHandshakeFail = time.Time{}
	c.cooloffUntil = time.Time{}
	c.lastSource = ""
	c.sourceAttempts = 0
	c.restartActive = false
	c.mu.Unlock()
}

// NextStreamAllowed returns when the next stream attempt may start; the
// zero time means no throttle is armed.
func (c *Coordinator) NextStreamAllowed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextStreamAllowed
}

// NoteAction records a recovery action for the shared cooldown without
// issuing a restart (mode downgrades and stream stops count too).
func (c *Coordinator) NoteAction() {
	c.mu.Lock()
	c.lastAction = c.cfg.TimeProvider.Now()
	c.mu.Unlock()
}

// ActionCooldownActive reports whether the shared action cooldown is
// still running.
func (c *Coordinator) ActionCooldownActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actionCooldownActiveLocked(c.cfg.TimeProvider.Now())
}

func (c *Coordinator) actionCooldownActiveLocked(now time.Time) bool {
	return !c.lastAction.IsZero() && now.Sub(c.lastAction) < c.cfg.ActionCooldown
}

// MarkRetrySpent records a loss-driven retry so later escalations and
// quit handling can budget against it.
func (c *Coordinator) MarkRetrySpent(bitrateKbps uint32) {
	c.mu.Lock()
	c.retryAttempts++
	c.retryBitrateKbps = bitrateKbps
	c.retryActive = true
	c.mu.Unlock()
}

// RequestRestart asks the transport for a soft stream restart on behalf
// of source. Every suppression path returns a sentinel error; a nil
// return means the restart is in flight (or already was).
func (c *Coordinator) RequestRestart(source string, bitrateKbps uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.TimeProvider.Now()
	log := c.log.WithFields(logrus.Fields{
		"function": "RequestRestart",
		"source":   source,
		"bitrate":  bitrateKbps,
	})

	if c.stopRequested {
		log.Debug("Restart skipped, stop requested")
		return ErrStopRequested
	}
	if c.autoReconnectCount >= c.cfg.MaxAutoReconnects {
		log.WithField("auto_count", c.autoReconnectCount).
			Debug("Restart suppressed, reconnect budget exhausted")
		return ErrMaxReconnects
	}
	if c.restartActive {
		log.Debug("Soft restart already active, ignoring duplicate request")
		return nil
	}
	if now.Before(c.cooloffUntil) {
		log.WithField("remaining_ms", c.cooloffUntil.Sub(now).Milliseconds()).
			Debug("Restart blocked by handshake cooloff")
		return ErrCooloffActive
	}
	if c.actionCooldownActiveLocked(now) {
		log.WithField("remaining_ms",
			(c.cfg.ActionCooldown - now.Sub(c.lastAction)).Milliseconds()).
			Debug("Restart skipped, action cooldown active")
		return ErrActionCooldown
	}

	if c.lastSource != source {
		c.lastSource = source
		c.sourceAttempts = 1
	} else if c.sourceAttempts < ^uint32(0) {
		c.sourceAttempts++
	}

	if err := c.restartLocked(bitrateKbps, now, log); err != nil {
		log.WithField("attempt", c.sourceAttempts).Error("Restart request failed")
		return err
	}

	c.autoReconnectCount++
	c.lastAction = now
	log.WithFields(logrus.Fields{
		"attempt":    c.sourceAttempts,
		"auto_count": c.autoReconnectCount,
	}).Debug("Restart requested")
	return nil
}

// RequestRecoveryRestart is RequestRestart plus failure bookkeeping for
// the loss-driven paths: a failed or suppressed request arms the failure
// cooldown and falls back to a keyframe so the decoder can resync while
// restarts are blocked. failureResyncReason may be empty to skip the
// fallback keyframe.
func (c *Coordinator) RequestRecoveryRestart(source string, bitrateKbps uint32, failureResyncReason string) error {
	err := c.RequestRestart(source, bitrateKbps)

	c.mu.Lock()
	now := c.cfg.TimeProvider.Now()
	if err == nil {
		c.lastRestartFailure = time.Time{}
		c.restartFailureActive = false
		c.mu.Unlock()
		return nil
	}
	c.lastRestartFailure = now
	c.restartFailureActive = true
	cooloff := now.Before(c.cooloffUntil)
	c.mu.Unlock()

	if c.transport != nil {
		if cooloff {
			c.transport.RequestIDR("restart cooloff")
		} else if failureResyncReason != "" {
			c.transport.RequestIDR(failureResyncReason)
		}
	}
	return err
}

// restartLocked performs the transport request with the bounded retry
// loop. Caller holds the mutex.
func (c *Coordinator) restartLocked(bitrateKbps uint32, now time.Time, log *logrus.Entry) error {
	if c.transport == nil {
		log.Error("Cannot restart stream, no transport attached")
		return ErrNoTransport
	}
	if !c.lastRestartFailure.IsZero() &&
		now.Sub(c.lastRestartFailure) < c.cfg.FailureCooldown {
		log.WithField("remaining_ms",
			(c.cfg.FailureCooldown - now.Sub(c.lastRestartFailure)).Milliseconds()).
			Debug("Restart failure cooldown active, delaying")
		return ErrFailureCooldown
	}

	bitrate := bitrateKbps
	if bitrate == 0 {
		bitrate = c.cfg.DefaultBitrateKbps
	}
	if c.cfg.ClampRestartBitrate && bitrate > c.cfg.BitrateCapKbps {
		log.WithFields(logrus.Fields{
			"requested": bitrate,
			"cap":       c.cfg.BitrateCapKbps,
		}).Debug("Restart bitrate exceeds cap, clamping")
		bitrate = c.cfg.BitrateCapKbps
	}

	var err error
	for attempt := 0; attempt < c.cfg.RestartAttempts; attempt++ {
		err = c.transport.RequestStreamRestart(bitrate)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt+1).
					Debug("Restart request succeeded on retry")
			}
			break
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"error":   err,
		}).Error("Restart request attempt failed")
		if attempt+1 < c.cfg.RestartAttempts {
			c.cfg.Sleep(c.cfg.RestartRetryBackoff)
		}
	}
	if err != nil {
		return ErrRestartFailed
	}

	c.restartActive = true
	c.restartFailureActive = false
	return nil
}
