package recovery

import (
	"time"

	"github.com/sirupsen/logrus"
)

// QuitReason classifies why a streaming session ended.
type QuitReason int

const (
	QuitNone QuitReason = iota
	// QuitStopped is a local stop, including aborted soft restarts.
	QuitStopped
	QuitSessionRequestUnknown
	QuitSessionRequestConnectionRefused
	// QuitSessionRequestInUse means the console already serves another
	// remote play session.
	QuitSessionRequestInUse
	// QuitSessionRequestCrash means the console's remote play crashed.
	QuitSessionRequestCrash
	QuitSessionRequestVersionMismatch
	QuitCtrlUnknown
	QuitCtrlConnectFailed
	QuitCtrlConnectionRefused
	QuitStreamConnectionUnknown
	QuitStreamRemoteDisconnected
	// QuitStreamRemoteShutdown is the console going to sleep; graceful.
	QuitStreamRemoteShutdown
	QuitRegistrationFailed
)

// Label returns the user-facing description of the reason.
func (r QuitReason) Label() string {
	switch r {
	case QuitNone:
		return "No quit"
	case QuitStopped:
		return "User stopped"
	case QuitSessionRequestUnknown:
		return "Session request failed"
	case QuitSessionRequestConnectionRefused:
		return "Connection refused"
	case QuitSessionRequestInUse:
		return "Remote Play already in use"
	case QuitSessionRequestCrash:
		return "Remote Play crashed"
	case QuitSessionRequestVersionMismatch:
		return "Remote Play version mismatch"
	case QuitCtrlUnknown:
		return "Control channel failure"
	case QuitCtrlConnectFailed:
		return "Control connection failed"
	case QuitCtrlConnectionRefused:
		return "Control connection refused"
	case QuitStreamConnectionUnknown:
		return "Stream connection failure"
	case QuitStreamRemoteDisconnected:
		return "Console disconnected"
	case QuitStreamRemoteShutdown:
		return "Console shutdown"
	case QuitRegistrationFailed:
		return "Registration failed"
	default:
		return "Unspecified"
	}
}

// IsError reports whether the reason represents a failure rather than a
// graceful shutdown.
func (r QuitReason) IsError() bool {
	switch r {
	case QuitNone, QuitStopped, QuitStreamRemoteShutdown:
		return false
	default:
		return true
	}
}

// RequiresRetry reports whether an automatic reconnect makes sense for
// the reason. A busy or crashed console will refuse an immediate
// reconnect, so those do not retry.
func (r QuitReason) RequiresRetry() bool {
	switch r {
	case QuitSessionRequestInUse, QuitSessionRequestCrash:
		return false
	default:
		return true
	}
}

// QuitEvent describes a session quit as delivered by the transport.
type QuitEvent struct {
	Reason QuitReason
	// ReasonText is the transport's own description, if any.
	ReasonText string
	// UserRequested marks quits caused by an explicit local stop.
	UserRequested bool
}

// QuitDecision is what the caller should do after a quit event.
type QuitDecision struct {
	// Finalize is true when the session should be torn down completely
	// rather than kept for a retry.
	Finalize bool
	// Banner is the disconnect message to surface; empty for user stops.
	Banner string
	// NextAttemptAt gates the next manual or automatic stream start.
	NextAttemptAt time.Time
	// HoldoffArmed is true when the busy-console holdoff extended
	// NextAttemptAt.
	HoldoffArmed bool
	// HandshakeFailure is true when the quit was classified as a failed
	// soft restart handshake.
	HandshakeFailure bool
	// CooloffUntil is the restart suppression deadline, zero when none.
	CooloffUntil time.Time
	// RetryScheduled is true when a bounded hard fallback reconnect
	// should run at RetryAt with RetryBitrateKbps.
	RetryScheduled   bool
	RetryAt          time.Time
	RetryAttempt     uint32
	RetryBitrateKbps uint32
}

// HandleQuit classifies a quit event and computes cooldowns, cooloffs
// and the hard fallback retry. It resets per-session recovery state
// while preserving the handshake failure history that spans sessions.
func (c *Coordinator) HandleQuit(ev QuitEvent) QuitDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.TimeProvider.Now()
	userStop := c.stopRequested || ev.UserRequested
	restartFailed := c.restartActive
	fallbackActive := c.retryActive || c.retryPending

	log := c.log.WithFields(logrus.Fields{
		"function":       "HandleQuit",
		"reason":         ev.Reason.Label(),
		"user_stop":      userStop,
		"restart_active": c.restartActive,
		"retry_pending":  c.retryPending,
		"retry_active":   c.retryActive,
	})
	log.Info("Session quit")

	decision := QuitDecision{
		Finalize: !fallbackActive && !c.restartActive,
	}

	remoteInUse := ev.Reason == QuitSessionRequestInUse
	remoteCrash := ev.Reason == QuitSessionRequestCrash

	// A soft restart that dies with a plain stop never completed its
	// handshake; repeated failures grow the cooloff.
	if !userStop && restartFailed && ev.Reason == QuitStopped {
		withinWindow := !c.lastHandshakeFail.IsZero() &&
			now.Sub(c.lastHandshakeFail) <= c.cfg.HandshakeRepeatWindow
		if withinWindow {
			if c.handshakeFailures < ^uint32(0) {
				c.handshakeFailures++
			}
		} else {
			c.handshakeFailures = 1
			c.sourceAttempts = 1
		}
		c.lastHandshakeFail = now
		cooloff := c.cfg.HandshakeCooloffFirst
		if c.handshakeFailures > 1 {
			cooloff = c.cfg.HandshakeCooloffRepeat
		}
		c.cooloffUntil = now.Add(cooloff)
		decision.HandshakeFailure = true
		log.WithFields(logrus.Fields{
			"failures":   c.handshakeFailures,
			"cooloff_ms": cooloff.Milliseconds(),
			"source":     c.lastSource,
		}).Debug("Restart handshake failure classified")
	}

	if c.hint != nil && (remoteInUse || remoteCrash) {
		text := "Remote Play already active on console"
		if remoteCrash {
			text = "Console Remote Play crashed - wait a moment"
		}
		c.hint(text, true, c.cfg.HintErrorDuration)
	}

	retryDelay := c.cfg.RetryCooldown
	if !c.stopRequested && (remoteInUse || remoteCrash) {
		retryDelay = c.cfg.RetryFailureCooldown
	}

	// A busy console right after our own soft restart means the old
	// session is still winding down; give it extra room.
	if !c.stopRequested && remoteInUse &&
		(restartFailed || fallbackActive || c.restartFailureActive) {
		c.holdoffUntil = now.Add(c.cfg.RetryHoldoffInUse)
		decision.HoldoffArmed = true
		log.WithField("holdoff_ms", c.cfg.RetryHoldoffInUse.Milliseconds()).
			Debug("Retry holdoff armed, busy console after soft restart")
	}

	throttleUntil := now.Add(retryDelay)
	if c.holdoffUntil.After(throttleUntil) {
		throttleUntil = c.holdoffUntil
	}
	if c.stopRequested {
		c.nextStreamAllowed = time.Time{}
	} else {
		c.nextStreamAllowed = throttleUntil
	}
	decision.NextAttemptAt = c.nextStreamAllowed

	if !userStop {
		if !ev.Reason.IsError() {
			if ev.Reason == QuitStreamRemoteShutdown {
				decision.Banner = "Console entered sleep mode"
			} else {
				decision.Banner = "Console disconnected"
			}
		} else if ev.ReasonText != "" {
			decision.Banner = ev.ReasonText
		} else {
			decision.Banner = ev.Reason.Label()
		}
	}

	// Handshake history older than the repeat window no longer predicts
	// anything; drop it along with the cooloff and source backoff.
	if !c.lastHandshakeFail.IsZero() &&
		now.Sub(c.lastHandshakeFail) > c.cfg.HandshakeRepeatWindow {
		c.handshakeFailures = 0
		c.lastHandshakeFail = time.Time{}
		c.cooloffUntil = time.Time{}
		c.lastSource = ""
		c.sourceAttempts = 0
	}
	if c.cooloffUntil.After(now) {
		decision.CooloffUntil = c.cooloffUntil
	} else {
		c.cooloffUntil = time.Time{}
	}
	if !c.holdoffUntil.After(now) {
		c.holdoffUntil = time.Time{}
	}

	retryBitrate := c.retryBitrateKbps
	retryAttempts := c.retryAttempts
	c.retryPending = false
	c.retryActive = false
	c.stopRequested = false
	c.restartActive = false

	scheduleRetry := restartFailed && ev.Reason.RequiresRetry() &&
		retryBitrate > 0 && retryAttempts < c.cfg.HardRetryMaxAttempts
	if scheduleRetry {
		c.retryAttempts = retryAttempts + 1
		c.retryPending = true
		retryAt := now.Add(c.cfg.HardRetryDelay)
		if c.nextStreamAllowed.After(retryAt) {
			retryAt = c.nextStreamAllowed
		}
		decision.RetryScheduled = true
		decision.RetryAt = retryAt
		decision.RetryAttempt = c.retryAttempts
		decision.RetryBitrateKbps = retryBitrate
		log.WithFields(logrus.Fields{
			"retry_attempt": c.retryAttempts,
			"retry_in_ms":   retryAt.Sub(now).Milliseconds(),
			"bitrate":       retryBitrate,
		}).Debug("Soft restart failed, scheduling hard fallback retry")
	} else if restartFailed && !ev.Reason.RequiresRetry() {
		log.Debug("Skipping hard fallback retry for this quit reason")
	}

	return decision
}

// ReportRetryResult records the outcome of a hard fallback reconnect the
// caller executed for a scheduled retry.
func (c *Coordinator) ReportRetryResult(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryPending = false
	c.retryActive = false
	if !ok {
		c.lastRestartFailure = c.cfg.TimeProvider.Now()
		c.restartFailureActive = true
		c.log.WithField("function", "ReportRetryResult").
			Error("Fallback reconnect failed")
	}
}
