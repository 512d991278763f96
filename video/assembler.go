package video

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamcore/seqnum"
)

// Default gap report pacing. A pending report is transmitted once its hold
// deadline passes or its span reaches the force threshold, whichever comes
// first.
const (
	DefaultGapReportHold      = 12 * time.Millisecond
	DefaultGapReportForceSpan = 6
)

// AssemblerConfig carries the tunable parameters of frame assembly.
type AssemblerConfig struct {
	// GapReportHold is how long a pending gap report is held for
	// coalescing before transmission.
	GapReportHold time.Duration
	// GapReportForceSpan transmits a pending report immediately once it
	// covers this many frames.
	GapReportForceSpan uint16
	// TimeProvider supplies the current time; defaults to the system
	// clock.
	TimeProvider TimeProvider
}

// DefaultAssemblerConfig returns the tuned production defaults.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		GapReportHold:      DefaultGapReportHold,
		GapReportForceSpan: DefaultGapReportForceSpan,
		TimeProvider:       DefaultTimeProvider{},
	}
}

// noFrame is the sentinel for "no frame seen yet" in cur/prev tracking.
// Frame indices are 16-bit, so the full int32 range is safely out of band.
const noFrame int32 = -1

// Assembler turns an ordered stream of units into delivered frames.
//
// All methods must be called from a single goroutine; the assembler holds
// no locks. Construction wires the four collaborator seams, which must all
// be non-nil except sample and statsSink.
type Assembler struct {
	cfg      AssemblerConfig
	log      *logrus.Entry
	fec      FrameFEC
	parser   BitstreamParser
	reporter CorruptionReporter
	sample   SampleFunc

	statsSink PacketStatsSink

	profiles   []Profile
	profileCur int32

	frameCur          int32
	framePrev         int32
	framePrevComplete seqnum.Num16
	framesLost        uint32
	seenLastUnit      bool
	curFrameFirstPkt  time.Time

	refFrames *referenceRing

	gap GapReportState

	lastCorruptValid bool
	lastCorruptStart seqnum.Num16
	lastCorruptEnd   seqnum.Num16

	stage  stageStats
	stream StreamStats
}

// NewAssembler creates an assembler over the given collaborators. sample
// may be nil, in which case frames are assembled and accounted but not
// delivered.
func NewAssembler(cfg AssemblerConfig, fec FrameFEC, parser BitstreamParser, reporter CorruptionReporter, sample SampleFunc) (*Assembler, error) {
	if cfg.GapReportHold <= 0 {
		cfg.GapReportHold = DefaultGapReportHold
	}
	if cfg.GapReportForceSpan == 0 {
		cfg.GapReportForceSpan = DefaultGapReportForceSpan
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = DefaultTimeProvider{}
	}

	refFrames, err := newReferenceRing()
	if err != nil {
		return nil, err
	}

	return &Assembler{
		cfg:        cfg,
		log:        logrus.WithField("component", "video_assembler"),
		fec:        fec,
		parser:     parser,
		reporter:   reporter,
		sample:     sample,
		profileCur: noFrame,
		frameCur:   noFrame,
		framePrev:  noFrame,
		refFrames:  refFrames,
	}, nil
}

// SetPacketStatsSink installs an optional consumer for per-frame unit
// delivery counts.
func (a *Assembler) SetPacketStatsSink(sink PacketStatsSink) {
	a.statsSink = sink
}

// SetStreamInfo installs the negotiated profile table. It may be called
// once per stream.
func (a *Assembler) SetStreamInfo(profiles []Profile) error {
	if len(a.profiles) > 0 {
		a.log.WithField("function", "SetStreamInfo").Error("Video profiles already set")
		return ErrProfilesAlreadySet
	}
	a.profiles = profiles
	for i, p := range profiles {
		a.log.WithFields(logrus.Fields{
			"function": "SetStreamInfo",
			"profile":  i,
			"width":    p.Width,
			"height":   p.Height,
		}).Info("Video profile")
	}
	return nil
}

// LastStageSnapshot returns the most recently completed pipeline stage
// window.
func (a *Assembler) LastStageSnapshot() StageSnapshot {
	return a.stage.last
}

// Stream returns the delivered frame and byte totals.
func (a *Assembler) Stream() StreamStats {
	return a.stream
}

// FlushGapReport transmits the pending gap report if forced, or if its
// hold deadline has passed or its span reached the force threshold. The
// owner of the receive loop calls this periodically since the assembler
// arms no timers of its own.
func (a *Assembler) FlushGapReport(force bool) {
	a.flushGapReport(a.cfg.TimeProvider.Now(), force)
}

func (a *Assembler) flushGapReport(now time.Time, force bool) {
	if !a.gap.Pending {
		return
	}
	span := seqnum.Span16(a.gap.Start, a.gap.End)
	if !force && now.Before(a.gap.Deadline) && span < a.cfg.GapReportForceSpan {
		return
	}
	reason := "held"
	if force {
		reason = "forced"
	}
	a.reportCorruptRange(a.gap.Start, a.gap.End, reason)
	a.gap.Pending = false
}

func (a *Assembler) reportCorruptRange(start, end seqnum.Num16, reason string) {
	// A repeat report for the same start with no new frames adds nothing.
	if a.lastCorruptValid && a.lastCorruptStart == start && a.lastCorruptEnd.Ge(end) {
		return
	}

	a.log.WithFields(logrus.Fields{
		"function": "reportCorruptRange",
		"start":    uint16(start),
		"end":      uint16(end),
		"reason":   reason,
	}).Warn("Detected missing or corrupt frames")
	a.reporter.ReportCorruptFrames(start, end)
	a.lastCorruptValid = true
	a.lastCorruptStart = start
	a.lastCorruptEnd = end
}

// PushUnit ingests one reordered unit. Packet-level problems (old frames,
// bad profile indices, unfinishable frames) are absorbed into counters and
// reports; the returned error classifies them for callers that care.
func (a *Assembler) PushUnit(u *Unit) error {
	now := a.cfg.TimeProvider.Now()
	a.flushGapReport(now, false)

	frameIndex := u.FrameIndex
	if a.frameCur != noFrame && frameIndex.Lt(seqnum.Num16(a.frameCur)) {
		a.log.WithFields(logrus.Fields{
			"function":    "PushUnit",
			"frame_index": uint16(frameIndex),
			"frame_cur":   a.frameCur,
		}).Warn("Received old frame packet")
		return nil
	}

	if a.profileCur == noFrame || a.profileCur != int32(u.ProfileIndex) {
		if int(u.ProfileIndex) >= len(a.profiles) {
			a.log.WithFields(logrus.Fields{
				"function":       "PushUnit",
				"profile_index":  u.ProfileIndex,
				"profiles_count": len(a.profiles),
			}).Error("Packet has invalid profile index")
			return ErrProfileOutOfRange
		}
		a.profileCur = int32(u.ProfileIndex)

		profile := a.profiles[a.profileCur]
		a.log.WithFields(logrus.Fields{
			"function": "PushUnit",
			"profile":  a.profileCur,
			"width":    profile.Width,
			"height":   profile.Height,
		}).Info("Switched video profile")
		if a.sample != nil {
			a.sample(profile.Header, 0, false)
		}
		if err := a.parser.ParseHeader(profile.Header); err != nil {
			a.log.WithFields(logrus.Fields{
				"function": "PushUnit",
				"error":    err,
			}).Error("Failed to parse video header")
		}
	}

	if a.frameCur == noFrame || frameIndex.Gt(seqnum.Num16(a.frameCur)) {
		a.beginFrame(u, frameIndex, now)
	}

	if err := a.fec.PutUnit(u); err != nil {
		a.log.WithFields(logrus.Fields{
			"function":    "PushUnit",
			"frame_index": uint16(frameIndex),
			"unit_index":  u.UnitIndex,
			"error":       err,
		}).Warn("Failed to store frame unit")
	}
	if u.UnitIndex == u.UnitsInFrame-1 {
		a.seenLastUnit = true
	}

	// Flush only when enough units are present (source plus parity) so a
	// reordered "last unit" marker cannot finalize the frame prematurely.
	if a.frameCur != a.framePrev && a.fec.FlushPossible() {
		return a.flushFrame()
	}
	return nil
}

// beginFrame closes out the previous frame and prepares for a new one.
func (a *Assembler) beginFrame(u *Unit, frameIndex seqnum.Num16, now time.Time) {
	if a.statsSink != nil {
		received, expected := a.fec.PacketStats()
		a.statsSink.ReportPacketStats(received, expected)
	}

	// Previous frame still open: force a flush attempt before moving on.
	if a.frameCur != noFrame && a.framePrev != a.frameCur {
		a.flushFrame()
	}

	nextExpected := a.framePrevComplete + 1
	// Frame 1 arriving first is the normal start of stream, not a gap.
	if frameIndex.Gt(nextExpected) && !(frameIndex == 1 && a.frameCur == noFrame) {
		gapEnd := frameIndex - 1
		action, flushStart, flushEnd := a.gap.Update(nextExpected, gapEnd, now, a.cfg.GapReportHold)
		if action == GapActionFlushPrevious {
			a.reportCorruptRange(flushStart, flushEnd, "superseded")
		}
		a.flushGapReport(now, false)
	}

	a.frameCur = int32(frameIndex)
	a.seenLastUnit = false
	a.curFrameFirstPkt = now
	if err := a.fec.AllocFrame(u); err != nil {
		a.log.WithFields(logrus.Fields{
			"function":    "beginFrame",
			"frame_index": uint16(frameIndex),
			"error":       err,
		}).Error("Failed to allocate frame buffers")
	}
}

// flushFrame materializes the current frame, runs reference recovery and
// delivers the result.
func (a *Assembler) flushFrame() error {
	flushStart := a.cfg.TimeProvider.Now()
	var assemble time.Duration
	if !a.curFrameFirstPkt.IsZero() && !flushStart.Before(a.curFrameFirstPkt) {
		assemble = flushStart.Sub(a.curFrameFirstPkt)
	}

	frameCur := seqnum.Num16(a.frameCur)
	frame, result := a.fec.Flush()

	if result == FlushFailed || result == FlushFECFailed {
		a.stage.observeDrop()
		err := ErrFrameIncomplete
		if result == FlushFECFailed {
			err = ErrFECFailure
			a.reporter.ReportFECFailure()
			nextExpected := a.framePrevComplete + 1
			a.reportCorruptRange(nextExpected, frameCur, "fec_failed")
			a.framesLost += uint32(seqnum.Span16(nextExpected, frameCur))
			// Give up on this frame entirely.
			a.framePrev = a.frameCur
		}
		a.log.WithFields(logrus.Fields{
			"function":       "flushFrame",
			"frame_index":    uint16(frameCur),
			"seen_last_unit": a.seenLastUnit,
			"result":         result,
		}).Warn("Failed to complete frame")
		a.rollStageWindow()
		return err
	}

	succ := true
	recovered := result == FlushFECRecovered

	slice, sliceOK := a.parser.ParseSlice(frame)
	if sliceOK && slice.Type == SliceP && slice.ReferenceFrame != NoReference {
		refIndex := frameCur - seqnum.Num16(slice.ReferenceFrame) - 1
		if !a.refFrames.Contains(refIndex) {
			patched := false
			for i := slice.ReferenceFrame + 1; i < refFrameRingSize; i++ {
				substitute := frameCur - seqnum.Num16(i) - 1
				if !a.refFrames.Contains(substitute) {
					continue
				}
				if a.parser.SetReferenceFrame(frame, i) {
					patched = true
					recovered = true
					a.log.WithFields(logrus.Fields{
						"function":   "flushFrame",
						"frame":      uint16(frameCur),
						"missing":    uint16(refIndex),
						"substitute": uint16(substitute),
					}).Warn("Missing reference frame, patched to substitute")
				}
				break
			}
			if !patched {
				succ = false
				a.framesLost++
				a.reporter.ReportMissingReference()
				a.log.WithFields(logrus.Fields{
					"function": "flushFrame",
					"frame":    uint16(frameCur),
					"missing":  uint16(refIndex),
				}).Warn("Missing reference frame, no substitute available")
			}
		}
	}

	var deliveryErr error
	if succ && a.sample != nil {
		submitStart := a.cfg.TimeProvider.Now()
		accepted := a.sample(frame, a.framesLost, recovered)
		a.stage.observeSubmit(a.cfg.TimeProvider.Now().Sub(submitStart))
		a.framesLost = 0
		if !accepted {
			succ = false
			deliveryErr = ErrDeliveryRejected
			a.log.WithFields(logrus.Fields{
				"function": "flushFrame",
				"frame":    uint16(frameCur),
			}).Warn("Video callback did not process frame successfully")
		} else {
			a.refFrames.Add(frameCur)
			a.stream.observe(len(frame))
		}
	}

	a.framePrev = a.frameCur
	a.curFrameFirstPkt = time.Time{}
	a.seenLastUnit = false

	if succ {
		a.framePrevComplete = frameCur
		a.stage.observeDelivered(assemble)
	}

	a.rollStageWindow()
	if deliveryErr != nil {
		return deliveryErr
	}
	if !succ {
		return ErrMissingReference
	}
	return nil
}

func (a *Assembler) rollStageWindow() {
	a.stage.tick(a.cfg.TimeProvider.Now())
}
