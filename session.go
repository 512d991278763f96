package streamcore

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamcore/recovery"
	"github.com/opd-ai/streamcore/reorder"
	"github.com/opd-ai/streamcore/seqnum"
	"github.com/opd-ai/streamcore/video"
)

// DefaultReorderSizeExp gives the packet reorder buffer 16 slots, enough
// for the reordering depth seen on real links without hiding real loss.
const DefaultReorderSizeExp = 4

// FeedbackSender carries receiver reports back to the sender.
type FeedbackSender interface {
	// SendCorruptFrameReport names an inclusive range of frame indices
	// the receiver could not decode.
	SendCorruptFrameReport(start, end seqnum.Num16) error
}

// SessionConfig bundles the per-subsystem tuning for one streaming
// session. Zero values fall back to the production defaults.
type SessionConfig struct {
	Mode recovery.LatencyMode
	// ReorderSizeExp sizes the packet reorder buffer at 1<<ReorderSizeExp.
	ReorderSizeExp uint
	// StartSeq is the first expected packet sequence number.
	StartSeq seqnum.Num32

	Assembler    video.AssemblerConfig
	Controller   recovery.ControllerConfig
	Coordinator  recovery.CoordinatorConfig
	Orchestrator recovery.OrchestratorConfig
}

// DefaultSessionConfig returns the tuned defaults for a latency preset.
func DefaultSessionConfig(mode recovery.LatencyMode) SessionConfig {
	return SessionConfig{
		Mode:           mode,
		ReorderSizeExp: DefaultReorderSizeExp,
		Assembler:      video.DefaultAssemblerConfig(),
		Controller:     recovery.DefaultControllerConfig(mode),
		Coordinator:    recovery.DefaultCoordinatorConfig(),
		Orchestrator:   recovery.DefaultOrchestratorConfig(),
	}
}

// Session wires one stream's resilience pipeline together: the packet
// reorder buffer feeds the frame assembler, delivered frames feed the
// loss controller, and the health monitor feeds the post-reconnect
// orchestrator. All packet-path methods must be called from a single
// goroutine; TickMetrics and HandleQuit may run elsewhere.
type Session struct {
	id  uuid.UUID
	log *logrus.Entry

	buffer       *reorder.Buffer[seqnum.Num32, *video.Unit]
	assembler    *video.Assembler
	diag         *recovery.AVDiagnostics
	monitor      *recovery.HealthMonitor
	coordinator  *recovery.Coordinator
	controller   *recovery.Controller
	orchestrator *recovery.Orchestrator

	feedback FeedbackSender
	onStop   func(reason string)

	generation uint32
	closed     bool
}

// sessionReporter fans assembler corruption reports out to the AV
// diagnostics and, when attached, the sender feedback channel.
type sessionReporter struct {
	s *Session
}

func (r sessionReporter) ReportCorruptFrames(start, end seqnum.Num16) {
	r.s.diag.ReportCorruptFrames(start, end)
	if r.s.feedback == nil {
		return
	}
	if err := r.s.feedback.SendCorruptFrameReport(start, end); err != nil {
		r.s.diag.ReportSendBufferOverflow()
		r.s.log.WithFields(logrus.Fields{
			"function": "ReportCorruptFrames",
			"start":    start,
			"end":      end,
			"error":    err,
		}).Error("Failed to send corrupt frame report")
	}
}

func (r sessionReporter) ReportFECFailure() {
	r.s.diag.ReportFECFailure()
}

func (r sessionReporter) ReportMissingReference() {
	r.s.diag.ReportMissingReference()
}

// NewSession builds the pipeline. transport, fec, parser and deliver are
// required; hint may be nil.
func NewSession(cfg SessionConfig, transport recovery.Transport, fec video.FrameFEC, parser video.BitstreamParser, deliver video.SampleFunc, hint recovery.HintFunc) (*Session, error) {
	if cfg.ReorderSizeExp == 0 {
		cfg.ReorderSizeExp = DefaultReorderSizeExp
	}
	cfg.Controller.Mode = cfg.Mode

	s := &Session{
		id:   uuid.New(),
		diag: &recovery.AVDiagnostics{},
	}
	s.log = logrus.WithFields(logrus.Fields{
		"component": "stream_session",
		"session":   s.id.String(),
	})

	sample := func(frame []byte, framesLost uint32, recovered bool) bool {
		accepted := deliver(frame, framesLost, recovered)
		s.controller.HandleLossEvent(int32(framesLost), recovered)
		return accepted
	}

	assembler, err := video.NewAssembler(cfg.Assembler, fec, parser, sessionReporter{s}, sample)
	if err != nil {
		return nil, err
	}
	s.assembler = assembler

	buffer, err := reorder.New32[*video.Unit](cfg.ReorderSizeExp, cfg.StartSeq)
	if err != nil {
		return nil, err
	}
	s.buffer = buffer
	buffer.SetDropStrategy(reorder.DropOldest)
	buffer.SetDropCallback(func(seq seqnum.Num32, _ *video.Unit) {
		if s.closed {
			return
		}
		s.diag.ReportPacketDrop(1)
		s.log.WithFields(logrus.Fields{
			"function": "dropCallback",
			"seq":      seq,
		}).Debug("Reorder buffer dropped packet")
	})

	s.monitor = recovery.NewHealthMonitor(s.diag)
	s.coordinator = recovery.NewCoordinator(cfg.Coordinator, transport, hint)
	s.controller = recovery.NewController(cfg.Controller, transport, s.coordinator, hint,
		func(reason string) {
			s.coordinator.RequestStop()
			s.log.WithFields(logrus.Fields{
				"function": "requestStop",
				"reason":   reason,
			}).Info("Stream stop requested")
			if s.onStop != nil {
				s.onStop(reason)
			}
		},
		func() recovery.DiagSnapshot { return s.monitor.LastSnapshot() })
	s.orchestrator = recovery.NewOrchestrator(cfg.Orchestrator, transport, s.coordinator, hint)

	s.log.WithFields(logrus.Fields{
		"function": "NewSession",
		"mode":     cfg.Mode.Label(),
		"capacity": buffer.Capacity(),
	}).Info("Streaming session created")
	return s, nil
}

// ID returns the session identity used in logs and reports.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// SetFeedbackSender attaches the channel for corrupt frame reports back
// to the sender. Call before the first packet.
func (s *Session) SetFeedbackSender(f FeedbackSender) {
	s.feedback = f
}

// SetPacketStatsSink forwards per-frame packet statistics.
func (s *Session) SetPacketStatsSink(sink video.PacketStatsSink) {
	s.assembler.SetPacketStatsSink(sink)
}

// OnStop registers a callback for recovery-driven stream stops.
func (s *Session) OnStop(fn func(reason string)) {
	s.onStop = fn
}

// SetStreamInfo installs the negotiated stream profiles. Must be called
// once before the first unit.
func (s *Session) SetStreamInfo(profiles []video.Profile) error {
	return s.assembler.SetStreamInfo(profiles)
}

// StreamConnected marks the stream up: startup grace periods arm, the
// restart throttles clear, and reconnects get an observation window.
func (s *Session) StreamConnected() {
	s.controller.Start()
	s.coordinator.StreamConnected()
	if s.generation > 0 {
		s.orchestrator.BeginObservationWindow()
	}
	s.generation++
	s.log.WithFields(logrus.Fields{
		"function":   "StreamConnected",
		"generation": s.generation,
	}).Info("Stream connected")
}

// HandlePacket pushes one sequenced packet into the reorder buffer and
// drains every unit that is now in order into the assembler. The first
// assembly error is returned; later units still flow.
func (s *Session) HandlePacket(seq seqnum.Num32, u *video.Unit) error {
	s.buffer.Push(seq, u)
	var firstErr error
	for {
		_, unit, ok := s.buffer.Pull()
		if !ok {
			return firstErr
		}
		if err := s.assembler.PushUnit(unit); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// HandleUnit feeds one unit straight to the assembler, for transports
// that already deliver in order.
func (s *Session) HandleUnit(u *video.Unit) error {
	return s.assembler.PushUnit(u)
}

// FlushGapReport lets an idle receive loop age out a pending gap report
// without waiting for the next packet.
func (s *Session) FlushGapReport() {
	s.assembler.FlushGapReport(false)
}

// TickMetrics runs the once-per-second health sampling: it updates the
// loss profile inputs, snapshots diagnostics and advances the
// post-reconnect recovery ladder. Returns the window's classification.
func (s *Session) TickMetrics(m recovery.MetricsSample) recovery.HealthSample {
	s.controller.SetMetrics(m)
	sample := s.monitor.Sample(m.IncomingFPS, m.TargetFPS, m.NegotiatedFPS)
	s.orchestrator.HandleHealthWindow(sample)
	return sample
}

// HandleQuit classifies a session quit and returns what to do next.
func (s *Session) HandleQuit(ev recovery.QuitEvent) recovery.QuitDecision {
	return s.coordinator.HandleQuit(ev)
}

// RequestStop marks the session as stopping; recovery actions cease.
func (s *Session) RequestStop() {
	s.coordinator.RequestStop()
}

// Coordinator exposes the restart gate for embedding clients that drive
// reconnects themselves.
func (s *Session) Coordinator() *recovery.Coordinator {
	return s.coordinator
}

// Controller exposes the loss controller, mainly for preset inspection.
func (s *Session) Controller() *recovery.Controller {
	return s.controller
}

// Diagnostics exposes the shared AV diagnostics counters.
func (s *Session) Diagnostics() *recovery.AVDiagnostics {
	return s.diag
}

// StreamStats returns the delivered-frame statistics.
func (s *Session) StreamStats() video.StreamStats {
	return s.assembler.Stream()
}

// StageSnapshot returns the last completed pipeline stage window.
func (s *Session) StageSnapshot() video.StageSnapshot {
	return s.assembler.LastStageSnapshot()
}

// AlertActive reports whether the poor-network indicator should show.
func (s *Session) AlertActive() bool {
	return s.controller.AlertActive()
}

// Close tears the session down, draining still-buffered packets. Safe to
// call once; the session is unusable afterwards.
func (s *Session) Close() {
	s.closed = true
	s.buffer.Close()
	s.log.WithField("function", "Close").Info("Streaming session closed")
}
