package video

import (
	"time"

	"github.com/opd-ai/streamcore/seqnum"
)

// GapAction tells the caller what a gap report update decided.
type GapAction int

const (
	// GapActionNone means the update changed nothing the caller must act on.
	GapActionNone GapAction = iota
	// GapActionSetPending means a new pending report was registered.
	GapActionSetPending
	// GapActionFlushPrevious means the previous pending report must be
	// transmitted now; its range is returned alongside the action.
	GapActionFlushPrevious
	// GapActionExtendPending means the pending report absorbed the new gap.
	GapActionExtendPending
)

// GapReportState coalesces consecutive missing-frame ranges into a single
// pending report held until a deadline. It is a pure state machine: Update
// never performs I/O and takes the current time as an argument.
//
// State is intentionally unsynchronized. It belongs to the packet path of a
// single receiver and must not be shared across goroutines.
type GapReportState struct {
	Pending  bool
	Start    seqnum.Num16
	End      seqnum.Num16
	Deadline time.Time
}

// Update registers a gap [expectedStart, gapEnd]. A gap starting where the
// pending report starts extends it; a gap starting elsewhere flushes the
// pending report (returned as flushStart/flushEnd) and replaces it.
func (s *GapReportState) Update(expectedStart, gapEnd seqnum.Num16, now time.Time, hold time.Duration) (action GapAction, flushStart, flushEnd seqnum.Num16) {
	if !s.Pending {
		s.Pending = true
		s.Start = expectedStart
		s.End = gapEnd
		s.Deadline = now.Add(hold)
		return GapActionSetPending, 0, 0
	}

	if s.Start != expectedStart {
		flushStart = s.Start
		flushEnd = s.End
		s.Pending = true
		s.Start = expectedStart
		s.End = gapEnd
		s.Deadline = now.Add(hold)
		return GapActionFlushPrevious, flushStart, flushEnd
	}

	if gapEnd.Gt(s.End) {
		s.End = gapEnd
		return GapActionExtendPending, 0, 0
	}

	return GapActionNone, 0, 0
}
