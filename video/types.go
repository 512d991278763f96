package video

import "github.com/opd-ai/streamcore/seqnum"

// Unit is one packet's worth of frame data after transport reordering.
type Unit struct {
	// ProfileIndex selects the adaptive stream profile this unit belongs to.
	ProfileIndex uint8
	// FrameIndex is the 16-bit wraparound frame counter.
	FrameIndex seqnum.Num16
	// UnitIndex is this unit's position within the frame.
	UnitIndex uint16
	// UnitsInFrame is the total unit count of the frame, source plus parity.
	UnitsInFrame uint16
	// Payload is the unit's bitstream bytes.
	Payload []byte
}

// Profile describes one adaptive stream profile negotiated for the session.
type Profile struct {
	Width  uint32
	Height uint32
	// Header holds the codec header bytes delivered to the decoder on every
	// switch to this profile.
	Header []byte
}

// FlushResult is the outcome of materializing a frame from its units.
type FlushResult int

const (
	// FlushSuccess means the frame was assembled from source units alone.
	FlushSuccess FlushResult = iota
	// FlushFECRecovered means parity data reconstructed missing units.
	FlushFECRecovered
	// FlushFailed means not enough units were present to attempt assembly.
	FlushFailed
	// FlushFECFailed means reconstruction was attempted and failed.
	FlushFECFailed
)

// FrameFEC owns per-frame unit buffers and parity reconstruction. The
// assembler drives it one frame at a time.
type FrameFEC interface {
	// AllocFrame prepares buffers for the frame the unit belongs to,
	// discarding any previous frame state.
	AllocFrame(u *Unit) error
	// PutUnit stores one unit of the current frame.
	PutUnit(u *Unit) error
	// FlushPossible reports whether enough units (source plus parity) are
	// present to materialize the current frame.
	FlushPossible() bool
	// Flush materializes the current frame. The returned buffer is only
	// valid until the next AllocFrame.
	Flush() ([]byte, FlushResult)
	// PacketStats returns received and expected unit counts for the current
	// frame, consumed when the next frame begins.
	PacketStats() (received, expected uint64)
}

// NoReference marks a slice that predicts from no prior frame.
const NoReference uint8 = 0xff

// SliceType classifies a parsed bitstream slice.
type SliceType int

const (
	// SliceI is an intra-coded slice.
	SliceI SliceType = iota
	// SliceP is a predicted slice referencing an earlier frame.
	SliceP
)

// Slice is the decoded view of a frame's first slice header.
type Slice struct {
	Type SliceType
	// ReferenceFrame is the distance-encoded reference for P slices:
	// the referenced frame index is frame - ReferenceFrame - 1.
	ReferenceFrame uint8
}

// BitstreamParser inspects and patches codec bitstreams.
type BitstreamParser interface {
	// ParseHeader ingests a profile's codec header, reinitializing parser
	// state for the new profile.
	ParseHeader(header []byte) error
	// ParseSlice extracts the slice header of an assembled frame.
	ParseSlice(frame []byte) (Slice, bool)
	// SetReferenceFrame rewrites the frame's reference distance in place.
	SetReferenceFrame(frame []byte, ref uint8) bool
}

// CorruptionReporter carries loss feedback toward the sender.
type CorruptionReporter interface {
	// ReportCorruptFrames asks the sender to resend or refresh the
	// inclusive frame range [start, end].
	ReportCorruptFrames(start, end seqnum.Num16)
	// ReportFECFailure signals a frame that parity could not reconstruct.
	ReportFECFailure()
	// ReportMissingReference signals a P-frame whose reference was never
	// delivered and could not be substituted.
	ReportMissingReference()
}

// PacketStatsSink consumes per-frame unit delivery counts.
type PacketStatsSink interface {
	ReportPacketStats(received, expected uint64)
}

// SampleFunc delivers an assembled frame to the decoder. framesLost is the
// number of frames lost since the last delivered frame; recovered is true
// when the frame needed FEC reconstruction or reference patching. The
// return value reports whether the decoder accepted the frame.
type SampleFunc func(frame []byte, framesLost uint32, recovered bool) bool
