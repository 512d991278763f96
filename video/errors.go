package video

import "errors"

// Sentinel errors for frame assembly. Packet-level errors never abort the
// stream; they accumulate into counters and reports.
var (
	// ErrProfilesAlreadySet indicates SetStreamInfo was called twice.
	ErrProfilesAlreadySet = errors.New("video profiles already set")

	// ErrProfileOutOfRange indicates a packet named a profile index beyond
	// the configured table. Fatal to that packet only.
	ErrProfileOutOfRange = errors.New("profile index out of range")

	// ErrFrameIncomplete indicates a flush was attempted without enough
	// units to materialize the frame.
	ErrFrameIncomplete = errors.New("frame incomplete")

	// ErrFECFailure indicates the frame could not be reconstructed even
	// with parity data.
	ErrFECFailure = errors.New("fec reconstruction failed")

	// ErrDeliveryRejected indicates the decoder callback declined the
	// frame.
	ErrDeliveryRejected = errors.New("decoder rejected frame")

	// ErrMissingReference indicates a P-frame referenced an undelivered
	// frame and no substitute was available.
	ErrMissingReference = errors.New("missing reference frame")
)
