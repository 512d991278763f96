// Package video assembles reordered packet units into decodable video
// frames and reports loss back to the sender.
//
// The Assembler is the center of the receive pipeline. It consumes
// per-packet unit descriptors (profile index, frame index, unit index,
// total units, payload), groups them into frames, and asks a forward
// error correction layer whether a frame can be materialized. Finished
// frames are handed to a decoder delivery callback; frames that cannot be
// finished feed gap reports and loss counters instead of aborting the
// stream.
//
// # Component seams
//
// The assembler is deliberately thin over four injected collaborators:
//
//   - FrameFEC: owns frame buffers and parity reconstruction
//   - BitstreamParser: classifies slices and patches reference fields
//   - CorruptionReporter: transport feedback for corrupt ranges, FEC
//     failures and missing references
//   - SampleFunc: the decoder delivery callback
//
// # Reference frame recovery
//
// P-type slices name the frame they predict from. When that frame was
// never delivered, the assembler searches the ring of the 16 most
// recently delivered frames for a usable substitute and patches the
// bitstream to point at it, trading a small visual artifact for a
// decodable frame. Only when no substitute exists is the frame declared
// undecodable.
//
// # Gap reports
//
// Missing frame ranges are coalesced by a pure state machine (see
// GapReportState) and held briefly before transmission so that a burst of
// consecutive losses produces one report instead of many. The assembler
// holds no timers: deadlines compare against a sampled monotonic now from
// the injected TimeProvider.
//
// The packet path is single-threaded per stream; the assembler performs
// no locking.
package video
