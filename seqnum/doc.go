// Package seqnum implements wraparound-aware sequence number arithmetic
// for streaming protocols.
//
// Sequence numbers in low-latency streaming wrap around their fixed
// integer width: after 65535 comes 0 again for 16-bit counters. Ordinary
// integer comparison breaks at the wrap boundary, so this package provides
// the half-range convention used throughout the receive pipeline:
//
//	Gt(a, b) iff (a - b) mod 2^W lies in (0, 2^(W-1))
//
// A value is "newer" than another if it is ahead by less than half the
// number space. Values exactly half the range apart compare as neither
// newer nor older.
//
// The comparators are generic over the two widths the wire protocol uses
// (16-bit frame indices, 32-bit packet sequence numbers), with named types
// Num16 and Num32 for the common cases. All operations are pure functions
// with no allocation, suitable for per-packet hot paths.
package seqnum
