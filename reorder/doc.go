// Package reorder provides a bounded, wraparound-aware buffer for
// re-sequencing out-of-order network packets.
//
// The buffer is a power-of-two ring keyed by sequence number. Packets may
// arrive in any order; Pull yields them strictly in ascending wraparound
// order and never skips a gap on its own. The caller decides when a hole
// has waited long enough and forces progress with SkipGap, or discards a
// specific entry with Drop.
//
// # Ownership
//
// Payloads are owned by the buffer between Push and Pull. Every payload
// that leaves the buffer without being pulled (duplicates, stale arrivals,
// capacity evictions, Drop, SkipGap, Close) is handed to the configured
// drop callback exactly once, so resource accounting stays symmetric even
// under loss. SkipGap invokes the callback with the zero payload when the
// front slot was a hole.
//
// # Capacity
//
// When a push would grow the window beyond capacity, the configured
// DropStrategy decides: DropNewest discards the incoming packet, DropOldest
// evicts from the front until the window fits (fast-forwarding past the
// whole window if necessary).
//
// The buffer performs no locking; callers must serialize access per stream.
package reorder
