// Package recovery turns loss signals from the video pipeline into
// escalating recovery actions against the sender.
//
// The package is organized as three cooperating layers:
//
//   - Controller reacts to per-frame loss reports. It accumulates losses
//     in per-latency-mode rolling windows plus a short burst bucket, and
//     runs a two-stage gate: the first sustained-loss hit requests only a
//     keyframe, a second hit inside the recovery window escalates to a
//     soft stream restart, a latency-mode downgrade, or a stream stop.
//   - Orchestrator watches per-second health windows after a reconnect
//     and walks a staged ladder (keyframe, soft restart at a safer
//     bitrate, one guarded low-bitrate restart) while the stream stays
//     degraded, backing off to idle after consecutive healthy windows.
//   - Coordinator is the single gate every restart request goes through.
//     It enforces the stop flag, the auto-reconnect budget, cooloffs
//     after handshake failures and the shared action cooldown, and it
//     classifies session quit events into retry/finalize decisions.
//
// Escalation thresholds come from LossDetectionProfile tables keyed by
// LatencyMode and are adjusted live from measured bitrate and frame rate.
// All tuned values are defaults on config structs.
//
// AVDiagnostics carries corruption counters from the packet path to the
// metrics path. Readers snapshot it with a try-lock so a congested packet
// path is never blocked by diagnostics; HealthMonitor tracks how long
// snapshots have been stale and refuses to escalate on stale data alone.
//
// Nothing in this package sleeps or arms timers. Deadlines are instants
// compared against an injected TimeProvider, except the Coordinator's
// short fixed retry backoff for restart requests, whose sleep function is
// injectable for tests.
package recovery
