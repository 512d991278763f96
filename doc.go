// Package streamcore implements the resilience core of a low-latency
// remote video streaming client.
//
// The pipeline reassembles out-of-order network packets into decodable
// video frames and drives adaptive recovery when packets or frames are
// lost. Four subsystems cooperate: a wraparound-aware packet reorder
// buffer (package reorder), a frame assembler with forward error
// correction and reference-frame bookkeeping plus a gap-report
// coalescer telling the sender which frame ranges are missing (package
// video), and a two-layer loss/restart controller that escalates from
// "request a keyframe" to "soft restart at lower bitrate" to "hard
// session restart" under sustained loss (package recovery).
//
// # Getting Started
//
// Create a session around your transport, FEC engine, bitstream parser
// and decoder callback, then feed it packets:
//
//	cfg := streamcore.DefaultSessionConfig(recovery.LatencyBalanced)
//	session, err := streamcore.NewSession(cfg, transport, fec, parser,
//	    func(frame []byte, framesLost uint32, recovered bool) bool {
//	        return decoder.Submit(frame)
//	    }, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.SetStreamInfo(profiles)
//	session.StreamConnected()
//
//	// Packet receive loop (single goroutine):
//	for pkt := range packets {
//	    session.HandlePacket(pkt.Seq, pkt.Unit)
//	}
//
// Call TickMetrics about once a second with the measured stream health,
// and HandleQuit when the transport reports the session ended; the
// returned decision says whether and when to reconnect.
//
// # Core Types
//
//   - [Session]: per-stream pipeline glue with a uuid identity
//   - [SessionConfig]: per-subsystem tuning, defaulting to the
//     production constants
//   - [FeedbackSender]: receiver-to-sender report channel
//
// Everything outside this core (UI, input mapping, audio, config
// persistence, decoders, discovery) is an external collaborator reached
// through the interfaces in the video and recovery packages.
package streamcore
