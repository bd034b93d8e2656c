// Package proc owns the lifecycle of every external child process
// (yt-dlp, ffmpeg): launch, output streaming, resource policing and
// the graceful kill sequence.
//
// # Architecture
//
//	          Run(Spec)
//	             │
//	   ┌─────────┴──────────┐
//	   │   child process    │  own process group (Setpgid)
//	   └─────────┬──────────┘
//	     stdout / stderr          watchdog (10s tick)
//	         │                        │
//	     OnLine callback       RSS ceiling → SIGKILL path
//	     stderr tail ring      CPU > 95%  → warning only
//
// # Kill Sequence
//
// Every forced termination follows the same ladder: SIGTERM to the
// process group, a 5 second grace period, SIGKILL, then a final 3
// second wait. The first reason to trigger the sequence (timeout,
// memory, cancel, shutdown) is recorded on the Result.
//
// # Guarantees
//
//   - At most one child per task; Run rejects a second launch.
//   - Exit codes are reported as data, not errors; callers classify.
//   - The stderr tail (last 40 lines) rides on the Result for error
//     reporting without unbounded buffering.
//   - Peak RSS and CPU are sampled into ProcessStats.
package proc
