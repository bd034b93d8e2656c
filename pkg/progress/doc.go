// Package progress tracks per-task download and transcode progress
// and fans lifecycle events out to subscribers.
//
// # Architecture
//
//	child process stream ──▶ Tracker.Update
//	                            │
//	         ┌──────────────────┼──────────────────────┐
//	         ▼                  ▼                      ▼
//	  progress:{id}      tasks.progress row      events:{id} ring
//	  (every tick)       (throttled, 1/s)        (10% boundaries)
//	                                                   │
//	                                                   ▼
//	                                             Broker fanout
//
// The snapshot in the coordination store is refreshed on every tick
// and carries a 7 day TTL. The task row mirror is rate limited to one
// write per second per task so a chatty downloader cannot saturate
// the database. Lifecycle events are appended to a capped ring (100
// entries) and published to in-process subscribers.
//
// # Semantics
//
//   - Percent is clamped to [0,100] and never regresses within an
//     attempt; Reset rewinds it for a retry.
//   - Progress events fire only when a 10% boundary is crossed or the
//     download reaches 100.
//   - While the transcoder runs, the snapshot reports a fixed 95%
//     plateau (MarkProcessing).
//   - Failure messages are sanitised (download dir scrubbed, 500 char
//     cap) before they are stored.
//
// # Integration Points
//
//   - pkg/scheduler: drives Init, MarkStarted, MarkProcessing, Reset
//     and Finalize around each attempt
//   - pkg/extract: feeds Update with ticks parsed from yt-dlp and
//     ffmpeg output
//   - pkg/api: serves snapshots, event rings and the active set
package progress
