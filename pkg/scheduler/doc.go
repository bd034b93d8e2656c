// Package scheduler executes download tasks against a bounded worker
// pool.
//
//	            ┌────────────┐   claim    ┌─────────┐
//	queue ────▶ │  dispatch  │ ─────────▶ │ workers │ ──▶ pipeline
//	            │ (1s tick)  │            │  (N)    │
//	            └────────────┘            └─────────┘
//	                                           ▲
//	                                 lease     │ cancel
//	            ┌────────────┐   expiry checks │
//	            │ supervisor │ ────────────────┘
//	            │ (5s tick)  │
//	            └────────────┘
//
// # Claiming
//
// The dispatcher pops jobs while in-flight work is below capacity and
// claims each one with a guarded pending → downloading transition.
// Jobs whose task was cancelled or deleted while queued fail the
// guard and are dropped on the floor.
//
// # Pipeline
//
// probe → download → transcode (GPU targets) → tags (titled MP3) →
// finalise. Failures classify through the error kind: timeouts and
// external failures retry on a fresh attempt until the job's budget
// runs out, everything else fails the task immediately. A cancel or
// delete that lands mid-attempt wins; the attempt outcome is
// discarded.
//
// # Liveness
//
// Workers renew a lease on every progress tick. The supervisor
// cancels any pipeline whose lease lapses, which kills the child
// process and surfaces a transient failure. Phases that emit no ticks
// (probe, tagging) run on longer leases. A worker that panics
// restarts with exponential backoff; five crashes inside a minute
// quarantine it and shrink pool capacity.
package scheduler
