/*
Package types defines the core data structures used throughout Magpie.

This package contains all fundamental types that represent Magpie's domain
model: tasks, queue jobs, progress snapshots, media metadata, and API key
records. These types are used by all other packages for state management,
API responses, and scheduling logic.

# Architecture

The types package is the foundation of Magpie's data model. It defines:

  - Task identity, request parameters, and execution state
  - The task state machine and its legal transitions
  - Queue jobs with priority tiers and attempt counters
  - Volatile progress snapshots and bounded event rings
  - Probe metadata (titles, durations, format lists)
  - Bearer-token key records

All types are designed to be:
  - Serializable (JSON for the HTTP surface, gorm tags for persistence)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, transition helpers)

# Core Types

Task Lifecycle:
  - Task: Persistent record of one acquisition job
  - TaskStatus: pending, downloading, processing, completed, failed, cancelled
  - CanTransition: State machine guard used by the store

Scheduling:
  - Job: Volatile queue entry (task id, priority, attempts, timeout)
  - Priority: Five tiers, lowest(0) through critical(4)

Progress:
  - Snapshot: Live progress record (percent, bytes, speed, ETA)
  - ProgressEvent: One entry in the per-task event ring
  - Tick: One datum parsed from a child process stream

Metadata:
  - MediaInfo: Probe result (title, duration, formats, qualities)
  - FormatOption: One downloadable format variant

Auth:
  - APIKeyRecord: Issued bearer token metadata, revoked by deletion

# State Machine

Task status advances monotonically through the allowed transitions:

	pending ──claim──► downloading ──► processing ──► completed
	   │                   │                │
	   │                   ├──cancel──► cancelled
	   │                   │                │
	   └──cancel──► cancelled               ├── retryable fail ──► pending
	                                        └── permanent fail ──► failed

Terminal states (completed, failed, cancelled) admit no further
transitions; a racing write against a terminal row is dropped and the
terminal state wins. downloading → pending and processing → pending are
the retry edges taken when a transient failure re-enqueues the job.

# Usage Example

Creating a task and validating a transition:

	task := &types.Task{
		ID:     uuid.New().String(),
		URL:    "https://example.com/v/abc",
		Format: "mp4",
		Status: types.StatusPending,
	}

	if types.CanTransition(task.Status, types.StatusDownloading) {
		task.Status = types.StatusDownloading
	}

Classifying a queue job for retry:

	job := &types.Job{
		TaskID:      task.ID,
		Priority:    types.PriorityNormal,
		MaxAttempts: 3,
	}
	if job.Attempt < job.MaxAttempts {
		job.Attempt++
		// re-enqueue with a score penalty
	}

# Integration Points

The types package is imported by:
  - pkg/storage: Persists Task rows and validates transitions
  - pkg/coord: Serializes Snapshot, Job, and APIKeyRecord values
  - pkg/queue: Orders Job entries by priority and attempt
  - pkg/scheduler: Drives the state machine
  - pkg/progress: Maintains Snapshot and ProgressEvent records
  - pkg/extract: Produces MediaInfo and Tick values
  - pkg/api: Shapes JSON responses

# Design Notes

Snapshots deliberately duplicate several Task fields (title, filename,
file size, error message) so the rich-progress read path can serve from
the coordination store without a database round-trip; the store row
remains the source of truth and the snapshot may trail it briefly.

Priority is encoded in queue scores as -(priority*1000) with a retry
penalty added per attempt, so retries of a tier never starve fresh
arrivals of the same tier.
*/
package types
