/*
Package log provides structured logging for Magpie using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity for production debugging.

# Architecture

Magpie's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithTaskID("3f2a…")                      │          │
	│  │  - WithWorkerID(2)                          │          │
	│  │  - WithClientIP("203.0.113.9")              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                             │          │
	│  │  JSON Format:                               │          │
	│  │  {                                          │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "scheduler",                │          │
	│  │    "task_id": "3f2a…",                      │          │
	│  │    "time": "2026-08-20T10:30:00Z",          │          │
	│  │    "message": "task claimed"                │          │
	│  │  }                                          │          │
	│  │                                             │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF task claimed component=scheduler │        │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init() at startup
  - Accessible from all Magpie packages
  - Thread-safe concurrent writes

Child Loggers:
  - WithComponent: tags a subsystem (scheduler, coord, proc, api)
  - WithTaskID: correlates all lines for one task's lifecycle
  - WithWorkerID: identifies the worker slot emitting the line
  - WithClientIP: tags intake and rate-limit decisions

Helpers:
  - Info/Debug/Warn/Error/Fatal for one-off messages
  - Errorf attaches an error to a message

# Usage Example

Initialization (once, in the serve command):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component logging:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", task.ID).Msg("task claimed")
	logger.Warn().Int("depth", depth).Msg("queue depth above alert threshold")

Task-correlated logging inside a worker:

	tl := log.WithTaskID(task.ID)
	tl.Info().Float64("percent", pct).Msg("progress")
	tl.Error().Err(err).Msg("download failed")

# Conventions

  - Components log through a WithComponent child created in their
    constructor, never the bare global.
  - Task lifecycle lines always carry task_id so a single grep yields a
    task's full history.
  - Degraded-mode operation (coordination store down, rate-limit fail-open)
    logs at WARN; losses of work log at ERROR.
  - Fatal is reserved for unrecoverable startup failure.
*/
package log
