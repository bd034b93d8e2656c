// Package storage provides durable persistence for tasks, the system
// of record for everything the queue and progress tracker hold only
// transiently.
//
// # Architecture
//
// The package exposes a Store interface implemented by GormStore,
// which targets SQLite by default and PostgreSQL when DATABASE_URL
// carries a postgres:// scheme:
//
//	┌──────────────────────────────────────────────┐
//	│                 Store interface              │
//	│  CreateTask / GetTask / ListTasks / ...      │
//	│  TransitionTask (state machine enforcement)  │
//	│  CountByStatus / ListTerminalBefore          │
//	│  ResetInterrupted (boot recovery)            │
//	└──────────────────────┬───────────────────────┘
//	                       │
//	              ┌────────┴────────┐
//	              │    GormStore    │
//	              └────────┬────────┘
//	            ┌──────────┴──────────┐
//	            │                     │
//	      SQLite (WAL)          PostgreSQL
//
// # State Machine Enforcement
//
// TransitionTask is the only way to change a task's status. It loads
// the current row, consults types.CanTransition, and applies the
// write guarded by the previously observed status:
//
//	UPDATE tasks SET status = ? WHERE id = ? AND status = ?
//
// A zero-row update means another writer moved the task first; the
// caller gets an invalid state error rather than silently clobbering
// the winner. Terminal statuses (completed, failed, cancelled) have
// no outgoing edges, so cancellation always beats a late worker.
//
// # Retry Behavior
//
// Every operation retries transient database errors up to 3 times
// with exponential backoff (500ms base, doubling, 5s cap). Domain
// errors and missing rows fail immediately.
//
// # Usage Example
//
//	store, err := storage.NewGormStore("sqlite://magpie.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	task := &types.Task{ID: uuid.New().String(), URL: url, Format: "mp3", Status: types.StatusPending}
//	if err := store.CreateTask(task); err != nil {
//		return err
//	}
//
//	// Worker claims the task
//	task, err = store.TransitionTask(task.ID, types.StatusDownloading)
//
// # Integration Points
//
//   - pkg/scheduler: claims tasks via TransitionTask, requeues retries
//   - pkg/progress: flushes throttled progress rows via UpdateTaskFields
//   - pkg/reconciler: ListTerminalBefore feeds the cleanup sweep,
//     ResetInterrupted runs once at boot
//   - pkg/api: list/status/delete endpoints read through the Store
package storage
