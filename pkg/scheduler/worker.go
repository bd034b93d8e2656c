package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
)

const (
	// defaultLeaseTTL is how long a busy worker may go without a
	// progress signal before the supervisor cancels its pipeline
	defaultLeaseTTL = 30 * time.Second

	// defaultProbeLease covers the metadata probe, which emits no ticks
	defaultProbeLease = 40 * time.Second

	// defaultCoverLease covers thumbnail fetch and tagging after the
	// last download tick
	defaultCoverLease = 80 * time.Second

	crashWindow     = time.Minute
	quarantineAfter = 5
	maxBackoff      = 30 * time.Second
)

// worker executes one assignment at a time. The fields below mu are
// shared with the supervisor goroutine.
type worker struct {
	id    int
	sched *Scheduler

	mu          sync.Mutex
	busy        bool
	taskID      string
	leaseUntil  time.Time
	cancel      context.CancelFunc
	pidReported bool

	rapidCrashes int
	lastCrash    time.Time
	quarantined  bool
}

// run is the worker loop: pull an assignment, execute it, repeat.
// After a crash the loop backs off before accepting new work; a
// quarantined worker leaves the pool for good.
func (w *worker) run() {
	defer w.sched.wg.Done()
	logger := log.WithWorkerID(w.id)
	logger.Debug().Msg("Worker started")
	for {
		if w.isQuarantined() {
			logger.Debug().Msg("Worker leaving pool, quarantined")
			return
		}
		select {
		case <-w.sched.stopCh:
			return
		case a := <-w.sched.jobs:
			if crashed := w.execute(a); crashed {
				delay := w.recordCrash()
				if delay <= 0 {
					continue
				}
				logger.Warn().Dur("backoff", delay).Msg("Worker restarting after crash")
				select {
				case <-time.After(delay):
				case <-w.sched.stopCh:
					return
				}
			}
		}
	}
}

// execute runs the pipeline for one assignment inside a panic
// boundary, settles the outcome, and reports whether the worker
// crashed
func (w *worker) execute(a assignment) bool {
	ctx, cancel := context.WithCancel(w.sched.baseCtx)
	w.begin(a.job.TaskID, cancel)

	crashed := false
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				crashed = true
				logger := log.WithWorkerID(w.id)
				logger.Error().
					Interface("panic", r).
					Str("task_id", a.job.TaskID).
					Msg("Worker panicked while running the pipeline")
				err = errdefs.New(errdefs.KindInternal, errdefs.CodeInternal,
					"worker crashed while running the task")
			}
		}()
		return w.sched.runPipeline(ctx, w, a)
	}()

	cancel()
	w.finish()
	w.sched.release(a.job.TaskID)

	if err != nil {
		// A crash says nothing about the task itself, so the job keeps
		// its remaining attempts
		retryable := crashed || errdefs.Transient(err)
		w.sched.resolveFailure(context.Background(), a.job, err, retryable)
	}
	return crashed
}

func (w *worker) begin(taskID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = true
	w.taskID = taskID
	w.cancel = cancel
	w.pidReported = false
	w.leaseUntil = time.Now().Add(w.sched.leaseTTL)
}

func (w *worker) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.taskID = ""
	w.cancel = nil
}

// touch renews the liveness lease; the pipeline calls it on every
// progress tick
func (w *worker) touch() {
	w.mu.Lock()
	w.leaseUntil = time.Now().Add(w.sched.leaseTTL)
	w.mu.Unlock()
}

// extendLease grants a longer lease ahead of a phase that emits no
// ticks
func (w *worker) extendLease(d time.Duration) {
	w.mu.Lock()
	w.leaseUntil = time.Now().Add(d)
	w.mu.Unlock()
}

// firstPID reports whether this is the first pid sighting for the
// current assignment
func (w *worker) firstPID() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pidReported {
		return false
	}
	w.pidReported = true
	return true
}

// expired reports the stalled task when the lease has lapsed
func (w *worker) expired(now time.Time) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.busy || now.Before(w.leaseUntil) {
		return "", false
	}
	return w.taskID, true
}

// interrupt cancels the running pipeline, which kills its child
// process. The lease is renewed so the supervisor does not fire again
// while the pipeline unwinds.
func (w *worker) interrupt() {
	w.mu.Lock()
	cancel := w.cancel
	w.leaseUntil = time.Now().Add(w.sched.leaseTTL)
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *worker) isQuarantined() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quarantined
}

// recordCrash counts crashes inside a sliding window and returns the
// restart backoff. Once crashes pile up the worker is quarantined and
// zero is returned.
func (w *worker) recordCrash() time.Duration {
	w.mu.Lock()
	now := time.Now()
	if now.Sub(w.lastCrash) > crashWindow {
		w.rapidCrashes = 0
	}
	w.rapidCrashes++
	w.lastCrash = now
	count := w.rapidCrashes
	w.mu.Unlock()

	metrics.WorkerRestarts.Inc()

	if count >= quarantineAfter {
		w.quarantine()
		return 0
	}
	return backoffDelay(count)
}

// quarantine permanently retires the worker and shrinks scheduler
// capacity so its slot is not refilled
func (w *worker) quarantine() {
	w.mu.Lock()
	already := w.quarantined
	w.quarantined = true
	w.mu.Unlock()
	if already {
		return
	}

	w.sched.slots.Add(-1)
	metrics.WorkersQuarantined.Inc()
	logger := log.WithWorkerID(w.id)
	logger.Error().
		Int("crashes", quarantineAfter).
		Msg("Worker quarantined after repeated crashes")
}

func backoffDelay(crashes int) time.Duration {
	if crashes < 1 {
		crashes = 1
	}
	if crashes > 6 {
		return maxBackoff
	}
	d := time.Second << uint(crashes-1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
