package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/proc"
	"github.com/cuemby/magpie/pkg/progress"
	"github.com/cuemby/magpie/pkg/queue"
	"github.com/cuemby/magpie/pkg/resilience"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	defaultDispatchEvery = time.Second

	// maxAttempts bounds how often a transiently failing task is rerun
	maxAttempts = 3

	maxErrorLen = 500
)

// Extractor is the slice of the extraction surface the pipeline drives
type Extractor interface {
	Probe(ctx context.Context, url string) (*types.MediaInfo, error)
	Download(ctx context.Context, task *types.Task, onTick func(types.Tick)) (string, error)
	NeedsTranscode(task *types.Task) bool
	Transcode(ctx context.Context, task *types.Task, input string, onTick func(types.Tick)) (string, error)
	ApplyAudioTags(ctx context.Context, task *types.Task, audioPath string)
}

// assignment is one claimed job handed from the dispatcher to a worker
type assignment struct {
	job  types.Job
	task *types.Task
}

// Scheduler owns task execution: the dispatch loop that claims queued
// jobs while capacity remains, the worker pool running the download
// pipeline, and the supervisor watching worker heartbeats.
type Scheduler struct {
	cfg     *config.Config
	store   storage.Store
	queue   *queue.Queue
	coord   *coord.Coord
	tracker *progress.Tracker
	ext     Extractor
	procs   *proc.Manager
	files   *artifacts.Manager

	// coordBreaker guards the advisory active-set writes so a Redis
	// outage cannot slow the claim path
	coordBreaker *resilience.Breaker

	workers []*worker
	jobs    chan assignment

	inflight atomic.Int64
	slots    atomic.Int64 // shrinks when a worker is quarantined

	// Timing knobs, defaulted in New and shrunk by tests
	dispatchEvery  time.Duration
	superviseEvery time.Duration
	leaseTTL       time.Duration
	probeLease     time.Duration
	coverLease     time.Duration

	stopCh     chan struct{}
	wg         sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a scheduler with one worker per concurrency slot
func New(cfg *config.Config, store storage.Store, q *queue.Queue, c *coord.Coord,
	tracker *progress.Tracker, ext Extractor, procs *proc.Manager, files *artifacts.Manager) *Scheduler {

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:          cfg,
		store:        store,
		queue:        q,
		coord:        c,
		tracker:      tracker,
		ext:          ext,
		procs:        procs,
		files:        files,
		coordBreaker: resilience.NewBreaker("coord"),
		jobs:         make(chan assignment, cfg.MaxConcurrentDownloads),

		dispatchEvery:  defaultDispatchEvery,
		superviseEvery: defaultSuperviseEvery,
		leaseTTL:       defaultLeaseTTL,
		probeLease:     defaultProbeLease,
		coverLease:     defaultCoverLease,

		stopCh:     make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.slots.Store(int64(cfg.MaxConcurrentDownloads))
	for i := 0; i < cfg.MaxConcurrentDownloads; i++ {
		s.workers = append(s.workers, &worker{id: i + 1, sched: s})
	}
	return s
}

// Start launches the workers, the dispatch loop and the supervisor
func (s *Scheduler) Start() {
	logger := log.WithComponent("scheduler")
	logger.Info().
		Int("workers", len(s.workers)).
		Msg("Starting scheduler")
	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}
	s.wg.Add(2)
	go s.dispatch()
	go s.supervise()
}

// Stop halts dispatching, cancels every running pipeline (killing the
// children) and waits for the workers to finish unwinding
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.cancelBase()
	s.wg.Wait()
	logger := log.WithComponent("scheduler")
	logger.Info().Msg("Scheduler stopped")
}

// Submit records a new task and queues it for execution
func (s *Scheduler) Submit(ctx context.Context, task *types.Task, priority types.Priority) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	if err := s.tracker.Init(ctx, task); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Warn().Err(err).Msg("Failed to seed progress snapshot")
	}
	job := types.Job{
		TaskID:      task.ID,
		Priority:    priority,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		TimeoutSec:  int(s.cfg.DownloadTimeout.Seconds()),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.TasksSubmitted.WithLabelValues(task.Format).Inc()
	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("format", task.Format).
		Int("priority", int(priority)).
		Msg("Task submitted")
	return nil
}

// Cancel stops a task that has not reached post-processing. Terminal
// tasks are an idempotent no-op returning the current row; processing
// tasks are past the point of no return and are rejected.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*types.Task, error) {
	for {
		task, err := s.store.GetTask(taskID)
		if err != nil {
			return nil, err
		}

		switch task.Status {
		case types.StatusCompleted, types.StatusFailed, types.StatusCancelled:
			return task, nil
		case types.StatusProcessing:
			return nil, errdefs.New(errdefs.KindInvalidState, errdefs.CodeInvalidState,
				"task is in post-processing and can no longer be cancelled")
		}

		updated, err := s.store.TransitionTask(taskID, types.StatusCancelled)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindInvalidState) {
				// Lost a race with a worker transition, re-read
				continue
			}
			return nil, err
		}

		if err := s.queue.Remove(ctx, taskID); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Warn().Err(err).Msg("Failed to drop cancelled task from queue")
		}
		s.procs.Terminate(taskID)
		if err := s.tracker.Finalize(ctx, taskID, types.StatusCancelled, "", "", 0); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Warn().Err(err).Msg("Failed to finalise cancelled task")
		}
		s.files.RemoveAllFor(taskID)
		if err := s.store.UpdateTaskFields(taskID, map[string]interface{}{"pid": 0}); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Debug().Err(err).Msg("Failed to clear pid on cancel")
		}
		logger := log.WithTaskID(taskID)
		logger.Info().Msg("Task cancelled")
		return updated, nil
	}
}

// Delete removes a task, its artefact and its volatile records. Queued
// and downloading tasks are cancelled first; processing tasks must
// settle before they can be deleted.
func (s *Scheduler) Delete(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case types.StatusPending, types.StatusDownloading:
		if _, err := s.Cancel(ctx, taskID); err != nil {
			return err
		}
	case types.StatusProcessing:
		return errdefs.New(errdefs.KindInvalidState, errdefs.CodeInvalidState,
			"task is in post-processing, retry the delete once it settles")
	}

	if task.OutputPath != "" {
		if _, err := s.files.Remove(task.OutputPath); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Warn().Err(err).Msg("Failed to remove artefact during delete")
		}
	}
	s.files.RemoveAllFor(taskID)
	if err := s.coord.Delete(ctx, coord.ProgressKey(taskID), coord.EventsKey(taskID)); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Warn().Err(err).Msg("Failed to drop volatile records during delete")
	}
	if err := s.store.DeleteTask(taskID); err != nil {
		return err
	}
	logger := log.WithTaskID(taskID)
	logger.Info().Msg("Task deleted")
	return nil
}

// QueueStats is the public queue counters payload
type QueueStats struct {
	ActiveDownloads int64     `json:"active_downloads"`
	PendingTasks    int64     `json:"pending_tasks"`
	MaxConcurrent   int       `json:"max_concurrent"`
	AvailableSlots  int64     `json:"available_slots"`
	Timestamp       time.Time `json:"timestamp"`
}

// QueuePosition reports the 1-based dispatch position of a queued
// task, 0 when the task is not waiting
func (s *Scheduler) QueuePosition(ctx context.Context, taskID string) int {
	return s.queue.Position(ctx, taskID)
}

// Stats reports the live queue counters
func (s *Scheduler) Stats(ctx context.Context) QueueStats {
	active, err := s.coord.SCard(ctx, coord.KeyActiveTasks)
	if err != nil {
		active = s.inflight.Load()
	}
	slots := int64(s.cfg.MaxConcurrentDownloads) - active
	if slots < 0 {
		slots = 0
	}
	return QueueStats{
		ActiveDownloads: active,
		PendingTasks:    s.queue.Depth(ctx),
		MaxConcurrent:   s.cfg.MaxConcurrentDownloads,
		AvailableSlots:  slots,
		Timestamp:       time.Now().UTC(),
	}
}

// dispatch wakes every second and fills free worker slots from the
// queue
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.dispatchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fill(s.baseCtx)
		}
	}
}

// fill claims queued jobs while capacity remains and hands them to the
// worker pool
func (s *Scheduler) fill(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	for s.inflight.Load() < s.slots.Load() {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				logger.Warn().Err(err).Msg("Queue dequeue failed")
			}
			return
		}

		task, err := s.claim(ctx, job)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindInvalidState) || errdefs.IsKind(err, errdefs.KindNotFound) {
				// Cancelled or deleted while queued
				logger.Debug().Str("task_id", job.TaskID).Msg("Skipping job, task no longer claimable")
				continue
			}
			// Task store trouble: hand the job back and retry next tick
			logger.Warn().Err(err).Str("task_id", job.TaskID).Msg("Claim failed, requeueing job")
			_ = s.queue.Enqueue(ctx, job)
			return
		}

		s.inflight.Add(1)
		metrics.ActiveDownloads.Set(float64(s.inflight.Load()))
		metrics.QueueWaitTime.Observe(time.Since(job.EnqueuedAt).Seconds())

		select {
		case s.jobs <- assignment{job: job, task: task}:
		case <-s.stopCh:
			s.inflight.Add(-1)
			return
		}
	}
}

// claim transitions the task to downloading and records it in the
// advisory active set
func (s *Scheduler) claim(ctx context.Context, job types.Job) (*types.Task, error) {
	task, err := s.store.TransitionTask(job.TaskID, types.StatusDownloading)
	if err != nil {
		return nil, err
	}
	if err := s.coordBreaker.Do(func() error {
		return s.coord.SAdd(ctx, coord.KeyActiveTasks, job.TaskID)
	}); err != nil {
		logger := log.WithTaskID(job.TaskID)
		logger.Warn().Err(err).Msg("Failed to record task in active set")
	}
	return task, nil
}

// release drops a finished task from the active set and frees its slot
func (s *Scheduler) release(taskID string) {
	if err := s.coordBreaker.Do(func() error {
		return s.coord.SRem(context.Background(), coord.KeyActiveTasks, taskID)
	}); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Warn().Err(err).Msg("Failed to clear task from active set")
	}
	s.inflight.Add(-1)
	metrics.ActiveDownloads.Set(float64(s.inflight.Load()))
}
