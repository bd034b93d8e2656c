package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/queue"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	defaultSweepEvery = 10 * time.Minute

	// sweepBatch bounds the rows handled per cycle so a huge backlog
	// cannot stall the loop
	sweepBatch = 100
)

// Reconciler brings disk, store and queue back into agreement: a boot
// pass recovers tasks stranded by the previous process, and a periodic
// sweep removes expired artefacts and their records.
type Reconciler struct {
	cfg   *config.Config
	store storage.Store
	queue *queue.Queue
	coord *coord.Coord
	files *artifacts.Manager

	sweepEvery time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciler
func New(cfg *config.Config, store storage.Store, q *queue.Queue, c *coord.Coord, files *artifacts.Manager) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		store:      store,
		queue:      q,
		coord:      c,
		files:      files,
		sweepEvery: defaultSweepEvery,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic cleanup sweep
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the sweep loop
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Recover runs the boot pass, before the scheduler starts: tasks the
// previous process left mid-flight go back to pending, pending rows
// whose queue entry was lost are re-queued, and artefacts without a
// task row are removed.
func (r *Reconciler) Recover(ctx context.Context) error {
	logger := log.WithComponent("reconciler")

	reset, err := r.store.ResetInterrupted()
	if err != nil {
		return err
	}
	if reset > 0 {
		logger.Info().Int64("tasks", reset).Msg("Reset interrupted tasks to pending")
	}

	r.requeuePending(ctx)
	r.sweepOrphans()
	return nil
}

// requeuePending re-queues pending rows that have no queue entry. A
// crash between the row insert and the queue push, or a shutdown while
// the store was degraded, strands rows this way.
func (r *Reconciler) requeuePending(ctx context.Context) {
	logger := log.WithComponent("reconciler")

	queued, err := r.queue.TaskIDs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping pending requeue, queue unavailable")
		return
	}
	rows, err := r.store.ListTasksByStatus(types.StatusPending, 0)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping pending requeue, task list failed")
		return
	}

	requeued := 0
	for _, task := range rows {
		if _, ok := queued[task.ID]; ok {
			continue
		}
		job := types.Job{
			TaskID:      task.ID,
			Priority:    types.PriorityNormal,
			MaxAttempts: 3,
			EnqueuedAt:  time.Now().UTC(),
			TimeoutSec:  int(r.cfg.DownloadTimeout.Seconds()),
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			logger := log.WithTaskID(task.ID)
			logger.Warn().Err(err).Msg("Failed to requeue pending task")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		logger.Info().Int("tasks", requeued).Msg("Requeued pending tasks with no queue entry")
	}
}

// sweepOrphans removes artefacts whose task row no longer exists
func (r *Reconciler) sweepOrphans() {
	logger := log.WithComponent("reconciler")

	paths, err := r.files.Orphans(func(taskID string) bool {
		_, err := r.store.GetTask(taskID)
		return err == nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Orphan scan failed")
		return
	}

	var reclaimed int64
	removed := 0
	for _, p := range paths {
		n, err := r.files.Remove(p)
		if err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("Failed to remove orphaned artefact")
			continue
		}
		reclaimed += n
		removed++
		metrics.FilesDeleted.Inc()
	}
	if removed > 0 {
		metrics.BytesReclaimed.Add(float64(reclaimed))
		logger.Info().
			Int("files", removed).
			Int64("bytes", reclaimed).
			Msg("Removed orphaned artefacts")
	}
}

// Sweep removes one batch of terminal tasks older than the retention
// window. Order per task: artefact, then volatile records, then the
// row; a failed step leaves the task for the next pass.
func (r *Reconciler) Sweep(ctx context.Context) int {
	logger := log.WithComponent("reconciler")

	cutoff := time.Now().UTC().Add(-r.cfg.AutoDeleteAfter)
	rows, err := r.store.ListTerminalBefore(cutoff, sweepBatch)
	if err != nil {
		logger.Error().Err(err).Msg("Cleanup scan failed")
		return 0
	}

	removed := 0
	for _, task := range rows {
		if r.sweepTask(ctx, task) {
			removed++
		}
	}
	if removed > 0 {
		logger.Info().Int("tasks", removed).Msg("Swept expired tasks")
	}
	return removed
}

func (r *Reconciler) sweepTask(ctx context.Context, task *types.Task) bool {
	logger := log.WithTaskID(task.ID)

	if task.OutputPath != "" {
		n, err := r.files.Remove(task.OutputPath)
		if err != nil {
			logger.Warn().Err(err).Msg("Cleanup kept task, artefact removal failed")
			return false
		}
		if n > 0 {
			metrics.FilesDeleted.Inc()
			metrics.BytesReclaimed.Add(float64(n))
		}
	}
	if n := r.files.RemoveAllFor(task.ID); n > 0 {
		metrics.BytesReclaimed.Add(float64(n))
	}

	if err := r.coord.Delete(ctx, coord.ProgressKey(task.ID), coord.EventsKey(task.ID)); err != nil {
		logger.Warn().Err(err).Msg("Cleanup kept task, volatile records not dropped")
		return false
	}
	if err := r.store.DeleteTask(task.ID); err != nil {
		logger.Warn().Err(err).Msg("Cleanup failed to delete task row")
		return false
	}
	logger.Debug().Msg("Expired task swept")
	return true
}
