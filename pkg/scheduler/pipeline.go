package scheduler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/extract"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// runPipeline drives one claimed task through probe, download,
// optional transcode and tagging, then finalisation. A returned error
// hands the outcome to resolveFailure.
func (s *Scheduler) runPipeline(ctx context.Context, w *worker, a assignment) error {
	task := a.task
	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("url", task.URL).
		Str("format", task.Format).
		Int("attempt", a.job.Attempt+1).
		Msg("Starting download")

	if err := s.tracker.MarkStarted(ctx, task.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish task start")
	}

	// The probe emits no progress lines, so it runs on a longer lease
	w.extendLease(s.probeLease)
	info, err := s.ext.Probe(ctx, task.URL)
	if err != nil {
		return err
	}
	s.applyMetadata(task, info)

	onTick := func(tick types.Tick) {
		w.touch()
		s.reportPID(w, task.ID)
		if uerr := s.tracker.Update(ctx, task.ID, tick); uerr != nil {
			logger.Debug().Err(uerr).Msg("Failed to publish progress tick")
		}
	}

	w.touch()
	path, err := s.ext.Download(ctx, task, onTick)
	if err != nil {
		return err
	}

	if s.ext.NeedsTranscode(task) {
		if _, err := s.store.TransitionTask(task.ID, types.StatusProcessing); err != nil {
			return err
		}
		if err := s.tracker.MarkProcessing(ctx, task.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish processing state")
		}
		w.touch()
		if path, err = s.ext.Transcode(ctx, task, path, onTick); err != nil {
			return err
		}
	}

	if spec, ferr := extract.LookupFormat(task.Format); ferr == nil && spec.IsAudio() && task.RequestedTitle != "" {
		// Tagging spans a thumbnail fetch and two ffmpeg passes with no
		// progress lines in between
		w.extendLease(s.coverLease)
		s.ext.ApplyAudioTags(ctx, task, path)
	}

	return s.finishSuccess(ctx, task, path)
}

// applyMetadata copies probe results onto the task row. The local copy
// is updated too so later pipeline stages see the resolved values.
func (s *Scheduler) applyMetadata(task *types.Task, info *types.MediaInfo) {
	task.Title = info.Title
	task.ThumbnailURL = info.Thumbnail
	task.Duration = info.Duration
	if err := s.store.UpdateTaskFields(task.ID, map[string]interface{}{
		"title":         info.Title,
		"thumbnail_url": info.Thumbnail,
		"duration":      info.Duration,
	}); err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Warn().Err(err).Msg("Failed to record media metadata")
	}
}

// reportPID records the child process id on the task row, once per
// assignment, so operators can correlate tasks with OS processes
func (s *Scheduler) reportPID(w *worker, taskID string) {
	pid := s.procs.PID(taskID)
	if pid == 0 || !w.firstPID() {
		return
	}
	if err := s.store.UpdateTaskFields(taskID, map[string]interface{}{"pid": pid}); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Debug().Err(err).Msg("Failed to record child pid")
	}
}

// finishSuccess verifies the artefact and settles the task as
// completed
func (s *Scheduler) finishSuccess(ctx context.Context, task *types.Task, path string) error {
	logger := log.WithTaskID(task.ID)

	abs, fi, err := s.files.Resolve(path)
	if err != nil {
		return err
	}

	title := task.RequestedTitle
	if title == "" {
		title = task.Title
	}
	filename := artifacts.SafeFilename(title, task.ID, filepath.Ext(abs))

	if _, err := s.store.TransitionTask(task.ID, types.StatusCompleted); err != nil {
		return err
	}
	if err := s.store.UpdateTaskFields(task.ID, map[string]interface{}{
		"output_path": abs,
		"filename":    filename,
		"file_size":   fi.Size(),
		"progress":    100.0,
		"pid":         0,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record artefact details")
	}
	if err := s.tracker.Finalize(ctx, task.ID, types.StatusCompleted, "", filename, fi.Size()); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish completion")
	}

	metrics.TasksCompleted.Inc()
	metrics.TaskDuration.WithLabelValues(task.Format).Observe(time.Since(task.CreatedAt).Seconds())
	logger.Info().
		Str("filename", filename).
		Int64("size", fi.Size()).
		Msg("Download completed")
	return nil
}

// resolveFailure settles a failed attempt: transient failures with
// attempts left go back to the queue, everything else marks the task
// failed. Terminal-state races mean the task was cancelled or deleted
// mid-flight; the attempt outcome is discarded.
func (s *Scheduler) resolveFailure(ctx context.Context, job types.Job, cause error, retryable bool) {
	logger := log.WithTaskID(job.TaskID)
	next := job.Attempt + 1

	if retryable && next < job.MaxAttempts {
		if _, err := s.store.TransitionTask(job.TaskID, types.StatusPending); err != nil {
			s.discardOvertaken(job.TaskID, err)
			return
		}
		if err := s.store.UpdateTaskFields(job.TaskID, map[string]interface{}{
			"pid":      0,
			"progress": 0.0,
		}); err != nil {
			logger.Debug().Err(err).Msg("Failed to reset task fields for retry")
		}
		if err := s.tracker.Reset(ctx, job.TaskID, next); err != nil {
			logger.Debug().Err(err).Msg("Failed to reset progress for retry")
		}
		s.files.RemovePartials(job.TaskID)

		retry := job
		retry.Attempt = next
		retry.EnqueuedAt = time.Now().UTC()
		if err := s.queue.Enqueue(ctx, retry); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue task for retry")
		}
		metrics.TaskRetries.Inc()
		logger.Warn().
			Err(cause).
			Int("attempt", next).
			Int("max_attempts", job.MaxAttempts).
			Msg("Download failed, retrying")
		return
	}

	if _, err := s.store.TransitionTask(job.TaskID, types.StatusFailed); err != nil {
		s.discardOvertaken(job.TaskID, err)
		return
	}
	msg := errdefs.Sanitize(cause.Error(), s.files.Dir(), maxErrorLen)
	if err := s.store.UpdateTaskFields(job.TaskID, map[string]interface{}{
		"error_message": msg,
		"pid":           0,
	}); err != nil {
		logger.Debug().Err(err).Msg("Failed to record failure message")
	}
	if err := s.tracker.Finalize(ctx, job.TaskID, types.StatusFailed, msg, "", 0); err != nil {
		logger.Debug().Err(err).Msg("Failed to publish failure")
	}
	s.files.RemovePartials(job.TaskID)

	metrics.TasksFailed.WithLabelValues(errdefs.CodeOf(cause)).Inc()
	logger.Error().
		Err(cause).
		Str("code", errdefs.CodeOf(cause)).
		Int("attempts", next).
		Msg("Download failed permanently")
}

// discardOvertaken handles the attempt outcome losing a race against a
// cancel or delete: the partials go, the terminal state stays
func (s *Scheduler) discardOvertaken(taskID string, err error) {
	if errdefs.IsKind(err, errdefs.KindInvalidState) || errdefs.IsKind(err, errdefs.KindNotFound) {
		s.files.RemoveAllFor(taskID)
		logger := log.WithTaskID(taskID)
		logger.Debug().Msg("Attempt outcome discarded, task was settled elsewhere")
		return
	}
	logger := log.WithTaskID(taskID)
	logger.Error().Err(err).Msg("Failed to settle task outcome")
}
