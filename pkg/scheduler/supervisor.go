package scheduler

import (
	"time"

	"github.com/cuemby/magpie/pkg/log"
)

const defaultSuperviseEvery = 5 * time.Second

// supervise watches worker leases and cancels pipelines that stopped
// making progress. Cancelling kills the child process; the pipeline
// then unwinds through the normal failure path and the attempt is
// retried.
func (s *Scheduler) supervise() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.superviseEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkLiveness(now)
		}
	}
}

func (s *Scheduler) checkLiveness(now time.Time) {
	for _, w := range s.workers {
		taskID, stalled := w.expired(now)
		if !stalled {
			continue
		}
		logger := log.WithWorkerID(w.id)
		logger.Warn().
			Str("task_id", taskID).
			Dur("lease", s.leaseTTL).
			Msg("Worker stalled, cancelling its pipeline")
		w.interrupt()
	}
}
