package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// ErrEmpty is returned by Dequeue when no job is waiting
var ErrEmpty = errors.New("queue is empty")

const (
	tiers = 5

	// depthAlertThreshold is the backlog size that triggers an
	// operator alert, logged once per crossing
	depthAlertThreshold = 50
)

// Queue is the priority job queue backed by the coordination store's
// sorted set. Lower scores pop first: score = -(priority*1000) +
// 10*attempt, so higher priorities win and every retry pays a penalty
// within its tier. Members carry a zero-padded enqueue-nanos prefix,
// so equal scores pop oldest first.
//
// While the store is unreachable, jobs land in local in-process tier
// queues and are pushed back on the next operation that finds the
// store healthy. Intake keeps accepting work through an outage at the
// cost of cross-process ordering.
type Queue struct {
	coord *coord.Coord

	mu       sync.Mutex
	local    [tiers][]types.Job // FIFO per priority tier
	degraded bool
	alerted  bool
}

// New creates a queue over the given coordination store
func New(c *coord.Coord) *Queue {
	return &Queue{coord: c}
}

// Score returns the sorted-set score for a job. Negative priority
// weight keeps ZPOPMIN cheap; the attempt penalty lets fresh work
// overtake retries of equal priority.
func Score(j types.Job) float64 {
	return float64(-(int(j.Priority) * 1000) + 10*j.Attempt)
}

// encodeMember packs a job into its sorted-set member. The fixed-width
// nanosecond prefix makes the lexicographic tie order chronological.
func encodeMember(j types.Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", j.TaskID, err)
	}
	return fmt.Sprintf("%020d|%s", j.EnqueuedAt.UnixNano(), data), nil
}

func decodeMember(member string) (types.Job, error) {
	_, payload, found := strings.Cut(member, "|")
	if !found {
		return types.Job{}, fmt.Errorf("malformed queue member %q", member)
	}
	var j types.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return types.Job{}, fmt.Errorf("failed to decode queue member: %w", err)
	}
	return j, nil
}

// Enqueue adds a job to the queue. A store failure degrades to the
// local tiers instead of failing the caller.
func (q *Queue) Enqueue(ctx context.Context, job types.Job) error {
	q.reconcile(ctx)

	member, err := encodeMember(job)
	if err != nil {
		return err
	}
	if err := q.coord.ZAdd(ctx, coord.KeyTaskQueue, Score(job), member); err != nil {
		q.mu.Lock()
		q.degraded = true
		t := tier(job.Priority)
		q.local[t] = append(q.local[t], job)
		q.mu.Unlock()
		logger := log.WithComponent("queue")
		logger.Warn().
			Str("task_id", job.TaskID).
			Err(err).
			Msg("Coordination store unreachable, job queued locally")
	}
	q.observeDepth(ctx)
	return nil
}

// Dequeue pops the highest-priority waiting job. Returns ErrEmpty when
// nothing is queued.
func (q *Queue) Dequeue(ctx context.Context) (types.Job, error) {
	q.reconcile(ctx)

	member, _, err := q.coord.ZPopMin(ctx, coord.KeyTaskQueue)
	switch {
	case err == nil:
		q.observeDepth(ctx)
		return decodeMember(member)
	case errors.Is(err, coord.ErrNotFound):
		if job, ok := q.popLocal(); ok {
			return job, nil
		}
		return types.Job{}, ErrEmpty
	default:
		q.mu.Lock()
		q.degraded = true
		q.mu.Unlock()
		if job, ok := q.popLocal(); ok {
			return job, nil
		}
		return types.Job{}, err
	}
}

// Remove deletes every queued entry for the task. The cancel path uses
// this; absent entries are not an error.
func (q *Queue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	for i := range q.local {
		kept := q.local[i][:0]
		for _, j := range q.local[i] {
			if j.TaskID != taskID {
				kept = append(kept, j)
			}
		}
		q.local[i] = kept
	}
	q.mu.Unlock()

	members, err := q.coord.ZMembers(ctx, coord.KeyTaskQueue)
	if err != nil {
		return err
	}
	for _, m := range members {
		job, derr := decodeMember(m)
		if derr != nil {
			continue
		}
		if job.TaskID == taskID {
			if err := q.coord.ZRem(ctx, coord.KeyTaskQueue, m); err != nil {
				return err
			}
		}
	}
	q.observeDepth(ctx)
	return nil
}

// TaskIDs returns the set of task ids with a queued entry, across the
// store and the local overflow tiers. Boot recovery uses this to spot
// pending rows whose queue entry was lost.
func (q *Queue) TaskIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	q.mu.Lock()
	for _, t := range q.local {
		for _, j := range t {
			ids[j.TaskID] = struct{}{}
		}
	}
	q.mu.Unlock()

	members, err := q.coord.ZMembers(ctx, coord.KeyTaskQueue)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if job, derr := decodeMember(m); derr == nil {
			ids[job.TaskID] = struct{}{}
		}
	}
	return ids, nil
}

// Position reports the 1-based dispatch position of a queued task,
// 0 when the task has no queue entry. Store members come back in score
// order, which is dispatch order; local overflow jobs queue behind
// everything in the store.
func (q *Queue) Position(ctx context.Context, taskID string) int {
	pos := 0
	members, err := q.coord.ZMembers(ctx, coord.KeyTaskQueue)
	if err == nil {
		for _, m := range members {
			job, derr := decodeMember(m)
			if derr != nil {
				continue
			}
			pos++
			if job.TaskID == taskID {
				return pos
			}
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := tiers - 1; i >= 0; i-- {
		for _, j := range q.local[i] {
			pos++
			if j.TaskID == taskID {
				return pos
			}
		}
	}
	return 0
}

// Depth returns the number of waiting jobs across the store and the
// local overflow tiers
func (q *Queue) Depth(ctx context.Context) int64 {
	q.mu.Lock()
	var n int64
	for _, t := range q.local {
		n += int64(len(t))
	}
	q.mu.Unlock()

	if z, err := q.coord.ZCard(ctx, coord.KeyTaskQueue); err == nil {
		n += z
	}
	return n
}

// reconcile drains the local tiers back into the store after an
// outage. Highest tier first, so the recovered ordering stays close to
// the true one. A push failure puts the remainder back and leaves the
// queue degraded.
func (q *Queue) reconcile(ctx context.Context) {
	q.mu.Lock()
	if !q.degraded {
		q.mu.Unlock()
		return
	}
	var backlog []types.Job
	for i := tiers - 1; i >= 0; i-- {
		backlog = append(backlog, q.local[i]...)
		q.local[i] = nil
	}
	q.degraded = false
	q.mu.Unlock()

	pushed := 0
	for i, job := range backlog {
		member, err := encodeMember(job)
		if err == nil {
			err = q.coord.ZAdd(ctx, coord.KeyTaskQueue, Score(job), member)
		}
		if err != nil {
			q.mu.Lock()
			q.degraded = true
			for _, j := range backlog[i:] {
				t := tier(j.Priority)
				q.local[t] = append(q.local[t], j)
			}
			q.mu.Unlock()
			break
		}
		pushed++
	}
	if pushed > 0 {
		logger := log.WithComponent("queue")
		logger.Info().
			Int("jobs", pushed).
			Msg("Reconciled locally queued jobs into the coordination store")
	}
}

// popLocal serves the local tiers, highest priority first
func (q *Queue) popLocal() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := tiers - 1; i >= 0; i-- {
		if len(q.local[i]) > 0 {
			job := q.local[i][0]
			q.local[i] = q.local[i][1:]
			return job, true
		}
	}
	return types.Job{}, false
}

// observeDepth refreshes the depth gauge and raises the backlog alert
// on each upward crossing of the threshold
func (q *Queue) observeDepth(ctx context.Context) {
	n := q.Depth(ctx)
	metrics.QueueDepth.Set(float64(n))

	q.mu.Lock()
	defer q.mu.Unlock()
	if n > depthAlertThreshold {
		if !q.alerted {
			q.alerted = true
			logger := log.WithComponent("queue")
			logger.Warn().
				Int64("depth", n).
				Int("threshold", depthAlertThreshold).
				Msg("Queue backlog exceeded alert threshold")
		}
	} else {
		q.alerted = false
	}
}

func tier(p types.Priority) int {
	t := int(p)
	if t < 0 {
		t = 0
	}
	if t >= tiers {
		t = tiers - 1
	}
	return t
}
