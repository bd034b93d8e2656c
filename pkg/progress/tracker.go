package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	snapshotTTL  = 7 * 24 * time.Hour
	eventRingCap = 100

	// Snapshot percent reported while the transcoder runs
	processingPercent = 95.0

	maxErrorLen = 500
)

// Tracker maintains per-task progress: a snapshot in the coordination
// store refreshed on every tick, a throttled mirror into the task row,
// a capped event ring, and live fanout through the broker.
//
// One worker owns each task, so per-task updates are single-writer;
// the mutex only guards the state map itself.
type Tracker struct {
	coord       *coord.Coord
	store       storage.Store
	broker      *Broker
	downloadDir string

	mu     sync.Mutex
	states map[string]*taskState
}

type taskState struct {
	snap    types.Snapshot
	limiter *rate.Limiter // task row writes, 1/s
	decade  int           // last emitted 10% bucket
}

// NewTracker creates a progress tracker
func NewTracker(c *coord.Coord, store storage.Store, broker *Broker, downloadDir string) *Tracker {
	return &Tracker{
		coord:       c,
		store:       store,
		broker:      broker,
		downloadDir: downloadDir,
		states:      make(map[string]*taskState),
	}
}

// Init seeds the snapshot for a freshly submitted task and emits the
// queued event
func (t *Tracker) Init(ctx context.Context, task *types.Task) error {
	snap := types.Snapshot{
		TaskID:    task.ID,
		URL:       task.URL,
		Title:     task.Title,
		Status:    types.StatusPending,
		CreatedAt: task.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	t.setState(task.ID, snap)
	if err := t.writeSnapshot(ctx, &snap); err != nil {
		return err
	}
	t.emit(ctx, &snap, EventTaskQueued, map[string]string{"url": task.URL, "format": task.Format})
	return nil
}

// MarkStarted records that a worker claimed the task
func (t *Tracker) MarkStarted(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	state, err := t.loadState(ctx, taskID)
	if err != nil {
		return err
	}
	state.snap.Status = types.StatusDownloading
	state.snap.StartedAt = &now
	state.snap.UpdatedAt = now
	if err := t.writeSnapshot(ctx, &state.snap); err != nil {
		return err
	}
	t.emit(ctx, &state.snap, EventTaskStarted, nil)
	return nil
}

// Update folds one tick from the child process stream into the
// snapshot. Percent is clamped to [0,100] and never regresses within
// an attempt. Events fire only when progress crosses a 10% boundary
// or reaches 100.
func (t *Tracker) Update(ctx context.Context, taskID string, tick types.Tick) error {
	state, err := t.loadState(ctx, taskID)
	if err != nil {
		return err
	}

	percent := tick.Percent
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < state.snap.Percent {
		// Stale line from the stream, keep the high-water mark
		percent = state.snap.Percent
	}

	now := time.Now().UTC()
	state.snap.Percent = percent
	state.snap.UpdatedAt = now
	if tick.BytesDone > 0 {
		state.snap.BytesDone = tick.BytesDone
	}
	if tick.BytesTotal > 0 {
		state.snap.BytesTotal = tick.BytesTotal
	}
	if tick.SpeedBPS > 0 {
		state.snap.SpeedBPS = tick.SpeedBPS
	}
	state.snap.ETASeconds = etaFor(&state.snap)

	if err := t.writeSnapshot(ctx, &state.snap); err != nil {
		return err
	}

	// Task row writes are throttled to once per second per task
	if state.limiter.Allow() {
		if err := t.store.UpdateTaskFields(taskID, map[string]interface{}{"progress": percent}); err != nil {
			logger := log.WithTaskID(taskID)
			logger.Warn().Err(err).Msg("Failed to mirror progress to task row")
		}
	}

	decade := int(percent / 10)
	if decade > state.decade || percent >= 100 && state.decade < 10 {
		state.decade = decade
		if percent >= 100 {
			state.decade = 10
		}
		t.emit(ctx, &state.snap, EventDownloadProgress, map[string]string{
			"percent": fmt.Sprintf("%.1f", percent),
		})
	}
	return nil
}

// MarkProcessing pins the snapshot at the processing plateau while the
// transcoder runs
func (t *Tracker) MarkProcessing(ctx context.Context, taskID string) error {
	state, err := t.loadState(ctx, taskID)
	if err != nil {
		return err
	}
	if state.snap.Percent < processingPercent {
		state.snap.Percent = processingPercent
	}
	state.snap.Status = types.StatusProcessing
	state.snap.UpdatedAt = time.Now().UTC()
	if err := t.writeSnapshot(ctx, &state.snap); err != nil {
		return err
	}
	t.emit(ctx, &state.snap, EventDownloadCompleted, nil)
	t.emit(ctx, &state.snap, EventProcessingStarted, nil)
	return nil
}

// Reset rewinds the snapshot for a retry attempt
func (t *Tracker) Reset(ctx context.Context, taskID string, attempt int) error {
	state, err := t.loadState(ctx, taskID)
	if err != nil {
		return err
	}
	state.snap.Status = types.StatusPending
	state.snap.Percent = 0
	state.snap.BytesDone = 0
	state.snap.SpeedBPS = 0
	state.snap.ETASeconds = nil
	state.snap.StartedAt = nil
	state.snap.UpdatedAt = time.Now().UTC()
	state.decade = 0
	if err := t.writeSnapshot(ctx, &state.snap); err != nil {
		return err
	}
	t.emit(ctx, &state.snap, EventTaskRetrying, map[string]string{
		"attempt": fmt.Sprintf("%d", attempt),
	})
	return nil
}

// Finalize writes the terminal snapshot and emits the closing event.
// Error messages are sanitised and truncated before they become
// user-visible.
func (t *Tracker) Finalize(ctx context.Context, taskID string, status types.TaskStatus, errMsg string, filename string, fileSize int64) error {
	state, err := t.loadState(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	state.snap.Status = status
	state.snap.UpdatedAt = now
	state.snap.CompletedAt = &now
	state.snap.SpeedBPS = 0
	state.snap.ETASeconds = nil

	var event EventType
	switch status {
	case types.StatusCompleted:
		state.snap.Percent = 100
		state.snap.Filename = filename
		state.snap.FileSize = fileSize
		event = EventTaskCompleted
	case types.StatusCancelled:
		event = EventTaskCancelled
	default:
		state.snap.ErrorMessage = errdefs.Sanitize(errMsg, t.downloadDir, maxErrorLen)
		event = EventTaskFailed
	}

	if err := t.writeSnapshot(ctx, &state.snap); err != nil {
		return err
	}

	details := map[string]string{}
	if state.snap.ErrorMessage != "" {
		details["error"] = state.snap.ErrorMessage
	}
	if filename != "" {
		details["filename"] = filename
	}
	t.emit(ctx, &state.snap, event, details)

	t.mu.Lock()
	delete(t.states, taskID)
	t.mu.Unlock()
	return nil
}

// Get returns the snapshot for a task. When the coordination store
// has no record (expired TTL, restart) the task row is consulted so
// status queries never 404 for a task that still exists.
func (t *Tracker) Get(ctx context.Context, taskID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := t.coord.GetJSON(ctx, coord.ProgressKey(taskID), &snap)
	if err == nil {
		return &snap, nil
	}
	if !errors.Is(err, coord.ErrNotFound) {
		logger := log.WithTaskID(taskID)
		logger.Warn().Err(err).Msg("Snapshot read failed, consulting task store")
	}

	task, storeErr := t.store.GetTask(taskID)
	if storeErr != nil {
		return nil, storeErr
	}
	return snapshotFromTask(task), nil
}

// Events returns the task's lifecycle event ring, oldest first
func (t *Tracker) Events(ctx context.Context, taskID string) ([]types.ProgressEvent, error) {
	raw, err := t.coord.LRangeAll(ctx, coord.EventsKey(taskID))
	if err != nil {
		return nil, err
	}
	events := make([]types.ProgressEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.ProgressEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Active returns snapshots for every task currently claimed by a
// worker
func (t *Tracker) Active(ctx context.Context) ([]*types.Snapshot, error) {
	ids, err := t.coord.SMembers(ctx, coord.KeyActiveTasks)
	if err != nil {
		return nil, err
	}
	snaps := make([]*types.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := t.Get(ctx, id)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Delta is one step of a task's live progress stream
type Delta struct {
	Status   types.TaskStatus `json:"status"`
	Percent  float64          `json:"percent"`
	SpeedBPS float64          `json:"speed_bps"`
}

// Subscribe streams progress deltas for one task. The stream is finite:
// the channel closes once the task reaches a terminal status or ctx is
// done. A retried task needs a fresh subscription; deltas to a slow
// consumer are dropped rather than blocking the pipeline.
func (t *Tracker) Subscribe(ctx context.Context, taskID string) <-chan Delta {
	sub := t.broker.Subscribe()
	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		defer t.broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.TaskID != taskID {
					continue
				}
				select {
				case out <- Delta{Status: ev.Status, Percent: ev.Percent, SpeedBPS: ev.SpeedBPS}:
				default:
				}
				if ev.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out
}

func (t *Tracker) setState(taskID string, snap types.Snapshot) *taskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := &taskState{
		snap:    snap,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		decade:  int(snap.Percent / 10),
	}
	t.states[taskID] = state
	return state
}

// loadState returns the in-memory state for a task, rebuilding it from
// the stores after a restart
func (t *Tracker) loadState(ctx context.Context, taskID string) (*taskState, error) {
	t.mu.Lock()
	if state, ok := t.states[taskID]; ok {
		t.mu.Unlock()
		return state, nil
	}
	t.mu.Unlock()

	var snap types.Snapshot
	if err := t.coord.GetJSON(ctx, coord.ProgressKey(taskID), &snap); err != nil {
		task, storeErr := t.store.GetTask(taskID)
		if storeErr != nil {
			return nil, storeErr
		}
		snap = *snapshotFromTask(task)
	}
	return t.setState(taskID, snap), nil
}

func (t *Tracker) writeSnapshot(ctx context.Context, snap *types.Snapshot) error {
	return t.coord.SetJSON(ctx, coord.ProgressKey(snap.TaskID), snap, snapshotTTL)
}

func (t *Tracker) emit(ctx context.Context, snap *types.Snapshot, event EventType, details map[string]string) {
	ev := types.ProgressEvent{
		Event:     string(event),
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
	data, err := json.Marshal(ev)
	if err == nil {
		if err := t.coord.RPushCapped(ctx, coord.EventsKey(snap.TaskID), eventRingCap, snapshotTTL, string(data)); err != nil {
			logger := log.WithTaskID(snap.TaskID)
			logger.Warn().Err(err).Msg("Failed to append lifecycle event")
		}
	}
	t.broker.Publish(&Event{
		TaskID:   snap.TaskID,
		Type:     event,
		Status:   snap.Status,
		Percent:  snap.Percent,
		SpeedBPS: snap.SpeedBPS,
		Metadata: details,
	})
}

func etaFor(snap *types.Snapshot) *float64 {
	if snap.SpeedBPS <= 0 || snap.BytesTotal <= 0 || snap.BytesDone >= snap.BytesTotal {
		return nil
	}
	eta := float64(snap.BytesTotal-snap.BytesDone) / snap.SpeedBPS
	return &eta
}

func snapshotFromTask(task *types.Task) *types.Snapshot {
	return &types.Snapshot{
		TaskID:       task.ID,
		URL:          task.URL,
		Title:        task.Title,
		Status:       task.Status,
		Percent:      task.Progress,
		Filename:     task.Filename,
		FileSize:     task.FileSize,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
		UpdatedAt:    task.UpdatedAt,
	}
}
