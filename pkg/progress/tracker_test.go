package progress

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

const testDownloadDir = "/data/downloads"

func newTestTracker(t *testing.T) (*Tracker, *coord.Coord, storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := coord.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })

	store, err := storage.NewGormStore(filepath.Join(t.TempDir(), "magpie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewTracker(c, store, broker, testDownloadDir), c, store
}

func seedTask(t *testing.T, tracker *Tracker, store storage.Store) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:     uuid.New().String(),
		URL:    "https://example.com/watch?v=xyz",
		Format: "mp3",
		Status: types.StatusPending,
	}
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, tracker.Init(context.Background(), task))
	return task
}

func TestInitSeedsSnapshot(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)

	snap, err := tracker.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, snap.TaskID)
	assert.Equal(t, types.StatusPending, snap.Status)
	assert.Equal(t, 0.0, snap.Percent)

	events, err := tracker.Events(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(EventTaskQueued), events[0].Event)
}

func TestUpdateComputesETA(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{
		Percent:    25,
		BytesDone:  250,
		BytesTotal: 1000,
		SpeedBPS:   50,
	}))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, snap.Percent)
	require.NotNil(t, snap.ETASeconds)
	assert.InDelta(t, 15.0, *snap.ETASeconds, 0.001)
}

func TestUpdateClampsPercent(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 180}))
	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Percent)
}

func TestUpdateNeverRegresses(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 60}))
	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 40}))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, snap.Percent)
}

func TestUpdateEmitsOnlyAtDecadeBoundaries(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	for _, p := range []float64{3, 7, 9.9, 15, 18, 42, 99, 100} {
		require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: p}))
	}

	events, err := tracker.Events(ctx, task.ID)
	require.NoError(t, err)

	var percents []string
	for _, ev := range events {
		if ev.Event == string(EventDownloadProgress) {
			percents = append(percents, ev.Details["percent"])
		}
	}
	// 15 crosses 10%, 42 crosses 40%, 99 crosses 90%, 100 closes out
	assert.Equal(t, []string{"15.0", "42.0", "99.0", "100.0"}, percents)
}

func TestMarkStartedAndProcessing(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.MarkStarted(ctx, task.ID))
	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloading, snap.Status)
	require.NotNil(t, snap.StartedAt)

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 80}))
	require.NoError(t, tracker.MarkProcessing(ctx, task.ID))

	snap, err = tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, snap.Status)
	assert.Equal(t, 95.0, snap.Percent)
}

func TestMarkProcessingKeepsHigherPercent(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 97}))
	require.NoError(t, tracker.MarkProcessing(ctx, task.ID))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 97.0, snap.Percent)
}

func TestFinalizeCompleted(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 80}))
	require.NoError(t, tracker.Finalize(ctx, task.ID, types.StatusCompleted, "", "song.mp3", 2048))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, "song.mp3", snap.Filename)
	assert.Equal(t, int64(2048), snap.FileSize)
	require.NotNil(t, snap.CompletedAt)

	events, err := tracker.Events(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(EventTaskCompleted), events[len(events)-1].Event)
}

func TestFinalizeFailedSanitizesError(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	rawErr := "yt-dlp wrote to " + testDownloadDir + "/partial: " + strings.Repeat("x", 600)
	require.NoError(t, tracker.Finalize(ctx, task.ID, types.StatusFailed, rawErr, "", 0))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.NotContains(t, snap.ErrorMessage, testDownloadDir)
	assert.Contains(t, snap.ErrorMessage, "[DOWNLOAD_DIR]")
	assert.LessOrEqual(t, len(snap.ErrorMessage), 500)
}

func TestResetRewindsForRetry(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)
	ctx := context.Background()

	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 70}))
	require.NoError(t, tracker.Reset(ctx, task.ID, 2))

	snap, err := tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, snap.Status)
	assert.Equal(t, 0.0, snap.Percent)
	assert.Nil(t, snap.StartedAt)

	// Progress may regress after a reset and decades re-emit
	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 12}))
	snap, err = tracker.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, snap.Percent)
}

func TestGetFallsBackToTaskRow(t *testing.T) {
	tracker, _, store := newTestTracker(t)

	task := &types.Task{
		ID:       uuid.New().String(),
		URL:      "https://example.com/v",
		Format:   "mp4",
		Status:   types.StatusCompleted,
		Progress: 100,
		Filename: "clip.mp4",
	}
	require.NoError(t, store.CreateTask(task))

	// No snapshot was ever written for this task
	snap, err := tracker.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, "clip.mp4", snap.Filename)
}

func TestGetUnknownTask(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	_, err := tracker.Get(context.Background(), uuid.New().String())
	assert.Error(t, err)
}

func TestActiveSnapshots(t *testing.T) {
	tracker, c, store := newTestTracker(t)
	ctx := context.Background()

	a := seedTask(t, tracker, store)
	b := seedTask(t, tracker, store)
	seedTask(t, tracker, store) // queued but not active

	require.NoError(t, c.SAdd(ctx, coord.KeyActiveTasks, a.ID, b.ID))

	snaps, err := tracker.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	ctx := context.Background()
	task := seedTask(t, tracker, store)

	stream := tracker.Subscribe(ctx, task.ID)

	require.NoError(t, tracker.MarkStarted(ctx, task.ID))
	require.NoError(t, tracker.Update(ctx, task.ID, types.Tick{Percent: 50, SpeedBPS: 100}))
	require.NoError(t, tracker.Finalize(ctx, task.ID, types.StatusCompleted, "", "song.mp3", 2048))

	var deltas []Delta
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-stream:
			if !ok {
				require.NotEmpty(t, deltas)
				last := deltas[len(deltas)-1]
				assert.Equal(t, types.StatusCompleted, last.Status)
				assert.Equal(t, 100.0, last.Percent)
				return
			}
			deltas = append(deltas, d)
		case <-deadline:
			t.Fatal("stream did not terminate after the task completed")
		}
	}
}

func TestSubscribeFiltersOtherTasks(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	ctx := context.Background()
	a := seedTask(t, tracker, store)
	b := seedTask(t, tracker, store)

	stream := tracker.Subscribe(ctx, a.ID)

	// b completes, a is cancelled: the stream must end on a's terminal
	// status and never surface b's completion
	require.NoError(t, tracker.Finalize(ctx, b.ID, types.StatusCompleted, "", "other.mp3", 1))
	require.NoError(t, tracker.Finalize(ctx, a.ID, types.StatusCancelled, "", "", 0))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-stream:
			if !ok {
				return
			}
			assert.NotEqual(t, types.StatusCompleted, d.Status)
		case <-deadline:
			t.Fatal("stream did not terminate after the task was cancelled")
		}
	}
}

func TestSubscribeEndsOnContextCancel(t *testing.T) {
	tracker, _, store := newTestTracker(t)
	task := seedTask(t, tracker, store)

	ctx, cancel := context.WithCancel(context.Background())
	stream := tracker.Subscribe(ctx, task.ID)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after context cancellation")
		}
	}
}
