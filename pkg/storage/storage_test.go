package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := NewGormStore(filepath.Join(t.TempDir(), "magpie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestTask() *types.Task {
	return &types.Task{
		ID:     uuid.New().String(),
		URL:    "https://example.com/watch?v=abc123",
		Format: "mp3",
		Status: types.StatusPending,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.URL, got.URL)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask(uuid.New().String())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	assert.Equal(t, errdefs.CodeTaskNotFound, errdefs.CodeOf(err))
}

func TestListTasksNewestFirst(t *testing.T) {
	store := newTestStore(t)

	first := newTestTask()
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	second := newTestTask()
	second.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	third := newTestTask()

	require.NoError(t, store.CreateTask(first))
	require.NoError(t, store.CreateTask(second))
	require.NoError(t, store.CreateTask(third))

	tasks, err := store.ListTasks(10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, third.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[2].ID)

	limited, err := store.ListTasks(2, 0)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	offset, err := store.ListTasks(2, 2)
	require.NoError(t, err)
	require.Len(t, offset, 1)
	assert.Equal(t, first.ID, offset[0].ID)
}

func TestTransitionTask(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	got, err := store.TransitionTask(task.ID, types.StatusDownloading)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloading, got.Status)

	got, err = store.TransitionTask(task.ID, types.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)

	got, err = store.TransitionTask(task.ID, types.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	// pending cannot jump straight to completed
	_, err := store.TransitionTask(task.ID, types.StatusCompleted)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestTerminalStatusWins(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	_, err := store.TransitionTask(task.ID, types.StatusDownloading)
	require.NoError(t, err)
	_, err = store.TransitionTask(task.ID, types.StatusCancelled)
	require.NoError(t, err)

	// A worker finishing after cancellation must lose the race
	_, err = store.TransitionTask(task.ID, types.StatusProcessing)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestTransitionToSameStatusIsNoop(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	got, err := store.TransitionTask(task.ID, types.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestTransitionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.TransitionTask(uuid.New().String(), types.StatusDownloading)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestRetryEdgeBackToPending(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	_, err := store.TransitionTask(task.ID, types.StatusDownloading)
	require.NoError(t, err)

	// Transient failure path requeues the task
	got, err := store.TransitionTask(task.ID, types.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestUpdateTaskFields(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))

	err := store.UpdateTaskFields(task.ID, map[string]interface{}{
		"title":     "Example Song",
		"progress":  42.5,
		"file_size": int64(1024),
	})
	require.NoError(t, err)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example Song", got.Title)
	assert.Equal(t, 42.5, got.Progress)
	assert.Equal(t, int64(1024), got.FileSize)
}

func TestUpdateTaskFieldsNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateTaskFields(uuid.New().String(), map[string]interface{}{"title": "x"})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestDeleteTask(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask()
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, store.DeleteTask(task.ID))

	_, err := store.GetTask(task.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateTask(newTestTask()))
	}
	active := newTestTask()
	require.NoError(t, store.CreateTask(active))
	_, err := store.TransitionTask(active.ID, types.StatusDownloading)
	require.NoError(t, err)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[types.StatusPending])
	assert.Equal(t, int64(1), counts[types.StatusDownloading])
	assert.Equal(t, int64(0), counts[types.StatusCompleted])
}

func TestStatsByStatus(t *testing.T) {
	store := newTestStore(t)

	for _, pct := range []float64{20, 60} {
		task := newTestTask()
		require.NoError(t, store.CreateTask(task))
		_, err := store.TransitionTask(task.ID, types.StatusDownloading)
		require.NoError(t, err)
		require.NoError(t, store.UpdateTaskFields(task.ID, map[string]interface{}{
			"progress": pct,
		}))
	}
	require.NoError(t, store.CreateTask(newTestTask()))

	stats, err := store.StatsByStatus()
	require.NoError(t, err)

	dl, ok := stats[types.StatusDownloading]
	require.True(t, ok)
	assert.Equal(t, int64(2), dl.Count)
	assert.InDelta(t, 40.0, dl.AvgPercent, 0.01)
	assert.InDelta(t, 60.0, dl.MaxPercent, 0.01)

	pending, ok := stats[types.StatusPending]
	require.True(t, ok)
	assert.Equal(t, int64(1), pending.Count)
	assert.InDelta(t, 0.0, pending.AvgPercent, 0.01)
}

func TestListTerminalBefore(t *testing.T) {
	store := newTestStore(t)

	old := newTestTask()
	require.NoError(t, store.CreateTask(old))
	_, err := store.TransitionTask(old.ID, types.StatusDownloading)
	require.NoError(t, err)
	_, err = store.TransitionTask(old.ID, types.StatusCancelled)
	require.NoError(t, err)
	// Backdate past the retention window
	require.NoError(t, store.db.Model(&types.Task{}).
		Where("id = ?", old.ID).
		Update("updated_at", time.Now().UTC().Add(-8*24*time.Hour)).Error)

	fresh := newTestTask()
	require.NoError(t, store.CreateTask(fresh))
	_, err = store.TransitionTask(fresh.ID, types.StatusDownloading)
	require.NoError(t, err)
	_, err = store.TransitionTask(fresh.ID, types.StatusCancelled)
	require.NoError(t, err)

	pending := newTestTask()
	require.NoError(t, store.CreateTask(pending))

	expired, err := store.ListTerminalBefore(time.Now().UTC().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func TestResetInterrupted(t *testing.T) {
	store := newTestStore(t)

	downloading := newTestTask()
	require.NoError(t, store.CreateTask(downloading))
	_, err := store.TransitionTask(downloading.ID, types.StatusDownloading)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTaskFields(downloading.ID, map[string]interface{}{
		"pid": 4242, "progress": 55.0,
	}))

	processing := newTestTask()
	require.NoError(t, store.CreateTask(processing))
	_, err = store.TransitionTask(processing.ID, types.StatusDownloading)
	require.NoError(t, err)
	_, err = store.TransitionTask(processing.ID, types.StatusProcessing)
	require.NoError(t, err)

	done := newTestTask()
	require.NoError(t, store.CreateTask(done))
	_, err = store.TransitionTask(done.ID, types.StatusDownloading)
	require.NoError(t, err)
	_, err = store.TransitionTask(done.ID, types.StatusCompleted)
	require.NoError(t, err)

	n, err := store.ResetInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := store.GetTask(downloading.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.PID)
	assert.Equal(t, 0.0, got.Progress)

	got, err = store.GetTask(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestListTasksByStatus(t *testing.T) {
	store := newTestStore(t)

	a := newTestTask()
	a.CreatedAt = time.Now().UTC().Add(-time.Hour)
	b := newTestTask()
	require.NoError(t, store.CreateTask(a))
	require.NoError(t, store.CreateTask(b))

	tasks, err := store.ListTasksByStatus(types.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// Oldest first so recovered work drains in submission order
	assert.Equal(t, a.ID, tasks[0].ID)
}
