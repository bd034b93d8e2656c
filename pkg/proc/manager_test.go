package proc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineCollector) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *lineCollector) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestRunCapturesOutput(t *testing.T) {
	m := NewManager(0)
	var lines lineCollector

	res, err := m.Run(context.Background(), Spec{
		TaskID: "t1",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo first; echo second 1>&2; echo third"},
		OnLine: lines.add,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.KillReason)
	assert.ElementsMatch(t, []string{"first", "second", "third"}, lines.all())
	assert.Contains(t, res.StderrTail, "second")
	assert.NotContains(t, res.StderrTail, "first")
	assert.Equal(t, 0, m.Count())
}

func TestRunNonZeroExit(t *testing.T) {
	m := NewManager(0)

	res, err := m.Run(context.Background(), Spec{
		TaskID: "t1",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo broken 1>&2; exit 3"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Empty(t, res.KillReason)
	assert.Contains(t, res.StderrTail, "broken")
}

func TestRunMissingBinary(t *testing.T) {
	m := NewManager(0)

	_, err := m.Run(context.Background(), Spec{
		TaskID: "t1",
		Binary: "/nonexistent/definitely-not-here",
	})
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRunTimeoutKillsChild(t *testing.T) {
	m := NewManager(0)

	start := time.Now()
	res, err := m.Run(context.Background(), Spec{
		TaskID:  "t1",
		Binary:  "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, KillReasonTimeout, res.KillReason)
	assert.True(t, res.TimedOut())
	// SIGTERM lands well before the 30s sleep would finish
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, m.Count())
}

func TestTerminateCancelsChild(t *testing.T) {
	m := NewManager(0)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Run(context.Background(), Spec{
			TaskID: "t1",
			Binary: "/bin/sh",
			Args:   []string{"-c", "sleep 30"},
		})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return m.Running("t1") },
		2*time.Second, 10*time.Millisecond)
	assert.NotZero(t, m.PID("t1"))

	assert.True(t, m.Terminate("t1"))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, KillReasonCancel, o.res.KillReason)
	case <-time.After(15 * time.Second):
		t.Fatal("child did not exit after terminate")
	}
	assert.False(t, m.Running("t1"))
}

func TestTerminateUnknownTask(t *testing.T) {
	m := NewManager(0)
	assert.False(t, m.Terminate("nope"))
}

func TestContextCancelKillsChild(t *testing.T) {
	m := NewManager(0)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := m.Run(ctx, Spec{
		TaskID: "t1",
		Binary: "/bin/sh",
		Args:   []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)
	assert.Equal(t, KillReasonCancel, res.KillReason)
}

func TestRunRejectsSecondChildForTask(t *testing.T) {
	m := NewManager(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Run(context.Background(), Spec{
			TaskID: "t1",
			Binary: "/bin/sh",
			Args:   []string{"-c", "sleep 30"},
		})
	}()

	require.Eventually(t, func() bool { return m.Running("t1") },
		2*time.Second, 10*time.Millisecond)

	_, err := m.Run(context.Background(), Spec{
		TaskID: "t1",
		Binary: "/bin/sh",
		Args:   []string{"-c", "true"},
	})
	require.Error(t, err)

	m.Terminate("t1")
	<-done
}

func TestShutdownKillsEverything(t *testing.T) {
	m := NewManager(0)

	var wg sync.WaitGroup
	results := make(chan *Result, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := m.Run(context.Background(), Spec{
				TaskID: id,
				Binary: "/bin/sh",
				Args:   []string{"-c", "sleep 30"},
			})
			if err == nil {
				results <- res
			}
		}(id)
	}

	require.Eventually(t, func() bool { return m.Count() == 2 },
		2*time.Second, 10*time.Millisecond)

	m.Shutdown()
	wg.Wait()
	close(results)

	count := 0
	for res := range results {
		assert.Equal(t, KillReasonShutdown, res.KillReason)
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, m.Count())
}

func TestProcessStatsRecorded(t *testing.T) {
	m := NewManager(0)

	res, err := m.Run(context.Background(), Spec{
		TaskID: "t1",
		Binary: "/bin/sh",
		Args:   []string{"-c", "true"},
	})
	require.NoError(t, err)
	assert.NotZero(t, res.Stats.PID)
	assert.False(t, res.Stats.StartedAt.IsZero())
	assert.Greater(t, res.Duration, time.Duration(0))
}
