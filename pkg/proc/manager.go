package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	termGrace    = 5 * time.Second
	killGrace    = 3 * time.Second
	monitorEvery = 10 * time.Second

	cpuWarnPct = 95.0

	stderrTailLines = 40
)

// Kill reasons recorded on force-terminated children
const (
	KillReasonTimeout  = "timeout"
	KillReasonMemory   = "memory"
	KillReasonCancel   = "cancel"
	KillReasonShutdown = "shutdown"
)

// Spec describes one child process launch
type Spec struct {
	TaskID  string
	Binary  string
	Args    []string
	Dir     string
	Timeout time.Duration
	// OnLine receives each line of combined output as it arrives
	OnLine func(line string)
}

// Result captures how a child process ended
type Result struct {
	ExitCode   int
	KillReason string // empty on natural exit
	StderrTail string
	Duration   time.Duration
	Stats      types.ProcessStats
}

// TimedOut reports whether the process was killed for exceeding its
// budget
func (r *Result) TimedOut() bool { return r.KillReason == KillReasonTimeout }

// Manager owns every child process: launch, output streaming,
// resource monitoring and the graceful kill sequence. All children
// run in their own process group so a kill reaches grandchildren.
type Manager struct {
	maxMemoryMB int

	mu    sync.Mutex
	procs map[string]*child // by task ID
}

type child struct {
	taskID string
	binary string
	pid    int

	done     chan struct{} // closed once Wait returns
	killOnce sync.Once
	killMu   sync.Mutex
	reason   string

	statsMu sync.Mutex
	stats   types.ProcessStats
}

// NewManager creates a process manager. maxMemoryMB is the per-child
// resident memory ceiling; a child crossing it is force-killed.
func NewManager(maxMemoryMB int) *Manager {
	return &Manager{
		maxMemoryMB: maxMemoryMB,
		procs:       make(map[string]*child),
	}
}

// Run launches the child described by spec and blocks until it exits,
// is killed, exceeds its timeout, or the context is cancelled. Only
// one child per task may run at a time.
func (m *Manager) Run(ctx context.Context, spec Spec) (*Result, error) {
	logger := log.WithTaskID(spec.TaskID)

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	// Own process group so the kill sequence reaches grandchildren
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	c := &child{
		taskID: spec.TaskID,
		binary: spec.Binary,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
		stats: types.ProcessStats{
			PID:       cmd.Process.Pid,
			StartedAt: started,
		},
	}

	m.mu.Lock()
	if _, exists := m.procs[spec.TaskID]; exists {
		m.mu.Unlock()
		go func() {
			_ = cmd.Wait()
			close(c.done)
		}()
		c.kill(KillReasonCancel)
		return nil, fmt.Errorf("task %s already has a running child", spec.TaskID)
	}
	m.procs[spec.TaskID] = c
	m.mu.Unlock()

	metrics.ProcessesLaunched.WithLabelValues(spec.Binary).Inc()
	logger.Debug().
		Str("binary", spec.Binary).
		Int("pid", c.pid).
		Msg("Child process started")

	var tail tailBuffer
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanLines(stdout, func(line string) {
			if spec.OnLine != nil {
				spec.OnLine(line)
			}
		})
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, func(line string) {
			tail.add(line)
			if spec.OnLine != nil {
				spec.OnLine(line)
			}
		})
	}()

	// Budget and memory watchdog
	watchStop := make(chan struct{})
	go m.watch(ctx, c, spec.Timeout, watchStop)

	readers.Wait()
	waitErr := cmd.Wait()
	close(c.done)
	close(watchStop)

	m.mu.Lock()
	delete(m.procs, spec.TaskID)
	m.mu.Unlock()
	metrics.ProcessMemoryMB.WithLabelValues(spec.Binary).Set(0)

	result := &Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		KillReason: c.killReason(),
		StderrTail: tail.String(),
		Duration:   time.Since(started),
		Stats:      c.snapshot(),
	}

	if result.KillReason != "" {
		metrics.ProcessesKilled.WithLabelValues(result.KillReason).Inc()
		logger.Warn().
			Str("binary", spec.Binary).
			Int("pid", c.pid).
			Str("reason", result.KillReason).
			Msg("Child process killed")
		return result, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("failed to wait for %s: %w", spec.Binary, waitErr)
		}
	}
	logger.Debug().
		Str("binary", spec.Binary).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Child process exited")
	return result, nil
}

// watch enforces the timeout budget, reacts to context cancellation
// and polls resource usage
func (m *Manager) watch(ctx context.Context, c *child, timeout time.Duration, stop chan struct{}) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ticker := time.NewTicker(monitorEvery)
	defer ticker.Stop()

	proc, procErr := process.NewProcess(int32(c.pid))

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.kill(KillReasonCancel)
			return
		case <-timeoutCh:
			c.kill(KillReasonTimeout)
			return
		case <-ticker.C:
			if procErr != nil {
				continue
			}
			m.sample(c, proc)
		}
	}
}

// sample records one resource reading and enforces the memory ceiling
func (m *Manager) sample(c *child, proc *process.Process) {
	mem, err := proc.MemoryInfo()
	if err != nil {
		return
	}
	rssMB := float64(mem.RSS) / (1024 * 1024)
	cpuPct, _ := proc.CPUPercent()

	c.statsMu.Lock()
	if rssMB > c.stats.MaxMemoryMB {
		c.stats.MaxMemoryMB = rssMB
	}
	if cpuPct > c.stats.MaxCPUPct {
		c.stats.MaxCPUPct = cpuPct
	}
	c.statsMu.Unlock()

	metrics.ProcessMemoryMB.WithLabelValues(c.binary).Set(rssMB)

	if cpuPct > cpuWarnPct {
		logger := log.WithTaskID(c.taskID)
		logger.Warn().
			Str("binary", c.binary).
			Float64("cpu_pct", cpuPct).
			Msg("Child process CPU usage high")
	}
	if m.maxMemoryMB > 0 && rssMB > float64(m.maxMemoryMB) {
		logger := log.WithTaskID(c.taskID)
		logger.Error().
			Str("binary", c.binary).
			Float64("rss_mb", rssMB).
			Int("limit_mb", m.maxMemoryMB).
			Msg("Child process exceeded memory ceiling")
		c.kill(KillReasonMemory)
	}
}

// Terminate runs the graceful kill sequence against the task's child,
// if any. Used by the cancel path.
func (m *Manager) Terminate(taskID string) bool {
	m.mu.Lock()
	c, ok := m.procs[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.kill(KillReasonCancel)
	return true
}

// Shutdown kills every remaining child. Called once on server exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	children := make([]*child, 0, len(m.procs))
	for _, c := range m.procs {
		children = append(children, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			c.kill(KillReasonShutdown)
		}(c)
	}
	wg.Wait()
}

// Running reports whether the task currently has a live child
func (m *Manager) Running(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[taskID]
	return ok
}

// PID returns the child's OS process id, 0 when none is running
func (m *Manager) PID(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.procs[taskID]; ok {
		return c.pid
	}
	return 0
}

// Count returns the number of live children
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// kill runs SIGTERM, waits the grace period, escalates to SIGKILL,
// and records the first reason that triggered the sequence
func (c *child) kill(reason string) {
	c.killOnce.Do(func() {
		c.killMu.Lock()
		c.reason = reason
		c.killMu.Unlock()

		// Negative pid targets the whole process group
		_ = syscall.Kill(-c.pid, syscall.SIGTERM)
		select {
		case <-c.done:
			return
		case <-time.After(termGrace):
		}

		_ = syscall.Kill(-c.pid, syscall.SIGKILL)
		select {
		case <-c.done:
		case <-time.After(killGrace):
			logger := log.WithTaskID(c.taskID)
			logger.Error().
				Int("pid", c.pid).
				Msg("Child process survived SIGKILL wait")
		}
	})
}

func (c *child) killReason() string {
	c.killMu.Lock()
	defer c.killMu.Unlock()
	return c.reason
}

func (c *child) snapshot() types.ProcessStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	// Extractor JSON dumps produce very long lines
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

// tailBuffer keeps the newest stderr lines for error reporting
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > stderrTailLines {
		t.lines = t.lines[len(t.lines)-stderrTailLines:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
