package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// BinaryChecker verifies an external tool is installed and answers its
// version flag. The download pipeline is dead in the water without
// yt-dlp and ffmpeg, so readiness includes them.
type BinaryChecker struct {
	binary  string
	args    []string
	timeout time.Duration
}

// NewBinaryChecker creates a checker that runs binary with the given
// arguments (typically a version flag)
func NewBinaryChecker(binary string, args ...string) *BinaryChecker {
	if len(args) == 0 {
		args = []string{"--version"}
	}
	return &BinaryChecker{
		binary:  binary,
		args:    args,
		timeout: 10 * time.Second,
	}
}

// WithTimeout sets the execution timeout
func (b *BinaryChecker) WithTimeout(timeout time.Duration) *BinaryChecker {
	b.timeout = timeout
	return b
}

// Check runs the binary and captures its output
func (b *BinaryChecker) Check(ctx context.Context) Result {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, b.binary, b.args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s %s failed: %v", b.binary, strings.Join(b.args, " "), err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, truncate(stderr.String(), 100))
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// First line of the version banner is enough for the report
	version := stdout.String()
	if idx := strings.IndexByte(version, '\n'); idx >= 0 {
		version = version[:idx]
	}
	return Result{
		Healthy:   true,
		Message:   truncate(strings.TrimSpace(version), 100),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Name returns the binary name
func (b *BinaryChecker) Name() string {
	return b.binary
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
