package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/cuemby/magpie/pkg/errdefs"
)

// maxFilenameBase caps the filtered title length, in runes
const maxFilenameBase = 200

// Manager owns the download directory: path resolution with traversal
// defence, public filenames, artefact removal and disk statistics.
// Every path that reaches the filesystem goes through the guard.
type Manager struct {
	dir string
}

// NewManager creates the manager and ensures the directory exists
func NewManager(dir string) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	return &Manager{dir: abs}, nil
}

// Dir returns the absolute download directory
func (m *Manager) Dir() string { return m.dir }

// EnsureWithin verifies that path resolves inside the download
// directory and returns its absolute form
func (m *Manager) EnsureWithin(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if abs != m.dir && !strings.HasPrefix(abs, m.dir+string(filepath.Separator)) {
		return "", errdefs.New(errdefs.KindPathTraversal, errdefs.CodePathTraversal,
			"path escapes the download directory")
	}
	return abs, nil
}

// Resolve guards and stats an artefact path for serving
func (m *Manager) Resolve(path string) (string, os.FileInfo, error) {
	abs, err := m.EnsureWithin(path)
	if err != nil {
		return "", nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
				"artefact file is missing")
		}
		return "", nil, fmt.Errorf("failed to stat artefact: %w", err)
	}
	if fi.IsDir() {
		return "", nil, errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
			"artefact file is missing")
	}
	return abs, fi, nil
}

// Remove unlinks an artefact and reports the bytes reclaimed. A
// missing file is not an error; the guard failures are.
func (m *Manager) Remove(path string) (int64, error) {
	abs, err := m.EnsureWithin(path)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat artefact: %w", err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("refusing to remove directory %s", abs)
	}
	if err := os.Remove(abs); err != nil {
		return 0, fmt.Errorf("failed to remove artefact: %w", err)
	}
	return fi.Size(), nil
}

// RemovePartials deletes leftover partial-download files for a task
func (m *Manager) RemovePartials(taskID string) {
	matches, err := filepath.Glob(filepath.Join(m.dir, taskID+".*"))
	if err != nil {
		return
	}
	for _, match := range matches {
		switch filepath.Ext(match) {
		case ".part", ".ytdl", ".tmp":
			_ = os.Remove(match)
		}
	}
}

// RemoveAllFor deletes every file the task produced, partials included,
// and reports the bytes reclaimed. Cancellation and delete use this.
func (m *Manager) RemoveAllFor(taskID string) int64 {
	matches, err := filepath.Glob(filepath.Join(m.dir, taskID+".*"))
	if err != nil {
		return 0
	}
	var total int64
	for _, match := range matches {
		fi, err := os.Stat(match)
		if err != nil || fi.IsDir() {
			continue
		}
		if os.Remove(match) == nil {
			total += fi.Size()
		}
	}
	return total
}

// Orphans returns files in the download directory whose task-id prefix
// is unknown. The boot recovery scan removes them.
func (m *Manager) Orphans(known func(taskID string) bool) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read download dir: %w", err)
	}
	var orphans []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, _, _ := strings.Cut(e.Name(), ".")
		if id == "" || known(id) {
			continue
		}
		orphans = append(orphans, filepath.Join(m.dir, e.Name()))
	}
	return orphans, nil
}

// DiskStats reports usage of the filesystem holding the downloads
func (m *Manager) DiskStats() (*disk.UsageStat, error) {
	usage, err := disk.Usage(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return usage, nil
}

// SafeFilename builds the public filename for an artefact: the title
// reduced to letters, digits, spaces, dashes and underscores, capped at
// 200 runes. fallback names the file when the title filters to nothing.
func SafeFilename(title, fallback, ext string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		name = strings.TrimSuffix(fallback, ext)
	}
	if runes := []rune(name); len(runes) > maxFilenameBase {
		name = string(runes[:maxFilenameBase])
	}
	return name + ext
}
