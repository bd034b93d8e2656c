package types

import (
	"time"

	"gorm.io/gorm"
)

// Task represents a single media acquisition job from request to artefact.
// It is the persistent record in the task store; volatile runtime state
// (queue membership, progress snapshots) lives in the coordination store
// keyed by the task ID.
type Task struct {
	ID string `gorm:"primaryKey" json:"id"`

	// Request parameters
	URL            string `json:"url"`
	Format         string `json:"format"`                  // mp3, mp4, best, audio, video, webm, wav, flac, aac
	FormatID       string `json:"format_id,omitempty"`     // explicit extractor format code (e.g. "137+140")
	Quality        string `json:"quality,omitempty"`       // "best", "worst", "<N>p"
	RequestedTitle string `json:"mp3_title,omitempty"`     // cosmetic title for tagged audio output
	EmbedThumbnail bool   `json:"embed_thumbnail"`

	// Derived metadata
	Title        string `json:"title,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Duration     int    `json:"duration,omitempty"` // seconds

	// Execution state
	Status   TaskStatus `gorm:"index:idx_status_updated,priority:1" json:"status"`
	Progress float64    `json:"percent"` // 0-100
	PID      int        `gorm:"column:pid" json:"-"` // OS id of the running child, 0 when none

	// Result
	OutputPath string `json:"-"`
	Filename   string `json:"filename,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`

	// Failure
	ErrorMessage string `json:"error_message,omitempty"` // truncated, sanitised

	ClientIP    string         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `gorm:"index:idx_status_updated,priority:2" json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusProcessing  TaskStatus = "processing"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// legalTransitions enumerates the task state machine. Any transition not
// listed here is rejected by the store's update validation; a write that
// lost the race against a terminal status is dropped, the terminal state
// wins.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusDownloading, StatusCancelled, StatusFailed},
	StatusDownloading: {StatusProcessing, StatusCompleted, StatusCancelled, StatusFailed, StatusPending},
	StatusProcessing:  {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether from → to is a legal state change.
// Self-transitions are allowed so progress-only updates pass validation.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatuses lists every status value accepted by list filters.
var ValidStatuses = []TaskStatus{
	StatusPending, StatusDownloading, StatusProcessing,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Priority orders jobs in the queue; higher values are served first
type Priority int

const (
	PriorityLowest   Priority = 0
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Job is the volatile queue entry referencing a task. It carries everything
// the scheduler needs without a store round-trip.
type Job struct {
	TaskID      string    `json:"task_id"`
	Priority    Priority  `json:"priority"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	TimeoutSec  int       `json:"timeout_sec"`
}

// Snapshot is the volatile progress record for one task, stored in the
// coordination store with a 7-day TTL and refreshed on every update.
type Snapshot struct {
	TaskID       string     `json:"task_id"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	Status       TaskStatus `json:"status"`
	Percent      float64    `json:"percent"`
	BytesDone    int64      `json:"bytes_done"`
	BytesTotal   int64      `json:"bytes_total"`
	SpeedBPS     float64    `json:"speed_bps"`
	ETASeconds   *float64   `json:"eta_seconds,omitempty"`
	Filename     string     `json:"filename,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ProgressEvent is one entry in a task's bounded lifecycle event ring
type ProgressEvent struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Tick is one progress datum parsed from a child process stream.
// Percent is always present; the byte counters and speeds are optional
// and zero when the stream did not carry them.
type Tick struct {
	Percent    float64
	BytesDone  int64
	BytesTotal int64
	SpeedBPS   float64
	SpeedRatio float64 // transcoder encode speed, e.g. 1.3 for "speed=1.3x"
}

// MediaInfo is the metadata resolved by a probe, without downloading
type MediaInfo struct {
	Title             string         `json:"title"`
	Thumbnail         string         `json:"thumbnail,omitempty"`
	Duration          int            `json:"duration"`
	ViewCount         int64          `json:"view_count"`
	LikeCount         int64          `json:"like_count"`
	Uploader          string         `json:"uploader"`
	UploadDate        string         `json:"upload_date,omitempty"`
	Formats           []FormatOption `json:"formats"`
	AvailableQualities []string      `json:"available_qualities"`
	AvailableAudio    []string       `json:"available_audio_formats"`
}

// FormatOption describes one downloadable format variant
type FormatOption struct {
	FormatID   string  `json:"format_id"`
	Resolution string  `json:"resolution"`
	Ext        string  `json:"ext"`
	Filesize   int64   `json:"filesize,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
}

// APIKeyRecord is the volatile record behind an issued bearer token,
// keyed by the opaque key id. Deleting the record revokes the token.
type APIKeyRecord struct {
	KeyID       string     `json:"api_key_id"`
	Token       string     `json:"token,omitempty"`
	UserID      string     `json:"user_id"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Active      bool       `json:"active"`
}

// ProcessStats tracks peak resource usage for one supervised child
type ProcessStats struct {
	PID          int
	MaxMemoryMB  float64
	MaxCPUPct    float64
	StartedAt    time.Time
}
