package storage

import (
	"time"

	"github.com/cuemby/magpie/pkg/types"
)

// StatusStats aggregates task percentages within one status
type StatusStats struct {
	Count      int64   `json:"count"`
	AvgPercent float64 `json:"avg_percent"`
	MaxPercent float64 `json:"max_percent"`
}

// Store defines the interface for durable task storage
// This is implemented by GORM-backed SQLite and PostgreSQL stores
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(limit, offset int) ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus, limit int) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	UpdateTaskFields(id string, fields map[string]interface{}) error
	DeleteTask(id string) error

	// Status transitions
	TransitionTask(id string, to types.TaskStatus) (*types.Task, error)

	// Queries for the scheduler and cleanup sweep
	CountByStatus() (map[types.TaskStatus]int64, error)
	StatsByStatus() (map[types.TaskStatus]StatusStats, error)
	ListTerminalBefore(cutoff time.Time, limit int) ([]*types.Task, error)
	ResetInterrupted() (int64, error)

	// Utility
	Ping() error
	Close() error
}
