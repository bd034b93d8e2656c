package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

// ProgressSummary is the condensed progress view with a human-readable
// remaining-time string
type ProgressSummary struct {
	TaskID        string   `json:"task_id"`
	Status        string   `json:"status"`
	Percent       float64  `json:"percent"`
	SpeedBPS      float64  `json:"speed_bps"`
	ETASeconds    *float64 `json:"eta_seconds,omitempty"`
	TimeRemaining string   `json:"time_remaining,omitempty"`
}

// MultiTaskProgress aggregates live progress across recent tasks
type MultiTaskProgress struct {
	TotalTasks     int                 `json:"total_tasks"`
	Completed      int                 `json:"completed"`
	Downloading    int                 `json:"downloading"`
	Failed         int                 `json:"failed"`
	Cancelled      int                 `json:"cancelled"`
	Pending        int                 `json:"pending"`
	OverallPercent float64             `json:"overall_percent"`
	Tasks          []taskProgressBrief `json:"tasks"`
}

type taskProgressBrief struct {
	TaskID   string  `json:"task_id"`
	Title    string  `json:"title,omitempty"`
	Status   string  `json:"status"`
	Percent  float64 `json:"percent"`
	SpeedBPS float64 `json:"speed_bps"`
}

// ProgressStats summarises the task population per status
type ProgressStats struct {
	TotalTasks     int64                                    `json:"total_tasks"`
	OverallPercent float64                                  `json:"overall_percent"`
	ByStatus       map[types.TaskStatus]storage.StatusStats `json:"by_status"`
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := s.tracker.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := s.tracker.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ProgressSummary{
		TaskID:        snap.TaskID,
		Status:        string(snap.Status),
		Percent:       snap.Percent,
		SpeedBPS:      snap.SpeedBPS,
		ETASeconds:    snap.ETASeconds,
		TimeRemaining: humanDuration(snap.ETASeconds),
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := clampLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)

	// Resolve the snapshot first so unknown tasks 404 instead of
	// returning an empty ring
	if _, err := s.tracker.Get(r.Context(), taskID); err != nil {
		writeError(w, r, err)
		return
	}

	events, err := s.tracker.Events(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAllProgress(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), defaultProgressLimit, maxProgressLimit)

	var (
		tasks []*types.Task
		err   error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, verr := validateStatus(raw)
		if verr != nil {
			writeError(w, r, verr)
			return
		}
		tasks, err = s.store.ListTasksByStatus(status, limit)
	} else {
		tasks, err = s.store.ListTasks(limit, 0)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := MultiTaskProgress{Tasks: make([]taskProgressBrief, 0, len(tasks))}
	var totalPercent float64

	for _, task := range tasks {
		status, percent, speed := task.Status, task.Progress, 0.0
		title := task.Title

		if snap, err := s.tracker.Get(r.Context(), task.ID); err == nil {
			status, percent, speed = snap.Status, snap.Percent, snap.SpeedBPS
			if snap.Title != "" {
				title = snap.Title
			}
		} else {
			logger := log.WithTaskID(task.ID)
			logger.Debug().Err(err).Msg("Progress lookup failed in aggregate")
		}

		totalPercent += percent
		switch status {
		case types.StatusCompleted:
			out.Completed++
		case types.StatusDownloading, types.StatusProcessing:
			out.Downloading++
		case types.StatusFailed:
			out.Failed++
		case types.StatusCancelled:
			out.Cancelled++
		case types.StatusPending:
			out.Pending++
		}

		out.Tasks = append(out.Tasks, taskProgressBrief{
			TaskID:   task.ID,
			Title:    title,
			Status:   string(status),
			Percent:  percent,
			SpeedBPS: speed,
		})
	}

	out.TotalTasks = len(tasks)
	if len(tasks) > 0 {
		out.OverallPercent = totalPercent / float64(len(tasks))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProgressStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.StatsByStatus()
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := ProgressStats{ByStatus: stats}
	var weighted float64
	for _, st := range stats {
		out.TotalTasks += st.Count
		weighted += st.AvgPercent * float64(st.Count)
	}
	if out.TotalTasks > 0 {
		out.OverallPercent = weighted / float64(out.TotalTasks)
	}
	writeJSON(w, http.StatusOK, out)
}

// humanDuration renders remaining seconds as "1h 2m 3s", "2m 3s" or
// "45s"; nil or non-positive ETAs render empty
func humanDuration(etaSeconds *float64) string {
	if etaSeconds == nil || *etaSeconds <= 0 {
		return ""
	}
	total := int(*etaSeconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
