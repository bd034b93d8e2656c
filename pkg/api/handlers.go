package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	submitTimeout    = 10 * time.Second
	probeTimeout     = 30 * time.Second
	subtitlesTimeout = 60 * time.Second
	cancelTimeout    = 10 * time.Second
)

// DownloadRequest is the intake payload
type DownloadRequest struct {
	URL            string `json:"url"`
	Format         string `json:"format"`
	FormatID       string `json:"format_id,omitempty"`
	Quality        string `json:"quality,omitempty"`
	MP3Title       string `json:"mp3_title,omitempty"`
	EmbedThumbnail bool   `json:"embed_thumbnail,omitempty"`
}

// TaskResponse acknowledges intake and lifecycle operations
type TaskResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	Message       string `json:"message,omitempty"`
}

// TaskStatusResponse is the polling view of one task
type TaskStatusResponse struct {
	TaskID       string     `json:"task_id"`
	Status       string     `json:"status"`
	Percent      float64    `json:"percent"`
	Filename     string     `json:"filename,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	Title        string     `json:"title,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskSummary is one row of the task listing
type TaskSummary struct {
	TaskID    string    `json:"task_id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Percent   float64   `json:"percent"`
	Title     string    `json:"title,omitempty"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	url, err := validateURL(req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := validateFormat(req.Format)
	if err != nil {
		writeError(w, r, err)
		return
	}
	quality := validateQuality(req.Quality)

	task := &types.Task{
		ID:             uuid.New().String(),
		URL:            url,
		Format:         format,
		FormatID:       req.FormatID,
		Quality:        quality,
		RequestedTitle: truncateTitle(req.MP3Title),
		EmbedThumbnail: req.EmbedThumbnail,
		Status:         types.StatusPending,
		ClientIP:       clientIPFrom(r.Context()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	if err := s.sched.Submit(ctx, task, types.PriorityNormal); err != nil {
		writeError(w, r, err)
		return
	}

	pos := s.sched.QueuePosition(ctx, task.ID)
	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("format", format).
		Str("client_ip", task.ClientIP).
		Msg("Download task created")

	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:        task.ID,
		Status:        string(types.StatusPending),
		QueuePosition: &pos,
		Message:       "Task created and added to queue",
	})
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	url, err := validateURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	info, err := s.prober.Probe(ctx, url)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TaskStatusResponse{
		TaskID:       task.ID,
		Status:       string(task.Status),
		Percent:      task.Progress,
		Filename:     task.Filename,
		FileSize:     task.FileSize,
		Title:        task.Title,
		ThumbnailURL: task.ThumbnailURL,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
	})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task.Status != types.StatusCompleted {
		writeError(w, r, errdefs.New(errdefs.KindInvalidState, errdefs.CodeInvalidState,
			fmt.Sprintf("task is %s, the artefact can only be downloaded once completed", task.Status)))
		return
	}
	if task.OutputPath == "" {
		writeError(w, r, errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
			"artefact file is missing"))
		return
	}

	abs, _, err := s.files.Resolve(task.OutputPath)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindPathTraversal) {
			logger := log.WithTaskID(taskID)
			logger.Warn().
				Str("path", task.OutputPath).
				Msg("Artefact path escapes the download directory")
		}
		writeError(w, r, err)
		return
	}

	filename := artifacts.SafeFilename(task.Title, task.Filename, filepath.Ext(abs))
	logger := log.WithTaskID(taskID)
	logger.Info().Str("filename", filename).Msg("Artefact download started")

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, abs)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cancelTimeout)
	defer cancel()

	task, err := s.sched.Cancel(ctx, taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:  task.ID,
		Status:  string(task.Status),
		Message: "Task cancelled",
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.sched.Delete(r.Context(), taskID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)

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

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSummary{
			TaskID:    t.ID,
			URL:       t.URL,
			Status:    string(t.Status),
			Percent:   t.Progress,
			Title:     t.Title,
			Format:    t.Format,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	taskID, err := validateTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task.ThumbnailURL == "" {
		writeError(w, r, errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
			"thumbnail not available for this task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thumbnail_url": task.ThumbnailURL})
}

func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	url, err := validateURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	lang, err := validateLanguage(r.URL.Query().Get("lang"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), subtitlesTimeout)
	defer cancel()

	subs, err := s.prober.Subtitles(ctx, url, lang)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(subs) == 0 {
		writeError(w, r, errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
			fmt.Sprintf("no %s subtitles found", lang)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":       url,
		"language":  lang,
		"subtitles": string(subs),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats(r.Context()))
}

// validateStatus checks a list filter against the known lifecycle states
func validateStatus(raw string) (types.TaskStatus, error) {
	status := types.TaskStatus(raw)
	for _, valid := range types.ValidStatuses {
		if status == valid {
			return status, nil
		}
	}
	return "", errdefs.New(errdefs.KindValidation, errdefs.CodeValidation,
		fmt.Sprintf("invalid status %q", raw))
}
