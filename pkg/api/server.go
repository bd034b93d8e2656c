package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/auth"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/health"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/progress"
	"github.com/cuemby/magpie/pkg/scheduler"
	"github.com/cuemby/magpie/pkg/storage"
	"github.com/cuemby/magpie/pkg/types"
)

// Pipeline is the slice of the scheduler the HTTP layer drives
type Pipeline interface {
	Submit(ctx context.Context, task *types.Task, priority types.Priority) error
	Cancel(ctx context.Context, taskID string) (*types.Task, error)
	Delete(ctx context.Context, taskID string) error
	QueuePosition(ctx context.Context, taskID string) int
	Stats(ctx context.Context) scheduler.QueueStats
}

// MediaProber resolves metadata and subtitles without creating a task
type MediaProber interface {
	Probe(ctx context.Context, url string) (*types.MediaInfo, error)
	Subtitles(ctx context.Context, url, lang string) ([]byte, error)
}

// Server is the HTTP surface: task intake, status and progress reads,
// artefact retrieval, key management and operational probes.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	sched   Pipeline
	tracker *progress.Tracker
	prober  MediaProber
	files   *artifacts.Manager
	coord   *coord.Coord
	auth    *auth.Manager
	checks  *health.Registry
	version string

	router *chi.Mux
	http   *http.Server
}

// NewServer wires the HTTP surface over the running pipeline
func NewServer(cfg *config.Config, store storage.Store, sched Pipeline,
	tracker *progress.Tracker, prober MediaProber, files *artifacts.Manager,
	c *coord.Coord, authMgr *auth.Manager, checks *health.Registry, version string) *Server {

	s := &Server{
		cfg:     cfg,
		store:   store,
		sched:   sched,
		tracker: tracker,
		prober:  prober,
		files:   files,
		coord:   c,
		auth:    authMgr,
		checks:  checks,
		version: version,
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	if s.cfg.AllowAllOrigins() {
		logger := log.WithComponent("api")
		logger.Warn().Msg("CORS is open to all origins")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.optionalAuth)

		// Intake endpoints carry the per-IP admission limit
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.With(s.requireFeature("download")).Post("/download", s.handleCreateDownload)
			r.With(s.requireFeature("video_info")).Get("/info", s.handleVideoInfo)
			r.With(s.requireFeature("subtitles")).Get("/subtitles", s.handleSubtitles)
		})

		r.With(s.requireFeature("status")).Get("/status/{taskID}", s.handleTaskStatus)
		r.With(s.requireFeature("file_download")).Get("/download/{taskID}", s.handleDownloadFile)
		r.With(s.requireFeature("cancel")).Post("/cancel/{taskID}", s.handleCancelTask)
		r.With(s.requireFeature("delete")).Delete("/task/{taskID}", s.handleDeleteTask)
		r.With(s.requireFeature("list_tasks")).Get("/tasks", s.handleListTasks)
		r.With(s.requireFeature("thumbnail")).Get("/thumbnail/{taskID}", s.handleThumbnail)
		r.With(s.requireFeature("queue_stats")).Get("/queue/stats", s.handleQueueStats)

		r.Route("/progress", func(r chi.Router) {
			r.Get("/tasks", s.handleAllProgress)
			r.Get("/stats", s.handleProgressStats)
			r.Get("/tasks/{taskID}", s.handleTaskProgress)
			r.Get("/tasks/{taskID}/summary", s.handleTaskSummary)
			r.Get("/tasks/{taskID}/events", s.handleTaskEvents)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/issue-key", s.handleIssueKey)
			r.Get("/status", s.handleAuthStatus)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/revoke-key", s.handleRevokeKey)
				r.Get("/keys", s.handleListKeys)
				r.Patch("/keys/{keyID}", s.handleUpdateKey)
			})
		})
	})

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/live", s.handleLive)
		r.Get("/ready", s.handleReady)
		r.Get("/deep", s.handleDeep)
	})

	r.Handle("/metrics", metrics.Handler())
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Stop is called; a closed-server shutdown returns nil.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // artefact streaming
		IdleTimeout:  60 * time.Second,
	}

	logger := log.WithComponent("api")

	logger.Info().
		Str("addr", s.cfg.ListenAddr()).
		Msg("HTTP API listening")

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
