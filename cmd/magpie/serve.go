package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/magpie/pkg/api"
	"github.com/cuemby/magpie/pkg/artifacts"
	"github.com/cuemby/magpie/pkg/auth"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/extract"
	"github.com/cuemby/magpie/pkg/health"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/proc"
	"github.com/cuemby/magpie/pkg/progress"
	"github.com/cuemby/magpie/pkg/queue"
	"github.com/cuemby/magpie/pkg/reconciler"
	"github.com/cuemby/magpie/pkg/scheduler"
	"github.com/cuemby/magpie/pkg/storage"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the magpie service",
	Long: `Start the full service: the REST API, the download scheduler and
its worker pool, the progress tracker and the cleanup reconciler.

Configuration comes from an optional YAML file overlaid by environment
variables; environment always wins.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML configuration file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("addr", cfg.ListenAddr()).
		Msg("Starting magpie")

	store, err := storage.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()
	fmt.Println("✓ Task store ready")

	c, err := coord.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to configure coordination store: %w", err)
	}
	defer c.Close()
	if err := pingCoord(c); err != nil {
		return fmt.Errorf("failed to reach coordination store: %w", err)
	}
	fmt.Println("✓ Coordination store ready")

	files, err := artifacts.NewManager(cfg.DownloadDir)
	if err != nil {
		return fmt.Errorf("failed to prepare download directory: %w", err)
	}

	procs := proc.NewManager(cfg.MaxMemoryMB)
	ext := extract.New(procs, cfg)
	q := queue.New(c)
	broker := progress.NewBroker()
	broker.Start()
	tracker := progress.NewTracker(c, store, broker, cfg.DownloadDir)
	authMgr := auth.New(cfg, c)

	// Recover before the scheduler starts claiming: interrupted tasks
	// go back to pending and stranded rows regain their queue entry
	recon := reconciler.New(cfg, store, q, c, files)
	if err := recon.Recover(context.Background()); err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	fmt.Println("✓ Recovery pass complete")

	sched := scheduler.New(cfg, store, q, c, tracker, ext, procs, files)
	sched.Start()
	fmt.Println("✓ Scheduler started")

	recon.Start()
	fmt.Println("✓ Reconciler started")

	collector := metrics.NewCollector(store.CountByStatus, func() int64 {
		return q.Depth(context.Background())
	})
	collector.Start()

	checks := health.NewRegistry()
	checks.Add(health.NewPingChecker("database", func(ctx context.Context) error { return store.Ping() }))
	checks.Add(health.NewPingChecker("redis", c.Ping))
	checks.Add(health.NewDiskChecker(files.DiskStats))
	checks.Add(health.NewBinaryChecker("yt-dlp", "--version"))
	checks.Add(health.NewBinaryChecker("ffmpeg", "-version"))

	srv := api.NewServer(cfg, store, sched, tracker, ext, files, c, authMgr, checks, Version)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	fmt.Printf("✓ API listening on %s\n", cfg.ListenAddr())

	fmt.Println()
	fmt.Println("Magpie is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Drain in dependency order: no new dispatches, then no new
	// requests, then reap whatever children remain
	sched.Stop()
	recon.Stop()
	collector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown did not drain cleanly")
	}
	procs.Shutdown()
	broker.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// pingCoord verifies Redis connectivity, retrying briefly so the
// service tolerates compose-style startup ordering
func pingCoord(c *coord.Coord) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = c.Ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
	return err
}
