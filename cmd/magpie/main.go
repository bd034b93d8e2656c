package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/magpie/pkg/api"
	"github.com/cuemby/magpie/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "magpie",
	Short: "Magpie - media acquisition and transcoding service",
	Long: `Magpie turns media URLs into downloaded, transcoded artefacts.

It runs yt-dlp and ffmpeg as supervised child processes behind a
Redis-backed priority queue, tracks live progress per task and serves
intake, status and artefact retrieval over a REST API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Magpie version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "http://localhost:8000", "Base URL of the magpie API")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for authenticated endpoints")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(queueCmd)
}

// apiClient builds a REST client from the persistent flags
func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	return client.NewClient(base, token)
}

var submitCmd = &cobra.Command{
	Use:   "submit URL",
	Short: "Submit a new download task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		formatID, _ := cmd.Flags().GetString("format-id")
		quality, _ := cmd.Flags().GetString("quality")
		title, _ := cmd.Flags().GetString("title")
		thumbnail, _ := cmd.Flags().GetBool("embed-thumbnail")

		resp, err := apiClient(cmd).SubmitDownload(api.DownloadRequest{
			URL:            args[0],
			Format:         format,
			FormatID:       formatID,
			Quality:        quality,
			MP3Title:       title,
			EmbedThumbnail: thumbnail,
		})
		if err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}

		fmt.Printf("✓ Task submitted\n")
		fmt.Printf("  Task ID: %s\n", resp.TaskID)
		fmt.Printf("  Status: %s\n", resp.Status)
		if resp.QueuePosition != nil {
			fmt.Printf("  Queue position: %d\n", *resp.QueuePosition)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show the state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient(cmd).TaskStatus(args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		fmt.Printf("Task %s\n", st.TaskID)
		fmt.Printf("  Status: %s\n", st.Status)
		fmt.Printf("  Progress: %.1f%%\n", st.Percent)
		if st.Title != "" {
			fmt.Printf("  Title: %s\n", st.Title)
		}
		if st.Filename != "" {
			fmt.Printf("  File: %s (%d bytes)\n", st.Filename, st.FileSize)
		}
		if st.ErrorMessage != "" {
			fmt.Printf("  Error: %s\n", st.ErrorMessage)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient(cmd).Cancel(args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		fmt.Printf("✓ Task %s is %s\n", resp.TaskID, resp.Status)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete TASK_ID",
	Short: "Delete a task and its artefact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Delete(args[0]); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		fmt.Printf("✓ Task %s deleted\n", args[0])
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info URL",
	Short: "Probe media metadata without downloading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient(cmd).Info(args[0])
		if err != nil {
			return fmt.Errorf("failed to probe media: %w", err)
		}

		fmt.Printf("Title: %s\n", info.Title)
		fmt.Printf("Uploader: %s\n", info.Uploader)
		fmt.Printf("Duration: %ds\n", info.Duration)
		if len(info.AvailableQualities) > 0 {
			fmt.Printf("Qualities: %v\n", info.AvailableQualities)
		}
		if len(info.Formats) > 0 {
			fmt.Println("Formats:")
			for _, f := range info.Formats {
				fmt.Printf("  %-12s %-6s %s\n", f.FormatID, f.Ext, f.Resolution)
			}
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := apiClient(cmd).ListTasks(status, limit)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		fmt.Printf("%-36s  %-12s  %7s  %s\n", "TASK ID", "STATUS", "PERCENT", "URL")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-12s  %6.1f%%  %s\n", t.TaskID, t.Status, t.Percent, t.URL)
		}
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch TASK_ID",
	Short: "Download a completed task's artefact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			st, err := c.TaskStatus(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve task: %w", err)
			}
			output = st.Filename
			if output == "" {
				output = args[0] + ".media"
			}
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer f.Close()

		n, err := c.SaveArtefact(args[0], f)
		if err != nil {
			os.Remove(output)
			return fmt.Errorf("failed to fetch artefact: %w", err)
		}
		fmt.Printf("✓ Saved %s (%d bytes)\n", output, n)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue depth and slot usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient(cmd).QueueStats()
		if err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}

		fmt.Printf("Active downloads: %d\n", stats.ActiveDownloads)
		fmt.Printf("Pending tasks: %d\n", stats.PendingTasks)
		fmt.Printf("Max concurrent: %d\n", stats.MaxConcurrent)
		fmt.Printf("Available slots: %d\n", stats.AvailableSlots)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("format", "", "Output format (mp4, mp3, webm, wav, flac, aac, best, audio, video)")
	submitCmd.Flags().String("format-id", "", "Explicit extractor format code")
	submitCmd.Flags().String("quality", "", "Quality cap (best, worst, 720p, 1080p, ...)")
	submitCmd.Flags().String("title", "", "Display title for tagged audio output")
	submitCmd.Flags().Bool("embed-thumbnail", false, "Embed the thumbnail as cover art")

	tasksCmd.Flags().String("status", "", "Filter by status")
	tasksCmd.Flags().Int("limit", 50, "Maximum rows to return")

	fetchCmd.Flags().String("output", "", "Output path (defaults to the task's filename)")
}
