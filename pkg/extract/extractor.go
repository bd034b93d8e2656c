package extract

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/proc"
	"github.com/cuemby/magpie/pkg/resilience"
	"github.com/cuemby/magpie/pkg/types"
)

const (
	probeTimeout    = 30 * time.Second
	subtitleTimeout = 60 * time.Second
	coverTimeout    = 10 * time.Second
	embedTimeout    = 60 * time.Second

	ytdlpBinary  = "yt-dlp"
	ffmpegBinary = "ffmpeg"
)

// Extractor wraps the external media tools behind typed operations.
// Probe calls run through a circuit breaker so a broken upstream
// stops burning worker time.
type Extractor struct {
	proc    *proc.Manager
	breaker *resilience.Breaker
	opts    Options

	encoder    Encoder
	preset     string
	gpuEnabled bool

	downloadTimeout  time.Duration
	transcodeTimeout time.Duration

	httpClient *http.Client
}

// New creates an extractor from the server configuration
func New(manager *proc.Manager, cfg *config.Config) *Extractor {
	encoder := EncoderCPU
	if cfg.EnableGPUEncoding {
		encoder = DetectEncoder(cfg.GPUEncoderType)
	}
	return &Extractor{
		proc:    manager,
		breaker: resilience.NewBreaker("extractor"),
		opts: Options{
			DownloadDir:      cfg.DownloadDir,
			Proxy:            cfg.YtdlpProxy,
			CookiesFile:      cfg.YtdlpCookiesFile,
			EnableAria2:      cfg.EnableAria2,
			Aria2Connections: cfg.Aria2MaxConnections,
			Aria2Split:       cfg.Aria2Split,
		},
		encoder:          encoder,
		preset:           cfg.GPUEncoderPreset,
		gpuEnabled:       cfg.EnableGPUEncoding,
		downloadTimeout:  cfg.DownloadTimeout,
		transcodeTimeout: cfg.TranscodeTimeout,
		httpClient:       &http.Client{Timeout: coverTimeout},
	}
}

// Probe resolves media metadata without downloading anything
func (e *Extractor) Probe(ctx context.Context, url string) (*types.MediaInfo, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.probe(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.MediaInfo), nil
}

func (e *Extractor) probe(ctx context.Context, url string) (*types.MediaInfo, error) {
	var (
		mu   sync.Mutex
		dump strings.Builder
	)
	res, err := e.proc.Run(ctx, proc.Spec{
		TaskID:  "probe-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Binary:  ytdlpBinary,
		Args:    BuildProbeArgs(url, e.opts),
		Timeout: probeTimeout,
		OnLine: func(line string) {
			// The dump is a single JSON object on stdout
			if strings.HasPrefix(line, "{") {
				mu.Lock()
				dump.Reset()
				dump.WriteString(line)
				mu.Unlock()
			}
		},
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeProbeFailed, "failed to launch probe")
	}
	if res.TimedOut() {
		return nil, errdefs.New(errdefs.KindTimeout, errdefs.CodeProbeFailed,
			"media probe timed out after 30s")
	}
	if res.ExitCode != 0 {
		return nil, errdefs.New(errdefs.KindExternal, errdefs.CodeProbeFailed,
			probeFailureMessage(res.StderrTail))
	}

	mu.Lock()
	payload := dump.String()
	mu.Unlock()
	info, perr := ParseProbeOutput([]byte(payload))
	if perr != nil {
		return nil, errdefs.Wrap(perr, errdefs.KindExternal, errdefs.CodeProbeFailed,
			"failed to parse probe output")
	}
	return info, nil
}

// Download runs the media download for a task, streaming progress
// ticks to onTick, and returns the artefact path.
func (e *Extractor) Download(ctx context.Context, task *types.Task, onTick func(types.Tick)) (string, error) {
	spec, err := LookupFormat(task.Format)
	if err != nil {
		return "", err
	}
	selector, err := SelectorFor(task.Format, task.FormatID, task.Quality)
	if err != nil {
		return "", err
	}

	res, err := e.proc.Run(ctx, proc.Spec{
		TaskID:  task.ID,
		Binary:  ytdlpBinary,
		Args:    BuildDownloadArgs(task, spec, selector, e.opts),
		Timeout: e.downloadTimeout,
		OnLine: func(line string) {
			if tick, ok := ParseDownloadLine(line); ok && onTick != nil {
				onTick(tick)
			}
		},
	})
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeExtractorError, "failed to launch downloader")
	}
	switch {
	case res.KillReason == proc.KillReasonTimeout:
		return "", errdefs.New(errdefs.KindTimeout, errdefs.CodeDownloadTimeout,
			fmt.Sprintf("download exceeded %s budget", e.downloadTimeout))
	case res.KillReason == proc.KillReasonMemory:
		return "", errdefs.New(errdefs.KindResourceExceeded, errdefs.CodeResourceExceeded,
			"downloader exceeded the memory ceiling")
	case res.KillReason != "":
		return "", errdefs.New(errdefs.KindExternal, errdefs.CodeExtractorError,
			"download was terminated")
	case res.ExitCode != 0:
		return "", errdefs.New(errdefs.KindExternal, errdefs.CodeExtractorError,
			downloadFailureMessage(res.StderrTail))
	}

	path, err := e.findArtifact(task.ID)
	if err != nil {
		return "", err
	}
	return path, nil
}

// NeedsTranscode reports whether the task requires a separate encode
// pass after download. Audio targets are converted by the downloader's
// own post-processing; video targets re-encode only when GPU encoding
// is enabled.
func (e *Extractor) NeedsTranscode(task *types.Task) bool {
	spec, err := LookupFormat(task.Format)
	if err != nil || spec.IsAudio() {
		return false
	}
	return e.gpuEnabled
}

// Transcode re-encodes a downloaded video with the selected encoder
// and returns the new artefact path. The input file is removed on
// success.
func (e *Extractor) Transcode(ctx context.Context, task *types.Task, input string, onTick func(types.Tick)) (string, error) {
	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".enc.mp4"

	res, err := e.proc.Run(ctx, proc.Spec{
		TaskID:  task.ID,
		Binary:  ffmpegBinary,
		Args:    BuildTranscodeArgs(input, output, e.encoder, e.preset),
		Timeout: e.transcodeTimeout,
		OnLine: func(line string) {
			if tick, ok := ParseTranscodeLine(line, task.Duration); ok && onTick != nil {
				onTick(tick)
			}
		},
	})
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeTranscoderError, "failed to launch transcoder")
	}
	switch {
	case res.KillReason == proc.KillReasonTimeout:
		return "", errdefs.New(errdefs.KindTimeout, errdefs.CodeTranscoderError,
			fmt.Sprintf("transcode exceeded %s budget", e.transcodeTimeout))
	case res.KillReason == proc.KillReasonMemory:
		return "", errdefs.New(errdefs.KindResourceExceeded, errdefs.CodeResourceExceeded,
			"transcoder exceeded the memory ceiling")
	case res.KillReason != "":
		return "", errdefs.New(errdefs.KindExternal, errdefs.CodeTranscoderError,
			"transcode was terminated")
	case res.ExitCode != 0:
		_ = os.Remove(output)
		return "", errdefs.New(errdefs.KindExternal, errdefs.CodeTranscoderError,
			"transcode failed")
	}

	// Replace the source with the encoded artefact
	final := strings.TrimSuffix(input, filepath.Ext(input)) + ".mp4"
	if err := os.Remove(input); err != nil && !os.IsNotExist(err) {
		logger := log.WithTaskID(task.ID)
		logger.Warn().Err(err).Msg("Failed to remove transcode input")
	}
	if err := os.Rename(output, final); err != nil {
		return "", fmt.Errorf("failed to move encoded artefact: %w", err)
	}
	return final, nil
}

// Subtitles fetches subtitles for a URL in the given language and
// returns the SRT content. Nothing is persisted; the fetch works in a
// scratch directory.
func (e *Extractor) Subtitles(ctx context.Context, url, lang string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "magpie-subs-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	res, err := e.proc.Run(ctx, proc.Spec{
		TaskID:  "subs-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Binary:  ytdlpBinary,
		Args:    BuildSubtitleArgs(url, lang, dir, "subs", e.opts),
		Timeout: subtitleTimeout,
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindExternal, errdefs.CodeExtractorError, "failed to launch subtitle fetch")
	}
	if res.TimedOut() {
		return nil, errdefs.New(errdefs.KindTimeout, errdefs.CodeExtractorError,
			"subtitle fetch timed out")
	}
	if res.ExitCode != 0 {
		return nil, errdefs.New(errdefs.KindExternal, errdefs.CodeExtractorError,
			"subtitle fetch failed")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.srt"))
	if len(matches) == 0 {
		return nil, errdefs.New(errdefs.KindNotFound, errdefs.CodeNotFound,
			fmt.Sprintf("no %s subtitles available", lang))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read subtitles: %w", err)
	}
	return data, nil
}

// findArtifact locates the downloaded file by its task id prefix
func (e *Extractor) findArtifact(taskID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(e.opts.DownloadDir, taskID+".*"))
	if err != nil {
		return "", fmt.Errorf("failed to scan download dir: %w", err)
	}
	// Ignore partial download leftovers
	var final []string
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".part", ".ytdl", ".tmp":
			continue
		}
		final = append(final, m)
	}
	if len(final) == 0 {
		return "", errdefs.New(errdefs.KindNotFound, errdefs.CodeFileNotFound,
			"download finished but no artefact was produced")
	}
	return final[0], nil
}

// probeFailureMessage reduces an extractor stderr tail to a stable,
// user-safe message
func probeFailureMessage(tail string) string {
	lower := strings.ToLower(tail)
	switch {
	case strings.Contains(lower, "unsupported url"):
		return "the URL is not supported by the extractor"
	case strings.Contains(lower, "video unavailable"):
		return "the media is unavailable"
	case strings.Contains(lower, "private video"):
		return "the media is private"
	case strings.Contains(lower, "age"):
		return "the media is age restricted"
	default:
		return "failed to resolve media metadata"
	}
}

func downloadFailureMessage(tail string) string {
	lower := strings.ToLower(tail)
	switch {
	case strings.Contains(lower, "no space left"):
		return "insufficient disk space"
	case strings.Contains(lower, "video unavailable"):
		return "the media became unavailable"
	case strings.Contains(lower, "http error 403"):
		return "the source refused the download (403)"
	case strings.Contains(lower, "http error 429"):
		return "the source rate limited the download (429)"
	default:
		if line := lastErrorLine(tail); line != "" {
			return line
		}
		return "download failed"
	}
}

// lastErrorLine plucks the extractor's final ERROR: line, if any
func lastErrorLine(tail string) string {
	lines := strings.Split(tail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(lines[i], "ERROR:"))
		}
	}
	return ""
}
