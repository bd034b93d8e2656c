package extract

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/proc"
	"github.com/cuemby/magpie/pkg/types"
)

// writeFakeBin installs a shell script that stands in for an external
// tool, and puts it first on PATH
func writeFakeBin(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
}

func newTestExtractor(t *testing.T, script string) (*Extractor, string) {
	t.Helper()
	binDir := t.TempDir()
	writeFakeBin(t, binDir, "yt-dlp", script)
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))

	downloadDir := t.TempDir()
	cfg := config.Default()
	cfg.DownloadDir = downloadDir
	cfg.DownloadTimeout = time.Minute
	cfg.TranscodeTimeout = time.Minute

	return New(proc.NewManager(0), cfg), downloadDir
}

const fakeProbeScript = `echo '{"title":"Fake Media","thumbnail":"https://i.example/t.jpg","duration":120,"uploader":"Someone","formats":[{"format_id":"22","ext":"mp4","height":720,"vcodec":"avc1","acodec":"mp4a"}]}'`

const fakeDownloadScript = `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
echo "[download]  10.0% of 1.00MiB at 256.00KiB/s ETA 00:05"
echo "[download]  55.0% of 1.00MiB at 256.00KiB/s ETA 00:02"
echo "[download] 100.0% of 1.00MiB at 256.00KiB/s ETA 00:00"
f=$(printf '%s' "$out" | sed 's/%(ext)s/mp3/')
printf 'media-bytes' > "$f"`

func TestProbeParsesMetadata(t *testing.T) {
	e, _ := newTestExtractor(t, fakeProbeScript)

	info, err := e.Probe(context.Background(), "https://example.com/v")
	require.NoError(t, err)
	assert.Equal(t, "Fake Media", info.Title)
	assert.Equal(t, 120, info.Duration)
	assert.Equal(t, []string{"720p"}, info.AvailableQualities)
}

func TestProbeFailureClassified(t *testing.T) {
	e, _ := newTestExtractor(t, `echo "ERROR: Video unavailable" 1>&2
exit 1`)

	_, err := e.Probe(context.Background(), "https://example.com/gone")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExternal))
	assert.Equal(t, errdefs.CodeProbeFailed, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "unavailable")
}

func TestProbeCircuitOpensAfterRepeatedFailures(t *testing.T) {
	e, _ := newTestExtractor(t, `exit 1`)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Probe(ctx, "https://example.com/v")
		require.Error(t, err)
		assert.NotEqual(t, errdefs.CodeCircuitOpen, errdefs.CodeOf(err))
	}

	_, err := e.Probe(ctx, "https://example.com/v")
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeCircuitOpen, errdefs.CodeOf(err))
}

func TestDownloadProducesArtifactAndTicks(t *testing.T) {
	e, downloadDir := newTestExtractor(t, fakeDownloadScript)

	task := &types.Task{
		ID:     "dl-task",
		URL:    "https://example.com/v",
		Format: "mp3",
	}

	var mu sync.Mutex
	var percents []float64
	path, err := e.Download(context.Background(), task, func(tick types.Tick) {
		mu.Lock()
		percents = append(percents, tick.Percent)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(downloadDir, "dl-task.mp3"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "media-bytes", string(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{10, 55, 100}, percents)
}

func TestDownloadFailureSurfacesErrorLine(t *testing.T) {
	e, _ := newTestExtractor(t, `echo "ERROR: This video is private" 1>&2
exit 1`)

	task := &types.Task{ID: "dl-fail", URL: "https://example.com/v", Format: "mp3"}
	_, err := e.Download(context.Background(), task, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExternal))
	assert.Equal(t, errdefs.CodeExtractorError, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "private")
}

func TestDownloadRejectsBadFormatBeforeLaunch(t *testing.T) {
	e, _ := newTestExtractor(t, fakeDownloadScript)

	task := &types.Task{ID: "bad", URL: "https://example.com/v", Format: "ogg"}
	_, err := e.Download(context.Background(), task, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestDownloadNoArtifact(t *testing.T) {
	// Exit 0 without writing a file
	e, _ := newTestExtractor(t, `echo "[download] 100.0%"`)

	task := &types.Task{ID: "ghost", URL: "https://example.com/v", Format: "mp3"}
	_, err := e.Download(context.Background(), task, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeFileNotFound, errdefs.CodeOf(err))
}

func TestFindArtifactSkipsPartials(t *testing.T) {
	e, downloadDir := newTestExtractor(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(downloadDir, "t9.mp4.part"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(downloadDir, "t9.ytdl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(downloadDir, "t9.mp4"), nil, 0o644))

	path, err := e.findArtifact("t9")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(downloadDir, "t9.mp4"), path)
}

func TestSubtitles(t *testing.T) {
	script := `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
printf '1\n00:00:01,000 --> 00:00:02,000\nHello\n' > "$out.en.srt"`
	e, _ := newTestExtractor(t, script)

	data, err := e.Subtitles(context.Background(), "https://example.com/v", "en")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Hello")
}

func TestSubtitlesMissingLanguage(t *testing.T) {
	e, _ := newTestExtractor(t, `exit 0`)

	_, err := e.Subtitles(context.Background(), "https://example.com/v", "xx")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestNeedsTranscode(t *testing.T) {
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()

	e := New(proc.NewManager(0), cfg)
	assert.False(t, e.NeedsTranscode(&types.Task{Format: "mp4"}))
	assert.False(t, e.NeedsTranscode(&types.Task{Format: "mp3"}))

	cfg.EnableGPUEncoding = true
	cfg.GPUEncoderType = config.GPUQsv
	e = New(proc.NewManager(0), cfg)
	assert.True(t, e.NeedsTranscode(&types.Task{Format: "mp4"}))
	assert.False(t, e.NeedsTranscode(&types.Task{Format: "mp3"}))
	assert.False(t, e.NeedsTranscode(&types.Task{Format: "ogg"}))
}
