package extract

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/magpie/pkg/types"
)

// Options carries the extractor knobs that come from configuration
// rather than from the task itself
type Options struct {
	DownloadDir string
	Proxy       string
	CookiesFile string

	EnableAria2      bool
	Aria2Connections int
	Aria2Split       int
}

// outputTemplate names artefacts by task id so recovery can find
// orphans without a database join
func outputTemplate(dir, taskID string) string {
	return filepath.Join(dir, taskID+".%(ext)s")
}

// BuildDownloadArgs assembles the full yt-dlp argument list for a
// task download
func BuildDownloadArgs(task *types.Task, spec FormatSpec, selector string, opts Options) []string {
	args := []string{
		"-f", selector,
		"--no-playlist",
		"--newline",
		"-o", outputTemplate(opts.DownloadDir, task.ID),
	}

	if spec.IsAudio() {
		args = append(args, "-x", "--audio-format", spec.Container)
		if task.EmbedThumbnail {
			args = append(args, "--embed-thumbnail")
		}
	} else if spec.Container != "" {
		args = append(args, "--merge-output-format", spec.Container)
	}

	args = append(args, commonArgs(opts)...)

	if opts.EnableAria2 {
		args = append(args,
			"--external-downloader", "aria2c",
			"--external-downloader-args",
			fmt.Sprintf("aria2c:-x %d -s %d -k 1M", opts.Aria2Connections, opts.Aria2Split),
		)
	}

	return append(args, task.URL)
}

// BuildProbeArgs assembles the metadata probe argument list
func BuildProbeArgs(url string, opts Options) []string {
	args := []string{"--dump-json", "--no-playlist"}
	args = append(args, commonArgs(opts)...)
	return append(args, url)
}

// BuildSubtitleArgs assembles the subtitle fetch argument list. The
// extractor writes {base}.{lang}.srt next to the template.
func BuildSubtitleArgs(url, lang, dir, base string, opts Options) []string {
	args := []string{
		"--write-subs",
		"--sub-lang", lang,
		"--skip-download",
		"--sub-format", "srt",
		"--no-playlist",
		"-o", filepath.Join(dir, base),
	}
	args = append(args, commonArgs(opts)...)
	return append(args, url)
}

func commonArgs(opts Options) []string {
	var args []string
	if opts.Proxy != "" {
		args = append(args, "--proxy", opts.Proxy)
	}
	if opts.CookiesFile != "" {
		args = append(args, "--cookies", opts.CookiesFile)
	}
	return args
}
