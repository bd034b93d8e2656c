package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/proc"
	"github.com/cuemby/magpie/pkg/types"
)

func scaleCoverSpec(taskID, in, out string) proc.Spec {
	return proc.Spec{
		TaskID:  taskID + "-cover-scale",
		Binary:  ffmpegBinary,
		Args:    []string{"-y", "-i", in, "-vf", "scale=500:500:force_original_aspect_ratio=decrease", out},
		Timeout: coverTimeout,
	}
}

func tagSpec(taskID, audio, cover, out, title string) proc.Spec {
	args := []string{"-y", "-i", audio}
	if cover != "" {
		args = append(args,
			"-i", cover,
			"-map", "0:a", "-map", "1:v",
			"-c", "copy", "-id3v2_version", "3",
			"-metadata:s:v", "title=Album cover",
			"-metadata:s:v", "comment=Cover (front)",
		)
	} else {
		args = append(args, "-c", "copy", "-id3v2_version", "3")
	}
	args = append(args, "-metadata", "title="+title)
	return proc.Spec{
		TaskID:  taskID + "-tag",
		Binary:  ffmpegBinary,
		Args:    append(args, out),
		Timeout: embedTimeout,
	}
}

// ApplyAudioTags rewrites a finished MP3 artefact with the requested
// title tag and, when enabled, the media thumbnail scaled to a square
// cover frame. Tagging is cosmetic: every failure is logged and
// swallowed, the task still completes.
func (e *Extractor) ApplyAudioTags(ctx context.Context, task *types.Task, audioPath string) {
	if task.RequestedTitle == "" {
		return
	}
	if !strings.EqualFold(filepath.Ext(audioPath), ".mp3") {
		return
	}
	logger := log.WithTaskID(task.ID)

	scratch, err := os.MkdirTemp("", "magpie-tags-*")
	if err != nil {
		logger.Warn().Err(err).Msg("Tagging skipped, no scratch dir")
		return
	}
	defer os.RemoveAll(scratch)

	// Square cover expected by most players
	cover := ""
	if task.EmbedThumbnail && task.ThumbnailURL != "" {
		raw := filepath.Join(scratch, "cover.src")
		if err := e.fetchThumbnail(ctx, task.ThumbnailURL, raw); err != nil {
			logger.Warn().Err(err).Msg("Cover art skipped, thumbnail fetch failed")
		} else {
			scaled := filepath.Join(scratch, "cover.jpg")
			res, err := e.proc.Run(ctx, scaleCoverSpec(task.ID, raw, scaled))
			if err != nil || res.ExitCode != 0 {
				logger.Warn().Err(err).Msg("Cover art skipped, scale failed")
			} else {
				cover = scaled
			}
		}
	}

	tagged := audioPath + ".tagged.mp3"
	res, err := e.proc.Run(ctx, tagSpec(task.ID, audioPath, cover, tagged, task.RequestedTitle))
	if err != nil || res.ExitCode != 0 {
		_ = os.Remove(tagged)
		logger.Warn().Err(err).Msg("Tagging failed, keeping untagged artefact")
		return
	}
	if err := os.Rename(tagged, audioPath); err != nil {
		_ = os.Remove(tagged)
		logger.Warn().Err(err).Msg("Tagging failed, keeping untagged artefact")
		return
	}
	logger.Debug().Bool("cover", cover != "").Msg("Audio tags applied")
}

func (e *Extractor) fetchThumbnail(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("thumbnail fetch returned %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}
