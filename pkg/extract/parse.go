package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/magpie/pkg/types"
)

var (
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	sizeRe    = regexp.MustCompile(`of\s+~?\s*([\d.]+)(B|KiB|MiB|GiB|TiB)`)
	speedRe   = regexp.MustCompile(`at\s+([\d.]+)(B|KiB|MiB|GiB|TiB)/s`)

	outTimeRe = regexp.MustCompile(`^out_time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)
	speedXRe  = regexp.MustCompile(`^speed=\s*([\d.]+)x`)
)

// ParseDownloadLine extracts a progress tick from one line of
// downloader output. Returns false for lines that carry no progress.
func ParseDownloadLine(line string) (types.Tick, bool) {
	if !strings.Contains(line, "%") {
		return types.Tick{}, false
	}
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return types.Tick{}, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return types.Tick{}, false
	}

	tick := types.Tick{Percent: percent}
	if sm := sizeRe.FindStringSubmatch(line); sm != nil {
		if total, ok := parseBytes(sm[1], sm[2]); ok {
			tick.BytesTotal = total
			tick.BytesDone = int64(percent / 100 * float64(total))
		}
	}
	if sm := speedRe.FindStringSubmatch(line); sm != nil {
		if speed, ok := parseBytes(sm[1], sm[2]); ok {
			tick.SpeedBPS = float64(speed)
		}
	}
	return tick, true
}

// ParseTranscodeLine extracts a progress tick from ffmpeg's
// "-progress pipe:1" key=value stream. durationSec scales the encode
// position into a percentage; when unknown the tick carries only the
// speed ratio.
func ParseTranscodeLine(line string, durationSec int) (types.Tick, bool) {
	if m := outTimeRe.FindStringSubmatch(line); m != nil {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.Atoi(m[3])
		position := float64(hours*3600 + mins*60 + secs)
		if m[4] != "" {
			frac, _ := strconv.ParseFloat("0."+m[4], 64)
			position += frac
		}
		if durationSec <= 0 {
			return types.Tick{}, false
		}
		percent := position / float64(durationSec) * 100
		if percent > 100 {
			percent = 100
		}
		return types.Tick{Percent: percent}, true
	}
	if m := speedXRe.FindStringSubmatch(line); m != nil {
		ratio, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return types.Tick{}, false
		}
		return types.Tick{SpeedRatio: ratio}, true
	}
	return types.Tick{}, false
}

func parseBytes(num, unit string) (int64, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	switch unit {
	case "KiB":
		v *= 1 << 10
	case "MiB":
		v *= 1 << 20
	case "GiB":
		v *= 1 << 30
	case "TiB":
		v *= 1 << 40
	}
	return int64(v), true
}

// probeDump mirrors the fields of the extractor's JSON metadata dump
// that the service exposes
type probeDump struct {
	Title      string  `json:"title"`
	Thumbnail  string  `json:"thumbnail"`
	Duration   float64 `json:"duration"`
	ViewCount  int64   `json:"view_count"`
	LikeCount  int64   `json:"like_count"`
	Uploader   string  `json:"uploader"`
	UploadDate string  `json:"upload_date"`
	Formats    []struct {
		FormatID string  `json:"format_id"`
		Ext      string  `json:"ext"`
		Height   int     `json:"height"`
		FPS      float64 `json:"fps"`
		Filesize int64   `json:"filesize"`
		VCodec   string  `json:"vcodec"`
		ACodec   string  `json:"acodec"`
	} `json:"formats"`
}

// ParseProbeOutput decodes the metadata dump into MediaInfo,
// deriving the distinct quality and audio format lists
func ParseProbeOutput(data []byte) (*types.MediaInfo, error) {
	var dump probeDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, err
	}

	info := &types.MediaInfo{
		Title:      dump.Title,
		Thumbnail:  dump.Thumbnail,
		Duration:   int(dump.Duration),
		ViewCount:  dump.ViewCount,
		LikeCount:  dump.LikeCount,
		Uploader:   dump.Uploader,
		UploadDate: dump.UploadDate,
	}

	seenQuality := map[string]bool{}
	seenAudio := map[string]bool{}
	for _, f := range dump.Formats {
		opt := types.FormatOption{
			FormatID: f.FormatID,
			Ext:      f.Ext,
			Filesize: f.Filesize,
			FPS:      f.FPS,
			VCodec:   f.VCodec,
			ACodec:   f.ACodec,
		}
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		hasAudio := f.ACodec != "" && f.ACodec != "none"
		if hasVideo && f.Height > 0 {
			opt.Resolution = strconv.Itoa(f.Height) + "p"
			if !seenQuality[opt.Resolution] {
				seenQuality[opt.Resolution] = true
				info.AvailableQualities = append(info.AvailableQualities, opt.Resolution)
			}
		} else if hasAudio {
			opt.Resolution = "audio only"
			if !seenAudio[f.Ext] {
				seenAudio[f.Ext] = true
				info.AvailableAudio = append(info.AvailableAudio, f.Ext)
			}
		}
		info.Formats = append(info.Formats, opt)
	}
	return info, nil
}
