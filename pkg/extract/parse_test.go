package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDownloadLine(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantOK     bool
		percent    float64
		bytesTotal int64
		speedBPS   float64
	}{
		{
			name:       "full progress line",
			line:       "[download]  42.5% of 10.00MiB at 1.00MiB/s ETA 00:05",
			wantOK:     true,
			percent:    42.5,
			bytesTotal: 10 << 20,
			speedBPS:   1 << 20,
		},
		{
			name:       "estimated size",
			line:       "[download]  10.0% of ~ 200.00KiB at 50.00KiB/s ETA 00:03",
			wantOK:     true,
			percent:    10.0,
			bytesTotal: 200 << 10,
			speedBPS:   50 << 10,
		},
		{
			name:    "percent only",
			line:    "[download] 100.0%",
			wantOK:  true,
			percent: 100.0,
		},
		{
			name:    "integer percent",
			line:    "[download]  7% of 1.00GiB at Unknown speed",
			wantOK:  true,
			percent: 7,
		},
		{
			name:   "destination line",
			line:   "[download] Destination: /data/downloads/abc.mp3",
			wantOK: false,
		},
		{
			name:   "extractor chatter",
			line:   "[youtube] abc: Downloading webpage",
			wantOK: false,
		},
		{
			name:   "empty",
			line:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok := ParseDownloadLine(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.percent, tick.Percent)
			if tt.bytesTotal > 0 {
				assert.InDelta(t, tt.bytesTotal, tick.BytesTotal, 1)
				wantDone := int64(tt.percent / 100 * float64(tt.bytesTotal))
				assert.InDelta(t, wantDone, tick.BytesDone, 1)
			}
			if tt.speedBPS > 0 {
				assert.InDelta(t, tt.speedBPS, tick.SpeedBPS, 1)
			}
		})
	}
}

func TestParseTranscodeLine(t *testing.T) {
	tick, ok := ParseTranscodeLine("out_time=00:01:30.000000", 300)
	require.True(t, ok)
	assert.InDelta(t, 30.0, tick.Percent, 0.001)

	tick, ok = ParseTranscodeLine("speed=1.35x", 300)
	require.True(t, ok)
	assert.Equal(t, 1.35, tick.SpeedRatio)

	// Position beyond the duration clamps at 100
	tick, ok = ParseTranscodeLine("out_time=00:10:00.000000", 300)
	require.True(t, ok)
	assert.Equal(t, 100.0, tick.Percent)

	// Unknown duration yields no percent tick
	_, ok = ParseTranscodeLine("out_time=00:01:00.000000", 0)
	assert.False(t, ok)

	_, ok = ParseTranscodeLine("frame=120", 300)
	assert.False(t, ok)
	_, ok = ParseTranscodeLine("progress=continue", 300)
	assert.False(t, ok)
}

func TestParseProbeOutput(t *testing.T) {
	payload := `{
		"title": "Example Video",
		"thumbnail": "https://i.example.com/t.jpg",
		"duration": 212.5,
		"view_count": 1000000,
		"like_count": 54321,
		"uploader": "Example Channel",
		"upload_date": "20250110",
		"formats": [
			{"format_id": "140", "ext": "m4a", "acodec": "mp4a.40.2", "vcodec": "none", "filesize": 3400000},
			{"format_id": "251", "ext": "webm", "acodec": "opus", "vcodec": "none"},
			{"format_id": "136", "ext": "mp4", "height": 720, "fps": 30, "vcodec": "avc1", "acodec": "none"},
			{"format_id": "137", "ext": "mp4", "height": 1080, "fps": 30, "vcodec": "avc1", "acodec": "none"},
			{"format_id": "22", "ext": "mp4", "height": 720, "fps": 30, "vcodec": "avc1", "acodec": "mp4a.40.2"}
		]
	}`

	info, err := ParseProbeOutput([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "Example Video", info.Title)
	assert.Equal(t, 212, info.Duration)
	assert.Equal(t, int64(1000000), info.ViewCount)
	assert.Equal(t, "Example Channel", info.Uploader)
	assert.Len(t, info.Formats, 5)

	// Distinct heights, first occurrence order
	assert.Equal(t, []string{"720p", "1080p"}, info.AvailableQualities)
	assert.Equal(t, []string{"m4a", "webm"}, info.AvailableAudio)

	assert.Equal(t, "720p", info.Formats[2].Resolution)
	assert.Equal(t, "audio only", info.Formats[0].Resolution)
}

func TestParseProbeOutputInvalid(t *testing.T) {
	_, err := ParseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}
