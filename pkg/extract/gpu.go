package extract

import (
	"os"
	"os/exec"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/log"
)

// Encoder identifies the video encoder family handed to the
// transcoder
type Encoder string

const (
	EncoderNvenc Encoder = "nvenc"
	EncoderVaapi Encoder = "vaapi"
	EncoderQsv   Encoder = "qsv"
	EncoderCPU   Encoder = "cpu"
)

const vaapiDevice = "/dev/dri/renderD128"

// DetectEncoder resolves the configured encoder type, probing the
// host when set to auto: an NVIDIA driver wins, then a VAAPI render
// node, then software fallback.
func DetectEncoder(configured config.GPUEncoder) Encoder {
	switch configured {
	case config.GPUNvenc:
		return EncoderNvenc
	case config.GPUVaapi:
		return EncoderVaapi
	case config.GPUQsv:
		return EncoderQsv
	}
	return detectAuto(exec.LookPath, os.Stat)
}

func detectAuto(lookPath func(string) (string, error), stat func(string) (os.FileInfo, error)) Encoder {
	if _, err := lookPath("nvidia-smi"); err == nil {
		logger := log.WithComponent("extract")
		logger.Info().Msg("Detected NVIDIA GPU, using NVENC encoder")
		return EncoderNvenc
	}
	if _, err := stat(vaapiDevice); err == nil {
		logger := log.WithComponent("extract")
		logger.Info().Msg("Detected VAAPI render node, using VAAPI encoder")
		return EncoderVaapi
	}
	logger := log.WithComponent("extract")
	logger.Info().Msg("No GPU detected, using software encoder")
	return EncoderCPU
}

// BuildTranscodeArgs assembles the ffmpeg argument list for a video
// re-encode. Progress is written to stdout as a key=value stream.
func BuildTranscodeArgs(input, output string, enc Encoder, preset string) []string {
	args := []string{"-y"}
	// VAAPI device selection is a global option and must precede -i
	if enc == EncoderVaapi {
		args = append(args, "-vaapi_device", vaapiDevice)
	}
	args = append(args, "-i", input, "-progress", "pipe:1", "-nostats")

	switch enc {
	case EncoderNvenc:
		args = append(args, "-c:v", "h264_nvenc", "-preset", preset, "-b:v", "5M")
	case EncoderVaapi:
		args = append(args, "-vf", "format=nv12,hwupload", "-c:v", "h264_vaapi", "-b:v", "5M")
	case EncoderQsv:
		args = append(args, "-c:v", "h264_qsv", "-preset", preset, "-b:v", "5M")
	default:
		args = append(args, "-c:v", "libx264", "-preset", preset)
	}

	return append(args, "-c:a", "copy", output)
}
