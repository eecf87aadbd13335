package audio

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
)

const convertedName = "converted_48k.wav"

type ConvertRequest struct {
	InputPath string
	WorkDir   string
	TrimStart *float64
	TrimEnd   *float64
}

// Convert normalizes any input to 48 kHz / 24-bit / stereo PCM WAV, applying
// the optional trim window, and verifies the result by reading its header.
func (t *Toolkit) Convert(ctx context.Context, req ConvertRequest) (string, error) {
	if _, err := os.Stat(req.InputPath); err != nil {
		return "", stageErr(StageConvert, ErrResourceNotFound, err, "input %s not found", req.InputPath)
	}
	if req.TrimStart != nil && req.TrimEnd != nil && *req.TrimEnd <= *req.TrimStart {
		return "", stageErr(StageConvert, ErrFormat, nil, "trim end %.2f is not after trim start %.2f", *req.TrimEnd, *req.TrimStart)
	}

	out := filepath.Join(req.WorkDir, convertedName)
	log, err := t.runner.Run(ctx, t.ffmpeg, buildConvertArgs(req.InputPath, out, req.TrimStart, req.TrimEnd)...)
	if err != nil {
		return "", toolErr(StageConvert, log, err, "ffmpeg conversion failed")
	}

	info, err := ProbeWAV(out)
	if err != nil {
		return "", err
	}
	if err := info.RequireCanonical(); err != nil {
		return "", err
	}
	return out, nil
}

func buildConvertArgs(in, out string, trimStart, trimEnd *float64) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if trimStart != nil && *trimStart > 0 {
		args = append(args, "-ss", formatSeconds(*trimStart))
	}
	if trimEnd != nil && *trimEnd > 0 {
		args = append(args, "-to", formatSeconds(*trimEnd))
	}
	args = append(args, "-i", in)
	return append(args, canonicalArgs(out)...)
}

// canonicalArgs is the output half of every transcode to the working format
func canonicalArgs(out string) []string {
	return []string{
		"-vn",
		"-ar", strconv.Itoa(SampleRate),
		"-c:a", "pcm_s24le",
		"-ac", strconv.Itoa(Channels),
		out,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
