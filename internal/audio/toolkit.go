// Package audio runs the external tools behind each pipeline stage: the
// downloader, the transcoder, the tempo analyzer and the stem separator.
package audio

import (
	"github.com/rehearsekit/backend/internal/config"
)

// Canonical format every stage after conversion works on
const (
	SampleRate = 48000
	BitDepth   = 24
	Channels   = 2
)

// ProgressReporter receives a stage-local percentage in 0..100.
type ProgressReporter interface {
	Report(percent int)
}

// ReporterFunc adapts a plain function to ProgressReporter.
type ReporterFunc func(percent int)

func (f ReporterFunc) Report(percent int) { f(percent) }

// Toolkit holds the tool locations and the runner that invokes them.
type Toolkit struct {
	ffmpeg       string
	ytdlp        string
	python       string
	tempo        string
	runner       CommandRunner
	profiles     []Profile
	transcodeMax int
}

// NewToolkit creates a toolkit running real processes.
func NewToolkit(cfg config.ToolsConfig, transcodeMax int) *Toolkit {
	return newToolkit(cfg, &execRunner{}, transcodeMax)
}

// NewToolkitForTests swaps the process runner.
func NewToolkitForTests(cfg config.ToolsConfig, runner CommandRunner, transcodeMax int) *Toolkit {
	return newToolkit(cfg, runner, transcodeMax)
}

func newToolkit(cfg config.ToolsConfig, runner CommandRunner, transcodeMax int) *Toolkit {
	if transcodeMax < 1 {
		transcodeMax = 1
	}
	return &Toolkit{
		ffmpeg:       orDefault(cfg.FFmpeg, "ffmpeg"),
		ytdlp:        orDefault(cfg.YtDlp, "yt-dlp"),
		python:       orDefault(cfg.Python, "python"),
		tempo:        orDefault(cfg.Tempo, "rehearsekit-tempo"),
		runner:       runner,
		profiles:     DefaultProfiles,
		transcodeMax: transcodeMax,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
