package audio

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rehearsekit/backend/internal/model"
)

const stemsWavDir = "stems_wav"

type SeparateRequest struct {
	InputPath string
	WorkDir   string
	Quality   model.QualityMode
}

// ModelFor maps a quality tier onto a separation model. The fine-tuned model
// is a bag of four networks and runs four passes over the track.
func ModelFor(q model.QualityMode) (name string, passes int) {
	if q == model.QualityHigh {
		return "htdemucs_ft", 4
	}
	return "htdemucs", 1
}

// Separate splits the canonical WAV into the four stems and returns the
// directory holding <stem>.wav for each of them.
func (t *Toolkit) Separate(ctx context.Context, req SeparateRequest, progress ProgressReporter) (string, error) {
	modelName, passes := ModelFor(req.Quality)
	outDir := filepath.Join(req.WorkDir, "separated")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", stageErr(StageSeparate, ErrStorage, err, "create %s", outDir)
	}

	tracker := newProgressTracker(passes, progress)
	tracker.report(0)
	args := []string{"-m", "demucs", "-n", modelName, "-o", outDir, "--flac", req.InputPath}
	log, err := t.runner.Stream(ctx, tracker.line, t.python, args...)
	if err != nil {
		return "", toolErr(StageSeparate, log, err, "stem separation failed")
	}

	track := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	trackDir := filepath.Join(outDir, modelName, track)
	for _, s := range model.Stems {
		p := filepath.Join(trackDir, string(s)+".flac")
		if _, err := os.Stat(p); err != nil {
			return "", stageErr(StageSeparate, ErrResourceNotFound, err, "stem %s missing from %s", s, trackDir)
		}
	}

	wavDir := filepath.Join(req.WorkDir, stemsWavDir)
	if err := os.MkdirAll(wavDir, 0o755); err != nil {
		return "", stageErr(StageSeparate, ErrStorage, err, "create %s", wavDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.transcodeMax)
	for _, s := range model.Stems {
		in := filepath.Join(trackDir, string(s)+".flac")
		out := filepath.Join(wavDir, string(s)+".wav")
		g.Go(func() error {
			args := append([]string{"-hide_banner", "-nostdin", "-y", "-i", in}, canonicalArgs(out)...)
			log, err := t.runner.Run(gctx, t.ffmpeg, args...)
			if err != nil {
				return toolErr(StageSeparate, log, err, "transcode %s stem failed", filepath.Base(in))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	tracker.report(100)
	return wavDir, nil
}

var percentRe = regexp.MustCompile(`(\d{1,3})%\|`)

// progressTracker turns the separator's per-pass progress bars into one
// non-decreasing percentage across all passes.
type progressTracker struct {
	passes int
	pass   int
	prev   int
	last   int
	out    ProgressReporter
}

func newProgressTracker(passes int, out ProgressReporter) *progressTracker {
	if passes < 1 {
		passes = 1
	}
	return &progressTracker{passes: passes, last: -1, out: out}
}

func (p *progressTracker) line(s string) {
	m := percentRe.FindStringSubmatch(s)
	if m == nil {
		return
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		return
	}
	// a bar restarting means the next model in the bag has started
	if pct < p.prev && p.pass < p.passes-1 {
		p.pass++
	}
	p.prev = pct
	p.report((p.pass*100 + pct) / p.passes)
}

func (p *progressTracker) report(pct int) {
	if pct <= p.last || p.out == nil {
		return
	}
	p.last = pct
	p.out.Report(pct)
}

// StemFiles lists the canonical stem paths inside a separated stems directory
func StemFiles(dir string) []string {
	out := make([]string, 0, len(model.Stems))
	for _, s := range model.Stems {
		out = append(out, filepath.Join(dir, string(s)+".wav"))
	}
	return out
}
