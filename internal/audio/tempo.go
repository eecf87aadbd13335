package audio

import (
	"context"
	"encoding/json"
	"math"
	"strings"
)

// AnalyzeTempo runs the tempo tool on a canonical WAV. The tool prints either
// a JSON number or a JSON array of candidates; the first candidate wins.
func (t *Toolkit) AnalyzeTempo(ctx context.Context, wavPath string) (float64, error) {
	log, err := t.runner.Run(ctx, t.tempo, wavPath)
	if err != nil {
		return 0, toolErr(StageAnalyze, log, err, "tempo detection failed")
	}
	bpm, err := ParseTempo(log.Stdout)
	if err != nil {
		return 0, err
	}
	return bpm, nil
}

// ParseTempo normalizes tool output to one BPM rounded to two decimals.
func ParseTempo(out string) (float64, error) {
	raw := strings.TrimSpace(out)
	if raw == "" {
		return 0, stageErr(StageAnalyze, ErrFormat, nil, "tempo tool printed nothing")
	}

	var bpm float64
	if err := json.Unmarshal([]byte(raw), &bpm); err != nil {
		var candidates []float64
		if err2 := json.Unmarshal([]byte(raw), &candidates); err2 != nil {
			return 0, stageErr(StageAnalyze, ErrFormat, err, "unparseable tempo output %q", raw)
		}
		if len(candidates) == 0 {
			return 0, stageErr(StageAnalyze, ErrFormat, nil, "tempo tool returned no candidates")
		}
		bpm = candidates[0]
	}

	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return 0, stageErr(StageAnalyze, ErrFormat, nil, "invalid tempo %v", bpm)
	}
	return math.Round(bpm*100) / 100, nil
}
