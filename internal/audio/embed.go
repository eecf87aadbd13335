package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// EmbedTempo writes the tempo into each stem's metadata. Every file is
// attempted; failures are joined into the returned error and the stems that
// failed keep their original content.
func (t *Toolkit) EmbedTempo(ctx context.Context, stemsDir string, bpm float64) error {
	stems, err := listWAVs(stemsDir)
	if err != nil {
		return stageErr(StageEmbed, ErrResourceNotFound, err, "list stems in %s", stemsDir)
	}

	tempo := FormatBPM(bpm)
	var errs []error
	for _, p := range stems {
		tmp := p + ".tagged.wav"
		args := []string{
			"-hide_banner", "-nostdin", "-y",
			"-i", p,
			"-map_metadata", "0",
			"-metadata", "bpm=" + tempo,
			"-metadata", "comment=Tempo: " + tempo + " BPM",
			"-c", "copy",
			tmp,
		}
		log, err := t.runner.Run(ctx, t.ffmpeg, args...)
		if err != nil {
			_ = os.Remove(tmp)
			errs = append(errs, toolErr(StageEmbed, log, err, "tag %s", filepath.Base(p)))
			continue
		}
		if err := os.Rename(tmp, p); err != nil {
			_ = os.Remove(tmp)
			errs = append(errs, stageErr(StageEmbed, ErrStorage, err, "replace %s", filepath.Base(p)))
		}
	}
	return errors.Join(errs...)
}

// FormatBPM renders a tempo without trailing zeros
func FormatBPM(bpm float64) string {
	return strconv.FormatFloat(bpm, 'f', -1, 64)
}

func listWAVs(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no wav files in %s", dir)
	}
	sort.Strings(matches)
	return matches, nil
}
