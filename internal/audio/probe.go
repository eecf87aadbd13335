package audio

import (
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVInfo is what the pipeline needs to know about a PCM file
type WAVInfo struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Duration   time.Duration
}

// ProbeWAV reads the RIFF header of path.
func ProbeWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, stageErr(StageConvert, ErrResourceNotFound, err, "open %s", path)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return WAVInfo{}, stageErr(StageConvert, ErrFormat, d.Err(), "%s is not a valid WAV file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		return WAVInfo{}, stageErr(StageConvert, ErrFormat, err, "%s has no PCM data", path)
	}
	info := WAVInfo{
		SampleRate: int(d.SampleRate),
		BitDepth:   int(d.BitDepth),
		Channels:   int(d.NumChans),
	}
	if frame := info.SampleRate * info.Channels * info.BitDepth / 8; frame > 0 {
		info.Duration = time.Duration(float64(d.PCMLen()) / float64(frame) * float64(time.Second))
	}
	return info, nil
}

// RequireCanonical fails unless the file is 48 kHz / 24-bit / stereo.
func (i WAVInfo) RequireCanonical() error {
	if i.SampleRate != SampleRate || i.BitDepth != BitDepth || i.Channels != Channels {
		return stageErr(StageConvert, ErrFormat, nil,
			"expected %d Hz/%d-bit/%dch, got %d Hz/%d-bit/%dch",
			SampleRate, BitDepth, Channels, i.SampleRate, i.BitDepth, i.Channels)
	}
	return nil
}
