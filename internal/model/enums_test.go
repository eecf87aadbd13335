package model

import (
	"errors"
	"testing"
)

func TestParseQualityMode(t *testing.T) {
	for in, want := range map[string]QualityMode{"fast": QualityFast, "HIGH": QualityHigh, " high ": QualityHigh} {
		got, err := ParseQualityMode(in)
		if err != nil {
			t.Fatalf("ParseQualityMode(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("ParseQualityMode(%q) = %q, want %q", in, got, want)
		}
	}

	_, err := ParseQualityMode("ultra")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Field != "quality_mode" || cfgErr.Value != "ultra" {
		t.Errorf("unexpected error fields: %+v", cfgErr)
	}
}

func TestParseJobStatus(t *testing.T) {
	for _, st := range ValidJobStatuses {
		got, err := ParseJobStatus(string(st))
		if err != nil || got != st {
			t.Errorf("ParseJobStatus(%q) = %q, %v", st, got, err)
		}
	}
	if _, err := ParseJobStatus("RUNNING"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseStorageModeAndInputType(t *testing.T) {
	if m, err := ParseStorageMode("S3"); err != nil || m != StorageModeS3 {
		t.Errorf("ParseStorageMode(S3) = %q, %v", m, err)
	}
	if _, err := ParseStorageMode("gcs"); err == nil {
		t.Error("expected error for gcs")
	}
	if it, err := ParseInputType("youtube"); err != nil || it != InputTypeYouTube {
		t.Errorf("ParseInputType(youtube) = %q, %v", it, err)
	}
	if _, err := ParseInputType("ftp"); err == nil {
		t.Error("expected error for ftp")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusConverting, true},
		{JobStatusConverting, JobStatusConverting, true},
		{JobStatusSeparating, JobStatusConverting, false},
		{JobStatusAnalyzing, JobStatusFailed, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusSeparating, JobStatusCompleted, false},
		{JobStatusPackaging, JobStatusCompleted, true},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusCancelled, JobStatusConverting, false},
		{JobStatusFailed, JobStatusConverting, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestProgressBandMap(t *testing.T) {
	sep := ProgressBand(JobStatusSeparating)
	if got := sep.Map(0); got != 30 {
		t.Errorf("Map(0) = %d, want 30", got)
	}
	if got := sep.Map(50); got != 55 {
		t.Errorf("Map(50) = %d, want 55", got)
	}
	if got := sep.Map(100); got != 80 {
		t.Errorf("Map(100) = %d, want 80", got)
	}
	if got := sep.Map(250); got != 80 {
		t.Errorf("Map(250) = %d, want 80", got)
	}

	pkg := ProgressBand(JobStatusPackaging)
	if got := pkg.Clamp(40); got != 85 {
		t.Errorf("Clamp(40) = %d, want 85", got)
	}

	failed := ProgressBand(JobStatusFailed)
	if failed.Min != 0 || failed.Max != 100 {
		t.Errorf("failed band = %+v", failed)
	}
}

func TestFinalBPM(t *testing.T) {
	detected := 128.5
	manual := 90.0
	j := &Job{DetectedBPM: &detected}
	if bpm, ok := j.FinalBPM(); !ok || bpm != detected {
		t.Errorf("FinalBPM() = %v, %v", bpm, ok)
	}
	j.ManualBPM = &manual
	if bpm, _ := j.FinalBPM(); bpm != manual {
		t.Errorf("manual override ignored: %v", bpm)
	}
	if _, ok := (&Job{}).FinalBPM(); ok {
		t.Error("expected no bpm for empty job")
	}
}
