package model

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a value that does not belong to a closed enumeration
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusConverting JobStatus = "CONVERTING"
	JobStatusAnalyzing  JobStatus = "ANALYZING"
	JobStatusSeparating JobStatus = "SEPARATING"
	JobStatusFinalizing JobStatus = "FINALIZING"
	JobStatusPackaging  JobStatus = "PACKAGING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusConverting, JobStatusAnalyzing, JobStatusSeparating,
	JobStatusFinalizing, JobStatusPackaging, JobStatusCompleted, JobStatusFailed,
	JobStatusCancelled,
}

// ParseJobStatus maps a stored or user supplied string onto a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range ValidJobStatuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", &ConfigurationError{Field: "status", Value: s}
}

// IsTerminal reports whether no further stage may run for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// rank orders the happy path. Terminal states share the highest rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusConverting:
		return 1
	case JobStatusAnalyzing:
		return 2
	case JobStatusSeparating:
		return 3
	case JobStatusFinalizing:
		return 4
	case JobStatusPackaging:
		return 5
	default:
		return 6
	}
}

// CanTransition reports whether moving from s to next keeps the state machine monotonic.
// Staying in the same non-terminal state is allowed so progress can advance inside a band.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case JobStatusFailed, JobStatusCancelled:
		return true
	case JobStatusCompleted:
		return s == JobStatusPackaging
	}
	return next.rank() >= s.rank()
}

// Band is the global progress range owned by a status
type Band struct {
	Min int
	Max int
}

var progressBands = map[JobStatus]Band{
	JobStatusPending:    {0, 0},
	JobStatusConverting: {5, 10},
	JobStatusAnalyzing:  {25, 25},
	JobStatusSeparating: {30, 80},
	JobStatusFinalizing: {80, 80},
	JobStatusPackaging:  {85, 100},
	JobStatusCompleted:  {100, 100},
}

// ProgressBand returns the band for a status. FAILED and CANCELLED keep
// whatever progress the job had, so they span the whole range.
func ProgressBand(s JobStatus) Band {
	if b, ok := progressBands[s]; ok {
		return b
	}
	return Band{0, 100}
}

// Map translates a stage local percentage (0-100) into the band.
func (b Band) Map(local int) int {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}
	return b.Min + (b.Max-b.Min)*local/100
}

// Clamp forces a global percentage into the band.
func (b Band) Clamp(p int) int {
	if p < b.Min {
		return b.Min
	}
	if p > b.Max {
		return b.Max
	}
	return p
}

// Quality modes
type QualityMode string

const (
	QualityFast QualityMode = "fast"
	QualityHigh QualityMode = "high"
)

// ParseQualityMode is total over the two quality tiers; everything else is a ConfigurationError.
func ParseQualityMode(s string) (QualityMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return QualityFast, nil
	case "high":
		return QualityHigh, nil
	}
	return "", &ConfigurationError{Field: "quality_mode", Value: s}
}

// Input types
type InputType string

const (
	InputTypeUpload  InputType = "upload"
	InputTypeYouTube InputType = "youtube"
)

func ParseInputType(s string) (InputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upload":
		return InputTypeUpload, nil
	case "youtube":
		return InputTypeYouTube, nil
	}
	return "", &ConfigurationError{Field: "input_type", Value: s}
}

// Storage modes
type StorageMode string

const (
	StorageModeLocal StorageMode = "local"
	StorageModeS3    StorageMode = "s3"
)

func ParseStorageMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return StorageModeLocal, nil
	case "s3":
		return StorageModeS3, nil
	}
	return "", &ConfigurationError{Field: "storage.mode", Value: s}
}

// Stem names produced by the separator, in package order
type Stem string

const (
	StemVocals Stem = "vocals"
	StemDrums  Stem = "drums"
	StemBass   Stem = "bass"
	StemOther  Stem = "other"
)

var Stems = []Stem{StemVocals, StemDrums, StemBass, StemOther}
