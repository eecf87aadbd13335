package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job is one pipeline run over one input track
type Job struct {
	ID     uuid.UUID  `json:"id"`
	UserID *uuid.UUID `json:"user_id,omitempty"`

	InputType   InputType   `json:"input_type"`
	InputURL    *string     `json:"input_url,omitempty"`
	ProjectName string      `json:"project_name"`
	QualityMode QualityMode `json:"quality_mode"`
	ManualBPM   *float64    `json:"manual_bpm,omitempty"`
	TrimStart   *float64    `json:"trim_start,omitempty"`
	TrimEnd     *float64    `json:"trim_end,omitempty"`

	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	DetectedBPM     *float64  `json:"detected_bpm,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`

	SourceFilePath  *string `json:"source_file_path,omitempty"`
	StemsFolderPath *string `json:"stems_folder_path,omitempty"`
	PackagePath     *string `json:"package_path,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FinalBPM is the manual override when present, otherwise the detected tempo.
func (j *Job) FinalBPM() (float64, bool) {
	if j.ManualBPM != nil && *j.ManualBPM > 0 {
		return *j.ManualBPM, true
	}
	if j.DetectedBPM != nil {
		return *j.DetectedBPM, true
	}
	return 0, false
}

// IsActive returns true while the job may still be picked up or advanced
func (j *Job) IsActive() bool {
	return !j.Status.IsTerminal()
}

// NewJob carries the immutable part of a job as accepted by the API
type NewJob struct {
	ID             uuid.UUID
	UserID         *uuid.UUID
	InputType      InputType
	InputURL       *string
	ProjectName    string
	QualityMode    QualityMode
	ManualBPM      *float64
	TrimStart      *float64
	TrimEnd        *float64
	SourceFilePath *string
}

// JobCreateRequest is the form accepted by POST /api/jobs
type JobCreateRequest struct {
	ProjectName string   `json:"project_name" form:"project_name" validate:"required,max=200"`
	QualityMode string   `json:"quality_mode" form:"quality_mode" validate:"omitempty,oneof=fast high"`
	InputURL    string   `json:"input_url" form:"input_url" validate:"omitempty,url"`
	ManualBPM   *float64 `json:"manual_bpm" form:"manual_bpm" validate:"omitempty,gt=0,lte=400"`
	TrimStart   *float64 `json:"trim_start" form:"trim_start" validate:"omitempty,gte=0"`
	TrimEnd     *float64 `json:"trim_end" form:"trim_end" validate:"omitempty,gt=0"`
}

// JobListResponse is one page of jobs
type JobListResponse struct {
	Jobs     []*Job `json:"jobs"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// JobDeleteResponse acknowledges a deletion
type JobDeleteResponse struct {
	Message string    `json:"message"`
	ID      uuid.UUID `json:"id"`
}

// JobCancelResponse acknowledges a cancellation
type JobCancelResponse struct {
	Message string `json:"message"`
	Job     *Job   `json:"job"`
}

// DownloadResponse points at the finished package
type DownloadResponse struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// Job store errors shared by the repository and its callers
var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal means a conditional write matched no row because the job
	// already reached COMPLETED, FAILED or CANCELLED.
	ErrJobTerminal = errors.New("job is in a terminal state")
	ErrJobActive   = errors.New("job is still active")
)
