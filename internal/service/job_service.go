package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/model"
	"github.com/rehearsekit/backend/internal/storage"
)

const TaskTypeProcess = "pipeline:process"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrSourceMissing  = errors.New("source file missing")
	ErrJobNotFinished = errors.New("job not completed")
	ErrJobNotFound    = model.ErrJobNotFound
	ErrJobTerminal    = model.ErrJobTerminal
	ErrJobActive      = model.ErrJobActive
)

// UploadExtensions lists the accepted upload formats
var UploadExtensions = []string{".flac", ".mp3", ".wav"}

// JobRepository is the part of the job store the API needs
type JobRepository interface {
	Create(ctx context.Context, j model.NewJob) (*model.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, owner *uuid.UUID, limit, offset int) ([]*model.Job, int, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error)
	Delete(ctx context.Context, id uuid.UUID) (*model.Job, error)
}

type UserRepository interface {
	Ensure(ctx context.Context, id uuid.UUID, email, name string) error
}

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskPayload is the body of a pipeline:process task
type TaskPayload struct {
	JobID string `json:"jobId"`
}

func NewProcessTask(jobID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: jobID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeProcess, data), nil
}

// Owner is the optional authenticated caller
type Owner struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// CreateJobInput carries either an input URL or an uploaded file
type CreateJobInput struct {
	ProjectName string
	QualityMode model.QualityMode
	InputURL    string
	ManualBPM   *float64
	TrimStart   *float64
	TrimEnd     *float64
	Owner       *Owner

	File     io.Reader
	FileName string
}

// JobService manages job records and hands them to the worker queue
type JobService struct {
	jobs    JobRepository
	users   UserRepository
	storage storage.Storage
	queue   Enqueuer
	worker  config.WorkerConfig
	logger  *log.Logger
}

func NewJobService(jobs JobRepository, users UserRepository, st storage.Storage, queue Enqueuer, worker config.WorkerConfig, logger *log.Logger) *JobService {
	return &JobService{
		jobs:    jobs,
		users:   users,
		storage: st,
		queue:   queue,
		worker:  worker,
		logger:  logger,
	}
}

// Create validates the input, stores an uploaded file, records the job and
// enqueues it.
func (s *JobService) Create(ctx context.Context, in CreateJobInput) (*model.Job, error) {
	hasURL := strings.TrimSpace(in.InputURL) != ""
	hasFile := in.File != nil
	if hasURL == hasFile {
		return nil, fmt.Errorf("%w: provide exactly one of input_url or file", ErrInvalidInput)
	}
	if in.TrimStart != nil && in.TrimEnd != nil && *in.TrimEnd <= *in.TrimStart {
		return nil, fmt.Errorf("%w: trim_end must be after trim_start", ErrInvalidInput)
	}
	if in.QualityMode == "" {
		in.QualityMode = model.QualityFast
	}

	nj := model.NewJob{
		ID:          uuid.New(),
		ProjectName: strings.TrimSpace(in.ProjectName),
		QualityMode: in.QualityMode,
		ManualBPM:   in.ManualBPM,
		TrimStart:   in.TrimStart,
		TrimEnd:     in.TrimEnd,
	}

	if hasFile {
		ext := strings.ToLower(filepath.Ext(in.FileName))
		if !AllowedUpload(in.FileName) {
			return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, ext)
		}
		ref, err := s.storage.SaveReader(ctx, in.File, storage.SourceKey(nj.ID.String(), ext), "")
		if err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
		nj.InputType = model.InputTypeUpload
		nj.SourceFilePath = &ref
	} else {
		u := strings.TrimSpace(in.InputURL)
		nj.InputType = model.InputTypeYouTube
		nj.InputURL = &u
	}

	if err := s.ensureOwner(ctx, in.Owner, &nj); err != nil {
		return nil, err
	}
	return s.createAndEnqueue(ctx, nj)
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// List pages through jobs, newest first. page is 1-based.
func (s *JobService) List(ctx context.Context, owner *uuid.UUID, page, pageSize int) (*model.JobListResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	jobs, total, err := s.jobs.List(ctx, owner, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return &model.JobListResponse{Jobs: jobs, Total: total, Page: page, PageSize: pageSize}, nil
}

// Cancel marks a live job CANCELLED. The worker notices at its next stage
// boundary; a running tool is not interrupted.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (*model.JobCancelResponse, error) {
	job, err := s.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", "job_id", id)
	return &model.JobCancelResponse{Message: "Job cancelled", Job: job}, nil
}

// Delete removes a finished job and its stems and package. The source stays
// because reprocessed jobs point at the same file. Live jobs must be
// cancelled first.
func (s *JobService) Delete(ctx context.Context, id uuid.UUID) (*model.JobDeleteResponse, error) {
	job, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, ref := range []*string{job.StemsFolderPath, job.PackagePath} {
		if ref == nil || *ref == "" {
			continue
		}
		if err := s.storage.Delete(ctx, *ref); err != nil {
			s.logger.Warn("artifact not removed", "job_id", id, "ref", *ref, "err", err)
		}
	}
	s.logger.Info("job deleted", "job_id", id)
	return &model.JobDeleteResponse{Message: "Job deleted", ID: id}, nil
}

// Reprocess creates a new job over the stored source of an existing one.
// Nothing is created when the source is gone.
func (s *JobService) Reprocess(ctx context.Context, id uuid.UUID, owner *Owner) (*model.Job, error) {
	orig, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.SourceFilePath == nil || *orig.SourceFilePath == "" {
		return nil, ErrSourceMissing
	}
	ok, err := s.storage.Exists(ctx, *orig.SourceFilePath)
	if err != nil {
		return nil, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return nil, ErrSourceMissing
	}

	nj := model.NewJob{
		ID:             uuid.New(),
		UserID:         orig.UserID,
		InputType:      orig.InputType,
		InputURL:       orig.InputURL,
		ProjectName:    orig.ProjectName,
		QualityMode:    orig.QualityMode,
		ManualBPM:      orig.ManualBPM,
		TrimStart:      orig.TrimStart,
		TrimEnd:        orig.TrimEnd,
		SourceFilePath: orig.SourceFilePath,
	}
	if err := s.ensureOwner(ctx, owner, &nj); err != nil {
		return nil, err
	}
	return s.createAndEnqueue(ctx, nj)
}

// Download returns where the finished package can be fetched.
func (s *JobService) Download(ctx context.Context, id uuid.UUID) (*model.DownloadResponse, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted || job.PackagePath == nil {
		return nil, ErrJobNotFinished
	}
	return s.downloadURL(ctx, *job.PackagePath)
}

func (s *JobService) downloadURL(ctx context.Context, ref string) (*model.DownloadResponse, error) {
	url, err := s.storage.DownloadURL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("download url: %w", err)
	}
	return &model.DownloadResponse{
		URL:      url,
		Redirect: strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"),
	}, nil
}

// Source returns where the stored input of a job can be fetched.
func (s *JobService) Source(ctx context.Context, id uuid.UUID) (*model.DownloadResponse, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.SourceFilePath == nil || *job.SourceFilePath == "" {
		return nil, ErrSourceMissing
	}
	ok, err := s.storage.Exists(ctx, *job.SourceFilePath)
	if err != nil {
		return nil, fmt.Errorf("check source: %w", err)
	}
	if !ok {
		return nil, ErrSourceMissing
	}
	return s.downloadURL(ctx, *job.SourceFilePath)
}

// Enqueue hands a job id to the worker queue.
func (s *JobService) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	task, err := NewProcessTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(s.worker.Queue),
		asynq.MaxRetry(s.worker.MaxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if s.worker.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(s.worker.TaskTimeout))
	}
	_, err = s.queue.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (s *JobService) createAndEnqueue(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	job, err := s.jobs.Create(ctx, nj)
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := s.Enqueue(ctx, job.ID); err != nil {
		return nil, err
	}
	s.logger.Info("job queued", "job_id", job.ID, "input", job.InputType, "quality", job.QualityMode)
	return job, nil
}

func (s *JobService) ensureOwner(ctx context.Context, owner *Owner, nj *model.NewJob) error {
	if owner == nil || owner.ID == uuid.Nil {
		return nil
	}
	if s.users != nil {
		if err := s.users.Ensure(ctx, owner.ID, owner.Email, owner.Name); err != nil {
			return fmt.Errorf("record owner: %w", err)
		}
	}
	id := owner.ID
	nj.UserID = &id
	return nil
}

// AllowedUpload reports whether the file name carries a supported extension.
func AllowedUpload(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range UploadExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
