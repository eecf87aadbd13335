// Package pipeline runs one job through acquisition, conversion, tempo
// analysis, separation and packaging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rehearsekit/backend/internal/audio"
	"github.com/rehearsekit/backend/internal/dawproject"
	"github.com/rehearsekit/backend/internal/logging"
	"github.com/rehearsekit/backend/internal/model"
	"github.com/rehearsekit/backend/internal/publisher"
	"github.com/rehearsekit/backend/internal/storage"
)

// ErrJobFailed marks an error that has already been recorded on the job as
// FAILED. Retrying such a task is pointless.
var ErrJobFailed = errors.New("job failed")

// JobStore is the job record as the pipeline sees it
type JobStore interface {
	publisher.ProgressStore
	GetByID(ctx context.Context, id uuid.UUID) (*model.Job, error)
	SetDetectedBPM(ctx context.Context, id uuid.UUID, bpm float64) error
	SetSourcePath(ctx context.Context, id uuid.UUID, ref string) error
	SetStemsPath(ctx context.Context, id uuid.UUID, ref string) error
}

// Stages are the external tool invocations, implemented by *audio.Toolkit
type Stages interface {
	Acquire(ctx context.Context, req audio.AcquireRequest) (string, error)
	Convert(ctx context.Context, req audio.ConvertRequest) (string, error)
	AnalyzeTempo(ctx context.Context, wavPath string) (float64, error)
	Separate(ctx context.Context, req audio.SeparateRequest, progress audio.ProgressReporter) (string, error)
	EmbedTempo(ctx context.Context, stemsDir string, bpm float64) error
	Package(ctx context.Context, req audio.PackageRequest) (string, error)
}

// ProjectBuilder writes the DAW project file
type ProjectBuilder func(req dawproject.Request) (string, error)

type Deps struct {
	Store        JobStore
	Storage      storage.Storage
	Notifier     publisher.Notifier
	Stages       Stages
	BuildProject ProjectBuilder
	Logger       *log.Logger
	// TempDir is the parent of per-run work dirs; empty means os.TempDir()
	TempDir string
}

type Orchestrator struct {
	store        JobStore
	storage      storage.Storage
	notifier     publisher.Notifier
	stages       Stages
	buildProject ProjectBuilder
	logger       *log.Logger
	tempDir      string
}

func New(d Deps) *Orchestrator {
	if d.BuildProject == nil {
		d.BuildProject = dawproject.Build
	}
	if d.Logger == nil {
		d.Logger = logging.New(nil, "info")
	}
	return &Orchestrator{
		store:        d.Store,
		storage:      d.Storage,
		notifier:     d.Notifier,
		stages:       d.Stages,
		buildProject: d.BuildProject,
		logger:       d.Logger,
		tempDir:      d.TempDir,
	}
}

// ExecContext is everything one run of one job needs. It is created by
// Execute and dropped when it returns.
type ExecContext struct {
	Job       *model.Job
	Store     JobStore
	Storage   storage.Storage
	Publisher *publisher.Publisher
	WorkDir   string
	Logger    *log.Logger
}

// Execute runs the job to a terminal state. It is safe to call again for the
// same job: terminal jobs are skipped and recorded artifacts are reused.
//
// A nil return means the job is terminal. Errors wrapping ErrJobFailed have
// been recorded on the job; any other error left the job untouched and the
// task may be retried.
func (o *Orchestrator) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	logger := logging.ForJob(o.logger, jobID.String())
	if job.Status.IsTerminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	workDir, err := os.MkdirTemp(o.tempDir, "rehearsekit-"+jobID.String()+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work dir", "dir", workDir, "err", err)
		}
	}()

	ec := &ExecContext{
		Job:       job,
		Store:     o.store,
		Storage:   o.storage,
		Publisher: publisher.New(o.store, o.notifier, logger, job),
		WorkDir:   workDir,
		Logger:    logger,
	}

	logger.Info("job started", "status", job.Status, "quality", job.QualityMode)
	err = o.run(ctx, ec)
	switch {
	case err == nil:
		logger.Info("job completed", "package", deref(ec.Job.PackagePath))
		return nil
	case errors.Is(err, model.ErrJobTerminal):
		logger.Info("job cancelled, stopping", "at", ec.Publisher.Status())
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// the task timeout is fixed, a redelivery would hit it again
		err = fmt.Errorf("timed out at %s: %w", ec.Publisher.Status(), err)
	case ctx.Err() != nil:
		// shutdown: leave the job as is so a redelivery resumes it
		logger.Warn("job interrupted", "err", err)
		return fmt.Errorf("job %s interrupted: %w", jobID, err)
	}
	return o.fail(ctx, ec.Publisher, logger, err)
}

// Abandon records FAILED for a job whose last delivery ended without an
// outcome, so the record does not stay in a running status forever.
func (o *Orchestrator) Abandon(ctx context.Context, jobID uuid.UUID, cause error) error {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	logger := logging.ForJob(o.logger, jobID.String())
	err = o.fail(ctx, publisher.New(o.store, o.notifier, logger, job), logger, cause)
	if err == nil || errors.Is(err, ErrJobFailed) {
		return nil
	}
	return err
}

// fail records err on the job. The tool's full stderr goes to the log; the
// job keeps the error and a bounded stderr tail.
func (o *Orchestrator) fail(ctx context.Context, pub *publisher.Publisher, logger *log.Logger, err error) error {
	var se *audio.StageError
	if errors.As(err, &se) && se.CommandLog != nil {
		logger.Error("tool failed",
			"stage", se.Stage,
			"cmd", se.CommandLog.Command,
			"args", strings.Join(se.CommandLog.Args, " "),
			"exit", se.CommandLog.ExitCode,
			"stderr", se.CommandLog.Stderr,
		)
	}

	msg := err.Error()
	if tail := audio.StderrTail(err); tail != "" {
		msg += "\n" + tail
	}
	if ferr := pub.Failed(context.WithoutCancel(ctx), msg); ferr != nil {
		if errors.Is(ferr, model.ErrJobTerminal) {
			logger.Info("job cancelled before failure was recorded", "err", err)
			return nil
		}
		logger.Error("failed to record job failure", "err", ferr, "cause", err)
		return fmt.Errorf("record failure: %w (cause: %v)", ferr, err)
	}
	logger.Error("job failed", "err", err)
	return fmt.Errorf("%w: %w", ErrJobFailed, err)
}

func (o *Orchestrator) run(ctx context.Context, ec *ExecContext) error {
	job := ec.Job
	pub := ec.Publisher

	source, err := o.acquire(ctx, ec)
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, model.JobStatusConverting, 10); err != nil {
		return err
	}
	wav, err := o.stages.Convert(ctx, audio.ConvertRequest{
		InputPath: source,
		WorkDir:   ec.WorkDir,
		TrimStart: job.TrimStart,
		TrimEnd:   job.TrimEnd,
	})
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, model.JobStatusAnalyzing, 25); err != nil {
		return err
	}
	if job.DetectedBPM == nil {
		bpm, err := o.stages.AnalyzeTempo(ctx, wav)
		if err != nil {
			return err
		}
		if err := ec.Store.SetDetectedBPM(ctx, job.ID, bpm); err != nil {
			return err
		}
		job.DetectedBPM = &bpm
		ec.Logger.Info("tempo detected", "bpm", bpm)
	}
	bpm, _ := job.FinalBPM()

	if err := pub.Publish(ctx, model.JobStatusSeparating, 30); err != nil {
		return err
	}
	band := model.ProgressBand(model.JobStatusSeparating)
	reporter := audio.ReporterFunc(func(pct int) {
		if err := pub.Publish(ctx, model.JobStatusSeparating, band.Map(pct)); err != nil {
			ec.Logger.Debug("separation progress not recorded", "err", err)
		}
	})
	stemsDir, err := o.stages.Separate(ctx, audio.SeparateRequest{
		InputPath: wav,
		WorkDir:   ec.WorkDir,
		Quality:   job.QualityMode,
	}, reporter)
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, model.JobStatusFinalizing, 80); err != nil {
		return err
	}
	if err := o.stages.EmbedTempo(ctx, stemsDir, bpm); err != nil {
		ec.Logger.Warn("tempo metadata not embedded", "err", err)
	}
	stemsRef, err := ec.Storage.SaveDir(ctx, stemsDir, storage.StemsPrefix(job.ID.String()))
	if err != nil {
		return persistErr("store stems", err)
	}
	if err := ec.Store.SetStemsPath(ctx, job.ID, stemsRef); err != nil {
		return err
	}
	job.StemsFolderPath = &stemsRef

	if err := pub.Publish(ctx, model.JobStatusPackaging, 85); err != nil {
		return err
	}
	project, err := o.buildProject(dawproject.Request{
		Name:       job.ProjectName,
		BPM:        bpm,
		SampleRate: audio.SampleRate,
		Stems:      audio.StemFiles(stemsDir),
		OutputDir:  filepath.Join(ec.WorkDir, "project"),
	})
	if err != nil {
		return err
	}

	if err := pub.Publish(ctx, model.JobStatusPackaging, 92); err != nil {
		return err
	}
	archive, err := o.stages.Package(ctx, audio.PackageRequest{
		Name:        job.ProjectName,
		StemsDir:    stemsDir,
		ProjectFile: project,
		BPM:         bpm,
		OutputPath:  filepath.Join(ec.WorkDir, "package", audio.SafeName(job.ProjectName)+".zip"),
	})
	if err != nil {
		return err
	}
	packageRef, err := ec.Storage.Save(ctx, archive, storage.PackageKey(job.ID.String()))
	if err != nil {
		return persistErr("store package", err)
	}

	if err := pub.Completed(ctx, packageRef); err != nil {
		return err
	}
	job.PackagePath = &packageRef
	return nil
}

// acquire returns a local path to the job's input. A previously stored
// source is resolved and never downloaded again.
func (o *Orchestrator) acquire(ctx context.Context, ec *ExecContext) (string, error) {
	job := ec.Job
	if job.SourceFilePath != nil && *job.SourceFilePath != "" {
		p, err := ec.Storage.Resolve(ctx, *job.SourceFilePath, ec.WorkDir)
		if err != nil {
			kind := audio.ErrStorage
			if errors.Is(err, storage.ErrNotFound) {
				kind = audio.ErrResourceNotFound
			}
			return "", &audio.StageError{Stage: audio.StageAcquire, Kind: kind, Message: "source file unavailable: " + *job.SourceFilePath, Err: err}
		}
		ec.Logger.Debug("reusing stored source", "ref", *job.SourceFilePath)
		return p, nil
	}

	if job.InputURL == nil || *job.InputURL == "" {
		return "", &audio.StageError{Stage: audio.StageAcquire, Kind: audio.ErrAcquisition, Message: "job has neither a source file nor an input url"}
	}

	if err := ec.Publisher.Publish(ctx, model.JobStatusConverting, 5); err != nil {
		return "", err
	}
	downloadDir := filepath.Join(ec.WorkDir, "download")
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return "", persistErr("create download dir", err)
	}
	p, err := o.stages.Acquire(ctx, audio.AcquireRequest{URL: *job.InputURL, WorkDir: downloadDir})
	if err != nil {
		return "", err
	}

	ref, err := ec.Storage.Save(ctx, p, storage.SourceKey(job.ID.String(), filepath.Ext(p)))
	if err != nil {
		return "", persistErr("store source", err)
	}
	if err := ec.Store.SetSourcePath(ctx, job.ID, ref); err != nil {
		return "", err
	}
	job.SourceFilePath = &ref
	return p, nil
}

func persistErr(msg string, err error) error {
	return &audio.StageError{Stage: audio.StagePersist, Kind: audio.ErrStorage, Message: msg, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
