package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/logging"
	"github.com/rehearsekit/backend/internal/model"
	"github.com/rehearsekit/backend/internal/pipeline"
	"github.com/rehearsekit/backend/internal/service"
)

// Executor runs one job to a terminal state, implemented by *pipeline.Orchestrator
type Executor interface {
	Execute(ctx context.Context, jobID uuid.UUID) error
	// Abandon records FAILED when no further delivery will come
	Abandon(ctx context.Context, jobID uuid.UUID, cause error) error
}

// PipelineWorker processes pipeline:process tasks
type PipelineWorker struct {
	exec   Executor
	logger *log.Logger
	// attempt reports retries used so far and the task's retry budget
	attempt func(ctx context.Context) (retried, maxRetry int)
}

func NewPipelineWorker(exec Executor, logger *log.Logger) *PipelineWorker {
	return &PipelineWorker{exec: exec, logger: logger, attempt: taskAttempt}
}

func taskAttempt(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		// outside a delivery there is no budget to exhaust
		maxRetry = math.MaxInt
	}
	return retried, maxRetry
}

// ProcessTask handles one delivery. Errors the job has already absorbed are
// marked SkipRetry; anything else goes back to asynq for another attempt.
// When the retry budget is spent the job is failed so it cannot stay in a
// running status after asynq archives the task.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", payload.JobID, asynq.SkipRetry)
	}

	retried, maxRetry := w.attempt(ctx)
	w.logger.Info("starting job", "job_id", jobID, "attempt", retried+1)

	err = w.exec.Execute(ctx, jobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrJobFailed), errors.Is(err, model.ErrJobNotFound):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case errors.Is(ctx.Err(), context.Canceled):
		// shutdown requeues the task without spending a retry
		return err
	case retried >= maxRetry:
		cause := fmt.Errorf("gave up after %d attempts: %w", retried+1, err)
		if aerr := w.exec.Abandon(context.WithoutCancel(ctx), jobID, cause); aerr != nil {
			w.logger.Error("failed to record abandoned job", "job_id", jobID, "err", aerr)
			return err
		}
		w.logger.Error("job abandoned", "job_id", jobID, "err", err)
		return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
	}
	w.logger.Warn("job attempt failed, will retry", "job_id", jobID, "err", err)
	return err
}

// NewServer builds the asynq server consuming the worker queue.
func NewServer(rcfg config.RedisConfig, wcfg config.WorkerConfig, logger *log.Logger) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     rcfg.Addr,
			Password: rcfg.Password,
			DB:       rcfg.DB,
		},
		asynq.Config{
			Concurrency: wcfg.Concurrency,
			Queues: map[string]int{
				wcfg.Queue: 1,
			},
			Logger:          logging.AsynqLogger{L: logger},
			ShutdownTimeout: 30 * time.Second,
			// a recorded failure is not a queue failure
			IsFailure: func(err error) bool {
				return !errors.Is(err, pipeline.ErrJobFailed)
			},
		},
	)
}

func NewServeMux(w *PipelineWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeProcess, w.ProcessTask)
	return mux
}
