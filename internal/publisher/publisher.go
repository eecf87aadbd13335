// Package publisher records job progress durably and fans it out to live
// subscribers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rehearsekit/backend/internal/model"
)

// ProgressStore is the part of the job record the publisher writes. Every
// method returns model.ErrJobTerminal when the job can no longer move.
type ProgressStore interface {
	UpdateProgress(ctx context.Context, id uuid.UUID, status model.JobStatus, percent int) error
	Complete(ctx context.Context, id uuid.UUID, packagePath string) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// Notifier delivers an ephemeral progress event.
type Notifier interface {
	Notify(ctx context.Context, n model.ProgressNotification) error
}

// Publisher tracks one job run. It never moves status or percent backwards:
// requests that would are dropped without touching the store.
type Publisher struct {
	store    ProgressStore
	notifier Notifier
	logger   *log.Logger
	jobID    uuid.UUID
	status   model.JobStatus
	percent  int
}

// New starts from the job's persisted status and progress.
func New(store ProgressStore, notifier Notifier, logger *log.Logger, job *model.Job) *Publisher {
	return &Publisher{
		store:    store,
		notifier: notifier,
		logger:   logger,
		jobID:    job.ID,
		status:   job.Status,
		percent:  job.ProgressPercent,
	}
}

func (p *Publisher) Status() model.JobStatus { return p.status }
func (p *Publisher) Percent() int            { return p.percent }

// Publish persists status and percent, then notifies. The percent is clamped
// into the status band first.
func (p *Publisher) Publish(ctx context.Context, status model.JobStatus, percent int) error {
	if status == model.JobStatusCompleted || status == model.JobStatusFailed {
		return fmt.Errorf("publish %s through Completed or Failed", status)
	}
	percent = model.ProgressBand(status).Clamp(percent)
	if !p.advances(status, percent) {
		p.logger.Debug("progress not advancing, skipped", "status", status, "percent", percent,
			"current_status", p.status, "current_percent", p.percent)
		return nil
	}

	if err := p.store.UpdateProgress(ctx, p.jobID, status, percent); err != nil {
		return err
	}
	p.status, p.percent = status, percent
	p.notify(ctx)
	return nil
}

// Completed records the package reference and the terminal state.
func (p *Publisher) Completed(ctx context.Context, packagePath string) error {
	if !p.status.CanTransition(model.JobStatusCompleted) {
		return fmt.Errorf("cannot complete job from %s", p.status)
	}
	if err := p.store.Complete(ctx, p.jobID, packagePath); err != nil {
		return err
	}
	p.status, p.percent = model.JobStatusCompleted, 100
	p.notify(ctx)
	return nil
}

// Failed records message verbatim and keeps the last percent.
func (p *Publisher) Failed(ctx context.Context, message string) error {
	if err := p.store.Fail(ctx, p.jobID, message); err != nil {
		return err
	}
	p.status = model.JobStatusFailed
	p.notify(ctx)
	return nil
}

func (p *Publisher) advances(status model.JobStatus, percent int) bool {
	if status == p.status {
		return percent > p.percent
	}
	return p.status.CanTransition(status) && percent >= p.percent
}

// notify is best-effort: the store already holds the truth.
func (p *Publisher) notify(ctx context.Context) {
	if p.notifier == nil {
		return
	}
	n := model.ProgressNotification{JobID: p.jobID.String(), Status: p.status, ProgressPercent: p.percent}
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.logger.Warn("progress notification failed", "status", p.status, "percent", p.percent, "err", err)
	}
}

// Channel is the pub/sub channel carrying a job's progress.
func Channel(jobID string) string {
	return "job:" + jobID + ":progress"
}

// RedisNotifier publishes notifications on Redis pub/sub.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (r *RedisNotifier) Notify(ctx context.Context, n model.ProgressNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, Channel(n.JobID), payload).Err()
}
