// Package servicetest provides in-memory stand-ins for the job store and the
// task queue.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/rehearsekit/backend/internal/model"
)

type Jobs struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*model.Job
	Created int
}

func NewJobs(jobs ...*model.Job) *Jobs {
	j := &Jobs{jobs: map[uuid.UUID]*model.Job{}}
	for _, job := range jobs {
		j.Put(job)
	}
	return j
}

func (j *Jobs) Put(job *model.Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	j.jobs[job.ID] = job
}

func (j *Jobs) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.jobs)
}

func (j *Jobs) Create(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if nj.ID == uuid.Nil {
		nj.ID = uuid.New()
	}
	job := &model.Job{
		ID:             nj.ID,
		UserID:         nj.UserID,
		InputType:      nj.InputType,
		InputURL:       nj.InputURL,
		ProjectName:    nj.ProjectName,
		QualityMode:    nj.QualityMode,
		ManualBPM:      nj.ManualBPM,
		TrimStart:      nj.TrimStart,
		TrimEnd:        nj.TrimEnd,
		SourceFilePath: nj.SourceFilePath,
		Status:         model.JobStatusPending,
		CreatedAt:      time.Now(),
	}
	j.jobs[job.ID] = job
	j.Created++
	cp := *job
	return &cp, nil
}

func (j *Jobs) GetByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (j *Jobs) List(ctx context.Context, owner *uuid.UUID, limit, offset int) ([]*model.Job, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var all []*model.Job
	for _, job := range j.jobs {
		if owner != nil && (job.UserID == nil || *job.UserID != *owner) {
			continue
		}
		cp := *job
		all = append(all, &cp)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*model.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (j *Jobs) Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, model.ErrJobTerminal
	}
	now := time.Now()
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	cp := *job
	return &cp, nil
}

func (j *Jobs) Delete(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return nil, model.ErrJobActive
	}
	delete(j.jobs, id)
	return job, nil
}

// Queue records enqueued tasks.
type Queue struct {
	mu    sync.Mutex
	Tasks []*asynq.Task
	Opts  [][]asynq.Option
	Err   error
}

func (q *Queue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	q.Tasks = append(q.Tasks, task)
	q.Opts = append(q.Opts, opts)
	return &asynq.TaskInfo{ID: uuid.NewString(), Type: task.Type(), Payload: task.Payload()}, nil
}

// Option returns the value of an option passed with the i-th task
func (q *Queue) Option(i int, typ asynq.OptionType) (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range q.Opts[i] {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Tasks)
}

// Users records owners passed to Ensure.
type Users struct {
	mu   sync.Mutex
	Seen map[uuid.UUID]string
}

func (u *Users) Ensure(ctx context.Context, id uuid.UUID, email, name string) error {
	if id == uuid.Nil {
		return errors.New("nil owner id")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Seen == nil {
		u.Seen = map[uuid.UUID]string{}
	}
	u.Seen[id] = email
	return nil
}
