package publisher

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/rehearsekit/backend/internal/logging"
	"github.com/rehearsekit/backend/internal/model"
)

type update struct {
	status  model.JobStatus
	percent int
}

type fakeStore struct {
	updates  []update
	pkg      string
	failMsg  string
	terminal bool
}

func (f *fakeStore) UpdateProgress(ctx context.Context, id uuid.UUID, status model.JobStatus, percent int) error {
	if f.terminal {
		return model.ErrJobTerminal
	}
	f.updates = append(f.updates, update{status, percent})
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, id uuid.UUID, packagePath string) error {
	f.pkg = packagePath
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id uuid.UUID, message string) error {
	f.failMsg = message
	return nil
}

type fakeNotifier struct {
	sent []model.ProgressNotification
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, n model.ProgressNotification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func newPublisher(store ProgressStore, n Notifier, status model.JobStatus, percent int) *Publisher {
	job := &model.Job{ID: uuid.New(), Status: status, ProgressPercent: percent}
	return New(store, n, logging.New(io.Discard, "debug"), job)
}

func TestPublishPersistsThenNotifies(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	n := &fakeNotifier{}
	p := newPublisher(store, n, model.JobStatusPending, 0)

	steps := []update{
		{model.JobStatusConverting, 10},
		{model.JobStatusAnalyzing, 25},
		{model.JobStatusSeparating, 30},
		{model.JobStatusSeparating, 55},
		{model.JobStatusFinalizing, 80},
		{model.JobStatusPackaging, 85},
		{model.JobStatusPackaging, 92},
	}
	for _, s := range steps {
		if err := p.Publish(ctx, s.status, s.percent); err != nil {
			t.Fatalf("Publish(%s, %d) error = %v", s.status, s.percent, err)
		}
	}
	if err := p.Completed(ctx, "packages/x.zip"); err != nil {
		t.Fatalf("Completed() error = %v", err)
	}

	if len(store.updates) != len(steps) {
		t.Fatalf("store updates = %d, want %d", len(store.updates), len(steps))
	}
	if store.pkg != "packages/x.zip" {
		t.Errorf("package = %q", store.pkg)
	}
	if len(n.sent) != len(steps)+1 {
		t.Fatalf("notifications = %d, want %d", len(n.sent), len(steps)+1)
	}
	last := n.sent[len(n.sent)-1]
	if last.Status != model.JobStatusCompleted || last.ProgressPercent != 100 {
		t.Errorf("last notification = %+v", last)
	}
	for i := 1; i < len(n.sent); i++ {
		if n.sent[i].ProgressPercent < n.sent[i-1].ProgressPercent {
			t.Errorf("progress went backwards: %+v", n.sent)
		}
	}
}

func TestPublishRefusesToMoveBackwards(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	n := &fakeNotifier{}
	p := newPublisher(store, n, model.JobStatusSeparating, 60)

	_ = p.Publish(ctx, model.JobStatusConverting, 10)
	_ = p.Publish(ctx, model.JobStatusSeparating, 40)
	_ = p.Publish(ctx, model.JobStatusSeparating, 60)

	if len(store.updates) != 0 || len(n.sent) != 0 {
		t.Fatalf("backwards updates written: %+v %+v", store.updates, n.sent)
	}
	if p.Status() != model.JobStatusSeparating || p.Percent() != 60 {
		t.Errorf("state = %s %d", p.Status(), p.Percent())
	}
}

func TestPublishClampsIntoBand(t *testing.T) {
	store := &fakeStore{}
	p := newPublisher(store, nil, model.JobStatusPending, 0)
	if err := p.Publish(context.Background(), model.JobStatusSeparating, 95); err != nil {
		t.Fatal(err)
	}
	if store.updates[0].percent != 80 {
		t.Errorf("percent = %d, want 80", store.updates[0].percent)
	}
}

func TestNotifyFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{}
	n := &fakeNotifier{err: errors.New("redis down")}
	p := newPublisher(store, n, model.JobStatusPending, 0)
	if err := p.Publish(context.Background(), model.JobStatusConverting, 10); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(store.updates) != 1 {
		t.Error("store not written")
	}
}

func TestPublishOnTerminalJob(t *testing.T) {
	store := &fakeStore{terminal: true}
	n := &fakeNotifier{}
	p := newPublisher(store, n, model.JobStatusConverting, 10)
	err := p.Publish(context.Background(), model.JobStatusAnalyzing, 25)
	if !errors.Is(err, model.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	if len(n.sent) != 0 {
		t.Error("notified after rejected write")
	}
}

func TestFailedKeepsPercent(t *testing.T) {
	store := &fakeStore{}
	n := &fakeNotifier{}
	p := newPublisher(store, n, model.JobStatusSeparating, 45)
	if err := p.Failed(context.Background(), "separate: stem missing"); err != nil {
		t.Fatal(err)
	}
	if store.failMsg != "separate: stem missing" {
		t.Errorf("message = %q", store.failMsg)
	}
	if n.sent[0].Status != model.JobStatusFailed || n.sent[0].ProgressPercent != 45 {
		t.Errorf("notification = %+v", n.sent[0])
	}
}

func TestCompletedRequiresPackaging(t *testing.T) {
	p := newPublisher(&fakeStore{}, nil, model.JobStatusSeparating, 50)
	if err := p.Completed(context.Background(), "x"); err == nil {
		t.Error("completed from SEPARATING")
	}
	if err := p.Publish(context.Background(), model.JobStatusCompleted, 100); err == nil {
		t.Error("Publish accepted COMPLETED")
	}
}

func TestChannel(t *testing.T) {
	if got := Channel("abc"); got != "job:abc:progress" {
		t.Errorf("Channel() = %q", got)
	}
}
