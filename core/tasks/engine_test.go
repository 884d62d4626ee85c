package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"meldhub/config"
	"meldhub/core/store"
)

func newTestQueue(t *testing.T) (store.TasksStore, *Service) {
	t.Helper()
	db, err := store.NewDB("sqlite", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tasksStore := store.NewTasksStore(db)
	return tasksStore, NewService(tasksStore)
}

func testEngine(tasksStore store.TasksStore) *Engine {
	return NewEngine(tasksStore, config.SchedulerConfig{IntervalSeconds: 1, MaxTasksPerTick: 10, MaxConcurrent: 2}, nil)
}

func pending(t *testing.T, tasksStore store.TasksStore) int {
	t.Helper()
	count, err := tasksStore.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	return count
}

func TestRunOnceCompletesTask(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	engine := testEngine(tasksStore)
	var handled int32
	engine.Register(KindRefreshIndex, func(ctx context.Context, task store.TaskRecord) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	if err := svc.EnqueueNow(context.Background(), KindRefreshIndex, RefreshIndexPayload{IncidentID: "inc-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	engine.RunOnce(context.Background())
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("handled = %d", handled)
	}
	if n := pending(t, tasksStore); n != 0 {
		t.Fatalf("pending after success = %d", n)
	}
}

func TestRunOnceReschedulesWithBackoff(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	engine := testEngine(tasksStore)
	engine.SetBackoff(time.Minute)
	engine.Register(KindThreepUpload, func(ctx context.Context, task store.TaskRecord) error {
		return errors.New("sync in progress")
	})
	if err := svc.EnqueueNow(context.Background(), KindThreepUpload, ThreepUploadPayload{IncidentID: "inc-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	before := time.Now().UTC()
	engine.RunOnce(context.Background())
	if n := pending(t, tasksStore); n != 1 {
		t.Fatalf("pending after failure = %d", n)
	}

	// The retry is pushed out by attempts*backoff, so claiming again now
	// yields nothing.
	due, err := tasksStore.ClaimDueTasks(context.Background(), time.Now().UTC(), 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("task came due immediately: %#v", due)
	}
	due, err = tasksStore.ClaimDueTasks(context.Background(), before.Add(2*time.Minute), 10, time.Minute)
	if err != nil {
		t.Fatalf("claim later: %v", err)
	}
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError == "" {
		t.Fatalf("rescheduled task = %#v", due)
	}
}

func TestFailingTaskExhaustsAttempts(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	engine := testEngine(tasksStore)
	engine.SetBackoff(time.Nanosecond)
	var calls int32
	engine.Register(KindUploadAttachment, func(ctx context.Context, task store.TaskRecord) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider down")
	})
	if err := svc.EnqueueNow(context.Background(), KindUploadAttachment, UploadAttachmentPayload{IncidentID: "inc-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Default MaxAttempts is 5: after five failing runs the task is gone.
	for i := 0; i < 6; i++ {
		time.Sleep(time.Millisecond)
		engine.RunOnce(context.Background())
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("handler calls = %d, want 5", got)
	}
	if n := pending(t, tasksStore); n != 0 {
		t.Fatalf("pending after exhaustion = %d", n)
	}
}

func TestConfiguredMaxAttemptsCapRetries(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	svc.SetMaxAttempts(2)
	engine := testEngine(tasksStore)
	engine.SetBackoff(time.Nanosecond)
	var calls int32
	engine.Register(KindUploadAttachment, func(ctx context.Context, task store.TaskRecord) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider down")
	})
	if err := svc.EnqueueNow(context.Background(), KindUploadAttachment, UploadAttachmentPayload{IncidentID: "inc-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 4; i++ {
		time.Sleep(time.Millisecond)
		engine.RunOnce(context.Background())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
	if n := pending(t, tasksStore); n != 0 {
		t.Fatalf("pending after exhaustion = %d", n)
	}
}

func TestUnknownKindIsDropped(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	engine := testEngine(tasksStore)
	if err := svc.EnqueueNow(context.Background(), "no_such_kind", map[string]string{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	engine.RunOnce(context.Background())
	if n := pending(t, tasksStore); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestClaimHidesTasksFromParallelWorkers(t *testing.T) {
	tasksStore, svc := newTestQueue(t)
	if err := svc.EnqueueNow(context.Background(), KindPollIntegration, PollIntegrationPayload{IntegrationID: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	first, err := tasksStore.ClaimDueTasks(context.Background(), now, 10, time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := tasksStore.ClaimDueTasks(context.Background(), now, 10, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed task visible to second worker: %#v", second)
	}
}
