package tasks

import (
	"context"
	"sync"
	"time"

	"meldhub/config"
	"meldhub/core/store"
	"meldhub/core/utils"
)

// Handler processes one claimed task. A returned error reschedules the
// task with countdown backoff until its attempts run out.
type Handler func(ctx context.Context, task store.TaskRecord) error

// Engine drains the queue on a ticker. Claimed tasks have their
// not_before pushed forward, so a crashed worker's claims simply come
// due again.
type Engine struct {
	store    store.TasksStore
	logger   *utils.Logger
	interval time.Duration
	perTick  int
	backoff  time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
	sem      chan struct{}
}

func NewEngine(taskStore store.TasksStore, cfg config.SchedulerConfig, logger *utils.Logger) *Engine {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	perTick := cfg.MaxTasksPerTick
	if perTick <= 0 {
		perTick = 20
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Engine{
		store:    taskStore,
		logger:   logger,
		interval: interval,
		perTick:  perTick,
		backoff:  10 * time.Second,
		handlers: map[string]Handler{},
		sem:      make(chan struct{}, maxConcurrent),
	}
}

func (e *Engine) Register(kind string, handler Handler) {
	e.mu.Lock()
	e.handlers[kind] = handler
	e.mu.Unlock()
}

func (e *Engine) Start() {
	e.StartWithContext(context.Background())
}

func (e *Engine) StartWithContext(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	e.mu.Unlock()
	go e.loop(runCtx)
}

func (e *Engine) Stop() {
	_ = e.StopWithContext(context.Background())
}

func (e *Engine) StopWithContext(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel == nil || !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	cancel()
	waitDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce claims and processes one batch of due tasks. Exposed so tests
// and the bootstrap can drain without the ticker.
func (e *Engine) RunOnce(ctx context.Context) {
	// The claim window is generous: a task is invisible to other ticks
	// until its handler has had several intervals to finish.
	claimFor := 4 * e.interval
	due, err := e.store.ClaimDueTasks(ctx, time.Now().UTC(), e.perTick, claimFor)
	if err != nil {
		if e.logger != nil {
			e.logger.Errorf("claim tasks: %v", err)
		}
		return
	}
	var wg sync.WaitGroup
	for _, task := range due {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(task store.TaskRecord) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.process(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (e *Engine) process(ctx context.Context, task store.TaskRecord) {
	e.mu.Lock()
	handler, ok := e.handlers[task.Kind]
	e.mu.Unlock()
	if !ok {
		if e.logger != nil {
			e.logger.Errorf("task %s: no handler for kind %s, dropping", task.ID, task.Kind)
		}
		_ = e.store.CompleteTask(ctx, task.ID)
		return
	}
	err := handler(ctx, task)
	if err == nil {
		if completeErr := e.store.CompleteTask(ctx, task.ID); completeErr != nil && e.logger != nil {
			e.logger.Errorf("complete task %s: %v", task.ID, completeErr)
		}
		return
	}
	attempts := task.Attempts + 1
	if attempts >= task.MaxAttempts {
		if e.logger != nil {
			e.logger.Errorf("task %s (%s) exhausted after %d attempts: %v", task.ID, task.Kind, attempts, err)
		}
		_ = e.store.CompleteTask(ctx, task.ID)
		return
	}
	// Linear backoff: attempt n waits n countdown units.
	notBefore := time.Now().UTC().Add(time.Duration(attempts) * e.backoff)
	if rescheduleErr := e.store.RescheduleTask(ctx, task.ID, notBefore, attempts, err.Error()); rescheduleErr != nil && e.logger != nil {
		e.logger.Errorf("reschedule task %s: %v", task.ID, rescheduleErr)
	}
	if e.logger != nil {
		e.logger.Printf("task %s (%s) attempt %d failed, retrying at %s: %v", task.ID, task.Kind, attempts, notBefore.Format(time.RFC3339), err)
	}
}

// SetBackoff overrides the retry countdown unit.
func (e *Engine) SetBackoff(d time.Duration) {
	if d > 0 {
		e.backoff = d
	}
}
