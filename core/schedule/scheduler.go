package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meldhub/config"
	"meldhub/core/incidents"
	"meldhub/core/statistics"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

// Scheduler owns the recurring jobs: provider polls, the nightly
// statistics build and the cleanup sweep. The jobs themselves only
// enqueue or delegate; all retryable work goes through the task queue.
type Scheduler struct {
	cfg          config.SchedulerConfig
	integrations store.IntegrationsStore
	tasks        *tasks.Service
	aggregator   *statistics.Aggregator
	incidents    *incidents.Service
	logger       *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewScheduler(cfg config.SchedulerConfig, integrations store.IntegrationsStore, taskService *tasks.Service,
	aggregator *statistics.Aggregator, incidentService *incidents.Service, logger *utils.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		integrations: integrations,
		tasks:        taskService,
		aggregator:   aggregator,
		incidents:    incidentService,
		logger:       logger,
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	c := cron.New()
	jobs := []struct {
		spec string
		fn   func()
	}{
		{s.cfg.PollSpec, s.pollIntegrations},
		{s.cfg.StatisticsSpec, s.buildStatistics},
		{s.cfg.CleanupSpec, s.cleanup},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, job.fn); err != nil && s.logger != nil {
			s.logger.Errorf("schedule %q: %v", job.spec, err)
		}
	}
	c.Start()
	s.cron = c
	s.running = true
	if s.logger != nil {
		s.logger.Printf("scheduler started: poll=%q statistics=%q cleanup=%q", s.cfg.PollSpec, s.cfg.StatisticsSpec, s.cfg.CleanupSpec)
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

func (s *Scheduler) pollIntegrations() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	enabled, err := s.integrations.ListPollEnabled(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("list poll-enabled integrations: %v", err)
		}
		return
	}
	for _, integration := range enabled {
		payload := tasks.PollIntegrationPayload{IntegrationID: integration.ID}
		if err := s.tasks.EnqueueNow(ctx, tasks.KindPollIntegration, payload); err != nil && s.logger != nil {
			s.logger.Errorf("enqueue poll for integration %d: %v", integration.ID, err)
		}
	}
}

func (s *Scheduler) buildStatistics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := s.aggregator.BuildCurrentMonth(ctx, time.Now()); err != nil && s.logger != nil {
		s.logger.Errorf("nightly statistics build: %v", err)
	}
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.incidents.Cleanup(ctx, time.Now()); err != nil && s.logger != nil {
		s.logger.Errorf("cleanup sweep: %v", err)
	}
}
