package appbootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"meldhub/api"
	"meldhub/config"
	"meldhub/core/geosearch"
	"meldhub/core/incidents"
	"meldhub/core/providers"
	"meldhub/core/providers/greenvalley"
	"meldhub/core/providers/threep"
	"meldhub/core/providers/topdesk"
	"meldhub/core/reconcile"
	"meldhub/core/schedule"
	"meldhub/core/statistics"
	"meldhub/core/storage"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	incidentsStore := store.NewIncidentsStore(db)
	integrationsStore := store.NewIntegrationsStore(db)
	usersStore := store.NewUsersStore(db)
	votesStore := store.NewVotesStore(db)
	statisticsStore := store.NewStatisticsStore(db)
	tasksStore := store.NewTasksStore(db)
	tasksSvc := tasks.NewService(tasksStore)
	tasksSvc.SetMaxAttempts(cfg.Providers.UploadRetries)

	topdeskClient := topdesk.NewClient(cfg.Providers.HTTPTimeout, logger)
	topdeskCatalog := topdesk.NewCatalog(topdeskClient, cfg.Providers.CatalogTTL)
	topdeskAdapter := topdesk.NewAdapter(topdeskClient, topdeskCatalog, logger)

	gvClient := greenvalley.NewClient(cfg.Providers.CaseTimeout, logger)
	gvAdapter := greenvalley.NewAdapter(gvClient, logger)

	objects, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	threepAdapter := threep.NewAdapter(objects, tasksSvc, logger)

	registry := providers.NewRegistry(topdeskAdapter, threepAdapter, gvAdapter)
	incidentsSvc := incidents.NewService(incidentsStore, integrationsStore, usersStore, registry, tasksSvc, cfg, logger)
	reconciler := reconcile.NewEngine(incidentsStore, integrationsStore, incidentsSvc, registry, gvAdapter, tasksSvc, logger)
	aggregator := statistics.NewAggregator(incidentsStore, integrationsStore, statisticsStore, tasksSvc, logger)
	searcher := geosearch.NewSearcher(incidentsStore, cfg.Map.MaxResultWindow)
	notifier := reconcile.NewHTTPNotifier(cfg.Notify)

	engine := tasks.NewEngine(tasksStore, cfg.Scheduler, logger)
	engine.SetBackoff(cfg.Providers.RetryCountdown)
	registerTaskHandlers(engine, &taskDeps{
		cfg:          cfg,
		integrations: integrationsStore,
		incidents:    incidentsSvc,
		reconciler:   reconciler,
		topdesk:      topdeskAdapter,
		threep:       threepAdapter,
		notifier:     notifier,
	})

	scheduler := schedule.NewScheduler(cfg.Scheduler, integrationsStore, tasksSvc, aggregator, incidentsSvc, logger)

	workers := []api.BackgroundWorker{engine}
	if cfg.Scheduler.Enabled {
		workers = append(workers, scheduler)
	}

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			Incidents:    incidentsStore,
			Integrations: integrationsStore,
			Users:        usersStore,
			Votes:        votesStore,
			Statistics:   statisticsStore,
			IncidentsSvc: incidentsSvc,
			Reconciler:   reconciler,
			Aggregator:   aggregator,
			Searcher:     searcher,
			TasksSvc:     tasksSvc,
		},
		workers: workers,
	}, nil
}

type taskDeps struct {
	cfg          *config.AppConfig
	integrations store.IntegrationsStore
	incidents    *incidents.Service
	reconciler   *reconcile.Engine
	topdesk      *topdesk.Adapter
	threep       *threep.Adapter
	notifier     reconcile.Notifier
}

// registerTaskHandlers binds every queue kind to its worker. Handlers
// live here rather than in the task package so the queue stays free of
// provider imports.
func registerTaskHandlers(engine *tasks.Engine, deps *taskDeps) {
	engine.Register(tasks.KindUploadAttachment, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.UploadAttachmentPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		integration, err := deps.integrations.GetIntegration(ctx, payload.IntegrationID)
		if err != nil {
			return err
		}
		settings := integration.Settings.Topdesk
		if settings == nil {
			return fmt.Errorf("integration %d has no topdesk settings", integration.ID)
		}
		return deps.topdesk.UploadAttachment(ctx, settings, payload.TicketID, payload.FileURL, payload.FileName, deps.cfg.Providers.MaxImageWidth)
	})

	engine.Register(tasks.KindPollIntegration, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.PollIntegrationPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		return deps.reconciler.PollIntegration(ctx, payload.IntegrationID)
	})

	engine.Register(tasks.KindRefreshIndex, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.RefreshIndexPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		err := deps.incidents.RefreshIndex(ctx, payload.IncidentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})

	engine.Register(tasks.KindSendNotification, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.SendNotificationPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		return deps.notifier.Send(ctx, reconcile.Message{
			UserID:     payload.UserID,
			IncidentID: payload.IncidentID,
			Text:       payload.Message,
		})
	})

	engine.Register(tasks.KindRefreshTags, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.RefreshTagsPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		integration, err := deps.integrations.GetIntegration(ctx, payload.IntegrationID)
		if err != nil {
			return err
		}
		return deps.topdesk.RefreshTags(ctx, integration, deps.integrations)
	})

	engine.Register(tasks.KindThreepUpload, func(ctx context.Context, task store.TaskRecord) error {
		var payload tasks.ThreepUploadPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		integration, err := deps.integrations.GetIntegration(ctx, payload.IntegrationID)
		if err != nil {
			return err
		}
		settings := integration.Settings.Threep
		if settings == nil {
			return fmt.Errorf("integration %d has no workorder settings", integration.ID)
		}
		// ErrSyncInProgress flows back as a plain failure: the queue's
		// countdown backoff is exactly the wait the consumer sync needs.
		return deps.threep.Upload(ctx, settings, payload.IncidentID, payload.WorkorderXML)
	})
}
