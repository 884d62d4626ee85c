package api

import (
	"net/http"

	"github.com/casbin/casbin/v2"
	"github.com/go-chi/chi/v5"

	"meldhub/api/handlers"
	"meldhub/config"
	"meldhub/core/geosearch"
	"meldhub/core/incidents"
	"meldhub/core/reconcile"
	"meldhub/core/statistics"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

// BackgroundWorker is anything with its own goroutine lifecycle owned
// by the application, started after the listener and stopped before it.
type BackgroundWorker interface {
	Start()
	Stop()
}

type ServerDeps struct {
	Incidents    store.IncidentsStore
	Integrations store.IntegrationsStore
	Users        store.UsersStore
	Votes        store.VotesStore
	Statistics   store.StatisticsStore
	IncidentsSvc *incidents.Service
	Reconciler   *reconcile.Engine
	Aggregator   *statistics.Aggregator
	Searcher     *geosearch.Searcher
	TasksSvc     *tasks.Service
}

type Server struct {
	cfg      *config.AppConfig
	deps     ServerDeps
	enforcer *casbin.Enforcer
	logger   *utils.Logger
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) (*Server, error) {
	enforcer, err := newEnforcer()
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, deps: deps, enforcer: enforcer, logger: logger}, nil
}

func (s *Server) Router() http.Handler {
	intake := handlers.NewIntakeHandler(s.cfg, s.deps.IncidentsSvc, s.logger)
	webhooks := handlers.NewWebhooksHandler(s.deps.Integrations, s.deps.Reconciler, s.logger)
	mapHandler := handlers.NewMapHandler(s.cfg, s.deps.Incidents, s.deps.Votes, s.deps.Searcher, s.deps.Aggregator, s.logger)
	statisticsHandler := handlers.NewStatisticsHandler(s.deps.Statistics, s.deps.Integrations)
	admin := handlers.NewAdminHandler(s.deps.Integrations, s.deps.Aggregator, s.deps.TasksSvc, s.logger)

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(jsonMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Post("/webhooks/topdesk/{integration_id}", webhooks.Topdesk)
		apiRouter.Post("/webhooks/greenvalley/{integration_id}", webhooks.GreenValley)

		apiRouter.Get("/map/items", mapHandler.Items)
		apiRouter.Post("/map/items/detail", mapHandler.Detail)
		apiRouter.Post("/map/vote", mapHandler.Vote)

		apiRouter.Get("/statistics/{integration_id}", statisticsHandler.Overview)

		apiRouter.Group(func(private chi.Router) {
			private.Use(s.authorize)
			private.Post("/incidents", intake.Submit)
			private.Route("/admin", func(adminRouter chi.Router) {
				adminRouter.Get("/integrations", admin.ListIntegrations)
				adminRouter.Post("/integrations", admin.CreateIntegration)
				adminRouter.Get("/integrations/{id}", admin.GetIntegration)
				adminRouter.Put("/integrations/{id}", admin.UpdateIntegration)
				adminRouter.Get("/integrations/{id}/mapping", admin.GetMappingConfig)
				adminRouter.Post("/integrations/{id}/mapping", admin.SaveMappingConfig)
				adminRouter.Post("/integrations/{id}/poll", admin.PollIntegration)
				adminRouter.Post("/statistics/rebuild", admin.RebuildStatistics)
			})
		})
	})
	return r
}
