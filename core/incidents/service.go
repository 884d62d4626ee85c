package incidents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"meldhub/config"
	"meldhub/core/geosearch"
	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

// resolverProvider is implemented by adapters whose catalogs back
// reverse-lookup mapping rules.
type resolverProvider interface {
	Resolver(ctx context.Context, integration *store.Integration) mapping.CatalogResolver
}

type Service struct {
	incidents    store.IncidentsStore
	integrations store.IntegrationsStore
	users        store.UsersStore
	registry     *providers.Registry
	tasks        *tasks.Service
	cfg          *config.AppConfig
	logger       *utils.Logger
}

func NewService(incidents store.IncidentsStore, integrations store.IntegrationsStore, users store.UsersStore,
	registry *providers.Registry, taskService *tasks.Service, cfg *config.AppConfig, logger *utils.Logger) *Service {
	return &Service{
		incidents:    incidents,
		integrations: integrations,
		users:        users,
		registry:     registry,
		tasks:        taskService,
		cfg:          cfg,
		logger:       logger,
	}
}

type SubmitRequest struct {
	IntegrationID int64
	FormRef       string
	Source        string
	ReportDate    time.Time
	Reporter      *store.ReporterUser
	Submission    mapping.Submission
	Definition    mapping.Definition
	SourceParams  store.SourceParams
}

// Submit runs a form submission through the mapping engine, files the
// provider ticket synchronously and only then persists the incident.
// Ticket creation failure fails the whole submission and leaves no
// record behind; only follow-ups (attachments, index refresh) are
// deferred.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*store.IncidentRecord, error) {
	integration, err := s.integrations.GetIntegration(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.registry.For(integration.Provider)
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", integration.Provider)
	}
	cfg, err := s.mappingConfig(ctx, integration.ID, req.FormRef)
	if err != nil {
		return nil, err
	}

	var resolver mapping.CatalogResolver
	if rp, ok := adapter.(resolverProvider); ok {
		resolver = rp.Resolver(ctx, integration)
	}
	result := mapping.Apply(req.Submission, req.Definition, cfg, resolver, s.cfg.Incidents.DefaultTitle)
	if s.logger != nil {
		for _, componentID := range result.SkippedSensitive {
			s.logger.Printf("form %s: sensitive component %s withheld from the ticket", req.FormRef, componentID)
		}
	}

	if req.Reporter != nil {
		if err := s.users.UpsertReporter(ctx, req.Reporter); err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	reportDate := req.ReportDate
	if reportDate.IsZero() {
		reportDate = time.Now().UTC()
	}
	rec := &store.IncidentRecord{
		ID:            id.String(),
		IntegrationID: integration.ID,
		Source:        req.Source,
		ReportDate:    reportDate.UTC(),
		Status:        store.StatusNew,
		UserConsent:   result.Consent,
		Title:         result.Title,
		Description:   result.Narrative,
		SourceParams:  req.SourceParams,
	}
	if req.Reporter != nil {
		rec.ReporterUserID = &req.Reporter.ID
	}
	if result.Geo != nil {
		rec.Geo = &store.GeoPoint{Lat: result.Geo.Lat, Lon: result.Geo.Lon}
		rec.H3Cell = geosearch.CellFor(rec.Geo)
	}
	rec.Visible = rec.ComputeVisible()

	// The ticket is filed before the record is written: a provider
	// failure must not leave an incident that tracks no ticket.
	created, err := adapter.CreateTicket(ctx, providers.CreateRequest{
		Integration: integration,
		IncidentID:  rec.ID,
		ReportDate:  rec.ReportDate,
		Fields:      result.ProviderFields,
		Title:       result.Title,
		Description: result.Description,
		Narrative:   result.Narrative,
		Geo:         rec.Geo,
		Reporter:    req.Reporter,
		Attachments: result.Attachments,
	})
	if err != nil {
		return nil, err
	}
	rec.ExternalID = &created.ExternalID
	rec.ProviderParams = created.Params
	if err := s.incidents.CreateIncident(ctx, rec); err != nil {
		return nil, err
	}

	s.enqueueFollowUps(ctx, integration, rec, result.Attachments)
	return rec, nil
}

func (s *Service) mappingConfig(ctx context.Context, integrationID int64, formRef string) (mapping.Config, error) {
	record, err := s.integrations.LatestMappingConfig(ctx, integrationID, formRef)
	if err != nil {
		if err == store.ErrNotFound {
			// No mapping means nothing feeds provider fields; the
			// narrative still carries every answer.
			return mapping.Config{}, nil
		}
		return mapping.Config{}, err
	}
	var rules []mapping.Rule
	if err := json.Unmarshal(record.RulesJSON, &rules); err != nil {
		return mapping.Config{}, fmt.Errorf("mapping config %d: %w", record.ID, err)
	}
	return mapping.Config{Rules: rules}, nil
}

func (s *Service) enqueueFollowUps(ctx context.Context, integration *store.Integration, rec *store.IncidentRecord, attachments []mapping.FileRef) {
	if integration.Provider == store.ProviderTopdesk && rec.ProviderParams.Topdesk != nil {
		for _, att := range attachments {
			payload := tasks.UploadAttachmentPayload{
				IntegrationID: integration.ID,
				IncidentID:    rec.ID,
				TicketID:      rec.ProviderParams.Topdesk.TicketID,
				FileURL:       att.URL,
				FileName:      att.Name,
			}
			if err := s.tasks.EnqueueNow(ctx, tasks.KindUploadAttachment, payload); err != nil && s.logger != nil {
				s.logger.Errorf("enqueue attachment for incident %s: %v", rec.ID, err)
			}
		}
	}
	if err := s.tasks.EnqueueNow(ctx, tasks.KindRefreshIndex, tasks.RefreshIndexPayload{IncidentID: rec.ID}); err != nil && s.logger != nil {
		s.logger.Errorf("enqueue index refresh for incident %s: %v", rec.ID, err)
	}
}

// SetStatus appends a lifecycle transition. Resolving starts the
// cleanup grace clock when one is configured; any other status clears
// it so a reopened incident stays on the map.
func (s *Service) SetStatus(ctx context.Context, id string, status store.IncidentStatus, at time.Time) (*store.IncidentRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	var cleanupDate *time.Time
	if status == store.StatusResolved {
		if grace := s.cfg.CleanupGrace(); grace > 0 {
			d := at.UTC().Add(grace)
			cleanupDate = &d
		}
	}
	return s.incidents.AppendIncidentStatus(ctx, id, status, at.UTC(), cleanupDate)
}

// RefreshIndex recomputes the cached visibility and index cell for one
// incident. Retries through the queue if the record is mid-update.
func (s *Service) RefreshIndex(ctx context.Context, id string) error {
	rec, err := s.incidents.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	rec.H3Cell = geosearch.CellFor(rec.Geo)
	return s.incidents.UpdateIncident(ctx, rec, rec.Version)
}

// Cleanup hides every incident whose grace period lapsed.
func (s *Service) Cleanup(ctx context.Context, now time.Time) (int, error) {
	due, err := s.incidents.ListCleanupDue(ctx, now.UTC(), 500)
	if err != nil {
		return 0, err
	}
	hidden := 0
	for _, rec := range due {
		if err := s.incidents.HideIncident(ctx, rec.ID); err != nil {
			if s.logger != nil {
				s.logger.Errorf("hide incident %s: %v", rec.ID, err)
			}
			continue
		}
		hidden++
	}
	if hidden > 0 && s.logger != nil {
		s.logger.Printf("cleanup hid %d resolved incidents", hidden)
	}
	return hidden, nil
}
