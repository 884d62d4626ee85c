package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"meldhub/core/geosearch"
	"meldhub/core/incidents"
	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/providers/greenvalley"
	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

// User-facing update lines, in the reporter's language.
const (
	msgHeader     = "Uw melding is geüpdatet."
	msgStatusLine = "De huidige status van uw melding is nu \"%s\""
)

// Engine folds provider-side ticket state back into incident records.
// Every entry point is idempotent: replaying the same webhook or poll
// leaves the record, its status history and the notification ledger
// unchanged.
type Engine struct {
	incidents    store.IncidentsStore
	integrations store.IntegrationsStore
	service      *incidents.Service
	registry     *providers.Registry
	greenValley  *greenvalley.Adapter
	tasks        *tasks.Service
	logger       *utils.Logger
}

func NewEngine(incidentsStore store.IncidentsStore, integrations store.IntegrationsStore, service *incidents.Service,
	registry *providers.Registry, gv *greenvalley.Adapter, taskService *tasks.Service, logger *utils.Logger) *Engine {
	return &Engine{
		incidents:    incidentsStore,
		integrations: integrations,
		service:      service,
		registry:     registry,
		greenValley:  gv,
		tasks:        taskService,
		logger:       logger,
	}
}

// Reconcile fetches the ticket behind externalID and applies its state.
// message carries the operator text from a webhook payload, empty on
// scheduled polls.
func (e *Engine) Reconcile(ctx context.Context, integration *store.Integration, externalID, message string) error {
	adapter, ok := e.registry.For(integration.Provider)
	if !ok {
		return fmt.Errorf("no adapter for provider %s", integration.Provider)
	}
	cfg, err := e.mappingConfig(ctx, integration.ID)
	if err != nil {
		return err
	}
	snapshot, err := adapter.ReadTicket(ctx, integration, externalID, cfg)
	if err != nil {
		if errors.Is(err, providers.ErrNotSupported) {
			return nil
		}
		return err
	}
	if message != "" {
		snapshot.Message = message
	}

	rec, err := e.incidents.FindIncidentByExternalID(ctx, integration.ID, snapshot.ExternalID)
	if errors.Is(err, store.ErrNotFound) && snapshot.ExternalID != externalID {
		// Webhooks may address the ticket by uuid while the record
		// stores the case number.
		rec, err = e.incidents.FindIncidentByExternalID(ctx, integration.ID, externalID)
	}
	if errors.Is(err, store.ErrNotFound) {
		rec, err = e.synthesizeIncident(ctx, integration, snapshot)
	}
	if err != nil {
		return err
	}
	return e.applySnapshot(ctx, rec, snapshot)
}

// synthesizeIncident records a ticket that was opened outside this
// system, typically via the municipality's web form. It stays hidden:
// there is no consent and usually no usable location.
func (e *Engine) synthesizeIncident(ctx context.Context, integration *store.Integration, snapshot *providers.TicketSnapshot) (*store.IncidentRecord, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	reportDate := snapshot.CreatedAt
	if reportDate.IsZero() {
		reportDate = time.Now().UTC()
	}
	externalID := snapshot.ExternalID
	rec := &store.IncidentRecord{
		ID:            id.String(),
		IntegrationID: integration.ID,
		Source:        store.SourceExternalWeb,
		ReportDate:    reportDate,
		Status:        store.StatusNew,
		ExternalID:    &externalID,
		ProviderParams: store.ProviderParams{
			Provider: integration.Provider,
		},
	}
	switch integration.Provider {
	case store.ProviderTopdesk:
		rec.ProviderParams.Topdesk = &store.TopdeskParams{}
	case store.ProviderGreenValley:
		rec.ProviderParams.GreenValley = &store.GreenValleyParams{NotificationIDs: []string{}}
	}
	if err := e.incidents.CreateIncident(ctx, rec); err != nil {
		return nil, err
	}
	if e.logger != nil {
		e.logger.Printf("recorded externally created ticket %s as incident %s", externalID, rec.ID)
	}
	return rec, nil
}

func (e *Engine) applySnapshot(ctx context.Context, rec *store.IncidentRecord, snapshot *providers.TicketSnapshot) error {
	if err := e.applyStatus(ctx, rec, snapshot); err != nil {
		return err
	}

	// Re-read: applyStatus may have bumped the cached row.
	rec, err := e.incidents.GetIncident(ctx, rec.ID)
	if err != nil {
		return err
	}

	changed := false
	if len(snapshot.Tags) > 0 && mergeTags(rec, snapshot.Tags) {
		changed = true
	}
	if rec.Geo == nil && snapshot.Geo != nil {
		rec.Geo = snapshot.Geo
		rec.H3Cell = geosearch.CellFor(rec.Geo)
		changed = true
	}
	text, announced := e.recordNotification(rec, snapshot)
	if announced {
		changed = true
	}
	if !changed {
		return nil
	}
	// The announcement ledger must be durable before the message is
	// queued: if this update loses a concurrent race the provider
	// redelivers, and an already-queued message would go out twice.
	if err := e.incidents.UpdateIncident(ctx, rec, rec.Version); err != nil {
		return err
	}
	if text != "" {
		e.enqueueNotification(ctx, rec, text)
	}
	return nil
}

func (e *Engine) applyStatus(ctx context.Context, rec *store.IncidentRecord, snapshot *providers.TicketSnapshot) error {
	if snapshot.Closed {
		closedAt := time.Now().UTC()
		if snapshot.ClosedAt != nil {
			closedAt = *snapshot.ClosedAt
		}
		if rec.Status != store.StatusResolved {
			if _, err := e.service.SetStatus(ctx, rec.ID, store.StatusResolved, closedAt); err != nil {
				return err
			}
		}
		return nil
	}
	switch rec.Status {
	case store.StatusNew:
		// The operator picked the ticket up; backdate the transition to
		// the report so the month statistics count it as handled.
		_, err := e.service.SetStatus(ctx, rec.ID, store.StatusInProgress, rec.ReportDate)
		return err
	case store.StatusResolved:
		// Reopened on the provider side.
		_, err := e.service.SetStatus(ctx, rec.ID, store.StatusInProgress, time.Now().UTC())
		return err
	}
	return nil
}

// recordNotification composes the update message and marks it as
// announced on the record. The message is returned rather than queued
// so the caller can persist the ledger first. The header alone is
// never worth sending.
func (e *Engine) recordNotification(rec *store.IncidentRecord, snapshot *providers.TicketSnapshot) (string, bool) {
	params := rec.ProviderParams.Topdesk
	if params == nil {
		return "", false
	}
	changed := false
	lines := []string{msgHeader}
	if snapshot.StatusID != "" && snapshot.StatusID != params.StatusID {
		if snapshot.StatusName != "" {
			lines = append(lines, fmt.Sprintf(msgStatusLine, snapshot.StatusName))
		}
		params.StatusID = snapshot.StatusID
		changed = true
	}
	message := strings.TrimSpace(snapshot.Message)
	if message != "" && message != params.LastMessage {
		lines = append(lines, message)
		params.LastMessage = message
		changed = true
	}
	if len(lines) > 1 && rec.ReporterUserID != nil {
		return strings.Join(lines, "\n"), changed
	}
	return "", changed
}

func (e *Engine) enqueueNotification(ctx context.Context, rec *store.IncidentRecord, text string) {
	if rec.ReporterUserID == nil {
		return
	}
	payload := tasks.SendNotificationPayload{
		IncidentID: rec.ID,
		UserID:     *rec.ReporterUserID,
		Message:    text,
	}
	if err := e.tasks.EnqueueNow(ctx, tasks.KindSendNotification, payload); err != nil && e.logger != nil {
		e.logger.Errorf("enqueue notification for incident %s: %v", rec.ID, err)
	}
}

// mergeTags replaces the provider-sourced tag types with the snapshot's
// values, keeping tags of other types untouched.
func mergeTags(rec *store.IncidentRecord, incoming []store.IncidentTag) bool {
	incomingTypes := map[string]bool{}
	for _, tag := range incoming {
		incomingTypes[tag.Type] = true
	}
	var kept []store.IncidentTag
	for _, tag := range rec.Tags {
		if !incomingTypes[tag.Type] {
			kept = append(kept, tag)
		}
	}
	merged := append(kept, incoming...)
	if tagsEqual(rec.Tags, merged) {
		return false
	}
	rec.Tags = merged
	return true
}

func tagsEqual(a, b []store.IncidentTag) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, tag := range a {
		seen[tag.String()]++
	}
	for _, tag := range b {
		seen[tag.String()]--
		if seen[tag.String()] < 0 {
			return false
		}
	}
	return true
}

// HandleGreenValleyNotification applies one gateway notification. The
// first notification for a case repeats the reporter's own submission,
// so it is recorded but never delivered.
func (e *Engine) HandleGreenValleyNotification(ctx context.Context, integration *store.Integration, n greenvalley.Notification) error {
	if n.CaseReference == "" {
		return errors.New("notification has no case reference")
	}
	rec, err := e.incidents.FindIncidentByExternalID(ctx, integration.ID, n.CaseReference)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = e.synthesizeGreenValleyIncident(ctx, integration, n)
	}
	if err != nil {
		return err
	}
	params := rec.ProviderParams.GreenValley
	if params == nil {
		params = &store.GreenValleyParams{}
		rec.ProviderParams.Provider = store.ProviderGreenValley
		rec.ProviderParams.GreenValley = params
	}
	for _, seen := range params.NotificationIDs {
		if seen == n.ID {
			return nil
		}
	}
	params.NotificationIDs = append(params.NotificationIDs, n.ID)
	// Ledger first, delivery second: a failed update means the gateway
	// retries, and the message must not already sit in the queue.
	if err := e.incidents.UpdateIncident(ctx, rec, rec.Version); err != nil {
		return err
	}
	if rec.ReporterUserID != nil && len(params.NotificationIDs) > 1 {
		if message := strings.TrimSpace(n.Message); message != "" {
			e.enqueueNotification(ctx, rec, message)
		}
	}
	return nil
}

func (e *Engine) synthesizeGreenValleyIncident(ctx context.Context, integration *store.Integration, n greenvalley.Notification) (*store.IncidentRecord, error) {
	settings := integration.Settings.GreenValley
	if settings == nil {
		return nil, fmt.Errorf("integration %d has no green valley settings", integration.ID)
	}
	snapshot, err := e.greenValley.ReadTicket(ctx, integration, n.CaseReference, mapping.Config{})
	if err != nil {
		return nil, err
	}
	rec, err := e.synthesizeIncident(ctx, integration, snapshot)
	if err != nil {
		return nil, err
	}
	if sentAt, parseErr := time.Parse(time.RFC3339, n.SentDate); parseErr == nil {
		if _, err := e.service.SetStatus(ctx, rec.ID, store.StatusInProgress, sentAt.UTC()); err != nil {
			return nil, err
		}
	}
	return e.incidents.GetIncident(ctx, rec.ID)
}

// PollIntegration walks every open ticket of the integration. Topdesk
// tickets are re-read directly; green valley cases are driven by their
// notification feed.
func (e *Engine) PollIntegration(ctx context.Context, integrationID int64) error {
	integration, err := e.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	open, err := e.incidents.ListOpenWithExternalID(ctx, integration.ID, 500)
	if err != nil {
		return err
	}
	var firstErr error
	for _, rec := range open {
		if rec.ExternalID == nil {
			continue
		}
		switch integration.Provider {
		case store.ProviderGreenValley:
			err = e.pollGreenValleyCase(ctx, integration, *rec.ExternalID)
		default:
			err = e.Reconcile(ctx, integration, *rec.ExternalID, "")
		}
		if err != nil {
			if e.logger != nil {
				e.logger.Errorf("poll incident %s (%s): %v", rec.ID, *rec.ExternalID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) pollGreenValleyCase(ctx context.Context, integration *store.Integration, caseReference string) error {
	settings := integration.Settings.GreenValley
	if settings == nil {
		return fmt.Errorf("integration %d has no green valley settings", integration.ID)
	}
	notifications, err := e.greenValley.Notifications(ctx, settings, caseReference)
	if err != nil {
		return err
	}
	for _, n := range notifications {
		if err := e.HandleGreenValleyNotification(ctx, integration, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mappingConfig(ctx context.Context, integrationID int64) (mapping.Config, error) {
	record, err := e.integrations.LatestMappingConfigAny(ctx, integrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mapping.Config{}, nil
		}
		return mapping.Config{}, err
	}
	var rules []mapping.Rule
	if err := json.Unmarshal(record.RulesJSON, &rules); err != nil {
		return mapping.Config{}, err
	}
	return mapping.Config{Rules: rules}, nil
}
