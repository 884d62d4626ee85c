package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"meldhub/config"
	"meldhub/core/incidents"
	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/providers/greenvalley"
	"meldhub/core/store"
	"meldhub/core/tasks"
)

// fakeAdapter serves a canned snapshot for every ReadTicket call.
type fakeAdapter struct {
	provider string
	snapshot providers.TicketSnapshot
}

func (f *fakeAdapter) Provider() string { return f.provider }

func (f *fakeAdapter) CreateTicket(ctx context.Context, req providers.CreateRequest) (*providers.CreateResult, error) {
	return nil, providers.ErrNotSupported
}

func (f *fakeAdapter) ReadTicket(ctx context.Context, integration *store.Integration, externalID string, cfg mapping.Config) (*providers.TicketSnapshot, error) {
	snapshot := f.snapshot
	return &snapshot, nil
}

type testEnv struct {
	engine       *Engine
	incidents    store.IncidentsStore
	integrations store.IntegrationsStore
	service      *incidents.Service
	taskService  *tasks.Service
	tasksStore   store.TasksStore
	fake         *fakeAdapter
	integration  *store.Integration
}

func newTestEnv(t *testing.T, provider string) *testEnv {
	t.Helper()
	db, err := store.NewDB("sqlite", filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	incidentsStore := store.NewIncidentsStore(db)
	integrationsStore := store.NewIntegrationsStore(db)
	usersStore := store.NewUsersStore(db)
	tasksStore := store.NewTasksStore(db)
	taskService := tasks.NewService(tasksStore)

	settings := store.IntegrationSettings{Provider: provider}
	switch provider {
	case store.ProviderTopdesk:
		settings.Topdesk = &store.TopdeskSettings{APIURL: "http://topdesk.local", Username: "api", Password: "secret"}
	case store.ProviderGreenValley:
		settings.GreenValley = &store.GreenValleySettings{BaseURL: "http://gv.local", Username: "suite", Password: "secret"}
	}
	id, err := integrationsStore.CreateIntegration(context.Background(), &store.Integration{
		Provider: provider,
		Name:     "gemeente",
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	integration, err := integrationsStore.GetIntegration(context.Background(), id)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}

	fake := &fakeAdapter{provider: provider}
	registry := providers.NewRegistry(fake)
	cfg := &config.AppConfig{}
	cfg.Incidents.DefaultTitle = "Nieuwe melding"
	service := incidents.NewService(incidentsStore, integrationsStore, usersStore, registry, taskService, cfg, nil)
	engine := NewEngine(incidentsStore, integrationsStore, service, registry, nil, taskService, nil)

	if err := usersStore.UpsertReporter(context.Background(), &store.ReporterUser{
		ID: "user-1", Name: "Jan Peeters", Email: "jan@example.be",
	}); err != nil {
		t.Fatalf("upsert reporter: %v", err)
	}

	return &testEnv{
		engine:       engine,
		incidents:    incidentsStore,
		integrations: integrationsStore,
		service:      service,
		taskService:  taskService,
		tasksStore:   tasksStore,
		fake:         fake,
		integration:  integration,
	}
}

func (env *testEnv) seedIncident(t *testing.T, externalID string) *store.IncidentRecord {
	t.Helper()
	reporter := "user-1"
	rec := &store.IncidentRecord{
		ID:             "inc-" + externalID,
		IntegrationID:  env.integration.ID,
		ReporterUserID: &reporter,
		Source:         store.SourceChatFlow,
		ReportDate:     time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		Status:         store.StatusNew,
		UserConsent:    true,
		Title:          "Sluikstort",
		Description:    "Vuilniszakken naast de glasbol",
		Geo:            &store.GeoPoint{Lat: 51.05, Lon: 3.72},
		ExternalID:     &externalID,
	}
	switch env.integration.Provider {
	case store.ProviderTopdesk:
		rec.ProviderParams = store.ProviderParams{
			Provider: store.ProviderTopdesk,
			Topdesk:  &store.TopdeskParams{TicketID: "ticket-1", StatusID: "status-1"},
		}
	case store.ProviderGreenValley:
		rec.ProviderParams = store.ProviderParams{
			Provider:    store.ProviderGreenValley,
			GreenValley: &store.GreenValleyParams{NotificationIDs: []string{}},
		}
	}
	if err := env.incidents.CreateIncident(context.Background(), rec); err != nil {
		t.Fatalf("seed incident: %v", err)
	}
	return rec
}

func (env *testEnv) pending(t *testing.T) int {
	t.Helper()
	n, err := env.tasksStore.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	return n
}

func (env *testEnv) history(t *testing.T, id string) []store.StatusEntry {
	t.Helper()
	entries, err := env.incidents.ListStatusHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("status history: %v", err)
	}
	return entries
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t, store.ProviderTopdesk)
	rec := env.seedIncident(t, "M 2603 042")
	env.fake.snapshot = providers.TicketSnapshot{
		ExternalID: "M 2603 042",
		StatusID:   "status-2",
		StatusName: "In behandeling",
		Message:    "Wij plannen een ophaling in.",
	}

	if err := env.engine.Reconcile(context.Background(), env.integration, "M 2603 042", ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, err := env.incidents.GetIncident(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.Status != store.StatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ProviderParams.Topdesk.StatusID != "status-2" {
		t.Fatalf("cached status id = %q", got.ProviderParams.Topdesk.StatusID)
	}
	if got.ProviderParams.Topdesk.LastMessage != "Wij plannen een ophaling in." {
		t.Fatalf("cached message = %q", got.ProviderParams.Topdesk.LastMessage)
	}
	if n := env.pending(t); n != 1 {
		t.Fatalf("pending tasks after first pass = %d", n)
	}
	historyLen := len(env.history(t, rec.ID))

	// Replaying the same provider state must not touch anything.
	if err := env.engine.Reconcile(context.Background(), env.integration, "M 2603 042", ""); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	again, err := env.incidents.GetIncident(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("version bumped on no-op replay: %d -> %d", got.Version, again.Version)
	}
	if n := env.pending(t); n != 1 {
		t.Fatalf("pending tasks after replay = %d", n)
	}
	if got := len(env.history(t, rec.ID)); got != historyLen {
		t.Fatalf("history grew on replay: %d -> %d", historyLen, got)
	}
}

// conflictOnceStore loses the first UpdateIncident to a concurrent
// writer and behaves normally afterwards.
type conflictOnceStore struct {
	store.IncidentsStore
	failures int
}

func (s *conflictOnceStore) UpdateIncident(ctx context.Context, rec *store.IncidentRecord, expectedVersion int) error {
	if s.failures > 0 {
		s.failures--
		return store.ErrConflict
	}
	return s.IncidentsStore.UpdateIncident(ctx, rec, expectedVersion)
}

func TestReconcileConflictHoldsBackNotification(t *testing.T) {
	env := newTestEnv(t, store.ProviderTopdesk)
	env.seedIncident(t, "M 7")
	env.fake.snapshot = providers.TicketSnapshot{
		ExternalID: "M 7",
		StatusID:   "status-2",
		StatusName: "In behandeling",
		Message:    "Wij plannen een ophaling in.",
	}
	conflicted := &conflictOnceStore{IncidentsStore: env.incidents, failures: 1}
	engine := NewEngine(conflicted, env.integrations, env.service, providers.NewRegistry(env.fake), nil, env.taskService, nil)

	err := engine.Reconcile(context.Background(), env.integration, "M 7", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reconcile err = %v, want conflict", err)
	}
	// The losing pass never queues the message; the redelivery does,
	// exactly once.
	if n := env.pending(t); n != 0 {
		t.Fatalf("pending after lost update = %d", n)
	}
	if err := engine.Reconcile(context.Background(), env.integration, "M 7", ""); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := env.pending(t); n != 1 {
		t.Fatalf("pending after redelivery = %d", n)
	}
}

func TestReconcileHeaderOnlyNeverNotifies(t *testing.T) {
	env := newTestEnv(t, store.ProviderTopdesk)
	rec := env.seedIncident(t, "M 1")
	if _, err := env.incidents.AppendIncidentStatus(context.Background(), rec.ID, store.StatusInProgress, rec.ReportDate, nil); err != nil {
		t.Fatalf("append status: %v", err)
	}
	// Same status the record already announced, no operator message.
	env.fake.snapshot = providers.TicketSnapshot{ExternalID: "M 1", StatusID: "status-1"}

	if err := env.engine.Reconcile(context.Background(), env.integration, "M 1", ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n := env.pending(t); n != 0 {
		t.Fatalf("pending tasks = %d, want none", n)
	}
}

func TestReconcileClosedTicketResolvesOnce(t *testing.T) {
	env := newTestEnv(t, store.ProviderTopdesk)
	rec := env.seedIncident(t, "M 2")
	closedAt := time.Date(2026, 3, 12, 16, 0, 0, 0, time.UTC)
	env.fake.snapshot = providers.TicketSnapshot{
		ExternalID: "M 2",
		StatusID:   "status-1",
		Closed:     true,
		ClosedAt:   &closedAt,
	}

	for i := 0; i < 2; i++ {
		if err := env.engine.Reconcile(context.Background(), env.integration, "M 2", ""); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}
	got, err := env.incidents.GetIncident(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.Status != store.StatusResolved {
		t.Fatalf("status = %s", got.Status)
	}
	resolved := 0
	for _, entry := range env.history(t, rec.ID) {
		if entry.Status == store.StatusResolved {
			resolved++
		}
	}
	if resolved != 1 {
		t.Fatalf("resolved entries = %d", resolved)
	}
}

func TestReconcileSynthesizesUnknownTicket(t *testing.T) {
	env := newTestEnv(t, store.ProviderTopdesk)
	env.fake.snapshot = providers.TicketSnapshot{
		ExternalID: "M 999",
		StatusID:   "status-1",
		StatusName: "Geregistreerd",
		CreatedAt:  time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
	}

	if err := env.engine.Reconcile(context.Background(), env.integration, "M 999", ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rec, err := env.incidents.FindIncidentByExternalID(context.Background(), env.integration.ID, "M 999")
	if err != nil {
		t.Fatalf("find synthesized incident: %v", err)
	}
	if rec.Source != store.SourceExternalWeb {
		t.Fatalf("source = %s", rec.Source)
	}
	if rec.Visible {
		t.Fatal("externally created ticket must stay off the map")
	}
	if rec.Status != store.StatusInProgress {
		t.Fatalf("status = %s", rec.Status)
	}
	// No reporter on a web-form ticket, so nothing to notify.
	if n := env.pending(t); n != 0 {
		t.Fatalf("pending tasks = %d", n)
	}
}

func TestGreenValleyNotificationLedger(t *testing.T) {
	env := newTestEnv(t, store.ProviderGreenValley)
	rec := env.seedIncident(t, "case-9")

	first := greenvalley.Notification{
		ID:            "n-1",
		CaseReference: "case-9",
		Message:       "Uw melding is geregistreerd.",
		SentDate:      "2026-03-10T09:31:00Z",
	}
	// The first notification echoes the reporter's own submission and is
	// recorded without being delivered.
	if err := env.engine.HandleGreenValleyNotification(context.Background(), env.integration, first); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if n := env.pending(t); n != 0 {
		t.Fatalf("pending after first notification = %d", n)
	}

	second := greenvalley.Notification{
		ID:            "n-2",
		CaseReference: "case-9",
		Message:       "Wij zijn ter plaatse geweest.",
		SentDate:      "2026-03-11T10:00:00Z",
	}
	if err := env.engine.HandleGreenValleyNotification(context.Background(), env.integration, second); err != nil {
		t.Fatalf("second notification: %v", err)
	}
	if n := env.pending(t); n != 1 {
		t.Fatalf("pending after second notification = %d", n)
	}

	got, err := env.incidents.GetIncident(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if ids := got.ProviderParams.GreenValley.NotificationIDs; len(ids) != 2 {
		t.Fatalf("ledger = %v", ids)
	}

	// Replaying an already-recorded notification is a no-op.
	if err := env.engine.HandleGreenValleyNotification(context.Background(), env.integration, second); err != nil {
		t.Fatalf("replay: %v", err)
	}
	again, err := env.incidents.GetIncident(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if again.Version != got.Version {
		t.Fatalf("version bumped on replay: %d -> %d", got.Version, again.Version)
	}
	if n := env.pending(t); n != 1 {
		t.Fatalf("pending after replay = %d", n)
	}
}

func TestMergeTags(t *testing.T) {
	rec := &store.IncidentRecord{Tags: []store.IncidentTag{
		{Type: "category", Value: "cat-old"},
		{Type: "zone", Value: "centrum"},
	}}
	incoming := []store.IncidentTag{
		{Type: "category", Value: "cat-1"},
		{Type: "subcategory", Value: "sub-2"},
	}
	if !mergeTags(rec, incoming) {
		t.Fatal("merge reported no change")
	}
	if len(rec.Tags) != 3 {
		t.Fatalf("tags = %#v", rec.Tags)
	}
	byType := map[string]string{}
	for _, tag := range rec.Tags {
		byType[tag.Type] = tag.Value
	}
	if byType["category"] != "cat-1" || byType["subcategory"] != "sub-2" || byType["zone"] != "centrum" {
		t.Fatalf("merged tags = %#v", rec.Tags)
	}
	// A second pass with the same snapshot changes nothing.
	if mergeTags(rec, incoming) {
		t.Fatal("identical snapshot reported a change")
	}
}
