package statistics

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meldhub/core/store"
	"meldhub/core/tasks"
)

type statsEnv struct {
	db            *sql.DB
	aggregator    *Aggregator
	incidents     store.IncidentsStore
	statistics    store.StatisticsStore
	integrationID int64
}

func newStatsEnv(t *testing.T) *statsEnv {
	t.Helper()
	db, err := store.NewDB("sqlite", filepath.Join(t.TempDir(), "statistics.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	incidentsStore := store.NewIncidentsStore(db)
	integrationsStore := store.NewIntegrationsStore(db)
	statisticsStore := store.NewStatisticsStore(db)
	taskService := tasks.NewService(store.NewTasksStore(db))

	integrationID, err := integrationsStore.CreateIntegration(context.Background(), &store.Integration{
		Provider: store.ProviderTopdesk,
		Name:     "gemeente",
		Settings: store.IntegrationSettings{
			Provider: store.ProviderTopdesk,
			Topdesk:  &store.TopdeskSettings{APIURL: "http://topdesk.local", Username: "api", Password: "secret"},
		},
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}

	return &statsEnv{
		db:            db,
		aggregator:    NewAggregator(incidentsStore, integrationsStore, statisticsStore, taskService, nil),
		incidents:     incidentsStore,
		statistics:    statisticsStore,
		integrationID: integrationID,
	}
}

func (env *statsEnv) seedIncident(t *testing.T, id string, reported time.Time, tags []store.IncidentTag) {
	t.Helper()
	rec := &store.IncidentRecord{
		ID:            id,
		IntegrationID: env.integrationID,
		Source:        store.SourceChatFlow,
		ReportDate:    reported,
		Status:        store.StatusNew,
		UserConsent:   true,
		Title:         "Sluikstort",
		Description:   "Vuilniszakken naast de glasbol",
		Geo:           &store.GeoPoint{Lat: 51.05, Lon: 3.72},
		Tags:          tags,
	}
	if err := env.incidents.CreateIncident(context.Background(), rec); err != nil {
		t.Fatalf("seed incident %s: %v", id, err)
	}
}

func (env *statsEnv) transition(t *testing.T, id string, status store.IncidentStatus, at time.Time) {
	t.Helper()
	if _, err := env.incidents.AppendIncidentStatus(context.Background(), id, status, at, nil); err != nil {
		t.Fatalf("transition %s to %s: %v", id, status, err)
	}
}

func rowsByIncident(t *testing.T, month *store.MonthStatistics) map[string]store.StatisticsRow {
	t.Helper()
	rows := map[string]store.StatisticsRow{}
	for _, row := range month.Rows {
		rows[row.IncidentID] = row
	}
	return rows
}

func statusStrings(statuses []store.IncidentStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ",")
}

func TestBuildMonth(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()

	// Reported and resolved inside the month.
	env.seedIncident(t, "inc-a", time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC),
		[]store.IncidentTag{{Type: "category", Value: "cat-1"}})
	env.transition(t, "inc-a", store.StatusResolved, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC))

	// Reported the month before, untouched since: carried as a synthetic
	// in-progress marker.
	env.seedIncident(t, "inc-b", time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC), nil)

	// Reported in the month, still new.
	env.seedIncident(t, "inc-c", time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC), nil)

	// Reported after the month: no transitions fall inside it, and it
	// does not predate the month either, so it is skipped.
	env.seedIncident(t, "inc-d", time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC), nil)

	// Resolved and then reopened in the month: the per-status dedup keeps
	// the last occurrence, so the row ends on in_progress.
	env.seedIncident(t, "inc-e", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), nil)
	env.transition(t, "inc-e", store.StatusResolved, time.Date(2026, 3, 8, 16, 0, 0, 0, time.UTC))
	env.transition(t, "inc-e", store.StatusInProgress, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))

	if err := env.aggregator.BuildMonth(ctx, env.integrationID, 2026, 3); err != nil {
		t.Fatalf("build month: %v", err)
	}
	month, err := env.statistics.GetMonth(ctx, env.integrationID, 2026, 3)
	if err != nil {
		t.Fatalf("get month: %v", err)
	}
	rows := rowsByIncident(t, month)
	if len(rows) != 4 {
		t.Fatalf("rows = %d: %#v", len(rows), rows)
	}
	if _, ok := rows["inc-d"]; ok {
		t.Fatal("future incident leaked into the month")
	}
	if got := statusStrings(rows["inc-a"].Statuses); got != "new,resolved" {
		t.Fatalf("inc-a statuses = %s", got)
	}
	if got := statusStrings(rows["inc-b"].Statuses); got != "in_progress" {
		t.Fatalf("inc-b statuses = %s", got)
	}
	if got := statusStrings(rows["inc-c"].Statuses); got != "new" {
		t.Fatalf("inc-c statuses = %s", got)
	}
	if got := statusStrings(rows["inc-e"].Statuses); got != "new,resolved,in_progress" {
		t.Fatalf("inc-e statuses = %s", got)
	}
	if tags := rows["inc-a"].Tags; len(tags) != 1 || tags[0] != "category:cat-1" {
		t.Fatalf("inc-a tags = %v", tags)
	}
	if loc := rows["inc-a"].Location; len(loc) != 2 || loc[0] != 51.05 || loc[1] != 3.72 {
		t.Fatalf("inc-a location = %v", loc)
	}
}

func TestBuildMonthRollsUpYear(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()

	env.seedIncident(t, "inc-a", time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), nil)
	env.transition(t, "inc-a", store.StatusResolved, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC))
	env.seedIncident(t, "inc-b", time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC), nil)
	env.transition(t, "inc-b", store.StatusResolved, time.Date(2026, 4, 6, 16, 0, 0, 0, time.UTC))
	env.seedIncident(t, "inc-c", time.Date(2026, 4, 3, 10, 0, 0, 0, time.UTC), nil)

	if err := env.aggregator.BuildMonth(ctx, env.integrationID, 2026, 3); err != nil {
		t.Fatalf("build march: %v", err)
	}
	if err := env.aggregator.BuildMonth(ctx, env.integrationID, 2026, 4); err != nil {
		t.Fatalf("build april: %v", err)
	}

	year, err := env.statistics.GetYear(ctx, env.integrationID, 2026)
	if err != nil {
		t.Fatalf("get year: %v", err)
	}
	if year.ResolvedCount != 2 {
		t.Fatalf("resolved count = %d", year.ResolvedCount)
	}
}

func TestBuildMonthSkipsEmptyMonth(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()

	if err := env.aggregator.BuildMonth(ctx, env.integrationID, 2025, 7); err != nil {
		t.Fatalf("build month: %v", err)
	}
	if _, err := env.statistics.GetMonth(ctx, env.integrationID, 2025, 7); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRebuildAllReplaysFromOldestReport(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()

	env.seedIncident(t, "inc-a", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), nil)
	env.transition(t, "inc-a", store.StatusResolved, time.Date(2026, 2, 3, 16, 0, 0, 0, time.UTC))
	env.seedIncident(t, "inc-b", time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), nil)

	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	if err := env.aggregator.RebuildAll(ctx, now); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	months, err := env.statistics.ListMonths(ctx, env.integrationID)
	if err != nil {
		t.Fatalf("list months: %v", err)
	}
	if got := months[2026]; len(got) != 3 {
		t.Fatalf("months for 2026 = %v", got)
	}
}

func TestMapAnnouncementOncePerMonth(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	if err := env.statistics.SaveYear(ctx, &store.YearStatistics{
		IntegrationID: env.integrationID, Year: 2026, ResolvedCount: 3,
	}); err != nil {
		t.Fatalf("save year: %v", err)
	}

	banner, err := env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-1", now)
	if err != nil {
		t.Fatalf("announcement: %v", err)
	}
	if banner == nil || !strings.Contains(banner.Message, "3") {
		t.Fatalf("banner = %#v", banner)
	}

	// Already shown to this user this month.
	banner, err = env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-1", now)
	if err != nil {
		t.Fatalf("second announcement: %v", err)
	}
	if banner != nil {
		t.Fatalf("banner repeated: %#v", banner)
	}

	// Other users still get it.
	banner, err = env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-2", now)
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	if banner == nil {
		t.Fatal("banner withheld from a fresh user")
	}

	// The same user sees it again next month.
	banner, err = env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-1", now.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("next month: %v", err)
	}
	if banner == nil {
		t.Fatal("banner withheld the next month")
	}
}

func TestMapAnnouncementThreshold(t *testing.T) {
	env := newStatsEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	// No year statistics at all.
	banner, err := env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-1", now)
	if err != nil || banner != nil {
		t.Fatalf("banner = %#v, err = %v", banner, err)
	}

	// A single resolved report is not worth announcing.
	if err := env.statistics.SaveYear(ctx, &store.YearStatistics{
		IntegrationID: env.integrationID, Year: 2026, ResolvedCount: 1,
	}); err != nil {
		t.Fatalf("save year: %v", err)
	}
	banner, err = env.aggregator.MapAnnouncement(ctx, env.integrationID, "user-1", now)
	if err != nil || banner != nil {
		t.Fatalf("banner = %#v, err = %v", banner, err)
	}

	// Anonymous map visitors never get the banner.
	banner, err = env.aggregator.MapAnnouncement(ctx, env.integrationID, "", now)
	if err != nil || banner != nil {
		t.Fatalf("banner = %#v, err = %v", banner, err)
	}
}
