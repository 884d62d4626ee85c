package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedIntegration(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	id, err := NewIntegrationsStore(db).CreateIntegration(context.Background(), &Integration{
		Provider: ProviderTopdesk,
		Name:     "gemeente",
		Settings: IntegrationSettings{
			Provider: ProviderTopdesk,
			Topdesk:  &TopdeskSettings{APIURL: "http://topdesk.local", Username: "api", Password: "secret"},
		},
	})
	if err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return id
}

func seedIncident(t *testing.T, db *sql.DB, integrationID int64, id string) *IncidentRecord {
	t.Helper()
	rec := &IncidentRecord{
		ID:            id,
		IntegrationID: integrationID,
		Source:        SourceChatFlow,
		ReportDate:    time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		Status:        StatusNew,
		UserConsent:   true,
		Title:         "Sluikstort",
		Description:   "Vuilniszakken naast de glasbol",
		Geo:           &GeoPoint{Lat: 51.05, Lon: 3.72},
		H3Cell:        "88192aa4b3fffff",
	}
	if err := NewIncidentsStore(db).CreateIncident(context.Background(), rec); err != nil {
		t.Fatalf("seed incident: %v", err)
	}
	return rec
}
