package topdesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/store"
)

func testAdapter(t *testing.T, handler http.Handler) (*Adapter, *store.Integration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(5*time.Second, nil)
	adapter := NewAdapter(client, NewCatalog(client, time.Hour), nil)
	integration := &store.Integration{
		ID:       1,
		Provider: store.ProviderTopdesk,
		Settings: store.IntegrationSettings{
			Provider: store.ProviderTopdesk,
			Topdesk: &store.TopdeskSettings{
				APIURL:            server.URL,
				Username:          "api",
				Password:          "secret",
				UnregisteredUsers: true,
			},
		},
	}
	return adapter, integration
}

func TestCreateTicket(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/incidents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "api" || pass != "secret" {
			t.Fatal("missing basic auth")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":               "f5d1c2aa-0000-0000-0000-000000000001",
			"number":           "M 2603 042",
			"processingStatus": map[string]string{"id": "status-1", "name": "Geregistreerd"},
		})
	})
	adapter, integration := testAdapter(t, mux)

	reportDate := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	result, err := adapter.CreateTicket(context.Background(), providers.CreateRequest{
		Integration: integration,
		IncidentID:  "inc-1",
		ReportDate:  reportDate,
		Title:       "Sluikstort",
		Narrative:   "Vuilniszakken naast de glasbol",
		Fields: map[string]any{
			"category": map[string]any{"id": "cat-1"},
			"callType": map[string]any{"id": ""},
		},
		Reporter: &store.ReporterUser{ID: "user-1", Name: "Jan Peeters", Email: "jan@example.be"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.ExternalID != "M 2603 042" {
		t.Fatalf("external id = %q", result.ExternalID)
	}
	if result.Params.Topdesk == nil || result.Params.Topdesk.TicketID != "f5d1c2aa-0000-0000-0000-000000000001" {
		t.Fatalf("params = %#v", result.Params)
	}
	if result.Params.Topdesk.StatusID != "status-1" {
		t.Fatalf("status id = %q", result.Params.Topdesk.StatusID)
	}

	if got["briefDescription"] != "Sluikstort" {
		t.Fatalf("briefDescription = %v", got["briefDescription"])
	}
	if got["request"] != "10-03-2026 09:30: \nVuilniszakken naast de glasbol" {
		t.Fatalf("request = %q", got["request"])
	}
	if _, ok := got["callType"]; ok {
		t.Fatal("unset relation sent to provider")
	}
	caller, ok := got["caller"].(map[string]any)
	if !ok || caller["dynamicName"] != "Jan Peeters" {
		t.Fatalf("caller = %#v", got["caller"])
	}
}

func TestReadTicket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/incidents/number/M 2603 042", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"number":           "M 2603 042",
			"closed":           true,
			"closedDate":       "2026-03-12T16:00:00Z",
			"creationDate":     "2026-03-10T09:30:00Z",
			"processingStatus": map[string]string{"id": "status-3", "name": "Afgemeld"},
			"category":         map[string]string{"id": "cat-1"},
			"subcategory":      map[string]string{"id": "sub-2"},
			"optionalFields1":  map[string]any{"number1": 51.05, "number2": 3.72},
		})
	})
	adapter, integration := testAdapter(t, mux)

	cfg := mapping.Config{Rules: []mapping.Rule{{
		Type:            mapping.RuleGPSDual,
		TargetProperty:  "optionalFields1",
		ValueProperties: []string{"number1", "number2"},
	}}}
	snapshot, err := adapter.ReadTicket(context.Background(), integration, "M 2603 042", cfg)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !snapshot.Closed || snapshot.ClosedAt == nil || !snapshot.ClosedAt.Equal(time.Date(2026, 3, 12, 16, 0, 0, 0, time.UTC)) {
		t.Fatalf("closed = %v at %v", snapshot.Closed, snapshot.ClosedAt)
	}
	if snapshot.StatusID != "status-3" || snapshot.StatusName != "Afgemeld" {
		t.Fatalf("status = %s/%s", snapshot.StatusID, snapshot.StatusName)
	}
	if len(snapshot.Tags) != 2 || snapshot.Tags[0].Value != "cat-1" {
		t.Fatalf("tags = %#v", snapshot.Tags)
	}
	if snapshot.Geo == nil || snapshot.Geo.Lat != 51.05 || snapshot.Geo.Lon != 3.72 {
		t.Fatalf("geo = %#v", snapshot.Geo)
	}
}

func TestReadTicketGPSSingleRoundTrip(t *testing.T) {
	cfg := mapping.Config{Rules: []mapping.Rule{{
		Type:              mapping.RuleGPSSingle,
		SourceComponentID: "where",
		TargetProperty:    "optionalFields2",
		ValueProperties:   []string{"text1"},
	}}}
	mapped := mapping.Apply(mapping.Submission{Answers: []mapping.Answer{{
		ComponentID: "where", Kind: mapping.KindGeo, Positive: true,
		Geo: &mapping.GeoPoint{Lat: 51.05, Lon: 3.72},
	}}}, mapping.Definition{}, cfg, nil, "x")

	// Serve the field exactly as the mapping wrote it: what goes into
	// the ticket must come back out as a location.
	mux := http.NewServeMux()
	mux.HandleFunc("/api/incidents/number/M 1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"number":          "M 1",
			"optionalFields2": mapped.ProviderFields["optionalFields2"],
		})
	})
	adapter, integration := testAdapter(t, mux)

	snapshot, err := adapter.ReadTicket(context.Background(), integration, "M 1", cfg)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snapshot.Geo == nil || snapshot.Geo.Lat != 51.05 || snapshot.Geo.Lon != 3.72 {
		t.Fatalf("geo = %#v", snapshot.Geo)
	}
}

func TestCatalogResolveAndTTL(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/incidents/categories", func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]CatalogItem{
			{ID: "cat-1", Name: "Verlichting"},
			{ID: "cat-2", Name: "Wegdek"},
		})
	})
	adapter, integration := testAdapter(t, mux)
	settings := integration.Settings.Topdesk

	id, ok := adapter.Catalog().Resolve(context.Background(), integration.ID, settings, CatalogCategory, "verlichting")
	if !ok || id != "cat-1" {
		t.Fatalf("resolve = %q, %v", id, ok)
	}
	// Second lookup hits the cache.
	if _, ok := adapter.Catalog().Resolve(context.Background(), integration.ID, settings, CatalogCategory, "Wegdek"); !ok {
		t.Fatal("cached resolve failed")
	}
	if calls != 1 {
		t.Fatalf("catalog fetched %d times", calls)
	}
	adapter.Catalog().Invalidate(integration.ID)
	if _, ok := adapter.Catalog().Resolve(context.Background(), integration.ID, settings, CatalogCategory, "Wegdek"); !ok {
		t.Fatal("resolve after invalidate failed")
	}
	if calls != 2 {
		t.Fatalf("catalog fetched %d times after invalidate", calls)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/incidents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`[{"message":"briefDescription mag niet leeg zijn"}]`))
	})
	adapter, integration := testAdapter(t, mux)
	_, err := adapter.CreateTicket(context.Background(), providers.CreateRequest{
		Integration: integration,
		IncidentID:  "inc-1",
		ReportDate:  time.Now(),
		Fields:      map[string]any{},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err type %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}
