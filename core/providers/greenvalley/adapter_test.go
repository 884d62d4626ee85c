package greenvalley

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meldhub/core/providers"
	"meldhub/core/store"
)

func testIntegration(baseURL, gatewayURL string) *store.Integration {
	return &store.Integration{
		ID:       3,
		Provider: store.ProviderGreenValley,
		Settings: store.IntegrationSettings{
			Provider: store.ProviderGreenValley,
			GreenValley: &store.GreenValleySettings{
				BaseURL:             baseURL,
				Username:            "suite",
				Password:            "secret",
				GatewayURL:          gatewayURL,
				Realm:               "gemeente",
				GatewayClientID:     "meldingen",
				GatewayClientSecret: "gateway-secret",
				TypeID:              "type-77",
			},
		},
	}
}

func TestCreateTicket(t *testing.T) {
	var body string
	mux := http.NewServeMux()
	mux.HandleFunc("/suite-webservice/ws/rest/cases", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "suite" || pass != "secret" {
			t.Fatal("missing basic auth")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/xml" {
			t.Fatalf("content type = %q", ct)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`<case id="case-123"><date_created>2026-03-10T09:30:00Z</date_created><subject>Sluikstort</subject></case>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewAdapter(NewClient(5*time.Second, nil), nil)
	result, err := adapter.CreateTicket(context.Background(), providers.CreateRequest{
		Integration: testIntegration(server.URL, ""),
		IncidentID:  "inc-1",
		Title:       "Sluikstort",
		Narrative:   "Vuilniszakken naast de glasbol",
		Geo:         &store.GeoPoint{Lat: 51.05, Lon: 3.72},
		Fields:      map[string]any{"zone": "centrum"},
		Reporter:    &store.ReporterUser{ID: "user-1", Name: "Jan Peeters", Email: "jan@example.be"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.ExternalID != "case-123" {
		t.Fatalf("external id = %q", result.ExternalID)
	}
	if result.Params.GreenValley == nil || result.Params.GreenValley.NotificationIDs == nil {
		t.Fatalf("params = %#v", result.Params)
	}

	for _, want := range []string{
		"<type_id>type-77</type_id>",
		"<subject>Sluikstort</subject>",
		"<description>Vuilniszakken naast de glasbol</description>",
		"<field_def_id>zone</field_def_id>",
		"<string_value>centrum</string_value>",
		"<string_value>51.05,3.72</string_value>",
		`<person sequence="1" group_type="REQUESTER">`,
		"<email>jan@example.be</email>",
		"<first_name>Jan</first_name>",
		"<family_name>Peeters</family_name>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("case request missing %q:\n%s", want, body)
		}
	}
	// Schema sequence: type_id first, agents after flexes.
	if strings.Index(body, "<type_id>") > strings.Index(body, "<subject>") {
		t.Fatal("type_id must precede subject")
	}
	if strings.Index(body, "<flexes>") > strings.Index(body, "<agents>") {
		t.Fatal("flexes must precede agents")
	}
}

func TestCreateTicketRequiresContent(t *testing.T) {
	adapter := NewAdapter(NewClient(5*time.Second, nil), nil)
	_, err := adapter.CreateTicket(context.Background(), providers.CreateRequest{
		Integration: testIntegration("http://unused.local", ""),
		IncidentID:  "inc-1",
	})
	if err == nil || !strings.Contains(err.Error(), "not enough information") {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateTicketServerErrorHintsTypeID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := NewAdapter(NewClient(5*time.Second, nil), nil)
	_, err := adapter.CreateTicket(context.Background(), providers.CreateRequest{
		Integration: testIntegration(server.URL, ""),
		IncidentID:  "inc-1",
		Narrative:   "iets",
	})
	if err == nil || !strings.Contains(err.Error(), "type_id") {
		t.Fatalf("err = %v", err)
	}
}

func TestNotificationsUseGatewayToken(t *testing.T) {
	var tokenRequests, apiRequests int
	mux := http.NewServeMux()
	mux.HandleFunc("/external/authorization/intercept/auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "meldingen--gemeente" || pass != "gateway-secret" {
			t.Fatalf("gateway auth = %q/%q", user, pass)
		}
		raw, _ := io.ReadAll(r.Body)
		if string(raw) != "grant_type=client_credentials" {
			t.Fatalf("grant body = %q", raw)
		}
		w.Write([]byte(`{"access_token":"tok-1"}`))
	})
	mux.HandleFunc("/external/api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		apiRequests++
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Fatalf("auth = %q", auth)
		}
		if ref := r.URL.Query().Get("caseReference"); ref != "case-123" {
			t.Fatalf("caseReference = %q", ref)
		}
		w.Write([]byte(`[{"id":"n-1","caseReference":"case-123","message":"Uw melding wordt behandeld.","sentDate":"2026-03-11T10:00:00Z","source":"CASE_MESSAGE"}]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewAdapter(NewClient(5*time.Second, nil), nil)
	settings := testIntegration("", server.URL).Settings.GreenValley

	notifications, err := adapter.Notifications(context.Background(), settings, "case-123")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].ID != "n-1" || notifications[0].Message != "Uw melding wordt behandeld." {
		t.Fatalf("notifications = %#v", notifications)
	}

	// Token is cached: a second call reuses it.
	if _, err := adapter.Notifications(context.Background(), settings, "case-123"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if tokenRequests != 1 || apiRequests != 2 {
		t.Fatalf("token requests = %d, api requests = %d", tokenRequests, apiRequests)
	}
}
