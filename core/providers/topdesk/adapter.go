package topdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/store"
	"meldhub/core/utils"
)

type Adapter struct {
	client  *Client
	catalog *Catalog
	logger  *utils.Logger
}

func NewAdapter(client *Client, catalog *Catalog, logger *utils.Logger) *Adapter {
	return &Adapter{client: client, catalog: catalog, logger: logger}
}

func (a *Adapter) Provider() string {
	return store.ProviderTopdesk
}

func (a *Adapter) Catalog() *Catalog {
	return a.catalog
}

// Resolver adapts the TTL'd catalog cache to the mapping engine's
// reverse-lookup interface for one integration.
func (a *Adapter) Resolver(ctx context.Context, integration *store.Integration) mapping.CatalogResolver {
	return &catalogResolver{ctx: ctx, adapter: a, integration: integration}
}

type catalogResolver struct {
	ctx         context.Context
	adapter     *Adapter
	integration *store.Integration
}

func (r *catalogResolver) Resolve(catalog, label string) (string, bool) {
	settings := r.integration.Settings.Topdesk
	if settings == nil {
		return "", false
	}
	return r.adapter.catalog.Resolve(r.ctx, r.integration.ID, settings, catalog, label)
}

func (a *Adapter) CreateTicket(ctx context.Context, req providers.CreateRequest) (*providers.CreateResult, error) {
	settings := req.Integration.Settings.Topdesk
	if settings == nil {
		return nil, fmt.Errorf("integration %d has no topdesk settings", req.Integration.ID)
	}
	fields := mapping.StripUnset(req.Fields)
	if _, ok := fields[mapping.PropertyBriefDescription]; !ok && req.Title != "" {
		fields[mapping.PropertyBriefDescription] = req.Title
	}
	request := req.Narrative
	if request == "" {
		request = req.Description
	}
	fields["request"] = fmt.Sprintf("%s: \n%s", req.ReportDate.Format("02-01-2006 15:04"), request)

	if req.Reporter != nil {
		if err := a.attachCaller(ctx, settings, req.Reporter, fields); err != nil {
			return nil, err
		}
	}

	raw, err := a.client.call(ctx, settings, http.MethodPost, "/api/incidents", fields)
	if err != nil {
		return nil, err
	}
	var created struct {
		ID               string `json:"id"`
		Number           string `json:"number"`
		ProcessingStatus struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"processingStatus"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	if a.logger != nil {
		a.logger.Printf("topdesk ticket created number=%s id=%s", created.Number, created.ID)
	}
	return &providers.CreateResult{
		ExternalID: created.Number,
		Params: store.ProviderParams{
			Provider: store.ProviderTopdesk,
			Topdesk:  &store.TopdeskParams{TicketID: created.ID, StatusID: created.ProcessingStatus.ID},
		},
	}, nil
}

// attachCaller links the reporter to the ticket. Installations without
// person registration get an inline caller block; otherwise the person
// is created (or updated) in the provider first and referenced by id.
func (a *Adapter) attachCaller(ctx context.Context, settings *store.TopdeskSettings, reporter *store.ReporterUser, fields map[string]any) error {
	if settings.UnregisteredUsers {
		caller := map[string]any{
			"dynamicName": reporter.Name,
			"email":       reporter.Email,
		}
		if settings.CallerBranchID != "" {
			caller["branch"] = map[string]any{"id": settings.CallerBranchID}
		}
		fields["caller"] = caller
		return nil
	}
	person := personPayload(settings, reporter)
	if reporter.ExternalID != "" {
		_, err := a.client.call(ctx, settings, http.MethodPut, "/api/persons/id/"+reporter.ExternalID, person)
		if err != nil {
			return err
		}
		fields["callerLookup"] = map[string]any{"id": reporter.ExternalID}
		return nil
	}
	raw, err := a.client.call(ctx, settings, http.MethodPost, "/api/persons", person)
	if err != nil {
		return err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return err
	}
	reporter.ExternalID = created.ID
	fields["callerLookup"] = map[string]any{"id": created.ID}
	return nil
}

func personPayload(settings *store.TopdeskSettings, reporter *store.ReporterUser) map[string]any {
	firstName := reporter.Name
	surName := ""
	if parts := strings.SplitN(reporter.Name, " ", 2); len(parts) == 2 {
		firstName, surName = parts[0], parts[1]
	}
	if surName == "" {
		surName = "(onbekend)"
	}
	person := map[string]any{
		"email":     reporter.Email,
		"firstName": firstName,
		"surName":   surName,
	}
	if settings.CallerBranchID != "" {
		person["branch"] = map[string]any{"id": settings.CallerBranchID}
	}
	return person
}

func (a *Adapter) ReadTicket(ctx context.Context, integration *store.Integration, externalID string, cfg mapping.Config) (*providers.TicketSnapshot, error) {
	settings := integration.Settings.Topdesk
	if settings == nil {
		return nil, fmt.Errorf("integration %d has no topdesk settings", integration.ID)
	}
	path := "/api/incidents/number/" + url.PathEscape(externalID)
	if len(externalID) == 36 {
		// 36 characters means a provider uuid, not a case number.
		path = "/api/incidents/id/" + externalID
	}
	raw, err := a.client.call(ctx, settings, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var ticket map[string]json.RawMessage
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return nil, fmt.Errorf("parse ticket: %w", err)
	}
	snapshot := &providers.TicketSnapshot{ExternalID: stringField(ticket, "number")}
	if snapshot.ExternalID == "" {
		snapshot.ExternalID = externalID
	}
	var processing struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if rawStatus, ok := ticket["processingStatus"]; ok {
		_ = json.Unmarshal(rawStatus, &processing)
	}
	snapshot.StatusID = processing.ID
	snapshot.StatusName = processing.Name

	var closed bool
	if rawClosed, ok := ticket["closed"]; ok {
		_ = json.Unmarshal(rawClosed, &closed)
	}
	snapshot.Closed = closed
	if t := timeField(ticket, "closedDate"); t != nil {
		snapshot.ClosedAt = t
	}
	if t := timeField(ticket, "creationDate"); t != nil {
		snapshot.CreatedAt = *t
	}
	for _, tagType := range []string{"category", "subcategory"} {
		var ref struct {
			ID string `json:"id"`
		}
		if rawRef, ok := ticket[tagType]; ok {
			if err := json.Unmarshal(rawRef, &ref); err == nil && ref.ID != "" {
				snapshot.Tags = append(snapshot.Tags, store.IncidentTag{Type: tagType, Value: ref.ID})
			}
		}
	}
	snapshot.Geo = geoFromTicket(ticket, cfg)
	return snapshot, nil
}

// geoFromTicket runs the GPS mapping rules in reverse: the rule that
// scattered the location into ticket fields tells us where to read it
// back from.
func geoFromTicket(ticket map[string]json.RawMessage, cfg mapping.Config) *store.GeoPoint {
	for _, rule := range cfg.Rules {
		raw, ok := ticket[rule.TargetProperty]
		if !ok {
			continue
		}
		switch rule.Type {
		case mapping.RuleGPSDual:
			if len(rule.ValueProperties) < 2 {
				continue
			}
			var nested map[string]any
			if err := json.Unmarshal(raw, &nested); err != nil {
				continue
			}
			lat, okLat := coordValue(nested[rule.ValueProperties[0]])
			lon, okLon := coordValue(nested[rule.ValueProperties[1]])
			if okLat && okLon {
				return &store.GeoPoint{Lat: lat, Lon: lon}
			}
		case mapping.RuleGPSSingle:
			if len(rule.ValueProperties) < 1 {
				continue
			}
			var nested map[string]any
			if err := json.Unmarshal(raw, &nested); err != nil {
				continue
			}
			if s, ok := nested[rule.ValueProperties[0]].(string); ok {
				if geo := parseLatLon(s); geo != nil {
					return geo
				}
			}
		case mapping.RuleGPSURL:
			if len(rule.ValueProperties) < 1 {
				continue
			}
			var nested map[string]any
			if err := json.Unmarshal(raw, &nested); err != nil {
				continue
			}
			s, ok := nested[rule.ValueProperties[0]].(string)
			if !ok {
				continue
			}
			parsed, err := url.Parse(s)
			if err != nil {
				continue
			}
			if geo := parseLatLon(parsed.Query().Get("query")); geo != nil {
				return geo
			}
		}
	}
	return nil
}

func coordValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func parseLatLon(s string) *store.GeoPoint {
	parts := strings.SplitN(strings.TrimSpace(s), ",", 2)
	if len(parts) != 2 {
		return nil
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil
	}
	return &store.GeoPoint{Lat: lat, Lon: lon}
}

func stringField(ticket map[string]json.RawMessage, field string) string {
	raw, ok := ticket[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func timeField(ticket map[string]json.RawMessage, field string) *time.Time {
	s := stringField(ticket, field)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
