package providers

import (
	"context"
	"errors"
	"time"

	"meldhub/core/mapping"
	"meldhub/core/store"
)

var ErrNotSupported = errors.New("operation not supported by provider")

// CreateRequest bundles the mapping engine output with the incident
// identity the ticket is created for.
type CreateRequest struct {
	Integration *store.Integration
	IncidentID  string
	ReportDate  time.Time
	Fields      map[string]any
	Title       string
	Description string
	Narrative   string
	Geo         *store.GeoPoint
	Reporter    *store.ReporterUser
	Attachments []mapping.FileRef
}

type CreateResult struct {
	ExternalID string
	Params     store.ProviderParams
}

// TicketSnapshot is the canonical read-back shape every adapter
// normalizes its provider's ticket into.
type TicketSnapshot struct {
	ExternalID string
	StatusID   string
	StatusName string
	Closed     bool
	ClosedAt   *time.Time
	CreatedAt  time.Time
	Message    string
	Tags       []store.IncidentTag
	Geo        *store.GeoPoint
}

// Adapter is implemented once per external case-management system.
// CreateTicket failures are fatal to the caller; only the deferred
// follow-ups (attachments, polls) are retried.
type Adapter interface {
	Provider() string
	CreateTicket(ctx context.Context, req CreateRequest) (*CreateResult, error)
	// ReadTicket fetches the ticket's current full state. The mapping
	// config is passed so adapters that scatter the location over
	// mapped properties can fold it back into a geo point.
	ReadTicket(ctx context.Context, integration *store.Integration, externalID string, cfg mapping.Config) (*TicketSnapshot, error)
}

// Registry resolves the adapter owning an integration.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	reg := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		reg.adapters[a.Provider()] = a
	}
	return reg
}

func (r *Registry) For(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}
