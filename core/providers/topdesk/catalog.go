package topdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"meldhub/core/store"
)

// Catalog names accepted by reverse-lookup mapping rules.
const (
	CatalogEntryType     = "entryType"
	CatalogCallType      = "callType"
	CatalogCategory      = "category"
	CatalogSubcategory   = "subcategory"
	CatalogBranch        = "branch"
	CatalogLocation      = "location"
	CatalogOperator      = "operator"
	CatalogOperatorGroup = "operatorGroup"
)

var catalogEndpoints = map[string]string{
	CatalogEntryType:     "/api/incidents/entry_types",
	CatalogCallType:      "/api/incidents/call_types",
	CatalogCategory:      "/api/incidents/categories",
	CatalogSubcategory:   "/api/incidents/subcategories",
	CatalogBranch:        "/api/branches",
	CatalogLocation:      "/api/locations",
	CatalogOperator:      "/api/operators",
	CatalogOperatorGroup: "/api/operatorgroups",
}

type CatalogItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type catalogEntry struct {
	items     []CatalogItem
	fetchedAt time.Time
}

// Catalog caches the provider's lookup tables per integration with a
// declared TTL and an explicit invalidation hook.
type Catalog struct {
	mu      sync.Mutex
	client  *Client
	ttl     time.Duration
	entries map[string]catalogEntry
}

func NewCatalog(client *Client, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{
		client:  client,
		ttl:     ttl,
		entries: map[string]catalogEntry{},
	}
}

func (c *Catalog) key(integrationID int64, catalog string) string {
	return fmt.Sprintf("%d/%s", integrationID, catalog)
}

func (c *Catalog) Items(ctx context.Context, integrationID int64, settings *store.TopdeskSettings, catalog string) ([]CatalogItem, error) {
	endpoint, ok := catalogEndpoints[catalog]
	if !ok {
		return nil, fmt.Errorf("unknown catalog %q", catalog)
	}
	key := c.key(integrationID, catalog)
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.items, nil
	}

	raw, err := c.client.call(ctx, settings, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var items []CatalogItem
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.entries[key] = catalogEntry{items: items, fetchedAt: time.Now()}
	c.mu.Unlock()
	return items, nil
}

func (c *Catalog) Invalidate(integrationID int64) {
	prefix := fmt.Sprintf("%d/", integrationID)
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Resolve matches a label case-insensitively against the catalog and
// returns the first hit's id.
func (c *Catalog) Resolve(ctx context.Context, integrationID int64, settings *store.TopdeskSettings, catalog, label string) (string, bool) {
	items, err := c.Items(ctx, integrationID, settings, catalog)
	if err != nil {
		return "", false
	}
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.Name), strings.TrimSpace(label)) {
			return item.ID, true
		}
	}
	return "", false
}
