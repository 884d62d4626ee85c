package topdesk

import (
	"context"
	"encoding/json"
	"fmt"

	"meldhub/core/store"
)

// TagSaver is the slice of the integrations store the tag refresh
// needs.
type TagSaver interface {
	SaveTagMapping(ctx context.Context, tm *store.TagMapping) error
}

// RefreshTags snapshots the provider's category and subcategory
// catalogs into the tag mapping, so the statistics dashboard can label
// tag ids without calling the provider.
func (a *Adapter) RefreshTags(ctx context.Context, integration *store.Integration, saver TagSaver) error {
	settings := integration.Settings.Topdesk
	if settings == nil {
		return fmt.Errorf("integration %d has no topdesk settings", integration.ID)
	}
	a.catalog.Invalidate(integration.ID)

	categories, err := a.catalog.Items(ctx, integration.ID, settings, CatalogCategory)
	if err != nil {
		return err
	}
	subcategories, err := a.catalog.Items(ctx, integration.ID, settings, CatalogSubcategory)
	if err != nil {
		return err
	}
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return err
	}
	subJSON, err := json.Marshal(subcategories)
	if err != nil {
		return err
	}
	if a.logger != nil {
		a.logger.Printf("refreshed tag mapping for integration %d: %d categories, %d subcategories",
			integration.ID, len(categories), len(subcategories))
	}
	return saver.SaveTagMapping(ctx, &store.TagMapping{
		IntegrationID: integration.ID,
		Categories:    catJSON,
		Subcategories: subJSON,
	})
}
