package statistics

import (
	"context"
	"time"

	"meldhub/core/store"
	"meldhub/core/tasks"
	"meldhub/core/utils"
)

// Aggregator precomputes monthly per-incident rows so the public
// statistics endpoint never scans the incident table.
type Aggregator struct {
	incidents    store.IncidentsStore
	integrations store.IntegrationsStore
	statistics   store.StatisticsStore
	tasks        *tasks.Service
	logger       *utils.Logger
}

func NewAggregator(incidents store.IncidentsStore, integrations store.IntegrationsStore,
	statisticsStore store.StatisticsStore, taskService *tasks.Service, logger *utils.Logger) *Aggregator {
	return &Aggregator{
		incidents:    incidents,
		integrations: integrations,
		statistics:   statisticsStore,
		tasks:        taskService,
		logger:       logger,
	}
}

// BuildMonth aggregates one integration month. The incident set is the
// union of everything reported in the month, resolved in the month, and
// still unresolved; incidents without any transition in the month get a
// synthetic in-progress marker when they predate it, and are skipped
// otherwise.
func (a *Aggregator) BuildMonth(ctx context.Context, integrationID int64, year, month int) error {
	minDate := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	maxDate := minDate.AddDate(0, 1, 0)

	seen := map[string]store.IncidentRecord{}
	reported, err := a.incidents.ListIncidentsReportedBetween(ctx, integrationID, minDate, maxDate)
	if err != nil {
		return err
	}
	for _, rec := range reported {
		seen[rec.ID] = rec
	}
	resolved, err := a.incidents.ListIncidentsResolvedBetween(ctx, integrationID, minDate, maxDate)
	if err != nil {
		return err
	}
	for _, rec := range resolved {
		seen[rec.ID] = rec
	}
	unresolved, err := a.incidents.ListUnresolvedIncidents(ctx, integrationID)
	if err != nil {
		return err
	}
	for _, rec := range unresolved {
		seen[rec.ID] = rec
	}

	var data []store.StatisticsRow
	for _, rec := range seen {
		history, err := a.incidents.ListStatusHistory(ctx, rec.ID)
		if err != nil {
			return err
		}
		var statuses []store.IncidentStatus
		for _, entry := range history {
			if entry.OccurredAt.UTC().Year() != year || entry.OccurredAt.UTC().Month() != time.Month(month) {
				continue
			}
			// Each status appears once, with the last occurrence
			// deciding the order. A reopened incident therefore ends on
			// in_progress even after a resolve earlier in the month.
			for i, existing := range statuses {
				if existing == entry.Status {
					statuses = append(statuses[:i], statuses[i+1:]...)
					break
				}
			}
			statuses = append(statuses, entry.Status)
		}
		if len(statuses) == 0 {
			if minDate.After(rec.ReportDate) {
				statuses = []store.IncidentStatus{store.StatusInProgress}
			} else {
				continue
			}
		}
		row := store.StatisticsRow{
			IncidentID: rec.ID,
			Statuses:   statuses,
		}
		for _, tag := range rec.Tags {
			row.Tags = append(row.Tags, tag.String())
		}
		if rec.Geo != nil {
			row.Location = []float64{rec.Geo.Lat, rec.Geo.Lon}
		}
		data = append(data, row)
	}
	if len(data) == 0 {
		return nil
	}
	record := &store.MonthStatistics{IntegrationID: integrationID, Year: year, Month: month, Rows: data}
	if err := a.statistics.SaveMonth(ctx, record); err != nil {
		return err
	}
	if a.logger != nil {
		a.logger.Printf("built statistics for integration %d %d-%02d: %d incidents", integrationID, year, month, len(data))
	}
	return a.rollupYear(ctx, integrationID, year)
}

func (a *Aggregator) rollupYear(ctx context.Context, integrationID int64, year int) error {
	counts, err := a.statistics.ListMonthResolvedCounts(ctx, integrationID, year)
	if err != nil {
		return err
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	return a.statistics.SaveYear(ctx, &store.YearStatistics{IntegrationID: integrationID, Year: year, ResolvedCount: total})
}

// BuildCurrentMonth runs the nightly aggregation across every
// integration.
func (a *Aggregator) BuildCurrentMonth(ctx context.Context, now time.Time) error {
	integrations, err := a.integrations.ListIntegrations(ctx)
	if err != nil {
		return err
	}
	now = now.UTC()
	var firstErr error
	for _, integration := range integrations {
		if err := a.BuildMonth(ctx, integration.ID, now.Year(), int(now.Month())); err != nil {
			if a.logger != nil {
				a.logger.Errorf("statistics for integration %d: %v", integration.ID, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RebuildAll drops every month and replays from the oldest report. Tag
// catalogs are refreshed afterwards so the dashboard's labels match.
func (a *Aggregator) RebuildAll(ctx context.Context, now time.Time) error {
	integrations, err := a.integrations.ListIntegrations(ctx)
	if err != nil {
		return err
	}
	for _, integration := range integrations {
		if err := a.statistics.DeleteAllMonths(ctx, integration.ID); err != nil {
			return err
		}
	}
	oldest, err := a.incidents.OldestReportDate(ctx)
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}
	cursor := time.Date(oldest.Year(), oldest.Month(), 1, 0, 0, 0, 0, time.UTC)
	now = now.UTC()
	for cursor.Before(now) {
		for _, integration := range integrations {
			if err := a.BuildMonth(ctx, integration.ID, cursor.Year(), int(cursor.Month())); err != nil {
				return err
			}
		}
		cursor = cursor.AddDate(0, 1, 0)
	}
	for _, integration := range integrations {
		if integration.Provider != store.ProviderTopdesk {
			continue
		}
		payload := tasks.RefreshTagsPayload{IntegrationID: integration.ID}
		if err := a.tasks.EnqueueNow(ctx, tasks.KindRefreshTags, payload); err != nil && a.logger != nil {
			a.logger.Errorf("enqueue tag refresh for integration %d: %v", integration.ID, err)
		}
	}
	return nil
}
