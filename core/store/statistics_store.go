package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// StatisticsRow is one incident's footprint inside a month:
// [id, statuses this month, tags, location]. Kept as a positional array
// for the dashboard contract.
type StatisticsRow struct {
	IncidentID string
	Statuses   []IncidentStatus
	Tags       []string
	Location   []float64
}

func (r StatisticsRow) MarshalJSON() ([]byte, error) {
	statuses := make([]string, 0, len(r.Statuses))
	for _, s := range r.Statuses {
		statuses = append(statuses, string(s))
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	loc := r.Location
	if loc == nil {
		loc = []float64{}
	}
	return json.Marshal([]any{r.IncidentID, statuses, tags, loc})
}

func (r *StatisticsRow) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 4 {
		return errors.New("statistics row must have 4 elements")
	}
	if err := json.Unmarshal(parts[0], &r.IncidentID); err != nil {
		return err
	}
	var statuses []string
	if err := json.Unmarshal(parts[1], &statuses); err != nil {
		return err
	}
	r.Statuses = r.Statuses[:0]
	for _, s := range statuses {
		r.Statuses = append(r.Statuses, IncidentStatus(s))
	}
	if err := json.Unmarshal(parts[2], &r.Tags); err != nil {
		return err
	}
	return json.Unmarshal(parts[3], &r.Location)
}

type MonthStatistics struct {
	IntegrationID int64           `json:"integration_id"`
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	Rows          []StatisticsRow `json:"data"`
	UpdatedAt     time.Time       `json:"-"`
}

type YearStatistics struct {
	IntegrationID int64 `json:"integration_id"`
	Year          int   `json:"year"`
	ResolvedCount int   `json:"resolved_count"`
}

type StatisticsStore interface {
	SaveMonth(ctx context.Context, stats *MonthStatistics) error
	GetMonth(ctx context.Context, integrationID int64, year, month int) (*MonthStatistics, error)
	ListMonths(ctx context.Context, integrationID int64) (map[int][]int, error)
	DeleteAllMonths(ctx context.Context, integrationID int64) error

	SaveYear(ctx context.Context, stats *YearStatistics) error
	GetYear(ctx context.Context, integrationID int64, year int) (*YearStatistics, error)
	ListMonthResolvedCounts(ctx context.Context, integrationID int64, year int) ([]int, error)

	// MarkAnnouncementShown records the once-per-user-per-month banner
	// guard; it reports false when the user already saw it.
	MarkAnnouncementShown(ctx context.Context, userID string, year, month int) (bool, error)
}

type statisticsStore struct {
	db *sql.DB
}

func NewStatisticsStore(db *sql.DB) StatisticsStore {
	return &statisticsStore{db: db}
}

func (s *statisticsStore) SaveMonth(ctx context.Context, stats *MonthStatistics) error {
	stats.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(stats.Rows)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incident_statistics SET data_json=?, updated_at=? WHERE integration_id=? AND year=? AND month=?`,
		string(data), stats.UpdatedAt, stats.IntegrationID, stats.Year, stats.Month)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO incident_statistics(integration_id, year, month, data_json, updated_at)
			VALUES(?,?,?,?,?)`, stats.IntegrationID, stats.Year, stats.Month, string(data), stats.UpdatedAt)
	}
	return err
}

func (s *statisticsStore) GetMonth(ctx context.Context, integrationID int64, year, month int) (*MonthStatistics, error) {
	stats := &MonthStatistics{IntegrationID: integrationID, Year: year, Month: month}
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data_json, updated_at FROM incident_statistics WHERE integration_id=? AND year=? AND month=?`,
		integrationID, year, month).Scan(&data, &stats.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &stats.Rows); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *statisticsStore) ListMonths(ctx context.Context, integrationID int64) (map[int][]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, month FROM incident_statistics WHERE integration_id=? ORDER BY year DESC, month DESC`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int][]int{}
	for rows.Next() {
		var year, month int
		if err := rows.Scan(&year, &month); err != nil {
			return nil, err
		}
		out[year] = append(out[year], month)
	}
	return out, rows.Err()
}

func (s *statisticsStore) DeleteAllMonths(ctx context.Context, integrationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM incident_statistics WHERE integration_id=?`, integrationID)
	return err
}

func (s *statisticsStore) SaveYear(ctx context.Context, stats *YearStatistics) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incident_statistics_year SET resolved_count=?, updated_at=? WHERE integration_id=? AND year=?`,
		stats.ResolvedCount, now, stats.IntegrationID, stats.Year)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO incident_statistics_year(integration_id, year, resolved_count, updated_at)
			VALUES(?,?,?,?)`, stats.IntegrationID, stats.Year, stats.ResolvedCount, now)
	}
	return err
}

func (s *statisticsStore) GetYear(ctx context.Context, integrationID int64, year int) (*YearStatistics, error) {
	stats := &YearStatistics{IntegrationID: integrationID, Year: year}
	err := s.db.QueryRowContext(ctx, `
		SELECT resolved_count FROM incident_statistics_year WHERE integration_id=? AND year=?`,
		integrationID, year).Scan(&stats.ResolvedCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return stats, nil
}

func (s *statisticsStore) ListMonthResolvedCounts(ctx context.Context, integrationID int64, year int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data_json FROM incident_statistics WHERE integration_id=? AND year=?`, integrationID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []int
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var monthRows []StatisticsRow
		if err := json.Unmarshal([]byte(data), &monthRows); err != nil {
			return nil, err
		}
		count := 0
		for _, r := range monthRows {
			for _, st := range r.Statuses {
				if st == StatusResolved {
					count++
					break
				}
			}
		}
		counts = append(counts, count)
	}
	return counts, rows.Err()
}

func (s *statisticsStore) MarkAnnouncementShown(ctx context.Context, userID string, year, month int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_announcements(user_id, year, month, created_at) VALUES(?,?,?,?)`,
		userID, year, month, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
