package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

type IncidentStatus string

const (
	StatusNew        IncidentStatus = "new"
	StatusInProgress IncidentStatus = "in_progress"
	StatusResolved   IncidentStatus = "resolved"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

const (
	SourceChatFlow    = "chat_flow"
	SourceDynamicForm = "dynamic_form"
	SourceExternalWeb = "external_web"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type IncidentTag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (t IncidentTag) String() string {
	return t.Type + ":" + t.Value
}

type StatusEntry struct {
	Status     IncidentStatus `json:"status"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// TopdeskParams caches the last provider state announced to the
// reporter. Reconciliation compares the fresh snapshot against these
// before composing an update message, so a replayed webhook never
// notifies twice.
type TopdeskParams struct {
	// TicketID is the provider's uuid, needed for attachment uploads;
	// the external id on the record is the human-facing case number.
	TicketID    string `json:"ticket_id,omitempty"`
	StatusID    string `json:"status_id,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
}

type GreenValleyParams struct {
	NotificationIDs []string `json:"notification_ids,omitempty"`
}

// ProviderParams is a closed union keyed by Provider; exactly one of
// the variant pointers is set for incidents owned by that provider.
type ProviderParams struct {
	Provider    string             `json:"provider,omitempty"`
	Topdesk     *TopdeskParams     `json:"topdesk,omitempty"`
	GreenValley *GreenValleyParams `json:"green_valley,omitempty"`
}

type ChatSourceParams struct {
	ParentMessageID string `json:"parent_message_id,omitempty"`
	FlowRunID       string `json:"flow_run_id,omitempty"`
}

type FormSourceParams struct {
	FormID       int64 `json:"form_id,omitempty"`
	SubmissionID int64 `json:"submission_id,omitempty"`
}

// SourceParams records how the report entered the system; reconciliation
// uses it to reply into the original conversation thread.
type SourceParams struct {
	Type string            `json:"type,omitempty"`
	Chat *ChatSourceParams `json:"chat,omitempty"`
	Form *FormSourceParams `json:"form,omitempty"`
}

type IncidentRecord struct {
	ID             string         `json:"id"`
	IntegrationID  int64          `json:"integration_id"`
	ReporterUserID *string        `json:"reporter_user_id,omitempty"`
	Source         string         `json:"source"`
	ReportDate     time.Time      `json:"report_date"`
	Status         IncidentStatus `json:"status"`
	UserConsent    bool           `json:"user_consent"`
	Visible        bool           `json:"visible"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Geo            *GeoPoint      `json:"geo_location,omitempty"`
	H3Cell         string         `json:"-"`
	ExternalID     *string        `json:"external_id,omitempty"`
	ProviderParams ProviderParams `json:"provider_params,omitempty"`
	SourceParams   SourceParams   `json:"source_params,omitempty"`
	Tags           []IncidentTag  `json:"tags,omitempty"`
	CleanupDate    *time.Time     `json:"cleanup_date,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version"`
}

// ComputeVisible evaluates the public-map gate: consent plus a complete
// title, description and location. Stores call it on every write so the
// column can never drift from its inputs.
func (r *IncidentRecord) ComputeVisible() bool {
	return r.UserConsent &&
		strings.TrimSpace(r.Title) != "" &&
		strings.TrimSpace(r.Description) != "" &&
		r.Geo != nil
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, rec *IncidentRecord) error
	UpdateIncident(ctx context.Context, rec *IncidentRecord, expectedVersion int) error
	GetIncident(ctx context.Context, id string) (*IncidentRecord, error)
	FindIncidentByExternalID(ctx context.Context, integrationID int64, externalID string) (*IncidentRecord, error)
	AppendIncidentStatus(ctx context.Context, id string, status IncidentStatus, at time.Time, cleanupDate *time.Time) (*IncidentRecord, error)
	ListStatusHistory(ctx context.Context, id string) ([]StatusEntry, error)

	ListIncidentsReportedBetween(ctx context.Context, integrationID int64, from, to time.Time) ([]IncidentRecord, error)
	ListIncidentsResolvedBetween(ctx context.Context, integrationID int64, from, to time.Time) ([]IncidentRecord, error)
	ListUnresolvedIncidents(ctx context.Context, integrationID int64) ([]IncidentRecord, error)
	OldestReportDate(ctx context.Context) (*time.Time, error)

	ListVisibleByCells(ctx context.Context, cells []string, status IncidentStatus, offset, limit int) ([]IncidentRecord, error)
	ListOpenWithExternalID(ctx context.Context, integrationID int64, limit int) ([]IncidentRecord, error)
	ListCleanupDue(ctx context.Context, now time.Time, limit int) ([]IncidentRecord, error)
	HideIncident(ctx context.Context, id string) error
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, integration_id, reporter_user_id, source, report_date, status, user_consent, visible, title, description, lat, lon, h3_cell, external_id, provider_params_json, source_params_json, tags_json, cleanup_date, created_at, updated_at, version`

func (s *incidentsStore) CreateIncident(ctx context.Context, rec *IncidentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("incident id is required")
	}
	if !rec.Status.Valid() {
		rec.Status = StatusNew
	}
	now := time.Now().UTC()
	if rec.ReportDate.IsZero() {
		rec.ReportDate = now
	}
	rec.Visible = rec.ComputeVisible()
	if rec.Version <= 0 {
		rec.Version = 1
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var lat, lon any
	if rec.Geo != nil {
		lat, lon = rec.Geo.Lat, rec.Geo.Lon
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents(`+incidentColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.IntegrationID, nullableStr(rec.ReporterUserID), rec.Source, rec.ReportDate, string(rec.Status),
		boolToInt(rec.UserConsent), boolToInt(rec.Visible), rec.Title, rec.Description, lat, lon, rec.H3Cell,
		nullableStr(rec.ExternalID), providerParamsToJSON(rec.ProviderParams), sourceParamsToJSON(rec.SourceParams),
		tagsToJSON(rec.Tags), nullableTime(rec.CleanupDate), rec.CreatedAt, rec.UpdatedAt, rec.Version)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_status_log(incident_id, status, occurred_at) VALUES(?,?,?)`,
		rec.ID, string(rec.Status), rec.ReportDate); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *incidentsStore) UpdateIncident(ctx context.Context, rec *IncidentRecord, expectedVersion int) error {
	rec.Visible = rec.ComputeVisible()
	now := time.Now().UTC()
	var lat, lon any
	if rec.Geo != nil {
		lat, lon = rec.Geo.Lat, rec.Geo.Lon
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET reporter_user_id=?, user_consent=?, visible=?, title=?, description=?, lat=?, lon=?, h3_cell=?,
			external_id=?, provider_params_json=?, source_params_json=?, tags_json=?, cleanup_date=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`,
		nullableStr(rec.ReporterUserID), boolToInt(rec.UserConsent), boolToInt(rec.Visible), rec.Title, rec.Description,
		lat, lon, rec.H3Cell, nullableStr(rec.ExternalID), providerParamsToJSON(rec.ProviderParams),
		sourceParamsToJSON(rec.SourceParams), tagsToJSON(rec.Tags), nullableTime(rec.CleanupDate), now,
		rec.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = now
	return nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id string) (*IncidentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *incidentsStore) FindIncidentByExternalID(ctx context.Context, integrationID int64, externalID string) (*IncidentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE integration_id=? AND external_id=?`, integrationID, externalID)
	return scanIncident(row)
}

// AppendIncidentStatus is the only status writer. A same-status call is
// a no-op; otherwise the log row and the cached column move inside one
// transaction guarded by the version column, which serializes
// concurrent reconciliations of the same incident.
func (s *incidentsStore) AppendIncidentStatus(ctx context.Context, id string, status IncidentStatus, at time.Time, cleanupDate *time.Time) (*IncidentRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	rec, err := scanIncident(row)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if rec.Status == status {
		tx.Rollback()
		return rec, nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_status_log(incident_id, status, occurred_at) VALUES(?,?,?)`,
		id, string(status), at.UTC()); err != nil {
		tx.Rollback()
		return nil, err
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents SET status=?, cleanup_date=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(status), nullableTime(cleanupDate), now, id, rec.Version)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if affected == 0 {
		tx.Rollback()
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rec.Status = status
	rec.CleanupDate = cleanupDate
	rec.UpdatedAt = now
	rec.Version++
	return rec, nil
}

func (s *incidentsStore) ListStatusHistory(ctx context.Context, id string) ([]StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, occurred_at FROM incident_status_log WHERE incident_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var status string
		if err := rows.Scan(&status, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Status = IncidentStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *incidentsStore) ListIncidentsReportedBetween(ctx context.Context, integrationID int64, from, to time.Time) ([]IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE integration_id=? AND report_date>=? AND report_date<? ORDER BY report_date`, integrationID, from, to)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) ListIncidentsResolvedBetween(ctx context.Context, integrationID int64, from, to time.Time) ([]IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedIncidentColumns("i")+` FROM incidents i
		JOIN incident_status_log l ON l.incident_id = i.id
		WHERE i.integration_id=? AND l.status=? AND l.occurred_at>=? AND l.occurred_at<?
		ORDER BY i.report_date`, integrationID, string(StatusResolved), from, to)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) ListUnresolvedIncidents(ctx context.Context, integrationID int64) ([]IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE integration_id=? AND status!=? ORDER BY report_date`, integrationID, string(StatusResolved))
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) OldestReportDate(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MIN(report_date) FROM incidents`).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	val := t.Time
	return &val, nil
}

func (s *incidentsStore) ListVisibleByCells(ctx context.Context, cells []string, status IncidentStatus, offset, limit int) ([]IncidentRecord, error) {
	if len(cells) == 0 || limit <= 0 {
		return nil, nil
	}
	args := make([]any, 0, len(cells)+3)
	placeholders := make([]string, 0, len(cells))
	for _, c := range cells {
		placeholders = append(placeholders, "?")
		args = append(args, c)
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE visible=1 AND h3_cell IN (` + strings.Join(placeholders, ",") + `)`
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY report_date DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) ListOpenWithExternalID(ctx context.Context, integrationID int64, limit int) ([]IncidentRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE integration_id=? AND status!=? AND external_id IS NOT NULL
		ORDER BY updated_at LIMIT ?`, integrationID, string(StatusResolved), limit)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) ListCleanupDue(ctx context.Context, now time.Time, limit int) ([]IncidentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE cleanup_date IS NOT NULL AND cleanup_date<? AND visible=1 LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanIncidents(rows)
}

func (s *incidentsStore) HideIncident(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET visible=0, cleanup_date=NULL, updated_at=?, version=version+1 WHERE id=?`,
		time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*IncidentRecord, error) {
	var (
		rec          IncidentRecord
		reporter     sql.NullString
		status       string
		consent      int
		visible      int
		lat, lon     sql.NullFloat64
		externalID   sql.NullString
		providerJSON string
		sourceJSON   string
		tagsJSON     string
		cleanup      sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.IntegrationID, &reporter, &rec.Source, &rec.ReportDate, &status, &consent, &visible,
		&rec.Title, &rec.Description, &lat, &lon, &rec.H3Cell, &externalID, &providerJSON, &sourceJSON, &tagsJSON,
		&cleanup, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = IncidentStatus(status)
	rec.UserConsent = consent != 0
	rec.Visible = visible != 0
	if reporter.Valid {
		v := reporter.String
		rec.ReporterUserID = &v
	}
	if lat.Valid && lon.Valid {
		rec.Geo = &GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	if externalID.Valid {
		v := externalID.String
		rec.ExternalID = &v
	}
	if cleanup.Valid {
		v := cleanup.Time
		rec.CleanupDate = &v
	}
	rec.ProviderParams = parseProviderParams(providerJSON)
	rec.SourceParams = parseSourceParams(sourceJSON)
	rec.Tags = parseTags(tagsJSON)
	return &rec, nil
}

func scanIncidents(rows *sql.Rows) ([]IncidentRecord, error) {
	defer rows.Close()
	var out []IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func prefixedIncidentColumns(alias string) string {
	parts := strings.Split(incidentColumns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func providerParamsToJSON(p ProviderParams) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseProviderParams(raw string) ProviderParams {
	var p ProviderParams
	if strings.TrimSpace(raw) == "" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

func sourceParamsToJSON(p SourceParams) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseSourceParams(raw string) SourceParams {
	var p SourceParams
	if strings.TrimSpace(raw) == "" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

func tagsToJSON(tags []IncidentTag) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseTags(raw string) []IncidentTag {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var tags []IncidentTag
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func nullableStr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	return v.UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
