package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	ProviderTopdesk     = "topdesk"
	ProviderThreep      = "threep"
	ProviderGreenValley = "green_valley"
)

type TopdeskSettings struct {
	APIURL         string `json:"api_url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	CallerBranchID string `json:"caller_branch_id,omitempty"`
	// UnregisteredUsers files tickets with an inline caller block
	// instead of creating persons in the provider.
	UnregisteredUsers bool `json:"unregistered_users,omitempty"`
}

type ThreepSettings struct {
	ObjectPrefix string `json:"object_prefix"`
	CityID       string `json:"city_id"`
}

// GreenValleySettings carries both credential sets: basic auth for the
// case web service, and the gateway's client-credentials pair for the
// notification API.
type GreenValleySettings struct {
	BaseURL             string `json:"base_url"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	GatewayURL          string `json:"gateway_url"`
	Realm               string `json:"realm"`
	GatewayClientID     string `json:"gateway_client_id"`
	GatewayClientSecret string `json:"gateway_client_secret"`
	TypeID              string `json:"type_id,omitempty"`
}

// IntegrationSettings is a closed union; Provider selects the variant.
type IntegrationSettings struct {
	Provider    string               `json:"provider"`
	Topdesk     *TopdeskSettings     `json:"topdesk,omitempty"`
	Threep      *ThreepSettings      `json:"threep,omitempty"`
	GreenValley *GreenValleySettings `json:"green_valley,omitempty"`
}

type Integration struct {
	ID          int64               `json:"id"`
	Provider    string              `json:"provider"`
	Name        string              `json:"name"`
	Settings    IntegrationSettings `json:"settings"`
	ConsumerID  string              `json:"consumer_id,omitempty"`
	SecretHash  string              `json:"-"`
	PollEnabled bool                `json:"poll_enabled"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type MappingConfigRecord struct {
	ID            int64           `json:"id"`
	IntegrationID int64           `json:"integration_id"`
	FormRef       string          `json:"form_ref"`
	Version       int             `json:"version"`
	RulesJSON     json.RawMessage `json:"rules"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TagMapping struct {
	IntegrationID int64           `json:"integration_id"`
	Categories    json.RawMessage `json:"categories"`
	Subcategories json.RawMessage `json:"subcategories"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type IntegrationsStore interface {
	CreateIntegration(ctx context.Context, in *Integration) (int64, error)
	UpdateIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, id int64) (*Integration, error)
	FindIntegrationByConsumer(ctx context.Context, consumerID string) (*Integration, error)
	ListIntegrations(ctx context.Context) ([]Integration, error)
	ListPollEnabled(ctx context.Context) ([]Integration, error)

	// Mapping configs are append-only: saving a config for an existing
	// (integration, form) pair inserts the next version so past
	// submissions stay reproducible.
	SaveMappingConfig(ctx context.Context, cfg *MappingConfigRecord) (int64, error)
	LatestMappingConfig(ctx context.Context, integrationID int64, formRef string) (*MappingConfigRecord, error)
	// LatestMappingConfigAny returns the newest config across all forms
	// of the integration, used when folding ticket state back and the
	// originating form is unknown.
	LatestMappingConfigAny(ctx context.Context, integrationID int64) (*MappingConfigRecord, error)
	GetMappingConfig(ctx context.Context, id int64) (*MappingConfigRecord, error)

	SaveTagMapping(ctx context.Context, tm *TagMapping) error
	GetTagMapping(ctx context.Context, integrationID int64) (*TagMapping, error)
}

type integrationsStore struct {
	db *sql.DB
}

func NewIntegrationsStore(db *sql.DB) IntegrationsStore {
	return &integrationsStore{db: db}
}

func (s *integrationsStore) CreateIntegration(ctx context.Context, in *Integration) (int64, error) {
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	if strings.TrimSpace(in.Settings.Provider) == "" {
		in.Settings.Provider = in.Provider
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations(provider, name, settings_json, consumer_id, secret_hash, poll_enabled, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		in.Provider, in.Name, settingsToJSON(in.Settings), in.ConsumerID, in.SecretHash, boolToInt(in.PollEnabled), now, now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	in.ID = id
	return id, nil
}

func (s *integrationsStore) UpdateIntegration(ctx context.Context, in *Integration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET provider=?, name=?, settings_json=?, consumer_id=?, secret_hash=?, poll_enabled=?, updated_at=?
		WHERE id=?`,
		in.Provider, in.Name, settingsToJSON(in.Settings), in.ConsumerID, in.SecretHash, boolToInt(in.PollEnabled), now, in.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const integrationColumns = `id, provider, name, settings_json, consumer_id, secret_hash, poll_enabled, created_at, updated_at`

func (s *integrationsStore) GetIntegration(ctx context.Context, id int64) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id=?`, id)
	return scanIntegration(row)
}

func (s *integrationsStore) FindIntegrationByConsumer(ctx context.Context, consumerID string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE consumer_id=?`, consumerID)
	return scanIntegration(row)
}

func (s *integrationsStore) ListIntegrations(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanIntegrations(rows)
}

func (s *integrationsStore) ListPollEnabled(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE poll_enabled=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanIntegrations(rows)
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var in Integration
	var settingsJSON string
	var poll int
	err := row.Scan(&in.ID, &in.Provider, &in.Name, &settingsJSON, &in.ConsumerID, &in.SecretHash, &poll, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	in.PollEnabled = poll != 0
	_ = json.Unmarshal([]byte(settingsJSON), &in.Settings)
	return &in, nil
}

func scanIntegrations(rows *sql.Rows) ([]Integration, error) {
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func settingsToJSON(s IntegrationSettings) string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (s *integrationsStore) SaveMappingConfig(ctx context.Context, cfg *MappingConfigRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM field_mapping_configs WHERE integration_id=? AND form_ref=?`,
		cfg.IntegrationID, cfg.FormRef).Scan(&maxVersion); err != nil {
		tx.Rollback()
		return 0, err
	}
	cfg.Version = int(maxVersion.Int64) + 1
	cfg.CreatedAt = time.Now().UTC()
	rules := cfg.RulesJSON
	if len(rules) == 0 {
		rules = json.RawMessage("[]")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO field_mapping_configs(integration_id, form_ref, version, rules_json, created_at)
		VALUES(?,?,?,?,?)`,
		cfg.IntegrationID, cfg.FormRef, cfg.Version, string(rules), cfg.CreatedAt)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	cfg.ID = id
	return id, nil
}

func (s *integrationsStore) LatestMappingConfig(ctx context.Context, integrationID int64, formRef string) (*MappingConfigRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, integration_id, form_ref, version, rules_json, created_at FROM field_mapping_configs
		WHERE integration_id=? AND form_ref=? ORDER BY version DESC LIMIT 1`, integrationID, formRef)
	return scanMappingConfig(row)
}

func (s *integrationsStore) LatestMappingConfigAny(ctx context.Context, integrationID int64) (*MappingConfigRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, integration_id, form_ref, version, rules_json, created_at FROM field_mapping_configs
		WHERE integration_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, integrationID)
	return scanMappingConfig(row)
}

func (s *integrationsStore) GetMappingConfig(ctx context.Context, id int64) (*MappingConfigRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, integration_id, form_ref, version, rules_json, created_at FROM field_mapping_configs WHERE id=?`, id)
	return scanMappingConfig(row)
}

func scanMappingConfig(row rowScanner) (*MappingConfigRecord, error) {
	var cfg MappingConfigRecord
	var rules string
	err := row.Scan(&cfg.ID, &cfg.IntegrationID, &cfg.FormRef, &cfg.Version, &rules, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cfg.RulesJSON = json.RawMessage(rules)
	return &cfg, nil
}

func (s *integrationsStore) SaveTagMapping(ctx context.Context, tm *TagMapping) error {
	tm.UpdatedAt = time.Now().UTC()
	cats := tm.Categories
	if len(cats) == 0 {
		cats = json.RawMessage("[]")
	}
	subs := tm.Subcategories
	if len(subs) == 0 {
		subs = json.RawMessage("[]")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tag_mappings SET categories_json=?, subcategories_json=?, updated_at=? WHERE integration_id=?`,
		string(cats), string(subs), tm.UpdatedAt, tm.IntegrationID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tag_mappings(integration_id, categories_json, subcategories_json, updated_at)
			VALUES(?,?,?,?)`, tm.IntegrationID, string(cats), string(subs), tm.UpdatedAt)
	}
	return err
}

func (s *integrationsStore) GetTagMapping(ctx context.Context, integrationID int64) (*TagMapping, error) {
	var tm TagMapping
	var cats, subs string
	err := s.db.QueryRowContext(ctx, `
		SELECT integration_id, categories_json, subcategories_json, updated_at FROM tag_mappings WHERE integration_id=?`,
		integrationID).Scan(&tm.IntegrationID, &cats, &subs, &tm.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tm.Categories = json.RawMessage(cats)
	tm.Subcategories = json.RawMessage(subs)
	return &tm, nil
}
