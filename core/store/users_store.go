package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ReporterUser is the citizen on the other end of a report. Records are
// upserted at intake; ExternalID holds the provider-side person id once
// the ticketing adapter has created one.
type ReporterUser struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Language   string    `json:"language"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type UsersStore interface {
	UpsertReporter(ctx context.Context, u *ReporterUser) error
	GetReporter(ctx context.Context, id string) (*ReporterUser, error)
	SetReporterExternalID(ctx context.Context, id, externalID string) error
}

type usersStore struct {
	db *sql.DB
}

func NewUsersStore(db *sql.DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) UpsertReporter(ctx context.Context, u *ReporterUser) error {
	now := time.Now().UTC()
	if u.Language == "" {
		u.Language = "nl"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reporter_users SET name=?, email=?, language=?, updated_at=? WHERE id=?`,
		u.Name, u.Email, u.Language, now, u.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		u.CreatedAt = now
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO reporter_users(id, name, email, language, external_id, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?)`, u.ID, u.Name, u.Email, u.Language, u.ExternalID, now, now)
	}
	u.UpdatedAt = now
	return err
}

func (s *usersStore) GetReporter(ctx context.Context, id string) (*ReporterUser, error) {
	var u ReporterUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, language, external_id, created_at, updated_at FROM reporter_users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Language, &u.ExternalID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *usersStore) SetReporterExternalID(ctx context.Context, id, externalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reporter_users SET external_id=?, updated_at=? WHERE id=?`, externalID, time.Now().UTC(), id)
	return err
}
