package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	VoteOptionPositive = "positive"
	VoteOptionNegative = "negative"
)

type VoteRecord struct {
	IncidentID    string `json:"incident_id"`
	PositiveCount int    `json:"positive_count"`
	NegativeCount int    `json:"negative_count"`
}

type VotesStore interface {
	// CastVote toggles the user's vote inside one transaction: a repeat
	// of the same option removes the vote, a different option moves it.
	// Returns the refreshed aggregate and the user's resulting option
	// ("" when the vote was removed).
	CastVote(ctx context.Context, incidentID, userID, optionID string) (*VoteRecord, string, error)
	GetVote(ctx context.Context, incidentID string) (*VoteRecord, error)
	GetUserVotes(ctx context.Context, userID string, incidentIDs []string) (map[string]string, error)
}

type votesStore struct {
	db *sql.DB
}

func NewVotesStore(db *sql.DB) VotesStore {
	return &votesStore{db: db}
}

func (s *votesStore) CastVote(ctx context.Context, incidentID, userID, optionID string) (*VoteRecord, string, error) {
	if optionID != VoteOptionPositive && optionID != VoteOptionNegative {
		return nil, "", fmt.Errorf("invalid vote option %q", optionID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}

	var prev string
	err = tx.QueryRowContext(ctx, `
		SELECT option_id FROM user_incident_votes WHERE user_id=? AND incident_id=?`, userID, incidentID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, "", err
	}

	vote := &VoteRecord{IncidentID: incidentID}
	err = tx.QueryRowContext(ctx, `
		SELECT positive_count, negative_count FROM incident_votes WHERE incident_id=?`, incidentID).
		Scan(&vote.PositiveCount, &vote.NegativeCount)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, "", err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incident_votes(incident_id, positive_count, negative_count) VALUES(?,0,0)`, incidentID); err != nil {
			tx.Rollback()
			return nil, "", err
		}
	}

	current := optionID
	switch {
	case prev == optionID:
		// Toggle off.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_incident_votes WHERE user_id=? AND incident_id=?`, userID, incidentID); err != nil {
			tx.Rollback()
			return nil, "", err
		}
		current = ""
	case prev == "":
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_incident_votes(user_id, incident_id, option_id) VALUES(?,?,?)`, userID, incidentID, optionID); err != nil {
			tx.Rollback()
			return nil, "", err
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE user_incident_votes SET option_id=? WHERE user_id=? AND incident_id=?`, optionID, userID, incidentID); err != nil {
			tx.Rollback()
			return nil, "", err
		}
	}

	applyVoteDelta(vote, prev, -1)
	applyVoteDelta(vote, current, 1)

	if _, err := tx.ExecContext(ctx, `
		UPDATE incident_votes SET positive_count=?, negative_count=? WHERE incident_id=?`,
		vote.PositiveCount, vote.NegativeCount, incidentID); err != nil {
		tx.Rollback()
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return vote, current, nil
}

func applyVoteDelta(vote *VoteRecord, option string, delta int) {
	switch option {
	case VoteOptionPositive:
		vote.PositiveCount += delta
	case VoteOptionNegative:
		vote.NegativeCount += delta
	}
}

func (s *votesStore) GetVote(ctx context.Context, incidentID string) (*VoteRecord, error) {
	vote := &VoteRecord{IncidentID: incidentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT positive_count, negative_count FROM incident_votes WHERE incident_id=?`, incidentID).
		Scan(&vote.PositiveCount, &vote.NegativeCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vote, nil
		}
		return nil, err
	}
	return vote, nil
}

func (s *votesStore) GetUserVotes(ctx context.Context, userID string, incidentIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(incidentIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(incidentIDs)+1)
	args = append(args, userID)
	placeholders := ""
	for i, id := range incidentIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, option_id FROM user_incident_votes WHERE user_id=? AND incident_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var incidentID, option string
		if err := rows.Scan(&incidentID, &option); err != nil {
			return nil, err
		}
		out[incidentID] = option
	}
	return out, rows.Err()
}
