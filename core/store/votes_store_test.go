package store

import (
	"context"
	"testing"
)

func TestCastVoteToggle(t *testing.T) {
	db := newTestDB(t)
	integrationID := seedIntegration(t, db)
	seedIncident(t, db, integrationID, "inc-1")
	votes := NewVotesStore(db)
	ctx := context.Background()

	vote, current, err := votes.CastVote(ctx, "inc-1", "user-1", VoteOptionPositive)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if current != VoteOptionPositive || vote.PositiveCount != 1 || vote.NegativeCount != 0 {
		t.Fatalf("after first vote: current=%q counts=%d/%d", current, vote.PositiveCount, vote.NegativeCount)
	}

	// Same option again removes the vote.
	vote, current, err = votes.CastVote(ctx, "inc-1", "user-1", VoteOptionPositive)
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if current != "" || vote.PositiveCount != 0 {
		t.Fatalf("after toggle off: current=%q positive=%d", current, vote.PositiveCount)
	}

	// Vote, then switch to the other option: counts move, never double.
	if _, _, err := votes.CastVote(ctx, "inc-1", "user-1", VoteOptionPositive); err != nil {
		t.Fatalf("revote: %v", err)
	}
	vote, current, err = votes.CastVote(ctx, "inc-1", "user-1", VoteOptionNegative)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if current != VoteOptionNegative || vote.PositiveCount != 0 || vote.NegativeCount != 1 {
		t.Fatalf("after switch: current=%q counts=%d/%d", current, vote.PositiveCount, vote.NegativeCount)
	}
}

func TestCastVoteAggregatesUsers(t *testing.T) {
	db := newTestDB(t)
	integrationID := seedIntegration(t, db)
	seedIncident(t, db, integrationID, "inc-1")
	votes := NewVotesStore(db)
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c"} {
		if _, _, err := votes.CastVote(ctx, "inc-1", user, VoteOptionPositive); err != nil {
			t.Fatalf("vote %s: %v", user, err)
		}
	}
	if _, _, err := votes.CastVote(ctx, "inc-1", "d", VoteOptionNegative); err != nil {
		t.Fatalf("vote d: %v", err)
	}

	vote, err := votes.GetVote(ctx, "inc-1")
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if vote.PositiveCount != 3 || vote.NegativeCount != 1 {
		t.Fatalf("counts = %d/%d", vote.PositiveCount, vote.NegativeCount)
	}

	userVotes, err := votes.GetUserVotes(ctx, "a", []string{"inc-1", "inc-missing"})
	if err != nil {
		t.Fatalf("get user votes: %v", err)
	}
	if userVotes["inc-1"] != VoteOptionPositive || len(userVotes) != 1 {
		t.Fatalf("user votes = %#v", userVotes)
	}
}

func TestCastVoteRejectsUnknownOption(t *testing.T) {
	db := newTestDB(t)
	integrationID := seedIntegration(t, db)
	seedIncident(t, db, integrationID, "inc-1")
	if _, _, err := NewVotesStore(db).CastVote(context.Background(), "inc-1", "user-1", "maybe"); err == nil {
		t.Fatal("expected error for unknown option")
	}
}
