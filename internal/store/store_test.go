package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/reputation"
)

var bountyCols = []string{
	"id", "title", "description", "requirements", "required_skills", "bounty_type", "reward", "reward_token",
	"poster_address", "submit_window_days", "status", "assigned_agent_id", "assigned_agent_address", "channel_id",
	"settlement_tx_hash", "submit_deadline", "review_deadline", "deliverable_cid", "deliverable_message",
	"dispute_status", "dispute_id", "created_at", "updated_at",
}

var disputeCols = []string{
	"id", "bounty_id", "initiator_address", "reason", "status", "decision", "resolution_notes",
	"challenge_tx_hash", "created_at", "resolved_at",
}

var agentCols = []string{
	"id", "address", "score", "total_jobs", "positive", "negative", "confidence", "feedback", "created_at", "updated_at",
}

func bountyRow(id uuid.UUID, status models.BountyStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(bountyCols).AddRow(
		id.String(), "Index the archive", "Build a search index", "Go, Postgres", "{go}", "development",
		100.0, "USDC", posterAddr, 0, string(status), nil, nil, nil,
		nil, nil, nil, nil, nil,
		"NONE", nil, now, now,
	)
}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreateBounty(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO bounties").
		WithArgs(id, "Index the archive", "Build a search index", "Go, Postgres", sqlmock.AnyArg(),
			"development", 100.0, "USDC", posterAddr, 0, nil).
		WillReturnRows(bountyRow(id, models.StatusOpen))

	bounty, err := s.CreateBounty(context.Background(), BountyInput{
		ID:             id,
		Title:          "Index the archive",
		Description:    "Build a search index",
		Requirements:   "Go, Postgres",
		RequiredSkills: []string{"go"},
		Type:           "development",
		Reward:         100,
		RewardToken:    "USDC",
		PosterAddress:  posterAddr,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, bounty.Status)
	assert.Equal(t, []string{"go"}, bounty.RequiredSkills)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimBounty(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	deadline := time.Now().Add(72 * time.Hour)

	mock.ExpectQuery("UPDATE bounties").
		WithArgs(id, "agent-1", agentAddr, deadline).
		WillReturnRows(bountyRow(id, models.StatusClaimed))

	bounty, err := s.ClaimBounty(context.Background(), ClaimUpdate{
		ID:             id,
		AgentID:        "agent-1",
		AgentAddress:   agentAddr,
		SubmitDeadline: deadline,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimed, bounty.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimMissClassifiedAsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	// CAS update touches zero rows; the re-read finds the bounty already
	// claimed, so the miss is a conflict rather than a missing row.
	mock.ExpectQuery("UPDATE bounties").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM bounties").
		WithArgs(id).
		WillReturnRows(bountyRow(id, models.StatusClaimed))

	_, err := s.ClaimBounty(context.Background(), ClaimUpdate{ID: id, AgentID: "agent-1", AgentAddress: agentAddr})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimMissClassifiedAsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE bounties").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM bounties").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.ClaimBounty(context.Background(), ClaimUpdate{ID: id, AgentID: "agent-1", AgentAddress: agentAddr})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGOpenDisputeTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	bountyID := uuid.New()
	disputeID := uuid.New()

	pending := bountyRow(bountyID, models.StatusSubmitted)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE bounties").
		WithArgs(bountyID, disputeID).
		WillReturnRows(pending)
	mock.ExpectQuery("INSERT INTO disputes").
		WithArgs(disputeID, bountyID, agentAddr, "payout never arrived").
		WillReturnRows(sqlmock.NewRows(disputeCols).AddRow(
			disputeID.String(), bountyID.String(), agentAddr, "payout never arrived", "PENDING",
			nil, nil, nil, time.Now(), nil,
		))
	mock.ExpectCommit()

	dispute, _, err := s.OpenDispute(context.Background(), DisputeInput{
		ID:               disputeID,
		BountyID:         bountyID,
		InitiatorAddress: agentAddr,
		Reason:           "payout never arrived",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DisputePending, dispute.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGApplyReputationTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow(
			"agent-1", agentAddr, 0.0, 0, 0, 0, 0.0, []byte("[]"), now, now,
		))
	mock.ExpectQuery("UPDATE agents").
		WithArgs("agent-1", 0.2, 1, 1, 0, 0.1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow(
			"agent-1", agentAddr, 0.2, 1, 1, 0, 0.1, []byte("[]"), now, now,
		))
	mock.ExpectCommit()

	agent, err := s.ApplyReputation(context.Background(), "agent-1", reputation.ForApproval(5))
	require.NoError(t, err)
	assert.InDelta(t, 0.2, agent.Score, 1e-9)
	assert.Equal(t, 1, agent.TotalJobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSetDisputeChallengeNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE disputes").
		WithArgs(id, "0xchallenge").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetDisputeChallenge(context.Background(), id, "0xchallenge")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
