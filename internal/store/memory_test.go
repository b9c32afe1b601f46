package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/reputation"
)

const (
	posterAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	agentAddr  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newTestBounty(t *testing.T, m *MemoryStore) models.Bounty {
	t.Helper()
	bounty, err := m.CreateBounty(context.Background(), BountyInput{
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
	return bounty
}

func claimTestBounty(t *testing.T, m *MemoryStore, id uuid.UUID) models.Bounty {
	t.Helper()
	bounty, err := m.ClaimBounty(context.Background(), ClaimUpdate{
		ID:             id,
		AgentID:        "agent-1",
		AgentAddress:   agentAddr,
		SubmitDeadline: time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return bounty
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	m := NewMemoryStore()
	bounty := newTestBounty(t, m)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.ClaimBounty(context.Background(), ClaimUpdate{
				ID:             bounty.ID,
				AgentID:        "agent-1",
				AgentAddress:   agentAddr,
				SubmitDeadline: time.Now().Add(time.Hour),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ErrConflict):
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent claim must win")
	assert.Equal(t, attempts-1, conflicted)
}

func TestMemoryClaimNotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.ClaimBounty(context.Background(), ClaimUpdate{ID: uuid.New(), AgentID: "a", AgentAddress: agentAddr})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySubmitRequiresAssignedAgent(t *testing.T) {
	m := NewMemoryStore()
	bounty := newTestBounty(t, m)
	claimTestBounty(t, m, bounty.ID)

	cid := "QmDeliverable"
	_, err := m.MarkSubmitted(context.Background(), SubmitUpdate{
		ID:             bounty.ID,
		AgentID:        "someone-else",
		DeliverableCID: &cid,
		ReviewDeadline: time.Now().Add(24 * time.Hour),
	})
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := m.MarkSubmitted(context.Background(), SubmitUpdate{
		ID:             bounty.ID,
		AgentID:        "agent-1",
		DeliverableCID: &cid,
		ReviewDeadline: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, updated.Status)
	require.NotNil(t, updated.DeliverableCID)
	assert.Equal(t, cid, *updated.DeliverableCID)
}

func submitTestBounty(t *testing.T, m *MemoryStore, id uuid.UUID, reviewDeadline time.Time) models.Bounty {
	t.Helper()
	cid := "QmDeliverable"
	bounty, err := m.MarkSubmitted(context.Background(), SubmitUpdate{
		ID:             id,
		AgentID:        "agent-1",
		DeliverableCID: &cid,
		ReviewDeadline: reviewDeadline,
	})
	require.NoError(t, err)
	return bounty
}

func TestMemoryAutoReleaseSelection(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()

	expired := newTestBounty(t, m)
	claimTestBounty(t, m, expired.ID)
	submitTestBounty(t, m, expired.ID, now.Add(-time.Hour))

	fresh := newTestBounty(t, m)
	claimTestBounty(t, m, fresh.ID)
	submitTestBounty(t, m, fresh.ID, now.Add(time.Hour))

	disputed := newTestBounty(t, m)
	claimTestBounty(t, m, disputed.ID)
	submitTestBounty(t, m, disputed.ID, now.Add(-time.Hour))
	_, _, err := m.OpenDispute(context.Background(), DisputeInput{
		BountyID:         disputed.ID,
		InitiatorAddress: agentAddr,
		Reason:           "not paid",
	})
	require.NoError(t, err)

	eligible, err := m.ListAutoReleasable(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, expired.ID, eligible[0].ID)

	released, err := m.AutoReleaseBounty(context.Background(), expired.ID, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoReleased, released.Status)

	// A second pass must not pick it up again.
	_, err = m.AutoReleaseBounty(context.Background(), expired.ID, now)
	assert.ErrorIs(t, err, ErrConflict)
	eligible, err = m.ListAutoReleasable(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestMemoryOpenDisputeGuards(t *testing.T) {
	m := NewMemoryStore()
	open := newTestBounty(t, m)
	_, _, err := m.OpenDispute(context.Background(), DisputeInput{BountyID: open.ID, InitiatorAddress: posterAddr, Reason: "r"})
	assert.ErrorIs(t, err, ErrConflict, "an OPEN bounty cannot be disputed")

	bounty := newTestBounty(t, m)
	claimTestBounty(t, m, bounty.ID)
	dispute, updated, err := m.OpenDispute(context.Background(), DisputeInput{BountyID: bounty.ID, InitiatorAddress: posterAddr, Reason: "r"})
	require.NoError(t, err)
	assert.Equal(t, models.DisputePending, updated.DisputeStatus)
	require.NotNil(t, updated.DisputeID)
	assert.Equal(t, dispute.ID, *updated.DisputeID)

	_, _, err = m.OpenDispute(context.Background(), DisputeInput{BountyID: bounty.ID, InitiatorAddress: agentAddr, Reason: "again"})
	assert.ErrorIs(t, err, ErrConflict, "one pending dispute at a time")
}

func TestMemoryResolveDispute(t *testing.T) {
	m := NewMemoryStore()
	bounty := newTestBounty(t, m)
	claimTestBounty(t, m, bounty.ID)
	_, _, err := m.OpenDispute(context.Background(), DisputeInput{BountyID: bounty.ID, InitiatorAddress: agentAddr, Reason: "not paid"})
	require.NoError(t, err)

	dispute, updated, err := m.ResolveDispute(context.Background(), ResolveUpdate{
		BountyID: bounty.ID,
		Decision: models.DecisionPoster,
		ToStatus: models.StatusRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, updated.Status)
	assert.Equal(t, models.DisputeResolved, updated.DisputeStatus)
	require.NotNil(t, dispute.Decision)
	assert.Equal(t, "poster", *dispute.Decision)
	assert.NotNil(t, dispute.ResolvedAt)

	_, _, err = m.ResolveDispute(context.Background(), ResolveUpdate{
		BountyID: bounty.ID,
		Decision: models.DecisionAgent,
		ToStatus: models.StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrConflict, "a resolved dispute cannot be resolved twice")
}

func TestMemoryApplyReputation(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.EnsureAgent(context.Background(), "agent-1", agentAddr)
	require.NoError(t, err)

	agent, err := m.ApplyReputation(context.Background(), "agent-1", reputation.ForApproval(4))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, agent.Score, 1e-9)
	assert.Equal(t, 1, agent.TotalJobs)
	assert.InDelta(t, 0.1, agent.Confidence, 1e-9)

	agent, err = m.ApplyReputation(context.Background(), "agent-1", reputation.ForDisputeLoss())
	require.NoError(t, err)
	assert.InDelta(t, 0, agent.Score, 1e-9, "score floors at zero")
	assert.Equal(t, 1, agent.TotalJobs, "job count never decreases")
	assert.Equal(t, 1, agent.Negative)

	_, err = m.ApplyReputation(context.Background(), "ghost", reputation.ForAutoRelease())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFeedbackLogAppends(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.EnsureAgent(context.Background(), "agent-1", agentAddr)
	require.NoError(t, err)

	delta := reputation.ForApproval(5)
	delta.Feedback = &models.FeedbackEntry{BountyID: uuid.New(), BountyTitle: "Index the archive", Rating: 5, CreatedAt: time.Now()}
	agent, err := m.ApplyReputation(context.Background(), "agent-1", delta)
	require.NoError(t, err)
	require.Len(t, agent.Feedback, 1)
	assert.Equal(t, "Index the archive", agent.Feedback[0].BountyTitle)
}
