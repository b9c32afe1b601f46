package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawork/clawork/internal/events"
	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/store"
)

func TestAutoReleaseSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bounty := env.createBounty(t)
	claimed := env.claim(t, bounty.ID)
	env.submit(t, bounty.ID)

	env.clock.Advance(25 * time.Hour)
	report, err := env.engine.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Released)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "released", report.Results[0].Status)

	released, err := env.engine.GetBounty(ctx, bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoReleased, released.Status)
	require.NotNil(t, released.SettlementTxHash)

	ch, ok := env.gateway.GetChannel(*claimed.ChannelID)
	require.True(t, ok)
	assert.False(t, ch.Open)
	assert.InDelta(t, 100, ch.Allocation[agentAddr], 1e-9, "auto-release pays the agent in full")

	agent, err := env.engine.GetAgentReputation(ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, agent.Score, 1e-9)
	assert.Equal(t, 1, agent.TotalJobs)

	types := env.publisher.types()
	assert.Equal(t, events.TypeAutoReleased, types[len(types)-1])
}

func TestSweepIgnoresFreshAndDisputedBounties(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired := env.createBounty(t)
	env.claim(t, expired.ID)
	env.submit(t, expired.ID)

	env.clock.Advance(25 * time.Hour)

	fresh := env.createBounty(t)
	env.claim(t, fresh.ID)
	env.submit(t, fresh.ID)

	disputed := env.createBounty(t)
	env.claim(t, disputed.ID)
	env.submit(t, disputed.ID)
	_, err := env.engine.OpenDispute(ctx, disputed.ID, posterAddr, "deliverable is junk")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	report, err := env.engine.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, expired.ID.String(), report.Results[0].BountyID)
}

func TestDoubleSweepReleasesNothingTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bounty := env.createBounty(t)
	env.claim(t, bounty.ID)
	env.submit(t, bounty.ID)
	env.clock.Advance(25 * time.Hour)

	first, err := env.engine.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Released)

	second, err := env.engine.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Released)
}

// staleListStore returns a fixed candidate list so the sweep sees bounties
// whose status has already moved on.
type staleListStore struct {
	store.Store
	candidates []models.Bounty
}

func (s *staleListStore) ListAutoReleasable(ctx context.Context, now time.Time) ([]models.Bounty, error) {
	return s.candidates, nil
}

func TestSweepSkipsBountiesRacedByAnotherActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bounty := env.createBounty(t)
	env.claim(t, bounty.ID)
	env.submit(t, bounty.ID)
	env.clock.Advance(25 * time.Hour)

	candidate, err := env.store.GetBounty(ctx, bounty.ID)
	require.NoError(t, err)

	// The poster approves between the candidate listing and the sweep's CAS.
	_, err = env.engine.ApproveBounty(ctx, ApproveRequest{BountyID: bounty.ID, PosterAddress: posterAddr, Approved: true})
	require.NoError(t, err)

	stale := &staleListStore{Store: env.store, candidates: []models.Bounty{candidate}}
	sweeper := New(stale, env.gateway, env.publisher, env.archiver, Options{Now: env.clock.Now})

	report, err := sweeper.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Released)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "skipped", report.Results[0].Status)

	final, err := env.engine.GetBounty(ctx, bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status, "the poster's approval stands")
}

// failingReleaseStore fails the CAS for one bounty to show a sweep keeps
// going past individual failures.
type failingReleaseStore struct {
	store.Store
	failID uuid.UUID
}

func (s *failingReleaseStore) AutoReleaseBounty(ctx context.Context, id uuid.UUID, now time.Time) (models.Bounty, error) {
	if id == s.failID {
		return models.Bounty{}, errors.New("connection reset")
	}
	return s.Store.AutoReleaseBounty(ctx, id, now)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken := env.createBounty(t)
	env.claim(t, broken.ID)
	env.submit(t, broken.ID)

	healthy := env.createBounty(t)
	env.claim(t, healthy.ID)
	env.submit(t, healthy.ID)

	env.clock.Advance(25 * time.Hour)
	failing := &failingReleaseStore{Store: env.store, failID: broken.ID}
	sweeper := New(failing, env.gateway, env.publisher, env.archiver, Options{Now: env.clock.Now})

	report, err := sweeper.RunAutoReleaseSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Failed)

	released, err := env.engine.GetBounty(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoReleased, released.Status)
}
