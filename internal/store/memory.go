package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/reputation"
)

// MemoryStore mirrors PGStore semantics behind a mutex. The CAS transitions
// hold the lock for the whole read-check-write, which gives the same
// exclusivity guarantee the SQL WHERE clauses give.
type MemoryStore struct {
	mu       sync.RWMutex
	bounties map[uuid.UUID]models.Bounty
	disputes map[uuid.UUID]models.Dispute
	agents   map[string]models.Agent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bounties: map[uuid.UUID]models.Bounty{},
		disputes: map[uuid.UUID]models.Dispute{},
		agents:   map[string]models.Agent{},
	}
}

func copyBounty(b models.Bounty) models.Bounty {
	b.RequiredSkills = append([]string(nil), b.RequiredSkills...)
	return b
}

func copyAgent(a models.Agent) models.Agent {
	a.Feedback = append([]models.FeedbackEntry(nil), a.Feedback...)
	return a
}

func (m *MemoryStore) CreateBounty(ctx context.Context, in BountyInput) (models.Bounty, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	bounty := models.Bounty{
		ID:               in.ID,
		Title:            in.Title,
		Description:      in.Description,
		Requirements:     in.Requirements,
		RequiredSkills:   append([]string(nil), in.RequiredSkills...),
		Type:             in.Type,
		Reward:           in.Reward,
		RewardToken:      in.RewardToken,
		PosterAddress:    in.PosterAddress,
		SubmitWindowDays: in.SubmitWindowDays,
		Status:           models.StatusOpen,
		ChannelID:        in.ChannelID,
		DisputeStatus:    models.DisputeNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounties[bounty.ID] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) GetBounty(ctx context.Context, id uuid.UUID) (models.Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bounty, ok := m.bounties[id]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	return copyBounty(bounty), nil
}

func (m *MemoryStore) ListBounties(ctx context.Context, filter ListBountiesFilter) ([]models.Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bounties []models.Bounty
	for _, bounty := range m.bounties {
		if filter.Status != "" && bounty.Status != filter.Status {
			continue
		}
		if filter.PosterAddress != "" && bounty.PosterAddress != filter.PosterAddress {
			continue
		}
		if filter.AgentID != "" && (bounty.AssignedAgentID == nil || *bounty.AssignedAgentID != filter.AgentID) {
			continue
		}
		bounties = append(bounties, copyBounty(bounty))
	}
	sort.Slice(bounties, func(i, j int) bool {
		return bounties[i].CreatedAt.After(bounties[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(bounties) {
		start = len(bounties)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(bounties) {
		end = len(bounties)
	}
	return bounties[start:end], nil
}

func (m *MemoryStore) ClaimBounty(ctx context.Context, in ClaimUpdate) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[in.ID]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	if bounty.Status != models.StatusOpen {
		return models.Bounty{}, ErrConflict
	}
	agentID := in.AgentID
	agentAddress := in.AgentAddress
	deadline := in.SubmitDeadline
	bounty.Status = models.StatusClaimed
	bounty.AssignedAgentID = &agentID
	bounty.AssignedAgentAddress = &agentAddress
	bounty.SubmitDeadline = &deadline
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[in.ID] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) MarkSubmitted(ctx context.Context, in SubmitUpdate) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[in.ID]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	if bounty.Status != models.StatusClaimed || bounty.AssignedAgentID == nil || *bounty.AssignedAgentID != in.AgentID {
		return models.Bounty{}, ErrConflict
	}
	deadline := in.ReviewDeadline
	bounty.Status = models.StatusSubmitted
	bounty.DeliverableCID = in.DeliverableCID
	bounty.DeliverableMessage = in.DeliverableMessage
	bounty.ReviewDeadline = &deadline
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[in.ID] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) FinalizeBounty(ctx context.Context, in FinalizeUpdate) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[in.ID]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	if bounty.Status != models.StatusSubmitted {
		return models.Bounty{}, ErrConflict
	}
	bounty.Status = in.ToStatus
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[in.ID] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) AutoReleaseBounty(ctx context.Context, id uuid.UUID, now time.Time) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[id]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	if bounty.Status != models.StatusSubmitted ||
		bounty.ReviewDeadline == nil || !bounty.ReviewDeadline.Before(now) ||
		bounty.DisputeStatus == models.DisputePending {
		return models.Bounty{}, ErrConflict
	}
	bounty.Status = models.StatusAutoReleased
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[id] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, now time.Time) ([]models.Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bounties []models.Bounty
	for _, bounty := range m.bounties {
		if bounty.Status != models.StatusSubmitted {
			continue
		}
		if bounty.ReviewDeadline == nil || !bounty.ReviewDeadline.Before(now) {
			continue
		}
		if bounty.DisputeStatus == models.DisputePending {
			continue
		}
		bounties = append(bounties, copyBounty(bounty))
	}
	sort.Slice(bounties, func(i, j int) bool {
		return bounties[i].ReviewDeadline.Before(*bounties[j].ReviewDeadline)
	})
	return bounties, nil
}

func (m *MemoryStore) SetChannel(ctx context.Context, id uuid.UUID, channelID string) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[id]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	bounty.ChannelID = &channelID
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[id] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) SetSettlement(ctx context.Context, id uuid.UUID, txHash string) (models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[id]
	if !ok {
		return models.Bounty{}, ErrNotFound
	}
	bounty.SettlementTxHash = &txHash
	bounty.UpdatedAt = time.Now().UTC()
	m.bounties[id] = bounty
	return copyBounty(bounty), nil
}

func (m *MemoryStore) OpenDispute(ctx context.Context, in DisputeInput) (models.Dispute, models.Bounty, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[in.BountyID]
	if !ok {
		return models.Dispute{}, models.Bounty{}, ErrNotFound
	}
	if (bounty.Status != models.StatusClaimed && bounty.Status != models.StatusSubmitted) ||
		bounty.DisputeStatus == models.DisputePending {
		return models.Dispute{}, models.Bounty{}, ErrConflict
	}
	now := time.Now().UTC()
	dispute := models.Dispute{
		ID:               in.ID,
		BountyID:         in.BountyID,
		InitiatorAddress: in.InitiatorAddress,
		Reason:           in.Reason,
		Status:           models.DisputePending,
		CreatedAt:        now,
	}
	disputeID := dispute.ID
	bounty.DisputeStatus = models.DisputePending
	bounty.DisputeID = &disputeID
	bounty.UpdatedAt = now
	m.disputes[dispute.ID] = dispute
	m.bounties[in.BountyID] = bounty
	return dispute, copyBounty(bounty), nil
}

func (m *MemoryStore) SetDisputeChallenge(ctx context.Context, disputeID uuid.UUID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok {
		return ErrNotFound
	}
	dispute.ChallengeTxHash = &txHash
	m.disputes[disputeID] = dispute
	return nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, in ResolveUpdate) (models.Dispute, models.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bounty, ok := m.bounties[in.BountyID]
	if !ok {
		return models.Dispute{}, models.Bounty{}, ErrNotFound
	}
	if bounty.DisputeStatus != models.DisputePending ||
		(bounty.Status != models.StatusClaimed && bounty.Status != models.StatusSubmitted) {
		return models.Dispute{}, models.Bounty{}, ErrConflict
	}
	if bounty.DisputeID == nil {
		return models.Dispute{}, models.Bounty{}, ErrNotFound
	}
	dispute, ok := m.disputes[*bounty.DisputeID]
	if !ok {
		return models.Dispute{}, models.Bounty{}, ErrNotFound
	}
	now := time.Now().UTC()
	decision := string(in.Decision)
	dispute.Status = models.DisputeResolved
	dispute.Decision = &decision
	dispute.ResolutionNotes = in.ResolutionNotes
	dispute.ResolvedAt = &now
	bounty.Status = in.ToStatus
	bounty.DisputeStatus = models.DisputeResolved
	bounty.UpdatedAt = now
	m.disputes[dispute.ID] = dispute
	m.bounties[in.BountyID] = bounty
	return dispute, copyBounty(bounty), nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id uuid.UUID) (models.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dispute, ok := m.disputes[id]
	if !ok {
		return models.Dispute{}, ErrNotFound
	}
	return dispute, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return copyAgent(agent), nil
}

func (m *MemoryStore) EnsureAgent(ctx context.Context, id, address string) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	agent, ok := m.agents[id]
	if !ok {
		agent = models.Agent{
			ID:        id,
			Address:   address,
			Feedback:  []models.FeedbackEntry{},
			CreatedAt: now,
		}
	}
	agent.Address = address
	agent.UpdatedAt = now
	m.agents[id] = agent
	return copyAgent(agent), nil
}

func (m *MemoryStore) ApplyReputation(ctx context.Context, agentID string, delta reputation.Delta) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	agent.Score = reputation.ApplyScore(agent.Score, delta.ScoreDelta)
	agent.TotalJobs += delta.Jobs
	agent.Positive += delta.Positive
	agent.Negative += delta.Negative
	agent.Confidence = reputation.Confidence(agent.TotalJobs)
	if delta.Feedback != nil {
		agent.Feedback = append(agent.Feedback, *delta.Feedback)
	}
	agent.UpdatedAt = time.Now().UTC()
	m.agents[agentID] = agent
	return copyAgent(agent), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
