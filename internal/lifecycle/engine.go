package lifecycle

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawork/clawork/internal/escrow"
	"github.com/clawork/clawork/internal/events"
	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/recon"
	"github.com/clawork/clawork/internal/reputation"
	"github.com/clawork/clawork/internal/store"
)

const (
	defaultSubmitWindow = 72 * time.Hour
	defaultReviewWindow = 24 * time.Hour
	defaultRewardToken  = "USDC"

	// Counterparty used when a channel is funded before any agent claims.
	placeholderAgentAddress = "0x0000000000000000000000000000000000000000"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var bountyTypes = map[string]bool{
	"general":     true,
	"development": true,
	"design":      true,
	"research":    true,
	"writing":     true,
	"other":       true,
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	SubmitWindow        time.Duration
	ReviewWindow        time.Duration
	OpenChannelOnCreate bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine drives the bounty lifecycle state machine. The record store's
// status CAS is the commit point for every transition; escrow, reputation,
// event, and reconciliation effects after it are best-effort and never roll
// a committed transition back.
type Engine struct {
	store     store.Store
	gateway   escrow.Gateway
	publisher events.Publisher
	archiver  recon.Archiver

	submitWindow        time.Duration
	reviewWindow        time.Duration
	openChannelOnCreate bool
	now                 func() time.Time
}

func New(st store.Store, gateway escrow.Gateway, publisher events.Publisher, archiver recon.Archiver, opts Options) *Engine {
	if opts.SubmitWindow <= 0 {
		opts.SubmitWindow = defaultSubmitWindow
	}
	if opts.ReviewWindow <= 0 {
		opts.ReviewWindow = defaultReviewWindow
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if archiver == nil {
		archiver = recon.NopArchiver{}
	}
	return &Engine{
		store:               st,
		gateway:             gateway,
		publisher:           publisher,
		archiver:            archiver,
		submitWindow:        opts.SubmitWindow,
		reviewWindow:        opts.ReviewWindow,
		openChannelOnCreate: opts.OpenChannelOnCreate,
		now:                 opts.Now,
	}
}

type CreateRequest struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Requirements       string   `json:"requirements"`
	RequiredSkills     []string `json:"requiredSkills"`
	Type               string   `json:"type"`
	Reward             float64  `json:"reward"`
	RewardToken        string   `json:"rewardToken"`
	PosterAddress      string   `json:"posterAddress"`
	SubmitDeadlineDays int      `json:"submitDeadlineDays"`
}

type CreateResult struct {
	Bounty models.Bounty
}

func (e *Engine) CreateBounty(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.Title) == "" || len(req.Title) > 100 {
		return CreateResult{}, validationError(CodeInvalidTitle, "title is required and must be at most 100 characters")
	}
	if strings.TrimSpace(req.Description) == "" {
		return CreateResult{}, validationError(CodeInvalidDescription, "description is required")
	}
	if req.Reward < 1 {
		return CreateResult{}, validationError(CodeInvalidReward, "reward must be at least 1")
	}
	if !addressRe.MatchString(req.PosterAddress) {
		return CreateResult{}, validationError(CodeInvalidPosterAddress, "poster address must be a 0x-prefixed 40-hex-char address")
	}
	skills := make([]string, 0, len(req.RequiredSkills))
	for _, skill := range req.RequiredSkills {
		if s := strings.TrimSpace(skill); s != "" {
			skills = append(skills, s)
		}
	}
	if len(skills) == 0 {
		return CreateResult{}, validationError(CodeInvalidSkills, "at least one required skill is needed")
	}
	if strings.TrimSpace(req.Requirements) == "" {
		return CreateResult{}, validationError(CodeInvalidRequirements, "requirements are required")
	}
	bountyType := req.Type
	if bountyType == "" {
		bountyType = "general"
	}
	if !bountyTypes[bountyType] {
		return CreateResult{}, validationError(CodeInvalidType, "unknown bounty type "+bountyType)
	}
	if req.SubmitDeadlineDays < 0 {
		return CreateResult{}, validationError(CodeInvalidRequirements, "submitDeadlineDays cannot be negative")
	}
	token := req.RewardToken
	if token == "" {
		token = defaultRewardToken
	}

	// Optionally fund the channel up front, with a placeholder counterparty
	// until an agent claims. Channel failures never block creation.
	var channelID *string
	if e.openChannelOnCreate {
		ch, err := e.gateway.OpenChannel(ctx, escrow.OpenParams{
			PartyA:  req.PosterAddress,
			PartyB:  placeholderAgentAddress,
			Deposit: req.Reward,
			Token:   token,
		})
		if err != nil {
			log.Printf("[lifecycle] open channel at create degraded: %v", err)
		} else {
			id := ch.ID
			channelID = &id
		}
	}

	bounty, err := e.store.CreateBounty(ctx, store.BountyInput{
		Title:            req.Title,
		Description:      req.Description,
		Requirements:     req.Requirements,
		RequiredSkills:   skills,
		Type:             bountyType,
		Reward:           req.Reward,
		RewardToken:      token,
		PosterAddress:    req.PosterAddress,
		SubmitWindowDays: req.SubmitDeadlineDays,
		ChannelID:        channelID,
	})
	if err != nil {
		return CreateResult{}, internalError(err)
	}
	e.publish(ctx, events.TypeBountyCreated, bounty, nil)
	return CreateResult{Bounty: bounty}, nil
}

type ClaimResult struct {
	Bounty         models.Bounty
	ChannelID      *string
	SubmitDeadline time.Time
}

func (e *Engine) ClaimBounty(ctx context.Context, bountyID uuid.UUID, agentID, agentAddress string) (ClaimResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return ClaimResult{}, validationError(CodeInvalidAgent, "agent id is required")
	}
	if !addressRe.MatchString(agentAddress) {
		return ClaimResult{}, validationError(CodeInvalidAddress, "agent address must be a 0x-prefixed 40-hex-char address")
	}

	current, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ClaimResult{}, notFoundError("bounty not found")
		}
		return ClaimResult{}, internalError(err)
	}

	window := e.submitWindow
	if current.SubmitWindowDays > 0 {
		window = time.Duration(current.SubmitWindowDays) * 24 * time.Hour
	}
	deadline := e.now().Add(window)

	bounty, err := e.store.ClaimBounty(ctx, store.ClaimUpdate{
		ID:             bountyID,
		AgentID:        agentID,
		AgentAddress:   agentAddress,
		SubmitDeadline: deadline,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ClaimResult{}, notFoundError("bounty not found")
		case errors.Is(err, store.ErrConflict):
			return ClaimResult{}, conflictError(CodeBountyAlreadyClaimed, "bounty is no longer open")
		}
		return ClaimResult{}, internalError(err)
	}

	if _, err := e.store.EnsureAgent(ctx, agentID, agentAddress); err != nil {
		log.Printf("[lifecycle] ensure agent %s: %v", agentID, err)
	}

	if bounty.ChannelID == nil {
		ch, err := e.gateway.OpenChannel(ctx, escrow.OpenParams{
			PartyA:  bounty.PosterAddress,
			PartyB:  agentAddress,
			Deposit: bounty.Reward,
			Token:   bounty.RewardToken,
		})
		if err != nil {
			log.Printf("[lifecycle] open channel at claim degraded for bounty %s: %v", bounty.ID, err)
		} else if updated, err := e.store.SetChannel(ctx, bounty.ID, ch.ID); err != nil {
			log.Printf("[lifecycle] record channel %s for bounty %s: %v", ch.ID, bounty.ID, err)
		} else {
			bounty = updated
		}
	}

	e.publish(ctx, events.TypeBountyClaimed, bounty, map[string]interface{}{"agentId": agentID})
	return ClaimResult{Bounty: bounty, ChannelID: bounty.ChannelID, SubmitDeadline: deadline}, nil
}

type SubmitRequest struct {
	BountyID           uuid.UUID
	AgentID            string
	DeliverableCID     *string
	DeliverableMessage *string
}

type SubmitResult struct {
	Bounty         models.Bounty
	ReviewDeadline time.Time
}

func (e *Engine) SubmitWork(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return SubmitResult{}, validationError(CodeInvalidAgent, "agent id is required")
	}
	hasCID := req.DeliverableCID != nil && strings.TrimSpace(*req.DeliverableCID) != ""
	hasMessage := req.DeliverableMessage != nil && strings.TrimSpace(*req.DeliverableMessage) != ""
	if !hasCID && !hasMessage {
		return SubmitResult{}, validationError(CodeInvalidDeliverable, "a deliverable CID or message is required")
	}

	current, err := e.store.GetBounty(ctx, req.BountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmitResult{}, notFoundError("bounty not found")
		}
		return SubmitResult{}, internalError(err)
	}
	if current.Status != models.StatusClaimed {
		return SubmitResult{}, validationError(CodeInvalidStatus, "bounty is not awaiting submission")
	}
	if current.AssignedAgentID == nil || *current.AssignedAgentID != req.AgentID {
		return SubmitResult{}, forbiddenError(CodeNotAssigned, "bounty is assigned to a different agent")
	}
	now := e.now()
	if current.SubmitDeadline != nil && now.After(*current.SubmitDeadline) {
		return SubmitResult{}, validationError(CodeDeadlinePassed, "submission deadline has passed")
	}

	reviewDeadline := now.Add(e.reviewWindow)
	bounty, err := e.store.MarkSubmitted(ctx, store.SubmitUpdate{
		ID:                 req.BountyID,
		AgentID:            req.AgentID,
		DeliverableCID:     req.DeliverableCID,
		DeliverableMessage: req.DeliverableMessage,
		ReviewDeadline:     reviewDeadline,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return SubmitResult{}, notFoundError("bounty not found")
		case errors.Is(err, store.ErrConflict):
			return SubmitResult{}, validationError(CodeInvalidStatus, "bounty is not awaiting submission")
		}
		return SubmitResult{}, internalError(err)
	}

	e.publish(ctx, events.TypeBountySubmitted, bounty, nil)
	return SubmitResult{Bounty: bounty, ReviewDeadline: reviewDeadline}, nil
}

type ApproveRequest struct {
	BountyID      uuid.UUID
	PosterAddress string
	Approved      bool
	Rating        *int
	Comment       string
}

type ApproveResult struct {
	Bounty           models.Bounty
	SettlementTxHash *string
}

func (e *Engine) ApproveBounty(ctx context.Context, req ApproveRequest) (ApproveResult, error) {
	if !addressRe.MatchString(req.PosterAddress) {
		return ApproveResult{}, validationError(CodeInvalidPoster, "poster address must be a 0x-prefixed 40-hex-char address")
	}
	rating := 5
	if req.Rating != nil {
		rating = *req.Rating
	}
	if rating < 1 || rating > 5 {
		return ApproveResult{}, validationError(CodeInvalidRating, "rating must be between 1 and 5")
	}

	current, err := e.store.GetBounty(ctx, req.BountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ApproveResult{}, notFoundError("bounty not found")
		}
		return ApproveResult{}, internalError(err)
	}
	if current.Status != models.StatusSubmitted {
		return ApproveResult{}, validationError(CodeInvalidStatus, "bounty is not awaiting review")
	}
	if !strings.EqualFold(current.PosterAddress, req.PosterAddress) {
		return ApproveResult{}, forbiddenError(CodeNotPoster, "only the poster can review this bounty")
	}

	toStatus := models.StatusCompleted
	if !req.Approved {
		toStatus = models.StatusRejected
	}
	bounty, err := e.store.FinalizeBounty(ctx, store.FinalizeUpdate{ID: req.BountyID, ToStatus: toStatus})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ApproveResult{}, notFoundError("bounty not found")
		case errors.Is(err, store.ErrConflict):
			return ApproveResult{}, validationError(CodeInvalidStatus, "bounty is not awaiting review")
		}
		return ApproveResult{}, internalError(err)
	}

	if !req.Approved {
		e.publish(ctx, events.TypeBountyRejected, bounty, nil)
		return ApproveResult{Bounty: bounty}, nil
	}

	txHash := e.settle(ctx, &bounty, agentAllocation(bounty), "approve")

	delta := reputation.ForApproval(rating)
	delta.Feedback = &models.FeedbackEntry{
		BountyID:    bounty.ID,
		BountyTitle: bounty.Title,
		Rating:      rating,
		Comment:     req.Comment,
		CreatedAt:   e.now(),
	}
	e.applyReputation(ctx, bounty, delta)

	e.publish(ctx, events.TypeBountyCompleted, bounty, map[string]interface{}{"rating": rating})
	return ApproveResult{Bounty: bounty, SettlementTxHash: txHash}, nil
}

// agentAllocation routes the full deposit to the assigned agent.
func agentAllocation(b models.Bounty) map[string]float64 {
	alloc := map[string]float64{b.PosterAddress: 0}
	if b.AssignedAgentAddress != nil {
		alloc[*b.AssignedAgentAddress] = b.Reward
	}
	return alloc
}

// posterAllocation refunds the full deposit to the poster.
func posterAllocation(b models.Bounty) map[string]float64 {
	alloc := map[string]float64{b.PosterAddress: b.Reward}
	if b.AssignedAgentAddress != nil {
		alloc[*b.AssignedAgentAddress] = 0
	}
	return alloc
}

// settle pushes the final allocation and closes the channel. Failures are
// degraded, not propagated: the transition has already committed, so the
// record is logged and archived for manual reconciliation and the caller
// gets a nil settlement reference. On success the bounty passed in is
// refreshed with the settlement hash.
func (e *Engine) settle(ctx context.Context, bounty *models.Bounty, allocation map[string]float64, operation string) *string {
	if bounty.ChannelID == nil {
		return nil
	}
	channelID := *bounty.ChannelID
	degrade := func(err error) {
		log.Printf("[lifecycle] settlement degraded for bounty %s (%s): %v", bounty.ID, operation, err)
		if archiveErr := e.archiver.ArchiveDegradedSettlement(ctx, recon.Record{
			BountyID:   bounty.ID,
			Operation:  operation,
			ChannelID:  channelID,
			Allocation: allocation,
			Error:      err.Error(),
			Ts:         e.now(),
		}); archiveErr != nil {
			log.Printf("[lifecycle] archive reconciliation record for bounty %s: %v", bounty.ID, archiveErr)
		}
	}

	if err := e.gateway.UpdateAllocation(ctx, channelID, allocation); err != nil {
		degrade(err)
		return nil
	}
	txHash, err := e.gateway.CloseChannel(ctx, channelID)
	if err != nil {
		degrade(err)
		return nil
	}
	if updated, err := e.store.SetSettlement(ctx, bounty.ID, txHash); err != nil {
		log.Printf("[lifecycle] record settlement %s for bounty %s: %v", txHash, bounty.ID, err)
	} else {
		*bounty = updated
	}
	return &txHash
}

func (e *Engine) applyReputation(ctx context.Context, bounty models.Bounty, delta reputation.Delta) {
	if bounty.AssignedAgentID == nil {
		return
	}
	agentID := *bounty.AssignedAgentID
	address := ""
	if bounty.AssignedAgentAddress != nil {
		address = *bounty.AssignedAgentAddress
	}
	if _, err := e.store.EnsureAgent(ctx, agentID, address); err != nil {
		log.Printf("[lifecycle] ensure agent %s: %v", agentID, err)
		return
	}
	if _, err := e.store.ApplyReputation(ctx, agentID, delta); err != nil {
		log.Printf("[lifecycle] apply reputation for agent %s: %v", agentID, err)
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, bounty models.Bounty, payload map[string]interface{}) {
	err := e.publisher.Publish(ctx, events.Event{
		Type:     eventType,
		BountyID: bounty.ID,
		Ts:       e.now(),
		Payload:  payload,
	})
	if err != nil {
		log.Printf("[lifecycle] publish %s for bounty %s: %v", eventType, bounty.ID, err)
	}
}

// GetBounty is a read-through for the API layer.
func (e *Engine) GetBounty(ctx context.Context, id uuid.UUID) (models.Bounty, error) {
	bounty, err := e.store.GetBounty(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Bounty{}, notFoundError("bounty not found")
		}
		return models.Bounty{}, internalError(err)
	}
	return bounty, nil
}

// ListBounties is a read-through for the API layer.
func (e *Engine) ListBounties(ctx context.Context, filter store.ListBountiesFilter) ([]models.Bounty, error) {
	bounties, err := e.store.ListBounties(ctx, filter)
	if err != nil {
		return nil, internalError(err)
	}
	return bounties, nil
}

// GetAgentReputation is a read-through for the API layer.
func (e *Engine) GetAgentReputation(ctx context.Context, agentID string) (models.Agent, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Agent{}, &Error{Code: "AGENT_NOT_FOUND", Message: "agent not found", Status: 404}
		}
		return models.Agent{}, internalError(err)
	}
	return agent, nil
}
