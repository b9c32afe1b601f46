package lifecycle

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/clawork/clawork/internal/events"
	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/reputation"
	"github.com/clawork/clawork/internal/store"
)

type DisputeResult struct {
	Dispute         models.Dispute
	ChallengeTxHash *string
	Mode            string
}

// OpenDispute flags a contested bounty and records the dispute. The on-chain
// challenge submission is best-effort: a failed challenge leaves the dispute
// PENDING with no challenge reference.
func (e *Engine) OpenDispute(ctx context.Context, bountyID uuid.UUID, initiatorAddress, reason string) (DisputeResult, error) {
	if !addressRe.MatchString(initiatorAddress) {
		return DisputeResult{}, validationError(CodeInvalidAddress, "initiator address must be a 0x-prefixed 40-hex-char address")
	}
	if strings.TrimSpace(reason) == "" {
		return DisputeResult{}, validationError(CodeInvalidReason, "a dispute reason is required")
	}

	current, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DisputeResult{}, notFoundError("bounty not found")
		}
		return DisputeResult{}, internalError(err)
	}
	if current.Status != models.StatusClaimed && current.Status != models.StatusSubmitted {
		return DisputeResult{}, validationError(CodeInvalidStatusForDispute, "only claimed or submitted bounties can be disputed")
	}
	if current.DisputeStatus == models.DisputePending {
		return DisputeResult{}, conflictError(CodeAlreadyDisputed, "bounty already has a pending dispute")
	}
	isPoster := strings.EqualFold(current.PosterAddress, initiatorAddress)
	isAgent := current.AssignedAgentAddress != nil && strings.EqualFold(*current.AssignedAgentAddress, initiatorAddress)
	if !isPoster && !isAgent {
		return DisputeResult{}, forbiddenError(CodeNotParticipant, "only the poster or the assigned agent can open a dispute")
	}

	dispute, bounty, err := e.store.OpenDispute(ctx, store.DisputeInput{
		BountyID:         bountyID,
		InitiatorAddress: initiatorAddress,
		Reason:           reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return DisputeResult{}, notFoundError("bounty not found")
		case errors.Is(err, store.ErrConflict):
			return DisputeResult{}, e.classifyDisputeConflict(ctx, bountyID)
		}
		return DisputeResult{}, internalError(err)
	}

	var challengeTxHash *string
	if bounty.ChannelID != nil {
		tx, err := e.gateway.Challenge(ctx, *bounty.ChannelID, initiatorAddress, initiatorAllocation(bounty, initiatorAddress))
		if err != nil {
			log.Printf("[lifecycle] challenge submission degraded for bounty %s: %v", bounty.ID, err)
		} else {
			challengeTxHash = &tx
			dispute.ChallengeTxHash = &tx
			if err := e.store.SetDisputeChallenge(ctx, dispute.ID, tx); err != nil {
				log.Printf("[lifecycle] record challenge %s for dispute %s: %v", tx, dispute.ID, err)
			}
		}
	}

	e.publish(ctx, events.TypeDisputeOpened, bounty, map[string]interface{}{
		"disputeId": dispute.ID.String(),
		"initiator": initiatorAddress,
	})
	return DisputeResult{Dispute: dispute, ChallengeTxHash: challengeTxHash, Mode: e.gateway.Mode()}, nil
}

// classifyDisputeConflict re-reads the bounty to tell a duplicate dispute
// from a status that became undisputable after the precondition check.
func (e *Engine) classifyDisputeConflict(ctx context.Context, bountyID uuid.UUID) *Error {
	current, err := e.store.GetBounty(ctx, bountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("bounty not found")
		}
		return internalError(err)
	}
	if current.DisputeStatus == models.DisputePending {
		return conflictError(CodeAlreadyDisputed, "bounty already has a pending dispute")
	}
	return validationError(CodeInvalidStatusForDispute, "only claimed or submitted bounties can be disputed")
}

func initiatorAllocation(b models.Bounty, initiator string) map[string]float64 {
	if strings.EqualFold(b.PosterAddress, initiator) {
		return posterAllocation(b)
	}
	return agentAllocation(b)
}

type ResolveRequest struct {
	BountyID        uuid.UUID
	Decision        models.DisputeDecision
	ResolutionNotes *string
}

type ResolveResult struct {
	Bounty           models.Bounty
	Dispute          models.Dispute
	SettlementTxHash *string
	Mode             string
}

// ResolveDispute applies an adjudicator ruling: funds are settled per the
// decision, the bounty moves to its terminal status, and the agent's
// reputation is re-scored.
func (e *Engine) ResolveDispute(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	if req.Decision != models.DecisionAgent && req.Decision != models.DecisionPoster {
		return ResolveResult{}, validationError(CodeInvalidDecision, `decision must be "agent" or "poster"`)
	}

	current, err := e.store.GetBounty(ctx, req.BountyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResolveResult{}, notFoundError("bounty not found")
		}
		return ResolveResult{}, internalError(err)
	}
	if current.DisputeStatus != models.DisputePending {
		return ResolveResult{}, conflictError(CodeNoPendingDispute, "bounty has no pending dispute")
	}

	toStatus := models.StatusCompleted
	if req.Decision == models.DecisionPoster {
		toStatus = models.StatusRejected
	}
	dispute, bounty, err := e.store.ResolveDispute(ctx, store.ResolveUpdate{
		BountyID:        req.BountyID,
		Decision:        req.Decision,
		ResolutionNotes: req.ResolutionNotes,
		ToStatus:        toStatus,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ResolveResult{}, notFoundError("bounty not found")
		case errors.Is(err, store.ErrConflict):
			return ResolveResult{}, conflictError(CodeNoPendingDispute, "bounty has no pending dispute")
		}
		return ResolveResult{}, internalError(err)
	}

	allocation := posterAllocation(bounty)
	delta := reputation.ForDisputeLoss()
	if req.Decision == models.DecisionAgent {
		allocation = agentAllocation(bounty)
		delta = reputation.ForDisputeWin()
	}
	txHash := e.settle(ctx, &bounty, allocation, "dispute-resolve")
	e.applyReputation(ctx, bounty, delta)

	e.publish(ctx, events.TypeDisputeResolved, bounty, map[string]interface{}{
		"disputeId": dispute.ID.String(),
		"decision":  string(req.Decision),
	})
	return ResolveResult{Bounty: bounty, Dispute: dispute, SettlementTxHash: txHash, Mode: e.gateway.Mode()}, nil
}
