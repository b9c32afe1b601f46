package models

import (
	"time"

	"github.com/google/uuid"
)

// BountyStatus is the primary lifecycle state of a bounty.
type BountyStatus string

const (
	StatusOpen         BountyStatus = "OPEN"
	StatusClaimed      BountyStatus = "CLAIMED"
	StatusSubmitted    BountyStatus = "SUBMITTED"
	StatusCompleted    BountyStatus = "COMPLETED"
	StatusRejected     BountyStatus = "REJECTED"
	StatusAutoReleased BountyStatus = "AUTO_RELEASED"
)

// Terminal reports whether a bounty in this status can undergo no further
// primary-status transition.
func (s BountyStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusAutoReleased:
		return true
	}
	return false
}

// DisputeStatus is the dispute axis on a bounty. It is independent of the
// primary status: a bounty can be CLAIMED or SUBMITTED while a dispute is
// PENDING.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "NONE"
	DisputePending  DisputeStatus = "PENDING"
	DisputeResolved DisputeStatus = "RESOLVED"
)

// DisputeDecision is the adjudicator's ruling on a pending dispute.
type DisputeDecision string

const (
	DecisionAgent  DisputeDecision = "agent"
	DecisionPoster DisputeDecision = "poster"
)

type Bounty struct {
	ID                   uuid.UUID     `json:"id"`
	Title                string        `json:"title"`
	Description          string        `json:"description"`
	Requirements         string        `json:"requirements"`
	RequiredSkills       []string      `json:"requiredSkills"`
	Type                 string        `json:"type"`
	Reward               float64       `json:"reward"`
	RewardToken          string        `json:"rewardToken"`
	PosterAddress        string        `json:"posterAddress"`
	SubmitWindowDays     int           `json:"submitDeadlineDays,omitempty"`
	Status               BountyStatus  `json:"status"`
	AssignedAgentID      *string       `json:"assignedAgentId,omitempty"`
	AssignedAgentAddress *string       `json:"assignedAgentAddress,omitempty"`
	ChannelID            *string       `json:"channelId,omitempty"`
	SettlementTxHash     *string       `json:"settlementTxHash,omitempty"`
	SubmitDeadline       *time.Time    `json:"submitDeadline,omitempty"`
	ReviewDeadline       *time.Time    `json:"reviewDeadline,omitempty"`
	DeliverableCID       *string       `json:"deliverableCid,omitempty"`
	DeliverableMessage   *string       `json:"deliverableMessage,omitempty"`
	DisputeStatus        DisputeStatus `json:"disputeStatus"`
	DisputeID            *uuid.UUID    `json:"disputeId,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

type Dispute struct {
	ID               uuid.UUID     `json:"id"`
	BountyID         uuid.UUID     `json:"bountyId"`
	InitiatorAddress string        `json:"initiatorAddress"`
	Reason           string        `json:"reason"`
	Status           DisputeStatus `json:"status"`
	Decision         *string       `json:"decision,omitempty"`
	ResolutionNotes  *string       `json:"resolutionNotes,omitempty"`
	ChallengeTxHash  *string       `json:"challengeTxHash,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
}

// Agent carries the reputation aggregate plus the append-only feedback log.
// Confidence is derived from TotalJobs, never set directly.
type Agent struct {
	ID         string          `json:"id"`
	Address    string          `json:"address"`
	Score      float64         `json:"score"`
	TotalJobs  int             `json:"totalJobs"`
	Positive   int             `json:"positive"`
	Negative   int             `json:"negative"`
	Confidence float64         `json:"confidence"`
	Feedback   []FeedbackEntry `json:"feedback"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type FeedbackEntry struct {
	BountyID    uuid.UUID `json:"bountyId"`
	BountyTitle string    `json:"bountyTitle"`
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
