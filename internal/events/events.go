package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one bounty lifecycle notification. Events are advisory: the
// lifecycle engine publishes them best-effort after the status commit and
// never fails an operation over a publish error.
type Event struct {
	Type     string                 `json:"type"`
	BountyID uuid.UUID              `json:"bountyId"`
	Ts       time.Time              `json:"ts"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

const (
	TypeBountyCreated   = "bounty.created"
	TypeBountyClaimed   = "bounty.claimed"
	TypeBountySubmitted = "bounty.submitted"
	TypeBountyCompleted = "bounty.completed"
	TypeBountyRejected  = "bounty.rejected"
	TypeAutoReleased    = "bounty.auto_released"
	TypeDisputeOpened   = "dispute.opened"
	TypeDisputeResolved = "dispute.resolved"
)

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
