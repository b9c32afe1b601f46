package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrChannelNotFound = errors.New("channel not found")
var ErrChannelClosed = errors.New("channel closed")

// Channel is the effect-level view of a bilateral fund-holding construct on
// the settlement network. The allocation always sums to the deposit.
type Channel struct {
	ID         string             `json:"id"`
	PartyA     string             `json:"partyA"`
	PartyB     string             `json:"partyB"`
	Deposit    float64            `json:"deposit"`
	Token      string             `json:"token"`
	Allocation map[string]float64 `json:"allocation"`
	Open       bool               `json:"open"`
}

type OpenParams struct {
	PartyA  string
	PartyB  string
	Deposit float64
	Token   string
}

// Gateway abstracts the external settlement network. Implementations are
// selected once at startup; call sites never branch on which backend is
// behind the interface. Any call may fail for network reasons independent
// of bounty-state validity.
type Gateway interface {
	OpenChannel(ctx context.Context, params OpenParams) (Channel, error)
	UpdateAllocation(ctx context.Context, channelID string, allocation map[string]float64) error
	CloseChannel(ctx context.Context, channelID string) (settlementTxHash string, err error)
	Challenge(ctx context.Context, channelID, initiator string, proposed map[string]float64) (challengeTxHash string, err error)
	Mode() string
}

// MemoryGateway simulates the settlement network in-process. It is the
// default backend when no clearnode URL is configured, and the test double.
type MemoryGateway struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{channels: map[string]*Channel{}}
}

func (g *MemoryGateway) Mode() string { return "mock" }

func simTxHash() string {
	return "0xsim" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (g *MemoryGateway) OpenChannel(ctx context.Context, params OpenParams) (Channel, error) {
	if params.PartyA == "" || params.PartyB == "" {
		return Channel{}, fmt.Errorf("both channel parties required")
	}
	if params.Deposit <= 0 {
		return Channel{}, fmt.Errorf("deposit must be positive")
	}
	ch := &Channel{
		ID:      "ch-" + uuid.NewString(),
		PartyA:  params.PartyA,
		PartyB:  params.PartyB,
		Deposit: params.Deposit,
		Token:   params.Token,
		Allocation: map[string]float64{
			params.PartyA: params.Deposit,
			params.PartyB: 0,
		},
		Open: true,
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[ch.ID] = ch
	return snapshot(ch), nil
}

func (g *MemoryGateway) UpdateAllocation(ctx context.Context, channelID string, allocation map[string]float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if !ch.Open {
		return ErrChannelClosed
	}
	var sum float64
	for _, amount := range allocation {
		sum += amount
	}
	if math.Abs(sum-ch.Deposit) > 1e-9 {
		return fmt.Errorf("allocation sums to %v, deposit is %v", sum, ch.Deposit)
	}
	ch.Allocation = map[string]float64{}
	for party, amount := range allocation {
		ch.Allocation[party] = amount
	}
	return nil
}

func (g *MemoryGateway) CloseChannel(ctx context.Context, channelID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[channelID]
	if !ok {
		return "", ErrChannelNotFound
	}
	if !ch.Open {
		return "", ErrChannelClosed
	}
	ch.Open = false
	return simTxHash(), nil
}

func (g *MemoryGateway) Challenge(ctx context.Context, channelID, initiator string, proposed map[string]float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[channelID]
	if !ok {
		return "", ErrChannelNotFound
	}
	if !ch.Open {
		return "", ErrChannelClosed
	}
	if initiator != ch.PartyA && initiator != ch.PartyB {
		return "", fmt.Errorf("initiator %s is not a channel party", initiator)
	}
	return simTxHash(), nil
}

// GetChannel exposes simulated channel state for tests and diagnostics.
func (g *MemoryGateway) GetChannel(channelID string) (Channel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[channelID]
	if !ok {
		return Channel{}, false
	}
	return snapshot(ch), true
}

func snapshot(ch *Channel) Channel {
	out := *ch
	out.Allocation = map[string]float64{}
	for party, amount := range ch.Allocation {
		out.Allocation[party] = amount
	}
	return out
}
