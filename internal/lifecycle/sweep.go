package lifecycle

import (
	"context"
	"errors"
	"log"

	"github.com/clawork/clawork/internal/events"
	"github.com/clawork/clawork/internal/reputation"
	"github.com/clawork/clawork/internal/store"
)

type SweepOutcome struct {
	BountyID string `json:"bountyId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type SweepReport struct {
	Processed int            `json:"processed"`
	Released  int            `json:"released"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Results   []SweepOutcome `json:"results"`
}

// RunAutoReleaseSweep force-settles every SUBMITTED bounty whose review
// deadline has lapsed without a poster decision and no dispute pending.
// Each bounty goes through its own CAS, so a concurrent sweep (or a poster
// approving at the last moment) makes a bounty a skip, never a double
// settlement, and one bounty's failure never aborts the rest.
func (e *Engine) RunAutoReleaseSweep(ctx context.Context) (SweepReport, error) {
	now := e.now()
	candidates, err := e.store.ListAutoReleasable(ctx, now)
	if err != nil {
		return SweepReport{}, internalError(err)
	}

	report := SweepReport{Processed: len(candidates), Results: []SweepOutcome{}}
	for _, candidate := range candidates {
		outcome := SweepOutcome{BountyID: candidate.ID.String()}

		bounty, err := e.store.AutoReleaseBounty(ctx, candidate.ID, now)
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				outcome.Status = "skipped"
				report.Skipped++
			} else {
				outcome.Status = "failed"
				outcome.Error = err.Error()
				report.Failed++
				log.Printf("[lifecycle] auto-release failed for bounty %s: %v", candidate.ID, err)
			}
			report.Results = append(report.Results, outcome)
			continue
		}

		e.settle(ctx, &bounty, agentAllocation(bounty), "auto-release")
		e.applyReputation(ctx, bounty, reputation.ForAutoRelease())
		e.publish(ctx, events.TypeAutoReleased, bounty, nil)

		outcome.Status = "released"
		report.Released++
		report.Results = append(report.Results, outcome)
	}
	return report, nil
}
