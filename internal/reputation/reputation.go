package reputation

import (
	"math"

	"github.com/clawork/clawork/internal/models"
)

// Delta is one terminal-outcome adjustment to an agent's reputation
// aggregate. Intermediate transitions never produce deltas.
type Delta struct {
	ScoreDelta float64
	Jobs       int
	Positive   int
	Negative   int
	Feedback   *models.FeedbackEntry
}

// ForApproval scales the score change by the poster's rating:
// (rating-3)*0.1, so a 5 is +0.2 and a 1 is -0.2.
func ForApproval(rating int) Delta {
	return Delta{
		ScoreDelta: float64(rating-3) * 0.1,
		Jobs:       1,
		Positive:   1,
	}
}

// ForAutoRelease rewards the agent when the poster fails to review in time.
func ForAutoRelease() Delta {
	return Delta{ScoreDelta: 0.2, Jobs: 1, Positive: 1}
}

// ForDisputeWin applies when a dispute is resolved in the agent's favor.
func ForDisputeWin() Delta {
	return Delta{ScoreDelta: 0.1, Jobs: 1, Positive: 1}
}

// ForDisputeLoss applies when a dispute is resolved for the poster. Jobs
// (and therefore confidence) are unchanged; only the score and negative
// count move.
func ForDisputeLoss() Delta {
	return Delta{ScoreDelta: -0.5, Negative: 1}
}

// ApplyScore floors the running score at zero. There is no ceiling.
func ApplyScore(current, delta float64) float64 {
	return math.Max(0, current+delta)
}

// Confidence derives the 0..1 confidence value from the job count.
func Confidence(totalJobs int) float64 {
	return math.Min(1, float64(totalJobs)/10)
}
