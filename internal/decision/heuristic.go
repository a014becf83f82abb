package decision

import (
	"context"
	"fmt"

	"github.com/example/stayrace/internal/domain/booking"
)

// Heuristic is the offline reasoner. It attempts whenever the listing shows
// as available and leans on similar past outcomes for confidence.
type Heuristic struct {
	// Abandon a listing after this many terminal failures recorded for it.
	AbandonAfter int
}

func (h Heuristic) Recommend(_ context.Context, st booking.PageState, history []booking.AttemptTrace) (booking.Recommendation, error) {
	abandonAfter := h.AbandonAfter
	if abandonAfter <= 0 {
		abandonAfter = 3
	}

	var lost, failed, confirmed int
	for _, t := range history {
		switch t.Outcome {
		case booking.OutcomeLostRace:
			lost++
		case booking.OutcomeTerminalFailure:
			if t.ListingID == st.Ref.ID {
				failed++
			}
		case booking.OutcomeConfirmed:
			confirmed++
		}
	}

	if failed >= abandonAfter {
		return booking.Recommendation{
			Action:     booking.ActionAbandon,
			Confidence: 0.8,
			Reason:     fmt.Sprintf("%d terminal failures on this listing", failed),
		}, nil
	}
	if !st.Available {
		return booking.Recommendation{Action: booking.ActionWait, Confidence: 0.9, Reason: "not available"}, nil
	}

	conf := 0.7
	reason := "available"
	if st.Scarce {
		conf += 0.15
		reason = "available and scarce"
	}
	// similar pages that were lost to others: act without hesitation
	if lost > 0 {
		conf += 0.05 * float64(min(lost, 3))
		reason += fmt.Sprintf(", %d similar races lost", lost)
	}
	if confirmed > 0 {
		conf += 0.05
	}
	if conf > 1 {
		conf = 1
	}
	return booking.Recommendation{Action: booking.ActionAttempt, Confidence: conf, Reason: reason}, nil
}
