// Package fairness scores queue entries so the scheduler's match tick
// and the candidate finder both walk the queue in the same
// fairness-weighted order (spec §4.2).
package fairness

import (
	"time"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/store"
)

// InitialScore is the fairness value assigned on enqueue.
const InitialScore = 0

// YesBoost is added to a queue entry's fairness when the user who
// voted "yes" respins after a non-mutual outcome.
func YesBoost(tuning config.Tuning) int { return tuning.FairnessYesBoost }

// ApplyWaitBoosts mutates e in place, adding any cumulative wait-time
// boost thresholds crossed since LastExpandedAt (reused here as the
// "last boost applied at" marker, since both operations are driven off
// the same continuous-wait clock). Each threshold fires once.
//
// Boosts are cumulative: a user who has waited past the 60s threshold
// has already received the 20s and 40s boosts from earlier ticks, not
// all three at once on this call — callers must invoke this once per
// fairness tick, not retroactively.
func ApplyWaitBoosts(e *store.QueueEntry, tuning config.Tuning, now time.Time) {
	if e.LastExpandedAt == nil {
		joined := e.JoinedAt
		e.LastExpandedAt = &joined
	}
	waited := now.Sub(e.JoinedAt)
	appliedUpTo := e.LastExpandedAt.Sub(e.JoinedAt)

	for _, b := range tuning.WaitBoosts {
		threshold := time.Duration(b.AfterSeconds) * time.Second
		if waited >= threshold && appliedUpTo < threshold {
			e.Fairness += b.Add
		}
	}
	applied := now
	e.LastExpandedAt = &applied
}

// Less implements the candidate/queue ordering of spec §4.2 and §4.3:
// fairness DESC, joined_at ASC. Callers apply a deterministic
// tiebreaker (see the candidates package's tiebreak) when both compare equal.
func Less(a, b store.QueueEntry) bool {
	if a.Fairness != b.Fairness {
		return a.Fairness > b.Fairness
	}
	return a.JoinedAt.Before(b.JoinedAt)
}
