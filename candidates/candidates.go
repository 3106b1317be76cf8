// Package candidates implements the eligibility scan and tiered
// preference relaxation of spec §4.3: given a waiting user, find at
// most one eligible partner.
package candidates

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"time"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/store"
)

// MaxTier is the highest preference relaxation stage.
const MaxTier = 3

// CurrentTier derives the search tier from how long a user has
// continuously waited, per spec §4.3's threshold table.
func CurrentTier(waited time.Duration, tuning config.Tuning) int {
	tier := 0
	for t := MaxTier; t >= 0; t-- {
		if waited >= tuning.TierThreshold(t) {
			tier = t
			break
		}
	}
	return tier
}

// Finder scans the queue for an eligible partner for one requester.
type Finder struct {
	OfflineGrace    time.Duration
	HistoryCooldown time.Duration
}

// NewFinder builds a Finder from tuning. OfflineGrace is fixed at 10s
// by spec §4.3 regardless of the offline-eviction threshold used
// elsewhere, since liveness-for-matching and liveness-for-eviction are
// deliberately different windows.
func NewFinder(tuning config.Tuning) Finder {
	return Finder{
		OfflineGrace:    10 * time.Second,
		HistoryCooldown: tuning.HistoryCooldown(),
	}
}

// Find returns the single best eligible candidate for requester, or
// ok=false if none exists at this tier. Absence of a candidate is not
// an error (spec §4.3 "Failure modes").
func (f Finder) Find(ctx context.Context, tx store.Tx, requester *store.User, tier int, now time.Time) (candidateID string, ok bool, err error) {
	rows, err := tx.FindCandidates(ctx, store.CandidateQuery{
		RequesterID:     requester.ID,
		RequesterGender: requester.Gender,
		Preferences:     requester.Preferences,
		Age:             requester.Age,
		DistanceAnchor:  requester.DistanceAnchor,
		Tier:            tier,
		Now:             now,
		OfflineGrace:    f.OfflineGrace,
		HistoryCooldown: f.HistoryCooldown,
	})
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Fairness != rows[j].Fairness {
			return rows[i].Fairness > rows[j].Fairness
		}
		if !rows[i].JoinedAt.Equal(rows[j].JoinedAt) {
			return rows[i].JoinedAt.Before(rows[j].JoinedAt)
		}
		return tiebreak(requester.ID, rows[i].UserID) < tiebreak(requester.ID, rows[j].UserID)
	})

	// Double-check: a candidate that already owns a non-completed match
	// slipped past the queue snapshot (spec §4.3's explicit re-check).
	for _, r := range rows {
		_, err := tx.GetActiveMatchForUser(ctx, r.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return r.UserID, true, nil
		}
		if err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

// tiebreak produces a deterministic pseudo-random ordering key seeded
// by the ordered pair (spec §4.3: "deterministic random tiebreaker
// seeded by the pair... to discourage livelock"). Two workers racing
// on the same pair always compute the same key, so neither can starve
// the other by getting a fresh random draw each retry.
func tiebreak(requesterID, candidateID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(requesterID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(candidateID))
	return h.Sum64()
}
