// Package pairing implements atomic, deadlock-free promotion of two
// waiting users into a vote_active match (spec §4.4).
package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/notify"
	"spin.casa/matchcore/statemachine"
	"spin.casa/matchcore/store"
)

// Outcome tags the result of a CreatePair attempt so callers cannot
// misinterpret a non-error "nothing happened" as a failure (spec §9:
// "tagged variant results... so callers cannot misinterpret outcome
// branching").
type Outcome int

const (
	// OutcomeCreated: a new vote_active match now exists for (a, b).
	OutcomeCreated Outcome = iota
	// OutcomeBusy: at least one of the two advisory locks was already
	// held elsewhere; caller should skip and retry on a later tick.
	OutcomeBusy
	// OutcomeNoMatch: locks were acquired but re-validation failed, or
	// the unique index rejected the insert (another worker won the
	// race). No state changed.
	OutcomeNoMatch
)

// Creator promotes two queued users into a match under the two-lock
// protocol of spec §4.4.
type Creator struct {
	Store     store.Store
	Tuning    config.Tuning
	Publisher *notify.Publisher
}

func New(st store.Store, tuning config.Tuning, pub *notify.Publisher) *Creator {
	return &Creator{Store: st, Tuning: tuning, Publisher: pub}
}

// CreatePair attempts to pair a and b. a == b is a caller bug, not a
// runtime condition; it is not specially handled here.
//
// The six steps below (canonicalize, lock lo-then-hi, re-validate,
// insert match, delete queue entries + transition to matched,
// immediately open the vote window) all happen inside one
// transaction, matching spec §4.4's "single transaction" requirement
// — the two advisory locks are acquired on a LockSession that outlives
// the transaction by design, since lock acquisition must happen before
// the transaction begins (Postgres advisory locks are session-scoped,
// not transaction-scoped) and must be released after it commits or
// rolls back.
func (c *Creator) CreatePair(ctx context.Context, lockSession store.LockSession, a, b string, now time.Time) (Outcome, error) {
	lo, hi := store.Canon(a, b)

	okLo, err := lockSession.TryLock(ctx, lockKey(lo))
	if err != nil {
		return OutcomeBusy, err
	}
	if !okLo {
		return OutcomeBusy, nil
	}
	defer lockSession.Unlock(ctx, lockKey(lo))

	okHi, err := lockSession.TryLock(ctx, lockKey(hi))
	if err != nil {
		return OutcomeBusy, err
	}
	if !okHi {
		return OutcomeBusy, nil
	}
	defer lockSession.Unlock(ctx, lockKey(hi))

	var outcome Outcome
	var matchID string
	var expiresAt time.Time

	err = c.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := c.revalidate(ctx, tx, lo, hi, now)
		if err != nil {
			return err
		}
		if !ok {
			outcome = OutcomeNoMatch
			return nil
		}

		matchID = uuid.NewString()
		expiresAt = now.Add(c.Tuning.VoteWindow())

		m := &store.Match{
			ID:                  matchID,
			UserLoID:            lo,
			UserHiID:            hi,
			Status:              store.MatchVoteActive,
			CreatedAt:           now,
			VoteWindowStartedAt: &now,
			VoteWindowExpiresAt: &expiresAt,
		}
		if err := tx.InsertMatch(ctx, m); err != nil {
			if errors.Is(err, store.ErrConflict) {
				outcome = OutcomeNoMatch
				return nil
			}
			return err
		}

		if err := tx.DeleteQueueEntry(ctx, lo); err != nil {
			return err
		}
		if err := tx.DeleteQueueEntry(ctx, hi); err != nil {
			return err
		}

		if err := transitionToVoteWindow(ctx, tx, lo, hi, matchID, now); err != nil {
			return err
		}
		if err := transitionToVoteWindow(ctx, tx, hi, lo, matchID, now); err != nil {
			return err
		}

		outcome = OutcomeCreated
		return nil
	})
	if err != nil {
		return OutcomeNoMatch, err
	}

	if outcome == OutcomeCreated && c.Publisher != nil {
		c.Publisher.MatchCreated(ctx, matchID, lo, hi, expiresAt)
		c.Publisher.UserStateChanged(ctx, lo, string(store.StateVoteWindow), matchID)
		c.Publisher.UserStateChanged(ctx, hi, string(store.StateVoteWindow), matchID)
	}
	return outcome, nil
}

// transitionToVoteWindow drives one participant straight from waiting
// to vote_window — matched is collapsed into the same transactional
// step per spec §9 ("trigger-driven invariant... re-express as a
// single transactional step inside Pair Creator rather than a
// post-write trigger").
func transitionToVoteWindow(ctx context.Context, tx store.Tx, userID, partnerID, matchID string, now time.Time) error {
	state, err := tx.GetUserStateForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	mid := matchID
	pid := partnerID
	matched, event1, err := statemachine.Apply(state, statemachine.Move{
		UserID: userID, To: store.StateMatched, Cause: statemachine.CausePairCreated,
		MatchID: &mid, PartnerID: &pid, Now: now,
	})
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, event1); err != nil {
		return err
	}
	voteWindow, event2, err := statemachine.Apply(matched, statemachine.Move{
		UserID: userID, To: store.StateVoteWindow, Cause: statemachine.CauseVoteWindowOpened,
		MatchID: &mid, PartnerID: &pid, Now: now,
	})
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, event2); err != nil {
		return err
	}
	return tx.PutUserState(ctx, voteWindow)
}

// revalidate re-checks eligibility with both locks held (spec §4.4
// step 3's double-checked locking): both users still waiting, in
// queue, online, and neither already holds a non-completed match.
func (c *Creator) revalidate(ctx context.Context, tx store.Tx, lo, hi string, now time.Time) (bool, error) {
	for _, id := range []string{lo, hi} {
		state, err := tx.GetUserStateForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if state.State != store.StateWaiting {
			return false, nil
		}
		if _, err := tx.GetQueueEntry(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if _, err := tx.GetActiveMatchForUser(ctx, id); err == nil {
			return false, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		user, err := tx.GetUser(ctx, id)
		if err != nil {
			return false, err
		}
		if !user.Online {
			return false, nil
		}
	}

	isNeverPair, err := tx.IsNeverPair(ctx, lo, hi)
	if err != nil {
		return false, err
	}
	if isNeverPair {
		return false, nil
	}
	return true, nil
}

func lockKey(userID string) string { return "mm:user:" + userID }
