// Package vote implements the vote window lifecycle: recording votes,
// detecting completion, and resolving expired windows (spec §4.5).
package vote

import (
	"context"
	"errors"
	"time"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/notify"
	"spin.casa/matchcore/statemachine"
	"spin.casa/matchcore/store"

	matcherrors "spin.casa/matchcore/errors"
)

// Result tags what RecordVote did, so callers cannot mistake "waiting
// on the other participant" for an error (spec §9).
type Result struct {
	Waiting bool
	Outcome store.Outcome // valid only if !Waiting
}

// Resolver records votes and resolves completed or expired matches.
// This is grounded on the write-first two-phase consensus shape:
// record the caller's own choice unconditionally, then re-read both
// votes to decide whether the pair is complete, rather than branching
// on a precomputed "is this the second voter" guess that duplicate or
// out-of-order deliveries could get wrong.
type Resolver struct {
	Store     store.Store
	Tuning    config.Tuning
	Publisher *notify.Publisher
}

func New(st store.Store, tuning config.Tuning, pub *notify.Publisher) *Resolver {
	return &Resolver{Store: st, Tuning: tuning, Publisher: pub}
}

// RecordVote implements spec §4.5 steps 1-7.
func (r *Resolver) RecordVote(ctx context.Context, matchID, userID string, value store.VoteValue, now time.Time) (Result, error) {
	var result Result
	var participants []string
	var loState, hiState store.UserFSMState
	err := r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrInvalidMatch
			}
			return err
		}
		if m.Status != store.MatchVoteActive {
			return matcherrors.ErrNotInVoteWindow
		}
		if m.VoteWindowExpiresAt == nil || now.After(*m.VoteWindowExpiresAt) {
			return matcherrors.ErrExpired
		}
		if !m.Has(userID) {
			return matcherrors.ErrNotParticipant
		}
		participants = []string{m.UserLoID, m.UserHiID}

		state, err := tx.GetUserStateForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if state.State != store.StateVoteWindow {
			return matcherrors.ErrNotInVoteWindow
		}

		if err := tx.UpsertVote(ctx, &store.Vote{MatchID: matchID, UserID: userID, Value: value, CreatedAt: now}); err != nil {
			return err
		}

		votes, err := tx.GetVotes(ctx, matchID)
		if err != nil {
			return err
		}
		loVote, hiVote, complete := pairVotes(m, votes)
		if !complete {
			result = Result{Waiting: true}
			return nil
		}

		outcome := outcomeFor(loVote, hiVote)
		loState, hiState, err = r.complete(ctx, tx, m, outcome, loVote, hiVote, now)
		if err != nil {
			return err
		}
		result = Result{Waiting: false, Outcome: outcome}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if r.Publisher != nil {
		r.Publisher.VoteRecorded(ctx, matchID, userID, string(value), participants)
		if !result.Waiting {
			r.Publisher.MatchCompleted(ctx, matchID, string(result.Outcome), participants)
			r.Publisher.UserStateChanged(ctx, participants[0], string(loState), matchID)
			r.Publisher.UserStateChanged(ctx, participants[1], string(hiState), matchID)
		}
	}
	return result, nil
}

// ResolveExpired implements spec §4.5's ResolveExpired(): every
// vote_active match whose window has closed is force-completed,
// treating any missing vote as idle.
func (r *Resolver) ResolveExpired(ctx context.Context, now time.Time, batchSize int) (resolved int, err error) {
	type completedMatch struct {
		id             string
		outcome        store.Outcome
		participants   []string
		loState        store.UserFSMState
		hiState        store.UserFSMState
	}
	var done []completedMatch

	err = r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		matches, err := tx.ListExpiredVoteActive(ctx, now, batchSize)
		if err != nil {
			return err
		}
		for _, m := range matches {
			mCopy := m
			locked, err := tx.GetMatchForUpdate(ctx, m.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if locked.Status != store.MatchVoteActive {
				continue
			}
			votes, err := tx.GetVotes(ctx, m.ID)
			if err != nil {
				return err
			}
			loVote, hiVote, _ := pairVotes(&mCopy, votes)
			outcome := outcomeForExpired(loVote, hiVote)
			loState, hiState, err := r.complete(ctx, tx, locked, outcome, loVote, hiVote, now)
			if err != nil {
				return err
			}
			done = append(done, completedMatch{
				id:           locked.ID,
				outcome:      outcome,
				participants: []string{locked.UserLoID, locked.UserHiID},
				loState:      loState,
				hiState:      hiState,
			})
			resolved++
		}
		return nil
	})
	if err != nil {
		return resolved, err
	}
	if r.Publisher != nil {
		for _, d := range done {
			r.Publisher.MatchCompleted(ctx, d.id, string(d.outcome), d.participants)
			r.Publisher.UserStateChanged(ctx, d.participants[0], string(d.loState), d.id)
			r.Publisher.UserStateChanged(ctx, d.participants[1], string(d.hiState), d.id)
		}
	}
	return resolved, nil
}

// pairVotes extracts the lo/hi participants' votes. A nil VoteValue
// pointer means "no vote recorded". complete is true only when both
// sides have voted — used by RecordVote (never by ResolveExpired,
// which always treats absent votes as idle regardless of complete).
func pairVotes(m *store.Match, votes []store.Vote) (lo, hi *store.VoteValue, complete bool) {
	for i := range votes {
		v := votes[i].Value
		switch votes[i].UserID {
		case m.UserLoID:
			lo = &v
		case m.UserHiID:
			hi = &v
		}
	}
	return lo, hi, lo != nil && hi != nil
}

func outcomeFor(lo, hi *store.VoteValue) store.Outcome {
	switch {
	case *lo == store.VoteYes && *hi == store.VoteYes:
		return store.OutcomeBothYes
	case *lo == store.VoteYes && *hi == store.VotePass:
		return store.OutcomeYesPass
	case *lo == store.VotePass && *hi == store.VoteYes:
		return store.OutcomeYesPass
	default:
		return store.OutcomePassPass
	}
}

func outcomeForExpired(lo, hi *store.VoteValue) store.Outcome {
	switch {
	case lo == nil && hi == nil:
		return store.OutcomeIdleIdle
	case lo == nil:
		if *hi == store.VoteYes {
			return store.OutcomeYesIdle
		}
		return store.OutcomePassIdle
	case hi == nil:
		if *lo == store.VoteYes {
			return store.OutcomeYesIdle
		}
		return store.OutcomePassIdle
	default:
		return outcomeFor(lo, hi)
	}
}

// complete applies the shared tail of RecordVote step 6 and
// ResolveExpired: mark the match completed, transition both users,
// insert history, insert never_pair only on both_yes.
func (r *Resolver) complete(ctx context.Context, tx store.Tx, m *store.Match, outcome store.Outcome, loVote, hiVote *store.VoteValue, now time.Time) (store.UserFSMState, store.UserFSMState, error) {
	return completeMatch(ctx, tx, m, outcome, loVote, hiVote, r.Tuning, now)
}

// ForceResolveOne force-completes a single vote_active match within an
// already-open transaction, treating any missing vote as idle. This is
// the same tail ResolveExpired applies in bulk, exposed for Disconnect
// (spec §4.7: "treat as idle vote, same semantics as missing vote at
// expiry") to call immediately rather than waiting for the next
// expiry tick.
func ForceResolveOne(ctx context.Context, tx store.Tx, m *store.Match, tuning config.Tuning, now time.Time) (map[string]store.UserFSMState, error) {
	votes, err := tx.GetVotes(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	loVote, hiVote, _ := pairVotes(m, votes)
	outcome := outcomeForExpired(loVote, hiVote)
	loState, hiState, err := completeMatch(ctx, tx, m, outcome, loVote, hiVote, tuning, now)
	if err != nil {
		return nil, err
	}
	return map[string]store.UserFSMState{m.UserLoID: loState, m.UserHiID: hiState}, nil
}

func completeMatch(ctx context.Context, tx store.Tx, m *store.Match, outcome store.Outcome, loVote, hiVote *store.VoteValue, tuning config.Tuning, now time.Time) (store.UserFSMState, store.UserFSMState, error) {
	m.Status = store.MatchCompleted
	m.Outcome = &outcome
	m.VoteWindowStartedAt = nil
	m.VoteWindowExpiresAt = nil
	if err := tx.UpdateMatch(ctx, m); err != nil {
		return "", "", err
	}

	cause := statemachine.CauseRespin
	if outcome == store.OutcomeBothYes {
		cause = statemachine.CauseBothYes
	} else if outcome == store.OutcomeIdleIdle || loVote == nil || hiVote == nil {
		cause = statemachine.CauseIdleOutcome
	}

	loNext, loBoost := perSideOutcome(loVote, outcome)
	hiNext, hiBoost := perSideOutcome(hiVote, outcome)

	if err := transitionParticipant(ctx, tx, m.UserLoID, loNext, loBoost, cause, tuning, now); err != nil {
		return "", "", err
	}
	if err := transitionParticipant(ctx, tx, m.UserHiID, hiNext, hiBoost, cause, tuning, now); err != nil {
		return "", "", err
	}

	if err := tx.InsertPairHistory(ctx, m.UserLoID, m.UserHiID, now); err != nil {
		return "", "", err
	}
	if outcome == store.OutcomeBothYes {
		if err := tx.InsertNeverPair(ctx, m.UserLoID, m.UserHiID); err != nil {
			return "", "", err
		}
	}
	return loNext, hiNext, nil
}

// perSideOutcome returns one participant's next state and whether
// they receive the yes-voter respin fairness boost, per the tables in
// spec §4.5. vote is this participant's own recorded vote, nil if
// they never voted (the idle case).
func perSideOutcome(vote *store.VoteValue, outcome store.Outcome) (store.UserFSMState, bool) {
	switch outcome {
	case store.OutcomeBothYes:
		return store.StateVideoDate, false
	case store.OutcomeIdleIdle:
		return store.StateIdle, false
	case store.OutcomeYesIdle:
		if vote == nil {
			return store.StateIdle, false
		}
		return store.StateWaiting, true
	case store.OutcomePassIdle:
		if vote == nil {
			return store.StateIdle, false
		}
		return store.StateWaiting, false
	case store.OutcomeYesPass:
		if vote != nil && *vote == store.VoteYes {
			return store.StateWaiting, true
		}
		return store.StateWaiting, false
	default: // pass_pass
		return store.StateWaiting, false
	}
}

func transitionParticipant(ctx context.Context, tx store.Tx, userID string, next store.UserFSMState, boost bool, cause statemachine.Cause, tuning config.Tuning, now time.Time) error {
	state, err := tx.GetUserStateForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	updated, event, err := statemachine.Apply(state, statemachine.Move{
		UserID: userID, To: next, Cause: cause, Now: now,
	})
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return err
	}
	if err := tx.PutUserState(ctx, updated); err != nil {
		return err
	}
	if next == store.StateWaiting {
		entry := &store.QueueEntry{UserID: userID, JoinedAt: now, Fairness: 0}
		if boost {
			entry.Fairness = tuning.FairnessYesBoost
		}
		if err := tx.InsertQueueEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
