// Package statemachine is the sole authority over UserState.state
// transitions. Every mutation to a user's matchmaking state goes
// through Apply, which validates the move against the legal-transition
// table and hands back the event row to append to the log.
package statemachine

import (
	"fmt"
	"time"

	"spin.casa/matchcore/errors"
	"spin.casa/matchcore/store"
)

// Cause names why a transition happened, carried onto the event log
// row. These are domain facts, not free-form strings, so a reader of
// the log never has to guess what triggered a move.
type Cause string

const (
	CauseSpin            Cause = "spin"
	CausePairCreated      Cause = "pair_created"
	CauseVoteWindowOpened Cause = "vote_window_opened"
	CauseBothYes          Cause = "both_yes"
	CauseIdleOutcome      Cause = "idle_outcome"
	CauseRespin           Cause = "respin"
	CauseDateEnded        Cause = "date_ended"
	CauseDisconnect       Cause = "disconnect"
	CauseCooldownElapsed  Cause = "cooldown_elapsed"
	CauseOfflineEviction  Cause = "offline_eviction"
)

// transitions enumerates every legal (from, to) move (spec §4.1's
// table). Anything not listed here fails with ErrInvalidTransition.
var transitions = map[store.UserFSMState]map[store.UserFSMState]bool{
	store.StateIdle: {
		store.StateWaiting: true,
	},
	store.StateWaiting: {
		store.StateMatched: true,
	},
	store.StateMatched: {
		store.StateVoteWindow: true,
	},
	store.StateVoteWindow: {
		store.StateVideoDate: true,
		store.StateIdle:      true,
		store.StateWaiting:   true,
	},
	store.StateVideoDate: {
		store.StateIdle: true,
	},
	store.StateCooldown: {
		store.StateIdle: true,
	},
}

// Any state may move to cooldown (Disconnect while holding a match, or
// otherwise); this is expressed separately from the table above since
// it applies uniformly rather than per-from-state.
func isLegal(from, to store.UserFSMState) bool {
	if to == store.StateCooldown {
		return true
	}
	if from == to {
		return false
	}
	return transitions[from][to]
}

// Move describes a single requested transition.
type Move struct {
	UserID    string
	To        store.UserFSMState
	Cause     Cause
	MatchID   *string
	PartnerID *string
	Now       time.Time
}

// Apply validates and performs move against the current state loaded
// in current, returning the updated UserState and its event-log row. The
// caller is responsible for persisting both within the same
// transaction as whatever else the move is part of (spec §4.1: "in the
// same transaction that mutates the related entity").
func Apply(current *store.UserState, move Move) (*store.UserState, store.TransitionEvent, error) {
	from := current.State
	if !isLegal(from, move.To) {
		return nil, store.TransitionEvent{}, fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, move.To)
	}

	next := *current
	next.State = move.To
	next.LastActive = move.Now

	switch move.To {
	case store.StateWaiting:
		next.MatchID = nil
		next.PartnerID = nil
		if from == store.StateIdle {
			next.WaitingSince = &move.Now
		}
	case store.StateMatched, store.StateVoteWindow:
		next.MatchID = move.MatchID
		next.PartnerID = move.PartnerID
	case store.StateVideoDate:
		// match_id stays set through the date; cleared on date_ended.
	case store.StateIdle:
		next.MatchID = nil
		next.PartnerID = nil
		next.WaitingSince = nil
	case store.StateCooldown:
		next.MatchID = nil
		next.PartnerID = nil
		next.WaitingSince = nil
	}

	matchID := ""
	if move.MatchID != nil {
		matchID = *move.MatchID
	} else if current.MatchID != nil {
		matchID = *current.MatchID
	}

	event := store.TransitionEvent{
		UserID:    move.UserID,
		From:      from,
		To:        move.To,
		Cause:     string(move.Cause),
		MatchID:   matchID,
		Timestamp: move.Now,
	}
	return &next, event, nil
}

// ValidateTransition reports ErrInvalidTransition without constructing
// a Move, for callers that only need a precondition check. Vote
// Resolver's "user's state is vote_window" assertion and Pair Creator's
// re-validation step both use direct field comparison instead.
func ValidateTransition(from, to store.UserFSMState) error {
	if !isLegal(from, to) {
		return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, to)
	}
	return nil
}
