// Package command implements the transport-agnostic command surface of
// spec §4.7 / §6: Spin, Heartbeat, Acknowledge, Vote, Disconnect,
// GetMatchStatus, plus the supplemented GetQueueSnapshot admin read and
// DateEnded command. Transport-specific glue (Nakama RPC registration)
// lives in rpc.go.
package command

import (
	"context"
	"errors"
	"time"

	"spin.casa/matchcore/candidates"
	"spin.casa/matchcore/clock"
	"spin.casa/matchcore/config"
	matcherrors "spin.casa/matchcore/errors"
	"spin.casa/matchcore/notify"
	"spin.casa/matchcore/pairing"
	"spin.casa/matchcore/statemachine"
	"spin.casa/matchcore/store"
	"spin.casa/matchcore/vote"
)

// Service wires the command surface to its collaborators. One Service
// is shared by every RPC invocation; it holds no per-call state.
type Service struct {
	Store     store.Store
	Tuning    config.Tuning
	Clock     clock.Clock
	Finder    candidates.Finder
	Pairer    *pairing.Creator
	Votes     *vote.Resolver
	Publisher *notify.Publisher
}

func New(st store.Store, tuning config.Tuning, clk clock.Clock, pub *notify.Publisher) *Service {
	return &Service{
		Store:     st,
		Tuning:    tuning,
		Clock:     clk,
		Finder:    candidates.NewFinder(tuning),
		Pairer:    pairing.New(st, tuning, pub),
		Votes:     vote.New(st, tuning, pub),
		Publisher: pub,
	}
}

// SpinResult is Spin's success payload.
type SpinResult struct {
	State         store.UserFSMState
	QueuePosition int
}

// Spin implements spec §4.7's Spin(user_id).
func (s *Service) Spin(ctx context.Context, userID string, now time.Time) (SpinResult, error) {
	var result SpinResult
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrUnknownUser
			}
			return err
		}
		if !user.Online {
			return matcherrors.ErrUserOffline
		}

		state, err := tx.GetUserStateForUpdate(ctx, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if state == nil {
			state = &store.UserState{UserID: userID, State: store.StateIdle, LastActive: now}
		}

		if user.CooldownUntil != nil && user.CooldownUntil.After(now) {
			return matcherrors.ErrInCooldown
		}
		switch state.State {
		case store.StateWaiting:
			return matcherrors.ErrAlreadyQueued
		case store.StateIdle:
			// proceeds below.
		default:
			return matcherrors.ErrAlreadyMatched
		}

		next, event, err := statemachine.Apply(state, statemachine.Move{
			UserID: userID, To: store.StateWaiting, Cause: statemachine.CauseSpin, Now: now,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.PutUserState(ctx, next); err != nil {
			return err
		}
		if err := tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: userID, JoinedAt: now, Fairness: 0}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return matcherrors.ErrAlreadyQueued
			}
			return err
		}

		total, _, err := tx.QueueDepth(ctx)
		if err != nil {
			return err
		}
		result = SpinResult{State: store.StateWaiting, QueuePosition: total}
		return nil
	})
	if err != nil {
		return SpinResult{}, err
	}

	if s.Publisher != nil {
		s.Publisher.Spun(ctx, userID, result.QueuePosition)
		s.Publisher.UserStateChanged(ctx, userID, string(store.StateWaiting), "")
	}

	// "Triggers an immediate match attempt for this user" (spec §4.7):
	// best-effort, outside the Spin transaction — a failure here just
	// means the next match tick picks the user up instead.
	s.tryImmediateMatch(ctx, userID, now)

	return result, nil
}

func (s *Service) tryImmediateMatch(ctx context.Context, userID string, now time.Time) {
	lockSession, err := s.Store.NewLockSession(ctx)
	if err != nil {
		return
	}
	defer lockSession.Close()

	ok, err := lockSession.TryLock(ctx, "mm:user:"+userID)
	if err != nil || !ok {
		return
	}
	defer lockSession.Unlock(ctx, "mm:user:"+userID)

	var user *store.User
	var candidateID string
	var found bool
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		user = u
		candidateID, found, err = s.Finder.Find(ctx, tx, user, 0, now)
		return err
	})
	if err != nil || !found {
		return
	}
	_, _ = s.Pairer.CreatePair(ctx, lockSession, userID, candidateID, now)
}

// Heartbeat implements spec §4.7's Heartbeat(user_id). Idempotent;
// never fails if the user exists.
func (s *Service) Heartbeat(ctx context.Context, userID string, now time.Time) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateUserLiveness(ctx, userID, true, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrUnknownUser
			}
			return err
		}
		return nil
	})
}

// Acknowledge implements spec §4.7's Acknowledge: a no-op once the
// vote window is already open (Pair Creator always opens it
// immediately, per spec §9), retained only so older clients that still
// call it get back the window's expiry instead of an error.
func (s *Service) Acknowledge(ctx context.Context, matchID, userID string) (time.Time, error) {
	var expiresAt time.Time
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrInvalidMatch
			}
			return err
		}
		if !m.Has(userID) {
			return matcherrors.ErrNotParticipant
		}
		if m.VoteWindowExpiresAt != nil {
			expiresAt = *m.VoteWindowExpiresAt
		}
		return nil
	})
	return expiresAt, err
}

// Vote implements spec §4.7's Vote, delegating to the Vote Resolver.
func (s *Service) Vote(ctx context.Context, matchID, userID string, value store.VoteValue, now time.Time) (vote.Result, error) {
	if value != store.VoteYes && value != store.VotePass {
		return vote.Result{}, matcherrors.ErrInvalidValue
	}
	return s.Votes.RecordVote(ctx, matchID, userID, value, now)
}

// userStateChange records one participant's post-transition state so
// it can be published once the enclosing transaction has committed.
type userStateChange struct {
	userID  string
	state   store.UserFSMState
	matchID string
}

// Disconnect implements spec §4.7's Disconnect(user_id).
func (s *Service) Disconnect(ctx context.Context, userID string, now time.Time) error {
	var changes []userStateChange
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateUserLiveness(ctx, userID, false, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrUnknownUser
			}
			return err
		}

		state, err := tx.GetUserStateForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // no FSM row yet: nothing to unwind.
			}
			return err
		}

		switch state.State {
		case store.StateWaiting:
			if err := tx.DeleteQueueEntry(ctx, userID); err != nil {
				return err
			}
			next, event, err := statemachine.Apply(state, statemachine.Move{
				UserID: userID, To: store.StateIdle, Cause: statemachine.CauseDisconnect, Now: now,
			})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
			if err := tx.PutUserState(ctx, next); err != nil {
				return err
			}
			changes = append(changes, userStateChange{userID: userID, state: next.State})
			return nil

		case store.StateMatched, store.StateVoteWindow:
			if state.MatchID == nil {
				return nil
			}
			matchID := *state.MatchID
			matchChanges, err := s.disconnectDuringMatch(ctx, tx, matchID, userID, now)
			if err != nil {
				return err
			}
			changes = append(changes, matchChanges...)
			cooldownChange, err := s.applyCooldown(ctx, tx, state, now)
			if err != nil {
				return err
			}
			changes = append(changes, cooldownChange)
			return nil

		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	if s.Publisher != nil {
		for _, c := range changes {
			s.Publisher.UserStateChanged(ctx, c.userID, string(c.state), c.matchID)
		}
	}
	return nil
}

// disconnectDuringMatch force-resolves the match a disconnecting user
// holds. It records no vote for userID; ResolveExpired-style
// completion is driven by whatever the match's current votes are, so
// a user who had not voted counts as idle. A vote userID already cast
// before disconnecting is kept and counts toward the outcome (for
// example yes_idle with userID as the yes voter). Here we force it
// immediately rather than waiting for the expiry tick, since the user
// is gone now.
func (s *Service) disconnectDuringMatch(ctx context.Context, tx store.Tx, matchID, userID string, now time.Time) ([]userStateChange, error) {
	m, err := tx.GetMatchForUpdate(ctx, matchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if m.Status != store.MatchVoteActive {
		return nil, nil
	}
	states, err := vote.ForceResolveOne(ctx, tx, m, s.Tuning, now)
	if err != nil {
		return nil, err
	}
	// The disconnecting user's state here is provisional: applyCooldown
	// immediately overrides it, so only the partner's resulting state is
	// worth publishing from this step.
	var changes []userStateChange
	for participant, state := range states {
		if participant == userID {
			continue
		}
		changes = append(changes, userStateChange{userID: participant, state: state, matchID: matchID})
	}
	return changes, nil
}

// applyCooldown puts userID into cooldown for disconnect_cooldown
// (spec §4.7: "apply cooldown of 30s, state → cooldown").
func (s *Service) applyCooldown(ctx context.Context, tx store.Tx, state *store.UserState, now time.Time) (userStateChange, error) {
	// Reload: disconnectDuringMatch may have already transitioned this
	// user out of vote_window as part of force-resolving the match.
	fresh, err := tx.GetUserStateForUpdate(ctx, state.UserID)
	if err != nil {
		return userStateChange{}, err
	}
	next, event, err := statemachine.Apply(fresh, statemachine.Move{
		UserID: state.UserID, To: store.StateCooldown, Cause: statemachine.CauseDisconnect, Now: now,
	})
	if err != nil {
		return userStateChange{}, err
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return userStateChange{}, err
	}
	if fresh.State == store.StateWaiting {
		if err := tx.DeleteQueueEntry(ctx, state.UserID); err != nil {
			return userStateChange{}, err
		}
	}
	until := now.Add(s.Tuning.DisconnectCooldown())
	if err := tx.SetCooldownUntil(ctx, state.UserID, &until); err != nil {
		return userStateChange{}, err
	}
	if err := tx.PutUserState(ctx, next); err != nil {
		return userStateChange{}, err
	}
	return userStateChange{userID: state.UserID, state: next.State}, nil
}

// DateEnded implements spec §4.1's video_date -> idle transition,
// triggered by the "external signal 'date ended'" the state table
// names: the video-conferencing layer itself is out of scope (spec
// §1), but something has to tell the core the date concluded, and
// this is its one entry point. Idempotent: a participant already past
// video_date is silently skipped, so a duplicate delivery of the same
// signal is harmless.
func (s *Service) DateEnded(ctx context.Context, matchID string, now time.Time) error {
	var changes []userStateChange
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return matcherrors.ErrInvalidMatch
			}
			return err
		}
		for _, participant := range []string{m.UserLoID, m.UserHiID} {
			state, err := tx.GetUserStateForUpdate(ctx, participant)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if state.State != store.StateVideoDate || state.MatchID == nil || *state.MatchID != matchID {
				continue
			}
			next, event, err := statemachine.Apply(state, statemachine.Move{
				UserID: participant, To: store.StateIdle, Cause: statemachine.CauseDateEnded, Now: now,
			})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
			if err := tx.PutUserState(ctx, next); err != nil {
				return err
			}
			changes = append(changes, userStateChange{userID: participant, state: next.State, matchID: matchID})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.Publisher != nil {
		for _, c := range changes {
			s.Publisher.UserStateChanged(ctx, c.userID, string(c.state), c.matchID)
		}
	}
	return nil
}

// MatchStatusResult is GetMatchStatus's payload.
type MatchStatusResult struct {
	State store.UserFSMState
	Match *store.Match
}

// GetMatchStatus implements spec §4.7's GetMatchStatus(user_id).
func (s *Service) GetMatchStatus(ctx context.Context, userID string) (MatchStatusResult, error) {
	var result MatchStatusResult
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		state, err := tx.GetUserState(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if _, uerr := tx.GetUser(ctx, userID); uerr != nil {
					return matcherrors.ErrUnknownUser
				}
				result.State = store.StateIdle
				return nil
			}
			return err
		}
		result.State = state.State
		if state.MatchID != nil {
			m, err := tx.GetMatch(ctx, *state.MatchID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			result.Match = m
		}
		return nil
	})
	return result, err
}

// QueueSnapshot is the supplemented GetQueueSnapshot admin read: an
// advisory view of queue depth by preference stage, not part of the
// core's command surface proper but useful for operators (see
// SPEC_FULL.md's supplemented features).
type QueueSnapshot struct {
	Total   int
	ByStage map[int]int
}

func (s *Service) GetQueueSnapshot(ctx context.Context) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		total, byStage, err := tx.QueueDepth(ctx)
		if err != nil {
			return err
		}
		snap = QueueSnapshot{Total: total, ByStage: byStage}
		return nil
	})
	return snap, err
}
