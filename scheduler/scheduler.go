// Package scheduler drives the background reconciler loop of spec
// §4.6: seven independently-ticking sub-jobs that keep queue,
// matches, and user state converging under concurrency, disconnects,
// and partial failure, without any client ever invoking them directly.
package scheduler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"

	"spin.casa/matchcore/candidates"
	"spin.casa/matchcore/clock"
	"spin.casa/matchcore/config"
	"spin.casa/matchcore/notify"
	"spin.casa/matchcore/pairing"
	"spin.casa/matchcore/statemachine"
	"spin.casa/matchcore/store"
	"spin.casa/matchcore/vote"
	"spin.casa/matchcore/fairness"
)

// Scheduler is an explicitly started-and-stopped lifecycle object
// (spec §9: "represent [process-wide singletons] as an explicitly
// started and stopped lifecycle object"). Multiple instances pointed
// at the same Store are safe to run concurrently: every mutating step
// goes through an advisory lock or a unique-index guarded insert, so
// ticks are idempotent with respect to each other.
type Scheduler struct {
	Store     store.Store
	Tuning    config.Tuning
	Clock     clock.Clock
	Finder    candidates.Finder
	Pairer    *pairing.Creator
	Votes     *vote.Resolver
	Publisher *notify.Publisher
	Logger    zerolog.Logger
	Metrics   *Metrics

	sf singleflight.Group
}

// New builds a Scheduler with its default candidate finder.
func New(st store.Store, tuning config.Tuning, clk clock.Clock, pub *notify.Publisher, logger zerolog.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		Store:     st,
		Tuning:    tuning,
		Clock:     clk,
		Finder:    candidates.NewFinder(tuning),
		Pairer:    pairing.New(st, tuning, pub),
		Votes:     vote.New(st, tuning, pub),
		Publisher: pub,
		Logger:    logger,
		Metrics:   metrics,
	}
}

// Run blocks until ctx is cancelled, running all seven sub-jobs on
// their configured intervals. Each job is its own goroutine under a
// shared errgroup; a job's own error is logged and does not stop the
// others, matching spec §7's policy that the scheduler never surfaces
// errors to clients and always keeps making progress via the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"match", s.Tuning.MatchTick(), s.runMatchTick},
		{"expiry", s.Tuning.ExpiryTick(), s.runExpiryTick},
		{"expansion", s.Tuning.ExpansionTick(), s.runExpansionTick},
		{"fairness", s.Tuning.FairnessTick(), s.runFairnessTick},
		{"eviction", s.Tuning.EvictionTick(), s.runEvictionTick},
		{"repair", s.Tuning.RepairTick(), s.runRepairTick},
		{"cooldown", s.Tuning.CooldownTick(), s.runCooldownTick},
	}

	for _, j := range jobs {
		job := j
		g.Go(func() error {
			ticker := time.NewTicker(job.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if s.Metrics != nil {
						s.Metrics.tickRuns.WithLabelValues(job.name).Inc()
					}
					if err := job.run(ctx); err != nil {
						if s.Metrics != nil {
							s.Metrics.tickErrors.WithLabelValues(job.name).Inc()
						}
						s.Logger.Error().Err(err).Str("job", job.name).Msg("scheduler tick failed")
					}
				}
			}
		})
	}

	return g.Wait()
}

func lockKey(userID string) string { return "mm:user:" + userID }

// runMatchTick implements spec §4.6's match tick.
func (s *Scheduler) runMatchTick(ctx context.Context) error {
	now := s.Clock.Now()

	var entries []store.QueueEntry
	var depth int
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entries, err = tx.ListWaitingQueue(ctx, s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		depth, _, err = tx.QueueDepth(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.queueDepth.Set(float64(depth))
	}

	lockSession, err := s.Store.NewLockSession(ctx)
	if err != nil {
		return err
	}
	defer lockSession.Close()

	for _, entry := range entries {
		if err := s.processQueueEntry(ctx, lockSession, entry, now); err != nil {
			s.Logger.Warn().Err(err).Str("user_id", entry.UserID).Msg("match tick: skip entry")
		}
	}
	return nil
}

func (s *Scheduler) processQueueEntry(ctx context.Context, lockSession store.LockSession, entry store.QueueEntry, now time.Time) error {
	key := lockKey(entry.UserID)
	ok, err := lockSession.TryLock(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil // another tick owns this user right now.
	}
	defer lockSession.Unlock(ctx, key)

	var user *store.User
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.GetUser(ctx, entry.UserID)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return err
	}

	waited := now.Sub(entry.JoinedAt)
	tier := candidates.CurrentTier(waited, s.Tuning)

	var candidateID string
	var found bool
	err = s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		candidateID, found, err = s.Finder.Find(ctx, tx, user, tier, now)
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	lo, hi := store.Canon(entry.UserID, candidateID)
	_, err, _ = s.sf.Do(lo+"|"+hi, func() (interface{}, error) {
		outcome, err := s.Pairer.CreatePair(ctx, lockSession, entry.UserID, candidateID, now)
		if outcome == pairing.OutcomeCreated && s.Metrics != nil {
			s.Metrics.pairsCreated.Inc()
		}
		return outcome, err
	})
	return err
}

// runExpiryTick implements spec §4.6's expiry tick: ResolveExpired().
func (s *Scheduler) runExpiryTick(ctx context.Context) error {
	resolved, err := s.Votes.ResolveExpired(ctx, s.Clock.Now(), s.Tuning.BatchSize)
	if err != nil {
		return err
	}
	if resolved > 0 && s.Metrics != nil {
		s.Metrics.votesResolved.WithLabelValues("expired").Add(float64(resolved))
	}
	return nil
}

// runExpansionTick bumps preference_stage for queue entries whose wait
// has crossed a tier threshold (spec §4.6).
func (s *Scheduler) runExpansionTick(ctx context.Context) error {
	now := s.Clock.Now()
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entries, err := tx.ListWaitingQueue(ctx, s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			waited := now.Sub(e.JoinedAt)
			tier := candidates.CurrentTier(waited, s.Tuning)
			if tier > e.PreferenceStage {
				e.PreferenceStage = tier
				if err := tx.UpdateQueueEntry(ctx, &e); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// runFairnessTick applies wait-time boosts per spec §4.2 / §4.6.
func (s *Scheduler) runFairnessTick(ctx context.Context) error {
	now := s.Clock.Now()
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entries, err := tx.ListWaitingQueue(ctx, s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			before := e.Fairness
			fairness.ApplyWaitBoosts(&e, s.Tuning, now)
			if e.Fairness != before {
				if err := tx.UpdateQueueEntry(ctx, &e); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// runEvictionTick removes queue entries for users who have gone quiet
// (spec §4.6, P10). Never evicts a user who currently owns a
// non-completed match, matching the spec's explicit carve-out.
func (s *Scheduler) runEvictionTick(ctx context.Context) error {
	now := s.Clock.Now()
	var evictedUsers []string
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stale, err := tx.ListStaleQueueEntries(ctx, now.Add(-s.Tuning.OfflineThreshold()), s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		for _, e := range stale {
			if _, err := tx.GetActiveMatchForUser(ctx, e.UserID); err == nil {
				continue // owns a live match; leave it alone.
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.DeleteQueueEntry(ctx, e.UserID); err != nil {
				return err
			}
			state, err := tx.GetUserStateForUpdate(ctx, e.UserID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if state.State != store.StateWaiting {
				continue
			}
			next, event, err := statemachine.Apply(state, statemachine.Move{
				UserID: e.UserID, To: store.StateIdle, Cause: statemachine.CauseOfflineEviction, Now: now,
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
			evictedUsers = append(evictedUsers, e.UserID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(evictedUsers) > 0 {
		if s.Metrics != nil {
			s.Metrics.evictions.Add(float64(len(evictedUsers)))
		}
		if s.Publisher != nil {
			for _, uid := range evictedUsers {
				s.Publisher.Evicted(ctx, uid, "offline")
				s.Publisher.UserStateChanged(ctx, uid, string(store.StateIdle), "")
			}
		}
	}
	return nil
}

// runRepairTick force-progresses matches stuck in paired (no vote
// window opened) or vote_active past its window expiry (spec §4.6,
// P8); no extra grace period is added beyond the expiry. Under this implementation paired never actually
// outlives its own transaction (Pair Creator always opens the window
// in the same step, per spec §9), so the paired branch is a defensive
// backstop for any future caller that inserts a paired match without
// immediately opening its window.
func (s *Scheduler) runRepairTick(ctx context.Context) error {
	now := s.Clock.Now()
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stalePaired, err := tx.ListStalePaired(ctx, now.Add(-5*time.Second), s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		for _, m := range stalePaired {
			mCopy := m
			expiresAt := now.Add(s.Tuning.VoteWindow())
			mCopy.Status = store.MatchVoteActive
			mCopy.VoteWindowStartedAt = &now
			mCopy.VoteWindowExpiresAt = &expiresAt
			if err := tx.UpdateMatch(ctx, &mCopy); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Backstop for vote_active matches the expiry tick should already
	// have caught (spec §4.6, P8): force-resolve anything still open
	// past its own deadline, regardless of why the earlier tick missed it.
	_, err = s.Votes.ResolveExpired(ctx, now, s.Tuning.BatchSize)
	return err
}

// runCooldownTick releases users whose cooldown_until has elapsed
// (spec §4.6).
func (s *Scheduler) runCooldownTick(ctx context.Context) error {
	now := s.Clock.Now()
	var released []string
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		states, err := tx.ListCooldownExpired(ctx, now, s.Tuning.BatchSize)
		if err != nil {
			return err
		}
		for _, state := range states {
			next, event, err := statemachine.Apply(&state, statemachine.Move{
				UserID: state.UserID, To: store.StateIdle, Cause: statemachine.CauseCooldownElapsed, Now: now,
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
			if err := tx.SetCooldownUntil(ctx, state.UserID, nil); err != nil {
				return err
			}
			released = append(released, state.UserID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.Publisher != nil {
		for _, uid := range released {
			s.Publisher.UserStateChanged(ctx, uid, string(store.StateIdle), "")
		}
	}
	return nil
}
