package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint rejects an insert —
// spec §4.4's "last-line guarantee against duplicates": another worker
// already won the race. Callers treat this as "no match created", not
// as a fatal error (spec §7 Integrity taxonomy).
var ErrConflict = errors.New("store: conflict")

// LockSession is a cooperative advisory-lock holder bound to one
// underlying connection/session. Within a session, re-locking a key
// already held by that same session succeeds immediately (mirrors
// Postgres's session-scoped pg_advisory_lock reentrancy) — this is
// what lets the scheduler's own per-user lock and the Pair Creator's
// two-lock protocol nest instead of deadlocking against themselves.
// Across sessions, TryLock never blocks: a contested key fails fast so
// the caller can abandon and retry on the next tick (spec §5).
type LockSession interface {
	// TryLock attempts to acquire key without blocking. ok is false if
	// another session already holds it.
	TryLock(ctx context.Context, key string) (ok bool, err error)
	// Unlock releases one level of key. Unlocking a key this session
	// does not hold is a no-op.
	Unlock(ctx context.Context, key string) error
	// Close releases every key still held by this session (in no
	// particular order) and returns the underlying resource.
	Close() error
}

// Tx is a single transactional view over the store's tables, with
// row-level locking via *ForUpdate reads. All of Pair Creator's
// mutating steps (spec §4.4; its advisory locks are taken outside) and all of Vote Resolver's read-modify-write
// (spec §4.5) happen inside one Tx.
type Tx interface {
	// Users. Identity/profile fields (age, gender, preferences) are
	// seeded by the external auth/profile owner (spec §1); liveness and
	// cooldown fields are mutated only by commands and scheduler ticks
	// (spec §5's shared-resource policy).
	GetUser(ctx context.Context, userID string) (*User, error)
	// UpdateUserLiveness sets online and last_active (Heartbeat,
	// Disconnect).
	UpdateUserLiveness(ctx context.Context, userID string, online bool, lastActive time.Time) error
	// SetCooldownUntil sets or clears (until == nil) the user's
	// cooldown_until (Disconnect sets it; the cooldown tick clears it).
	SetCooldownUntil(ctx context.Context, userID string, until *time.Time) error

	// UserState.
	GetUserState(ctx context.Context, userID string) (*UserState, error)
	GetUserStateForUpdate(ctx context.Context, userID string) (*UserState, error)
	PutUserState(ctx context.Context, s *UserState) error

	// Queue.
	InsertQueueEntry(ctx context.Context, e *QueueEntry) error
	GetQueueEntry(ctx context.Context, userID string) (*QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e *QueueEntry) error
	DeleteQueueEntry(ctx context.Context, userID string) error
	// ListWaitingQueue returns up to limit queue entries ordered by
	// fairness DESC, joined_at ASC (spec §4.2's candidate selection
	// order), the order the match tick walks the queue in.
	ListWaitingQueue(ctx context.Context, limit int) ([]QueueEntry, error)
	// ListStaleQueueEntries returns queue entries whose user has gone
	// quiet, for the offline eviction tick (spec §4.6).
	ListStaleQueueEntries(ctx context.Context, lastActiveBefore time.Time, limit int) ([]QueueEntry, error)

	// Matches.
	InsertMatch(ctx context.Context, m *Match) error
	GetMatch(ctx context.Context, matchID string) (*Match, error)
	GetMatchForUpdate(ctx context.Context, matchID string) (*Match, error)
	UpdateMatch(ctx context.Context, m *Match) error
	// GetActiveMatchForUser returns the user's single non-completed
	// match, if any (spec §3 invariant: at most one per user, P2).
	GetActiveMatchForUser(ctx context.Context, userID string) (*Match, error)
	// ListExpiredVoteActive returns vote_active matches whose window has
	// closed (spec §4.5 ResolveExpired, §4.6 expiry tick).
	ListExpiredVoteActive(ctx context.Context, now time.Time, limit int) ([]Match, error)
	// ListStalePaired returns paired matches older than olderThan with
	// no vote window opened yet (spec §4.6 repair tick).
	ListStalePaired(ctx context.Context, olderThan time.Time, limit int) ([]Match, error)
	// ListOverdueVoteActive returns vote_active matches whose expiry
	// plus the repair grace period has passed without resolution
	// (spec §4.6 repair tick, P8).
	ListOverdueVoteActive(ctx context.Context, deadline time.Time, limit int) ([]Match, error)

	// Votes.
	UpsertVote(ctx context.Context, v *Vote) error
	GetVotes(ctx context.Context, matchID string) ([]Vote, error)

	// History / exclusions.
	InsertPairHistory(ctx context.Context, lo, hi string, at time.Time) error
	GetPairHistory(ctx context.Context, lo, hi string) (*PairHistory, error)
	InsertNeverPair(ctx context.Context, lo, hi string) error
	IsNeverPair(ctx context.Context, lo, hi string) (bool, error)

	// Candidate search (spec §4.3); read-only.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]QueueEntry, error)

	// Event log (spec §4.1: "records every legal transition").
	AppendEvent(ctx context.Context, e TransitionEvent) error

	// ListCooldownExpired returns UserStates in state=cooldown whose
	// backing User.CooldownUntil has elapsed (spec §4.6 cooldown tick).
	ListCooldownExpired(ctx context.Context, now time.Time, limit int) ([]UserState, error)

	// QueueDepth is an advisory-only admin read (SPEC_FULL.md
	// supplemented feature 1: GetQueueSnapshot).
	QueueDepth(ctx context.Context) (total int, byStage map[int]int, err error)
}

// Store is the top-level handle: it mints transactions and advisory
// lock sessions. Every mutating operation in the matchmaking core goes
// through WithTx; advisory locks are acquired via NewLockSession and
// released via LockSession.Close/Unlock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	NewLockSession(ctx context.Context) (LockSession, error)
	Close() error
}
