package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/store"
)

func TestMemoryLockSessionReentrant(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	sess, err := m.NewLockSession(ctx)
	require.NoError(t, err)
	defer sess.Close()

	ok, err := sess.TryLock(ctx, "user:a")
	require.NoError(t, err)
	require.True(t, ok)

	// Re-locking the same key from the same session must succeed
	// (spec §4.4's nested lo/hi protocol nested under the scheduler's
	// own per-user lock depends on this).
	ok, err = sess.TryLock(ctx, "user:a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sess.Unlock(ctx, "user:a"))
	// Still held once more (double-locked above).
	ok2, err := sess.TryLock(ctx, "user:a")
	require.NoError(t, err)
	require.True(t, ok2)
}

func TestMemoryLockSessionExcludesOtherSessions(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	s1, err := m.NewLockSession(ctx)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := m.NewLockSession(ctx)
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s1.TryLock(ctx, "user:b")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s2.TryLock(ctx, "user:b")
	require.NoError(t, err)
	require.False(t, ok, "a second session must not acquire a key already held elsewhere")

	require.NoError(t, s1.Unlock(ctx, "user:b"))

	ok, err = s2.TryLock(ctx, "user:b")
	require.NoError(t, err)
	require.True(t, ok, "key must become available once the holder releases it")
}

func TestMemoryLockSessionCloseReleasesAll(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	s1, err := m.NewLockSession(ctx)
	require.NoError(t, err)
	ok, err := s1.TryLock(ctx, "user:c")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s1.Close())

	s2, err := m.NewLockSession(ctx)
	require.NoError(t, err)
	defer s2.Close()
	ok, err = s2.TryLock(ctx, "user:c")
	require.NoError(t, err)
	require.True(t, ok, "Close must release every key the session held")
}

func TestQueueInsertConflict(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: "u1", JoinedAt: time.Now()}))
		err := tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: "u1", JoinedAt: time.Now()})
		require.ErrorIs(t, err, store.ErrConflict)
		return nil
	})
	require.NoError(t, err)
}

func TestMatchInsertConflictOnActivePair(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	now := time.Now()
	err := m.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lo, hi := store.Canon("alice", "bob")
		require.NoError(t, tx.InsertMatch(ctx, &store.Match{
			ID: "m1", UserLoID: lo, UserHiID: hi, Status: store.MatchPaired, CreatedAt: now,
		}))
		err := tx.InsertMatch(ctx, &store.Match{
			ID: "m2", UserLoID: lo, UserHiID: hi, Status: store.MatchPaired, CreatedAt: now,
		})
		require.ErrorIs(t, err, store.ErrConflict)
		return nil
	})
	require.NoError(t, err)
}

func TestFindCandidatesRespectsNeverPair(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	m.SeedUser(store.User{ID: "req", Age: 28, Gender: store.GenderFemale, Online: true, LastActive: now,
		Preferences: store.Preferences{MinAge: 25, MaxAge: 35, MaxDistanceKm: 20, GenderPref: store.GenderMale}})
	m.SeedUser(store.User{ID: "c1", Age: 30, Gender: store.GenderMale, Online: true, LastActive: now,
		Preferences: store.Preferences{GenderPref: store.GenderFemale}})
	m.SeedUser(store.User{ID: "c2", Age: 29, Gender: store.GenderMale, Online: true, LastActive: now,
		Preferences: store.Preferences{GenderPref: store.GenderFemale}})

	err := m.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PutUserState(ctx, &store.UserState{UserID: "c1", State: store.StateWaiting}))
		require.NoError(t, tx.PutUserState(ctx, &store.UserState{UserID: "c2", State: store.StateWaiting}))
		require.NoError(t, tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: "c1", JoinedAt: now, Fairness: 5}))
		require.NoError(t, tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: "c2", JoinedAt: now, Fairness: 10}))

		lo, hi := store.Canon("req", "c1")
		require.NoError(t, tx.InsertNeverPair(ctx, lo, hi))

		candidates, err := tx.FindCandidates(ctx, store.CandidateQuery{
			RequesterID:     "req",
			RequesterGender: store.GenderFemale,
			Preferences:     store.Preferences{MinAge: 25, MaxAge: 35, MaxDistanceKm: 20, GenderPref: store.GenderMale},
			Now:             now,
			OfflineGrace:    time.Minute,
			HistoryCooldown: time.Hour,
		})
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		require.Equal(t, "c2", candidates[0].UserID)
		return nil
	})
	require.NoError(t, err)
}
