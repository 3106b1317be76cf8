package pairing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/pairing"
	"spin.casa/matchcore/store"
)

func seedWaiting(t *testing.T, mem *store.Memory, id string, now time.Time) {
	t.Helper()
	mem.SeedUser(store.User{ID: id, Online: true, LastActive: now})
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutUserState(ctx, &store.UserState{UserID: id, State: store.StateWaiting}); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: id, JoinedAt: now})
	}))
}

func TestCreatePairSucceedsForTwoWaitingUsers(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedWaiting(t, mem, "alice", now)
	seedWaiting(t, mem, "bob", now)

	creator := pairing.New(mem, config.Default(), nil)
	session, err := mem.NewLockSession(context.Background())
	require.NoError(t, err)
	defer session.Close()

	outcome, err := creator.CreatePair(context.Background(), session, "alice", "bob", now)
	require.NoError(t, err)
	require.Equal(t, pairing.OutcomeCreated, outcome)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		aliceState, err := tx.GetUserState(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, store.StateVoteWindow, aliceState.State)
		require.NotNil(t, aliceState.MatchID)

		_, err = tx.GetQueueEntry(ctx, "alice")
		require.ErrorIs(t, err, store.ErrNotFound)

		m, err := tx.GetActiveMatchForUser(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, store.MatchVoteActive, m.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestCreatePairRejectsWhenOneUserAlreadyMatched(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedWaiting(t, mem, "alice", now)
	seedWaiting(t, mem, "bob", now)
	seedWaiting(t, mem, "carol", now)

	creator := pairing.New(mem, config.Default(), nil)
	session, err := mem.NewLockSession(context.Background())
	require.NoError(t, err)
	defer session.Close()

	outcome, err := creator.CreatePair(context.Background(), session, "alice", "bob", now)
	require.NoError(t, err)
	require.Equal(t, pairing.OutcomeCreated, outcome)

	// alice is no longer waiting or in queue; a second pair attempt must
	// fail revalidation rather than double-booking her.
	outcome, err = creator.CreatePair(context.Background(), session, "alice", "carol", now)
	require.NoError(t, err)
	require.Equal(t, pairing.OutcomeNoMatch, outcome)
}

func TestCreatePairRejectsNeverPairedUsers(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedWaiting(t, mem, "alice", now)
	seedWaiting(t, mem, "bob", now)

	lo, hi := store.Canon("alice", "bob")
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertNeverPair(ctx, lo, hi)
	}))

	creator := pairing.New(mem, config.Default(), nil)
	session, err := mem.NewLockSession(context.Background())
	require.NoError(t, err)
	defer session.Close()

	outcome, err := creator.CreatePair(context.Background(), session, "alice", "bob", now)
	require.NoError(t, err)
	require.Equal(t, pairing.OutcomeNoMatch, outcome)
}
