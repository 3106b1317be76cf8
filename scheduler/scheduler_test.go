package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/clock"
	"spin.casa/matchcore/config"
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

func TestRunMatchTickPairsCompatibleUsers(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedWaiting(t, mem, "alice", now)
	seedWaiting(t, mem, "bob", now)

	fake := clock.NewFake(now)
	sched := New(mem, config.Default(), fake, nil, zerolog.Nop(), nil)

	err := sched.runMatchTick(context.Background())
	require.NoError(t, err)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetActiveMatchForUser(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, store.MatchVoteActive, m.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestRunCooldownTickReleasesExpiredUsers(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	past := now.Add(-time.Minute)
	mem.SeedUser(store.User{ID: "carol", Online: true, LastActive: now, CooldownUntil: &past})
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.PutUserState(ctx, &store.UserState{UserID: "carol", State: store.StateCooldown})
	}))

	fake := clock.NewFake(now)
	sched := New(mem, config.Default(), fake, nil, zerolog.Nop(), nil)

	err := sched.runCooldownTick(context.Background())
	require.NoError(t, err)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		state, err := tx.GetUserState(ctx, "carol")
		require.NoError(t, err)
		require.Equal(t, store.StateIdle, state.State)
		return nil
	})
	require.NoError(t, err)
}

func TestRunEvictionTickDropsStaleQueueEntries(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	tuning := config.Default()

	mem.SeedUser(store.User{ID: "dave", Online: true, LastActive: now.Add(-2 * tuning.OfflineThreshold())})
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutUserState(ctx, &store.UserState{UserID: "dave", State: store.StateWaiting}); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, &store.QueueEntry{UserID: "dave", JoinedAt: now.Add(-2 * tuning.OfflineThreshold())})
	}))

	fake := clock.NewFake(now)
	sched := New(mem, tuning, fake, nil, zerolog.Nop(), nil)

	err := sched.runEvictionTick(context.Background())
	require.NoError(t, err)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetQueueEntry(ctx, "dave")
		require.ErrorIs(t, err, store.ErrNotFound)
		state, err := tx.GetUserState(ctx, "dave")
		require.NoError(t, err)
		require.Equal(t, store.StateIdle, state.State)
		return nil
	})
	require.NoError(t, err)
}
