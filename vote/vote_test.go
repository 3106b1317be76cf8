package vote_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/store"
	"spin.casa/matchcore/vote"
)

func seedActiveMatch(t *testing.T, mem *store.Memory, matchID, lo, hi string, now time.Time, windowSeconds int) {
	t.Helper()
	mem.SeedUser(store.User{ID: lo, Online: true, LastActive: now})
	mem.SeedUser(store.User{ID: hi, Online: true, LastActive: now})
	expires := now.Add(time.Duration(windowSeconds) * time.Second)
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{lo, hi} {
			mid := matchID
			other := hi
			if id == hi {
				other = lo
			}
			if err := tx.PutUserState(ctx, &store.UserState{
				UserID: id, State: store.StateVoteWindow, MatchID: &mid, PartnerID: &other,
			}); err != nil {
				return err
			}
		}
		return tx.InsertMatch(ctx, &store.Match{
			ID: matchID, UserLoID: lo, UserHiID: hi, Status: store.MatchVoteActive,
			CreatedAt: now, VoteWindowStartedAt: &now, VoteWindowExpiresAt: &expires,
		})
	}))
}

func TestRecordVoteWaitsForSecondParticipant(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedActiveMatch(t, mem, "m1", "alice", "bob", now, 30)

	r := vote.New(mem, config.Default(), nil)
	result, err := r.RecordVote(context.Background(), "m1", "alice", store.VoteYes, now)
	require.NoError(t, err)
	require.True(t, result.Waiting)
}

func TestRecordVoteBothYesCompletesMatch(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedActiveMatch(t, mem, "m1", "alice", "bob", now, 30)

	r := vote.New(mem, config.Default(), nil)
	_, err := r.RecordVote(context.Background(), "m1", "alice", store.VoteYes, now)
	require.NoError(t, err)
	result, err := r.RecordVote(context.Background(), "m1", "bob", store.VoteYes, now)
	require.NoError(t, err)
	require.False(t, result.Waiting)
	require.Equal(t, store.OutcomeBothYes, result.Outcome)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMatch(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, store.MatchCompleted, m.Status)

		aliceState, err := tx.GetUserState(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, store.StateVideoDate, aliceState.State)

		isNever, err := tx.IsNeverPair(ctx, "alice", "bob")
		require.NoError(t, err)
		require.True(t, isNever)
		return nil
	})
	require.NoError(t, err)
}

func TestRecordVoteRejectsAfterWindowExpires(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedActiveMatch(t, mem, "m1", "alice", "bob", now, 5)

	r := vote.New(mem, config.Default(), nil)
	_, err := r.RecordVote(context.Background(), "m1", "alice", store.VoteYes, now.Add(10*time.Second))
	require.Error(t, err)
}

func TestResolveExpiredTreatsMissingVoteAsIdle(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	seedActiveMatch(t, mem, "m1", "alice", "bob", now, 5)

	r := vote.New(mem, config.Default(), nil)
	_, err := r.RecordVote(context.Background(), "m1", "alice", store.VoteYes, now)
	require.NoError(t, err)

	resolved, err := r.ResolveExpired(context.Background(), now.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	err = mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMatch(ctx, "m1")
		require.NoError(t, err)
		require.Equal(t, store.MatchCompleted, m.Status)
		require.Equal(t, store.OutcomeYesIdle, *m.Outcome)

		aliceState, err := tx.GetUserState(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, store.StateWaiting, aliceState.State, "yes voter respins")

		bobState, err := tx.GetUserState(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, store.StateIdle, bobState.State, "idle participant returns to idle")
		return nil
	})
	require.NoError(t, err)
}
