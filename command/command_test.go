package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/clock"
	"spin.casa/matchcore/command"
	"spin.casa/matchcore/config"
	matcherrors "spin.casa/matchcore/errors"
	"spin.casa/matchcore/store"
)

func newTestService(mem *store.Memory, fake *clock.Fake) *command.Service {
	return command.New(mem, config.Default(), fake, nil)
}

func TestSpinEnqueuesIdleUser(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	result, err := svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)
	require.Equal(t, store.StateWaiting, result.State)
	require.Equal(t, 1, result.QueuePosition)
}

func TestSpinRejectsSecondSpinWhileWaiting(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)
	_, err = svc.Spin(context.Background(), "alice", now)
	require.ErrorIs(t, err, matcherrors.ErrAlreadyQueued)
}

func TestSpinRejectsDuringCooldown(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	until := now.Add(time.Minute)
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now, CooldownUntil: &until})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "alice", now)
	require.ErrorIs(t, err, matcherrors.ErrInCooldown)
}

func TestSpinTriggersImmediateMatch(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	mem.SeedUser(store.User{ID: "bob", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "bob", now)
	require.NoError(t, err)
	_, err = svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)

	status, err := svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateVoteWindow, status.State)
	require.NotNil(t, status.Match)
}

func TestDisconnectWhileWaitingReturnsToIdle(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)

	err = svc.Disconnect(context.Background(), "alice", now)
	require.NoError(t, err)

	status, err := svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateIdle, status.State)
}

func TestDisconnectDuringVoteWindowAppliesCooldown(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	mem.SeedUser(store.User{ID: "bob", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "bob", now)
	require.NoError(t, err)
	_, err = svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)

	err = svc.Disconnect(context.Background(), "alice", now)
	require.NoError(t, err)

	status, err := svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateCooldown, status.State)

	// bob never voted either, so the forced resolution is idle_idle:
	// both participants return to idle, not just the disconnecting one.
	bobStatus, err := svc.GetMatchStatus(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, store.StateIdle, bobStatus.State)
}

func TestDateEndedReturnsVideoDateParticipantsToIdle(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	mem.SeedUser(store.User{ID: "alice", Online: true, LastActive: now})
	mem.SeedUser(store.User{ID: "bob", Online: true, LastActive: now})
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Spin(context.Background(), "bob", now)
	require.NoError(t, err)
	_, err = svc.Spin(context.Background(), "alice", now)
	require.NoError(t, err)

	status, err := svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateVoteWindow, status.State)
	require.NotNil(t, status.Match)
	matchID := status.Match.ID

	_, err = svc.Vote(context.Background(), matchID, "alice", store.VoteYes, now)
	require.NoError(t, err)
	_, err = svc.Vote(context.Background(), matchID, "bob", store.VoteYes, now)
	require.NoError(t, err)

	aliceStatus, err := svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateVideoDate, aliceStatus.State)

	err = svc.DateEnded(context.Background(), matchID, now)
	require.NoError(t, err)

	aliceStatus, err = svc.GetMatchStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.StateIdle, aliceStatus.State)

	bobStatus, err := svc.GetMatchStatus(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, store.StateIdle, bobStatus.State)

	// a second, duplicate delivery of the same signal is a no-op.
	err = svc.DateEnded(context.Background(), matchID, now)
	require.NoError(t, err)
}

func TestVoteRejectsInvalidValue(t *testing.T) {
	mem := store.NewMemory()
	now := time.Now()
	fake := clock.NewFake(now)
	svc := newTestService(mem, fake)

	_, err := svc.Vote(context.Background(), "m1", "alice", store.VoteValue("maybe"), now)
	require.ErrorIs(t, err, matcherrors.ErrInvalidValue)
}
