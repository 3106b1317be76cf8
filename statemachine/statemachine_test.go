package statemachine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/statemachine"
	"spin.casa/matchcore/store"
)

func TestApplyLegalTransitionIdleToWaiting(t *testing.T) {
	now := time.Now()
	current := &store.UserState{UserID: "u1", State: store.StateIdle}

	next, event, err := statemachine.Apply(current, statemachine.Move{
		UserID: "u1", To: store.StateWaiting, Cause: statemachine.CauseSpin, Now: now,
	})
	require.NoError(t, err)
	require.Equal(t, store.StateWaiting, next.State)
	require.NotNil(t, next.WaitingSince)
	require.Equal(t, now, *next.WaitingSince)
	require.Equal(t, "spin", event.Cause)
	require.Equal(t, store.StateIdle, event.From)
	require.Equal(t, store.StateWaiting, event.To)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	current := &store.UserState{UserID: "u1", State: store.StateIdle}
	_, _, err := statemachine.Apply(current, statemachine.Move{
		UserID: "u1", To: store.StateVideoDate, Cause: statemachine.CauseBothYes, Now: time.Now(),
	})
	require.Error(t, err)
}

func TestApplyRejectsSelfTransition(t *testing.T) {
	current := &store.UserState{UserID: "u1", State: store.StateWaiting}
	_, _, err := statemachine.Apply(current, statemachine.Move{
		UserID: "u1", To: store.StateWaiting, Cause: statemachine.CauseSpin, Now: time.Now(),
	})
	require.Error(t, err)
}

func TestAnyStateMayMoveToCooldown(t *testing.T) {
	for _, from := range []store.UserFSMState{
		store.StateIdle, store.StateWaiting, store.StateMatched,
		store.StateVoteWindow, store.StateVideoDate,
	} {
		current := &store.UserState{UserID: "u1", State: from}
		_, _, err := statemachine.Apply(current, statemachine.Move{
			UserID: "u1", To: store.StateCooldown, Cause: statemachine.CauseDisconnect, Now: time.Now(),
		})
		require.NoError(t, err, "expected %s -> cooldown to be legal", from)
	}
}

func TestApplyClearsMatchFieldsOnReturnToIdle(t *testing.T) {
	matchID := "m1"
	partnerID := "p1"
	current := &store.UserState{UserID: "u1", State: store.StateVideoDate, MatchID: &matchID, PartnerID: &partnerID}

	next, _, err := statemachine.Apply(current, statemachine.Move{
		UserID: "u1", To: store.StateIdle, Cause: statemachine.CauseDateEnded, Now: time.Now(),
	})
	require.NoError(t, err)
	require.Nil(t, next.MatchID)
	require.Nil(t, next.PartnerID)
	require.Nil(t, next.WaitingSince)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, statemachine.ValidateTransition(store.StateWaiting, store.StateMatched))
	require.Error(t, statemachine.ValidateTransition(store.StateIdle, store.StateMatched))
}
