package fairness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spin.casa/matchcore/config"
	"spin.casa/matchcore/fairness"
	"spin.casa/matchcore/store"
)

func testTuning() config.Tuning {
	t := config.Default()
	t.WaitBoosts = []config.WaitBoost{
		{AfterSeconds: 20, Add: 1},
		{AfterSeconds: 40, Add: 2},
		{AfterSeconds: 60, Add: 3},
	}
	return t
}

func TestApplyWaitBoostsCumulative(t *testing.T) {
	tuning := testTuning()
	joined := time.Unix(0, 0)
	e := &store.QueueEntry{UserID: "u1", JoinedAt: joined}

	// First tick at +25s: only the 20s threshold has been crossed.
	fairness.ApplyWaitBoosts(e, tuning, joined.Add(25*time.Second))
	require.Equal(t, 1, e.Fairness)

	// Second tick at +65s: should add the 40s and 60s boosts, not
	// re-apply the 20s one already granted.
	fairness.ApplyWaitBoosts(e, tuning, joined.Add(65*time.Second))
	require.Equal(t, 1+2+3, e.Fairness)
}

func TestApplyWaitBoostsNoDoubleApply(t *testing.T) {
	tuning := testTuning()
	joined := time.Unix(0, 0)
	e := &store.QueueEntry{UserID: "u1", JoinedAt: joined}

	fairness.ApplyWaitBoosts(e, tuning, joined.Add(100*time.Second))
	total := e.Fairness
	fairness.ApplyWaitBoosts(e, tuning, joined.Add(100*time.Second))
	require.Equal(t, total, e.Fairness, "calling again at the same instant must not re-grant boosts")
}

func TestLessOrdersByFairnessThenJoinedAt(t *testing.T) {
	now := time.Now()
	a := store.QueueEntry{UserID: "a", Fairness: 5, JoinedAt: now}
	b := store.QueueEntry{UserID: "b", Fairness: 10, JoinedAt: now}
	require.True(t, fairness.Less(b, a))
	require.False(t, fairness.Less(a, b))

	c := store.QueueEntry{UserID: "c", Fairness: 5, JoinedAt: now.Add(-time.Second)}
	require.True(t, fairness.Less(c, a))
}

func TestYesBoost(t *testing.T) {
	tuning := testTuning()
	tuning.FairnessYesBoost = 7
	require.Equal(t, 7, fairness.YesBoost(tuning))
}
