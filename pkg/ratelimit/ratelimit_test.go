package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/apperr"
	"weft/pkg/config"
)

// testLimiter returns a limiter with one "gen" bucket and a controllable
// clock.
func testLimiter(capacity, refill float64, per time.Duration) (*Limiter, *time.Time) {
	l := New(config.RateLimitConfig{
		Buckets: []config.BucketConfig{{
			Name:      "gen",
			Capacity:  capacity,
			Refill:    refill,
			RefillPer: config.Duration(per),
		}},
	})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckAdmitsUpToCapacity(t *testing.T) {
	l, _ := testLimiter(2, 1, 5*time.Second)

	require.NoError(t, l.Check("gen:u1", 1))
	require.NoError(t, l.Check("gen:u1", 1))
	err := l.Check("gen:u1", 1)
	require.Error(t, err)

	rl, ok := apperr.AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, "gen:u1", rl.Key)
	// empty bucket refilling at 1/5s: one token in ~5s
	assert.WithinDuration(t, time.Unix(1005, 0), rl.RetryAt, 10*time.Millisecond)
}

func TestRejectionDoesNotDebit(t *testing.T) {
	l, now := testLimiter(2, 1, time.Second)
	require.NoError(t, l.Check("gen:u1", 2))

	// repeated rejected checks must not push retryAt further out
	var first time.Time
	for i := 0; i < 5; i++ {
		err := l.Check("gen:u1", 2)
		require.Error(t, err)
		rl, _ := apperr.AsRateLimited(err)
		if i == 0 {
			first = rl.RetryAt
		} else {
			assert.Equal(t, first, rl.RetryAt)
		}
	}

	// after the advertised deadline the same cost is admitted
	*now = first
	require.NoError(t, l.Check("gen:u1", 2))
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, now := testLimiter(3, 1, time.Second)
	require.NoError(t, l.Check("gen:u1", 3))
	*now = now.Add(time.Minute)
	st := l.Status("gen:u1")
	assert.Equal(t, 3.0, st.Value)
}

func TestReserveAndReconcile(t *testing.T) {
	l, _ := testLimiter(10, 1, time.Second)

	l.Reserve("gen:u1", 15) // estimate beyond capacity, goes negative
	st := l.Status("gen:u1")
	assert.Equal(t, -5.0, st.Value)
	assert.False(t, st.RetryAt.IsZero())

	// actual cost turned out lower than the estimate
	l.Reconcile("gen:u1", 15, 6)
	st = l.Status("gen:u1")
	assert.Equal(t, 4.0, st.Value)

	// reconcile never credits past capacity
	l.Reconcile("gen:u1", 100, 0)
	st = l.Status("gen:u1")
	assert.Equal(t, 10.0, st.Value)
	assert.True(t, st.RetryAt.IsZero())
}

func TestFallbackBucketForUnknownFamily(t *testing.T) {
	l := New(config.RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Check("other:u1", 1))
	require.NoError(t, l.Check("other:u1", 1))
	assert.ErrorIs(t, l.Check("other:u1", 1), apperr.ErrRateLimited)
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := testLimiter(1, 1, time.Second)
	require.NoError(t, l.Check("gen:u1", 1))
	require.Error(t, l.Check("gen:u1", 1))
	require.NoError(t, l.Check("gen:u2", 1))
}
