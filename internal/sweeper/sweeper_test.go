package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/config"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/stream"
)

func sweepStore(t *testing.T) (*store.Store, *stream.Engine, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	return st, stream.New(st, stream.Config{}), th.ID
}

func TestSweepFailsStalePending(t *testing.T) {
	st, eng, threadID := sweepStore(t)

	stale, err := st.CreateMessage(threadID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	done, err := st.CreateMessage(threadID, store.CreateMessageParams{Role: models.RoleUser, Parts: models.TextParts("fine")})
	require.NoError(t, err)

	// zero lifetime: anything pending right now is overdue
	n, err := SweepOnce(st, eng, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := st.GetMessage(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, m.Status)
	assert.NotEmpty(t, m.ErrReason)

	m, err = st.GetMessage(done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, m.Status)
}

func TestSweepSparesFreshPending(t *testing.T) {
	st, eng, threadID := sweepStore(t)

	fresh, err := st.CreateMessage(threadID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)

	n, err := SweepOnce(st, eng, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	m, err := st.GetMessage(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.Status)
}

func TestSweepClosesLiveStreams(t *testing.T) {
	st, eng, threadID := sweepStore(t)

	m, err := st.CreateMessage(threadID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	require.NoError(t, eng.Open(m.ID, true))
	require.NoError(t, eng.Append(m.ID, 0, "partial"))

	ch, cancel, err := eng.Subscribe(context.Background(), m.ID, 0)
	require.NoError(t, err)
	defer cancel()

	_, err = SweepOnce(st, eng, 0)
	require.NoError(t, err)

	// the subscriber observes termination instead of hanging
	var sawFinal bool
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				assert.True(t, sawFinal)
				return
			}
			if d.Final {
				sawFinal = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never observed stream termination")
		}
	}
}

func TestSweepIdempotent(t *testing.T) {
	st, eng, threadID := sweepStore(t)
	_, err := st.CreateMessage(threadID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)

	n, err := SweepOnce(st, eng, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = SweepOnce(st, eng, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartDisabled(t *testing.T) {
	cancel, err := Start(context.Background(), nil, nil, config.SweeperConfig{})
	require.NoError(t, err)
	cancel()
}

func TestStartRejectsBadCron(t *testing.T) {
	st, eng, _ := sweepStore(t)
	_, err := Start(context.Background(), st, eng, config.SweeperConfig{
		Enabled: true,
		Cron:    "not a cron",
	})
	require.Error(t, err)
}
