package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/models"
	"weft/pkg/store"
)

func setup(t *testing.T, cfg Config) (*store.Store, *Engine, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	m, err := st.CreateMessage(th.ID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	return st, New(st, cfg), m.ID
}

func collect(t *testing.T, ch <-chan models.StreamDelta) []models.StreamDelta {
	t.Helper()
	var out []models.StreamDelta
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deltas")
		}
	}
}

func fragments(ds []models.StreamDelta) []string {
	var out []string
	for _, d := range ds {
		if !d.Final {
			out = append(out, d.Fragment)
		}
	}
	return out
}

func TestLiveSubscriberSeesAllFragments(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))

	ch, cancel, err := eng.Subscribe(context.Background(), msgID, 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, eng.Append(msgID, 0, "Hel"))
	require.NoError(t, eng.Append(msgID, 1, "lo"))
	_, err = st.FinalizeMessage(msgID, store.FinalizeOutcome{Status: models.StatusSuccess, Parts: models.TextParts("Hello")})
	require.NoError(t, err)
	require.NoError(t, eng.Finish(msgID))

	got := collect(t, ch)
	assert.Equal(t, []string{"Hel", "lo"}, fragments(got))
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].Final)
}

func TestResumeFromSeqMatchesFullStream(t *testing.T) {
	_, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))

	frags := []string{"a", "b", "c", "d"}
	for i, f := range frags {
		require.NoError(t, eng.Append(msgID, int64(i), f))
	}

	// joins mid-stream at seq 2
	ch, cancel, err := eng.Subscribe(context.Background(), msgID, 2)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, eng.Append(msgID, 4, "e"))
	require.NoError(t, eng.Finish(msgID))

	got := fragments(collect(t, ch))
	assert.Equal(t, []string{"c", "d", "e"}, got)
}

func TestStaleAndDuplicateAppendsDropped(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))

	require.NoError(t, eng.Append(msgID, 0, "x"))
	require.NoError(t, eng.Append(msgID, 1, "y"))
	// retry of an already applied fragment
	require.NoError(t, eng.Append(msgID, 1, "y"))
	require.NoError(t, eng.Append(msgID, 0, "x"))

	rows, err := st.ListDeltas(msgID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLateSubscriberAfterFinalize(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))
	require.NoError(t, eng.Append(msgID, 0, "Hel"))
	require.NoError(t, eng.Append(msgID, 1, "lo"))
	_, err := st.FinalizeMessage(msgID, store.FinalizeOutcome{Status: models.StatusSuccess, Parts: models.TextParts("Hello")})
	require.NoError(t, err)
	require.NoError(t, eng.Finish(msgID))

	ch, cancel, err := eng.Subscribe(context.Background(), msgID, 0)
	require.NoError(t, err)
	defer cancel()
	got := collect(t, ch)
	assert.Equal(t, []string{"Hel", "lo"}, fragments(got))
	assert.True(t, got[len(got)-1].Final)

	// resuming mid-way yields the identical tail
	ch2, cancel2, err := eng.Subscribe(context.Background(), msgID, 1)
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, []string{"lo"}, fragments(collect(t, ch2)))
}

func TestEphemeralStreamReplaysFinalContent(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, false))
	require.NoError(t, eng.Append(msgID, 0, "Hel"))
	require.NoError(t, eng.Append(msgID, 1, "lo"))
	_, err := st.FinalizeMessage(msgID, store.FinalizeOutcome{Status: models.StatusSuccess, Parts: models.TextParts("Hello")})
	require.NoError(t, err)
	require.NoError(t, eng.Finish(msgID))

	// nothing was persisted
	rows, err := st.ListDeltas(msgID, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// late subscriber still gets the finalized content
	ch, cancel, err := eng.Subscribe(context.Background(), msgID, 0)
	require.NoError(t, err)
	defer cancel()
	got := collect(t, ch)
	assert.Equal(t, []string{"Hello"}, fragments(got))
	assert.True(t, got[len(got)-1].Final)
}

func TestReconstructEqualsFinalText(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))
	frags := []string{"the ", "quick ", "brown ", "fox"}
	for i, f := range frags {
		require.NoError(t, eng.Append(msgID, int64(i), f))
	}
	_, err := st.FinalizeMessage(msgID, store.FinalizeOutcome{Status: models.StatusSuccess, Parts: models.TextParts("the quick brown fox")})
	require.NoError(t, err)
	require.NoError(t, eng.Finish(msgID))

	text, err := eng.Reconstruct(msgID)
	require.NoError(t, err)
	m, err := st.GetMessage(msgID)
	require.NoError(t, err)
	assert.Equal(t, m.Text(), text)
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	_, eng, msgID := setup(t, Config{SubscriberBuffer: 2})
	require.NoError(t, eng.Open(msgID, true))

	ch, cancel, err := eng.Subscribe(context.Background(), msgID, 0)
	require.NoError(t, err)
	defer cancel()

	// nobody reads ch; the bounded queue fills and the subscriber is cut
	for i := 0; i < 10; i++ {
		require.NoError(t, eng.Append(msgID, int64(i), "x"))
	}
	got := collect(t, ch)
	assert.Less(t, len(got), 10)
}

func TestAppendAfterFinishRejected(t *testing.T) {
	st, eng, msgID := setup(t, Config{})
	require.NoError(t, eng.Open(msgID, true))
	require.NoError(t, eng.Append(msgID, 0, "x"))
	_, err := st.FinalizeMessage(msgID, store.FinalizeOutcome{Status: models.StatusSuccess, Parts: models.TextParts("x")})
	require.NoError(t, err)
	require.NoError(t, eng.Finish(msgID))

	// the broadcaster is retired; a new append would recover state from
	// rows, see the message finalized... the engine only guards the live
	// broadcaster, so Open must refuse a finalized message
	err = eng.Open(msgID, true)
	assert.Error(t, err)
}

func TestFragmentSizeCap(t *testing.T) {
	_, eng, msgID := setup(t, Config{MaxFragmentBytes: 4})
	require.NoError(t, eng.Open(msgID, true))
	assert.ErrorIs(t, eng.Append(msgID, 0, "too large"), ErrFragmentTooLarge)
	require.NoError(t, eng.Append(msgID, 0, "ok"))
}
