package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/apperr"
	"weft/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newThread(t *testing.T, st *Store, userID string) models.Thread {
	t.Helper()
	th, err := st.CreateThread(CreateThreadParams{UserID: userID, Title: "test thread"})
	require.NoError(t, err)
	return th
}

func TestThreadLifecycle(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	require.NotEmpty(t, th.ID)
	assert.Equal(t, models.ThreadStatusActive, th.Status)

	got, err := st.GetThread(th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)

	title := "renamed"
	patched, err := st.UpdateThreadMetadata(th.ID, models.ThreadPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "renamed", patched.Title)
	assert.Equal(t, "test thread", th.Title)

	_, err = st.GetThread("th_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListAndSearchThreads(t *testing.T) {
	st := openTestStore(t)
	a, err := st.CreateThread(CreateThreadParams{UserID: "u1", Title: "grocery planning"})
	require.NoError(t, err)
	_, err = st.CreateThread(CreateThreadParams{UserID: "u2", Title: "other user"})
	require.NoError(t, err)
	b, err := st.CreateThread(CreateThreadParams{UserID: "u1", Title: "trip planning"})
	require.NoError(t, err)

	ths, err := st.ListThreadsByUser("u1", 0)
	require.NoError(t, err)
	require.Len(t, ths, 2)
	// most recently updated first
	assert.Equal(t, b.ID, ths[0].ID)
	assert.Equal(t, a.ID, ths[1].ID)

	hits, err := st.SearchThreadTitles("u1", "planning", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = st.SearchThreadTitles("u1", "grocery", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, a.ID, hits[0].ID)
}

func TestMessageOrderAllocation(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")

	m1, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser, Parts: models.TextParts("hi")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.Order)
	assert.Equal(t, int64(0), m1.StepOrder)

	// next step inside the same turn
	m2, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleTool, Order: &m1.Order})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m2.Order)
	assert.Equal(t, int64(1), m2.StepOrder)

	// fresh turn
	m3, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), m3.Order)
	assert.Equal(t, int64(0), m3.StepOrder)

	// explicit position collision
	zero := int64(0)
	_, err = st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser, Order: &m1.Order, StepOrder: &zero})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestConcurrentCreatorsUniquePositions(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")

	const n = 32
	var wg sync.WaitGroup
	results := make([]models.Message, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		}(i)
	}
	wg.Wait()

	seen := map[[2]int64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		pos := [2]int64{results[i].Order, results[i].StepOrder}
		assert.False(t, seen[pos], "duplicate position %v", pos)
		seen[pos] = true
	}
}

func TestOrderRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	th, err := st.CreateThread(CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st2, err := Open(dir)
	require.NoError(t, err)
	defer st2.Close()
	m, err := st2.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Order)
}

func TestFinalizeTransitions(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	m, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)

	final, err := st.FinalizeMessage(m.ID, FinalizeOutcome{
		Status: models.StatusSuccess,
		Parts:  models.TextParts("done"),
		Usage:  &models.Usage{TotalTokens: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, final.Status)
	assert.Equal(t, "done", final.Text())
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.TotalTokens)

	// same terminal status again is a no-op
	again, err := st.FinalizeMessage(m.ID, FinalizeOutcome{Status: models.StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, "done", again.Text())

	// different terminal status is a conflict
	_, err = st.FinalizeMessage(m.ID, FinalizeOutcome{Status: models.StatusFailed})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// finalizing a message that was never pending
	u, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser, Parts: models.TextParts("hi")})
	require.NoError(t, err)
	_, err = st.FinalizeMessage(u.ID, FinalizeOutcome{Status: models.StatusFailed})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// bogus target status
	_, err = st.FinalizeMessage(m.ID, FinalizeOutcome{Status: models.StatusPending})
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestListMessagesPagination(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	var all []string
	for i := 0; i < 10; i++ {
		m, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		require.NoError(t, err)
		all = append(all, m.ID)
	}

	var got []string
	cursor := ""
	for {
		page, err := st.ListMessages(th.ID, ListOptions{Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		// messages landing between fetches must not disturb earlier pages
		_, err = st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, len(got), 10)
	seen := map[string]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	for _, id := range all {
		assert.True(t, seen[id], "missing id %s", id)
	}
}

func TestListMessagesDescAndStatuses(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	for i := 0; i < 3; i++ {
		_, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		require.NoError(t, err)
	}
	p, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)

	page, err := st.ListMessages(th.ID, ListOptions{Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, p.ID, page.Messages[0].ID)
	assert.Greater(t, page.Messages[0].Order, page.Messages[1].Order)

	pending, err := st.ListMessages(th.ID, ListOptions{Statuses: []models.MessageStatus{models.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending.Messages, 1)
	assert.Equal(t, p.ID, pending.Messages[0].ID)

	_, err = st.ListMessages(th.ID, ListOptions{Cursor: "not-base64!"})
	assert.True(t, errors.Is(err, ErrMalformedCursor))
}

func TestDeltasRoundTrip(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	m, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)

	for i, frag := range []string{"Hel", "lo"} {
		require.NoError(t, st.AppendDelta(models.StreamDelta{MessageID: m.ID, Seq: int64(i), Fragment: frag}))
	}
	rows, err := st.ListDeltas(m.ID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Hel", rows[0].Fragment)
	assert.Equal(t, "lo", rows[1].Fragment)

	rows, err = st.ListDeltas(m.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Seq)

	require.NoError(t, st.DeleteDeltas(m.ID))
	rows, err = st.ListDeltas(m.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestListPendingOlderThan(t *testing.T) {
	st := openTestStore(t)
	th := newThread(t, st, "u1")
	old, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	_, err = st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
	require.NoError(t, err)

	ids, err := st.ListPendingOlderThan(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, old.ID, ids[0])

	ids, err = st.ListPendingOlderThan(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// finalize clears the pending index
	_, err = st.FinalizeMessage(old.ID, FinalizeOutcome{Status: models.StatusFailed, ErrReason: "test"})
	require.NoError(t, err)
	ids, err = st.ListPendingOlderThan(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSystemKeysAndBackfill(t *testing.T) {
	st := openTestStore(t)

	v, err := st.GetSystemKey("version")
	require.NoError(t, err)
	assert.Equal(t, "", v)
	require.NoError(t, st.SetSystemKey("version", "v2"))
	v, err = st.GetSystemKey("version")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	require.NoError(t, st.DeleteSystemKey("version"))

	// thread with messages but a zero LastOrder gets backfilled
	th := newThread(t, st, "u1")
	for i := 0; i < 2; i++ {
		_, err := st.CreateMessage(th.ID, CreateMessageParams{Role: models.RoleUser})
		require.NoError(t, err)
	}
	cur, err := st.GetThread(th.ID)
	require.NoError(t, err)
	cur.LastOrder = 0
	require.NoError(t, st.saveThread(&cur))

	n, err := st.BackfillLastOrders()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cur, err = st.GetThread(th.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.LastOrder)
}
