package recall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/tokenizer"
)

func testAssembler(t *testing.T) (*store.Store, *Assembler) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	asm := &Assembler{
		Store:  st,
		Text:   &LexicalIndex{Store: st},
		Vector: &VectorIndex{Store: st},
		Tok:    tokenizer.New(),
		Defaults: Defaults{
			RecentMessages: 10,
			SearchLimit:    5,
			MaxMessages:    50,
		},
	}
	return st, asm
}

func addSuccess(t *testing.T, st *store.Store, threadID, text string) models.Message {
	t.Helper()
	m, err := st.CreateMessage(threadID, store.CreateMessageParams{
		Role:  models.RoleUser,
		Parts: models.TextParts(text),
	})
	require.NoError(t, err)
	return m
}

func texts(msgs []models.Message) []string {
	var out []string
	for i := range msgs {
		out = append(out, msgs[i].Text())
	}
	return out
}

func TestRecencyWindowChronological(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	for _, s := range []string{"one", "two", "three", "four"} {
		addSuccess(t, st, th.ID, s)
	}

	n := 3
	got, err := asm.Assemble(context.Background(), th.ID, "u1", "q", Options{RecentMessages: &n})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three", "four"}, texts(got))
}

func TestPendingAndExcludedSkipped(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	addSuccess(t, st, th.ID, "keep")
	_, err = st.CreateMessage(th.ID, store.CreateMessageParams{Role: models.RoleAssistant, Pending: true})
	require.NoError(t, err)
	_, err = st.CreateMessage(th.ID, store.CreateMessageParams{
		Role: models.RoleTool, Parts: models.TextParts("internal"), ContextExcluded: true,
	})
	require.NoError(t, err)

	got, err := asm.Assemble(context.Background(), th.ID, "u1", "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, texts(got))
}

func TestEmptyContextValid(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	addSuccess(t, st, th.ID, "ignored")

	zero := 0
	got, err := asm.Assemble(context.Background(), th.ID, "u1", "q", Options{RecentMessages: &zero})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTextSearchMergesWithoutDuplicates(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)

	hit := addSuccess(t, st, th.ID, "the capybara fact")
	for _, s := range []string{"filler a", "filler b", "recent one", "recent two"} {
		addSuccess(t, st, th.ID, s)
	}

	n := 2
	got, err := asm.Assemble(context.Background(), th.ID, "u1", "capybara", Options{
		RecentMessages: &n,
		TextSearch:     true,
	})
	require.NoError(t, err)
	// search hit first, then the recency window; no duplicates
	require.Equal(t, []string{"the capybara fact", "recent one", "recent two"}, texts(got))
	assert.Equal(t, hit.ID, got[0].ID)

	// a hit already inside the window is not duplicated
	all := 10
	got, err = asm.Assemble(context.Background(), th.ID, "u1", "capybara", Options{
		RecentMessages: &all,
		TextSearch:     true,
	})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestNeighborExpansion(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	for _, s := range []string{"before", "zebra anchor", "after", "far away"} {
		addSuccess(t, st, th.ID, s)
	}

	zero := 0
	got, err := asm.Assemble(context.Background(), th.ID, "u1", "zebra", Options{
		RecentMessages: &zero,
		TextSearch:     true,
		RangeBefore:    1,
		RangeAfter:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "zebra anchor", "after"}, texts(got))
}

func TestUpToBoundExcludesLaterMessages(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	addSuccess(t, st, th.ID, "early")
	bound := addSuccess(t, st, th.ID, "boundary")
	addSuccess(t, st, th.ID, "later")

	got, err := asm.Assemble(context.Background(), th.ID, "u1", "q", Options{
		UpToAndIncludingMessageID: bound.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "boundary"}, texts(got))
}

func TestMessageBudgetTrimsOldest(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	for _, s := range []string{"one", "two", "three", "four"} {
		addSuccess(t, st, th.ID, s)
	}

	got, err := asm.Assemble(context.Background(), th.ID, "u1", "q", Options{MaxMessages: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, texts(got))
}

func TestSearchOtherThreads(t *testing.T) {
	st, asm := testAssembler(t)
	a, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	b, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	foreign, err := st.CreateThread(store.CreateThreadParams{UserID: "u2"})
	require.NoError(t, err)

	addSuccess(t, st, b.ID, "walrus sighting logged")
	addSuccess(t, st, foreign.ID, "walrus in another user's thread")

	zero := 0
	got, err := asm.Assemble(context.Background(), a.ID, "u1", "walrus", Options{
		RecentMessages:     &zero,
		TextSearch:         true,
		SearchOtherThreads: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ThreadID)

	// scoped search stays inside the thread
	got, err = asm.Assemble(context.Background(), a.ID, "u1", "walrus", Options{
		RecentMessages: &zero,
		TextSearch:     true,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	st, asm := testAssembler(t)
	th, err := st.CreateThread(store.CreateThreadParams{UserID: "u1"})
	require.NoError(t, err)
	near := addSuccess(t, st, th.ID, "near match")
	far := addSuccess(t, st, th.ID, "far match")
	require.NoError(t, st.PutEmbedding(store.Embedding{MessageID: near.ID, ThreadID: th.ID, Vector: []float32{1, 0}}))
	require.NoError(t, st.PutEmbedding(store.Embedding{MessageID: far.ID, ThreadID: th.ID, Vector: []float32{0.2, 0.9}}))

	asm.Embedder = embedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{1, 0.05}, nil
	})
	zero := 0
	got, err := asm.Assemble(context.Background(), th.ID, "u1", "anything", Options{
		RecentMessages: &zero,
		VectorSearch:   true,
		SearchLimit:    1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near.ID, got[0].ID)
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }
