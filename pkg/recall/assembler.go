package recall

import (
	"context"
	"sort"

	"weft/pkg/apperr"
	"weft/pkg/logger"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/tokenizer"
)

// Options configures one context assembly. Zero values fall back to the
// assembler defaults; an explicit RecentMessages of 0 with search disabled
// yields an empty context, which is valid.
type Options struct {
	RecentMessages *int `json:"recent_messages,omitempty"`
	TextSearch     bool `json:"text_search,omitempty"`
	VectorSearch   bool `json:"vector_search,omitempty"`
	SearchLimit    int  `json:"search_limit,omitempty"`
	// RangeBefore/RangeAfter expand each search hit with neighboring
	// messages to preserve the conversation around a recalled snippet.
	RangeBefore        int  `json:"range_before,omitempty"`
	RangeAfter         int  `json:"range_after,omitempty"`
	SearchOtherThreads bool `json:"search_other_threads,omitempty"`
	TokenBudget        int  `json:"token_budget,omitempty"`
	MaxMessages        int  `json:"max_messages,omitempty"`
	// UpToAndIncludingMessageID reconstructs the context as it existed
	// when that message was generated: anything chronologically after it
	// is excluded.
	UpToAndIncludingMessageID string `json:"up_to_and_including_message_id,omitempty"`
}

// Defaults mirrors the configurable assembly defaults.
type Defaults struct {
	RecentMessages int
	SearchLimit    int
	RangeBefore    int
	RangeAfter     int
	TokenBudget    int
	MaxMessages    int
}

// Assembler builds the ordered message list presented to a generation.
type Assembler struct {
	Store    *store.Store
	Text     TextSearcher
	Vector   VectorSearcher
	Embedder Embedder
	Tok      *tokenizer.Tokenizer
	Defaults Defaults
}

type candidate struct {
	msg   models.Message
	score float64
}

// Assemble returns the context window for a new generation on the thread:
// search-recalled messages in chronological order followed by the recency
// window, deduplicated by id and capped by the message/token budget.
func (a *Assembler) Assemble(ctx context.Context, threadID, userID, input string, opts Options) ([]models.Message, error) {
	recentN := a.Defaults.RecentMessages
	if opts.RecentMessages != nil {
		recentN = *opts.RecentMessages
	}
	searchLimit := opts.SearchLimit
	if searchLimit <= 0 {
		searchLimit = a.Defaults.SearchLimit
	}
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = a.Defaults.MaxMessages
	}
	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = a.Defaults.TokenBudget
	}

	searching := opts.TextSearch || opts.VectorSearch
	if recentN <= 0 && !searching {
		return nil, nil
	}

	var bound *models.Message
	if opts.UpToAndIncludingMessageID != "" {
		m, err := a.Store.GetMessage(opts.UpToAndIncludingMessageID)
		if err != nil {
			return nil, err
		}
		if m.ThreadID != threadID {
			return nil, apperr.NotFound("message in thread "+threadID, opts.UpToAndIncludingMessageID)
		}
		bound = &m
	}

	recent, err := a.recentWindow(threadID, recentN, bound)
	if err != nil {
		return nil, err
	}
	inWindow := make(map[string]struct{}, len(recent))
	for i := range recent {
		inWindow[recent[i].ID] = struct{}{}
	}

	var extras []candidate
	if searching {
		extras, err = a.searchCandidates(ctx, threadID, userID, input, searchLimit, opts, bound, inWindow)
		if err != nil {
			return nil, err
		}
	}

	return a.applyBudget(recent, extras, maxMessages, tokenBudget), nil
}

// recentWindow returns the most recent eligible successes up to and
// including the bound, in chronological order.
func (a *Assembler) recentWindow(threadID string, n int, bound *models.Message) ([]models.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	cursor := ""
	if bound != nil {
		cursor = store.CursorAfter(bound.Order, bound.StepOrder)
	}
	var out []models.Message
	for len(out) < n {
		page, err := a.Store.ListMessages(threadID, store.ListOptions{
			Desc:     true,
			Limit:    n - len(out) + 16,
			Cursor:   cursor,
			Statuses: []models.MessageStatus{models.StatusSuccess},
		})
		if err != nil {
			return nil, err
		}
		for i := range page.Messages {
			m := page.Messages[i]
			if !m.ContextEligible {
				continue
			}
			out = append(out, m)
			if len(out) == n {
				break
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	// reverse to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (a *Assembler) searchCandidates(ctx context.Context, threadID, userID, input string, limit int, opts Options, bound *models.Message, exclude map[string]struct{}) ([]candidate, error) {
	scope := Scope{ThreadID: threadID, UserID: userID, SearchOtherThreads: opts.SearchOtherThreads}

	scores := map[string]float64{}
	threadOf := map[string]string{}
	merge := func(hits []Hit) {
		for _, h := range hits {
			if h.Score > scores[h.MessageID] {
				scores[h.MessageID] = h.Score
			}
			threadOf[h.MessageID] = h.ThreadID
		}
	}

	if opts.TextSearch && a.Text != nil {
		hits, err := a.Text.SearchText(ctx, scope, input, limit)
		if err != nil {
			return nil, apperr.Upstream("text search", err)
		}
		merge(hits)
	}
	if opts.VectorSearch && a.Vector != nil && a.Embedder != nil {
		emb, err := a.Embedder.Embed(ctx, input)
		if err != nil {
			return nil, apperr.Upstream("embedder", err)
		}
		hits, err := a.Vector.SearchVector(ctx, scope, emb, limit)
		if err != nil {
			return nil, apperr.Upstream("vector search", err)
		}
		merge(hits)
	}

	// Expand each hit with its neighbors; neighbors inherit the hit score
	// so the budget treats the snippet as a unit.
	seen := map[string]struct{}{}
	var out []candidate
	for id, score := range scores {
		group, err := a.expandHit(id, threadOf[id], opts.RangeBefore, opts.RangeAfter)
		if err != nil {
			logger.Warn("hit_expansion_failed", "message", id, "error", err)
			continue
		}
		for _, m := range group {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			if _, dup := exclude[m.ID]; dup {
				continue
			}
			if bound != nil && m.ThreadID == threadID && afterBound(&m, bound) {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, candidate{msg: m, score: score})
		}
	}
	return out, nil
}

func afterBound(m, bound *models.Message) bool {
	if m.Order != bound.Order {
		return m.Order > bound.Order
	}
	return m.StepOrder > bound.StepOrder
}

// expandHit returns the hit plus up to before/after neighboring eligible
// successes from its thread, chronological.
func (a *Assembler) expandHit(messageID, threadID string, before, after int) ([]models.Message, error) {
	hit, err := a.Store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if threadID == "" {
		threadID = hit.ThreadID
	}
	var group []models.Message
	if before > 0 {
		page, err := a.Store.ListMessages(threadID, store.ListOptions{
			Desc:     true,
			Limit:    before,
			Cursor:   store.CursorAt(hit.Order, hit.StepOrder),
			Statuses: []models.MessageStatus{models.StatusSuccess},
		})
		if err != nil {
			return nil, err
		}
		for i := len(page.Messages) - 1; i >= 0; i-- {
			if page.Messages[i].ContextEligible {
				group = append(group, page.Messages[i])
			}
		}
	}
	group = append(group, hit)
	if after > 0 {
		page, err := a.Store.ListMessages(threadID, store.ListOptions{
			Limit:    after,
			Cursor:   store.CursorAt(hit.Order, hit.StepOrder),
			Statuses: []models.MessageStatus{models.StatusSuccess},
		})
		if err != nil {
			return nil, err
		}
		for i := range page.Messages {
			if page.Messages[i].ContextEligible {
				group = append(group, page.Messages[i])
			}
		}
	}
	return group, nil
}

// applyBudget enforces the message and token caps. The recency window wins
// ties; among search extras higher scores win. Extras are placed before
// the recency window, each block chronological.
func (a *Assembler) applyBudget(recent []models.Message, extras []candidate, maxMessages, tokenBudget int) []models.Message {
	count := func(m *models.Message) int {
		if a.Tok == nil {
			return 0
		}
		return a.Tok.CountTokens(m.Text())
	}

	// trim oldest recency messages first if the window alone is over budget
	usedTokens := 0
	for i := range recent {
		usedTokens += count(&recent[i])
	}
	for len(recent) > 0 && ((maxMessages > 0 && len(recent) > maxMessages) ||
		(tokenBudget > 0 && usedTokens > tokenBudget)) {
		usedTokens -= count(&recent[0])
		recent = recent[1:]
	}

	sort.SliceStable(extras, func(i, j int) bool { return extras[i].score > extras[j].score })
	var kept []models.Message
	used := len(recent)
	for _, c := range extras {
		if maxMessages > 0 && used >= maxMessages {
			break
		}
		t := count(&c.msg)
		if tokenBudget > 0 && usedTokens+t > tokenBudget {
			continue
		}
		usedTokens += t
		used++
		kept = append(kept, c.msg)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].ThreadID == kept[j].ThreadID {
			if kept[i].Order != kept[j].Order {
				return kept[i].Order < kept[j].Order
			}
			return kept[i].StepOrder < kept[j].StepOrder
		}
		return kept[i].CreatedTS < kept[j].CreatedTS
	})
	return append(kept, recent...)
}
