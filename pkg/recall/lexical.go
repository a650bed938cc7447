package recall

import (
	"context"
	"sort"
	"strings"

	"weft/pkg/models"
	"weft/pkg/store"
)

// LexicalIndex is a reference text searcher that scans stored messages and
// scores them by query-term overlap. Deployments with a real text index
// substitute their own TextSearcher; the merge semantics upstream do not
// change.
type LexicalIndex struct {
	Store *store.Store
}

func (l *LexicalIndex) SearchText(ctx context.Context, scope Scope, query string, limit int) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	threads, err := scopeThreads(l.Store, scope)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	for _, tid := range threads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor := ""
		for {
			page, err := l.Store.ListMessages(tid, store.ListOptions{
				Limit:    200,
				Cursor:   cursor,
				Statuses: []models.MessageStatus{models.StatusSuccess},
			})
			if err != nil {
				return nil, err
			}
			for i := range page.Messages {
				m := &page.Messages[i]
				if !m.ContextEligible {
					continue
				}
				if score := overlapScore(terms, m.Text()); score > 0 {
					hits = append(hits, Hit{MessageID: m.ID, ThreadID: tid, Score: score})
				}
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// overlapScore is the fraction of query terms present in the text.
func overlapScore(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func scopeThreads(st *store.Store, scope Scope) ([]string, error) {
	if !scope.SearchOtherThreads || scope.UserID == "" {
		if scope.ThreadID == "" {
			return nil, nil
		}
		return []string{scope.ThreadID}, nil
	}
	ths, err := st.ListThreadsByUser(scope.UserID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ths))
	seen := false
	for _, th := range ths {
		if th.ID == scope.ThreadID {
			seen = true
		}
		out = append(out, th.ID)
	}
	if !seen && scope.ThreadID != "" {
		out = append(out, scope.ThreadID)
	}
	return out, nil
}
