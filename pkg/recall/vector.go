package recall

import (
	"context"
	"math"
	"sort"

	"weft/pkg/store"
)

// VectorIndex is a reference vector searcher: brute-force cosine
// similarity over embeddings stored alongside messages. Real deployments
// swap in a proper vector index behind the same interface.
type VectorIndex struct {
	Store *store.Store
}

func (v *VectorIndex) SearchVector(ctx context.Context, scope Scope, embedding []float32, limit int) ([]Hit, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	threads, err := scopeThreads(v.Store, scope)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	for _, tid := range threads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := v.Store.ScanEmbeddings(tid, func(e store.Embedding) bool {
			if score := cosine(embedding, e.Vector); score > 0 {
				hits = append(hits, Hit{MessageID: e.MessageID, ThreadID: e.ThreadID, Score: score})
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
