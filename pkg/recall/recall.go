// Package recall assembles context windows for generations: the most
// recent eligible messages blended with lexical and vector search hits
// over the thread's history (or all of the user's threads), bounded by a
// message and token budget.
package recall

import "context"

// Scope bounds a search to one thread, or to every thread of the user
// when SearchOtherThreads is set.
type Scope struct {
	ThreadID           string
	UserID             string
	SearchOtherThreads bool
}

// Hit is one ranked search candidate.
type Hit struct {
	MessageID string
	ThreadID  string
	Score     float64
}

// TextSearcher is the lexical index collaborator contract.
type TextSearcher interface {
	SearchText(ctx context.Context, scope Scope, query string, limit int) ([]Hit, error)
}

// VectorSearcher is the vector index collaborator contract.
type VectorSearcher interface {
	SearchVector(ctx context.Context, scope Scope, embedding []float32, limit int) ([]Hit, error)
}

// Embedder turns text into an embedding vector. Weft does not implement
// inference; hosts plug in their model's embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
