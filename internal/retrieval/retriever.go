package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTopK is used when a caller passes k <= 0.
const DefaultTopK = 5

// Retriever combines query embedding and index search.
type Retriever struct {
	embedder *Embedder
	index    *Index
}

// NewRetriever creates a Retriever. The embedder must use the same model the
// index was built with.
func NewRetriever(embedder *Embedder, index *Index) (*Retriever, error) {
	if embedder.Model() != index.Model() {
		return nil, fmt.Errorf("%w: index %q, embedder %q", ErrModelMismatch, index.Model(), embedder.Model())
	}
	return &Retriever{embedder: embedder, index: index}, nil
}

// TopK returns the texts of the k entries most similar to query, most
// similar first. There is no similarity threshold.
func (r *Retriever) TopK(ctx context.Context, query string, k int) ([]string, error) {
	results, err := r.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(results))
	for i, res := range results {
		texts[i] = res.Text
	}
	return texts, nil
}

// Search is TopK with scores and row metadata attached.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if errors.Is(err, ErrZeroVector) {
		// Every entry scores 0; Nearest then falls back to corpus order.
		vec = make([]float32, r.index.Dimension())
	} else if err != nil {
		return nil, err
	}
	return r.index.Nearest(vec, k)
}

// Len returns the number of indexed corpus entries.
func (r *Retriever) Len() int { return r.index.Len() }
