package engine

import "context"

// Engine abstracts the local sentence-embedding backend. Corpus embedding at
// build time and query embedding at serve time both go through it, so both
// sides of the retrieval index use the same model.
type Engine interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, model string, texts ...string) ([][]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
