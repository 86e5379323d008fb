package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khetsense/khetsense/internal/corpus"
	"github.com/khetsense/khetsense/internal/storage"
)

var (
	// ErrModelMismatch means the artifact was embedded with a different model
	// than the one configured for queries.
	ErrModelMismatch = errors.New("artifact embedding model does not match configured model")

	// ErrSchemaVersion means the artifact layout is not one this build reads.
	ErrSchemaVersion = errors.New("unsupported artifact schema version")
)

// BuildArtifact embeds every record's combined text and writes the artifact
// to path. Rows are never dropped, so artifact positions equal dataset row
// indices.
func BuildArtifact(ctx context.Context, emb *Embedder, records []corpus.Record, path string) (storage.Manifest, error) {
	if len(records) == 0 {
		return storage.Manifest{}, fmt.Errorf("dataset has no rows")
	}

	texts := corpus.Texts(records)
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return storage.Manifest{}, err
	}

	entries := make([]storage.Entry, len(records))
	for i, r := range records {
		entries[i] = storage.Entry{
			Position:  i,
			Text:      texts[i],
			Embedding: vectors[i],
			Metadata:  r.Fields,
		}
	}

	m := storage.Manifest{
		Model:         emb.Model(),
		Dimension:     len(vectors[0]),
		SchemaVersion: storage.SchemaVersion,
		Count:         len(entries),
		CreatedAt:     time.Now().UTC(),
	}
	if err := storage.WriteArtifactFile(ctx, path, m, entries); err != nil {
		return storage.Manifest{}, fmt.Errorf("writing artifact: %w", err)
	}
	return m, nil
}

// LoadIndex reads the artifact at path and validates it against model.
// Any failure here means the service cannot answer with retrieval and should
// not start.
func LoadIndex(ctx context.Context, path, model string) (*Index, error) {
	m, entries, err := storage.ReadArtifactFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if m.SchemaVersion != storage.SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaVersion, m.SchemaVersion)
	}
	if m.Model != model {
		return nil, fmt.Errorf("%w: artifact %q, configured %q", ErrModelMismatch, m.Model, model)
	}
	if m.Count != len(entries) {
		return nil, fmt.Errorf("artifact manifest lists %d entries but holds %d", m.Count, len(entries))
	}

	texts := make([]string, len(entries))
	vectors := make([][]float32, len(entries))
	metadata := make([]map[string]string, len(entries))
	for i, e := range entries {
		if e.Position != i {
			return nil, fmt.Errorf("artifact entry %d has position %d", i, e.Position)
		}
		if len(e.Embedding) != m.Dimension {
			return nil, fmt.Errorf("artifact entry %d has %d dimensions, manifest says %d", i, len(e.Embedding), m.Dimension)
		}
		texts[i] = e.Text
		vectors[i] = e.Embedding
		metadata[i] = e.Metadata
	}

	return NewIndex(m.Model, texts, vectors, metadata)
}
