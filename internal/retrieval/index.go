package retrieval

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
)

// normTolerance is how far a stored vector's L2 norm may drift from 1.
const normTolerance = 1e-3

// Index is the in-memory embedded corpus: texts, unit vectors and per-row
// metadata, index-aligned. It is immutable after construction and safe for
// concurrent use.
type Index struct {
	model     string
	dimension int
	texts     []string
	vectors   [][]float32
	metadata  []map[string]string
}

// Result is one scored hit from the index.
type Result struct {
	Position int               `json:"position"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewIndex validates and wraps the given parallel slices. metadata may be nil.
// It fails when lengths differ, dimensions disagree or a vector is not
// unit length.
func NewIndex(model string, texts []string, vectors [][]float32, metadata []map[string]string) (*Index, error) {
	if len(texts) != len(vectors) {
		return nil, fmt.Errorf("index has %d texts but %d vectors", len(texts), len(vectors))
	}
	if metadata == nil {
		metadata = make([]map[string]string, len(texts))
	}
	if len(metadata) != len(texts) {
		return nil, fmt.Errorf("index has %d texts but %d metadata rows", len(texts), len(metadata))
	}

	dim := 0
	for i, v := range vectors {
		if i == 0 {
			dim = len(v)
		}
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dim)
		}
		if n := norm(v); math.Abs(n-1) > normTolerance {
			return nil, fmt.Errorf("vector %d has norm %.4f, want 1", i, n)
		}
	}

	return &Index{
		model:     model,
		dimension: dim,
		texts:     texts,
		vectors:   vectors,
		metadata:  metadata,
	}, nil
}

// Len returns the number of corpus entries.
func (ix *Index) Len() int { return len(ix.texts) }

// Model returns the embedding model the vectors were produced with.
func (ix *Index) Model() string { return ix.model }

// Dimension returns the vector dimensionality (0 for an empty index).
func (ix *Index) Dimension() int { return ix.dimension }

// Nearest scores every entry against the unit query vector and returns the k
// best, highest score first. Equal scores are ordered by lower position.
func (ix *Index) Nearest(query []float32, k int) ([]Result, error) {
	if k <= 0 || len(ix.vectors) == 0 {
		return nil, nil
	}
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(query), ix.dimension)
	}

	h := &hitHeap{}
	heap.Init(h)
	for i, v := range ix.vectors {
		c := hit{pos: i, score: dot(query, v)}
		if h.Len() < k {
			heap.Push(h, c)
		} else if c.better((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	hits := []hit(*h)
	sort.Slice(hits, func(i, j int) bool { return hits[i].better(hits[j]) })

	results := make([]Result, len(hits))
	for i, c := range hits {
		results[i] = Result{
			Position: c.pos,
			Text:     ix.texts[c.pos],
			Score:    c.score,
			Metadata: ix.metadata[c.pos],
		}
	}
	return results, nil
}

// dot is cosine similarity for unit vectors.
func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

type hit struct {
	pos   int
	score float32
}

// better reports whether h ranks ahead of o.
func (h hit) better(o hit) bool {
	if h.score != o.score {
		return h.score > o.score
	}
	return h.pos < o.pos
}

// hitHeap is a min-heap with the worst-ranked hit at the root.
type hitHeap []hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[j].better(h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
