package retrieval

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/khetsense/khetsense/internal/corpus"
)

var farmRecords = []corpus.Record{
	{Question: "what fertilizer for wheat", Answer: "apply urea at tillering", Fields: map[string]string{"Crop": "Wheat"}},
	{Question: "how to control aphids in mustard", Answer: "spray neem oil", Fields: map[string]string{"Crop": "Mustard"}},
}

func buildTestRetriever(t *testing.T, records []corpus.Record) *Retriever {
	t.Helper()
	emb := NewEmbedder(keywordEngine("fertilizer", "wheat", "urea", "aphids", "mustard", "neem"), "all-minilm")
	path := filepath.Join(t.TempDir(), "rag_embeddings.db")

	if _, err := BuildArtifact(context.Background(), emb, records, path); err != nil {
		t.Fatalf("BuildArtifact: %v", err)
	}
	ix, err := LoadIndex(context.Background(), path, "all-minilm")
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	r, err := NewRetriever(emb, ix)
	if err != nil {
		t.Fatalf("NewRetriever: %v", err)
	}
	return r
}

func TestTopK_FertilizerQuery(t *testing.T) {
	r := buildTestRetriever(t, farmRecords)

	texts, err := r.TopK(context.Background(), "fertilizer for wheat", 1)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	want := "Question: what fertilizer for wheat Answer: apply urea at tillering"
	if len(texts) != 1 || texts[0] != want {
		t.Errorf("texts = %q, want [%q]", texts, want)
	}
}

func TestTopK_UreaOverAphids(t *testing.T) {
	records := []corpus.Record{
		{Question: "What is urea?", Answer: "A nitrogen fertilizer."},
		{Question: "How to treat aphids?", Answer: "Use neem oil spray."},
	}
	r := buildTestRetriever(t, records)

	texts, err := r.TopK(context.Background(), "best fertilizer for crops", 1)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	want := "Question: What is urea? Answer: A nitrogen fertilizer."
	if len(texts) != 1 || texts[0] != want {
		t.Errorf("texts = %q, want [%q]", texts, want)
	}
}

func TestTopK_DefaultK(t *testing.T) {
	r := buildTestRetriever(t, farmRecords)
	texts, err := r.TopK(context.Background(), "aphids", 0)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(texts) != 2 {
		t.Errorf("got %d texts, want whole corpus of 2", len(texts))
	}
	if texts[0] != farmRecords[1].Text() {
		t.Errorf("first = %q, want the aphids row", texts[0])
	}
}

func TestSearch_ScoresAndMetadata(t *testing.T) {
	r := buildTestRetriever(t, farmRecords)
	res, err := r.Search(context.Background(), "neem for aphids", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res[0].Metadata["Crop"] != "Mustard" {
		t.Errorf("metadata = %v", res[0].Metadata)
	}
	if res[0].Score <= res[1].Score {
		t.Errorf("scores not descending: %f, %f", res[0].Score, res[1].Score)
	}
}

func TestSearch_ZeroQueryFallsBackToCorpusOrder(t *testing.T) {
	emb := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, _ string, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{0, 0}
			}
			return out, nil
		},
	}, "all-minilm")
	ix, _ := NewIndex("all-minilm", []string{"a", "b"}, [][]float32{unit(1, 0), unit(0, 1)}, nil)
	r, _ := NewRetriever(emb, ix)

	texts, err := r.TopK(context.Background(), "", 1)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if len(texts) != 1 || texts[0] != "a" {
		t.Errorf("texts = %v, want [a]", texts)
	}
}

func TestBuildArtifact_UnitNorms(t *testing.T) {
	emb := NewEmbedder(keywordEngine("urea", "aphids"), "all-minilm")
	path := filepath.Join(t.TempDir(), "a.db")
	m, err := BuildArtifact(context.Background(), emb, farmRecords, path)
	if err != nil {
		t.Fatalf("BuildArtifact: %v", err)
	}
	if m.Count != 2 || m.Dimension != 3 || m.Model != "all-minilm" {
		t.Errorf("manifest = %+v", m)
	}

	ix, err := LoadIndex(context.Background(), path, "all-minilm")
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	for i, v := range ix.vectors {
		if n := norm(v); math.Abs(n-1) > 1e-3 {
			t.Errorf("vector %d norm = %f", i, n)
		}
	}
}

func TestBuildArtifact_KeepsRowsWithMissingValues(t *testing.T) {
	records := append([]corpus.Record{{Question: "", Answer: ""}}, farmRecords...)
	r := buildTestRetriever(t, records)
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestLoadIndex_ModelMismatch(t *testing.T) {
	emb := NewEmbedder(keywordEngine("urea"), "all-minilm")
	path := filepath.Join(t.TempDir(), "a.db")
	if _, err := BuildArtifact(context.Background(), emb, farmRecords, path); err != nil {
		t.Fatalf("BuildArtifact: %v", err)
	}
	_, err := LoadIndex(context.Background(), path, "nomic-embed-text")
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}
}

func TestLoadIndex_Missing(t *testing.T) {
	_, err := LoadIndex(context.Background(), filepath.Join(t.TempDir(), "nope.db"), "all-minilm")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoadIndex_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag_embeddings.db")
	garbage := []byte("questions,answers\nnot,a database\n")
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadIndex(context.Background(), path, "all-minilm"); err == nil {
		t.Fatal("expected error loading a non-SQLite artifact")
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, garbage) {
		t.Errorf("artifact file was modified by LoadIndex")
	}
}

func TestNewRetriever_ModelMismatch(t *testing.T) {
	ix, _ := NewIndex("all-minilm", []string{"a"}, [][]float32{unit(1, 0)}, nil)
	_, err := NewRetriever(NewEmbedder(&mockEngine{}, "other"), ix)
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}
}
