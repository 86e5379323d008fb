package retrieval

import (
	"math"
	"testing"
)

func unit(v ...float32) []float32 {
	n, _ := normalize(v)
	return n
}

func TestNewIndex_LengthMismatch(t *testing.T) {
	_, err := NewIndex("m", []string{"a", "b"}, [][]float32{unit(1, 0)}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestNewIndex_DimensionMismatch(t *testing.T) {
	_, err := NewIndex("m", []string{"a", "b"}, [][]float32{unit(1, 0), unit(1, 0, 0)}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
}

func TestNewIndex_NotUnitLength(t *testing.T) {
	_, err := NewIndex("m", []string{"a"}, [][]float32{{3, 4}}, nil)
	if err == nil {
		t.Fatal("expected error for non-unit vector")
	}
}

func TestNearest_OrderAndLimit(t *testing.T) {
	ix, err := NewIndex("m",
		[]string{"a", "b", "c", "d"},
		[][]float32{unit(1, 0), unit(0, 1), unit(1, 1), unit(-1, 0)},
		nil,
	)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	res, err := ix.Nearest(unit(1, 0.1), 2)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(res) != 2 || res[0].Text != "a" || res[1].Text != "c" {
		t.Errorf("results = %+v, want [a c]", res)
	}
	if res[0].Score < res[1].Score {
		t.Error("results not sorted by descending score")
	}
}

func TestNearest_FewerThanK(t *testing.T) {
	ix, _ := NewIndex("m", []string{"a", "b"}, [][]float32{unit(1, 0), unit(0, 1)}, nil)
	res, _ := ix.Nearest(unit(1, 0), 5)
	if len(res) != 2 {
		t.Errorf("got %d results, want 2", len(res))
	}
}

func TestNearest_TieBreaksOnLowerPosition(t *testing.T) {
	same := unit(1, 1)
	ix, _ := NewIndex("m",
		[]string{"first", "second", "third", "fourth"},
		[][]float32{unit(0, 1), same, same, same},
		nil,
	)

	res, err := ix.Nearest(unit(1, 0), 2)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if res[0].Text != "second" || res[1].Text != "third" {
		t.Errorf("results = %+v, want [second third]", res)
	}

	again, _ := ix.Nearest(unit(1, 0), 2)
	for i := range res {
		if res[i].Position != again[i].Position {
			t.Fatal("Nearest is not deterministic")
		}
	}
}

func TestNearest_QueryDimensionMismatch(t *testing.T) {
	ix, _ := NewIndex("m", []string{"a"}, [][]float32{unit(1, 0)}, nil)
	if _, err := ix.Nearest([]float32{1, 0, 0}, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestNearest_MetadataAttached(t *testing.T) {
	ix, _ := NewIndex("m", []string{"a"}, [][]float32{unit(1, 0)},
		[]map[string]string{{"Crop": "Wheat"}})
	res, _ := ix.Nearest(unit(1, 0), 1)
	if res[0].Metadata["Crop"] != "Wheat" {
		t.Errorf("metadata = %v", res[0].Metadata)
	}
	if math.Abs(float64(res[0].Score)-1) > 1e-6 {
		t.Errorf("score = %f, want 1", res[0].Score)
	}
}
