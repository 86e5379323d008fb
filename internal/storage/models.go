package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SchemaVersion is the artifact layout written by this build. Readers refuse
// artifacts carrying any other value; the corpus must be re-embedded instead.
const SchemaVersion = 1

// Manifest describes how an artifact was produced.
type Manifest struct {
	Model         string
	Dimension     int
	SchemaVersion int
	Count         int
	CreatedAt     time.Time
}

// Entry is one embedded corpus row. Position is the row's index in the
// source dataset and doubles as the tie-break key during retrieval.
type Entry struct {
	Position  int
	Text      string
	Embedding []float32
	Metadata  map[string]string
}
