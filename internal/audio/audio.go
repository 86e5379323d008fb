// Package audio manages the on-disk directory of generated speech and saved
// recordings.
package audio

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const recordingsDir = "recordings"

// Dir is the audio file root. Generated speech lives directly under it and
// uploaded recordings under its recordings subdirectory.
type Dir struct {
	root string
}

// New returns a Dir rooted at root. Nothing is created until Reset or a save.
func New(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Reset removes every file under the root and recreates the empty layout.
func (d *Dir) Reset() error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("removing %s: %w", d.root, err)
	}
	if err := os.MkdirAll(filepath.Join(d.root, recordingsDir), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", d.root, err)
	}
	return nil
}

// SaveSpeech writes synthesized audio as <uuid>.wav and returns the file name.
func (d *Dir) SaveSpeech(data []byte) (string, error) {
	name := uuid.NewString() + ".wav"
	if err := d.write(d.root, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// SaveRecording writes an uploaded recording and returns its path.
func (d *Dir) SaveRecording(data []byte) (string, error) {
	dir := filepath.Join(d.root, recordingsDir)
	name := uuid.NewString() + ".wav"
	if err := d.write(dir, name, data); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (d *Dir) write(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Handler serves files from the root. Mount it with the URL prefix stripped.
func (d *Dir) Handler() http.Handler {
	return http.FileServer(http.Dir(d.root))
}
