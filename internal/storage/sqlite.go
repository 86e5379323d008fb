package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite file holding the embedded corpus.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating artifact directory: %w", err)
			}
		}
	}

	s, err := openDSN(path)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// OpenReadOnly opens an existing artifact without creating or migrating
// anything. The file is never written through the returned Store.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return openDSN("file:" + path + "?mode=ro")
}

func openDSN(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// WriteArtifact replaces the stored corpus with entries in a single
// transaction. m.Count is taken from len(entries); every embedding must have
// m.Dimension components.
func (s *Store) WriteArtifact(ctx context.Context, m Manifest, entries []Entry) error {
	if m.Model == "" {
		return fmt.Errorf("manifest model is empty")
	}
	for i, e := range entries {
		if len(e.Embedding) != m.Dimension {
			return fmt.Errorf("entry %d: embedding has %d dimensions, want %d", i, len(e.Embedding), m.Dimension)
		}
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = SchemaVersion
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Count = len(entries)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning artifact transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM corpus_entries"); err != nil {
		return fmt.Errorf("clearing entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO manifest (id, model, dimension, schema_version, entry_count, created_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model, dimension = excluded.dimension,
			schema_version = excluded.schema_version, entry_count = excluded.entry_count,
			created_at = excluded.created_at`,
		m.Model, m.Dimension, m.SchemaVersion, m.Count, m.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO corpus_entries (position, text, embedding, metadata) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding metadata for entry %d: %w", e.Position, err)
		}
		if _, err := stmt.ExecContext(ctx, e.Position, e.Text, encodeFloat32s(e.Embedding), string(metaJSON)); err != nil {
			return fmt.Errorf("inserting entry %d: %w", e.Position, err)
		}
	}

	return tx.Commit()
}

// Manifest returns the stored manifest, or ErrNotFound for a database that
// was never written.
func (s *Store) Manifest(ctx context.Context) (Manifest, error) {
	var m Manifest
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT model, dimension, schema_version, entry_count, created_at FROM manifest WHERE id = 1",
	).Scan(&m.Model, &m.Dimension, &m.SchemaVersion, &m.Count, &createdAt)
	if err == sql.ErrNoRows {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Manifest{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// Entries returns every stored entry ordered by position.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT position, text, embedding, metadata FROM corpus_entries ORDER BY position ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&e.Position, &e.Text, &blob, &metaJSON); err != nil {
			return nil, err
		}
		if len(blob)%4 != 0 {
			return nil, fmt.Errorf("entry %d: embedding blob length %d is not a multiple of 4", e.Position, len(blob))
		}
		e.Embedding = decodeFloat32s(blob)
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for entry %d: %w", e.Position, err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// WriteArtifactFile writes a complete artifact to path. The data goes to a
// temporary file in the same directory which is renamed over path only after
// a successful commit, so readers never observe a partial artifact.
func WriteArtifactFile(ctx context.Context, path string, m Manifest, entries []Entry) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	s, err := Open(tmpPath)
	if err != nil {
		return err
	}
	if err := s.WriteArtifact(ctx, m, entries); err != nil {
		s.Close()
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing temp artifact: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}

// ReadArtifactFile loads the manifest and entries stored at path. A missing
// file yields an error wrapping os.ErrNotExist. The file is opened read-only
// and never migrated; an artifact from another schema has to be rebuilt.
func ReadArtifactFile(ctx context.Context, path string) (Manifest, []Entry, error) {
	s, err := OpenReadOnly(path)
	if err != nil {
		return Manifest{}, nil, err
	}
	defer s.Close()

	m, err := s.Manifest(ctx)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("reading manifest: %w", err)
	}
	entries, err := s.Entries(ctx)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("reading entries: %w", err)
	}
	return m, entries, nil
}

// encodeFloat32s serializes a float32 slice to a little-endian byte slice.
func encodeFloat32s(fs []float32) []byte {
	buf := make([]byte, len(fs)*4)
	for i, f := range fs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes a little-endian byte slice to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	fs := make([]float32, len(b)/4)
	for i := range fs {
		fs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return fs
}
