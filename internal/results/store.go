package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/veildata/veil/internal/objectstore"
)

// Store adapters the blob store into row-level result access. Keys follow
// the engine's export layout: one sanitized CSV per run, one released CSV
// per released run, scripts under the job prefix.
type Store struct {
	blobs objectstore.Store
}

// ErrNoResults is returned when a run has no result export yet (or no
// released artifact).
var ErrNoResults = errors.New("results: no results for run")

// NewStore creates a Store over the given blob store.
func NewStore(blobs objectstore.Store) *Store {
	return &Store{blobs: blobs}
}

// SanitizedKey is where the engine writes a run's full sanitized export.
func SanitizedKey(jobID uuid.UUID, runID int) string {
	return path.Join("submissions", jobID.String(), fmt.Sprintf("sanitized_output_%d.csv", runID))
}

// ReleasedKey is where the release pipeline writes the disclosed subset.
func ReleasedKey(jobID uuid.UUID, runID int) string {
	return path.Join("submissions", jobID.String(), fmt.Sprintf("released_output_%d.csv", runID))
}

// ScriptKey is where an uploaded analysis script lives.
func ScriptKey(jobID uuid.UUID, filename string) string {
	return path.Join("submissions", jobID.String(), "script", path.Base(filename))
}

// ReadSanitized loads and parses a run's sanitized result table.
func (s *Store) ReadSanitized(ctx context.Context, jobID uuid.UUID, runID int) (*Table, error) {
	return s.readTable(ctx, SanitizedKey(jobID, runID))
}

// ReadReleased loads and parses a run's released artifact.
func (s *Store) ReadReleased(ctx context.Context, jobID uuid.UUID, runID int) (*Table, error) {
	return s.readTable(ctx, ReleasedKey(jobID, runID))
}

func (s *Store) readTable(ctx context.Context, key string) (*Table, error) {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, ErrNoResults
		}
		return nil, fmt.Errorf("results: read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	table, err := ParseTable(rc)
	if err != nil {
		return nil, fmt.Errorf("results: parse %s: %w", key, err)
	}
	return table, nil
}

// WriteReleased persists the released subset as an immutable derived
// snapshot keyed by job and run. The same selection reproduces the same
// artifact, so re-writing is idempotent at the artifact level.
func (s *Store) WriteReleased(ctx context.Context, jobID uuid.UUID, runID int, subset *Table) error {
	var buf bytes.Buffer
	if err := subset.Encode(&buf); err != nil {
		return err
	}
	key := ReleasedKey(jobID, runID)
	if err := s.blobs.Put(ctx, key, &buf, int64(buf.Len()), "text/csv"); err != nil {
		return fmt.Errorf("results: write %s: %w", key, err)
	}
	return nil
}

// StreamSanitized copies the raw sanitized CSV to w without parsing.
func (s *Store) StreamSanitized(ctx context.Context, jobID uuid.UUID, runID int, w io.Writer) error {
	return s.stream(ctx, SanitizedKey(jobID, runID), w)
}

// StreamReleased copies the raw released CSV to w without parsing.
func (s *Store) StreamReleased(ctx context.Context, jobID uuid.UUID, runID int, w io.Writer) error {
	return s.stream(ctx, ReleasedKey(jobID, runID), w)
}

func (s *Store) stream(ctx context.Context, key string, w io.Writer) error {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return ErrNoResults
		}
		return fmt.Errorf("results: read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("results: stream %s: %w", key, err)
	}
	return nil
}

// PutScript stores an uploaded analysis script and returns its key.
func (s *Store) PutScript(ctx context.Context, jobID uuid.UUID, filename string, body io.Reader, size int64) (string, error) {
	key := ScriptKey(jobID, filename)
	if err := s.blobs.Put(ctx, key, body, size, "application/octet-stream"); err != nil {
		return "", fmt.Errorf("results: put script %s: %w", key, err)
	}
	return key, nil
}

// PresignReleased returns a time-limited download URL for a released
// artifact.
func (s *Store) PresignReleased(ctx context.Context, jobID uuid.UUID, runID int, ttl time.Duration) (string, error) {
	url, err := s.blobs.PresignGet(ctx, ReleasedKey(jobID, runID), ttl)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", ErrNoResults
		}
		return "", fmt.Errorf("results: presign released: %w", err)
	}
	return url, nil
}
