// Package mutationstore persists Trait records (§3 "Trait record"): one row
// per validated or applied mutation attempt, keyed by mutation id and
// indexed by content hash so the Sandbox Validator can reject duplicate
// source without re-running the whole pipeline.
package mutationstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status is a Trait record's lifecycle stage (§3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidated  Status = "validated"
	StatusActive     Status = "active"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Record is one row of the Mutation Store.
type Record struct {
	MutationID    string
	TraitName     string
	Version       int
	CodeHash      string
	Source        string
	ArtifactPath  string
	CycleID       string
	TriggerType   string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store wraps a sqlite-backed table of Trait records.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or attaches to the sqlite database at path, running
// migrations on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mutationstore: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("mutationstore: wal mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mutations (
			mutation_id    TEXT PRIMARY KEY,
			trait_name     TEXT NOT NULL,
			version        INTEGER NOT NULL,
			code_hash      TEXT NOT NULL,
			source         TEXT NOT NULL,
			artifact_path  TEXT NOT NULL,
			cycle_id       TEXT NOT NULL,
			trigger_type   TEXT NOT NULL,
			status         TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			UNIQUE(trait_name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_hash ON mutations(code_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_trait ON mutations(trait_name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("mutationstore: migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// NextVersion returns (max existing version for traitName) + 1.
func (s *Store) NextVersion(ctx context.Context, traitName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM mutations WHERE trait_name = ?`, traitName)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("mutationstore: next version: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// Insert persists a new Trait record with a fresh mutation id, returning it.
func (s *Store) Insert(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.MutationID = uuid.NewString()
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mutations(mutation_id, trait_name, version, code_hash, source, artifact_path,
			cycle_id, trigger_type, status, failure_reason, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MutationID, rec.TraitName, rec.Version, rec.CodeHash, rec.Source, rec.ArtifactPath,
		rec.CycleID, rec.TriggerType, string(rec.Status), rec.FailureReason,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return Record{}, fmt.Errorf("mutationstore: insert: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions a record to a new status, optionally recording a
// failure reason.
func (s *Store) UpdateStatus(ctx context.Context, mutationID string, status Status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE mutations SET status = ?, failure_reason = ?, updated_at = ? WHERE mutation_id = ?`,
		string(status), failureReason, time.Now().Unix(), mutationID)
	if err != nil {
		return fmt.Errorf("mutationstore: update status: %w", err)
	}
	return nil
}

// HasHash reports whether any record (any status) carries this content
// hash. Implements sandbox.DuplicateChecker.
func (s *Store) HasHash(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	row := s.db.QueryRow(`SELECT COUNT(1) FROM mutations WHERE code_hash = ?`, hash)
	if err := row.Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// ActiveVersion returns the artifact path of the most recent record with
// status "active" for traitName, used to populate MutationFailed's
// rollback_to field.
func (s *Store) ActiveVersion(ctx context.Context, traitName string) (path string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT artifact_path FROM mutations WHERE trait_name = ? AND status = ? ORDER BY version DESC LIMIT 1`,
		traitName, string(StatusActive))
	if err := row.Scan(&path); err != nil {
		return "", false
	}
	return path, true
}

// ListMutations returns every record ordered by descending create time
// (§6 `list_mutations`).
func (s *Store) ListMutations(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT mutation_id, trait_name, version, code_hash, source, artifact_path, cycle_id,
			trigger_type, status, failure_reason, created_at, updated_at
		 FROM mutations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("mutationstore: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSource returns the source text for a mutation id (§6
// `get_mutation_source`).
func (s *Store) GetSource(ctx context.Context, mutationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var source string
	row := s.db.QueryRowContext(ctx, `SELECT source FROM mutations WHERE mutation_id = ?`, mutationID)
	if err := row.Scan(&source); err != nil {
		return "", false
	}
	return source, true
}

// VersionsForTrait returns every record for traitName ordered by ascending
// version, used by the Patcher's retention sweep.
func (s *Store) VersionsForTrait(ctx context.Context, traitName string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT mutation_id, trait_name, version, code_hash, source, artifact_path, cycle_id,
			trigger_type, status, failure_reason, created_at, updated_at
		 FROM mutations WHERE trait_name = ? ORDER BY version ASC`, traitName)
	if err != nil {
		return nil, fmt.Errorf("mutationstore: versions for trait: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TraitNames returns every distinct trait name with at least one record,
// used by the maintenance sweep to know what to check.
func (s *Store) TraitNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT trait_name FROM mutations ORDER BY trait_name`)
	if err != nil {
		return nil, fmt.Errorf("mutationstore: trait names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mutationstore: scan trait name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (Record, error) {
	var r Record
	var status string
	var created, updated int64
	if err := rows.Scan(&r.MutationID, &r.TraitName, &r.Version, &r.CodeHash, &r.Source, &r.ArtifactPath,
		&r.CycleID, &r.TriggerType, &status, &r.FailureReason, &created, &updated); err != nil {
		return Record{}, fmt.Errorf("mutationstore: scan: %w", err)
	}
	r.Status = Status(status)
	r.CreatedAt = time.Unix(created, 0)
	r.UpdatedAt = time.Unix(updated, 0)
	return r, nil
}
