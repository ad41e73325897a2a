package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"fleetops/warden/pkg/policy"
)

// SQLiteConfig configures the SQLite policy backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

const policySchema = `
CREATE TABLE IF NOT EXISTS policy_versions (
	code        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	status      TEXT NOT NULL,
	definition  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	activated_at TEXT,
	PRIMARY KEY (code, version)
);

CREATE TABLE IF NOT EXISTS policy_active (
	code    TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_versions_status ON policy_versions(status);
`

// SQLiteBackend persists policy versions in SQLite. The active pointer lives
// in its own table and is swapped with a conditional update inside a
// transaction, so activation is a single compare-and-set.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (and if needed creates) a SQLite policy database.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(policySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := slog.Default().With("component", "policy.store.sqlite")
	logger.Info("policy store opened", "path", cfg.Path)

	return &SQLiteBackend{db: db, logger: logger}, nil
}

// Insert stores a new version.
func (s *SQLiteBackend) Insert(ctx context.Context, t *policy.Template) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_versions WHERE code = ? AND version = ?`,
		t.Code, t.Version).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrVersionExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_versions (code, version, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Code, t.Version, string(t.Status), string(def),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return tx.Commit()
}

// Get returns one version.
func (s *SQLiteBackend) Get(ctx context.Context, code string, version int) (*policy.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, status, updated_at, activated_at FROM policy_versions
		 WHERE code = ? AND version = ?`, code, version)
	return scanTemplate(row)
}

// Versions returns every version of a code in ascending order.
func (s *SQLiteBackend) Versions(ctx context.Context, code string) ([]*policy.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition, status, updated_at, activated_at FROM policy_versions
		 WHERE code = ? ORDER BY version ASC`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, policy.ErrNotFound
	}
	return out, nil
}

// LatestVersion returns the highest version number for code.
func (s *SQLiteBackend) LatestVersion(ctx context.Context, code string) (int, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM policy_versions WHERE code = ?`, code).Scan(&latest)
	if err != nil {
		return 0, err
	}
	return int(latest.Int64), nil
}

// SetStatus moves a version between statuses.
func (s *SQLiteBackend) SetStatus(ctx context.Context, code string, version int, from, to policy.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_versions SET status = ?, updated_at = ?
		 WHERE code = ? AND version = ? AND status = ?`,
		string(to), formatTime(at), code, version, string(from))
	if err != nil {
		return err
	}
	return checkAffected(ctx, s.db, res, code, version)
}

// Activate swaps the active pointer inside one transaction.
func (s *SQLiteBackend) Activate(ctx context.Context, code string, version, expected int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM policy_active WHERE code = ?`, code).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if current != expected {
		return ErrActiveChanged
	}

	ts := formatTime(at)
	res, err := tx.ExecContext(ctx,
		`UPDATE policy_versions SET status = ?, updated_at = ?, activated_at = ?
		 WHERE code = ? AND version = ? AND status IN (?, ?)`,
		string(policy.StatusActive), ts, ts, code, version,
		string(policy.StatusDraft), string(policy.StatusPendingApproval))
	if err != nil {
		return err
	}
	if err := checkAffected(ctx, tx, res, code, version); err != nil {
		return err
	}

	if expected != 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE policy_versions SET status = ?, updated_at = ? WHERE code = ? AND version = ?`,
			string(policy.StatusSuperseded), ts, code, expected)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE policy_active SET version = ? WHERE code = ? AND version = ?`,
			version, code, expected)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO policy_active (code, version) VALUES (?, ?)`, code, version)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Archive archives a version and clears the active pointer if needed.
func (s *SQLiteBackend) Archive(ctx context.Context, code string, version int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE policy_versions SET status = ?, updated_at = ?
		 WHERE code = ? AND version = ? AND status != ?`,
		string(policy.StatusArchived), formatTime(at), code, version, string(policy.StatusArchived))
	if err != nil {
		return err
	}
	if err := checkAffected(ctx, tx, res, code, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM policy_active WHERE code = ? AND version = ?`, code, version); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveVersion returns the active version number for code.
func (s *SQLiteBackend) ActiveVersion(ctx context.Context, code string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM policy_active WHERE code = ?`, code).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// Active returns the active version for code.
func (s *SQLiteBackend) Active(ctx context.Context, code string) (*policy.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v.definition, v.status, v.updated_at, v.activated_at
		 FROM policy_active a JOIN policy_versions v ON v.code = a.code AND v.version = a.version
		 WHERE a.code = ?`, code)
	t, err := scanTemplate(row)
	if errors.Is(err, policy.ErrNotFound) {
		latest, lerr := s.LatestVersion(ctx, code)
		if lerr == nil && latest > 0 {
			return nil, policy.ErrNoActiveVersion
		}
	}
	return t, err
}

// ListActive returns the active version of every code.
func (s *SQLiteBackend) ListActive(ctx context.Context) ([]*policy.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.definition, v.status, v.updated_at, v.activated_at
		 FROM policy_active a JOIN policy_versions v ON v.code = a.code AND v.version = a.version
		 ORDER BY a.code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close policy store: %w", err)
	}
	s.logger.Info("policy store closed")
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkAffected distinguishes a missing version from a failed status
// compare-and-set when an update touched no rows.
func checkAffected(ctx context.Context, q querier, res sql.Result, code string, version int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx,
		`SELECT 1 FROM policy_versions WHERE code = ? AND version = ?`, code, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusChanged
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTemplate decodes the stored definition and overlays the mutable
// lifecycle columns, which are authoritative.
func scanTemplate(row rowScanner) (*policy.Template, error) {
	var def, status, updatedAt string
	var activatedAt sql.NullString
	if err := row.Scan(&def, &status, &updatedAt, &activatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, policy.ErrNotFound
		}
		return nil, err
	}

	var t policy.Template
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return nil, fmt.Errorf("failed to decode policy definition: %w", err)
	}
	t.Status = policy.Status(status)
	t.UpdatedAt = parseTime(updatedAt)
	if activatedAt.Valid {
		at := parseTime(activatedAt.String)
		t.ActivatedAt = &at
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
