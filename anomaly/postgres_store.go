package anomaly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
//
// Per-key atomicity uses two layers: a transaction-scoped advisory lock on
// the key hash serializes decide-then-insert for the same key, and the
// partial unique index on OPEN rows turns any remaining race into a no-op
// insert (ON CONFLICT DO NOTHING).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const anomalyColumns = `id, employee_id, site_id, to_char(date, 'YYYY-MM-DD'), anomaly_type, status, minutes,
	description, punch_digest, ruleset_version, processing_mode, created_at, updated_at`

// advisoryLockKey hashes a dedup key into the int64 space of pg_advisory_xact_lock
func advisoryLockKey(key Key) int64 {
	h := fnv.New64a()
	h.Write([]byte(key.String()))
	return int64(h.Sum64())
}

func (s *PostgresStore) CreateIfNeeded(ctx context.Context, key Key, decide DecideFunc) (*Anomaly, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(key)); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	latest, err := scanAnomaly(tx.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies
		WHERE employee_id = $1 AND site_id = $2 AND date = $3 AND anomaly_type = $4
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, key.EmployeeID, key.SiteID, key.Date, string(key.Kind)))
	if errors.Is(err, sql.ErrNoRows) {
		latest = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load latest anomaly: %w", err)
	}

	a := decide(latest)
	if a == nil {
		return nil, nil
	}
	if a.Key() != key {
		return nil, fmt.Errorf("anomaly key %s does not match %s", a.Key(), key)
	}

	created, err := scanAnomaly(tx.QueryRowContext(ctx, `
		INSERT INTO anomalies (id, employee_id, site_id, date, anomaly_type, status, minutes,
			description, punch_digest, ruleset_version, processing_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (employee_id, site_id, date, anomaly_type) WHERE status = 'OPEN' DO NOTHING
		RETURNING `+anomalyColumns,
		a.ID, a.EmployeeID, a.SiteID, a.Date, string(a.Kind), string(a.Status), a.Minutes,
		a.Description, a.PunchDigest, a.RulesetVersion, string(a.Mode), a.CreatedAt, a.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to another writer: not an error
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert anomaly: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Anomaly, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.EmployeeID != "" {
		add("employee_id = $%d", f.EmployeeID)
	}
	if f.SiteID != "" {
		add("site_id = $%d", f.SiteID)
	}
	if f.From != "" {
		add("date >= $%d", f.From)
	}
	if f.To != "" {
		add("date <= $%d", f.To)
	}
	if f.Kind != "" {
		add("anomaly_type = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY date DESC, created_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomalies: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) (*Anomaly, error) {
	if err := checkTransition(Open, status); err != nil {
		return nil, err
	}

	a, err := scanAnomaly(s.db.QueryRowContext(ctx, `
		UPDATE anomalies
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = 'OPEN'
		RETURNING `+anomalyColumns,
		string(status), time.Now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update anomaly: %w", err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*Anomaly, error) {
	var a Anomaly
	err := row.Scan(&a.ID, &a.EmployeeID, &a.SiteID, &a.Date, &a.Kind, &a.Status, &a.Minutes,
		&a.Description, &a.PunchDigest, &a.RulesetVersion, &a.Mode, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
