package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRulesetStore implements RulesetStore backed by PostgreSQL
type PostgresRulesetStore struct {
	db *sql.DB
}

// NewPostgresRulesetStore creates a new PostgreSQL-backed RulesetStore
func NewPostgresRulesetStore(db *sql.DB) *PostgresRulesetStore {
	return &PostgresRulesetStore{db: db}
}

// Save inserts doc as the next version and makes it active, in one transaction
func (s *PostgresRulesetStore) Save(ctx context.Context, doc *Document, digest string) (*Ruleset, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize concurrent publications so version numbers stay dense
	if _, err := tx.ExecContext(ctx, `LOCK TABLE rulesets IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("failed to lock rulesets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rulesets SET active = false WHERE active = true`); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous ruleset: %w", err)
	}

	rs := &Ruleset{Digest: digest, Active: true, Document: *doc}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rulesets (version, document, digest, active, created_at)
		SELECT COALESCE(MAX(version), 0) + 1, $1::jsonb, $2, true, NOW()
		FROM rulesets
		RETURNING version, created_at
	`, string(body), digest).Scan(&rs.Version, &rs.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save ruleset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rs, nil
}

func (s *PostgresRulesetStore) Active(ctx context.Context) (*Ruleset, error) {
	rs, err := s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT version, document, digest, active, created_at
		FROM rulesets
		WHERE active = true
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRuleset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active ruleset: %w", err)
	}
	return rs, nil
}

func (s *PostgresRulesetStore) Get(ctx context.Context, version int) (*Ruleset, error) {
	rs, err := s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT version, document, digest, active, created_at
		FROM rulesets
		WHERE version = $1
	`, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ruleset: %w", err)
	}
	return rs, nil
}

func (s *PostgresRulesetStore) List(ctx context.Context) ([]*Ruleset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, document, digest, active, created_at
		FROM rulesets
		ORDER BY version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	var out []*Ruleset
	for rows.Next() {
		rs, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rulesets: %w", err)
	}
	return out, nil
}

func (s *PostgresRulesetStore) Activate(ctx context.Context, version int) (*Ruleset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rulesets WHERE version = $1)`, version).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check ruleset existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rulesets SET active = false WHERE active = true`); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous ruleset: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rulesets SET active = true WHERE version = $1`, version); err != nil {
		return nil, fmt.Errorf("failed to activate ruleset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.Get(ctx, version)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresRulesetStore) scanOne(row scanner) (*Ruleset, error) {
	var rs Ruleset
	var body []byte
	if err := row.Scan(&rs.Version, &body, &rs.Digest, &rs.Active, &rs.PublishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &rs.Document); err != nil {
		return nil, fmt.Errorf("stored ruleset %d is corrupt: %w", rs.Version, err)
	}
	return &rs, nil
}
