package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"

	externalRefIndex = "session_usages_external_ref_idx"
)

// PostgresRepository stores usages in session_usages. The document lives in
// a JSONB column; the indexed columns mirror the fields used for lookups.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository over an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, u *Usage) error {
	u.Version = 1
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO session_usages (id, resource_id, payer_id, payee_id, external_ref, status, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.ResourceID, u.PayerID, u.PayeeID, u.ExternalRef, string(u.Status), data, u.Version, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == externalRefIndex {
				return ErrExternalRefInUse
			}
			return ErrOpenSessionExists
		}
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Usage, error) {
	u, err := scanUsage(r.pool.QueryRow(ctx, `SELECT data, version FROM session_usages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (r *PostgresRepository) FindOpenByResource(ctx context.Context, resourceID string) (*Usage, error) {
	u, err := scanUsage(r.pool.QueryRow(ctx, `
		SELECT data, version FROM session_usages
		WHERE resource_id = $1 AND status IN ('ACTIVE', 'PAUSED')
	`, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (r *PostgresRepository) FindByExternalRef(ctx context.Context, ref string) (*Usage, error) {
	u, err := scanUsage(r.pool.QueryRow(ctx, `SELECT data, version FROM session_usages WHERE external_ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (r *PostgresRepository) Update(ctx context.Context, u *Usage) error {
	next := u.Clone()
	next.Version = u.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE session_usages
		SET status = $3, data = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $2
	`, u.ID, u.Version, string(u.Status), data, next.Version, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, u.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	u.Version = next.Version
	return nil
}

func (r *PostgresRepository) ListOpen(ctx context.Context) ([]*Usage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT data, version FROM session_usages
		WHERE status IN ('ACTIVE', 'PAUSED')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open usages: %w", err)
	}
	defer rows.Close()

	var out []*Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read open usages: %w", err)
	}
	return out, nil
}

func scanUsage(row pgx.Row) (*Usage, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan usage: %w", err)
	}
	var u Usage
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}
	u.Version = version
	return &u, nil
}
