package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by the accounts, escrow_holds,
// ledger_operations and ledger_postings tables. Each commit runs in one
// transaction; the unique key on ledger_operations is the idempotency guard.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Hold(ctx context.Context, ref string) (*Hold, error) {
	return scanHold(s.pool.QueryRow(ctx, selectHold+` WHERE ref = $1`, ref))
}

func (s *PostgresStore) Record(ctx context.Context, key string) (*Record, error) {
	return loadRecord(ctx, s.pool, key)
}

func (s *PostgresStore) Commit(ctx context.Context, c *Commit) (*Record, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A concurrent commit with the same key blocks here until the first
	// transaction finishes, then observes the conflict.
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_operations (key, operation, hold_ref, receipt, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, c.Key, string(c.Operation), c.HoldRef, nullableJSON(c.Receipt), c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert ledger operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rec, err := loadRecord(ctx, tx, c.Key)
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			return nil, false, fmt.Errorf("ledger operation %s vanished", c.Key)
		}
		return rec, true, nil
	}

	if c.NewHold != nil {
		h := c.NewHold
		tag, err := tx.Exec(ctx, `
			INSERT INTO escrow_holds (ref, payer_id, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ref) DO NOTHING
		`, h.Ref, h.PayerID, h.Amount, string(h.Status), h.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert escrow hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, false, &HoldStateError{Ref: h.Ref}
		}
	}

	if c.Resolve != nil {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM escrow_holds WHERE ref = $1 FOR UPDATE`, c.HoldRef).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrHoldNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to lock escrow hold: %w", err)
		}
		if HoldStatus(status) != HoldLocked {
			return nil, false, &HoldStateError{Ref: c.HoldRef, Status: HoldStatus(status)}
		}
		r := c.Resolve
		_, err = tx.Exec(ctx, `
			UPDATE escrow_holds
			SET status = $2, refunded_amount = $3, payee_id = NULLIF($4, ''),
			    payout_amount = $5, fee_amount = $6, resolved_at = $7
			WHERE ref = $1
		`, c.HoldRef, string(r.Status), r.RefundedAmount, r.PayeeID, r.PayoutAmount, r.FeeAmount, c.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve escrow hold: %w", err)
		}
	}

	if err := applyPostings(ctx, tx, c.Key, c.Postings); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c.record(), false, nil
}

// applyPostings updates balances in account-id order so concurrent commits
// touching the same accounts always lock rows in the same order.
func applyPostings(ctx context.Context, tx pgx.Tx, key string, postings []Posting) error {
	net := make(map[string]int64, len(postings))
	for _, p := range postings {
		net[p.AccountID] += p.Delta
	}
	accounts := make([]string, 0, len(net))
	for id := range net {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)

	for _, id := range accounts {
		delta := net[id]
		if delta < 0 {
			tag, err := tx.Exec(ctx, `
				UPDATE accounts SET balance = balance + $2, updated_at = NOW()
				WHERE id = $1 AND balance + $2 >= 0
			`, id, delta)
			if err != nil {
				return fmt.Errorf("failed to debit account: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var available int64
				err := tx.QueryRow(ctx, `SELECT COALESCE((SELECT balance FROM accounts WHERE id = $1), 0)`, id).Scan(&available)
				if err != nil {
					return fmt.Errorf("failed to query balance: %w", err)
				}
				return &InsufficientFundsError{AccountID: id, Required: -delta, Available: available}
			}
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, balance, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
		`, id, delta)
		if err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, p := range postings {
		batch.Queue(`INSERT INTO ledger_postings (operation_key, account_id, delta) VALUES ($1, $2, $3)`,
			key, p.AccountID, p.Delta)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert ledger postings: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadRecord(ctx context.Context, q querier, key string) (*Record, error) {
	rec := &Record{Key: key}
	var (
		op      string
		holdRef *string
		receipt []byte
	)
	err := q.QueryRow(ctx, `
		SELECT operation, hold_ref, receipt, created_at FROM ledger_operations WHERE key = $1
	`, key).Scan(&op, &holdRef, &receipt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger operation: %w", err)
	}
	rec.Operation = Operation(op)
	if holdRef != nil {
		rec.HoldRef = *holdRef
	}
	if len(receipt) > 0 {
		rec.Receipt = receipt
	}

	rows, err := q.Query(ctx, `
		SELECT account_id, delta FROM ledger_postings WHERE operation_key = $1 ORDER BY id
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger postings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.AccountID, &p.Delta); err != nil {
			return nil, fmt.Errorf("failed to scan ledger posting: %w", err)
		}
		rec.Postings = append(rec.Postings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger postings: %w", err)
	}
	return rec, nil
}

const selectHold = `
	SELECT ref, payer_id, amount, status, refunded_amount, COALESCE(payee_id, ''),
	       payout_amount, fee_amount, created_at, resolved_at
	FROM escrow_holds`

func scanHold(row pgx.Row) (*Hold, error) {
	var (
		h          Hold
		status     string
		resolvedAt *time.Time
	)
	err := row.Scan(&h.Ref, &h.PayerID, &h.Amount, &status, &h.RefundedAmount, &h.PayeeID,
		&h.PayoutAmount, &h.FeeAmount, &h.CreatedAt, &resolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow hold: %w", err)
	}
	h.Status = HoldStatus(status)
	h.ResolvedAt = resolvedAt
	return &h, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
