package escrow

import (
	"context"
)

// Store persists balances, holds and commit records.
type Store interface {
	// Balance returns the spendable balance of an account; unknown accounts hold zero.
	Balance(ctx context.Context, accountID string) (int64, error)
	// Hold returns the hold with the given ref or ErrHoldNotFound.
	Hold(ctx context.Context, ref string) (*Hold, error)
	// Record returns the commit record for key, or nil when none exists.
	Record(ctx context.Context, key string) (*Record, error)
	// Commit applies c atomically. When c.Key was already committed it
	// returns the original record and alreadyProcessed without applying c.
	Commit(ctx context.Context, c *Commit) (rec *Record, alreadyProcessed bool, err error)
}
