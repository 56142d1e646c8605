package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. One mutex makes every commit a
// critical section; validation runs before any state is touched.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	holds    map[string]*Hold
	records  map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		holds:    make(map[string]*Hold),
		records:  make(map[string]*Record),
	}
}

func (s *MemoryStore) Balance(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID], nil
}

func (s *MemoryStore) Hold(ctx context.Context, ref string) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[ref]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.clone(), nil
}

func (s *MemoryStore) Record(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return rec.clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) Commit(ctx context.Context, c *Commit) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[c.Key]; ok {
		return rec.clone(), true, nil
	}

	// Validate everything first so a rejected commit leaves no trace.
	if c.NewHold != nil {
		if _, exists := s.holds[c.NewHold.Ref]; exists {
			return nil, false, &HoldStateError{Ref: c.NewHold.Ref}
		}
	}
	var existing *Hold
	if c.Resolve != nil {
		h, ok := s.holds[c.HoldRef]
		if !ok {
			return nil, false, ErrHoldNotFound
		}
		if h.Status != HoldLocked {
			return nil, false, &HoldStateError{Ref: h.Ref, Status: h.Status}
		}
		existing = h
	}

	net := make(map[string]int64, len(c.Postings))
	for _, p := range c.Postings {
		net[p.AccountID] += p.Delta
	}
	for account, delta := range net {
		if available := s.balances[account]; available+delta < 0 {
			return nil, false, &InsufficientFundsError{AccountID: account, Required: -delta, Available: available}
		}
	}

	for account, delta := range net {
		s.balances[account] += delta
	}
	if c.NewHold != nil {
		s.holds[c.NewHold.Ref] = c.NewHold.clone()
	}
	if existing != nil {
		at := c.CreatedAt
		existing.Status = c.Resolve.Status
		existing.RefundedAmount = c.Resolve.RefundedAmount
		existing.PayeeID = c.Resolve.PayeeID
		existing.PayoutAmount = c.Resolve.PayoutAmount
		existing.FeeAmount = c.Resolve.FeeAmount
		existing.ResolvedAt = &at
	}

	rec := c.record()
	s.records[c.Key] = rec
	return rec.clone(), false, nil
}
