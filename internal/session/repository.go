package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no usage has the requested id.
	ErrNotFound = errors.New("session usage not found")
	// ErrOpenSessionExists is returned when a resource already has an open usage.
	ErrOpenSessionExists = errors.New("resource already has an open session")
	// ErrExternalRefInUse is returned when another usage already owns the escrow hold ref.
	ErrExternalRefInUse = errors.New("escrow hold already belongs to another session")
	// ErrVersionConflict is returned when an update races another writer.
	ErrVersionConflict = errors.New("session usage was modified concurrently")
)

// Repository persists usages. At most one ACTIVE or PAUSED usage may exist
// per resource, and an escrow hold ref belongs to at most one usage.
type Repository interface {
	Create(ctx context.Context, u *Usage) error
	Get(ctx context.Context, id string) (*Usage, error)
	// FindOpenByResource returns nil when the resource has no open usage.
	FindOpenByResource(ctx context.Context, resourceID string) (*Usage, error)
	// FindByExternalRef returns nil when no usage owns the hold ref.
	FindByExternalRef(ctx context.Context, ref string) (*Usage, error)
	// Update writes u if its Version matches the stored one and bumps Version.
	Update(ctx context.Context, u *Usage) error
	ListOpen(ctx context.Context) ([]*Usage, error)
}

// MemoryRepository keeps usages in a map.
type MemoryRepository struct {
	mu     sync.RWMutex
	usages map[string]*Usage
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{usages: make(map[string]*Usage)}
}

func (r *MemoryRepository) Create(ctx context.Context, u *Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.usages[u.ID]; exists {
		return ErrOpenSessionExists
	}
	for _, other := range r.usages {
		if u.Status.Open() && other.ResourceID == u.ResourceID && other.Status.Open() {
			return ErrOpenSessionExists
		}
		if u.ExternalRef != "" && other.ExternalRef == u.ExternalRef {
			return ErrExternalRefInUse
		}
	}
	u.Version = 1
	r.usages[u.ID] = u.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (r *MemoryRepository) FindOpenByResource(ctx context.Context, resourceID string) (*Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.usages {
		if u.ResourceID == resourceID && u.Status.Open() {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) FindByExternalRef(ctx context.Context, ref string) (*Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.usages {
		if u.ExternalRef == ref {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Update(ctx context.Context, u *Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.usages[u.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != u.Version {
		return ErrVersionConflict
	}
	u.Version++
	r.usages[u.ID] = u.Clone()
	return nil
}

func (r *MemoryRepository) ListOpen(ctx context.Context) ([]*Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Usage
	for _, u := range r.usages {
		if u.Status.Open() {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out, nil
}
