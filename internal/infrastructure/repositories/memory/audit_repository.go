package memory

import (
	"context"
	"sync"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
)

type MemoryAuditRepository struct {
	entries []*domain.AuditEntry
	byToken map[string]*domain.AuditEntry
	byID    map[domain.AuditID]*domain.AuditEntry
	mu      sync.RWMutex
}

func NewMemoryAuditRepository() ports.AuditRepository {
	return &MemoryAuditRepository{
		byToken: make(map[string]*domain.AuditEntry),
		byID:    make(map[domain.AuditID]*domain.AuditEntry),
	}
}

func (r *MemoryAuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneAuditEntry(entry)
	r.entries = append(r.entries, stored)
	r.byToken[stored.RollbackToken] = stored
	r.byID[stored.ID] = stored
	return nil
}

func (r *MemoryAuditRepository) GetByToken(ctx context.Context, token string) (*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.byToken[token]
	if !exists {
		return nil, domain.ErrAuditEntryNotFound
	}
	return cloneAuditEntry(entry), nil
}

func (r *MemoryAuditRepository) MarkRolledBack(ctx context.Context, id domain.AuditID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byID[id]
	if !exists {
		return domain.ErrAuditEntryNotFound
	}
	if entry.RolledBackAt != nil {
		return domain.ErrTokenAlreadyUsed
	}
	now := time.Now()
	entry.RolledBackAt = &now
	return nil
}

func (r *MemoryAuditRepository) ListByResource(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.AuditEntry
	// Newest first.
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if entry.ResourceType != resourceType || entry.ResourceID != id {
			continue
		}
		if !filter.Matches(entry) {
			continue
		}
		out = append(out, cloneAuditEntry(entry))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func cloneAuditEntry(src *domain.AuditEntry) *domain.AuditEntry {
	dst := *src
	dst.Before = make([]domain.Permission, len(src.Before))
	copy(dst.Before, src.Before)
	dst.After = make([]domain.Permission, len(src.After))
	copy(dst.After, src.After)
	if src.RolledBackAt != nil {
		t := *src.RolledBackAt
		dst.RolledBackAt = &t
	}
	return &dst
}
