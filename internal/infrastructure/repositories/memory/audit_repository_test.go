package memory

import (
	"context"
	"testing"
	"time"

	"tripsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditEntry(id, token string, actor domain.UserID, createdAt time.Time) *domain.AuditEntry {
	return &domain.AuditEntry{
		ID:            domain.AuditID(id),
		ResourceID:    "exp-1",
		ResourceType:  domain.ResourceExperience,
		ActorID:       actor,
		Action:        domain.AuditPermissionAdded,
		RollbackToken: token,
		CreatedAt:     createdAt,
	}
}

func TestAuditRepositoryAppendAndGetByToken(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, auditEntry("a1", "tok-1", "alice", time.Now())))

	got, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.EqualValues(t, "a1", got.ID)

	_, err = repo.GetByToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, domain.ErrAuditEntryNotFound)
}

func TestAuditRepositoryMarkRolledBackIsSingleUse(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, auditEntry("a1", "tok-1", "alice", time.Now())))

	require.NoError(t, repo.MarkRolledBack(ctx, "a1"))
	assert.ErrorIs(t, repo.MarkRolledBack(ctx, "a1"), domain.ErrTokenAlreadyUsed)
	assert.ErrorIs(t, repo.MarkRolledBack(ctx, "missing"), domain.ErrAuditEntryNotFound)

	got, err := repo.GetByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.NotNil(t, got.RolledBackAt)
}

func TestAuditRepositoryListNewestFirst(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, repo.Append(ctx, auditEntry("a1", "tok-1", "alice", base.Add(-2*time.Hour))))
	require.NoError(t, repo.Append(ctx, auditEntry("a2", "tok-2", "bob", base.Add(-time.Hour))))
	require.NoError(t, repo.Append(ctx, auditEntry("a3", "tok-3", "alice", base)))

	entries, err := repo.ListByResource(ctx, domain.ResourceExperience, "exp-1", domain.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, "a3", entries[0].ID)
	assert.EqualValues(t, "a1", entries[2].ID)

	byActor, err := repo.ListByResource(ctx, domain.ResourceExperience, "exp-1", domain.AuditFilter{ActorID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	since, err := repo.ListByResource(ctx, domain.ResourceExperience, "exp-1", domain.AuditFilter{From: base.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := repo.ListByResource(ctx, domain.ResourceExperience, "exp-1", domain.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.EqualValues(t, "a3", limited[0].ID)

	other, err := repo.ListByResource(ctx, domain.ResourcePlan, "exp-1", domain.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}
