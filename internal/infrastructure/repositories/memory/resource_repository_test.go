package memory

import (
	"context"
	"testing"

	"tripsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRepositoryCreateAndGet(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()

	resource := &domain.Resource{
		ID:      "exp-1",
		Type:    domain.ResourceExperience,
		Name:    "Lisbon food tour",
		OwnerID: "alice",
	}
	require.NoError(t, repo.Create(ctx, resource))
	assert.Error(t, repo.Create(ctx, resource), "duplicate create must fail")

	got, err := repo.GetByID(ctx, domain.ResourceExperience, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon food tour", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	// Same id under a different type is a different record.
	_, err = repo.GetByID(ctx, domain.ResourcePlan, "exp-1")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestResourceRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Resource{
		ID:   "exp-1",
		Type: domain.ResourceExperience,
		Permissions: []domain.Permission{
			{EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleContributor},
		},
	}))

	got, err := repo.GetByID(ctx, domain.ResourceExperience, "exp-1")
	require.NoError(t, err)
	got.Permissions[0].Role = domain.RoleOwner
	got.Name = "mutated"

	fresh, err := repo.GetByID(ctx, domain.ResourceExperience, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleContributor, fresh.Permissions[0].Role)
	assert.Empty(t, fresh.Name)
}

func TestResourceRepositoryConditionalWrite(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Resource{
		ID:      "exp-1",
		Type:    domain.ResourceExperience,
		OwnerID: "alice",
	}))

	perms := []domain.Permission{
		{EntityID: "bob", EntityType: domain.EntityUser, Role: domain.RoleCollaborator},
	}
	require.NoError(t, repo.UpdatePermissions(ctx, domain.ResourceExperience, "exp-1", 0, "alice", perms))

	got, err := repo.GetByID(ctx, domain.ResourceExperience, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, got.Permissions, 1)

	// A stale expected version is rejected.
	err = repo.UpdatePermissions(ctx, domain.ResourceExperience, "exp-1", 0, "alice", nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	err = repo.UpdatePermissions(ctx, domain.ResourceExperience, "missing", 0, "alice", nil)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestResourceRepositoryDelete(t *testing.T) {
	repo := NewMemoryResourceRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.Resource{ID: "exp-1", Type: domain.ResourceExperience}))
	require.NoError(t, repo.Delete(ctx, domain.ResourceExperience, "exp-1"))

	_, err := repo.GetByID(ctx, domain.ResourceExperience, "exp-1")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, domain.ResourceExperience, "exp-1"), domain.ErrResourceNotFound)
}
