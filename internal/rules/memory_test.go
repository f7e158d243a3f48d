package rules

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePolicyKeyUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, err := store.UpsertPolicy(ctx, Policy{Key: "mfa_payroll", IsActive: true})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, p.ID)

	_, err = store.UpsertPolicy(ctx, Policy{Key: "mfa_payroll", IsActive: true})
	require.ErrorIs(t, err, ErrDuplicateKey)

	p.Name = "MFA for payroll"
	updated, err := store.UpsertPolicy(ctx, p)
	require.NoError(t, err)
	require.Equal(t, p.ID, updated.ID)
	require.Equal(t, p.CreatedAt, updated.CreatedAt)
}

func TestMemoryStoreConflictIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, b := uuid.New(), uuid.New()

	first, created, err := store.InsertConflict(ctx, Conflict{Type: ConflictContradiction, PrimaryPolicyID: a, ConflictingPolicyID: b})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.InsertConflict(ctx, Conflict{Type: ConflictContradiction, PrimaryPolicyID: b, ConflictingPolicyID: a})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	_, err = store.ResolveConflict(ctx, first.ID, "accepted", "ops")
	require.NoError(t, err)
	_, created, err = store.InsertConflict(ctx, Conflict{Type: ConflictContradiction, PrimaryPolicyID: b, ConflictingPolicyID: a})
	require.NoError(t, err)
	require.True(t, created, "a resolved conflict does not suppress a new detection")
}

func TestMemoryStoreDeletePolicyReferenced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, err := store.UpsertPolicy(ctx, Policy{Key: "a", IsActive: true})
	require.NoError(t, err)
	b, err := store.UpsertPolicy(ctx, Policy{Key: "b", IsActive: true})
	require.NoError(t, err)
	c, _, err := store.InsertConflict(ctx, Conflict{PrimaryPolicyID: a.ID, ConflictingPolicyID: b.ID})
	require.NoError(t, err)

	require.ErrorIs(t, store.DeletePolicy(ctx, a.ID), ErrReferenced)
	_, err = store.ResolveConflict(ctx, c.ID, "", "ops")
	require.NoError(t, err)
	require.NoError(t, store.DeletePolicy(ctx, a.ID))
	require.ErrorIs(t, store.DeletePolicy(ctx, a.ID), ErrNotFound)
	require.NotContains(t, store.conflicts, c.ID, "resolved conflicts go with the policy")
}

func TestMemoryStoreBaseRole(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.AssignRole("u1", "t1", "Personalleiter")

	role, err := store.BaseRole(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, "Personalleiter", role)

	_, err = store.BaseRole(ctx, "u1", "t2")
	require.ErrorIs(t, err, ErrNotFound)
}
