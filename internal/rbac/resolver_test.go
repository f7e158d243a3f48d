package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

type stubSessions struct {
	preview      map[string]string
	impersonated map[string]string
	err          error
}

func (s stubSessions) ActivePreview(ctx context.Context, actorID, tenantID string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	role, ok := s.preview[actorID]
	return role, ok, nil
}

func (s stubSessions) ActiveImpersonation(ctx context.Context, actorID string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	tenant, ok := s.impersonated[actorID]
	return tenant, ok, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolverPreviewWins(t *testing.T) {
	store := rules.NewMemoryStore()
	store.AssignRole("root", "t1", "superadmin")
	resolver := NewResolver(stubSessions{preview: map[string]string{"root": "Mitarbeiter"}}, store, testLogger())

	acting := resolver.Resolve(context.Background(), "root", "t1")
	require.Equal(t, access.RoleEmployee, acting.Role)
	require.True(t, acting.PreviewActive)
	require.Equal(t, access.SourcePreview, acting.Source)
}

func TestResolverImpersonationUsesTargetTenant(t *testing.T) {
	store := rules.NewMemoryStore()
	store.AssignRole("ops", "home", "employee")
	store.AssignRole("ops", "acme", "HR-Manager")
	resolver := NewResolver(stubSessions{impersonated: map[string]string{"ops": "acme"}}, store, testLogger())

	acting := resolver.Resolve(context.Background(), "ops", "home")
	require.Equal(t, access.RoleHRAdmin, acting.Role)
	require.Equal(t, "acme", acting.Tenant)
	require.Equal(t, "home", acting.HomeTenant)
	require.True(t, acting.Impersonating())
	require.Equal(t, access.SourceImpersonation, acting.Source)
}

func TestResolverBaseAssignment(t *testing.T) {
	store := rules.NewMemoryStore()
	store.AssignRole("u1", "t1", "Teamleiter")
	resolver := NewResolver(nil, store, testLogger())

	require.Equal(t, access.RoleTeamLead, resolver.ResolveEffectiveRole(context.Background(), "u1", "t1"))
	require.Equal(t, access.RoleEmployee, resolver.ResolveEffectiveRole(context.Background(), "u1", "t2"))
}

func TestResolverFailsClosedToEmployee(t *testing.T) {
	store := rules.NewMemoryStore()
	store.AssignRole("u1", "t1", "admin")
	store.Fail(errors.New("store down"))
	resolver := NewResolver(stubSessions{err: errors.New("redis down")}, store, testLogger())

	acting := resolver.Resolve(context.Background(), "u1", "t1")
	require.Equal(t, access.RoleEmployee, acting.Role)
	require.Equal(t, access.SourceDefault, acting.Source)
	require.False(t, acting.PreviewActive)
}

func TestResolverAnonymous(t *testing.T) {
	resolver := NewResolver(nil, rules.NewMemoryStore(), testLogger())
	acting := resolver.Resolve(context.Background(), "", "t1")
	require.True(t, acting.Anonymous())
	require.Equal(t, access.RoleEmployee, acting.Role)
}
