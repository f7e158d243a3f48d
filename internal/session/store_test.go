package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type recordedAudit struct{ actions []string }

func (a *recordedAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.actions = append(a.actions, log.Action)
	return nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	store   *RedisStore
	roles   *rules.MemoryStore
	audit   *recordedAudit
	changed []string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:    mr,
		roles: rules.NewMemoryStore(),
		audit: &recordedAudit{},
		now:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.roles.AssignRole("root", "t1", "Owner")
	f.roles.AssignRole("admin-1", "t1", "Administrator")
	f.roles.AssignRole("lead-1", "t1", "Teamleiter")
	f.roles.AssignRole("root", "t2", "employee")
	f.store = NewRedisStore(client, f.roles, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithTTL(10*time.Minute, 0),
		WithAudit(f.audit),
		WithClock(func() time.Time { return f.now }),
		WithOnChange(func(ctx context.Context, actorID string) { f.changed = append(f.changed, actorID) }),
	)
	return f
}

func TestPreviewLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.store.StartPreview(ctx, "admin-1", "t1", "Mitarbeiter")
	require.NoError(t, err)
	require.Equal(t, access.RoleEmployee, p.Role)
	require.Equal(t, f.now.Add(10*time.Minute), p.ExpiresAt)
	require.Equal(t, 10*time.Minute, f.mr.TTL(previewKey("admin-1")))

	role, ok, err := f.store.ActivePreview(ctx, "admin-1", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "employee", role)

	require.NoError(t, f.store.StopPreview(ctx, "admin-1"))
	require.NoError(t, f.store.StopPreview(ctx, "admin-1"))
	_, ok, err = f.store.ActivePreview(ctx, "admin-1", "t1")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, []string{"admin-1", "admin-1"}, f.changed)
	require.Equal(t, []string{shared.AuditPreviewStarted, shared.AuditPreviewStopped}, f.audit.actions)
}

func TestPreviewIsOperatorOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.StartPreview(ctx, "lead-1", "t1", "employee")
	require.ErrorIs(t, err, ErrNotPermitted)
	_, err = f.store.StartPreview(ctx, "stranger", "t1", "employee")
	require.ErrorIs(t, err, ErrNotPermitted)
	_, err = f.store.StartPreview(ctx, "admin-1", "t1", "intern")
	require.ErrorIs(t, err, ErrInvalid)
	require.Empty(t, f.changed)
}

func TestPreviewCannotOutrankBaseRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.StartPreview(ctx, "admin-1", "t1", "superadmin")
	require.ErrorIs(t, err, ErrNotPermitted)
	_, ok, err := f.store.CurrentPreview(ctx, "admin-1")
	require.NoError(t, err)
	require.False(t, ok)

	p, err := f.store.StartPreview(ctx, "admin-1", "t1", "admin")
	require.NoError(t, err)
	require.Equal(t, access.RoleAdmin, p.Role)
	_, err = f.store.StartPreview(ctx, "admin-1", "t1", "hr_manager")
	require.NoError(t, err)
}

func TestPreviewAppliesOnlyInItsTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.StartPreview(ctx, "root", "t1", "team_lead")
	require.NoError(t, err)

	_, ok, err := f.store.ActivePreview(ctx, "root", "t2")
	require.NoError(t, err)
	require.False(t, ok)

	resolver := rbac.NewResolver(f.store, f.roles, nil)
	acting := resolver.Resolve(ctx, "root", "t1")
	require.True(t, acting.PreviewActive)
	require.Equal(t, access.RoleTeamLead, acting.Role)

	acting = resolver.Resolve(ctx, "root", "t2")
	require.False(t, acting.PreviewActive)
	require.Equal(t, access.RoleEmployee, acting.Role)
	require.Equal(t, access.SourceAssignment, acting.Source)
}

func TestPreviewExpiresByTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.StartPreview(ctx, "root", "t1", "team lead")
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	_, ok, err := f.store.ActivePreview(ctx, "root", "t1")
	require.NoError(t, err)
	require.False(t, ok, "expires_at is authoritative even before the key TTL elapses")
}

func TestImpersonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.StartImpersonation(ctx, "admin-1", "t1", "t2")
	require.ErrorIs(t, err, ErrNotPermitted)
	_, err = f.store.StartImpersonation(ctx, "root", "t1", "t1")
	require.ErrorIs(t, err, ErrInvalid)

	imp, err := f.store.StartImpersonation(ctx, "root", "t1", "t2")
	require.NoError(t, err)
	require.Equal(t, f.now.Add(DefaultImpersonationTTL), imp.ExpiresAt)

	resolver := rbac.NewResolver(f.store, f.roles, nil)
	acting := resolver.Resolve(ctx, "root", "t1")
	require.Equal(t, "t2", acting.Tenant)
	require.Equal(t, access.RoleEmployee, acting.Role)
	require.Equal(t, access.SourceImpersonation, acting.Source)

	require.NoError(t, f.store.StopImpersonation(ctx, "root"))
	acting = resolver.Resolve(ctx, "root", "t1")
	require.Equal(t, access.RoleSuperAdmin, acting.Role)
	require.False(t, acting.Impersonating())
	require.Equal(t, []string{shared.AuditImpersonateStart, shared.AuditImpersonateStop}, f.audit.actions)
}

func TestRedisOutageDegradesResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.StartPreview(ctx, "root", "t1", "employee")
	require.NoError(t, err)

	f.mr.SetError("ERR server unavailable")
	_, _, err = f.store.ActivePreview(ctx, "root", "t1")
	require.Error(t, err)

	acting := rbac.NewResolver(f.store, f.roles, slog.New(slog.NewTextHandler(io.Discard, nil))).Resolve(ctx, "root", "t1")
	require.False(t, acting.PreviewActive)
	require.Equal(t, access.RoleSuperAdmin, acting.Role)
}
