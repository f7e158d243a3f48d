package authzhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-hr/internal/enforce"
	"github.com/odyssey-erp/odyssey-hr/internal/policy"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
)

const operatorToken = "s3cret-operator"

type testServer struct {
	router http.Handler
	store  *rules.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := rules.NewMemoryStore()
	store.AssignRole("root", "t1", "Owner")
	store.AssignRole("root", "t2", "employee")
	store.AssignRole("admin-1", "t1", "Administrator")
	store.AssignRole("emp-1", "t1", "Mitarbeiter")
	store.AssignRole("lead-1", "t1", "Teamleiter")
	require.NoError(t, store.UpsertRolePermission(context.Background(), rules.RolePermission{
		Role: "team_lead", Module: "absence", Action: "approve", Scope: "own", IsGranted: true,
	}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	holder := rules.NewHolder(store, logger)
	sessions := session.NewRedisStore(client, store, logger,
		session.WithOnChange(func(ctx context.Context, actorID string) { _, _ = holder.RefreshActor(ctx, actorID) }))
	resolver := rbac.NewResolver(sessions, store, logger)
	evaluator := rbac.NewEvaluator(holder, logger)
	engine := policy.NewEngine(holder, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)
	operators, err := NewOperatorAuth(string(hash))
	require.NoError(t, err)

	h := NewHandler(Config{
		Logger:    logger,
		Resolver:  resolver,
		Evaluator: evaluator,
		Engine:    engine,
		Guards:    enforce.NewFacade(resolver, evaluator, engine),
		Policies:  policy.NewService(store, holder, nil, nil, logger),
		Sessions:  sessions,
		Operators: operators,
		RBAC:      rbac.Middleware{Resolver: resolver, Evaluator: evaluator, Logger: logger},
	})
	r := chi.NewRouter()
	r.Route("/authz", h.MountRoutes)
	return &testServer{router: r, store: store}
}

type call struct {
	method   string
	path     string
	body     any
	actor    string
	tenant   string
	operator bool
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.actor != "" {
		req.Header.Set(HeaderActorID, c.actor)
		req.Header.Set(HeaderTenantID, c.tenant)
	}
	if c.operator {
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestEffectiveRole(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, call{method: http.MethodGet, path: "/authz/effective-role", actor: "lead-1", tenant: "t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[actingView](t, rr)
	require.Equal(t, "team_lead", view.Role)
	require.Equal(t, "lead-1", view.ActorID)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/effective-role?actor_id=nobody&tenant_id=t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "employee", decode[actingView](t, rr).Role)
}

func TestPermissionCheck(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, call{method: http.MethodPost, path: "/authz/permissions/check", actor: "lead-1", tenant: "t1",
		body: map[string]any{"module": "absence", "action": "approve"}})
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[permissionResponse](t, rr)
	require.True(t, res.Allowed)
	require.Equal(t, rbac.LayerLegacy, res.Layer)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/permissions/check",
		body: map[string]any{"actor_id": "emp-1", "tenant_id": "t1", "module": "payroll", "action": "update"}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, decode[permissionResponse](t, rr).Allowed)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/permissions/check", actor: "emp-1", tenant: "t1",
		body: map[string]any{"module": "absence"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/permissions/check", actor: "emp-1", tenant: "t1",
		body: map[string]any{"module": "absence", "action": "read", "extra": true}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGuardRoutes(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, call{method: http.MethodGet, path: "/authz/guards"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[[]enforce.Guard](t, rr), len(enforce.DefaultGuards()))

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/guards/" + enforce.GuardClockIn, actor: "emp-1", tenant: "t1",
		body: map[string]any{}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, decode[enforce.Decision](t, rr).Allowed)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/guards/launch_rocket", actor: "emp-1", tenant: "t1"})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	input := map[string]any{
		"key":              "no_self_approval",
		"name":             "No self approval",
		"category":         "absence",
		"value":            map[string]any{"kind": "self_approval", "actions": []string{"approve"}},
		"affected_modules": []string{"absence"},
		"priority":         100,
	}

	rr := s.do(t, call{method: http.MethodPost, path: "/authz/policies", actor: "root", tenant: "t1", body: input})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/policies", actor: "emp-1", tenant: "t1", body: input, operator: true})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/policies", actor: "root", tenant: "t1", body: input, operator: true})
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[policyView](t, rr)
	require.Equal(t, "no_self_approval", created.Key)
	require.True(t, created.IsActive)
	require.Equal(t, "root", created.CreatedBy)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/policies", actor: "root", tenant: "t1", body: input, operator: true})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, call{method: http.MethodPost, path: "/authz/policies/check", actor: "lead-1", tenant: "t1",
		body: map[string]any{"module": "absence", "action": "approve", "context": map[string]any{"subject_user_id": "lead-1"}}})
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[policy.Result](t, rr)
	require.False(t, res.Allowed)
	require.Len(t, res.BlockedBy, 1)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/policies", actor: "root", tenant: "t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[[]policyView](t, rr), 1)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/policies", actor: "emp-1", tenant: "t1"})
	require.Equal(t, http.StatusForbidden, rr.Code)

	path := "/authz/policies/" + created.ID.String()
	rr = s.do(t, call{method: http.MethodPatch, path: path, actor: "root", tenant: "t1", operator: true,
		body: map[string]any{"is_active": false}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, decode[policyView](t, rr).IsActive)

	rr = s.do(t, call{method: http.MethodGet, path: path, actor: "root", tenant: "t1"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, call{method: http.MethodDelete, path: path, actor: "root", tenant: "t1", operator: true})
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, call{method: http.MethodGet, path: path, actor: "root", tenant: "t1"})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/policies/not-a-uuid", actor: "root", tenant: "t1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConflictRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	a, err := s.store.UpsertPolicy(ctx, rules.Policy{Key: "a", Name: "A", Category: rules.CategoryAbsence, IsActive: true,
		AffectedModules: []string{"absence"}, Value: json.RawMessage(`{"kind":"require_mfa"}`)})
	require.NoError(t, err)
	b, err := s.store.UpsertPolicy(ctx, rules.Policy{Key: "b", Name: "B", Category: rules.CategoryAbsence, IsActive: true,
		AffectedModules: []string{"absence"}, Value: json.RawMessage(`{"kind":"require_mfa"}`)})
	require.NoError(t, err)
	c, _, err := s.store.InsertConflict(ctx, rules.Conflict{
		Type: rules.ConflictContradiction, PrimaryPolicyID: b.ID, ConflictingPolicyID: a.ID,
		Severity: rules.SeverityCritical, Description: "a and b disagree", DetectedAt: time.Now(),
	})
	require.NoError(t, err)

	rr := s.do(t, call{method: http.MethodGet, path: "/authz/conflicts", actor: "root", tenant: "t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]conflictView](t, rr)
	require.Len(t, list, 1)
	require.Equal(t, "contradiction", list[0].Type)

	path := "/authz/conflicts/" + c.ID.String() + "/resolve"
	rr = s.do(t, call{method: http.MethodPost, path: path, actor: "root", tenant: "t1", operator: true, body: map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, call{method: http.MethodPost, path: path, actor: "root", tenant: "t1", operator: true,
		body: map[string]any{"notes": "b supersedes a"}})
	require.Equal(t, http.StatusOK, rr.Code)
	resolved := decode[conflictView](t, rr)
	require.True(t, resolved.IsResolved)
	require.Equal(t, "root", resolved.ResolvedBy)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/conflicts", actor: "root", tenant: "t1"})
	require.Empty(t, decode[[]conflictView](t, rr))
}

func TestSessionRoutes(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, call{method: http.MethodPut, path: "/authz/sessions/admin-1/preview",
		body: map[string]any{"tenant_id": "t1", "role": "employee"}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, call{method: http.MethodPut, path: "/authz/sessions/admin-1/preview", operator: true,
		body: map[string]any{"tenant_id": "t1", "role": "employee"}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/effective-role", actor: "admin-1", tenant: "t1"})
	view := decode[actingView](t, rr)
	require.Equal(t, "employee", view.Role)
	require.True(t, view.PreviewActive)

	rr = s.do(t, call{method: http.MethodDelete, path: "/authz/sessions/admin-1/preview", operator: true})
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, call{method: http.MethodPut, path: "/authz/sessions/emp-1/preview", operator: true,
		body: map[string]any{"tenant_id": "t1", "role": "employee"}})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, call{method: http.MethodPut, path: "/authz/sessions/root/impersonation", operator: true,
		body: map[string]any{"home_tenant": "t1", "tenant_id": "t2"}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, call{method: http.MethodGet, path: "/authz/effective-role", actor: "root", tenant: "t1"})
	view = decode[actingView](t, rr)
	require.Equal(t, "t2", view.TenantID)
	require.Equal(t, "t2", view.ImpersonatedTenant)

	rr = s.do(t, call{method: http.MethodDelete, path: "/authz/sessions/root/impersonation", operator: true})
	require.Equal(t, http.StatusNoContent, rr.Code)
}
