package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

func TestMiddlewareRequireAnyAndAll(t *testing.T) {
	ctx := context.Background()
	store := rules.NewMemoryStore()
	store.AssignRole("hr", "t1", "hr_admin")
	require.NoError(t, store.UpsertMatrixEntry(ctx, rules.MatrixEntry{
		Role: "hr_admin", Module: "settings", IsVisible: true, AllowedActions: []string{"read"}, IsActive: true,
	}))
	mw := Middleware{
		Resolver:  NewResolver(nil, store, testLogger()),
		Evaluator: newTestEvaluator(t, store),
		Logger:    testLogger(),
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	serve := func(h http.Handler, actor string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if actor != "" {
			req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{ActorID: actor, TenantID: "t1"}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusNoContent, serve(mw.RequireAny("settings.view", "settings.update")(ok), "hr"))
	require.Equal(t, http.StatusForbidden, serve(mw.RequireAll("settings.view", "settings.update")(ok), "hr"))
	require.Equal(t, http.StatusForbidden, serve(mw.RequireAny("settings.view")(ok), ""))
	require.Equal(t, http.StatusNoContent, serve(mw.RequireAll()(ok), ""))
}

func TestNormalizePermissions(t *testing.T) {
	perms := normalizePermissions([]string{"Settings.View", "settings.read", "broken", " docs.remove "})
	require.Equal(t, []permission{
		{module: "settings", action: "read"},
		{module: "documents", action: "delete"},
	}, perms)
}
