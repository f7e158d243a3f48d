package rbac

import (
	"net/http"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. Permissions
// are written "module.action", e.g. "settings.update".
type Middleware struct {
	Resolver  *Resolver
	Evaluator *Evaluator
	Logger    *slog.Logger
}

// RequireAny ensures the current actor holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), false)
}

// RequireAll ensures the current actor holds every permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(normalizePermissions(perms), true)
}

func (m Middleware) require(required []permission, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			acting := m.Resolver.Resolve(r.Context(), id.ActorID, id.TenantID)
			granted := 0
			for _, p := range required {
				if m.Evaluator.HasPermission(r.Context(), acting, p.module, p.action, "") {
					granted++
				}
			}
			if (all && granted == len(required)) || (!all && granted > 0) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("rbac forbidden",
					slog.String("actor_id", id.ActorID),
					slog.String("role", acting.Role.String()),
					slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

type permission struct {
	module string
	action string
}

func normalizePermissions(perms []string) []permission {
	unique := make(map[permission]struct{}, len(perms))
	normalized := make([]permission, 0, len(perms))
	for _, p := range perms {
		module, action, ok := strings.Cut(strings.TrimSpace(p), ".")
		if !ok || module == "" || action == "" {
			continue
		}
		key := permission{module: access.NormalizeModule(module), action: access.NormalizeAction(action)}
		if _, seen := unique[key]; seen {
			continue
		}
		unique[key] = struct{}{}
		normalized = append(normalized, key)
	}
	return normalized
}
