// Package rbac resolves the acting role of a request and evaluates static
// permissions for it.
package rbac

import (
	"context"
	"errors"
	"log/slog"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

// SessionProvider exposes the time-scoped acting flags of an actor.
type SessionProvider interface {
	// ActivePreview returns the raw role being previewed in tenantID, if any.
	ActivePreview(ctx context.Context, actorID, tenantID string) (role string, ok bool, err error)
	// ActiveImpersonation returns the impersonated tenant, if any.
	ActiveImpersonation(ctx context.Context, actorID string) (tenantID string, ok bool, err error)
}

// Resolver determines the single effective role of an actor per request.
type Resolver struct {
	sessions    SessionProvider
	assignments rules.AssignmentSource
	logger      *slog.Logger
}

// NewResolver constructs a Resolver. sessions may be nil when acting sessions
// are not available.
func NewResolver(sessions SessionProvider, assignments rules.AssignmentSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sessions: sessions, assignments: assignments, logger: logger}
}

// ResolveEffectiveRole returns only the role of Resolve.
func (r *Resolver) ResolveEffectiveRole(ctx context.Context, actorID, tenantID string) access.Role {
	return r.Resolve(ctx, actorID, tenantID).Role
}

// Resolve builds the acting context. It never fails: every lookup error
// degrades to the employee role.
func (r *Resolver) Resolve(ctx context.Context, actorID, tenantID string) access.ActingContext {
	acting := access.ActingContext{
		RealActor:  actorID,
		HomeTenant: tenantID,
		Tenant:     tenantID,
		Role:       access.RoleEmployee,
		Source:     access.SourceDefault,
	}
	if actorID == "" {
		return acting
	}

	if impersonated, ok := r.impersonation(ctx, actorID); ok {
		acting.ImpersonatedTenant = impersonated
		acting.Tenant = impersonated
	}

	if raw, ok := r.preview(ctx, actorID, acting.HomeTenant); ok {
		acting.Role = access.NormalizeRole(raw)
		acting.PreviewActive = true
		acting.Source = access.SourcePreview
		return acting
	}

	raw, err := r.assignments.BaseRole(ctx, actorID, acting.Tenant)
	if err != nil {
		if !errors.Is(err, rules.ErrNotFound) {
			r.logger.Warn("rbac base role lookup",
				slog.String("actor_id", actorID),
				slog.String("tenant_id", acting.Tenant),
				slog.Any("error", err))
		}
		return acting
	}
	acting.Role = access.NormalizeRole(raw)
	acting.Source = access.SourceAssignment
	if acting.Impersonating() {
		acting.Source = access.SourceImpersonation
	}
	return acting
}

func (r *Resolver) preview(ctx context.Context, actorID, tenantID string) (string, bool) {
	if r.sessions == nil {
		return "", false
	}
	raw, ok, err := r.sessions.ActivePreview(ctx, actorID, tenantID)
	if err != nil {
		r.logger.Warn("rbac preview lookup", slog.String("actor_id", actorID), slog.Any("error", err))
		return "", false
	}
	return raw, ok
}

func (r *Resolver) impersonation(ctx context.Context, actorID string) (string, bool) {
	if r.sessions == nil {
		return "", false
	}
	tenant, ok, err := r.sessions.ActiveImpersonation(ctx, actorID)
	if err != nil {
		r.logger.Warn("rbac impersonation lookup", slog.String("actor_id", actorID), slog.Any("error", err))
		return "", false
	}
	return tenant, ok && tenant != ""
}
