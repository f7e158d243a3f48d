// Package authzhttp exposes the authorization engine to other services as a
// JSON API.
package authzhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/enforce"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/policy"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Check routes are called on every guarded request of the calling services.
const checkRateLimit = 1200

type roleResolver interface {
	Resolve(ctx context.Context, actorID, tenantID string) access.ActingContext
}

type permissionChecker interface {
	Check(ctx context.Context, acting access.ActingContext, module, action, scope string) rbac.Verdict
}

type policyChecker interface {
	CheckPolicyEnforcement(ctx context.Context, acting access.ActingContext, module, action string, input map[string]any) policy.Result
}

type guardChecker interface {
	Check(ctx context.Context, actorID, tenantID, guard string, input map[string]any) (enforce.Decision, error)
	Guards() []enforce.Guard
}

type policyService interface {
	CreatePolicy(ctx context.Context, actor string, in policy.Input) (rules.Policy, error)
	UpdatePolicy(ctx context.Context, actor string, id uuid.UUID, patch policy.Patch) (rules.Policy, error)
	DeletePolicy(ctx context.Context, actor string, id uuid.UUID) error
	GetPolicy(ctx context.Context, id uuid.UUID) (rules.Policy, error)
	ListPolicies(ctx context.Context) ([]rules.Policy, error)
	ListUnresolvedConflicts(ctx context.Context) ([]rules.Conflict, error)
	ResolveConflict(ctx context.Context, actor string, id uuid.UUID, notes string) (rules.Conflict, error)
}

type sessionService interface {
	StartPreview(ctx context.Context, actorID, tenantID, role string) (session.Preview, error)
	StopPreview(ctx context.Context, actorID string) error
	StartImpersonation(ctx context.Context, actorID, homeTenant, targetTenant string) (session.Impersonation, error)
	StopImpersonation(ctx context.Context, actorID string) error
}

// Config groups the handler dependencies.
type Config struct {
	Logger    *slog.Logger
	Resolver  roleResolver
	Evaluator permissionChecker
	Engine    policyChecker
	Guards    guardChecker
	Policies  policyService
	Sessions  sessionService
	Operators *OperatorAuth
	RBAC      rbac.Middleware
}

// Handler wires HTTP endpoints for authorization checks and policy
// administration.
type Handler struct {
	logger    *slog.Logger
	resolver  roleResolver
	evaluator permissionChecker
	engine    policyChecker
	guards    guardChecker
	policies  policyService
	sessions  sessionService
	operators *OperatorAuth
	rbac      rbac.Middleware
	validate  *validator.Validate
}

// NewHandler constructs the authorization HTTP handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		resolver:  cfg.Resolver,
		evaluator: cfg.Evaluator,
		engine:    cfg.Engine,
		guards:    cfg.Guards,
		policies:  cfg.Policies,
		sessions:  cfg.Sessions,
		operators: cfg.Operators,
		rbac:      cfg.RBAC,
		validate:  validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(Identity)
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(checkRateLimit, time.Minute))
		r.Get("/effective-role", h.effectiveRole)
		r.Post("/permissions/check", h.checkPermission)
		r.Post("/policies/check", h.checkPolicies)
		r.Get("/guards", h.listGuards)
		r.Post("/guards/{guard}", h.checkGuard)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny("settings.read"))
		r.Get("/policies", h.listPolicies)
		r.Get("/policies/{id}", h.getPolicy)
		r.Get("/conflicts", h.listConflicts)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.operators.Require)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll("settings.manage_policies"))
			r.Post("/policies", h.createPolicy)
			r.Patch("/policies/{id}", h.updatePolicy)
			r.Delete("/policies/{id}", h.deletePolicy)
			r.Post("/conflicts/{id}/resolve", h.resolveConflict)
		})
		r.Put("/sessions/{actor}/preview", h.startPreview)
		r.Delete("/sessions/{actor}/preview", h.stopPreview)
		r.Put("/sessions/{actor}/impersonation", h.startImpersonation)
		r.Delete("/sessions/{actor}/impersonation", h.stopImpersonation)
	})
}

type subject struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
}

// resolve fills the subject from the identity headers when the body left it
// empty.
func (s *subject) resolve(r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		return
	}
	if s.ActorID == "" {
		s.ActorID = id.ActorID
	}
	if s.TenantID == "" {
		s.TenantID = id.TenantID
	}
}

type actingView struct {
	ActorID            string `json:"actor_id"`
	TenantID           string `json:"tenant_id"`
	HomeTenant         string `json:"home_tenant"`
	Role               string `json:"role"`
	Source             string `json:"source"`
	PreviewActive      bool   `json:"preview_active"`
	ImpersonatedTenant string `json:"impersonated_tenant,omitempty"`
}

func newActingView(a access.ActingContext) actingView {
	return actingView{
		ActorID:            a.RealActor,
		TenantID:           a.Tenant,
		HomeTenant:         a.HomeTenant,
		Role:               string(a.Role),
		Source:             string(a.Source),
		PreviewActive:      a.PreviewActive,
		ImpersonatedTenant: a.ImpersonatedTenant,
	}
}

func (h *Handler) effectiveRole(w http.ResponseWriter, r *http.Request) {
	s := subject{
		ActorID:  strings.TrimSpace(r.URL.Query().Get("actor_id")),
		TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id")),
	}
	s.resolve(r)
	httpx.JSON(w, http.StatusOK, newActingView(h.resolver.Resolve(r.Context(), s.ActorID, s.TenantID)))
}

type permissionRequest struct {
	subject
	Module string `json:"module" validate:"required"`
	Action string `json:"action" validate:"required"`
	Scope  string `json:"scope"`
}

type permissionResponse struct {
	Allowed bool       `json:"allowed"`
	Layer   string     `json:"layer"`
	Reason  string     `json:"reason,omitempty"`
	Acting  actingView `json:"acting"`
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.resolve(r)
	acting := h.resolver.Resolve(r.Context(), req.ActorID, req.TenantID)
	v := h.evaluator.Check(r.Context(), acting, req.Module, req.Action, req.Scope)
	httpx.JSON(w, http.StatusOK, permissionResponse{Allowed: v.Allow, Layer: v.Layer, Reason: v.Reason, Acting: newActingView(acting)})
}

type policyCheckRequest struct {
	subject
	Module  string         `json:"module" validate:"required"`
	Action  string         `json:"action" validate:"required"`
	Context map[string]any `json:"context"`
}

func (h *Handler) checkPolicies(w http.ResponseWriter, r *http.Request) {
	var req policyCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.resolve(r)
	acting := h.resolver.Resolve(r.Context(), req.ActorID, req.TenantID)
	httpx.JSON(w, http.StatusOK, h.engine.CheckPolicyEnforcement(r.Context(), acting, req.Module, req.Action, req.Context))
}

type guardRequest struct {
	subject
	Context map[string]any `json:"context"`
}

func (h *Handler) listGuards(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.guards.Guards())
}

func (h *Handler) checkGuard(w http.ResponseWriter, r *http.Request) {
	var req guardRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.resolve(r)
	d, err := h.guards.Check(r.Context(), req.ActorID, req.TenantID, chi.URLParam(r, "guard"), req.Context)
	if err != nil {
		h.respondError(w, "check guard", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := h.policies.ListPolicies(r.Context())
	if err != nil {
		h.respondError(w, "list policies", err)
		return
	}
	out := make([]policyView, 0, len(list))
	for _, p := range list {
		out = append(out, newPolicyView(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.policies.GetPolicy(r.Context(), id)
	if err != nil {
		h.respondError(w, "get policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPolicyView(p))
}

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var in policy.Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.policies.CreatePolicy(r.Context(), operator(r), in)
	if err != nil {
		h.respondError(w, "create policy", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPolicyView(p))
}

func (h *Handler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var patch policy.Patch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.policies.UpdatePolicy(r.Context(), operator(r), id, patch)
	if err != nil {
		h.respondError(w, "update policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPolicyView(p))
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.policies.DeletePolicy(r.Context(), operator(r), id); err != nil {
		h.respondError(w, "delete policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	list, err := h.policies.ListUnresolvedConflicts(r.Context())
	if err != nil {
		h.respondError(w, "list conflicts", err)
		return
	}
	out := make([]conflictView, 0, len(list))
	for _, c := range list {
		out = append(out, newConflictView(c))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Notes string `json:"notes" validate:"required,max=2000"`
}

func (h *Handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.policies.ResolveConflict(r.Context(), operator(r), id, req.Notes)
	if err != nil {
		h.respondError(w, "resolve conflict", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newConflictView(c))
}

type previewRequest struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role" validate:"required"`
}

func (h *Handler) startPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.sessions.StartPreview(r.Context(), chi.URLParam(r, "actor"), req.TenantID, req.Role)
	if err != nil {
		h.respondError(w, "start preview", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) stopPreview(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.StopPreview(r.Context(), chi.URLParam(r, "actor")); err != nil {
		h.respondError(w, "stop preview", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type impersonationRequest struct {
	HomeTenant string `json:"home_tenant"`
	TenantID   string `json:"tenant_id" validate:"required"`
}

func (h *Handler) startImpersonation(w http.ResponseWriter, r *http.Request) {
	var req impersonationRequest
	if !h.decode(w, r, &req) {
		return
	}
	imp, err := h.sessions.StartImpersonation(r.Context(), chi.URLParam(r, "actor"), req.HomeTenant, req.TenantID)
	if err != nil {
		h.respondError(w, "start impersonation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, imp)
}

func (h *Handler) stopImpersonation(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.StopImpersonation(r.Context(), chi.URLParam(r, "actor")); err != nil {
		h.respondError(w, "stop impersonation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			err = fmt.Errorf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		httpx.RespondError(w, httpx.As(err, httpx.ErrValidation))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.As(fmt.Errorf("invalid id: %w", err), httpx.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	mapped := classify(err)
	if mapped == err {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func classify(err error) error {
	switch {
	case errors.Is(err, policy.ErrValidation), errors.Is(err, session.ErrInvalid):
		return httpx.As(err, httpx.ErrValidation)
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, enforce.ErrUnknownGuard):
		return httpx.As(err, httpx.ErrNotFound)
	case errors.Is(err, policy.ErrDuplicateKey):
		return httpx.As(err, httpx.ErrDuplicate)
	case errors.Is(err, policy.ErrPolicyReferenced):
		return httpx.As(err, httpx.ErrConflict)
	case errors.Is(err, session.ErrNotPermitted):
		return httpx.As(err, httpx.ErrForbidden)
	}
	return err
}

// operator names the acting operator for audit records.
func operator(r *http.Request) string {
	if id, ok := shared.IdentityFromContext(r.Context()); ok {
		return id.ActorID
	}
	return "operator"
}
