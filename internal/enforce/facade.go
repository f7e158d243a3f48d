// Package enforce combines static permissions and business policies behind
// named guards.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/policy"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
)

// ErrUnknownGuard is returned for guard names that are not registered.
var ErrUnknownGuard = errors.New("enforce: unknown guard")

// Layer names a facade-level decision source in addition to the rbac layers.
const (
	LayerFallback = "fallback"
	LayerPolicy   = "policy"
)

const (
	reasonNoIdentity  = "identity unavailable"
	reasonStoreFailed = "rule store unavailable"
)

// RoleResolver builds the acting context of a request.
type RoleResolver interface {
	Resolve(ctx context.Context, actorID, tenantID string) access.ActingContext
}

// PermissionChecker answers static permission questions.
type PermissionChecker interface {
	Check(ctx context.Context, acting access.ActingContext, module, action, scope string) rbac.Verdict
}

// PolicyChecker evaluates business policies.
type PolicyChecker interface {
	CheckPolicyEnforcement(ctx context.Context, acting access.ActingContext, module, action string, input map[string]any) policy.Result
}

// DenialSink receives every denied decision.
type DenialSink interface {
	Denied(ctx context.Context, acting access.ActingContext, d Decision)
}

// Decision is the merged answer of a guard.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Guard   string        `json:"guard"`
	Layer   string        `json:"layer"`
	Reason  string        `json:"reason,omitempty"`
	Policy  policy.Result `json:"policy"`
}

// Option customises a Facade.
type Option func(*Facade)

// WithGuards replaces the guard registry.
func WithGuards(guards map[string]Guard) Option {
	return func(f *Facade) { f.guards = guards }
}

// WithDenialSinks adds sinks that observe denials.
func WithDenialSinks(sinks ...DenialSink) Option {
	return func(f *Facade) { f.sinks = append(f.sinks, sinks...) }
}

// Facade evaluates guards.
type Facade struct {
	resolver  RoleResolver
	evaluator PermissionChecker
	engine    PolicyChecker
	guards    map[string]Guard
	sinks     []DenialSink
}

// NewFacade constructs a Facade with the built-in guards.
func NewFacade(resolver RoleResolver, evaluator PermissionChecker, engine PolicyChecker, opts ...Option) *Facade {
	f := &Facade{
		resolver:  resolver,
		evaluator: evaluator,
		engine:    engine,
		guards:    DefaultGuards(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Guard returns the registered guard.
func (f *Facade) Guard(name string) (Guard, bool) {
	g, ok := f.guards[name]
	return g, ok
}

// Guards lists the registered guards by name.
func (f *Facade) Guards() []Guard {
	out := make([]Guard, 0, len(f.guards))
	for _, g := range f.guards {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check evaluates the guard for the actor. The decision allows only when the
// static permission allows and no policy blocks.
func (f *Facade) Check(ctx context.Context, actorID, tenantID, guardName string, input map[string]any) (Decision, error) {
	g, ok := f.guards[guardName]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownGuard, guardName)
	}
	if actorID == "" {
		d := fallback(g, reasonNoIdentity)
		if !d.Allowed {
			f.report(ctx, access.ActingContext{}, d)
		}
		return d, nil
	}
	acting := f.resolver.Resolve(ctx, actorID, tenantID)
	return f.CheckActing(ctx, acting, g, input), nil
}

// CheckActing evaluates g for an already resolved acting context.
func (f *Facade) CheckActing(ctx context.Context, acting access.ActingContext, g Guard, input map[string]any) Decision {
	verdict := f.evaluator.Check(ctx, acting, g.Module, g.Action, g.Scope)
	result := f.engine.CheckPolicyEnforcement(ctx, acting, g.Module, g.Action, input)

	d := Decision{Guard: g.Name, Layer: verdict.Layer, Policy: result}
	switch {
	case verdict.Layer == rbac.LayerStore:
		d = fallback(g, reasonStoreFailed)
		d.Policy = result
		if d.Allowed && !result.Allowed {
			d.Allowed, d.Layer, d.Reason = false, LayerPolicy, result.Reason()
		}
	case !verdict.Allow:
		d.Reason = verdict.Reason
	case !result.Allowed:
		d.Layer = LayerPolicy
		d.Reason = result.Reason()
	default:
		d.Allowed = true
	}
	if !d.Allowed {
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("%s denied", g.Name)
		}
		f.report(ctx, acting, d)
	}
	return d
}

// Allowed is Check reduced to a boolean. Unknown guards are denied.
func (f *Facade) Allowed(ctx context.Context, actorID, tenantID, guardName string, input map[string]any) bool {
	d, err := f.Check(ctx, actorID, tenantID, guardName, input)
	return err == nil && d.Allowed
}

func (f *Facade) report(ctx context.Context, acting access.ActingContext, d Decision) {
	for _, s := range f.sinks {
		s.Denied(ctx, acting, d)
	}
}

func fallback(g Guard, reason string) Decision {
	return Decision{
		Allowed: g.FallbackAllowed,
		Guard:   g.Name,
		Layer:   LayerFallback,
		Reason:  reason,
		Policy:  policy.Result{Allowed: true, PoliciesApplied: []policy.AppliedPolicy{}},
	}
}

// LogSink writes denials to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Denied implements DenialSink.
func (s LogSink) Denied(ctx context.Context, acting access.ActingContext, d Decision) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "authz denied",
		slog.String("guard", d.Guard),
		slog.String("layer", d.Layer),
		slog.String("reason", d.Reason),
		slog.String("actor_id", acting.RealActor),
		slog.String("tenant_id", acting.Tenant),
		slog.String("role", string(acting.Role)),
		slog.Bool("preview", acting.PreviewActive))
}
