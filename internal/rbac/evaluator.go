package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

// Layer names reported in verdicts.
const (
	LayerSuperadmin = "superadmin"
	LayerMatrix     = "matrix"
	LayerOverride   = "override"
	LayerLegacy     = "legacy"
	LayerStatic     = "static"
	LayerDefault    = "default"
	LayerStore      = "store"
)

// Query is one permission question, keys already normalized.
type Query struct {
	Acting access.ActingContext
	Module string
	Action string
	Scope  string
	Now    time.Time
}

// NewQuery normalizes the module, action and scope keys.
func NewQuery(acting access.ActingContext, module, action, scope string, now time.Time) Query {
	return Query{
		Acting: acting,
		Module: access.NormalizeModule(module),
		Action: access.NormalizeAction(action),
		Scope:  access.NormalizeScope(scope),
		Now:    now,
	}
}

// Verdict is the outcome of a layer. Layers that have no opinion return a
// zero Verdict.
type Verdict struct {
	Decided bool
	Allow   bool
	Layer   string
	Reason  string
}

func allow(layer, reason string) Verdict {
	return Verdict{Decided: true, Allow: true, Layer: layer, Reason: reason}
}

func deny(layer, reason string) Verdict {
	return Verdict{Decided: true, Allow: false, Layer: layer, Reason: reason}
}

// Layer is one source of truth in the precedence chain.
type Layer interface {
	Name() string
	Evaluate(snap *rules.Snapshot, q Query) Verdict
}

// DefaultLayers returns the precedence chain in order.
func DefaultLayers(static StaticPolicy) []Layer {
	return []Layer{
		SuperadminLayer{},
		MatrixLayer{},
		OverrideLayer{},
		LegacyLayer{},
		StaticLayer{Policy: static},
	}
}

// Decide walks layers in order and returns the first decided verdict, or a
// default deny.
func Decide(snap *rules.Snapshot, q Query, layers ...Layer) Verdict {
	for _, layer := range layers {
		if v := layer.Evaluate(snap, q); v.Decided {
			if v.Layer == "" {
				v.Layer = layer.Name()
			}
			return v
		}
	}
	return deny(LayerDefault, fmt.Sprintf("no rule grants %s on %s", q.Action, q.Module))
}

// SuperadminLayer allows everything for a superadmin that is not previewing
// another role. It needs no snapshot.
type SuperadminLayer struct{}

func (SuperadminLayer) Name() string { return LayerSuperadmin }

func (SuperadminLayer) Evaluate(_ *rules.Snapshot, q Query) Verdict {
	if q.Acting.Role == access.RoleSuperAdmin && !q.Acting.PreviewActive {
		return allow(LayerSuperadmin, "superadmin")
	}
	return Verdict{}
}

// MatrixLayer applies the role/module matrix. Visibility gates every action.
type MatrixLayer struct{}

func (MatrixLayer) Name() string { return LayerMatrix }

func (MatrixLayer) Evaluate(snap *rules.Snapshot, q Query) Verdict {
	entry, ok := snap.Matrix(q.Acting.Role, q.Module)
	if !ok {
		return Verdict{}
	}
	if !entry.IsVisible {
		return deny(LayerMatrix, fmt.Sprintf("module %s is not visible to %s", q.Module, q.Acting.Role))
	}
	if entry.Allows(q.Action) {
		return allow(LayerMatrix, "permission matrix")
	}
	return deny(LayerMatrix, fmt.Sprintf("%s may not %s on %s", q.Acting.Role, q.Action, q.Module))
}

// OverrideLayer applies the actor's own non-expired overrides. Overrides are
// skipped while a preview is active so the previewed role is seen as-is.
type OverrideLayer struct{}

func (OverrideLayer) Name() string { return LayerOverride }

func (OverrideLayer) Evaluate(snap *rules.Snapshot, q Query) Verdict {
	if q.Acting.PreviewActive {
		return Verdict{}
	}
	o, ok := snap.Override(q.Acting.RealActor, q.Module, q.Action, q.Scope, q.Now)
	if !ok {
		return Verdict{}
	}
	if o.IsGranted {
		return allow(LayerOverride, "user override")
	}
	return deny(LayerOverride, fmt.Sprintf("%s on %s revoked by user override", q.Action, q.Module))
}

// LegacyLayer applies legacy role permissions.
type LegacyLayer struct{}

func (LegacyLayer) Name() string { return LayerLegacy }

func (LegacyLayer) Evaluate(snap *rules.Snapshot, q Query) Verdict {
	perm, ok := snap.RolePermission(q.Acting.Role, q.Module, q.Action, q.Scope)
	if !ok {
		return Verdict{}
	}
	// Legacy records only ever grant. A false record falls through to the
	// static fallback exactly as if it did not exist. This is kept as
	// inherited behavior; see "Legacy false never denies" in DESIGN.md.
	if !perm.IsGranted {
		return Verdict{}
	}
	return allow(LayerLegacy, "legacy role permission")
}

// StaticLayer consults the compiled fallback table.
type StaticLayer struct {
	Policy StaticPolicy
}

func (StaticLayer) Name() string { return LayerStatic }

func (l StaticLayer) Evaluate(_ *rules.Snapshot, q Query) Verdict {
	if l.Policy.Allows(q.Acting.Role, q.Module, q.Action) {
		return allow(LayerStatic, "static fallback")
	}
	return Verdict{}
}

// DecisionObserver receives every verdict, typically for metrics.
type DecisionObserver interface {
	ObserveDecision(layer string, allowed bool)
}

// Evaluator answers permission questions against the current snapshot.
type Evaluator struct {
	holder   *rules.Holder
	layers   []Layer
	logger   *slog.Logger
	observer DecisionObserver
	now      func() time.Time
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLayers replaces the precedence chain.
func WithLayers(layers ...Layer) EvaluatorOption {
	return func(e *Evaluator) { e.layers = layers }
}

// WithStaticPolicy swaps the fallback table of the default chain.
func WithStaticPolicy(static StaticPolicy) EvaluatorOption {
	return func(e *Evaluator) { e.layers = DefaultLayers(static) }
}

// WithDecisionObserver attaches an observer.
func WithDecisionObserver(o DecisionObserver) EvaluatorOption {
	return func(e *Evaluator) { e.observer = o }
}

// WithEvaluatorClock overrides the time source used for override expiry.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator constructs an Evaluator over holder.
func NewEvaluator(holder *rules.Holder, logger *slog.Logger, opts ...EvaluatorOption) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		holder: holder,
		layers: DefaultLayers(DefaultStaticPolicy()),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasPermission reports whether the acting context may perform action on
// module within scope. An empty scope means "own".
func (e *Evaluator) HasPermission(ctx context.Context, acting access.ActingContext, module, action, scope string) bool {
	return e.Check(ctx, acting, module, action, scope).Allow
}

// Check is HasPermission with the deciding layer and reason. When the rule
// snapshot cannot be loaded the answer is deny.
func (e *Evaluator) Check(ctx context.Context, acting access.ActingContext, module, action, scope string) Verdict {
	q := NewQuery(acting, module, action, scope, e.now())
	if v := (SuperadminLayer{}).Evaluate(nil, q); v.Decided {
		return e.record(v)
	}
	snap, err := e.holder.EnsureActor(ctx, acting.RealActor)
	if err != nil {
		e.logger.Warn("rbac snapshot unavailable",
			slog.String("actor_id", acting.RealActor),
			slog.String("module", q.Module),
			slog.String("action", q.Action),
			slog.Any("error", err))
		return e.record(deny(LayerStore, "rule store unavailable"))
	}
	return e.record(Decide(snap, q, e.layers...))
}

func (e *Evaluator) record(v Verdict) Verdict {
	if e.observer != nil {
		e.observer.ObserveDecision(v.Layer, v.Allow)
	}
	return v
}
