package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

// AppliedPolicy identifies a policy that took part in an evaluation.
type AppliedPolicy struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Block is one blocking policy with its human-readable reason.
type Block struct {
	Policy string `json:"policy"`
	Reason string `json:"reason"`
}

// Result is the aggregate outcome of CheckPolicyEnforcement.
type Result struct {
	Allowed         bool            `json:"allowed"`
	PoliciesApplied []AppliedPolicy `json:"policies_applied"`
	BlockedBy       []Block         `json:"blocked_by,omitempty"`
}

// Reason joins the blocking reasons, or returns "" when nothing blocked.
func (r Result) Reason() string {
	if len(r.BlockedBy) == 0 {
		return ""
	}
	out := r.BlockedBy[0].Reason
	for _, b := range r.BlockedBy[1:] {
		out += "; " + b.Reason
	}
	return out
}

// Engine evaluates active policies from the current snapshot.
type Engine struct {
	holder   *rules.Holder
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	// compiled caches the parsed rule per policy id; an entry is replaced
	// when the policy's update time or value changes.
	compiled sync.Map
}

type compiledRule struct {
	updatedAt time.Time
	value     json.RawMessage
	rule      Rule
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source for effective windows.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine over holder.
func NewEngine(holder *rules.Holder, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{holder: holder, logger: logger, validate: validator.New(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckPolicyEnforcement evaluates every applicable policy in priority order.
// When the snapshot cannot be loaded the result allows with no policies
// applied.
func (e *Engine) CheckPolicyEnforcement(ctx context.Context, acting access.ActingContext, module, action string, input map[string]any) Result {
	snap, err := e.holder.Current(ctx)
	if err != nil {
		e.logger.Warn("policy snapshot unavailable, allowing",
			slog.String("module", module),
			slog.String("action", action),
			slog.Any("error", err))
		return Result{Allowed: true, PoliciesApplied: []AppliedPolicy{}}
	}
	return e.Evaluate(snap.Policies(), acting, module, action, input, e.now())
}

// Evaluate is the pure core of CheckPolicyEnforcement. policies must already
// be in evaluation order.
func (e *Engine) Evaluate(policies []rules.Policy, acting access.ActingContext, module, action string, input map[string]any, now time.Time) Result {
	module = access.NormalizeModule(module)
	action = access.NormalizeAction(action)
	input = withActor(input, acting.RealActor)

	result := Result{Allowed: true, PoliciesApplied: []AppliedPolicy{}}
	for _, p := range policies {
		if !Selects(p, acting, module, now) {
			continue
		}
		rule, ok := e.rule(p)
		if !ok || !rule.AppliesTo(action) {
			continue
		}
		result.PoliciesApplied = append(result.PoliciesApplied, AppliedPolicy{Key: p.Key, Name: p.Name})
		if blocked, reason := rule.Blocks(input); blocked {
			result.Allowed = false
			result.BlockedBy = append(result.BlockedBy, Block{Policy: p.Key, Reason: reason})
		}
	}
	return result
}

// Selects reports whether p applies to the acting context and module at now,
// ignoring the rule's action filter.
func Selects(p rules.Policy, acting access.ActingContext, module string, now time.Time) bool {
	if !p.IsActive || !p.InWindow(now) {
		return false
	}
	if !p.Global() && p.TenantID != acting.Tenant {
		return false
	}
	if !affects(p.AffectedModules, module) {
		return false
	}
	if len(p.RequiredRoles) == 0 {
		return true
	}
	for _, r := range p.RequiredRoles {
		if access.NormalizeRole(r) == acting.Role {
			return true
		}
	}
	return false
}

func affects(modules []string, module string) bool {
	for _, m := range modules {
		m = access.NormalizeModule(m)
		if m == access.ModuleWildcard || m == module {
			return true
		}
	}
	return false
}

func (e *Engine) rule(p rules.Policy) (Rule, bool) {
	if cached, ok := e.compiled.Load(p.ID); ok {
		c := cached.(compiledRule)
		if c.updatedAt.Equal(p.UpdatedAt) && bytes.Equal(c.value, p.Value) {
			return c.rule, true
		}
	}
	rule, err := ParseRule(p.Value, e.validate)
	if err != nil {
		e.compiled.Delete(p.ID)
		e.logger.Warn("policy value skipped", slog.String("policy", p.Key), slog.Any("error", err))
		return Rule{}, false
	}
	if p.ID != uuid.Nil {
		e.compiled.Store(p.ID, compiledRule{updatedAt: p.UpdatedAt, value: p.Value, rule: rule})
	}
	return rule, true
}

// withActor sets the acting actor in the context. A caller-supplied actor id
// is replaced so that it cannot mask the real actor.
func withActor(input map[string]any, actor string) map[string]any {
	if actor == "" {
		return input
	}
	if current, ok := input[ContextActorID].(string); ok && current == actor {
		return input
	}
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[ContextActorID] = actor
	return out
}
