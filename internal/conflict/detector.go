// Package conflict finds pairwise inconsistencies between active policies.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/policy"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

// maxProbes bounds the probe contexts generated for one pair.
const maxProbes = 1 << 14

// Store is the slice of the rule store the detector needs.
type Store interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (rules.Policy, error)
	ActivePolicies(ctx context.Context) ([]rules.Policy, error)
	InsertConflict(ctx context.Context, c rules.Conflict) (rules.Conflict, bool, error)
}

// ScanObserver receives scan outcomes, typically for metrics.
type ScanObserver interface {
	ObserveScan(trigger string, created int, err error, duration time.Duration)
}

// Detector compares policies and records conflicts.
type Detector struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	observer ScanObserver
}

// NewDetector constructs a Detector. observer may be nil.
func NewDetector(store Store, observer ScanObserver, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, validate: validator.New(), logger: logger, observer: observer}
}

// Analyze compares the policy with every other active policy and records the
// conflicts found. It returns the conflicts that were newly created.
func (d *Detector) Analyze(ctx context.Context, policyID uuid.UUID) (created []rules.Conflict, err error) {
	start := time.Now()
	defer func() { d.observe("policy", len(created), err, time.Since(start)) }()

	changed, err := d.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("conflict: load policy %s: %w", policyID, err)
	}
	if !changed.IsActive {
		return nil, nil
	}
	active, err := d.store.ActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("conflict: active policies: %w", err)
	}
	changedRule, err := policy.ParseRule(changed.Value, d.validate)
	if err != nil {
		return nil, fmt.Errorf("conflict: policy %s: %w", changed.Key, err)
	}
	for _, other := range active {
		if other.ID == changed.ID {
			continue
		}
		otherRule, err := policy.ParseRule(other.Value, d.validate)
		if err != nil {
			d.logger.Warn("conflict skip policy", slog.String("policy", other.Key), slog.Any("error", err))
			continue
		}
		c, ok := Compare(changed, changedRule, other, otherRule)
		if !ok {
			continue
		}
		stored, isNew, err := d.store.InsertConflict(ctx, c)
		if err != nil {
			return created, fmt.Errorf("conflict: record %s/%s: %w", changed.Key, other.Key, err)
		}
		if isNew {
			created = append(created, stored)
		}
	}
	return created, nil
}

// RescanAll compares every pair of active policies.
func (d *Detector) RescanAll(ctx context.Context) (created []rules.Conflict, err error) {
	start := time.Now()
	defer func() { d.observe("rescan", len(created), err, time.Since(start)) }()

	active, err := d.store.ActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("conflict: active policies: %w", err)
	}
	type parsed struct {
		policy rules.Policy
		rule   policy.Rule
	}
	list := make([]parsed, 0, len(active))
	for _, p := range active {
		r, err := policy.ParseRule(p.Value, d.validate)
		if err != nil {
			d.logger.Warn("conflict skip policy", slog.String("policy", p.Key), slog.Any("error", err))
			continue
		}
		list = append(list, parsed{policy: p, rule: r})
	}
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			c, ok := Compare(list[i].policy, list[i].rule, list[j].policy, list[j].rule)
			if !ok {
				continue
			}
			stored, isNew, err := d.store.InsertConflict(ctx, c)
			if err != nil {
				return created, fmt.Errorf("conflict: record %s/%s: %w", list[i].policy.Key, list[j].policy.Key, err)
			}
			if isNew {
				created = append(created, stored)
			}
		}
	}
	return created, nil
}

func (d *Detector) observe(trigger string, created int, err error, dur time.Duration) {
	if err != nil {
		d.logger.Error("conflict scan", slog.String("trigger", trigger), slog.Any("error", err))
	} else if created > 0 {
		d.logger.Info("conflict scan", slog.String("trigger", trigger), slog.Int("created", created))
	}
	if d.observer != nil {
		d.observer.ObserveScan(trigger, created, err, dur)
	}
}

// Compare classifies the pair (a, b). The verdict does not depend on the
// argument order except for which policy is recorded as primary.
func Compare(a rules.Policy, ra policy.Rule, b rules.Policy, rb policy.Rule) (rules.Conflict, bool) {
	if !Overlap(a, ra, b, rb) {
		return rules.Conflict{}, false
	}
	var kind rules.ConflictType
	var detail string
	switch {
	case contradicts(ra, rb):
		kind = rules.ConflictContradiction
		detail = fmt.Sprintf("%q and %q give opposite verdicts on %s", a.Key, b.Key, strings.Join(shared(ra.Subjects(), rb.Subjects()), ", "))
	case (ra.Structural() || rb.Structural()) && !satisfiable(ra, rb):
		kind = rules.ConflictIncompatible
		detail = fmt.Sprintf("no action context satisfies both %q and %q", a.Key, b.Key)
	case circular(ra, rb):
		kind = rules.ConflictCircular
		detail = fmt.Sprintf("%q and %q each require what the other establishes", a.Key, b.Key)
	default:
		return rules.Conflict{}, false
	}
	return rules.Conflict{
		Type:                kind,
		PrimaryPolicyID:     a.ID,
		ConflictingPolicyID: b.ID,
		Severity:            Severity(a, b),
		Description:         detail,
	}, true
}

// Severity ranks a conflict from the priority delta and category overlap.
func Severity(a, b rules.Policy) rules.Severity {
	samePriority := a.Priority == b.Priority
	sameCategory := a.Category == b.Category
	switch {
	case samePriority && sameCategory:
		return rules.SeverityCritical
	case samePriority:
		return rules.SeverityHigh
	case sameCategory:
		return rules.SeverityMedium
	}
	return rules.SeverityLow
}

// Overlap reports whether two policies can ever apply to the same decision:
// shared module, role, action, time and tenant scope.
func Overlap(a rules.Policy, ra policy.Rule, b rules.Policy, rb policy.Rule) bool {
	if !a.Global() && !b.Global() && a.TenantID != b.TenantID {
		return false
	}
	if !modulesOverlap(a.AffectedModules, b.AffectedModules) {
		return false
	}
	if !setsOverlap(roleSet(a.RequiredRoles), roleSet(b.RequiredRoles)) {
		return false
	}
	if !setsOverlap(ra.Actions, rb.Actions) {
		return false
	}
	return windowsOverlap(a, b)
}

func modulesOverlap(a, b []string) bool {
	for _, x := range a {
		x = access.NormalizeModule(x)
		for _, y := range b {
			y = access.NormalizeModule(y)
			if x == access.ModuleWildcard || y == access.ModuleWildcard || x == y {
				return true
			}
		}
	}
	return false
}

func roleSet(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, string(access.NormalizeRole(r)))
	}
	return out
}

// setsOverlap treats an empty set as "everything".
func setsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func windowsOverlap(a, b rules.Policy) bool {
	if a.EffectiveUntil != nil && b.EffectiveFrom != nil && a.EffectiveUntil.Before(*b.EffectiveFrom) {
		return false
	}
	if b.EffectiveUntil != nil && a.EffectiveFrom != nil && b.EffectiveUntil.Before(*a.EffectiveFrom) {
		return false
	}
	return true
}

func contradicts(ra, rb policy.Rule) bool {
	if ra.Structural() || rb.Structural() {
		return false
	}
	if len(shared(ra.Subjects(), rb.Subjects())) == 0 {
		return false
	}
	opposite := true
	complete := forEachProbe(ra, rb, func(input map[string]any) bool {
		blockedA, _ := ra.Blocks(input)
		blockedB, _ := rb.Blocks(input)
		if blockedA == blockedB {
			opposite = false
			return false
		}
		return true
	})
	return complete && opposite
}

func satisfiable(ra, rb policy.Rule) bool {
	found := false
	complete := forEachProbe(ra, rb, func(input map[string]any) bool {
		blockedA, _ := ra.Blocks(input)
		blockedB, _ := rb.Blocks(input)
		if !blockedA && !blockedB {
			found = true
			return false
		}
		return true
	})
	// An unfinished enumeration proves nothing; assume satisfiable.
	return found || !complete
}

func circular(ra, rb policy.Rule) bool {
	return len(shared(ra.Effects, rb.Preconditions())) > 0 && len(shared(rb.Effects, ra.Preconditions())) > 0
}

func shared(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, y := range b {
		if _, ok := set[y]; !ok {
			continue
		}
		if _, dup := seen[y]; dup {
			continue
		}
		seen[y] = struct{}{}
		out = append(out, y)
	}
	sort.Strings(out)
	return out
}

// absent marks a probe value that leaves the field out of the context.
type absent struct{}

// forEachProbe enumerates contexts over the fields read by either rule. fn
// returns false to stop early. The result is false when the enumeration was
// cut short by maxProbes, true otherwise (including an early stop by fn).
func forEachProbe(ra, rb policy.Rule, fn func(map[string]any) bool) bool {
	fields, values := probeSpace(ra, rb)
	total := 1
	for _, vs := range values {
		total *= len(vs)
		if total > maxProbes {
			return false
		}
	}
	idx := make([]int, len(fields))
	for {
		input := make(map[string]any, len(fields))
		for i, f := range fields {
			if v := values[i][idx[i]]; v != (absent{}) {
				input[f] = v
			}
		}
		if !fn(input) {
			return true
		}
		i := 0
		for ; i < len(idx); i++ {
			idx[i]++
			if idx[i] < len(values[i]) {
				break
			}
			idx[i] = 0
		}
		if i == len(idx) {
			return true
		}
	}
}

func probeSpace(rs ...policy.Rule) ([]string, [][]any) {
	valueFields := make(map[string][]any)
	structural := make(map[string]struct{})
	for _, r := range rs {
		if r.Structural() {
			for _, f := range r.Subjects() {
				structural[f] = struct{}{}
			}
			continue
		}
		for _, f := range r.Subjects() {
			extra := valueFields[f]
			if r.Equals != nil {
				extra = append(extra, r.Equals)
			}
			if r.Max != nil {
				extra = append(extra, *r.Max, *r.Max-1)
			}
			valueFields[f] = extra
		}
	}
	names := make([]string, 0, len(valueFields)+len(structural))
	for f := range valueFields {
		names = append(names, f)
	}
	for f := range structural {
		if _, ok := valueFields[f]; !ok {
			names = append(names, f)
		}
	}
	sort.Strings(names)
	values := make([][]any, len(names))
	for i, f := range names {
		extra, isValue := valueFields[f]
		if !isValue {
			values[i] = []any{absent{}, "probe-a"}
			continue
		}
		values[i] = append([]any{absent{}, true, false, "", "probe-a", "probe-b", 0.0}, extra...)
	}
	return names, values
}
