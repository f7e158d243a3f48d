package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return d.err
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type serviceFixture struct {
	store      *rules.MemoryStore
	holder     *rules.Holder
	engine     *Engine
	dispatcher *recordingDispatcher
	audit      *memoryAudit
	svc        *Service
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	store := rules.NewMemoryStore()
	holder := rules.NewHolder(store, testLogger(), rules.WithClock(clock))
	_, err := holder.Reload(context.Background())
	require.NoError(t, err)
	dispatcher := &recordingDispatcher{}
	audit := &memoryAudit{}
	return serviceFixture{
		store:      store,
		holder:     holder,
		engine:     NewEngine(holder, testLogger(), WithEngineClock(clock)),
		dispatcher: dispatcher,
		audit:      audit,
		svc:        NewService(store, holder, dispatcher, audit, testLogger()),
	}
}

func mfaInput(key string) Input {
	return Input{
		Key:             key,
		Name:            "MFA for payroll",
		Category:        "security",
		Value:           json.RawMessage(`{"kind":"require_mfa"}`),
		AffectedModules: []string{"Payroll"},
		RequiredRoles:   []string{"HR-Manager"},
		Priority:        50,
	}
}

func TestCreatePolicyIsImmediatelyEnforced(t *testing.T) {
	f := newServiceFixture(t)
	f.dispatcher.err = errors.New("queue down")

	p, err := f.svc.CreatePolicy(context.Background(), "ops", mfaInput("payroll_mfa"))
	require.NoError(t, err)
	require.True(t, p.IsActive)
	require.Equal(t, []string{"payroll"}, p.AffectedModules)
	require.Equal(t, []string{"hr_admin"}, p.RequiredRoles)
	require.Equal(t, "ops", p.CreatedBy)

	hr := employeeIn("t1")
	hr.Role = "hr_admin"
	res := f.engine.CheckPolicyEnforcement(context.Background(), hr, "payroll", "read", nil)
	require.False(t, res.Allowed)
	require.Equal(t, []uuid.UUID{p.ID}, f.dispatcher.ids)
	require.Equal(t, []string{shared.AuditPolicyCreated}, f.audit.actions())
}

func TestCreatePolicyValidation(t *testing.T) {
	f := newServiceFixture(t)
	from := testNow
	until := testNow.Add(-time.Hour)

	cases := map[string]func(in *Input){
		"missing key":      func(in *Input) { in.Key = "" },
		"unknown module":   func(in *Input) { in.AffectedModules = []string{"crm"} },
		"unknown role":     func(in *Input) { in.RequiredRoles = []string{"intern"} },
		"unknown category": func(in *Input) { in.Category = "finance" },
		"bad value":        func(in *Input) { in.Value = json.RawMessage(`{"kind":"max_count"}`) },
		"inverted window":  func(in *Input) { in.EffectiveFrom, in.EffectiveUntil = &from, &until },
		"empty window":     func(in *Input) { in.EffectiveFrom, in.EffectiveUntil = &from, &from },
		"priority range":   func(in *Input) { in.Priority = MaxPriority + 1 },
		"no modules":       func(in *Input) { in.AffectedModules = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := mfaInput("k_" + name)
			mutate(&in)
			_, err := f.svc.CreatePolicy(context.Background(), "ops", in)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	require.Empty(t, f.dispatcher.ids)
}

func TestCreatePolicyDuplicateKey(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreatePolicy(context.Background(), "ops", mfaInput("dup"))
	require.NoError(t, err)
	_, err = f.svc.CreatePolicy(context.Background(), "ops", mfaInput("dup"))
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestUpdatePolicyPatch(t *testing.T) {
	f := newServiceFixture(t)
	p, err := f.svc.CreatePolicy(context.Background(), "ops", mfaInput("patch_me"))
	require.NoError(t, err)

	inactive := false
	priority := 7
	updated, err := f.svc.UpdatePolicy(context.Background(), "ops", p.ID, Patch{IsActive: &inactive, Priority: &priority})
	require.NoError(t, err)
	require.False(t, updated.IsActive)
	require.Equal(t, 7, updated.Priority)
	require.Equal(t, p.Key, updated.Key)
	require.Len(t, f.dispatcher.ids, 1, "deactivated policies are not analysed")
	require.Empty(t, f.holder.Peek().Policies())

	bad := json.RawMessage(`{"kind":"deny_value","field":"x"}`)
	_, err = f.svc.UpdatePolicy(context.Background(), "ops", p.ID, Patch{Value: bad})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.UpdatePolicy(context.Background(), "ops", uuid.New(), Patch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePolicyRefusedWhileReferenced(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	a, err := f.svc.CreatePolicy(ctx, "ops", mfaInput("a"))
	require.NoError(t, err)
	b, err := f.svc.CreatePolicy(ctx, "ops", mfaInput("b"))
	require.NoError(t, err)
	c, _, err := f.store.InsertConflict(ctx, rules.Conflict{
		Type: rules.ConflictContradiction, PrimaryPolicyID: a.ID, ConflictingPolicyID: b.ID, Severity: rules.SeverityHigh,
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeletePolicy(ctx, "ops", a.ID), ErrPolicyReferenced)

	open, err := f.svc.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := f.svc.ResolveConflict(ctx, "ops", c.ID, "  keep both  ")
	require.NoError(t, err)
	require.True(t, resolved.IsResolved)
	require.Equal(t, "keep both", resolved.ResolutionNotes)
	require.Equal(t, "ops", resolved.ResolvedBy)

	require.NoError(t, f.svc.DeletePolicy(ctx, "ops", a.ID))
	require.ErrorIs(t, f.svc.DeletePolicy(ctx, "ops", a.ID), ErrNotFound)
	require.Contains(t, f.audit.actions(), shared.AuditConflictResolved)
	require.Contains(t, f.audit.actions(), shared.AuditPolicyDeleted)
}
