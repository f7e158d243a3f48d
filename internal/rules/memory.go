package rules

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
)

// MemoryStore is an in-process Store used for tests and local development.
// Setting Fail makes every read return that error, which simulates a store
// outage.
type MemoryStore struct {
	mu          sync.RWMutex
	matrix      map[string]MatrixEntry
	overrides   map[uuid.UUID]UserOverride
	legacy      map[string]RolePermission
	policies    map[uuid.UUID]Policy
	conflicts   map[uuid.UUID]Conflict
	assignments map[string]string
	fail        error
	now         func() time.Time

	subMu sync.Mutex
	subs  map[chan ChangeEvent]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matrix:      make(map[string]MatrixEntry),
		overrides:   make(map[uuid.UUID]UserOverride),
		legacy:      make(map[string]RolePermission),
		policies:    make(map[uuid.UUID]Policy),
		conflicts:   make(map[uuid.UUID]Conflict),
		assignments: make(map[string]string),
		now:         time.Now,
		subs:        make(map[chan ChangeEvent]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ AssignmentSource = (*MemoryStore)(nil)
var _ Watcher = (*MemoryStore)(nil)

// SetClock overrides the time source used for timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Fail makes every subsequent read return err; nil restores normal operation.
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// AssignRole stores the raw base role of actor inside tenant.
func (m *MemoryStore) AssignRole(actorID, tenantID, rawRole string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[tenantID+"|"+actorID] = rawRole
}

// BaseRole implements AssignmentSource.
func (m *MemoryStore) BaseRole(ctx context.Context, actorID, tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return "", m.fail
	}
	role, ok := m.assignments[tenantID+"|"+actorID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

// MatrixForRole implements Reader.
func (m *MemoryStore) MatrixForRole(ctx context.Context, role string) ([]MatrixEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	want := access.NormalizeRole(role)
	var out []MatrixEntry
	for _, e := range m.matrix {
		if e.IsActive && access.NormalizeRole(e.Role) == want {
			out = append(out, e)
		}
	}
	return out, nil
}

// OverridesForUser implements Reader.
func (m *MemoryStore) OverridesForUser(ctx context.Context, userID string, now time.Time) ([]UserOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []UserOverride
	for _, o := range m.overrides {
		if o.UserID == userID && !o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// RolePermissions implements Reader.
func (m *MemoryStore) RolePermissions(ctx context.Context, role string) ([]RolePermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	want := access.NormalizeRole(role)
	var out []RolePermission
	for _, p := range m.legacy {
		if access.NormalizeRole(p.Role) == want {
			out = append(out, p)
		}
	}
	return out, nil
}

// ActivePolicies implements Reader.
func (m *MemoryStore) ActivePolicies(ctx context.Context) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return sortPolicies(out), nil
}

// UnresolvedConflicts implements Reader.
func (m *MemoryStore) UnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []Conflict
	for _, c := range m.conflicts {
		if !c.IsResolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// GetPolicy implements Reader.
func (m *MemoryStore) GetPolicy(ctx context.Context, id uuid.UUID) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return Policy{}, m.fail
	}
	p, ok := m.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

// UpsertMatrixEntry implements Writer.
func (m *MemoryStore) UpsertMatrixEntry(ctx context.Context, entry MatrixEntry) error {
	m.mu.Lock()
	entry.UpdatedAt = m.now()
	m.matrix[string(access.NormalizeRole(entry.Role))+"|"+access.NormalizeModule(entry.Module)] = entry
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableMatrix, Op: OpUpdate, ID: entry.Role + ":" + entry.Module})
	return nil
}

// UpsertOverride implements Writer.
func (m *MemoryStore) UpsertOverride(ctx context.Context, o UserOverride) (UserOverride, error) {
	m.mu.Lock()
	op := OpUpdate
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
		op = OpInsert
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	m.overrides[o.ID] = o
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableOverrides, Op: op, ID: o.ID.String(), UserID: o.UserID})
	return o, nil
}

// DeleteOverride implements Writer.
func (m *MemoryStore) DeleteOverride(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	o, ok := m.overrides[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.overrides, id)
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableOverrides, Op: OpDelete, ID: id.String(), UserID: o.UserID})
	return nil
}

// UpsertRolePermission implements Writer.
func (m *MemoryStore) UpsertRolePermission(ctx context.Context, perm RolePermission) error {
	key := strings.Join([]string{
		string(access.NormalizeRole(perm.Role)),
		access.NormalizeModule(perm.Module),
		access.NormalizeAction(perm.Action),
		access.NormalizeScope(perm.Scope),
	}, "|")
	m.mu.Lock()
	m.legacy[key] = perm
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableRolePermissions, Op: OpUpdate, ID: key})
	return nil
}

// UpsertPolicy implements Writer.
func (m *MemoryStore) UpsertPolicy(ctx context.Context, p Policy) (Policy, error) {
	m.mu.Lock()
	for id, existing := range m.policies {
		if existing.Key == p.Key && id != p.ID {
			m.mu.Unlock()
			return Policy{}, ErrDuplicateKey
		}
	}
	now := m.now()
	op := OpUpdate
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
		op = OpInsert
	}
	if prev, ok := m.policies[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		op = OpInsert
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	}
	p.UpdatedAt = now
	m.policies[p.ID] = p
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TablePolicies, Op: op, ID: p.ID.String()})
	return p, nil
}

// DeletePolicy implements Writer.
func (m *MemoryStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.policies[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	for _, c := range m.conflicts {
		if !c.IsResolved && c.References(id) {
			m.mu.Unlock()
			return ErrReferenced
		}
	}
	delete(m.policies, id)
	for cid, c := range m.conflicts {
		if c.References(id) {
			delete(m.conflicts, cid)
		}
	}
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TablePolicies, Op: OpDelete, ID: id.String()})
	return nil
}

// InsertConflict implements Writer.
func (m *MemoryStore) InsertConflict(ctx context.Context, c Conflict) (Conflict, bool, error) {
	m.mu.Lock()
	pair := c.PairKey()
	for _, existing := range m.conflicts {
		if !existing.IsResolved && existing.PairKey() == pair {
			m.mu.Unlock()
			return existing, false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = m.now()
	}
	m.conflicts[c.ID] = c
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableConflicts, Op: OpInsert, ID: c.ID.String()})
	return c, true, nil
}

// ResolveConflict implements Writer.
func (m *MemoryStore) ResolveConflict(ctx context.Context, id uuid.UUID, notes, resolvedBy string) (Conflict, error) {
	m.mu.Lock()
	c, ok := m.conflicts[id]
	if !ok {
		m.mu.Unlock()
		return Conflict{}, ErrNotFound
	}
	now := m.now()
	c.IsResolved = true
	c.ResolutionNotes = notes
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	m.conflicts[id] = c
	m.mu.Unlock()
	m.publish(ChangeEvent{Table: TableConflicts, Op: OpUpdate, ID: id.String()})
	return c, nil
}

// Watch implements Watcher. Events published while the subscriber's buffer is
// full are dropped for that subscriber.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 64)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.subMu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStore) publish(ev ChangeEvent) {
	m.mu.RLock()
	ev.At = m.now()
	m.mu.RUnlock()
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
