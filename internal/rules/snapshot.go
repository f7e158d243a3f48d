package rules

import (
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
)

type matrixKey struct {
	role   access.Role
	module string
}

type permKey struct {
	role   access.Role
	module string
	action string
	scope  string
}

type overrideKey struct {
	module string
	action string
	scope  string
}

// Snapshot is an immutable, normalized view of the rule tables. A Snapshot is
// never modified after construction; reloads produce a new value.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time

	matrix    map[matrixKey]MatrixEntry
	legacy    map[permKey]RolePermission
	overrides map[string]map[overrideKey][]UserOverride
	// fetched records the holder read sequence at which each actor's
	// overrides were read; a higher sequence is a fresher read.
	fetched   map[string]int64
	policies  []Policy
	conflicts []Conflict
}

// SnapshotData carries the raw records a snapshot is built from.
type SnapshotData struct {
	Matrix          []MatrixEntry
	RolePermissions []RolePermission
	Overrides       map[string][]UserOverride
	Policies        []Policy
	Conflicts       []Conflict
}

// NewSnapshot indexes data under normalized keys.
func NewSnapshot(version int64, loadedAt time.Time, data SnapshotData) *Snapshot {
	s := &Snapshot{
		Version:   version,
		LoadedAt:  loadedAt,
		matrix:    make(map[matrixKey]MatrixEntry, len(data.Matrix)),
		legacy:    make(map[permKey]RolePermission, len(data.RolePermissions)),
		overrides: make(map[string]map[overrideKey][]UserOverride, len(data.Overrides)),
		fetched:   make(map[string]int64, len(data.Overrides)),
	}
	for _, entry := range data.Matrix {
		if !entry.IsActive {
			continue
		}
		key := matrixKey{role: access.NormalizeRole(entry.Role), module: access.NormalizeModule(entry.Module)}
		entry.AllowedActions = normalizeActions(entry.AllowedActions)
		s.matrix[key] = entry
	}
	for _, perm := range data.RolePermissions {
		key := permKey{
			role:   access.NormalizeRole(perm.Role),
			module: access.NormalizeModule(perm.Module),
			action: access.NormalizeAction(perm.Action),
			scope:  access.NormalizeScope(perm.Scope),
		}
		// Duplicate legacy rows collapse to a grant if any of them grants.
		if existing, ok := s.legacy[key]; ok && existing.IsGranted {
			continue
		}
		s.legacy[key] = perm
	}
	for userID, list := range data.Overrides {
		s.overrides[userID] = indexOverrides(list)
	}
	s.policies = sortPolicies(data.Policies)
	s.conflicts = append([]Conflict(nil), data.Conflicts...)
	return s
}

// Matrix returns the active matrix entry for the role and module.
func (s *Snapshot) Matrix(role access.Role, module string) (MatrixEntry, bool) {
	if s == nil {
		return MatrixEntry{}, false
	}
	entry, ok := s.matrix[matrixKey{role: role, module: access.NormalizeModule(module)}]
	return entry, ok
}

// Allows reports whether action is in the entry's allowlist under normalized
// naming.
func (e MatrixEntry) Allows(action string) bool {
	action = access.NormalizeAction(action)
	for _, a := range e.AllowedActions {
		if access.NormalizeAction(a) == action {
			return true
		}
	}
	return false
}

// Override returns the most recent override for the user that is still in
// force at now.
func (s *Snapshot) Override(userID, module, action, scope string, now time.Time) (UserOverride, bool) {
	if s == nil || userID == "" {
		return UserOverride{}, false
	}
	byKey, ok := s.overrides[userID]
	if !ok {
		return UserOverride{}, false
	}
	key := overrideKey{
		module: access.NormalizeModule(module),
		action: access.NormalizeAction(action),
		scope:  access.NormalizeScope(scope),
	}
	for _, o := range byKey[key] {
		if !o.Expired(now) {
			return o, true
		}
	}
	return UserOverride{}, false
}

// HasActor reports whether overrides for the user have been loaded.
func (s *Snapshot) HasActor(userID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.overrides[userID]
	return ok
}

// Actors lists users whose overrides are part of the snapshot.
func (s *Snapshot) Actors() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.overrides))
	for id := range s.overrides {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RolePermission returns the legacy record for the key.
func (s *Snapshot) RolePermission(role access.Role, module, action, scope string) (RolePermission, bool) {
	if s == nil {
		return RolePermission{}, false
	}
	perm, ok := s.legacy[permKey{
		role:   role,
		module: access.NormalizeModule(module),
		action: access.NormalizeAction(action),
		scope:  access.NormalizeScope(scope),
	}]
	return perm, ok
}

// Policies returns the active policies ordered by priority descending then
// key. Callers must treat the slice as read-only.
func (s *Snapshot) Policies() []Policy {
	if s == nil {
		return nil
	}
	return s.policies
}

// Conflicts returns the unresolved conflicts at load time.
func (s *Snapshot) Conflicts() []Conflict {
	if s == nil {
		return nil
	}
	return s.conflicts
}

// withActor returns a copy of s whose overrides for userID are replaced by
// list, read at sequence seq.
func (s *Snapshot) withActor(version int64, userID string, list []UserOverride, seq int64) *Snapshot {
	next := s.copyActors(version)
	next.overrides[userID] = indexOverrides(list)
	next.fetched[userID] = seq
	return next
}

// adoptNewerActors returns s carrying the override indexes of every actor that
// other read more recently than s did. s itself is returned when there are
// none.
func (s *Snapshot) adoptNewerActors(other *Snapshot) *Snapshot {
	if other == nil {
		return s
	}
	var newer []string
	for id, seq := range other.fetched {
		if seq > s.fetched[id] {
			newer = append(newer, id)
		}
	}
	if len(newer) == 0 {
		return s
	}
	next := s.copyActors(s.Version)
	for _, id := range newer {
		next.overrides[id] = other.overrides[id]
		next.fetched[id] = other.fetched[id]
	}
	return next
}

// copyActors copies the top-level actor maps. Inner indexes are shared
// because they are never mutated.
func (s *Snapshot) copyActors(version int64) *Snapshot {
	next := *s
	next.Version = version
	next.overrides = make(map[string]map[overrideKey][]UserOverride, len(s.overrides)+1)
	for id, idx := range s.overrides {
		next.overrides[id] = idx
	}
	next.fetched = make(map[string]int64, len(s.fetched)+1)
	for id, seq := range s.fetched {
		next.fetched[id] = seq
	}
	return &next
}

func indexOverrides(list []UserOverride) map[overrideKey][]UserOverride {
	idx := make(map[overrideKey][]UserOverride, len(list))
	for _, o := range list {
		key := overrideKey{
			module: access.NormalizeModule(o.Module),
			action: access.NormalizeAction(o.Action),
			scope:  access.NormalizeScope(o.Scope),
		}
		idx[key] = append(idx[key], o)
	}
	for key := range idx {
		list := idx[key]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		})
	}
	return idx
}

func normalizeActions(actions []string) []string {
	out := make([]string, 0, len(actions))
	seen := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		a = access.NormalizeAction(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func sortPolicies(policies []Policy) []Policy {
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return out
}
