// Package rules is the durable side of the authorization engine: the record
// types, the store contract, immutable snapshots and their invalidation.
package rules

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MatrixEntry is the per-role, per-module visibility and action allowlist.
type MatrixEntry struct {
	Role                 string
	Module               string
	IsVisible            bool
	AllowedActions       []string
	VisibleFields        []string
	EditableFields       []string
	AllowedNotifications []string
	WorkflowTriggers     []string
	IsActive             bool
	UpdatedAt            time.Time
}

// UserOverride is a per-user, optionally time-bound exception.
type UserOverride struct {
	ID        uuid.UUID
	UserID    string
	Module    string
	Action    string
	Scope     string
	IsGranted bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the override no longer applies at now.
func (o UserOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// RolePermission is a legacy grant record.
type RolePermission struct {
	Role      string
	Module    string
	Action    string
	Scope     string
	IsGranted bool
}

// Category groups system policies.
type Category string

const (
	CategorySecurity     Category = "security"
	CategoryTimetracking Category = "timetracking"
	CategoryAbsence      Category = "absence"
	CategoryDocuments    Category = "documents"
	CategoryGeneral      Category = "general"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySecurity, CategoryTimetracking, CategoryAbsence, CategoryDocuments, CategoryGeneral:
		return true
	}
	return false
}

// Policy is a system-wide business rule that can block an action.
type Policy struct {
	ID              uuid.UUID
	Key             string
	Name            string
	Description     string
	Category        Category
	IsActive        bool
	Value           json.RawMessage
	AffectedModules []string
	RequiredRoles   []string
	Priority        int
	EffectiveFrom   *time.Time
	EffectiveUntil  *time.Time
	TenantID        string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Global reports whether the policy applies to every tenant.
func (p Policy) Global() bool {
	return p.TenantID == ""
}

// InWindow reports whether now falls inside the effective window. Nil bounds
// are open.
func (p Policy) InWindow(now time.Time) bool {
	if p.EffectiveFrom != nil && now.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && now.After(*p.EffectiveUntil) {
		return false
	}
	return true
}

// ConflictType classifies a detected policy conflict.
type ConflictType string

const (
	ConflictContradiction ConflictType = "contradiction"
	ConflictIncompatible  ConflictType = "incompatible"
	ConflictCircular      ConflictType = "circular"
)

// Severity ranks conflicts for operator review.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict is a detected inconsistency between two active policies.
type Conflict struct {
	ID                  uuid.UUID
	Type                ConflictType
	PrimaryPolicyID     uuid.UUID
	ConflictingPolicyID uuid.UUID
	Severity            Severity
	Description         string
	IsResolved          bool
	ResolutionNotes     string
	ResolvedBy          string
	ResolvedAt          *time.Time
	DetectedAt          time.Time
}

// PairKey identifies the unordered policy pair of the conflict.
func (c Conflict) PairKey() string {
	return PairKey(c.PrimaryPolicyID, c.ConflictingPolicyID)
}

// References reports whether the conflict involves the policy.
func (c Conflict) References(id uuid.UUID) bool {
	return c.PrimaryPolicyID == id || c.ConflictingPolicyID == id
}

// PairKey orders the two ids so that (a,b) and (b,a) share a key.
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}
