package authzhttp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/rules"
)

type policyView struct {
	ID              uuid.UUID       `json:"id"`
	Key             string          `json:"key"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Category        string          `json:"category"`
	IsActive        bool            `json:"is_active"`
	Value           json.RawMessage `json:"value"`
	AffectedModules []string        `json:"affected_modules"`
	RequiredRoles   []string        `json:"required_roles"`
	Priority        int             `json:"priority"`
	EffectiveFrom   *time.Time      `json:"effective_from,omitempty"`
	EffectiveUntil  *time.Time      `json:"effective_until,omitempty"`
	TenantID        string          `json:"tenant_id,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func newPolicyView(p rules.Policy) policyView {
	roles := p.RequiredRoles
	if roles == nil {
		roles = []string{}
	}
	return policyView{
		ID:              p.ID,
		Key:             p.Key,
		Name:            p.Name,
		Description:     p.Description,
		Category:        string(p.Category),
		IsActive:        p.IsActive,
		Value:           p.Value,
		AffectedModules: p.AffectedModules,
		RequiredRoles:   roles,
		Priority:        p.Priority,
		EffectiveFrom:   p.EffectiveFrom,
		EffectiveUntil:  p.EffectiveUntil,
		TenantID:        p.TenantID,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

type conflictView struct {
	ID                  uuid.UUID  `json:"id"`
	Type                string     `json:"conflict_type"`
	PrimaryPolicyID     uuid.UUID  `json:"primary_policy_id"`
	ConflictingPolicyID uuid.UUID  `json:"conflicting_policy_id"`
	Severity            string     `json:"severity"`
	Description         string     `json:"description"`
	IsResolved          bool       `json:"is_resolved"`
	ResolutionNotes     string     `json:"resolution_notes,omitempty"`
	ResolvedBy          string     `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
	DetectedAt          time.Time  `json:"detected_at"`
}

func newConflictView(c rules.Conflict) conflictView {
	return conflictView{
		ID:                  c.ID,
		Type:                string(c.Type),
		PrimaryPolicyID:     c.PrimaryPolicyID,
		ConflictingPolicyID: c.ConflictingPolicyID,
		Severity:            string(c.Severity),
		Description:         c.Description,
		IsResolved:          c.IsResolved,
		ResolutionNotes:     c.ResolutionNotes,
		ResolvedBy:          c.ResolvedBy,
		ResolvedAt:          c.ResolvedAt,
		DetectedAt:          c.DetectedAt,
	}
}
