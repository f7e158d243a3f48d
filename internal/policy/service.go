package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// MaxPriority bounds policy priorities.
const MaxPriority = 1000

// ConflictDispatcher schedules conflict analysis for a changed policy. It must
// not wait for the analysis to finish.
type ConflictDispatcher interface {
	Dispatch(ctx context.Context, policyID uuid.UUID) error
}

// Input carries a new policy.
type Input struct {
	Key             string          `json:"key" validate:"required,max=120"`
	Name            string          `json:"name" validate:"required,max=200"`
	Description     string          `json:"description" validate:"max=2000"`
	Category        string          `json:"category" validate:"required"`
	IsActive        *bool           `json:"is_active"`
	Value           json.RawMessage `json:"value" validate:"required"`
	AffectedModules []string        `json:"affected_modules" validate:"required,min=1,dive,required"`
	RequiredRoles   []string        `json:"required_roles" validate:"omitempty,dive,required"`
	Priority        int             `json:"priority" validate:"gte=0,lte=1000"`
	EffectiveFrom   *time.Time      `json:"effective_from"`
	EffectiveUntil  *time.Time      `json:"effective_until"`
	TenantID        string          `json:"tenant_id" validate:"max=120"`
}

// Patch carries a partial update. Nil fields are left unchanged; ClearWindow
// removes both effective bounds before EffectiveFrom/EffectiveUntil apply.
type Patch struct {
	Key             *string         `json:"key"`
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	Category        *string         `json:"category"`
	IsActive        *bool           `json:"is_active"`
	Value           json.RawMessage `json:"value"`
	AffectedModules []string        `json:"affected_modules"`
	RequiredRoles   []string        `json:"required_roles"`
	Priority        *int            `json:"priority"`
	ClearWindow     bool            `json:"clear_window"`
	EffectiveFrom   *time.Time      `json:"effective_from"`
	EffectiveUntil  *time.Time      `json:"effective_until"`
	TenantID        *string         `json:"tenant_id"`
}

// Service manages the policy lifecycle.
type Service struct {
	store      rules.Store
	holder     *rules.Holder
	dispatcher ConflictDispatcher
	audit      shared.AuditRecorder
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService constructs a Service. dispatcher and audit may be nil.
func NewService(store rules.Store, holder *rules.Holder, dispatcher ConflictDispatcher, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		holder:     holder,
		dispatcher: dispatcher,
		audit:      audit,
		validate:   validator.New(),
		logger:     logger,
	}
}

// CreatePolicy validates and stores a new policy. The policy is visible to
// evaluation when CreatePolicy returns; conflict analysis runs afterwards.
func (s *Service) CreatePolicy(ctx context.Context, actor string, in Input) (rules.Policy, error) {
	if err := s.validate.Struct(in); err != nil {
		return rules.Policy{}, validationError(err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	p := rules.Policy{
		Key:             in.Key,
		Name:            in.Name,
		Description:     in.Description,
		Category:        rules.Category(in.Category),
		IsActive:        active,
		Value:           in.Value,
		AffectedModules: in.AffectedModules,
		RequiredRoles:   in.RequiredRoles,
		Priority:        in.Priority,
		EffectiveFrom:   in.EffectiveFrom,
		EffectiveUntil:  in.EffectiveUntil,
		TenantID:        in.TenantID,
		CreatedBy:       actor,
	}
	if err := s.normalize(&p); err != nil {
		return rules.Policy{}, err
	}
	stored, err := s.store.UpsertPolicy(ctx, p)
	if err != nil {
		return rules.Policy{}, mapStoreError(err)
	}
	s.afterWrite(ctx, actor, shared.AuditPolicyCreated, stored, stored.IsActive)
	return stored, nil
}

// UpdatePolicy applies patch to the stored policy.
func (s *Service) UpdatePolicy(ctx context.Context, actor string, id uuid.UUID, patch Patch) (rules.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return rules.Policy{}, mapStoreError(err)
	}
	applyPatch(&p, patch)
	if err := s.normalize(&p); err != nil {
		return rules.Policy{}, err
	}
	stored, err := s.store.UpsertPolicy(ctx, p)
	if err != nil {
		return rules.Policy{}, mapStoreError(err)
	}
	s.afterWrite(ctx, actor, shared.AuditPolicyUpdated, stored, stored.IsActive)
	return stored, nil
}

// DeletePolicy removes a policy unless an unresolved conflict references it.
func (s *Service) DeletePolicy(ctx context.Context, actor string, id uuid.UUID) error {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.store.DeletePolicy(ctx, id); err != nil {
		return mapStoreError(err)
	}
	s.afterWrite(ctx, actor, shared.AuditPolicyDeleted, p, false)
	return nil
}

// GetPolicy returns one policy.
func (s *Service) GetPolicy(ctx context.Context, id uuid.UUID) (rules.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return rules.Policy{}, mapStoreError(err)
	}
	return p, nil
}

// ListPolicies returns the active policies in evaluation order.
func (s *Service) ListPolicies(ctx context.Context) ([]rules.Policy, error) {
	return s.store.ActivePolicies(ctx)
}

// ListUnresolvedConflicts reads the open conflicts from the store.
func (s *Service) ListUnresolvedConflicts(ctx context.Context) ([]rules.Conflict, error) {
	return s.store.UnresolvedConflicts(ctx)
}

// ResolveConflict marks a conflict resolved with the operator's notes.
func (s *Service) ResolveConflict(ctx context.Context, actor string, id uuid.UUID, notes string) (rules.Conflict, error) {
	c, err := s.store.ResolveConflict(ctx, id, strings.TrimSpace(notes), actor)
	if err != nil {
		return rules.Conflict{}, mapStoreError(err)
	}
	s.reload(ctx)
	s.record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   shared.AuditConflictResolved,
		Entity:   "policy_conflict",
		EntityID: c.ID.String(),
		Meta:     map[string]any{"notes": c.ResolutionNotes, "type": string(c.Type)},
	})
	return c, nil
}

func (s *Service) normalize(p *rules.Policy) error {
	p.Key = strings.TrimSpace(p.Key)
	p.Name = strings.TrimSpace(p.Name)
	var problems []string
	if p.Key == "" {
		problems = append(problems, "key is required")
	}
	if p.Name == "" {
		problems = append(problems, "name is required")
	}
	p.Category = rules.Category(strings.ToLower(strings.TrimSpace(string(p.Category))))
	if !p.Category.Valid() {
		problems = append(problems, fmt.Sprintf("unknown category %q", p.Category))
	}
	if p.Priority < 0 || p.Priority > MaxPriority {
		problems = append(problems, fmt.Sprintf("priority must be between 0 and %d", MaxPriority))
	}
	if _, err := ParseRule(p.Value, s.validate); err != nil {
		problems = append(problems, strings.TrimPrefix(err.Error(), ErrValidation.Error()+": "))
	}
	if len(p.AffectedModules) == 0 {
		problems = append(problems, "affected_modules is required")
	}
	modules := make([]string, 0, len(p.AffectedModules))
	for _, m := range p.AffectedModules {
		key := access.NormalizeModule(m)
		if key != access.ModuleWildcard && !access.KnownModule(key) {
			problems = append(problems, fmt.Sprintf("unknown module %q", m))
			continue
		}
		modules = append(modules, key)
	}
	p.AffectedModules = modules
	roles := make([]string, 0, len(p.RequiredRoles))
	for _, r := range p.RequiredRoles {
		role, ok := access.ParseRole(r)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown role %q", r))
			continue
		}
		roles = append(roles, string(role))
	}
	p.RequiredRoles = roles
	if p.EffectiveFrom != nil && p.EffectiveUntil != nil && !p.EffectiveUntil.After(*p.EffectiveFrom) {
		problems = append(problems, "effective_until must be after effective_from")
	}
	p.TenantID = strings.TrimSpace(p.TenantID)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func applyPatch(p *rules.Policy, patch Patch) {
	if patch.Key != nil {
		p.Key = *patch.Key
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Category != nil {
		p.Category = rules.Category(*patch.Category)
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if len(patch.Value) > 0 {
		p.Value = patch.Value
	}
	if patch.AffectedModules != nil {
		p.AffectedModules = patch.AffectedModules
	}
	if patch.RequiredRoles != nil {
		p.RequiredRoles = patch.RequiredRoles
	}
	if patch.Priority != nil {
		p.Priority = *patch.Priority
	}
	if patch.ClearWindow {
		p.EffectiveFrom, p.EffectiveUntil = nil, nil
	}
	if patch.EffectiveFrom != nil {
		p.EffectiveFrom = patch.EffectiveFrom
	}
	if patch.EffectiveUntil != nil {
		p.EffectiveUntil = patch.EffectiveUntil
	}
	if patch.TenantID != nil {
		p.TenantID = *patch.TenantID
	}
}

func (s *Service) afterWrite(ctx context.Context, actor, action string, p rules.Policy, analyze bool) {
	s.reload(ctx)
	s.record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "system_policy",
		EntityID: p.ID.String(),
		Meta:     map[string]any{"key": p.Key, "priority": p.Priority, "category": string(p.Category)},
	})
	if !analyze || s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, p.ID); err != nil {
		s.logger.Error("policy conflict dispatch", slog.String("policy", p.Key), slog.Any("error", err))
	}
}

func (s *Service) reload(ctx context.Context) {
	if s.holder == nil {
		return
	}
	if _, err := s.holder.Reload(ctx); err != nil {
		s.logger.Warn("policy snapshot reload", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("policy audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, rules.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, rules.ErrDuplicateKey):
		return ErrDuplicateKey
	case errors.Is(err, rules.ErrReferenced):
		return ErrPolicyReferenced
	}
	return err
}
