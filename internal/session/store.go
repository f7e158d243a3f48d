// Package session stores the time-scoped acting flags of an actor: role
// previews and tenant impersonations. Both live in Redis with a TTL and an
// explicit expiry; neither changes a persisted role assignment.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/rules"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

var (
	// ErrInvalid indicates a malformed session request.
	ErrInvalid = errors.New("session: invalid request")
	// ErrNotPermitted indicates the actor's base role may not open the session.
	ErrNotPermitted = errors.New("session: not permitted")
)

const (
	DefaultPreviewTTL       = 30 * time.Minute
	DefaultImpersonationTTL = time.Hour
)

// Preview is an active role preview.
type Preview struct {
	ActorID   string      `json:"actor_id"`
	TenantID  string      `json:"tenant_id"`
	Role      access.Role `json:"role"`
	StartedAt time.Time   `json:"started_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Impersonation is an active tenant impersonation.
type Impersonation struct {
	ActorID    string    `json:"actor_id"`
	HomeTenant string    `json:"home_tenant"`
	TenantID   string    `json:"tenant_id"`
	StartedAt  time.Time `json:"started_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChangeHook is called after an actor's acting sessions changed.
type ChangeHook func(ctx context.Context, actorID string)

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithTTL overrides the session lifetimes. Zero keeps the default.
func WithTTL(preview, impersonation time.Duration) Option {
	return func(s *RedisStore) {
		if preview > 0 {
			s.previewTTL = preview
		}
		if impersonation > 0 {
			s.impersonationTTL = impersonation
		}
	}
}

// WithOnChange registers the hook run after every start and stop.
func WithOnChange(hook ChangeHook) Option {
	return func(s *RedisStore) { s.onChange = hook }
}

// WithAudit records session starts and stops.
func WithAudit(audit shared.AuditRecorder) Option {
	return func(s *RedisStore) { s.audit = audit }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) { s.now = now }
}

// RedisStore keeps acting sessions in Redis.
type RedisStore struct {
	client           *redis.Client
	assignments      rules.AssignmentSource
	logger           *slog.Logger
	previewTTL       time.Duration
	impersonationTTL time.Duration
	onChange         ChangeHook
	audit            shared.AuditRecorder
	now              func() time.Time
}

// NewRedisStore constructs a RedisStore. assignments resolves the real base
// role used to authorize session starts.
func NewRedisStore(client *redis.Client, assignments rules.AssignmentSource, logger *slog.Logger, opts ...Option) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		client:           client,
		assignments:      assignments,
		logger:           logger,
		previewTTL:       DefaultPreviewTTL,
		impersonationTTL: DefaultImpersonationTTL,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartPreview makes actorID act as rawRole inside tenantID until the preview
// expires or is stopped. Only superadmins and admins may preview, and only
// roles that do not outrank their own.
func (s *RedisStore) StartPreview(ctx context.Context, actorID, tenantID, rawRole string) (Preview, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Preview{}, fmt.Errorf("%w: actor is required", ErrInvalid)
	}
	role, ok := access.ParseRole(rawRole)
	if !ok {
		return Preview{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, rawRole)
	}
	base, err := s.baseRole(ctx, actorID, tenantID)
	if err != nil {
		return Preview{}, err
	}
	if !base.Privileged() {
		return Preview{}, fmt.Errorf("%w: role %s may not preview", ErrNotPermitted, base)
	}
	if role.Rank() < base.Rank() {
		return Preview{}, fmt.Errorf("%w: role %s may not preview %s", ErrNotPermitted, base, role)
	}
	now := s.now().UTC()
	p := Preview{ActorID: actorID, TenantID: tenantID, Role: role, StartedAt: now, ExpiresAt: now.Add(s.previewTTL)}
	if err := s.put(ctx, previewKey(actorID), p, s.previewTTL); err != nil {
		return Preview{}, err
	}
	s.changed(ctx, actorID, shared.AuditPreviewStarted, map[string]any{"role": string(role), "expires_at": p.ExpiresAt})
	return p, nil
}

// StopPreview ends the actor's preview. Stopping without a preview is a no-op.
func (s *RedisStore) StopPreview(ctx context.Context, actorID string) error {
	removed, err := s.client.Del(ctx, previewKey(actorID)).Result()
	if err != nil {
		return fmt.Errorf("session: stop preview: %w", err)
	}
	if removed > 0 {
		s.changed(ctx, actorID, shared.AuditPreviewStopped, nil)
	}
	return nil
}

// CurrentPreview returns the actor's unexpired preview.
func (s *RedisStore) CurrentPreview(ctx context.Context, actorID string) (Preview, bool, error) {
	var p Preview
	ok, err := s.get(ctx, previewKey(actorID), &p)
	if err != nil || !ok {
		return Preview{}, false, err
	}
	if !p.ExpiresAt.After(s.now()) {
		return Preview{}, false, nil
	}
	return p, true, nil
}

// ActivePreview returns the raw previewed role when the preview was started
// in tenantID.
func (s *RedisStore) ActivePreview(ctx context.Context, actorID, tenantID string) (string, bool, error) {
	p, ok, err := s.CurrentPreview(ctx, actorID)
	if err != nil || !ok || p.TenantID != tenantID {
		return "", false, err
	}
	return string(p.Role), true, nil
}

// StartImpersonation makes actorID act inside targetTenant. Only superadmins
// of the home tenant may impersonate.
func (s *RedisStore) StartImpersonation(ctx context.Context, actorID, homeTenant, targetTenant string) (Impersonation, error) {
	actorID = strings.TrimSpace(actorID)
	targetTenant = strings.TrimSpace(targetTenant)
	switch {
	case actorID == "":
		return Impersonation{}, fmt.Errorf("%w: actor is required", ErrInvalid)
	case targetTenant == "":
		return Impersonation{}, fmt.Errorf("%w: tenant is required", ErrInvalid)
	case targetTenant == homeTenant:
		return Impersonation{}, fmt.Errorf("%w: cannot impersonate the home tenant", ErrInvalid)
	}
	base, err := s.baseRole(ctx, actorID, homeTenant)
	if err != nil {
		return Impersonation{}, err
	}
	if base != access.RoleSuperAdmin {
		return Impersonation{}, fmt.Errorf("%w: role %s may not impersonate", ErrNotPermitted, base)
	}
	now := s.now().UTC()
	imp := Impersonation{
		ActorID:    actorID,
		HomeTenant: homeTenant,
		TenantID:   targetTenant,
		StartedAt:  now,
		ExpiresAt:  now.Add(s.impersonationTTL),
	}
	if err := s.put(ctx, impersonationKey(actorID), imp, s.impersonationTTL); err != nil {
		return Impersonation{}, err
	}
	s.changed(ctx, actorID, shared.AuditImpersonateStart, map[string]any{"tenant_id": targetTenant, "expires_at": imp.ExpiresAt})
	return imp, nil
}

// StopImpersonation ends the actor's impersonation, if any.
func (s *RedisStore) StopImpersonation(ctx context.Context, actorID string) error {
	removed, err := s.client.Del(ctx, impersonationKey(actorID)).Result()
	if err != nil {
		return fmt.Errorf("session: stop impersonation: %w", err)
	}
	if removed > 0 {
		s.changed(ctx, actorID, shared.AuditImpersonateStop, nil)
	}
	return nil
}

// CurrentImpersonation returns the actor's unexpired impersonation.
func (s *RedisStore) CurrentImpersonation(ctx context.Context, actorID string) (Impersonation, bool, error) {
	var imp Impersonation
	ok, err := s.get(ctx, impersonationKey(actorID), &imp)
	if err != nil || !ok {
		return Impersonation{}, false, err
	}
	if !imp.ExpiresAt.After(s.now()) {
		return Impersonation{}, false, nil
	}
	return imp, true, nil
}

// ActiveImpersonation returns the impersonated tenant.
func (s *RedisStore) ActiveImpersonation(ctx context.Context, actorID string) (string, bool, error) {
	imp, ok, err := s.CurrentImpersonation(ctx, actorID)
	if err != nil || !ok {
		return "", false, err
	}
	return imp.TenantID, true, nil
}

func (s *RedisStore) baseRole(ctx context.Context, actorID, tenantID string) (access.Role, error) {
	raw, err := s.assignments.BaseRole(ctx, actorID, tenantID)
	if errors.Is(err, rules.ErrNotFound) {
		return access.RoleEmployee, nil
	}
	if err != nil {
		return "", fmt.Errorf("session: base role: %w", err)
	}
	return access.NormalizeRole(raw), nil
}

func (s *RedisStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("session: store: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: load: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("session: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) changed(ctx context.Context, actorID, action string, meta map[string]any) {
	if s.onChange != nil {
		s.onChange(ctx, actorID)
	}
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "acting_session",
		EntityID: actorID,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("session audit", slog.String("action", action), slog.Any("error", err))
	}
}

func previewKey(actorID string) string {
	return "authz:preview:" + actorID
}

func impersonationKey(actorID string) string {
	return "authz:impersonation:" + actorID
}
