package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresStore implements Store and AssignmentSource on PostgreSQL.
// Role, module, action and scope keys are normalized before they are written,
// and rows written by other tools are normalized again when read.
type PostgresStore struct {
	pool     *pgxpool.Pool
	notifier Notifier
	logger   *slog.Logger
}

var _ Store = (*PostgresStore)(nil)
var _ AssignmentSource = (*PostgresStore)(nil)

// NewPostgresStore constructs a store. notifier may be nil.
func NewPostgresStore(pool *pgxpool.Pool, notifier Notifier, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, notifier: notifier, logger: logger}
}

// BaseRole implements AssignmentSource.
func (s *PostgresStore) BaseRole(ctx context.Context, actorID, tenantID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `SELECT role FROM user_roles
WHERE user_id = $1 AND tenant_id = $2
ORDER BY created_at DESC LIMIT 1`, actorID, tenantID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("rules: base role: %w", err)
	}
	return role, nil
}

// MatrixForRole implements Reader.
func (s *PostgresStore) MatrixForRole(ctx context.Context, role string) ([]MatrixEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT role, module, is_visible, allowed_actions, visible_fields,
       editable_fields, allowed_notifications, workflow_triggers, is_active, updated_at
FROM permission_matrix WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("rules: matrix: %w", err)
	}
	defer rows.Close()
	want := access.NormalizeRole(role)
	var out []MatrixEntry
	for rows.Next() {
		var e MatrixEntry
		if err := rows.Scan(&e.Role, &e.Module, &e.IsVisible, &e.AllowedActions, &e.VisibleFields,
			&e.EditableFields, &e.AllowedNotifications, &e.WorkflowTriggers, &e.IsActive, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if access.NormalizeRole(e.Role) == want {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OverridesForUser implements Reader.
func (s *PostgresStore) OverridesForUser(ctx context.Context, userID string, now time.Time) ([]UserOverride, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, module, action, scope, is_granted, expires_at, created_at
FROM user_permission_overrides
WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("rules: overrides: %w", err)
	}
	defer rows.Close()
	var out []UserOverride
	for rows.Next() {
		var o UserOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.Module, &o.Action, &o.Scope, &o.IsGranted, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RolePermissions implements Reader.
func (s *PostgresStore) RolePermissions(ctx context.Context, role string) ([]RolePermission, error) {
	rows, err := s.pool.Query(ctx, `SELECT role, module, action, scope, is_granted FROM role_permissions`)
	if err != nil {
		return nil, fmt.Errorf("rules: role permissions: %w", err)
	}
	defer rows.Close()
	want := access.NormalizeRole(role)
	var out []RolePermission
	for rows.Next() {
		var p RolePermission
		if err := rows.Scan(&p.Role, &p.Module, &p.Action, &p.Scope, &p.IsGranted); err != nil {
			return nil, err
		}
		if access.NormalizeRole(p.Role) == want {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const policyColumns = `id, key, name, description, category, is_active, value, affected_modules,
       required_roles, priority, effective_from, effective_until, tenant_id, created_by, created_at, updated_at`

// ActivePolicies implements Reader.
func (s *PostgresStore) ActivePolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+`
FROM system_policies WHERE is_active ORDER BY priority DESC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("rules: active policies: %w", err)
	}
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPolicy implements Reader.
func (s *PostgresStore) GetPolicy(ctx context.Context, id uuid.UUID) (Policy, error) {
	p, err := scanPolicy(s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM system_policies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, ErrNotFound
		}
		return Policy{}, fmt.Errorf("rules: get policy: %w", err)
	}
	return p, nil
}

const conflictColumns = `id, conflict_type, primary_policy_id, conflicting_policy_id, severity, description,
       is_resolved, resolution_notes, resolved_by, resolved_at, detected_at`

// UnresolvedConflicts implements Reader.
func (s *PostgresStore) UnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conflictColumns+`
FROM policy_conflicts WHERE NOT is_resolved ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("rules: unresolved conflicts: %w", err)
	}
	defer rows.Close()
	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertMatrixEntry implements Writer.
func (s *PostgresStore) UpsertMatrixEntry(ctx context.Context, e MatrixEntry) error {
	role := string(access.NormalizeRole(e.Role))
	module := access.NormalizeModule(e.Module)
	_, err := s.pool.Exec(ctx, `INSERT INTO permission_matrix
    (role, module, is_visible, allowed_actions, visible_fields, editable_fields,
     allowed_notifications, workflow_triggers, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (role, module) DO UPDATE SET
    is_visible = EXCLUDED.is_visible,
    allowed_actions = EXCLUDED.allowed_actions,
    visible_fields = EXCLUDED.visible_fields,
    editable_fields = EXCLUDED.editable_fields,
    allowed_notifications = EXCLUDED.allowed_notifications,
    workflow_triggers = EXCLUDED.workflow_triggers,
    is_active = EXCLUDED.is_active,
    updated_at = NOW()`,
		role, module, e.IsVisible, normalizeActions(e.AllowedActions), e.VisibleFields, e.EditableFields,
		e.AllowedNotifications, e.WorkflowTriggers, e.IsActive)
	if err != nil {
		return fmt.Errorf("rules: upsert matrix: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TableMatrix, Op: OpUpdate, ID: role + ":" + module})
	return nil
}

// UpsertOverride implements Writer.
func (s *PostgresStore) UpsertOverride(ctx context.Context, o UserOverride) (UserOverride, error) {
	op := OpUpdate
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
		op = OpInsert
	}
	o.Module = access.NormalizeModule(o.Module)
	o.Action = access.NormalizeAction(o.Action)
	o.Scope = access.NormalizeScope(o.Scope)
	err := s.pool.QueryRow(ctx, `INSERT INTO user_permission_overrides
    (id, user_id, module, action, scope, is_granted, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO UPDATE SET
    module = EXCLUDED.module,
    action = EXCLUDED.action,
    scope = EXCLUDED.scope,
    is_granted = EXCLUDED.is_granted,
    expires_at = EXCLUDED.expires_at
RETURNING created_at`, o.ID, o.UserID, o.Module, o.Action, o.Scope, o.IsGranted, o.ExpiresAt).Scan(&o.CreatedAt)
	if err != nil {
		return UserOverride{}, fmt.Errorf("rules: upsert override: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TableOverrides, Op: op, ID: o.ID.String(), UserID: o.UserID})
	return o, nil
}

// DeleteOverride implements Writer.
func (s *PostgresStore) DeleteOverride(ctx context.Context, id uuid.UUID) error {
	var userID string
	err := s.pool.QueryRow(ctx, `DELETE FROM user_permission_overrides WHERE id = $1 RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("rules: delete override: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TableOverrides, Op: OpDelete, ID: id.String(), UserID: userID})
	return nil
}

// UpsertRolePermission implements Writer.
func (s *PostgresStore) UpsertRolePermission(ctx context.Context, p RolePermission) error {
	role := string(access.NormalizeRole(p.Role))
	_, err := s.pool.Exec(ctx, `INSERT INTO role_permissions (role, module, action, scope, is_granted)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (role, module, action, scope) DO UPDATE SET is_granted = EXCLUDED.is_granted`,
		role, access.NormalizeModule(p.Module), access.NormalizeAction(p.Action), access.NormalizeScope(p.Scope), p.IsGranted)
	if err != nil {
		return fmt.Errorf("rules: upsert role permission: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TableRolePermissions, Op: OpUpdate, ID: role})
	return nil
}

// UpsertPolicy implements Writer.
func (s *PostgresStore) UpsertPolicy(ctx context.Context, p Policy) (Policy, error) {
	op := OpUpdate
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
		op = OpInsert
	}
	var tenant *string
	if p.TenantID != "" {
		tenant = &p.TenantID
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO system_policies
    (id, key, name, description, category, is_active, value, affected_modules, required_roles,
     priority, effective_from, effective_until, tenant_id, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
    key = EXCLUDED.key,
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    category = EXCLUDED.category,
    is_active = EXCLUDED.is_active,
    value = EXCLUDED.value,
    affected_modules = EXCLUDED.affected_modules,
    required_roles = EXCLUDED.required_roles,
    priority = EXCLUDED.priority,
    effective_from = EXCLUDED.effective_from,
    effective_until = EXCLUDED.effective_until,
    tenant_id = EXCLUDED.tenant_id,
    updated_at = NOW()
RETURNING `+policyColumns,
		p.ID, p.Key, p.Name, p.Description, string(p.Category), p.IsActive, []byte(p.Value), p.AffectedModules,
		p.RequiredRoles, p.Priority, p.EffectiveFrom, p.EffectiveUntil, tenant, p.CreatedBy)
	stored, err := scanPolicy(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Policy{}, ErrDuplicateKey
		}
		return Policy{}, fmt.Errorf("rules: upsert policy: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TablePolicies, Op: op, ID: stored.ID.String()})
	return stored, nil
}

// DeletePolicy implements Writer. The reference check and the delete share a
// transaction so that a conflict recorded concurrently cannot be orphaned.
// Resolved conflicts for the policy are removed with it.
func (s *PostgresStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var referenced bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (
    SELECT 1 FROM policy_conflicts
    WHERE NOT is_resolved AND (primary_policy_id = $1 OR conflicting_policy_id = $1))`, id).Scan(&referenced); err != nil {
			return err
		}
		if referenced {
			return ErrReferenced
		}
		tag, err := tx.Exec(ctx, `DELETE FROM system_policies WHERE id = $1`, id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return ErrReferenced
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrReferenced) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("rules: delete policy: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TablePolicies, Op: OpDelete, ID: id.String()})
	return nil
}

// InsertConflict implements Writer. A partial unique index on
// (pair_low, pair_high) WHERE NOT is_resolved keeps one open conflict per pair.
func (s *PostgresStore) InsertConflict(ctx context.Context, c Conflict) (Conflict, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	low, high := c.PrimaryPolicyID, c.ConflictingPolicyID
	if high.String() < low.String() {
		low, high = high, low
	}
	stored, err := scanConflict(s.pool.QueryRow(ctx, `INSERT INTO policy_conflicts
    (id, conflict_type, primary_policy_id, conflicting_policy_id, pair_low, pair_high, severity,
     description, is_resolved, resolution_notes, resolved_by, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, '', '', NOW())
ON CONFLICT (pair_low, pair_high) WHERE NOT is_resolved DO NOTHING
RETURNING `+conflictColumns,
		c.ID, string(c.Type), c.PrimaryPolicyID, c.ConflictingPolicyID, low, high, string(c.Severity), c.Description))
	if err == nil {
		s.notify(ctx, ChangeEvent{Table: TableConflicts, Op: OpInsert, ID: stored.ID.String()})
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conflict{}, false, fmt.Errorf("rules: insert conflict: %w", err)
	}
	existing, err := scanConflict(s.pool.QueryRow(ctx, `SELECT `+conflictColumns+`
FROM policy_conflicts WHERE pair_low = $1 AND pair_high = $2 AND NOT is_resolved`, low, high))
	if err != nil {
		return Conflict{}, false, fmt.Errorf("rules: load existing conflict: %w", err)
	}
	return existing, false, nil
}

// ResolveConflict implements Writer.
func (s *PostgresStore) ResolveConflict(ctx context.Context, id uuid.UUID, notes, resolvedBy string) (Conflict, error) {
	c, err := scanConflict(s.pool.QueryRow(ctx, `UPDATE policy_conflicts
SET is_resolved = TRUE, resolution_notes = $2, resolved_by = $3, resolved_at = NOW()
WHERE id = $1
RETURNING `+conflictColumns, id, notes, resolvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conflict{}, ErrNotFound
		}
		return Conflict{}, fmt.Errorf("rules: resolve conflict: %w", err)
	}
	s.notify(ctx, ChangeEvent{Table: TableConflicts, Op: OpUpdate, ID: id.String()})
	return c, nil
}

func (s *PostgresStore) notify(ctx context.Context, ev ChangeEvent) {
	if s.notifier == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("rules notify", slog.String("table", string(ev.Table)), slog.Any("error", err))
	}
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var p Policy
	var category string
	var value []byte
	var tenant *string
	if err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Description, &category, &p.IsActive, &value,
		&p.AffectedModules, &p.RequiredRoles, &p.Priority, &p.EffectiveFrom, &p.EffectiveUntil,
		&tenant, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Policy{}, err
	}
	p.Category = Category(category)
	p.Value = value
	if tenant != nil {
		p.TenantID = *tenant
	}
	return p, nil
}

func scanConflict(row pgx.Row) (Conflict, error) {
	var c Conflict
	var kind, severity string
	if err := row.Scan(&c.ID, &kind, &c.PrimaryPolicyID, &c.ConflictingPolicyID, &severity, &c.Description,
		&c.IsResolved, &c.ResolutionNotes, &c.ResolvedBy, &c.ResolvedAt, &c.DetectedAt); err != nil {
		return Conflict{}, err
	}
	c.Type = ConflictType(kind)
	c.Severity = Severity(severity)
	return c, nil
}
