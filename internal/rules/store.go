package rules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rules: not found")
	// ErrDuplicateKey indicates a unique key collision, e.g. a policy key.
	ErrDuplicateKey = errors.New("rules: duplicate key")
	// ErrReferenced indicates the record is still referenced by an unresolved conflict.
	ErrReferenced = errors.New("rules: referenced by unresolved conflict")
)

// Reader is the read side of the rule store. Empty results are not errors.
type Reader interface {
	MatrixForRole(ctx context.Context, role string) ([]MatrixEntry, error)
	OverridesForUser(ctx context.Context, userID string, now time.Time) ([]UserOverride, error)
	RolePermissions(ctx context.Context, role string) ([]RolePermission, error)
	ActivePolicies(ctx context.Context) ([]Policy, error)
	UnresolvedConflicts(ctx context.Context) ([]Conflict, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (Policy, error)
}

// Writer is the write side of the rule store.
type Writer interface {
	UpsertMatrixEntry(ctx context.Context, entry MatrixEntry) error
	UpsertOverride(ctx context.Context, override UserOverride) (UserOverride, error)
	DeleteOverride(ctx context.Context, id uuid.UUID) error
	UpsertRolePermission(ctx context.Context, perm RolePermission) error
	UpsertPolicy(ctx context.Context, policy Policy) (Policy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	// InsertConflict records the conflict unless an unresolved conflict for the
	// same unordered pair exists; created reports whether a row was written.
	InsertConflict(ctx context.Context, conflict Conflict) (stored Conflict, created bool, err error)
	ResolveConflict(ctx context.Context, id uuid.UUID, notes, resolvedBy string) (Conflict, error)
}

// Store combines both sides.
type Store interface {
	Reader
	Writer
}

// AssignmentSource looks up an actor's raw base role inside a tenant.
type AssignmentSource interface {
	BaseRole(ctx context.Context, actorID, tenantID string) (string, error)
}

// Table names a rule table in change notifications.
type Table string

const (
	TableMatrix          Table = "permission_matrix"
	TableOverrides       Table = "user_permission_overrides"
	TableRolePermissions Table = "role_permissions"
	TablePolicies        Table = "system_policies"
	TableConflicts       Table = "policy_conflicts"
)

// ChangeOp is the kind of write that triggered a notification.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent announces a write to one of the rule tables.
type ChangeEvent struct {
	Table Table    `json:"table"`
	Op    ChangeOp `json:"op"`
	ID    string   `json:"id,omitempty"`
	// UserID is set for override changes so that only that actor is refreshed.
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Watcher delivers change events until ctx is cancelled, then closes the channel.
type Watcher interface {
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}

// Notifier publishes change events after successful writes.
type Notifier interface {
	Notify(ctx context.Context, event ChangeEvent) error
}
