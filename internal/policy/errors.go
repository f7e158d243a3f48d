package policy

import "errors"

var (
	// ErrValidation wraps every write-time validation failure.
	ErrValidation = errors.New("policy: validation failed")
	// ErrPolicyReferenced is returned when deleting a policy that an
	// unresolved conflict still references.
	ErrPolicyReferenced = errors.New("policy: referenced by unresolved conflict")
	// ErrNotFound indicates the policy or conflict does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrDuplicateKey indicates another policy already uses the key.
	ErrDuplicateKey = errors.New("policy: duplicate key")
)
