// Package policy evaluates system-wide business rules on top of static
// authorization and manages their lifecycle.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
)

// Kind selects the predicate a Rule applies to the action context.
type Kind string

const (
	KindSelfApproval  Kind = "self_approval"
	KindRequireFlag   Kind = "require_flag"
	KindRequireMFA    Kind = "require_mfa"
	KindDenyFlag      Kind = "deny_flag"
	KindDenyValue     Kind = "deny_value"
	KindMaxCount      Kind = "max_count"
	KindRequireFields Kind = "require_fields"
	KindForbidFields  Kind = "forbid_fields"
)

// Context keys read by the built-in kinds.
const (
	ContextActorID     = "actor_id"
	ContextSubjectUser = "subject_user_id"
	ContextMFAVerified = "mfa_verified"
)

// Rule is the typed form of a policy value.
type Rule struct {
	Kind    Kind     `json:"kind" validate:"required,oneof=self_approval require_flag require_mfa deny_flag deny_value max_count require_fields forbid_fields"`
	Actions []string `json:"actions,omitempty" validate:"omitempty,dive,required"`
	Field   string   `json:"field,omitempty" validate:"omitempty,max=120"`
	Fields  []string `json:"fields,omitempty" validate:"omitempty,dive,required,max=120"`
	Equals  any      `json:"equals,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Effects []string `json:"effects,omitempty" validate:"omitempty,dive,required"`
	Message string   `json:"message,omitempty" validate:"max=500"`
}

// ParseRule decodes and validates a policy value. Unknown JSON fields are
// rejected.
func ParseRule(raw json.RawMessage, v *validator.Validate) (Rule, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Rule{}, fmt.Errorf("%w: value is required", ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var rule Rule
	if err := dec.Decode(&rule); err != nil {
		return Rule{}, fmt.Errorf("%w: value: %v", ErrValidation, err)
	}
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(rule); err != nil {
		return Rule{}, fmt.Errorf("%w: value: %v", ErrValidation, err)
	}
	if err := rule.check(); err != nil {
		return Rule{}, fmt.Errorf("%w: value: %v", ErrValidation, err)
	}
	rule.normalize()
	return rule, nil
}

func (r Rule) check() error {
	switch r.Kind {
	case KindRequireFlag, KindDenyFlag:
		if r.Field == "" {
			return fmt.Errorf("%s needs field", r.Kind)
		}
	case KindDenyValue:
		if r.Field == "" || r.Equals == nil {
			return fmt.Errorf("deny_value needs field and equals")
		}
	case KindMaxCount:
		if r.Field == "" || r.Max == nil {
			return fmt.Errorf("max_count needs field and max")
		}
		if *r.Max < 0 || math.IsNaN(*r.Max) {
			return fmt.Errorf("max_count max must be non-negative")
		}
	case KindRequireFields, KindForbidFields:
		if len(r.Fields) == 0 {
			return fmt.Errorf("%s needs fields", r.Kind)
		}
	}
	return nil
}

func (r *Rule) normalize() {
	for i, a := range r.Actions {
		r.Actions[i] = access.NormalizeAction(a)
	}
	r.Field = strings.TrimSpace(r.Field)
	if n, ok := r.Equals.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			r.Equals = f
		}
	}
}

// AppliesTo reports whether the rule's action filter admits action. An empty
// filter admits every action.
func (r Rule) AppliesTo(action string) bool {
	if len(r.Actions) == 0 {
		return true
	}
	action = access.NormalizeAction(action)
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Blocks evaluates the rule against the action context. reason is set when
// the rule blocks.
func (r Rule) Blocks(input map[string]any) (blocked bool, reason string) {
	switch r.Kind {
	case KindSelfApproval:
		field := r.subjectField()
		actor, subject := asString(input[ContextActorID]), asString(input[field])
		if actor != "" && actor == subject {
			return true, r.reason("self-approval is not permitted")
		}
	case KindRequireFlag:
		if !isTrue(input[r.Field]) {
			return true, r.reason(fmt.Sprintf("%s must be confirmed", r.Field))
		}
	case KindRequireMFA:
		if !isTrue(input[ContextMFAVerified]) {
			return true, r.reason("multi-factor authentication is required")
		}
	case KindDenyFlag:
		if isTrue(input[r.Field]) {
			return true, r.reason(fmt.Sprintf("%s is not permitted", r.Field))
		}
	case KindDenyValue:
		if v, ok := input[r.Field]; ok && sameValue(v, r.Equals) {
			return true, r.reason(fmt.Sprintf("%s must not be %v", r.Field, r.Equals))
		}
	case KindMaxCount:
		if n, ok := asNumber(input[r.Field]); ok && n >= *r.Max {
			return true, r.reason(fmt.Sprintf("limit of %v for %s reached", *r.Max, r.Field))
		}
	case KindRequireFields:
		for _, f := range r.Fields {
			if isEmpty(input[f]) {
				return true, r.reason(fmt.Sprintf("%s is required", f))
			}
		}
	case KindForbidFields:
		for _, f := range r.Fields {
			if !isEmpty(input[f]) {
				return true, r.reason(fmt.Sprintf("%s is not allowed", f))
			}
		}
	}
	return false, ""
}

// Preconditions lists the context fields the rule requires to be established
// before the action may proceed.
func (r Rule) Preconditions() []string {
	switch r.Kind {
	case KindRequireFlag:
		return []string{r.Field}
	case KindRequireMFA:
		return []string{ContextMFAVerified}
	case KindRequireFields:
		return append([]string(nil), r.Fields...)
	}
	return nil
}

// Subjects lists the context fields the predicate reads.
func (r Rule) Subjects() []string {
	switch r.Kind {
	case KindSelfApproval:
		return []string{ContextActorID, r.subjectField()}
	case KindRequireMFA:
		return []string{ContextMFAVerified}
	case KindRequireFields, KindForbidFields:
		return append([]string(nil), r.Fields...)
	}
	return []string{r.Field}
}

// Structural reports whether the rule is a field-presence rule.
func (r Rule) Structural() bool {
	return r.Kind == KindRequireFields || r.Kind == KindForbidFields
}

func (r Rule) subjectField() string {
	if r.Field != "" {
		return r.Field
	}
	return ContextSubjectUser
}

func (r Rule) reason(fallback string) string {
	if r.Message != "" {
		return r.Message
	}
	return fallback
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameValue(a, b any) bool {
	if x, ok := asNumber(a); ok {
		y, ok := asNumber(b)
		return ok && x == y
	}
	if _, ok := asNumber(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}
