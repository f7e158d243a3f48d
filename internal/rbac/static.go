package rbac

import (
	"github.com/odyssey-erp/odyssey-hr/internal/access"
)

// StaticPolicy is the compiled fallback table consulted when no stored rule
// decided. It keeps UI guards continuous while rule data is incomplete and is
// never meant to carry security-critical grants.
type StaticPolicy struct {
	// ByRole lists actions a role may perform on any module.
	ByRole map[access.Role][]string
	// ByModule lists actions per module and role.
	ByModule map[string]map[access.Role][]string
}

// DefaultStaticPolicy is the built-in fallback table.
func DefaultStaticPolicy() StaticPolicy {
	return StaticPolicy{
		ByRole: map[access.Role][]string{
			access.RoleAdmin:   {"read"},
			access.RoleHRAdmin: {"read"},
		},
		ByModule: map[string]map[access.Role][]string{
			"timetracking": {
				access.RoleEmployee: {"read", "clock_in", "clock_out"},
				access.RoleTeamLead: {"read", "clock_in", "clock_out"},
			},
			"absence": {
				access.RoleEmployee: {"read", "create"},
				access.RoleTeamLead: {"read", "create"},
			},
			"documents": {
				access.RoleEmployee: {"read"},
				access.RoleTeamLead: {"read"},
			},
			"employees": {
				access.RoleTeamLead: {"read"},
			},
		},
	}
}

// Allows reports whether the table grants action on module to role. Keys are
// compared in normalized form.
func (p StaticPolicy) Allows(role access.Role, module, action string) bool {
	module = access.NormalizeModule(module)
	action = access.NormalizeAction(action)
	if containsAction(p.ByRole[role], action) {
		return true
	}
	for key, byRole := range p.ByModule {
		if access.NormalizeModule(key) != module {
			continue
		}
		if containsAction(byRole[role], action) {
			return true
		}
	}
	return false
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if access.NormalizeAction(a) == action {
			return true
		}
	}
	return false
}
