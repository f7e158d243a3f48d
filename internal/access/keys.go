package access

import (
	"strings"

	"golang.org/x/text/cases"
)

// Role is one of the canonical platform roles.
type Role string

const (
	RoleSuperAdmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleHRAdmin    Role = "hr_admin"
	RoleTeamLead   Role = "team_lead"
	RoleEmployee   Role = "employee"
)

// Roles lists the canonical roles from most to least privileged.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleHRAdmin, RoleTeamLead, RoleEmployee}
}

// Valid reports whether r is a canonical role.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleHRAdmin, RoleTeamLead, RoleEmployee:
		return true
	}
	return false
}

// Privileged reports whether the role may operate role previews.
func (r Role) Privileged() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// Rank orders roles by privilege, zero being the most privileged. Unknown
// roles rank below employee.
func (r Role) Rank() int {
	for i, role := range Roles() {
		if role == r {
			return i
		}
	}
	return len(Roles())
}

func (r Role) String() string { return string(r) }

// DefaultScope is applied when callers do not pass a scope.
const DefaultScope = "own"

// ModuleWildcard matches every module in policy records.
const ModuleWildcard = "*"

var roleAliases = map[string]Role{
	"superadmin":        RoleSuperAdmin,
	"super_admin":       RoleSuperAdmin,
	"super_user":        RoleSuperAdmin,
	"superuser":         RoleSuperAdmin,
	"owner":             RoleSuperAdmin,
	"system_admin":      RoleSuperAdmin,
	"admin":             RoleAdmin,
	"administrator":     RoleAdmin,
	"tenant_admin":      RoleAdmin,
	"company_admin":     RoleAdmin,
	"hr_admin":          RoleHRAdmin,
	"hradmin":           RoleHRAdmin,
	"hr":                RoleHRAdmin,
	"hr_manager":        RoleHRAdmin,
	"hr_lead":           RoleHRAdmin,
	"hr_administrator":  RoleHRAdmin,
	"personalleiter":    RoleHRAdmin,
	"personalabteilung": RoleHRAdmin,
	"team_lead":         RoleTeamLead,
	"teamlead":          RoleTeamLead,
	"team_leader":       RoleTeamLead,
	"teamleiter":        RoleTeamLead,
	"teamleitung":       RoleTeamLead,
	"manager":           RoleTeamLead,
	"supervisor":        RoleTeamLead,
	"abteilungsleiter":  RoleTeamLead,
	"employee":          RoleEmployee,
	"mitarbeiter":       RoleEmployee,
	"staff":             RoleEmployee,
	"user":              RoleEmployee,
	"member":            RoleEmployee,
}

// NormalizeRole maps an arbitrary raw role string onto the canonical set.
// Unknown input maps to RoleEmployee.
func NormalizeRole(raw string) Role {
	key := foldKey(raw)
	if key == "" {
		return RoleEmployee
	}
	if role, ok := roleAliases[key]; ok {
		return role
	}
	compact := strings.ReplaceAll(key, "_", "")
	if role, ok := roleAliases[compact]; ok {
		return role
	}
	if strings.Contains(key, "admin") && !strings.Contains(key, "hr") {
		return RoleAdmin
	}
	return RoleEmployee
}

// ParseRole is NormalizeRole without the employee fallback: ok is false when
// raw matches no alias. Write paths use it to reject unknown roles.
func ParseRole(raw string) (Role, bool) {
	key := foldKey(raw)
	if role, ok := roleAliases[key]; ok {
		return role, true
	}
	role, ok := roleAliases[strings.ReplaceAll(key, "_", "")]
	return role, ok
}

var moduleAliases = map[string]string{
	"employee":            "employees",
	"staff":               "employees",
	"personnel":           "employees",
	"mitarbeiter":         "employees",
	"absences":            "absence",
	"leave":               "absence",
	"leaves":              "absence",
	"vacation":            "absence",
	"abwesenheit":         "absence",
	"time_tracking":       "timetracking",
	"time":                "timetracking",
	"timesheet":           "timetracking",
	"timesheets":          "timetracking",
	"zeiterfassung":       "timetracking",
	"document":            "documents",
	"docs":                "documents",
	"dokumente":           "documents",
	"payrolls":            "payroll",
	"salary":              "payroll",
	"trips":               "travel",
	"business_trips":      "travel",
	"business_travel":     "travel",
	"reisen":              "travel",
	"recruitment":         "recruiting",
	"hiring":              "recruiting",
	"reviews":             "performance",
	"performance_reviews": "performance",
	"report":              "reports",
	"reporting":           "reports",
	"analytics":           "reports",
	"setting":             "settings",
	"admin_settings":      "settings",
	"org":                 "organization",
	"organisation":        "organization",
	"org_chart":           "organization",
}

var knownModules = map[string]struct{}{
	"employees":    {},
	"absence":      {},
	"timetracking": {},
	"documents":    {},
	"payroll":      {},
	"travel":       {},
	"recruiting":   {},
	"performance":  {},
	"reports":      {},
	"settings":     {},
	"security":     {},
	"organization": {},
}

// NormalizeModule folds a module key onto its canonical spelling. Unknown keys
// are returned folded but otherwise untouched.
func NormalizeModule(raw string) string {
	key := foldKey(raw)
	if key == ModuleWildcard {
		return key
	}
	if canonical, ok := moduleAliases[key]; ok {
		return canonical
	}
	return key
}

// KnownModule reports whether the normalized module key is part of the
// platform module registry.
func KnownModule(module string) bool {
	_, ok := knownModules[NormalizeModule(module)]
	return ok
}

// Modules returns the canonical module registry.
func Modules() []string {
	out := make([]string, 0, len(knownModules))
	for m := range knownModules {
		out = append(out, m)
	}
	return out
}

var actionAliases = map[string]string{
	"view":    "read",
	"show":    "read",
	"list":    "read",
	"get":     "read",
	"edit":    "update",
	"modify":  "update",
	"write":   "update",
	"remove":  "delete",
	"destroy": "delete",
	"add":     "create",
	"new":     "create",
	"insert":  "create",
}

// NormalizeAction folds action names so that "view"/"read" and "edit"/"update"
// compare equal.
func NormalizeAction(raw string) string {
	key := foldKey(raw)
	if canonical, ok := actionAliases[key]; ok {
		return canonical
	}
	return key
}

// NormalizeScope folds scope names; empty becomes DefaultScope.
func NormalizeScope(raw string) string {
	key := foldKey(raw)
	if key == "" {
		return DefaultScope
	}
	return key
}

func foldKey(raw string) string {
	// Casers carry state, so each call gets its own.
	s := strings.TrimSpace(cases.Fold().String(raw))
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.', '/':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
