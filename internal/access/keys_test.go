package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRoleAliases(t *testing.T) {
	cases := map[string]Role{
		"hr_manager":     RoleHRAdmin,
		"hr-manager":     RoleHRAdmin,
		"HR Manager":     RoleHRAdmin,
		"Personalleiter": RoleHRAdmin,
		"teamleiter":     RoleTeamLead,
		"Team-Lead":      RoleTeamLead,
		"manager":        RoleTeamLead,
		"super_admin":    RoleSuperAdmin,
		"OWNER":          RoleSuperAdmin,
		"billing-admin":  RoleAdmin,
		"hr-admin-ops":   RoleEmployee,
		"intern":         RoleEmployee,
		"":               RoleEmployee,
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizeRole(raw), raw)
	}
}

func TestNormalizationIsIdempotent(t *testing.T) {
	for _, role := range Roles() {
		require.Equal(t, role, NormalizeRole(string(role)))
		require.Equal(t, role, NormalizeRole(string(NormalizeRole(string(role)))))
	}
	for _, module := range Modules() {
		require.Equal(t, module, NormalizeModule(module))
	}
	for _, raw := range []string{"Absences", "time-tracking", "business trips", "docs", "unknown.module"} {
		once := NormalizeModule(raw)
		require.Equal(t, once, NormalizeModule(once), raw)
	}
	require.Equal(t, NormalizeAction("view"), NormalizeAction(NormalizeAction("view")))
}

func TestNormalizeModuleAndAction(t *testing.T) {
	require.Equal(t, "absence", NormalizeModule("Absences"))
	require.Equal(t, "timetracking", NormalizeModule("time-tracking"))
	require.Equal(t, "travel", NormalizeModule("Business Trips"))
	require.Equal(t, ModuleWildcard, NormalizeModule("*"))
	require.True(t, KnownModule("docs"))
	require.False(t, KnownModule("crm"))

	require.Equal(t, "read", NormalizeAction("View"))
	require.Equal(t, "update", NormalizeAction("edit"))
	require.Equal(t, "delete", NormalizeAction("remove"))
	require.Equal(t, "create", NormalizeAction("new"))
	require.Equal(t, "approve_request", NormalizeAction("Approve-Request"))
	require.Equal(t, DefaultScope, NormalizeScope(""))
}

func TestParseRoleRejectsUnknown(t *testing.T) {
	role, ok := ParseRole("Teamleiter")
	require.True(t, ok)
	require.Equal(t, RoleTeamLead, role)

	_, ok = ParseRole("intern")
	require.False(t, ok)
}
