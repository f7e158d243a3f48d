package enforce

import (
	"fmt"
	"sort"
)

// Guard names a single question a caller asks, e.g. "may approve absence".
// FallbackAllowed is the answer used when the actor or the rule store cannot
// be established.
type Guard struct {
	Name            string `json:"name"`
	Module          string `json:"module"`
	Action          string `json:"action"`
	Scope           string `json:"scope,omitempty"`
	FallbackAllowed bool   `json:"fallback_allowed"`
}

// Built-in guard names.
const (
	GuardApproveAbsence = "approve_absence"
	GuardRejectAbsence  = "reject_absence"
	GuardRequestAbsence = "request_absence"
	GuardClockIn        = "clock_in"
	GuardClockOut       = "clock_out"
	GuardUploadDocument = "upload_document"
	GuardDeleteDocument = "delete_document"
	GuardDeleteEmployee = "delete_employee"
	GuardEditPayroll    = "edit_payroll"
	GuardApproveTrip    = "approve_trip"
	GuardManagePolicies = "manage_policies"
)

// DefaultGuards returns the built-in guards. Destructive and approval guards
// fall back to deny; routine self-service guards fall back to allow.
func DefaultGuards() map[string]Guard {
	list := []Guard{
		{Name: GuardApproveAbsence, Module: "absence", Action: "approve"},
		{Name: GuardRejectAbsence, Module: "absence", Action: "reject"},
		{Name: GuardRequestAbsence, Module: "absence", Action: "create", FallbackAllowed: true},
		{Name: GuardClockIn, Module: "timetracking", Action: "clock_in", FallbackAllowed: true},
		{Name: GuardClockOut, Module: "timetracking", Action: "clock_out", FallbackAllowed: true},
		{Name: GuardUploadDocument, Module: "documents", Action: "create", FallbackAllowed: true},
		{Name: GuardDeleteDocument, Module: "documents", Action: "delete"},
		{Name: GuardDeleteEmployee, Module: "employees", Action: "delete", Scope: "all"},
		{Name: GuardEditPayroll, Module: "payroll", Action: "update", Scope: "all"},
		{Name: GuardApproveTrip, Module: "travel", Action: "approve"},
		{Name: GuardManagePolicies, Module: "settings", Action: "manage_policies", Scope: "all"},
	}
	out := make(map[string]Guard, len(list))
	for _, g := range list {
		out[g.Name] = g
	}
	return out
}

// ApplyFallbacks overrides FallbackAllowed per guard name. Unknown names are
// an error so that a typo in configuration does not go unnoticed.
func ApplyFallbacks(guards map[string]Guard, fallbacks map[string]bool) error {
	var unknown []string
	for name, allowed := range fallbacks {
		g, ok := guards[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		g.FallbackAllowed = allowed
		guards[name] = g
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("enforce: unknown guards in fallbacks: %v", unknown)
	}
	return nil
}
