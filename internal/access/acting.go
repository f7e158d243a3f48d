// Package access holds the vocabulary shared by the authorization packages:
// canonical roles, module/action/scope key normalization and the acting
// context resolved once per request.
package access

// RoleSource records which layer of the role resolver produced the role.
type RoleSource string

const (
	SourcePreview       RoleSource = "preview"
	SourceImpersonation RoleSource = "impersonation"
	SourceAssignment    RoleSource = "assignment"
	SourceDefault       RoleSource = "default"
)

// ActingContext describes who is acting, as which role and in which tenant.
type ActingContext struct {
	RealActor          string
	HomeTenant         string
	Tenant             string
	Role               Role
	PreviewActive      bool
	ImpersonatedTenant string
	Source             RoleSource
}

// Impersonating reports whether the actor works inside another tenant's scope.
func (a ActingContext) Impersonating() bool {
	return a.ImpersonatedTenant != ""
}

// Anonymous reports whether no actor identity could be established.
func (a ActingContext) Anonymous() bool {
	return a.RealActor == ""
}
