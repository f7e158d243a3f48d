package authzhttp

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Identity headers set by the calling service.
const (
	HeaderActorID  = "X-Actor-ID"
	HeaderTenantID = "X-Tenant-ID"
)

// Identity copies the identity headers into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if actor == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := shared.ContextWithIdentity(r.Context(), shared.Identity{
			ActorID:  actor,
			TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorAuth accepts requests whose bearer token matches the bcrypt hash.
type OperatorAuth struct {
	hash []byte
}

// NewOperatorAuth constructs the authenticator from a bcrypt hash.
func NewOperatorAuth(hash string) (*OperatorAuth, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	return &OperatorAuth{hash: []byte(hash)}, nil
}

// Require rejects requests without a valid operator token.
func (a *OperatorAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r)
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authz"`)
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
