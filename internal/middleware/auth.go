package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/pkg/response"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PrincipalKey is the context key for the validated principal.
	PrincipalKey contextKey = "principal"
	// CorrelationIDKey is the context key for the request correlation id.
	CorrelationIDKey contextKey = "correlation_id"
)

// Headers set by the auth gateway in front of the core. Credentials are
// verified there; the core only reads the validated identity.
const (
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Principal extracts the validated principal from the gateway headers and
// rejects requests that carry none.
func Principal() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			role := models.Role(r.Header.Get(HeaderUserRole))
			if !role.Valid() {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}

			principal := &models.Principal{UserID: userID, Role: role}
			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the principal from context, or nil.
func GetPrincipal(ctx context.Context) *models.Principal {
	if v := ctx.Value(PrincipalKey); v != nil {
		return v.(*models.Principal)
	}
	return nil
}

// RequireRole rejects requests whose principal has none of the given roles.
// Admin roles pass every check.
func RequireRole(roles ...models.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			if principal.Role.Admin() {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if principal.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, apierrors.ErrForbidden)
		})
	}
}

// RequireAdmin rejects requests from non-admin principals.
func RequireAdmin() func(next http.Handler) http.Handler {
	return RequireRole()
}
