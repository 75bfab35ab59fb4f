package middleware

import (
	"context"
	"net/http"

	"github.com/porterhq/dispatch/internal/pkg/ulid"
)

// Correlation attaches a correlation id to every request, generating one
// when the caller did not supply it. The id propagates to logs, events,
// and downstream calls.
func Correlation() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(HeaderCorrelationID)
			if correlationID == "" {
				correlationID = ulid.New()
			}
			w.Header().Set(HeaderCorrelationID, correlationID)

			ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID retrieves the correlation id from context.
func GetCorrelationID(ctx context.Context) string {
	if v := ctx.Value(CorrelationIDKey); v != nil {
		return v.(string)
	}
	return ""
}
