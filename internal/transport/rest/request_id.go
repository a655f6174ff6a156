package rest

import (
	"net/http"

	"github.com/google/uuid"

	appCtx "github.com/meridianhq/relay/internal/pkg/context"
)

const (
	requestIDHeader = "X-Request-Id"

	// Inbound ids longer than this are replaced, not truncated.
	maxRequestIDLen = 64
)

// RequestID injects a request id into context and response header. A
// caller-supplied id is kept so operators can correlate across services.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		ctx := appCtx.WithRequestID(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
