package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/meridianhq/relay/internal/security"
)

// AccessTokenVerifier is implemented by security.HS256Verifier.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (security.TokenClaims, error)
}

type ctxKeyClaims struct{}

func withClaims(ctx context.Context, c security.TokenClaims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims{}, c)
}

func GetClaims(ctx context.Context) (security.TokenClaims, bool) {
	c, ok := ctx.Value(ctxKeyClaims{}).(security.TokenClaims)
	return c, ok
}

func AuthMiddleware(verifier AccessTokenVerifier) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("AuthMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			if h == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			raw := strings.TrimSpace(parts[1])
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
