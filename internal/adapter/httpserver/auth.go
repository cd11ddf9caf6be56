package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/cloudsketch/diagen/internal/domain"
)

type subjectKey struct{}

// SubjectFrom extracts the authenticated subject placed by Authenticate.
func SubjectFrom(r *http.Request) (domain.Subject, bool) {
	s, ok := r.Context().Value(subjectKey{}).(domain.Subject)
	return s, ok
}

// Authenticate resolves the bearer token to a subject. The token maps to a
// tier via the configured key table; tokens not listed get the default tier.
// The subject key is a digest of the token, so logs and job rows never carry
// the credential itself.
func Authenticate(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHORIZED",
					Message: "missing bearer token",
				}})
				return
			}
			tier := domain.TierT0
			if t, listed := keys[token]; listed {
				if parsed := domain.Tier(strings.ToLower(t)); parsed.Valid() {
					tier = parsed
				}
			}
			sum := sha256.Sum256([]byte(token))
			subject := domain.Subject{
				Key:  hex.EncodeToString(sum[:8]),
				Tier: tier,
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
