package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/deepr-dev/deepr/internal/config"
)

// APIKeyAuth enforces the configured API keys. Requests carry the key either
// as "Authorization: Bearer <key>" or "X-Api-Key: <key>". An empty key list
// disables the check, which is only acceptable in dev.
func APIKeyAuth(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.AuthEnabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				key = r.Header.Get("X-Api-Key")
			}
			if !keyAllowed(cfg.APIKeys, key) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="deepr"`)
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{
					Error: apiError{Code: "UNAUTHENTICATED", Message: "missing or invalid API key"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func keyAllowed(keys []string, candidate string) bool {
	if candidate == "" {
		return false
	}
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(candidate)) == 1 {
			ok = true
		}
	}
	return ok
}
