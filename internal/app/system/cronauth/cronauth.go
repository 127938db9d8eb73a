// Package cronauth gates the cron-trigger endpoints behind a shared secret.
// The external scheduler sends the secret in the X-Cron-Secret header; once
// it matches, the endpoint runs unconditionally.
package cronauth

import (
	"crypto/subtle"
	"net/http"
)

// Header carries the scheduler's shared secret.
const Header = "X-Cron-Secret"

// Require rejects requests whose X-Cron-Secret header does not match the
// configured secret. An empty configured secret disables the cron endpoints
// entirely rather than leaving them open.
func Require(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "cron endpoints are not configured", http.StatusForbidden)
				return
			}
			got := r.Header.Get(Header)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "invalid cron secret", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
