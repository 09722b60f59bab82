package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

const TokenHeader = "X-Updater-Token"

// RequireToken rejects requests whose X-Updater-Token does not match token.
// An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// compare digests so the length of the secret does not leak either
			got := sha256.Sum256([]byte(r.Header.Get(TokenHeader)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
