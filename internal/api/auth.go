package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/micro-nova/dspd/internal/models"
)

const apiKeyParam = "api-key"

// keyMiddleware requires the api-key header or query parameter to match key.
// With an empty key every request passes.
func keyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyParam)
			if got == "" {
				got = r.URL.Query().Get(apiKeyParam)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, &models.AppError{Code: "UNAUTHORIZED", Message: "missing or invalid api key", Status: http.StatusUnauthorized})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
