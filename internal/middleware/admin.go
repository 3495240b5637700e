package middleware

import (
	"crypto/subtle"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminGuard пропускает только запросы доверенного бэкофиса с общим токеном.
// Сравнение токена выполняется за постоянное время.
func AdminGuard(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			got := r.Header.Get(adminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
