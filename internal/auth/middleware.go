package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// RequireKey guards admin handlers. With an empty apiKey every request passes,
// matching a deployment that has not configured one. Failed attempts count
// against the client in limiter, if given, and a blocked client gets 429.
func RequireKey(apiKey string, limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r)
			if limiter != nil {
				if wait := limiter.Blocked(client); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
					writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
					return
				}
			}

			if !ValidateKey(KeyFromRequest(r), apiKey) {
				if limiter != nil {
					limiter.Failure(client)
				}
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			if limiter != nil {
				limiter.Success(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
