// Package auth protects the settings endpoints with an admin key and rate
// limits clients of the gateway.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar holds the admin key when the config does not set one.
const DefaultEnvVar = "PERSONAGW_ADMIN_KEY"

// ValidateKey compares provided against expected in constant time. An empty
// expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads DefaultEnvVar.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}

// KeyFromRequest returns the bearer token or the X-API-Key header.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}
