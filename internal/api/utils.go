package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr
	if r.RemoteAddr != "" {
		// RemoteAddr is in format "IP:port", extract just IP
		if colonIdx := strings.LastIndex(r.RemoteAddr, ":"); colonIdx != -1 {
			return r.RemoteAddr[:colonIdx]
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID extracts or generates a request ID from the request. Every
// caller of this package (audit.LogAccess, TranslateStatus/TranslateError,
// the JSON error body written by writeError) treats the result as the
// correlation id a client can quote back when reporting an encrypt or
// decrypt failure, so it must never be empty: a caller that didn't set
// X-Request-ID still gets a usable one rather than a blank audit record.
func getRequestID(r *http.Request) string {
	if rid := r.Header.Get("X-Request-ID"); rid != "" {
		return rid
	}
	return uuid.New().String()
}
