package security

import "net/http"

// SetSecurityHeaders sets security headers on authentication responses.
// These headers protect the auth endpoints against clickjacking, MIME
// sniffing, and caching of session material.
func SetSecurityHeaders(w http.ResponseWriter) {
	// X-Frame-Options: Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// X-Content-Type-Options: Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Referrer-Policy: Don't leak referrer information
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Cache-Control: Prevent caching of responses that may carry identity
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
