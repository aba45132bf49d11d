package security

import (
	"net"
	"net/http"
	"strings"

	"github.com/mocksmith/mocksmith/internal/util"
)

// GetClientIP extracts the client IP address from the request for rate
// limiting and audit logging.
//
// SECURITY: Only enable trustProxy when behind a trusted reverse proxy.
// With trustProxy enabled, the X-Forwarded-For chain is walked left to
// right and the first publicly routable address wins; private and
// link-local entries are proxy infrastructure, not the client. Without
// trustProxy the connection's RemoteAddr is authoritative, since
// forwarded headers are trivially spoofable on direct connections.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := firstPublicIP(xff); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// firstPublicIP returns the first public address in a forwarded-for
// chain, falling back to the first parseable address when the whole
// chain is internal.
func firstPublicIP(xff string) string {
	fallback := ""
	for _, entry := range strings.Split(xff, ",") {
		candidate := strings.TrimSpace(entry)
		ip := net.ParseIP(candidate)
		if ip == nil {
			continue
		}
		if util.ClassifyIP(ip) == util.IPClassificationPublic {
			return candidate
		}
		if fallback == "" {
			fallback = candidate
		}
	}
	return fallback
}
