// Package httputil holds request and response helpers shared by the API handlers and middleware.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client address from the request.
// Forwarding headers are only honoured when trustProxy is set; X-Forwarded-For
// wins over X-Real-IP and the first hop of the chain is used. Bracketed IPv6
// remote addresses are unwrapped.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
