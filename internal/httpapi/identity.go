package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// ClientIdentity returns the caller's IP as reported by the fronting proxy: the first
// X-Forwarded-For entry, else X-Real-IP. With trustRemoteAddr it falls back to the
// connection address. An empty result means the identity is undetermined.
func ClientIdentity(r *http.Request, trustRemoteAddr bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if !trustRemoteAddr || r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
