package meta

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest collects the metadata of an incoming websocket request.
// The client IP honours X-Forwarded-For and X-Real-IP.
func FromRequest(r *http.Request, connectionID string) *Metadata {
	m := New()
	m.Set(KeyIP, ClientIP(r))
	m.Set(KeyConnectionID, connectionID)
	m.Set(KeyUserAgent, r.UserAgent())
	if origin := r.Header.Get("Origin"); origin != "" {
		m.Set(KeyOrigin, origin)
	}
	return m
}

// ClientIP returns the best guess at the remote address of r.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
