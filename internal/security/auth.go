package security

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// The scheme is matched case-insensitively and surrounding spaces are trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// RequestToken returns the bearer token from the Authorization header,
// falling back to the "token" query parameter. Browsers cannot set headers
// on a WebSocket handshake, so the query form is accepted there.
func RequestToken(r *http.Request) (token string, fromQuery bool) {
	if token = ExtractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token, false
	}
	token = r.URL.Query().Get("token")
	return token, token != ""
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(remoteAddr, "["), "]")
}
