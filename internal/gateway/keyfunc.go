package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/signalpost/ratewatch/internal/endpoint"
)

// KeyFunc derives the rate-limit discriminator from a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys the quota by client address, honoring the first
// X-Forwarded-For hop when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BasicAuthUser keys the quota by the basic-auth identity, falling back to
// the client address for anonymous requests. Used for activation-style
// scopes where the account, not the caller's network, is the target.
func BasicAuthUser(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return ClientIP(r)
}

// EndpointLabel keys the quota by the normalized endpoint itself, for
// global per-endpoint limits.
func EndpointLabel(n *endpoint.Normalizer) KeyFunc {
	return func(r *http.Request) string {
		return n.Label(r.Method, r.URL.Path)
	}
}
