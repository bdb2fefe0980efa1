package observability

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPMiddleware resolves the caller address once per request. With
// trustedHops > 0 it takes the X-Forwarded-For entry appended by the
// outermost trusted proxy, counting from the right; entries to its left are
// client supplied and ignored. With zero hops the header is not consulted.
func ClientIPMiddleware(trustedHops int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, trustedHops)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
	})
}

// ClientIP returns the address stored by ClientIPMiddleware, or the socket
// peer when the request did not pass through it.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func resolveClientIP(r *http.Request, trustedHops int) string {
	if trustedHops <= 0 {
		return remoteHost(r)
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				hops = append(hops, ip)
			}
		}
	}
	if len(hops) == 0 {
		return remoteHost(r)
	}

	idx := len(hops) - trustedHops
	if idx < 0 {
		idx = 0
	}
	return hops[idx]
}

func remoteHost(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
