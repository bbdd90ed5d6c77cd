package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP determines the client address for rate limiting and audit
// logging.
//
// With trustProxy off, the connection's remote address is authoritative.
// With it on, X-Forwarded-For is consulted first, then X-Real-IP. Only
// enable trustProxy behind a reverse proxy you control: the headers are
// attacker-settable otherwise. trustedProxyCount says how many proxies
// appended entries to X-Forwarded-For, counted from the right; the client
// address is the entry just left of those.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client entry out of an
// X-Forwarded-For list of the form "client, proxy-n, ..., proxy-1".
// Entries appended by untrusted hops sit left of the trusted ones, so
// counting trustedProxyCount entries from the right and taking the next
// one is the only spoof-resistant choice.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}

	idx := len(entries) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	return parseIP(strings.TrimSpace(entries[idx]))
}

// parseIP returns the input if it is a well-formed IP address, else ""
func parseIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}
