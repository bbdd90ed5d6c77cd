package security

import (
	"net/http"
	"net/url"
	"strings"
)

// SetSecurityHeaders applies the response headers expected on every OAuth
// endpoint. Responses carry credentials or error details, so framing,
// sniffing, caching, and referrer leakage are all shut off. HSTS is added
// only when the server itself is reachable over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")

	// OAuth endpoints serve JSON and redirects only, no subresources
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if isHTTPS(serverURL) {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

func isHTTPS(serverURL string) bool {
	parsed, err := url.Parse(serverURL)
	return err == nil && strings.EqualFold(parsed.Scheme, "https")
}
