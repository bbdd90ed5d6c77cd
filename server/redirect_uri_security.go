package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/hydrantlabs/oauth-server/internal/util"
)

// RedirectURISecurityError carries the detailed rejection reason for operators
// while keeping the client-facing message generic.
type RedirectURISecurityError struct {
	// Category is the error category for logging and metrics
	Category string
	// URI is the offending redirect URI, sanitized for logging
	URI string
	// Reason is the internal reason, not returned to clients
	Reason string
	// ClientMessage is safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI rejection categories.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryLoopback        = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryDNSPrivateIP    = "dns_resolves_to_private_ip"
	RedirectURIErrorCategoryDNSLinkLocal    = "dns_resolves_to_link_local"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// ValidateRedirectURIForRegistration validates a redirect URI presented at
// client registration. It rejects dangerous schemes, fragments, private and
// link-local targets, and optionally hostnames that resolve to such targets.
// What counts as acceptable is controlled by the SSRF knobs on Config
// (ProductionMode, AllowPrivateIPRedirectURIs, AllowLinkLocalRedirectURIs,
// AllowLocalhostRedirectURIs, DNSValidation).
func (s *Server) ValidateRedirectURIForRegistration(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("URL parse error: %v", err),
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	// Fragments are prohibited in redirect URIs (RFC 6749 Section 3.1.2)
	if parsed.Fragment != "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains a fragment",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)

	// Blocked schemes are rejected regardless of configuration
	if err := s.validateSchemeNotBlocked(scheme); err != nil {
		return err
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(ctx, parsed)
	}

	// Custom schemes cover native apps (RFC 8252)
	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        err.Error(),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}

	return nil
}

// ValidateRedirectURIsForRegistration validates every URI in the slice and
// returns the first failure.
func (s *Server) ValidateRedirectURIsForRegistration(ctx context.Context, redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uri: at least one redirect URI is required")
	}

	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) validateSchemeNotBlocked(scheme string) error {
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if strings.EqualFold(scheme, blocked) {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryBlockedScheme,
				Reason:        fmt.Sprintf("scheme '%s' is in blocked list", scheme),
				ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme),
			}
		}
	}
	return nil
}

func (s *Server) validateHTTPRedirectURI(ctx context.Context, parsed *url.URL) error {
	scheme := strings.ToLower(parsed.Scheme)
	hostname := parsed.Hostname()

	// HTTP is acceptable for loopback targets (RFC 8252 Section 7.3)
	if isLoopbackAddress(hostname) {
		if !s.Config.AllowLocalhostRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLoopback,
				URI:           sanitizeURIForLogging(parsed.String()),
				Reason:        "loopback addresses disabled via AllowLocalhostRedirectURIs=false",
				ClientMessage: "redirect_uri: loopback addresses are not allowed",
			}
		}
		return nil
	}

	if s.Config.ProductionMode && scheme == SchemeHTTP {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "ProductionMode requires HTTPS for non-loopback URIs",
			ClientMessage: "redirect_uri: HTTPS is required in production (HTTP only allowed for localhost)",
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return s.validateIPTarget(ip, hostname)
	}

	if s.Config.DNSValidation {
		return s.validateHostnameWithDNS(ctx, hostname, parsed.String())
	}

	return nil
}

// validateIPTarget rejects IP-literal redirect targets that would let a
// registered client steer user agents at internal infrastructure.
func (s *Server) validateIPTarget(ip net.IP, hostname string) error {
	switch util.ClassifyIP(ip) {
	case util.IPClassificationUnspecified:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUnspecifiedAddr,
			Reason:        fmt.Sprintf("IP %s is unspecified", hostname),
			ClientMessage: "redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed",
		}
	case util.IPClassificationPrivate:
		if !s.Config.AllowPrivateIPRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryPrivateIP,
				Reason:        fmt.Sprintf("IP %s is in a private range", hostname),
				ClientMessage: "redirect_uri: private IP addresses are not allowed (SSRF protection)",
			}
		}
	case util.IPClassificationLinkLocal:
		// Link-local covers cloud metadata services like 169.254.169.254
		if !s.Config.AllowLinkLocalRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLinkLocal,
				Reason:        fmt.Sprintf("IP %s is link-local", hostname),
				ClientMessage: "redirect_uri: link-local addresses are not allowed (cloud SSRF protection)",
			}
		}
	}
	return nil
}

// validateHostnameWithDNS resolves the hostname and classifies every
// resolved address. Resolution failures are logged but do not block the
// registration; a transient DNS failure on a legitimate hostname should
// not reject the client.
func (s *Server) validateHostnameWithDNS(ctx context.Context, hostname, fullURI string) error {
	resolveCtx, cancel := context.WithTimeout(ctx, s.Config.DNSValidationTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(resolveCtx, "ip", hostname)
	if err != nil {
		s.Logger.Warn("DNS resolution failed during redirect URI validation",
			"hostname", hostname,
			"error", err,
			"action", "allowing_registration")
		return nil
	}

	for _, ip := range ips {
		switch util.ClassifyIP(ip) {
		case util.IPClassificationPrivate:
			if !s.Config.AllowPrivateIPRedirectURIs {
				return &RedirectURISecurityError{
					Category:      RedirectURIErrorCategoryDNSPrivateIP,
					URI:           sanitizeURIForLogging(fullURI),
					Reason:        fmt.Sprintf("hostname '%s' resolves to private IP %s", hostname, ip),
					ClientMessage: "redirect_uri: hostname resolves to private IP address (DNS rebinding protection)",
				}
			}
		case util.IPClassificationLinkLocal:
			if !s.Config.AllowLinkLocalRedirectURIs {
				return &RedirectURISecurityError{
					Category:      RedirectURIErrorCategoryDNSLinkLocal,
					URI:           sanitizeURIForLogging(fullURI),
					Reason:        fmt.Sprintf("hostname '%s' resolves to link-local IP %s", hostname, ip),
					ClientMessage: "redirect_uri: hostname resolves to link-local address (cloud SSRF protection)",
				}
			}
		}
	}

	return nil
}

// sanitizeURIForLogging strips query, fragment, and userinfo so URIs can be
// logged without leaking embedded credentials or tokens.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// IsRedirectURISecurityError reports whether err is a redirect URI
// security validation error.
func IsRedirectURISecurityError(err error) bool {
	_, ok := err.(*RedirectURISecurityError)
	return ok
}

// GetRedirectURIErrorCategory returns the rejection category, or "" if err
// is not a RedirectURISecurityError.
func GetRedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURISecurityError); ok {
		return secErr.Category
	}
	return ""
}
