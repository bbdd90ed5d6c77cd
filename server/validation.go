package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists allowed HTTP-based redirect URI schemes
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateHTTPSEnforcement ensures that the OAuth server is running over HTTPS
// in production environments. OAuth over HTTP exposes tokens, authorization
// codes, and client credentials to interception.
//
// The validation logic:
// - HTTPS URLs: Always allowed (secure)
// - HTTP on localhost: Allowed with warning (development)
// - HTTP on non-localhost: Blocked unless AllowInsecureHTTP=true (production)
func (s *Server) validateHTTPSEnforcement() error {
	// Skip validation if Issuer is empty (will fail elsewhere with more appropriate error)
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == "https" {
		return nil
	}

	if issuerURL.Scheme == "http" {
		hostname := issuerURL.Hostname()

		// Allow localhost for development (with warning)
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"recommendation", "Use HTTPS even in development for production-like testing",
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}

		// Non-localhost HTTP is blocked unless explicitly allowed
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got %s://%s); "+
					"OAuth over HTTP exposes tokens and credentials to interception; "+
					"to run on localhost for development, set AllowInsecureHTTP=true",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately")

		return nil
	}

	// Unknown scheme (not http or https)
	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// Covers loopback addresses plus 0.0.0.0 (bind-all in dev setups).
func isLocalhostHostname(hostname string) bool {
	return hostname == "0.0.0.0" || util.IsLoopbackHostname(hostname)
}

// validateRedirectURI validates that a redirect URI is registered and secure.
// Returns the URI to use and whether it was explicitly provided: when the
// client registered exactly one URI, an absent redirect_uri falls back to it.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) (string, bool, error) {
	if redirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], false, nil
		}
		return "", false, fmt.Errorf("redirect_uri is required when multiple URIs are registered")
	}

	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return "", false, fmt.Errorf("redirect URI not registered for client")
	}

	if err := validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
		return "", false, err
	}

	return redirectURI, true, nil
}

// validateStateParameter validates the state parameter.
// Minimum length keeps the search space large enough that timing leaks on
// state comparison stay infeasible to exploit.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}

	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}

	return nil
}

// validateCodeChallenge validates the code_challenge parameters at
// authorization time, before any state is stored.
func (s *Server) validateCodeChallenge(codeChallenge, codeChallengeMethod string) error {
	if codeChallenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("PKCE is required: code_challenge parameter is mandatory")
		}
		return nil
	}

	switch codeChallengeMethod {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
		return nil
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", codeChallengeMethod)
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this grant
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateResource checks a requested resource indicator (RFC 8707) against
// the configured protected resource. Trailing-slash variants of the same
// URL are treated as equal.
func (s *Server) validateResource(resource string) error {
	if resource == "" {
		return nil
	}
	if s.Config.Resource == "" || util.NormalizeURL(resource) != util.NormalizeURL(s.Config.Resource) {
		return fmt.Errorf("requested resource is not recognized by this server")
	}
	return nil
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
// Returns error if the scheme is dangerous or not in the allowed list
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	// If no allowed schemes configured, allow all RFC 3986 compliant schemes
	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress checks if a hostname is a loopback address
func isLoopbackAddress(hostname string) bool {
	return util.IsLoopbackHostname(strings.TrimSpace(hostname))
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security Best Current Practice (BCP)
func validateRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)

	isHTTP := false
	for _, httpScheme := range AllowedHTTPSchemes {
		if scheme == httpScheme {
			isHTTP = true
			break
		}
	}

	if isHTTP {
		hostname := strings.ToLower(parsed.Hostname())
		isLoopback := isLoopbackAddress(hostname)

		// For production (non-loopback), require HTTPS
		if !isLoopback && scheme != SchemeHTTPS {
			if serverParsed, err := url.Parse(serverIssuer); err == nil {
				if serverParsed.Scheme == SchemeHTTPS {
					return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
				}
			}
		}
	} else {
		// Custom scheme (for native/mobile apps)
		if err := validateCustomScheme(scheme, allowedCustomSchemes); err != nil {
			return err
		}
	}

	return nil
}
