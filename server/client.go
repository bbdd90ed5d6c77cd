package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

// Client type constants per RFC 6749 section 2.1.
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
// These are duplicated to avoid import cycles since root package imports server package
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// clientIDCollisionRetries bounds how often registration retries on a
// client ID collision before giving up.
const clientIDCollisionRetries = 3

// RegistrationRequest carries the client metadata accepted at the dynamic
// registration endpoint (RFC 7591 Section 2).
type RegistrationRequest struct {
	ClientName              string
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	PostLogoutRedirectURIs  []string
	Scopes                  []string
	EnableEndSession        bool
}

// RegisterClient registers a new OAuth client with IP-based DoS protection.
// The token_endpoint_auth_method determines the client type:
//   - "none": Public client (no secret, PKCE-only auth) - used by native/CLI apps
//   - "client_secret_post": Confidential client (POST form with secret) - default
//   - "client_secret_basic": Confidential client (Basic Auth with secret)
//
// Returns the stored client and the plaintext secret. The secret is shown
// exactly once; only its bcrypt hash is persisted.
//
// Security: This function validates redirect URIs against the security configuration
// (ProductionMode, AllowPrivateIPRedirectURIs, etc.) to prevent SSRF and open redirect attacks.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest, clientIP string, maxClientsPerIP int) (*storage.Client, string, error) {
	if err := s.clientStore.CheckIPLimit(ctx, clientIP, maxClientsPerIP); err != nil {
		return nil, "", err
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	if err != nil {
		s.auditEvent(ctx, security.Event{
			Type: security.EventClientRegistrationRejected,
			Details: map[string]any{
				"reason":    "invalid_token_endpoint_auth_method",
				"client_ip": clientIP,
			},
		})
		return nil, "", fmt.Errorf("invalid_client_metadata: %w", err)
	}

	if len(req.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("invalid_client_metadata: redirect_uris is required")
	}
	if err := s.validateRedirectURIsWithAudit(ctx, req.RedirectURIs, clientIP); err != nil {
		return nil, "", err
	}
	for _, uri := range req.PostLogoutRedirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
			return nil, "", fmt.Errorf("invalid_client_metadata: post_logout_redirect_uri: %w", err)
		}
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), s.Config.DefaultScope...)
	}
	for _, scope := range scopes {
		if len(s.Config.SupportedScopes) > 0 && !HasScope(s.Config.SupportedScopes, scope) {
			return nil, "", fmt.Errorf("invalid_client_metadata: scope %q is not supported", scope)
		}
	}

	clientID, err := s.newClientID(ctx)
	if err != nil {
		return nil, "", err
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	grantTypes := []string{"authorization_code", "refresh_token"}
	if clientType == ClientTypeConfidential {
		grantTypes = append(grantTypes, "client_credentials")
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		PostLogoutRedirectURIs:  req.PostLogoutRedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		EnableEndSession:        req.EnableEndSession,
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.trackClientIPAndLog(ctx, client, clientIP)
	return client, clientSecret, nil
}

// newClientID generates a client ID that does not collide with an existing
// registration. Collisions are vanishingly rare with 256-bit random IDs, but
// a silent overwrite of another client's registration must never happen.
func (s *Server) newClientID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < clientIDCollisionRetries; attempt++ {
		clientID := generateRandomToken()
		_, err := s.clientStore.GetClient(ctx, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			return clientID, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check client ID: %w", err)
		}
		s.Logger.Warn("Client ID collision during registration", "attempt", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique client ID")
}

// validateRedirectURIsWithAudit validates redirect URIs and logs failures for auditing.
func (s *Server) validateRedirectURIsWithAudit(ctx context.Context, redirectURIs []string, clientIP string) error {
	if err := s.ValidateRedirectURIsForRegistration(ctx, redirectURIs); err != nil {
		s.auditEvent(ctx, security.Event{
			Type: security.EventClientRegistrationRejected,
			Details: map[string]any{
				"reason":    "redirect_uri_validation_failed",
				"category":  GetRedirectURIErrorCategory(err),
				"client_ip": clientIP,
			},
		})
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return fmt.Errorf("invalid_redirect_uri: %w", err)
	}
	return nil
}

// resolveClientTypeAndAuthMethod maps the requested auth method onto the
// client type. Per RFC 7591 Section 2: token_endpoint_auth_method determines
// client type; only the three registered methods are accepted.
func resolveClientTypeAndAuthMethod(tokenEndpointAuthMethod string) (string, string, error) {
	switch tokenEndpointAuthMethod {
	case TokenEndpointAuthMethodNone:
		return ClientTypePublic, TokenEndpointAuthMethodNone, nil
	case TokenEndpointAuthMethodBasic:
		return ClientTypeConfidential, TokenEndpointAuthMethodBasic, nil
	case TokenEndpointAuthMethodPost, "":
		return ClientTypeConfidential, TokenEndpointAuthMethodPost, nil
	default:
		return "", "", fmt.Errorf("unsupported token_endpoint_auth_method: %s", tokenEndpointAuthMethod)
	}
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// clientIPTracker is implemented by client stores that count registrations
// per source IP. Stores without per-IP accounting simply skip tracking.
type clientIPTracker interface {
	TrackClientIP(ctx context.Context, ip string) error
}

// trackClientIPAndLog tracks the IP for DoS protection and logs the registration.
func (s *Server) trackClientIPAndLog(ctx context.Context, client *storage.Client, clientIP string) {
	if tracker, ok := s.clientStore.(clientIPTracker); ok {
		if err := tracker.TrackClientIP(ctx, clientIP); err != nil {
			s.Logger.Warn("Failed to track client IP for registration limit",
				"client_ip", clientIP,
				"error", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
}

// ValidateClientCredentials validates client credentials for token endpoint
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a client by ID (for use by handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}
