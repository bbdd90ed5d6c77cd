package server

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hydrantlabs/oauth-server/storage"
)

// idTokenClaims are the claims carried by an ID token (OIDC Core 2).
// SID identifies the session for clients that participate in end-session
// (OIDC Front-Channel Logout 3).
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce,omitempty"`
	SID   string `json:"sid,omitempty"`
}

// idTokenKey derives the per-client HMAC signing key. Client secrets are
// stored only as bcrypt hashes, so the key is derived from the server-wide
// signing secret bound to the client ID.
func (s *Server) idTokenKey(clientID string) ([]byte, error) {
	if s.Config.TokenSigningSecret == "" {
		return nil, fmt.Errorf("TokenSigningSecret is not configured")
	}
	sum := sha256.Sum256([]byte(s.Config.TokenSigningSecret + ":" + clientID))
	return sum[:], nil
}

// newIDToken mints a signed ID token for the given user and client.
// The sid claim is included only for clients registered for end-session,
// so logout notifications cannot be correlated by other clients.
func (s *Server) newIDToken(client *storage.Client, userID, sessionID, nonce string, now time.Time) (string, error) {
	key, err := s.idTokenKey(client.ClientID)
	if err != nil {
		return "", err
	}

	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{client.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Config.IDTTL())),
		},
		Nonce: nonce,
	}
	if client.EnableEndSession && sessionID != "" {
		claims.SID = sessionID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// EndSessionRequest carries the parameters of an RP-initiated logout request
// (OIDC RP-Initiated Logout 2).
type EndSessionRequest struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
}

// EndSessionResult is the outcome of a validated end-session request.
// SessionID is the session the ID token was bound to, when present.
type EndSessionResult struct {
	ClientID    string
	UserID      string
	SessionID   string
	RedirectURI string
	State       string
}

// ValidateEndSession verifies an RP-initiated logout request. The id_token_hint
// is mandatory; a post_logout_redirect_uri is honored only when the token's
// client registered it and is enabled for end-session.
func (s *Server) ValidateEndSession(ctx context.Context, req *EndSessionRequest) (*EndSessionResult, error) {
	if req.IDTokenHint == "" {
		return nil, fmt.Errorf("%s: id_token_hint is required", ErrorCodeInvalidRequest)
	}

	claims, err := s.verifyIDTokenHint(req.IDTokenHint)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", "", "invalid_id_token_hint")
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}
	clientID := claims.Audience[0]

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown client", ErrorCodeInvalidRequest)
	}
	if !client.EnableEndSession {
		return nil, fmt.Errorf("%s: client is not enabled for end-session", ErrorCodeInvalidRequest)
	}

	result := &EndSessionResult{
		ClientID:  clientID,
		UserID:    claims.Subject,
		SessionID: claims.SID,
		State:     req.State,
	}

	// An unregistered post_logout_redirect_uri does not fail the request;
	// the logout still happens, only the redirect is skipped.
	if req.PostLogoutRedirectURI != "" {
		for _, uri := range client.PostLogoutRedirectURIs {
			if uri == req.PostLogoutRedirectURI {
				result.RedirectURI = req.PostLogoutRedirectURI
				break
			}
		}
	}

	return result, nil
}

// verifyIDTokenHint verifies an id_token_hint presented at the end-session
// endpoint and returns its claims. The audience is read from the unverified
// token first to select the signing key; the signature and standard claims
// are then fully verified against that key.
func (s *Server) verifyIDTokenHint(idToken string) (*idTokenClaims, error) {
	unverified := &idTokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, unverified); err != nil {
		return nil, fmt.Errorf("malformed id_token_hint: %w", err)
	}
	if len(unverified.Audience) != 1 {
		return nil, fmt.Errorf("id_token_hint must carry exactly one audience")
	}
	clientID := unverified.Audience[0]

	key, err := s.idTokenKey(clientID)
	if err != nil {
		return nil, err
	}

	claims := &idTokenClaims{}
	_, err = jwt.ParseWithClaims(idToken, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithAudience(clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token_hint: %w", err)
	}
	return claims, nil
}
