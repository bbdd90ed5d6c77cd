package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/internal/util"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 8707.
// Note: These are intentionally duplicated from errors.go to avoid circular imports
// (root package imports server for type aliases, server can't import root).
// Keep these in sync with errors.go.
const (
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidRedirectURI = "invalid_redirect_uri"
	ErrorCodeInvalidScope       = "invalid_scope"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeInvalidTarget      = "invalid_target"
	ErrorCodeInvalidToken       = "invalid_token"
	ErrorCodeUnauthorizedClient = "unauthorized_client"
	ErrorCodeLoginRequired      = "login_required"
)

// Token type hints accepted by the revocation and introspection endpoints
// (RFC 7009 Section 2.1, RFC 7662 Section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// AuthorizeRequest carries the validated-to-be parameters of an authorization
// request (RFC 6749 Section 4.1.1).
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	Nonce               string
}

// CodeGrant is the result of issuing an authorization code: the values the
// caller needs to redirect the user agent back to the client.
type CodeGrant struct {
	Code        string
	State       string
	RedirectURI string
}

// RedirectURL builds the full redirect URI carrying the code and state.
func (g *CodeGrant) RedirectURL() string {
	u, err := url.Parse(g.RedirectURI)
	if err != nil {
		// The URI was validated at authorization time; treat a parse failure
		// here as a fatal programming error and return the bare URI.
		return g.RedirectURI
	}
	q := u.Query()
	q.Set("code", g.Code)
	q.Set("state", g.State)
	u.RawQuery = q.Encode()
	return u.String()
}

// TokenResponse is a successful token endpoint response (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Introspection is the introspection endpoint response (RFC 7662 Section 2.2).
// Only Active is populated for tokens the server does not recognize.
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
}

// metrics returns the engine's metrics holder, or nil when instrumentation
// is not configured.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// auditEvent emits a structured audit event and counts it.
func (s *Server) auditEvent(ctx context.Context, event security.Event) {
	if s.Auditor != nil {
		s.Auditor.LogEvent(event)
	}
	if m := s.metrics(); m != nil {
		m.RecordAuditEvent(ctx, event.Type)
	}
}

// Authorize validates an authorization request and stores the pending flow
// keyed by the client's state parameter. The flow is not yet bound to a user;
// BindAuthorizationState attaches the authenticated principal once login
// completes.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*storage.AuthorizationState, error) {
	// CRITICAL SECURITY: Require state parameter from client for CSRF protection
	if err := s.validateStateParameter(req.State); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "missing_state_parameter")
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", ErrorCodeInvalidClient)
		}
		return nil, fmt.Errorf("%s: unknown client", ErrorCodeInvalidClient)
	}

	redirectURI, explicit, err := s.validateRedirectURI(client, req.RedirectURI)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", ErrorCodeInvalidRedirectURI)
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	if err := s.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "invalid_pkce_parameters")
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	scopes, err := s.resolveGrantedScopes(client, ParseScopes(req.Scope))
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}

	if err := s.validateResource(req.Resource); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", ErrorCodeInvalidTarget)
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
	}

	now := time.Now()
	authState := &storage.AuthorizationState{
		State:                         req.State,
		ClientID:                      client.ClientID,
		RedirectURI:                   redirectURI,
		RedirectURIProvidedExplicitly: explicit,
		Scopes:                        scopes,
		CodeChallenge:                 req.CodeChallenge,
		CodeChallengeMethod:           req.CodeChallengeMethod,
		Resource:                      req.Resource,
		Nonce:                         req.Nonce,
		CreatedAt:                     now,
		ExpiresAt:                     now.Add(s.Config.StateTTL()),
	}

	if err := s.flowStore.SaveAuthorizationState(ctx, authState); err != nil {
		if errors.Is(err, storage.ErrStateExists) {
			// A live flow already uses this state value. Accepting the second
			// request would let an attacker graft their flow onto the victim's
			// state, so it is rejected outright.
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", req.ClientID, "", "duplicate_state_parameter")
			}
			return nil, fmt.Errorf("%s: state parameter is already in use by a pending authorization", ErrorCodeInvalidRequest)
		}
		return nil, fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.auditEvent(ctx, security.Event{
		Type:     security.EventAuthorizationFlowStarted,
		ClientID: client.ClientID,
		Details: map[string]any{
			"redirect_uri":          redirectURI,
			"scope":                 JoinScopes(scopes),
			"code_challenge_method": req.CodeChallengeMethod,
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	return authState, nil
}

// BindAuthorizationState attaches the authenticated principal to a pending
// authorization flow. Called after the resource owner completes login.
func (s *Server) BindAuthorizationState(ctx context.Context, state, userID, sessionID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required to bind an authorization state")
	}

	authState, err := s.flowStore.GetAuthorizationState(ctx, state)
	if err != nil {
		return fmt.Errorf("%s: authorization request not found or expired", ErrorCodeInvalidRequest)
	}

	authState.UserID = userID
	authState.SessionID = sessionID
	if err := s.flowStore.UpdateAuthorizationState(ctx, authState); err != nil {
		return fmt.Errorf("failed to bind authorization state: %w", err)
	}
	return nil
}

// IssueAuthorizationCode consumes a pending authorization flow and mints a
// single-use authorization code bound to everything the flow captured.
// The flow must already carry an authenticated user.
func (s *Server) IssueAuthorizationCode(ctx context.Context, state string) (*CodeGrant, error) {
	authState, err := s.flowStore.GetAuthorizationState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%s: authorization request not found or expired", ErrorCodeInvalidRequest)
	}

	if authState.UserID == "" {
		return nil, fmt.Errorf("%s: authorization flow has no authenticated user", ErrorCodeLoginRequired)
	}

	// The state is single-shot: it is consumed whether or not saving the
	// code succeeds, so a retry restarts the flow from the beginning.
	if err := s.flowStore.DeleteAuthorizationState(ctx, state); err != nil {
		s.Logger.Warn("Failed to delete authorization state", "error", err)
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                          generateRandomToken(),
		ClientID:                      authState.ClientID,
		RedirectURI:                   authState.RedirectURI,
		RedirectURIProvidedExplicitly: authState.RedirectURIProvidedExplicitly,
		Scopes:                        authState.Scopes,
		CodeChallenge:                 authState.CodeChallenge,
		CodeChallengeMethod:           authState.CodeChallengeMethod,
		Resource:                      authState.Resource,
		Nonce:                         authState.Nonce,
		UserID:                        authState.UserID,
		SessionID:                     authState.SessionID,
		CreatedAt:                     now,
		ExpiresAt:                     now.Add(s.Config.CodeTTL()),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.auditEvent(ctx, security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   authState.UserID,
		ClientID: authState.ClientID,
		Details: map[string]any{
			"scope": JoinScopes(authState.Scopes),
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, authState.ClientID)
	}

	return &CodeGrant{
		Code:        authCode.Code,
		State:       authState.State,
		RedirectURI: authState.RedirectURI,
	}, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens
// (RFC 6749 Section 4.1.3).
//
// The code is atomically consumed BEFORE any validation runs. Of concurrent
// exchange attempts exactly one observes the code; every later failure burns
// the grant rather than leaving it replayable. All post-consumption failures
// return the same generic invalid_grant error so an attacker probing with a
// stolen code learns nothing about why it was rejected.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, clientID, redirectURI, code, codeVerifier, resource string) (*TokenResponse, error) {
	authCode, err := s.flowStore.AtomicGetAndDeleteAuthorizationCode(ctx, code)
	if err != nil {
		// Not found covers expired, already consumed, and never issued.
		// A consumed code showing up again is the classic replay signature.
		if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(clientID) {
			s.Logger.Debug("Authorization code validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"code_prefix", util.SafeTruncate(code, 8))
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		}
		if m := s.metrics(); m != nil {
			m.RecordCodeReplayDetected(ctx)
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Code is now consumed - no other request can use it

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_id_mismatch")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// RFC 6749 Section 4.1.3: redirect_uri must be repeated at the token
	// endpoint only when it was explicitly sent in the authorization request.
	if authCode.RedirectURIProvidedExplicitly && authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "redirect_uri_mismatch")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.auditEvent(ctx, security.Event{
			Type:     security.EventInvalidPKCE,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details: map[string]any{
				"reason": err.Error(),
			},
		})
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "pkce_validation_failed")
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	boundResource := authCode.Resource
	if resource != "" {
		if err := s.validateResource(resource); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
		}
		if boundResource != "" && boundResource != resource {
			return nil, fmt.Errorf("%s: resource does not match the authorization request", ErrorCodeInvalidTarget)
		}
		boundResource = resource
	}

	tokens, err := s.issueTokens(ctx, tokenGrant{
		client:    nil, // looked up only when an ID token is needed
		clientID:  clientID,
		userID:    authCode.UserID,
		sessionID: authCode.SessionID,
		scopes:    authCode.Scopes,
		resource:  boundResource,
		nonce:     authCode.Nonce,
	})
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, "", JoinScopes(authCode.Scopes))
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID, authCode.CodeChallengeMethod)
	}

	return tokens, nil
}

// tokenGrant carries everything issueTokens needs to mint a token set.
type tokenGrant struct {
	client    *storage.Client
	clientID  string
	userID    string
	sessionID string
	scopes    []string
	resource  string
	nonce     string
}

// issueTokens mints an access token, plus a refresh token when offline_access
// was granted and an ID token when openid was granted.
func (s *Server) issueTokens(ctx context.Context, grant tokenGrant) (*TokenResponse, error) {
	now := time.Now()

	var refreshTokenValue string
	if grant.userID != "" && HasScope(grant.scopes, ScopeOfflineAccess) {
		refreshToken := &storage.RefreshToken{
			Token:     generateRandomToken(),
			ClientID:  grant.clientID,
			UserID:    grant.userID,
			SessionID: grant.sessionID,
			Scopes:    grant.scopes,
			Resource:  grant.resource,
			CreatedAt: now,
			ExpiresAt: now.Add(s.Config.RefreshTTL()),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, refreshToken); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		refreshTokenValue = refreshToken.Token
	}

	accessToken := &storage.AccessToken{
		Token:        generateRandomToken(),
		ClientID:     grant.clientID,
		UserID:       grant.userID,
		SessionID:    grant.sessionID,
		Scopes:       grant.scopes,
		RefreshToken: refreshTokenValue,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.AccessTTL()),
	}
	if grant.resource != "" {
		accessToken.Resource = []string{grant.resource}
	}
	if err := s.tokenStore.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:  accessToken.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTTL().Seconds()),
		RefreshToken: refreshTokenValue,
		Scope:        JoinScopes(grant.scopes),
	}

	if grant.userID != "" && HasScope(grant.scopes, ScopeOpenID) {
		client := grant.client
		if client == nil {
			var err error
			client, err = s.clientStore.GetClient(ctx, grant.clientID)
			if err != nil {
				return nil, fmt.Errorf("failed to load client for ID token: %w", err)
			}
		}
		idToken, err := s.newIDToken(client, grant.userID, grant.sessionID, grant.nonce, now)
		if err != nil {
			return nil, fmt.Errorf("failed to sign ID token: %w", err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}

// RefreshAccessToken rotates a refresh token and mints a fresh access token
// (RFC 6749 Section 6).
//
// The presented refresh token is atomically consumed FIRST: of concurrent
// refresh attempts exactly one succeeds, which is what makes rotation safe
// against token replay. Every access token minted under the old refresh token
// is revoked as part of the rotation.
func (s *Server) RefreshAccessToken(ctx context.Context, clientID, refreshToken, scope, resource string) (*TokenResponse, error) {
	oldToken, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, refreshToken)
	if err != nil {
		// A rotated-away token presented again is the replay signature for
		// refresh tokens. Rate limit logging to prevent log flooding.
		if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(clientID) {
			s.Logger.Debug("Refresh token validation failed",
				"reason", err.Error(),
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(refreshToken, 8))
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		}
		if m := s.metrics(); m != nil {
			m.RecordTokenReplayDetected(ctx)
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// Token is now consumed - no other request can use it

	if oldToken.ClientID != clientID {
		// A foreign client presenting a stolen refresh token. The token is
		// already burned; also cascade so nothing minted under it survives.
		if _, err := s.tokenStore.DeleteAccessTokensByRefreshToken(ctx, refreshToken); err != nil {
			s.Logger.Warn("Failed to cascade access token deletion", "error", err)
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(oldToken.UserID, clientID, "", "refresh_token_client_mismatch")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	// RFC 6749 Section 6: requested scope must not exceed the original grant
	grantedScopes := oldToken.Scopes
	if requested := ParseScopes(scope); len(requested) > 0 {
		if !isScopeSubset(requested, oldToken.Scopes) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(oldToken.UserID, clientID, "", "refresh_scope_escalation")
			}
			return nil, fmt.Errorf("%s: requested scope exceeds the original grant", ErrorCodeInvalidScope)
		}
		grantedScopes = requested
	}

	boundResource := oldToken.Resource
	if resource != "" {
		if err := s.validateResource(resource); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
		}
		boundResource = resource
	}

	// Revoke every access token minted under the old refresh token
	if n, err := s.tokenStore.DeleteAccessTokensByRefreshToken(ctx, refreshToken); err != nil {
		s.Logger.Warn("Failed to cascade access token deletion", "error", err)
	} else if n > 0 {
		s.Logger.Debug("Revoked access tokens during refresh rotation", "count", n)
	}

	now := time.Now()
	rotated := s.Config.AllowRefreshTokenRotation

	var newRefreshToken *storage.RefreshToken
	if rotated {
		newRefreshToken = &storage.RefreshToken{
			Token:     generateRandomToken(),
			ClientID:  clientID,
			UserID:    oldToken.UserID,
			SessionID: oldToken.SessionID,
			Scopes:    oldToken.Scopes,
			Resource:  boundResource,
			CreatedAt: now,
			ExpiresAt: now.Add(s.Config.RefreshTTL()),
		}
	} else {
		// Rotation disabled: re-save the presented token unchanged. The
		// atomic delete above still serialized concurrent refreshes.
		newRefreshToken = oldToken
		s.Logger.Warn("Refresh token reused (rotation disabled)", "user_id", oldToken.UserID)
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, newRefreshToken); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	accessToken := &storage.AccessToken{
		Token:        generateRandomToken(),
		ClientID:     clientID,
		UserID:       oldToken.UserID,
		SessionID:    oldToken.SessionID,
		Scopes:       grantedScopes,
		RefreshToken: newRefreshToken.Token,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.AccessTTL()),
	}
	if boundResource != "" {
		accessToken.Resource = []string{boundResource}
	}
	if err := s.tokenStore.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:  accessToken.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.Config.AccessTTL().Seconds()),
		RefreshToken: newRefreshToken.Token,
		Scope:        JoinScopes(grantedScopes),
	}

	if HasScope(grantedScopes, ScopeOpenID) {
		client, err := s.clientStore.GetClient(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load client for ID token: %w", err)
		}
		idToken, err := s.newIDToken(client, oldToken.UserID, oldToken.SessionID, "", now)
		if err != nil {
			return nil, fmt.Errorf("failed to sign ID token: %w", err)
		}
		resp.IDToken = idToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(oldToken.UserID, clientID, "", rotated)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, rotated)
	}

	return resp, nil
}

// IssueClientCredentialsToken mints an access token for the client itself
// (RFC 6749 Section 4.4). Only confidential clients are eligible; the grant
// carries no user and never yields a refresh token.
func (s *Server) IssueClientCredentialsToken(ctx context.Context, client *storage.Client, scope, resource string) (*TokenResponse, error) {
	if client.IsPublic() {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "", "public_client_credentials_grant")
		}
		return nil, fmt.Errorf("%s: public clients cannot use the client_credentials grant", ErrorCodeUnauthorizedClient)
	}

	scopes, err := s.resolveGrantedScopes(client, ParseScopes(scope))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}
	if err := s.validateResource(resource); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
	}

	tokens, err := s.issueTokens(ctx, tokenGrant{
		client:   client,
		clientID: client.ClientID,
		scopes:   scopes,
		resource: resource,
	})
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", client.ClientID, "", JoinScopes(scopes))
	}

	return tokens, nil
}

// RevokeToken revokes a token per RFC 7009. Revoking a refresh token cascades
// to every access token minted under it. Unknown tokens and tokens owned by a
// different client succeed silently so the endpoint leaks nothing about which
// token values exist.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, tokenTypeHint, clientIP string) error {
	switch tokenTypeHint {
	case "", TokenTypeHintAccessToken, TokenTypeHintRefreshToken:
	default:
		// RFC 7009 Section 2.1: unknown hints MAY be rejected
		return fmt.Errorf("%s: unsupported token_type_hint: %s", ErrorCodeInvalidRequest, tokenTypeHint)
	}

	revokedType := s.revokeTokenByValue(ctx, client.ClientID, token, tokenTypeHint)
	if revokedType == "" {
		// RFC 7009 Section 2.2: the server responds with success even when
		// the token is unknown or belongs to someone else
		s.Logger.Debug("Revocation requested for unknown token",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(token, 8))
		return nil
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked("", client.ClientID, clientIP, revokedType)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, client.ClientID)
	}

	s.Logger.Info("Token revoked", "client_id", client.ClientID, "token_type", revokedType)
	return nil
}

// revokeTokenByValue finds and deletes the token, trying the hinted type
// first per RFC 7009. Returns the type revoked, or "" when nothing matched.
func (s *Server) revokeTokenByValue(ctx context.Context, clientID, token, hint string) string {
	tryAccess := func() bool {
		at, err := s.tokenStore.GetAccessToken(ctx, token)
		if err != nil || at.ClientID != clientID {
			return false
		}
		if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
			s.Logger.Warn("Failed to delete access token", "error", err)
		}
		return true
	}
	tryRefresh := func() bool {
		rt, err := s.tokenStore.GetRefreshToken(ctx, token)
		if err != nil || rt.ClientID != clientID {
			return false
		}
		if err := s.tokenStore.DeleteRefreshToken(ctx, token); err != nil {
			s.Logger.Warn("Failed to delete refresh token", "error", err)
		}
		// Cascade: every access token minted under this refresh token dies too
		if n, err := s.tokenStore.DeleteAccessTokensByRefreshToken(ctx, token); err != nil {
			s.Logger.Warn("Failed to cascade access token deletion", "error", err)
		} else if n > 0 {
			s.Logger.Debug("Cascaded revocation to access tokens", "count", n)
		}
		return true
	}

	if hint == TokenTypeHintRefreshToken {
		if tryRefresh() {
			return TokenTypeHintRefreshToken
		}
		if tryAccess() {
			return TokenTypeHintAccessToken
		}
		return ""
	}
	if tryAccess() {
		return TokenTypeHintAccessToken
	}
	if tryRefresh() {
		return TokenTypeHintRefreshToken
	}
	return ""
}

// IntrospectToken reports the state of a token per RFC 7662. It never returns
// an OAuth error for an unrecognized token: anything the server does not know
// is simply inactive. Caller authentication is enforced at the HTTP layer.
func (s *Server) IntrospectToken(ctx context.Context, callerClientID, token, tokenTypeHint string) *Introspection {
	result := s.introspectByValue(ctx, token, tokenTypeHint)

	if m := s.metrics(); m != nil {
		m.RecordTokenIntrospection(ctx, callerClientID, result.Active)
	}
	return result
}

func (s *Server) introspectByValue(ctx context.Context, token, hint string) *Introspection {
	introspectAccess := func() *Introspection {
		at, err := s.tokenStore.GetAccessToken(ctx, token)
		if err != nil {
			return nil
		}
		resp := &Introspection{
			Active:    true,
			Scope:     JoinScopes(at.Scopes),
			ClientID:  at.ClientID,
			TokenType: "Bearer",
			Exp:       at.ExpiresAt.Unix(),
			Iat:       at.CreatedAt.Unix(),
			Sub:       at.UserID,
		}
		if len(at.Resource) > 0 {
			resp.Aud = at.Resource
		}
		return resp
	}
	introspectRefresh := func() *Introspection {
		rt, err := s.tokenStore.GetRefreshToken(ctx, token)
		if err != nil {
			return nil
		}
		resp := &Introspection{
			Active:    true,
			Scope:     JoinScopes(rt.Scopes),
			ClientID:  rt.ClientID,
			TokenType: "refresh_token",
			Exp:       rt.ExpiresAt.Unix(),
			Iat:       rt.CreatedAt.Unix(),
			Sub:       rt.UserID,
		}
		if rt.Resource != "" {
			resp.Aud = []string{rt.Resource}
		}
		return resp
	}

	if hint == TokenTypeHintRefreshToken {
		if resp := introspectRefresh(); resp != nil {
			return resp
		}
		if resp := introspectAccess(); resp != nil {
			return resp
		}
	} else {
		if resp := introspectAccess(); resp != nil {
			return resp
		}
		if resp := introspectRefresh(); resp != nil {
			return resp
		}
	}
	return &Introspection{Active: false}
}

// ValidateAccessToken resolves a bearer token to its stored record.
// Expired and unknown tokens both yield invalid_token.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, fmt.Errorf("%s: missing access token", ErrorCodeInvalidToken)
	}
	at, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", "", "invalid_access_token")
		}
		return nil, fmt.Errorf("%s: access token is invalid or expired", ErrorCodeInvalidToken)
	}
	return at, nil
}

// UserInfoClaims builds the userinfo response for a bearer token, filtering
// the stored profile claims by the token's granted scopes (OIDC Core 5.3).
// The openid scope is required; profile and email gate their claim groups.
func (s *Server) UserInfoClaims(ctx context.Context, accessToken string) (map[string]any, error) {
	at, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !HasScope(at.Scopes, ScopeOpenID) {
		return nil, fmt.Errorf("%s: token was not granted the openid scope", ErrorCodeInvalidToken)
	}
	if at.UserID == "" {
		return nil, fmt.Errorf("%s: token is not bound to a user", ErrorCodeInvalidToken)
	}

	claims := map[string]any{"sub": at.UserID}

	info, err := s.tokenStore.GetUserInfo(ctx, at.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No stored profile; the subject alone is still a valid response
			return claims, nil
		}
		return nil, fmt.Errorf("failed to load user info: %w", err)
	}

	if HasScope(at.Scopes, ScopeProfile) {
		if info.Name != "" {
			claims["name"] = info.Name
		}
		if info.GivenName != "" {
			claims["given_name"] = info.GivenName
		}
		if info.FamilyName != "" {
			claims["family_name"] = info.FamilyName
		}
		if info.Picture != "" {
			claims["picture"] = info.Picture
		}
	}
	if HasScope(at.Scopes, ScopeEmail) {
		if info.Email != "" {
			claims["email"] = info.Email
			claims["email_verified"] = info.EmailVerified
		}
	}

	return claims, nil
}
