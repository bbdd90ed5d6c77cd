package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/server"
	"github.com/hydrantlabs/oauth-server/storage"
)

// Endpoint paths registered by RegisterRoutes.
const (
	PathAuthorize     = "/authorize"
	PathToken         = "/token"
	PathRegister      = "/register"
	PathRevoke        = "/revoke"
	PathIntrospect    = "/introspect"
	PathUserInfo      = "/userinfo"
	PathLoginCallback = "/login/callback"
	PathEndSession    = "/end-session"

	PathServerMetadata            = "/.well-known/oauth-authorization-server"
	PathOpenIDConfiguration       = "/.well-known/openid-configuration"
	PathProtectedResourceMetadata = "/.well-known/oauth-protected-resource"
)

const tokenTypeBearer = "Bearer"

// Grant types accepted at the token endpoint
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
	grantTypeClientCredentials = "client_credentials"
)

// Handler exposes the OAuth server over HTTP
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *Server) *Handler {
	h := &Handler{
		server: srv,
		logger: srv.logger,
	}

	if srv.instrumentation != nil {
		h.tracer = srv.instrumentation.Tracer("http")
	}

	return h
}

// Handler returns an HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	NewHandler(s).RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all endpoints on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathIntrospect, h.ServeTokenIntrospection)
	mux.HandleFunc(PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathLoginCallback, h.ServeLoginCallback)
	mux.HandleFunc(PathEndSession, h.ServeEndSession)
	mux.HandleFunc(PathServerMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathOpenIDConfiguration, h.ServeOpenIDConfiguration)

	mux.HandleFunc(PathRegister, h.ServeClientRegistration)
	if h.server.config.Resource != "" {
		mux.HandleFunc(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
	}
}

// ==================== Authorization Endpoint ====================

// ServeAuthorization handles the OAuth authorization endpoint.
// Identity comes from the session cookie: an authenticated user is bound to
// the pending flow and redirected back to the client with a code. Without a
// session the user agent is handed off to the configured login page, or the
// request fails with login_required.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "authorization", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	if responseType := r.FormValue("response_type"); responseType != "code" {
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeOAuthError(w, NewOAuthError("unsupported_response_type",
			"only the authorization code flow is supported", http.StatusBadRequest))
		return
	}

	// A missing state weakens the client's CSRF protection but not ours; the
	// flow is still keyed by a high-entropy value.
	state := r.FormValue("state")
	if state == "" {
		state = oauth2.GenerateVerifier()
	}

	req := &server.AuthorizeRequest{
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               state,
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Resource:            r.FormValue("resource"),
		Nonce:               r.FormValue("nonce"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	if _, err := h.server.engine.Authorize(ctx, req); err != nil {
		oauthErr := oauthErrorFrom(err)
		h.logger.Warn("Authorization request rejected",
			"client_id", req.ClientID, "ip", clientIP, "error", oauthErr.Code)
		h.recordHTTPMetrics(ctx, "authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	sess := h.sessionFromRequest(r)
	if sess == nil {
		if h.server.config.LoginURL != "" {
			h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusFound, startTime)
			instrumentation.SetSpanSuccess(span)
			http.Redirect(w, r, h.loginRedirectURL(state), http.StatusFound)
			return
		}
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "no session")
		h.writeOAuthError(w, ErrLoginRequired("authentication is required"))
		return
	}

	h.completeAuthorization(w, r, state, sess, startTime, span)
}

// ServeLoginCallback resumes a pending authorization after external login.
// The login page redirects here with the original state once it has
// established a session.
func (h *Handler) ServeLoginCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.login_callback")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "login_callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		h.recordHTTPMetrics(ctx, "login_callback", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("state is required"))
		return
	}

	sess := h.sessionFromRequest(r)
	if sess == nil {
		h.recordHTTPMetrics(ctx, "login_callback", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "no session")
		h.writeOAuthError(w, ErrLoginRequired("authentication is required"))
		return
	}

	h.completeAuthorization(w, r, state, sess, startTime, span)
}

// completeAuthorization binds the session's user to the pending flow, issues
// the authorization code, and redirects back to the client.
func (h *Handler) completeAuthorization(w http.ResponseWriter, r *http.Request, state string, sess *storage.Session, startTime time.Time, span trace.Span) {
	ctx := r.Context()

	if h.server.userRateLimiter != nil && !h.server.userRateLimiter.Allow(sess.UserID) {
		if m := h.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "user")
		}
		h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusTooManyRequests, startTime)
		h.writeRateLimited(w, h.clientIP(r), "too many authorization attempts for this user")
		return
	}

	if err := h.server.engine.BindAuthorizationState(ctx, state, sess.UserID, sess.ID); err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	grant, err := h.server.engine.IssueAuthorizationCode(ctx, state)
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, grant.RedirectURL(), http.StatusFound)
}

func (h *Handler) loginRedirectURL(state string) string {
	u, err := url.Parse(h.server.config.LoginURL)
	if err != nil {
		return h.server.config.LoginURL
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// ==================== Token Endpoint ====================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, r.Context(), "token", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case grantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case grantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientIP)
	case grantTypeClientCredentials:
		h.handleClientCredentialsGrant(w, r, clientIP)
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeOAuthError(w, ErrInvalidRequest("code is required"))
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	tokens, err := h.server.engine.ExchangeAuthorizationCode(ctx, client.ClientID,
		r.FormValue("redirect_uri"), code, r.FormValue("code_verifier"), r.FormValue("resource"))
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.logger.Warn("Code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", oauthErr.Code)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tokens)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeOAuthError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	tokens, err := h.server.engine.RefreshAccessToken(ctx, client.ClientID, refreshToken,
		r.FormValue("scope"), r.FormValue("resource"))
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.logger.Warn("Token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", oauthErr.Code)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tokens)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_credentials")
		defer span.End()
	}

	client, oauthErr := h.authenticateConfidentialClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	tokens, err := h.server.engine.IssueClientCredentialsToken(ctx, client,
		r.FormValue("scope"), r.FormValue("resource"))
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tokens)
}

// ==================== Revocation Endpoint (RFC 7009) ====================

// ServeTokenRevocation handles the token revocation endpoint.
// Revocation requires an authenticated confidential client and is
// non-disclosing: unknown and foreign tokens still answer 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "revocation", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateConfidentialClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, oauthErr)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("token is required"))
		return
	}

	if err := h.server.engine.RevokeToken(ctx, client, token, r.FormValue("token_type_hint"), clientIP); err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "revocation", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "revocation", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, map[string]any{})
}

// ==================== Introspection Endpoint (RFC 7662) ====================

// ServeTokenIntrospection handles the token introspection endpoint.
// Requires an authenticated confidential client to prevent token scanning.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "introspection", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "introspection", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "introspection", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateConfidentialClient(r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "introspection", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeOAuthError(w, oauthErr)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics(ctx, "introspection", r.Method, http.StatusBadRequest, startTime)
		h.writeJSON(w, http.StatusBadRequest, &server.Introspection{Active: false})
		return
	}

	result := h.server.engine.IntrospectToken(ctx, client.ClientID, token, r.FormValue("token_type_hint"))

	h.recordHTTPMetrics(ctx, "introspection", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, result)
}

// ==================== UserInfo Endpoint ====================

// ServeUserInfo handles the OIDC userinfo endpoint. Claims are filtered by
// the access token's granted scopes.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.userinfo")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "userinfo", clientIP) {
		return
	}

	token, ok := h.extractBearerToken(r)
	if !ok {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusUnauthorized, startTime)
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "missing or malformed Authorization header")
		return
	}

	at, err := h.server.engine.ValidateAccessToken(ctx, token)
	if err != nil {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "access token is invalid or expired")
		return
	}

	if !server.HasScope(at.Scopes, server.ScopeOpenID) {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidScope("token was not granted the openid scope"))
		return
	}

	claims, err := h.server.engine.UserInfoClaims(ctx, token)
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, claims)
}

// ==================== End Session Endpoint ====================

// ServeEndSession handles RP-initiated logout (OIDC RP-Initiated Logout).
// The id_token_hint proves the caller held a token for the session; the
// session named by its sid claim is deleted.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.end_session")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "end_session", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "end_session", clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "end_session", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	result, err := h.server.engine.ValidateEndSession(ctx, &server.EndSessionRequest{
		IDTokenHint:           r.FormValue("id_token_hint"),
		PostLogoutRedirectURI: r.FormValue("post_logout_redirect_uri"),
		State:                 r.FormValue("state"),
	})
	if err != nil {
		oauthErr := oauthErrorFrom(err)
		h.recordHTTPMetrics(ctx, "end_session", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	// An explicit client_id must agree with the token's audience
	if clientID := r.FormValue("client_id"); clientID != "" && clientID != result.ClientID {
		h.recordHTTPMetrics(ctx, "end_session", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("client_id does not match id_token_hint audience"))
		return
	}

	if result.SessionID != "" {
		deleted, err := h.server.sessions.Delete(ctx, result.SessionID)
		if err != nil {
			h.logger.Error("Failed to delete session on logout", "error", err)
		} else if deleted {
			h.logger.Info("Session ended by RP-initiated logout", "client_id", result.ClientID)
		}
	}

	instrumentation.SetSpanSuccess(span)

	if result.RedirectURI != "" {
		h.recordHTTPMetrics(ctx, "end_session", r.Method, http.StatusFound, startTime)
		http.Redirect(w, r, postLogoutRedirectURL(result.RedirectURI, result.State), http.StatusFound)
		return
	}

	h.recordHTTPMetrics(ctx, "end_session", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, map[string]any{})
}

func postLogoutRedirectURL(redirectURI, state string) string {
	if state == "" {
		return redirectURI
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// ==================== Client Registration (RFC 7591) ====================

// ServeClientRegistration handles the dynamic client registration endpoint
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.server.config.Security.EnableDynamicRegistration {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusForbidden, startTime)
		h.writeOAuthError(w, ErrAccessDenied("dynamic client registration is disabled"))
		return
	}

	clientIP := h.clientIP(r)
	if !h.checkIPRateLimit(w, ctx, "registration", clientIP) {
		return
	}
	if h.server.registrationLimiter != nil && !h.server.registrationLimiter.Allow(clientIP) {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusTooManyRequests, startTime)
		h.writeRateLimited(w, clientIP, "")
		return
	}

	if !h.authorizeRegistration(r) {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "registration not authorized")
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidClient,
			"registration requires a valid registration access token", http.StatusUnauthorized))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidClientMetadata,
			"request body is not valid JSON", http.StatusBadRequest))
		return
	}

	client, secret, err := h.server.engine.RegisterClient(ctx, &server.RegistrationRequest{
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		PostLogoutRedirectURIs:  req.PostLogoutRedirectURIs,
		Scopes:                  server.ParseScopes(req.Scope),
		EnableEndSession:        len(req.PostLogoutRedirectURIs) > 0,
	}, clientIP, h.server.config.Security.MaxClientsPerIP)
	if err != nil {
		h.handleRegistrationError(w, ctx, r, err, clientIP, startTime, span)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   server.JoinScopes(client.Scopes),
		PostLogoutRedirectURIs:  client.PostLogoutRedirectURIs,
	})
}

// authorizeRegistration checks the registration gate: either open
// registration is enabled or the caller presents the registration token.
func (h *Handler) authorizeRegistration(r *http.Request) bool {
	if h.server.config.Security.AllowPublicClientRegistration {
		return true
	}

	configured := h.server.config.Security.RegistrationAccessToken
	if configured == "" {
		return false
	}

	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	return found && subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1
}

func (h *Handler) handleRegistrationError(w http.ResponseWriter, ctx context.Context, r *http.Request, err error, clientIP string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	if errors.Is(err, storage.ErrIPLimitExceeded) {
		h.recordHTTPMetrics(ctx, "registration", r.Method, http.StatusTooManyRequests, startTime)
		h.writeRateLimited(w, clientIP, "client registration limit reached for this IP")
		return
	}

	oauthErr := oauthErrorFrom(err)
	h.logger.Warn("Client registration rejected", "ip", clientIP, "error", oauthErr.Code)
	h.recordHTTPMetrics(ctx, "registration", r.Method, oauthErr.Status, startTime)
	h.writeOAuthError(w, oauthErr)
}

// ==================== Discovery Documents ====================

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildServerMetadata(false))
}

// ServeOpenIDConfiguration serves the OIDC discovery document
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildServerMetadata(true))
}

// ServeProtectedResourceMetadata serves RFC 9728 protected resource metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, &ProtectedResourceMetadata{
		Resource:               h.server.config.Resource,
		AuthorizationServers:   []string{h.server.config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.config.SupportedScopes,
	})
}

func (h *Handler) buildServerMetadata(openid bool) *AuthorizationServerMetadata {
	issuer := strings.TrimSuffix(h.server.config.Issuer, "/")

	metadata := &AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		RevocationEndpoint:    issuer + PathRevoke,
		IntrospectionEndpoint: issuer + PathIntrospect,
		ScopesSupported:       h.server.config.SupportedScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			grantTypeAuthorizationCode,
			grantTypeRefreshToken,
			grantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodNone,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodBasic,
		},
		CodeChallengeMethodsSupported: []string{server.PKCEMethodS256},
	}

	if h.server.config.Security.EnableDynamicRegistration {
		metadata.RegistrationEndpoint = issuer + PathRegister
	}

	if openid {
		metadata.UserinfoEndpoint = issuer + PathUserInfo
		metadata.EndSessionEndpoint = issuer + PathEndSession
		metadata.SubjectTypesSupported = []string{"public"}
		metadata.IDTokenSigningAlgValuesSupported = []string{"HS256"}
		metadata.ClaimsSupported = []string{
			"sub", "name", "given_name", "family_name", "picture", "email", "email_verified",
		}
	}

	return metadata
}

// ==================== Client Authentication ====================

// clientCredentials extracts client credentials from the request. Basic auth
// wins over form parameters when both are present.
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Basic ") {
		id, secret, ok := r.BasicAuth()
		if !ok {
			return "", "", fmt.Errorf("malformed Basic authorization header")
		}
		// Credentials are application/x-www-form-urlencoded inside Basic auth
		// (RFC 6749 Section 2.3.1)
		if id, err = url.QueryUnescape(id); err != nil {
			return "", "", fmt.Errorf("malformed client_id in Basic authorization header")
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return "", "", fmt.Errorf("malformed client_secret in Basic authorization header")
		}
		return id, secret, nil
	}

	return r.FormValue("client_id"), r.FormValue("client_secret"), nil
}

// authenticateClient authenticates the token endpoint caller. Public clients
// authenticate by identity only and must not present a secret; confidential
// clients must present a valid secret.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	ctx := r.Context()

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		return nil, ErrInvalidClient(err.Error())
	}
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}

	client, err := h.server.engine.GetClient(ctx, clientID)
	if err != nil {
		// Burn a secret validation anyway so unknown and known clients take
		// comparable time.
		_ = h.server.engine.ValidateClientCredentials(ctx, clientID, clientSecret)
		h.logAuthFailure(clientID, clientIP, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		if clientSecret != "" {
			h.logAuthFailure(clientID, clientIP, "public_client_with_secret")
			return nil, ErrInvalidClient("public clients must not send a client secret")
		}
		return client, nil
	}

	if err := h.server.engine.ValidateClientCredentials(ctx, clientID, clientSecret); err != nil {
		h.logAuthFailure(clientID, clientIP, "invalid_client_secret")
		return nil, ErrInvalidClient("client authentication failed")
	}

	return client, nil
}

// authenticateConfidentialClient authenticates the caller and rejects public
// clients. Used by endpoints where unauthenticated access enables scanning
// (revocation, introspection) or privilege escalation (client_credentials).
func (h *Handler) authenticateConfidentialClient(r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if client.IsPublic() {
		h.logAuthFailure(client.ClientID, clientIP, "public_client_not_allowed")
		return nil, ErrInvalidClient("this endpoint requires a confidential client")
	}
	return client, nil
}

func (h *Handler) logAuthFailure(clientID, clientIP, reason string) {
	if h.server.auditor != nil {
		h.server.auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
	h.logger.Warn("Client authentication failed",
		"client_id", clientID, "ip", clientIP, "reason", reason)
}

// ==================== Sessions ====================

// sessionFromRequest resolves the session cookie to a live session.
// Missing cookie, unknown session, and expired session all yield nil.
func (h *Handler) sessionFromRequest(r *http.Request) *storage.Session {
	cookie, err := r.Cookie(h.server.config.Session.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sess, err := h.server.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		h.logger.Error("Failed to load session", "error", err)
		return nil
	}
	return sess
}

// ==================== Rate Limiting ====================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.RateLimit.TrustProxy, h.server.config.RateLimit.TrustedProxyCount)
}

func (h *Handler) checkIPRateLimit(w http.ResponseWriter, ctx context.Context, endpoint string, clientIP string) bool {
	if h.server.rateLimiter == nil || h.server.rateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(ctx, "ip")
	}
	h.writeRateLimited(w, clientIP, "")
	return false
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, clientIP, description string) {
	if h.server.auditor != nil {
		h.server.auditor.LogRateLimitExceeded(clientIP, "")
	}
	if description == "" {
		description = "too many requests"
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            ErrorCodeRateLimitExceeded,
		ErrorDescription: description,
	})
}

// ==================== Response Writing ====================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTokenResponse writes a successful token endpoint response.
// Token-bearing responses must not be cached (RFC 6749 Section 5.1).
func (h *Handler) writeTokenResponse(w http.ResponseWriter, tokens *server.TokenResponse) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokens)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", oauthErr.Code, oauthErr.Description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge
// (RFC 6750 Section 3)
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeOAuthError(w, NewOAuthError(code, description, http.StatusUnauthorized))
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string

	if h.server.config.Resource != "" {
		metadataURL := strings.TrimSuffix(h.server.config.Issuer, "/") + PathProtectedResourceMetadata
		params = append(params, fmt.Sprintf(`resource_metadata=%q`, metadataURL))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope=%q`, headerEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error=%q`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description=%q`, headerEscape(errorDesc)))
	}

	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// headerEscape escapes quoted-string special characters for HTTP headers.
// Backslashes first, then quotes.
func headerEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// extractBearerToken pulls the Bearer token from the Authorization header
func (h *Handler) extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// ==================== Metrics ====================

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.instrumentation == nil {
		return nil
	}
	return h.server.instrumentation.Metrics()
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if m := h.metrics(); m != nil {
		m.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
	}
}
