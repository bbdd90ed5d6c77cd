package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hydrantlabs/oauth-server/server"
	"github.com/hydrantlabs/oauth-server/storage"
	"github.com/hydrantlabs/oauth-server/storage/memory"
)

// ==================== Test Setup ====================

type testEnv struct {
	server *Server
	mux    *http.ServeMux
	store  *memory.Store
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	config := &Config{
		Issuer:          "http://localhost:8080",
		SupportedScopes: []string{"openid", "profile", "email", "files:read"},
		DefaultScope:    []string{"openid", "profile"},
		LoginURL:        "http://localhost:8080/login",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		CleanupInterval: -1,
		Tokens: TokenConfig{
			SigningSecret: "test-signing-secret-with-enough-entropy",
		},
		Security: SecurityConfig{
			EnableDynamicRegistration:     true,
			AllowPublicClientRegistration: true,
		},
	}
	if mutate != nil {
		mutate(config)
	}

	srv, err := NewServer(store, store, store, store, config)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	NewHandler(srv).RegisterRoutes(mux)

	return &testEnv{server: srv, mux: mux, store: store}
}

func (e *testEnv) registerPublicClient(t *testing.T, redirectURI string) *storage.Client {
	t.Helper()
	client, _, err := e.server.Engine().RegisterClient(context.Background(), &server.RegistrationRequest{
		ClientName:              "test-public",
		TokenEndpointAuthMethod: "none",
		RedirectURIs:            []string{redirectURI},
		PostLogoutRedirectURIs:  []string{"http://127.0.0.1:9090/logged-out"},
		Scopes:                  []string{"openid", "profile", "email"},
		EnableEndSession:        true,
	}, "203.0.113.10", 10)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

func (e *testEnv) registerConfidentialClient(t *testing.T) (*storage.Client, string) {
	t.Helper()
	client, secret, err := e.server.Engine().RegisterClient(context.Background(), &server.RegistrationRequest{
		ClientName:              "test-confidential",
		TokenEndpointAuthMethod: "client_secret_post",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		Scopes:                  []string{"openid", "profile", "email"},
	}, "203.0.113.11", 10)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client, secret
}

func (e *testEnv) createSession(t *testing.T, userID string) *storage.Session {
	t.Helper()
	sess, err := e.server.Sessions().Create(context.Background(), userID, "203.0.113.10", "go-test")
	if err != nil {
		t.Fatalf("Sessions().Create() error = %v", err)
	}
	return sess
}

func (e *testEnv) saveUserInfo(t *testing.T, userID string) {
	t.Helper()
	err := e.store.SaveUserInfo(context.Background(), userID, &storage.UserInfo{
		Subject:       userID,
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
		Email:         "ada@example.com",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("SaveUserInfo() error = %v", err)
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(e *testEnv, sess *storage.Session) *http.Cookie {
	return &http.Cookie{Name: e.server.Config().Session.CookieName, Value: sess.ID}
}

func pkcePair() (challenge, verifier string) {
	verifier = strings.Repeat("v", 43) + "0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), verifier
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v (body %q)", err, rec.Body.String())
	}
	return &resp
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) *server.TokenResponse {
	t.Helper()
	var resp server.TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding token response: %v (body %q)", err, rec.Body.String())
	}
	return &resp
}

// authorizeForCode drives the authorization endpoint with an authenticated
// session and returns the issued code.
func (e *testEnv) authorizeForCode(t *testing.T, client *storage.Client, sess *storage.Session, challenge, scope, state string) string {
	t.Helper()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"scope":                 {scope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {"n-0S6_WzA2Mj"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	req.AddCookie(sessionCookie(e, sess))

	rec := e.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d (body %q)", rec.Code, http.StatusFound, rec.Body.String())
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect location: %v", err)
	}
	if got := loc.Query().Get("state"); got != state {
		t.Errorf("redirect state = %q, want %q", got, state)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect location %q carries no code", rec.Header().Get("Location"))
	}
	return code
}

// ==================== Authorization Code Flow ====================

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")
	sess := env.createSession(t, "user-1")
	env.saveUserInfo(t, "user-1")

	challenge, verifier := pkcePair()
	code := env.authorizeForCode(t, client, sess, challenge, "openid profile email", "state-12345678")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"client_id":     {client.ClientID},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}

	tokens := decodeTokens(t, rec)
	if tokens.AccessToken == "" {
		t.Error("response carries no access_token")
	}
	if tokens.RefreshToken == "" {
		t.Error("response carries no refresh_token")
	}
	if tokens.IDToken == "" {
		t.Error("openid scope was granted but no id_token was issued")
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want %q", tokens.TokenType, "Bearer")
	}

	// The issued access token resolves to the session's user
	at, err := env.server.Engine().ValidateAccessToken(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if at.UserID != "user-1" {
		t.Errorf("access token user = %q, want %q", at.UserID, "user-1")
	}
	if at.SessionID != sess.ID {
		t.Errorf("access token session = %q, want %q", at.SessionID, sess.ID)
	}
}

func TestAuthorization_RedirectsToLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	challenge, _ := pkcePair()
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"state":                 {"state-12345678"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), "http://localhost:8080/login") {
		t.Errorf("redirect = %q, want login page", loc.String())
	}
	if loc.Query().Get("state") != "state-12345678" {
		t.Errorf("login redirect state = %q, want original state", loc.Query().Get("state"))
	}
}

func TestAuthorization_LoginRequiredWithoutLoginURL(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LoginURL = "" })
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	challenge, _ := pkcePair()
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"state":                 {"state-12345678"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeLoginRequired {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeLoginRequired)
	}
}

func TestAuthorization_RejectsUnknownResponseType(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	params := url.Values{
		"response_type": {"token"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {client.RedirectURIs[0]},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rec); resp.Error != "unsupported_response_type" {
		t.Errorf("error = %q, want unsupported_response_type", resp.Error)
	}
}

func TestAuthorization_RejectsUnknownClient(t *testing.T) {
	env := newTestEnv(t, nil)

	challenge, _ := pkcePair()
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {"no-such-client"},
		"redirect_uri":          {"http://127.0.0.1:9090/callback"},
		"state":                 {"state-12345678"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusUnauthorized, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidClient)
	}
}

func TestLoginCallback_ResumesFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	challenge, _ := pkcePair()
	state := "state-12345678"
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {client.RedirectURIs[0]},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)); rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d", rec.Code, http.StatusFound)
	}

	// The login page establishes a session and sends the user agent back
	sess := env.createSession(t, "user-2")
	req := httptest.NewRequest(http.MethodGet, "/login/callback?state="+url.QueryEscape(state), nil)
	req.AddCookie(sessionCookie(env, sess))

	rec := env.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want %d (body %q)", rec.Code, http.StatusFound, rec.Body.String())
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("code") == "" {
		t.Errorf("callback redirect %q carries no code", loc.String())
	}
}

func TestLoginCallback_RequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/login/callback?state=state-12345678", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// ==================== Token Endpoint ====================

func TestToken_RejectsWrongVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")
	sess := env.createSession(t, "user-1")

	challenge, _ := pkcePair()
	code := env.authorizeForCode(t, client, sess, challenge, "openid", "state-12345678")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"client_id":     {client.ClientID},
		"code_verifier": {strings.Repeat("w", 50)},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
}

func TestToken_CodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")
	sess := env.createSession(t, "user-1")

	challenge, verifier := pkcePair()
	code := env.authorizeForCode(t, client, sess, challenge, "openid", "state-12345678")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"client_id":     {client.ClientID},
		"code_verifier": {verifier},
	}
	exchange := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return env.do(req)
	}

	if rec := exchange(); rec.Code != http.StatusOK {
		t.Fatalf("first exchange status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := exchange(); rec.Code != http.StatusBadRequest {
		t.Errorf("replayed exchange status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")
	sess := env.createSession(t, "user-1")

	challenge, verifier := pkcePair()
	code := env.authorizeForCode(t, client, sess, challenge, "openid profile", "state-12345678")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"client_id":     {client.ClientID},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokens := decodeTokens(t, env.do(req))

	refresh := func(refreshToken string) *httptest.ResponseRecorder {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {client.ClientID},
		}
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return env.do(req)
	}

	rec := refresh(tokens.RefreshToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	rotated := decodeTokens(t, rec)
	if rotated.RefreshToken == "" || rotated.RefreshToken == tokens.RefreshToken {
		t.Errorf("refresh token was not rotated")
	}

	// The consumed refresh token is dead
	if rec := refresh(tokens.RefreshToken); rec.Code != http.StatusBadRequest {
		t.Errorf("replayed refresh status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestToken_RejectsUnknownGrantType(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{"grant_type": {"password"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnsupportedGrantType)
	}
}

func TestToken_PublicClientMustNotSendSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"whatever"},
		"client_id":     {client.ClientID},
		"client_secret": {"should-not-be-here"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer ") {
		t.Errorf("WWW-Authenticate = %q, want Bearer challenge", got)
	}
}

func TestToken_ClientCredentialsGrant(t *testing.T) {
	env := newTestEnv(t, nil)
	client, secret := env.registerConfidentialClient(t)

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"profile"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(secret))

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	tokens := decodeTokens(t, rec)
	if tokens.AccessToken == "" {
		t.Error("response carries no access_token")
	}
	if tokens.RefreshToken != "" {
		t.Error("client_credentials grant must not issue a refresh token")
	}
}

func TestToken_ClientCredentialsRejectsPublicClient(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {client.ClientID},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

// ==================== UserInfo ====================

func obtainTokens(t *testing.T, env *testEnv, scope string) *server.TokenResponse {
	t.Helper()
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")
	sess := env.createSession(t, "user-1")
	env.saveUserInfo(t, "user-1")

	challenge, verifier := pkcePair()
	code := env.authorizeForCode(t, client, sess, challenge, scope, "state-12345678")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.RedirectURIs[0]},
		"client_id":     {client.ClientID},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	return decodeTokens(t, rec)
}

func TestUserInfo_FiltersClaimsByScope(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := obtainTokens(t, env, "openid email")

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var claims map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&claims); err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
	if claims["email"] != "ada@example.com" {
		t.Errorf("email = %v, want ada@example.com", claims["email"])
	}
	// profile scope was not granted
	if _, ok := claims["name"]; ok {
		t.Errorf("name claim present without profile scope")
	}
}

func TestUserInfo_RequiresOpenIDScope(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := obtainTokens(t, env, "profile")

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeInvalidScope {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidScope)
	}
}

func TestUserInfo_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"unknown token", "Bearer not-a-real-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := env.do(req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, ErrorCodeInvalidToken) {
				t.Errorf("WWW-Authenticate = %q, want invalid_token", got)
			}
		})
	}
}

// ==================== Revocation and Introspection ====================

func TestRevocationAndIntrospection(t *testing.T) {
	env := newTestEnv(t, nil)
	client, secret := env.registerConfidentialClient(t)

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(secret))
	tokens := decodeTokens(t, env.do(req))

	introspect := func(token string) *server.Introspection {
		form := url.Values{
			"token":         {token},
			"client_id":     {client.ClientID},
			"client_secret": {secret},
		}
		req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := env.do(req)
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
		}
		var result server.Introspection
		if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
			t.Fatalf("decoding introspection: %v", err)
		}
		return &result
	}

	if result := introspect(tokens.AccessToken); !result.Active {
		t.Fatal("freshly issued token introspects as inactive")
	}

	revokeForm := url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	}
	revokeReq := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(revokeForm.Encode()))
	revokeReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := env.do(revokeReq); rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	if result := introspect(tokens.AccessToken); result.Active {
		t.Error("revoked token still introspects as active")
	}
}

func TestRevocation_UnknownTokenSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	client, secret := env.registerConfidentialClient(t)

	form := url.Values{
		"token":         {"no-such-token"},
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRevocation_RequiresConfidentialClient(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.registerPublicClient(t, "http://127.0.0.1:9090/callback")

	form := url.Values{
		"token":     {"whatever"},
		"client_id": {client.ClientID},
	}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestIntrospection_MissingTokenInactive(t *testing.T) {
	env := newTestEnv(t, nil)
	client, secret := env.registerConfidentialClient(t)

	form := url.Values{
		"client_id":     {client.ClientID},
		"client_secret": {secret},
	}
	req := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var result server.Introspection
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decoding introspection: %v", err)
	}
	if result.Active {
		t.Error("missing token introspects as active")
	}
}

// ==================== End Session ====================

func TestEndSession_DeletesSessionAndRedirects(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := obtainTokens(t, env, "openid")
	if tokens.IDToken == "" {
		t.Fatal("no id_token issued")
	}

	at, err := env.server.Engine().ValidateAccessToken(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}

	params := url.Values{
		"id_token_hint":            {tokens.IDToken},
		"post_logout_redirect_uri": {"http://127.0.0.1:9090/logged-out"},
		"state":                    {"after-logout"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/end-session?"+params.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusFound, rec.Body.String())
	}

	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("state") != "after-logout" {
		t.Errorf("post-logout redirect state = %q, want after-logout", loc.Query().Get("state"))
	}

	// The session bound to the ID token is gone
	if sess, err := env.server.Sessions().Get(context.Background(), at.SessionID); err != nil {
		t.Fatalf("Sessions().Get() error = %v", err)
	} else if sess != nil {
		t.Error("session survived end-session")
	}
}

func TestEndSession_RequiresIDTokenHint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/end-session", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEndSession_UnregisteredRedirectStillLogsOut(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := obtainTokens(t, env, "openid")

	at, err := env.server.Engine().ValidateAccessToken(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}

	params := url.Values{
		"id_token_hint":            {tokens.IDToken},
		"post_logout_redirect_uri": {"https://evil.example.com/"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/end-session?"+params.Encode(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if rec.Header().Get("Location") != "" {
		t.Errorf("unexpected redirect to %q", rec.Header().Get("Location"))
	}

	// The logout still happened even though the redirect was dropped
	if sess, err := env.server.Sessions().Get(context.Background(), at.SessionID); err != nil {
		t.Fatalf("Sessions().Get() error = %v", err)
	} else if sess != nil {
		t.Error("session survived end-session")
	}
}

func TestEndSession_RejectsMismatchedClientID(t *testing.T) {
	env := newTestEnv(t, nil)
	tokens := obtainTokens(t, env, "openid")

	params := url.Values{
		"id_token_hint": {tokens.IDToken},
		"client_id":     {"some-other-client"},
	}
	rec := env.do(httptest.NewRequest(http.MethodGet, "/end-session?"+params.Encode(), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

// ==================== Client Registration ====================

func TestRegistration_CreatesClient(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{
		"client_name": "My App",
		"redirect_uris": ["https://app.example.com/callback"],
		"token_endpoint_auth_method": "client_secret_post",
		"scope": "openid profile"
	}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	raw := rec.Body.Bytes()
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decoding registration response: %v", err)
	}
	if resp.ClientID == "" {
		t.Error("response carries no client_id")
	}
	if resp.ClientSecret == "" {
		t.Error("confidential client registration returned no secret")
	}
	// Non-expiring secrets announce expires_at 0 explicitly (RFC 7591 Section 3.2.1)
	if !strings.Contains(string(raw), `"client_secret_expires_at":0`) {
		t.Errorf("response does not announce client_secret_expires_at: %s", raw)
	}
}

func TestRegistration_PublicClientGetsNoSecret(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{
		"redirect_uris": ["http://127.0.0.1:8123/callback"],
		"token_endpoint_auth_method": "none"
	}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding registration response: %v", err)
	}
	if resp.ClientSecret != "" {
		t.Error("public client registration returned a secret")
	}
}

func TestRegistration_GatedByAccessToken(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Security.AllowPublicClientRegistration = false
		c.Security.RegistrationAccessToken = "registration-token"
	})

	body := `{"redirect_uris": ["https://app.example.com/callback"]}`

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer registration-token")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestRegistration_DisabledAnswersAccessDenied(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Security.EnableDynamicRegistration = false
	})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusForbidden, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeAccessDenied)
	}
}

func TestRegistration_RejectsDangerousRedirectURI(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"redirect_uris": ["javascript:alert(1)"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := env.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

// ==================== Discovery ====================

func TestServerMetadata(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if metadata.Issuer != "http://localhost:8080" {
		t.Errorf("issuer = %q", metadata.Issuer)
	}
	if metadata.TokenEndpoint != "http://localhost:8080/token" {
		t.Errorf("token_endpoint = %q", metadata.TokenEndpoint)
	}
	if metadata.RegistrationEndpoint == "" {
		t.Error("registration_endpoint absent although registration is enabled")
	}
	if len(metadata.CodeChallengeMethodsSupported) != 1 || metadata.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", metadata.CodeChallengeMethodsSupported)
	}
}

func TestOpenIDConfiguration(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var metadata AuthorizationServerMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if metadata.UserinfoEndpoint != "http://localhost:8080/userinfo" {
		t.Errorf("userinfo_endpoint = %q", metadata.UserinfoEndpoint)
	}
	if metadata.EndSessionEndpoint != "http://localhost:8080/end-session" {
		t.Errorf("end_session_endpoint = %q", metadata.EndSessionEndpoint)
	}
	if len(metadata.IDTokenSigningAlgValuesSupported) != 1 || metadata.IDTokenSigningAlgValuesSupported[0] != "HS256" {
		t.Errorf("id_token_signing_alg_values_supported = %v", metadata.IDTokenSigningAlgValuesSupported)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Resource = "http://localhost:8080/api"
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var metadata ProtectedResourceMetadata
	if err := json.NewDecoder(rec.Body).Decode(&metadata); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if metadata.Resource != "http://localhost:8080/api" {
		t.Errorf("resource = %q", metadata.Resource)
	}
	if len(metadata.AuthorizationServers) != 1 || metadata.AuthorizationServers[0] != "http://localhost:8080" {
		t.Errorf("authorization_servers = %v", metadata.AuthorizationServers)
	}
}

func TestProtectedResourceMetadata_AbsentWithoutResource(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// ==================== Rate Limiting ====================

func TestIPRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit.Rate = 1
		c.RateLimit.Burst = 2
	})

	form := url.Values{"grant_type": {"password"}}
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "198.51.100.7:40000"
		return env.do(req)
	}

	limited := false
	for i := 0; i < 10; i++ {
		if rec := post(); rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 response carries no Retry-After")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limiter never engaged")
	}
}
