package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// ID Token Tests
// ============================================================================

func TestNewIDToken_Claims(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-idtoken")
	now := time.Now()

	signed, err := srv.newIDToken(client, testUserID, testSessionID, "nonce-xyz", now)
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	key, err := srv.idTokenKey(client.ClientID)
	if err != nil {
		t.Fatalf("idTokenKey failed: %v", err)
	}
	claims := &idTokenClaims{}
	token, err := jwt.ParseWithClaims(signed, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("failed to parse ID token: %v", err)
	}
	if !token.Valid {
		t.Fatal("expected a valid token")
	}

	if claims.Issuer != srv.Config.Issuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, srv.Config.Issuer)
	}
	if claims.Subject != testUserID {
		t.Errorf("sub = %q, want %q", claims.Subject, testUserID)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != client.ClientID {
		t.Errorf("aud = %v, want [%s]", claims.Audience, client.ClientID)
	}
	if claims.Nonce != "nonce-xyz" {
		t.Errorf("nonce = %q", claims.Nonce)
	}
	// The seeded client participates in end-session, so sid is present
	if claims.SID != testSessionID {
		t.Errorf("sid = %q, want %q", claims.SID, testSessionID)
	}

	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != 10*time.Hour {
		t.Errorf("ID token TTL = %v, want 10h", ttl)
	}
}

func TestNewIDToken_SIDOnlyForEndSessionClients(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedPublicClient(t, store, "client-idtoken-nosid")
	// Public seed does not enable end-session

	signed, err := srv.newIDToken(client, testUserID, testSessionID, "", time.Now())
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	claims := &idTokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(signed, claims); err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if claims.SID != "" {
		t.Errorf("sid = %q, want empty for a client without end-session", claims.SID)
	}
	if claims.Nonce != "" {
		t.Errorf("nonce = %q, want omitted when not requested", claims.Nonce)
	}
}

func TestNewIDToken_RequiresSigningSecret(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-idtoken-nosecret")
	srv.Config.TokenSigningSecret = ""

	if _, err := srv.newIDToken(client, testUserID, "", "", time.Now()); err == nil {
		t.Error("expected error without a signing secret")
	}
}

func TestNewIDToken_PerClientKeys(t *testing.T) {
	srv, store := newTestServer(t)
	clientA := seedConfidentialClient(t, store, "client-key-a")
	clientB := seedConfidentialClient(t, store, "client-key-b")

	signed, err := srv.newIDToken(clientA, testUserID, "", "", time.Now())
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	// Client B's key must not verify client A's token
	keyB, err := srv.idTokenKey(clientB.ClientID)
	if err != nil {
		t.Fatalf("idTokenKey failed: %v", err)
	}
	_, err = jwt.ParseWithClaims(signed, &idTokenClaims{},
		func(*jwt.Token) (any, error) { return keyB, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err == nil {
		t.Error("token verified with another client's key")
	}
}

// ============================================================================
// End-Session Validation Tests
// ============================================================================

func TestValidateEndSession(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-endsession")
	client.PostLogoutRedirectURIs = []string{"https://app.example.com/signed-out"}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("failed to update client: %v", err)
	}

	idToken, err := srv.newIDToken(client, testUserID, testSessionID, "", time.Now())
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	result, err := srv.ValidateEndSession(context.Background(), &EndSessionRequest{
		IDTokenHint:           idToken,
		PostLogoutRedirectURI: "https://app.example.com/signed-out",
		State:                 "logout-state",
	})
	if err != nil {
		t.Fatalf("ValidateEndSession failed: %v", err)
	}

	if result.ClientID != client.ClientID {
		t.Errorf("ClientID = %q", result.ClientID)
	}
	if result.UserID != testUserID {
		t.Errorf("UserID = %q", result.UserID)
	}
	if result.SessionID != testSessionID {
		t.Errorf("SessionID = %q, want the sid claim", result.SessionID)
	}
	if result.RedirectURI != "https://app.example.com/signed-out" {
		t.Errorf("RedirectURI = %q", result.RedirectURI)
	}
	if result.State != "logout-state" {
		t.Errorf("State = %q", result.State)
	}
}

func TestValidateEndSession_Rejections(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-endsession-bad")

	idToken, err := srv.newIDToken(client, testUserID, testSessionID, "", time.Now())
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	ctx := context.Background()

	// Missing hint
	if _, err := srv.ValidateEndSession(ctx, &EndSessionRequest{}); err == nil {
		t.Error("expected error without id_token_hint")
	}

	// Garbage hint
	if _, err := srv.ValidateEndSession(ctx, &EndSessionRequest{IDTokenHint: "not-a-jwt"}); err == nil {
		t.Error("expected error for a malformed hint")
	}

	// Tampered signature
	tampered := idToken[:len(idToken)-4] + "AAAA"
	if _, err := srv.ValidateEndSession(ctx, &EndSessionRequest{IDTokenHint: tampered}); err == nil {
		t.Error("expected error for a tampered hint")
	}

	// An unregistered post-logout redirect URI is dropped, not an error;
	// the logout itself still succeeds
	result, err := srv.ValidateEndSession(ctx, &EndSessionRequest{
		IDTokenHint:           idToken,
		PostLogoutRedirectURI: "https://evil.example.com/out",
	})
	if err != nil {
		t.Fatalf("ValidateEndSession failed for an unregistered post_logout_redirect_uri: %v", err)
	}
	if result.RedirectURI != "" {
		t.Errorf("RedirectURI = %q, want it cleared for an unregistered URI", result.RedirectURI)
	}
	if result.SessionID != testSessionID {
		t.Errorf("SessionID = %q, want the sid claim", result.SessionID)
	}
}

func TestValidateEndSession_ClientNotEnabled(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-endsession-off")
	client.EnableEndSession = false
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("failed to update client: %v", err)
	}

	idToken, err := srv.newIDToken(client, testUserID, "", "", time.Now())
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	if _, err := srv.ValidateEndSession(context.Background(), &EndSessionRequest{IDTokenHint: idToken}); err == nil {
		t.Error("expected error for a client without end-session")
	}
}

func TestValidateEndSession_ExpiredHint(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-endsession-expired")

	idToken, err := srv.newIDToken(client, testUserID, "", "", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("newIDToken failed: %v", err)
	}

	if _, err := srv.ValidateEndSession(context.Background(), &EndSessionRequest{IDTokenHint: idToken}); err == nil {
		t.Error("expected error for an expired hint")
	}
}
