package server

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// Dynamic Client Registration Tests
// ============================================================================

func TestRegisterClient_ConfidentialDefault(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	client, secret, err := srv.RegisterClient(ctx, &RegistrationRequest{
		ClientName:   "Web App",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "write"},
	}, "203.0.113.5", 10)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	if client.ClientType != ClientTypeConfidential {
		t.Errorf("ClientType = %q, want confidential", client.ClientType)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodPost {
		t.Errorf("auth method = %q, want client_secret_post default", client.TokenEndpointAuthMethod)
	}
	if secret == "" {
		t.Fatal("confidential client must receive a secret")
	}
	if client.ClientSecretHash == secret {
		t.Error("plaintext secret must never be stored")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not match the issued secret: %v", err)
	}

	// client_credentials is available to confidential clients
	found := false
	for _, gt := range client.GrantTypes {
		if gt == "client_credentials" {
			found = true
		}
	}
	if !found {
		t.Errorf("GrantTypes = %v, want client_credentials included", client.GrantTypes)
	}

	stored, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("registered client not retrievable: %v", err)
	}
	if stored.ClientName != "Web App" {
		t.Errorf("stored ClientName = %q", stored.ClientName)
	}
}

func TestRegisterClient_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		ClientName:              "Native App",
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"https://app.example.com/callback"},
	}, "203.0.113.6", 10)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	if client.ClientType != ClientTypePublic {
		t.Errorf("ClientType = %q, want public", client.ClientType)
	}
	if secret != "" {
		t.Error("public client must not receive a secret")
	}
	if client.ClientSecretHash != "" {
		t.Error("public client must not have a secret hash")
	}
	if !client.IsPublic() {
		t.Error("IsPublic() = false for a public client")
	}
}

func TestRegisterClient_BasicAuthMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		TokenEndpointAuthMethod: TokenEndpointAuthMethodBasic,
		RedirectURIs:            []string{"https://app.example.com/callback"},
	}, "203.0.113.7", 10)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("auth method = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
	}
	if secret == "" {
		t.Error("client_secret_basic client must receive a secret")
	}
}

func TestRegisterClient_UnsupportedAuthMethod(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		TokenEndpointAuthMethod: "private_key_jwt",
		RedirectURIs:            []string{"https://app.example.com/callback"},
	}, "203.0.113.8", 10)
	if err == nil {
		t.Fatal("expected error for unsupported auth method")
	}
	if !strings.Contains(err.Error(), "invalid_client_metadata") {
		t.Errorf("expected invalid_client_metadata, got: %v", err)
	}
}

func TestRegisterClient_RequiresRedirectURIs(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		ClientName: "No URIs",
	}, "203.0.113.9", 10)
	if err == nil {
		t.Fatal("expected error for missing redirect_uris")
	}
}

func TestRegisterClient_RejectsDangerousRedirectURI(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, uri := range []string{
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"https://app.example.com/callback#fragment",
	} {
		_, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
			RedirectURIs: []string{uri},
		}, "203.0.113.10", 10)
		if err == nil {
			t.Errorf("expected rejection for redirect URI %q", uri)
		}
	}
}

func TestRegisterClient_UnsupportedScope(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "superuser"},
	}, "203.0.113.11", 10)
	if err == nil {
		t.Fatal("expected error for unsupported scope")
	}
}

func TestRegisterClient_DefaultScopes(t *testing.T) {
	srv, _ := newTestServer(t)

	client, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "203.0.113.12", 10)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if JoinScopes(client.Scopes) != "read" {
		t.Errorf("Scopes = %v, want server default [read]", client.Scopes)
	}
}

func TestRegisterClient_IPLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	req := &RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	}

	for i := 0; i < 2; i++ {
		if _, _, err := srv.RegisterClient(ctx, req, "198.51.100.1", 2); err != nil {
			t.Fatalf("registration %d failed: %v", i+1, err)
		}
	}

	if _, _, err := srv.RegisterClient(ctx, req, "198.51.100.1", 2); err == nil {
		t.Error("expected IP limit to reject the third registration")
	}
	// A different IP is unaffected
	if _, _, err := srv.RegisterClient(ctx, req, "198.51.100.2", 2); err != nil {
		t.Errorf("registration from a fresh IP failed: %v", err)
	}
}

func TestRegisterClient_PostLogoutRedirectURIs(t *testing.T) {
	srv, _ := newTestServer(t)

	client, _, err := srv.RegisterClient(context.Background(), &RegistrationRequest{
		RedirectURIs:           []string{"https://app.example.com/callback"},
		PostLogoutRedirectURIs: []string{"https://app.example.com/signed-out"},
		EnableEndSession:       true,
	}, "203.0.113.13", 10)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if len(client.PostLogoutRedirectURIs) != 1 {
		t.Errorf("PostLogoutRedirectURIs = %v", client.PostLogoutRedirectURIs)
	}
	if !client.EnableEndSession {
		t.Error("EnableEndSession not persisted")
	}

	// Dangerous post-logout URIs are rejected too
	_, _, err = srv.RegisterClient(context.Background(), &RegistrationRequest{
		RedirectURIs:           []string{"https://app.example.com/callback"},
		PostLogoutRedirectURIs: []string{"javascript:alert(1)"},
	}, "203.0.113.13", 10)
	if err == nil {
		t.Error("expected rejection for a javascript post_logout_redirect_uri")
	}
}

// ============================================================================
// Credential Validation Tests
// ============================================================================

func TestValidateClientCredentials(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-creds")
	ctx := context.Background()

	if err := srv.ValidateClientCredentials(ctx, client.ClientID, testClientSecret); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if err := srv.ValidateClientCredentials(ctx, client.ClientID, "wrong-secret"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := srv.ValidateClientCredentials(ctx, "no-such-client", testClientSecret); err == nil {
		t.Error("unknown client accepted")
	}
}

func TestGetClient(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-lookup")
	ctx := context.Background()

	got, err := srv.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q", got.ClientID)
	}

	if _, err := srv.GetClient(ctx, "missing"); err == nil {
		t.Error("expected error for unknown client")
	}
}
