package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/hydrantlabs/oauth-server/storage/memory"
)

// ============================================================================
// PKCE Validation Tests
// ============================================================================

func TestValidatePKCE_S256(t *testing.T) {
	srv, _ := newTestServer(t)

	verifier := strings.Repeat("a", 43)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	if err := srv.validatePKCE(challenge, PKCEMethodS256, verifier); err != nil {
		t.Errorf("valid S256 pair rejected: %v", err)
	}
	if err := srv.validatePKCE(challenge, PKCEMethodS256, strings.Repeat("b", 43)); err == nil {
		t.Error("wrong verifier accepted")
	}
}

func TestValidatePKCE_VerifierLength(t *testing.T) {
	srv, _ := newTestServer(t)

	// RFC 7636: 43-128 characters
	if err := srv.validatePKCE("challenge", PKCEMethodS256, strings.Repeat("a", 42)); err == nil {
		t.Error("42-char verifier accepted")
	}
	if err := srv.validatePKCE("challenge", PKCEMethodS256, strings.Repeat("a", 129)); err == nil {
		t.Error("129-char verifier accepted")
	}
}

func TestValidatePKCE_VerifierCharset(t *testing.T) {
	srv, _ := newTestServer(t)

	invalid := strings.Repeat("a", 42) + "!"
	if err := srv.validatePKCE("challenge", PKCEMethodS256, invalid); err == nil {
		t.Error("verifier with invalid characters accepted")
	}
}

func TestValidatePKCE_NoChallengeBound(t *testing.T) {
	srv, _ := newTestServer(t)

	// No challenge on the grant means nothing to verify
	if err := srv.validatePKCE("", PKCEMethodS256, ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// But a bound challenge requires a verifier
	if err := srv.validatePKCE("some-challenge", PKCEMethodS256, ""); err == nil {
		t.Error("missing verifier accepted")
	}
}

func TestValidatePKCE_PlainDisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t)

	verifier := strings.Repeat("a", 43)
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier); err == nil {
		t.Error("plain method accepted while disabled")
	}

	srv.Config.AllowPKCEPlain = true
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier); err != nil {
		t.Errorf("plain method rejected while enabled: %v", err)
	}
}

// ============================================================================
// Redirect URI Validation Tests
// ============================================================================

func TestValidateRedirectURI_Registered(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-uri-check")

	uri, explicit, err := srv.validateRedirectURI(client, client.RedirectURIs[0])
	if err != nil {
		t.Fatalf("registered URI rejected: %v", err)
	}
	if uri != client.RedirectURIs[0] || !explicit {
		t.Errorf("got (%q, %v)", uri, explicit)
	}

	if _, _, err := srv.validateRedirectURI(client, "https://evil.example.com/cb"); err == nil {
		t.Error("unregistered URI accepted")
	}
}

func TestValidateRedirectURI_FallbackRules(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-uri-multi")

	// Single registered URI: absent redirect_uri falls back
	uri, explicit, err := srv.validateRedirectURI(client, "")
	if err != nil {
		t.Fatalf("fallback rejected: %v", err)
	}
	if uri != client.RedirectURIs[0] || explicit {
		t.Errorf("got (%q, %v), want fallback non-explicit", uri, explicit)
	}

	// Multiple registered URIs: redirect_uri is required
	client.RedirectURIs = append(client.RedirectURIs, "https://app.example.com/alt")
	if _, _, err := srv.validateRedirectURI(client, ""); err == nil {
		t.Error("absent redirect_uri accepted with multiple registrations")
	}
}

func TestValidateRedirectURIForRegistration_SSRFProtection(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"public https", "https://app.example.com/callback", false},
		{"loopback http", "http://127.0.0.1:8080/callback", false},
		{"localhost http", "http://localhost:3000/callback", false},
		{"custom scheme", "myapp://callback", false},
		{"javascript", "javascript:alert(1)", true},
		{"data", "data:text/html,x", true},
		{"file", "file:///etc/passwd", true},
		{"fragment", "https://app.example.com/cb#frag", true},
		{"private ip", "https://10.0.0.5/callback", true},
		{"link local", "https://169.254.169.254/latest/meta-data", true},
		{"unspecified", "https://0.0.0.0/callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.ValidateRedirectURIForRegistration(ctx, tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURIForRegistration(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURIForRegistration_ProductionMode(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.ProductionMode = true
	ctx := context.Background()

	if err := srv.ValidateRedirectURIForRegistration(ctx, "http://app.example.com/callback"); err == nil {
		t.Error("non-loopback HTTP accepted in production mode")
	}
	if err := srv.ValidateRedirectURIForRegistration(ctx, "https://app.example.com/callback"); err != nil {
		t.Errorf("HTTPS rejected in production mode: %v", err)
	}
}

func TestRedirectURIErrorCategory(t *testing.T) {
	srv, _ := newTestServer(t)

	err := srv.ValidateRedirectURIForRegistration(context.Background(), "https://10.1.2.3/cb")
	if !IsRedirectURISecurityError(err) {
		t.Fatalf("expected a RedirectURISecurityError, got %T", err)
	}
	if got := GetRedirectURIErrorCategory(err); got != RedirectURIErrorCategoryPrivateIP {
		t.Errorf("category = %q, want %q", got, RedirectURIErrorCategoryPrivateIP)
	}
}

// ============================================================================
// State and Resource Validation Tests
// ============================================================================

func TestValidateStateParameter(t *testing.T) {
	srv, _ := newTestServer(t)

	if err := srv.validateStateParameter(""); err == nil {
		t.Error("empty state accepted")
	}
	if err := srv.validateStateParameter("short"); err == nil {
		t.Error("short state accepted")
	}
	if err := srv.validateStateParameter("long-enough-state"); err != nil {
		t.Errorf("valid state rejected: %v", err)
	}
}

func TestValidateResource(t *testing.T) {
	srv, _ := newTestServer(t)

	if err := srv.validateResource(""); err != nil {
		t.Errorf("empty resource rejected: %v", err)
	}
	if err := srv.validateResource(testResource); err != nil {
		t.Errorf("configured resource rejected: %v", err)
	}
	if err := srv.validateResource(testResource + "/"); err != nil {
		t.Errorf("trailing-slash variant of configured resource rejected: %v", err)
	}
	if err := srv.validateResource("https://other.example.com"); err == nil {
		t.Error("unknown resource accepted")
	}

	srv.Config.Resource = ""
	if err := srv.validateResource("https://anything.example.com"); err == nil {
		t.Error("resource accepted with no configured resource")
	}
}

// ============================================================================
// HTTPS Enforcement Tests
// ============================================================================

func TestIsLocalhostHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.8.9.10", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", true},
		{"example.com", false},
		{"192.168.1.1", false},
	}
	for _, tt := range tests {
		if got := isLocalhostHostname(tt.hostname); got != tt.want {
			t.Errorf("isLocalhostHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestNew_RejectsHTTPIssuerInProduction(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	_, err := New(store, store, store, &Config{Issuer: "http://auth.example.com"}, nil)
	if err == nil {
		t.Error("HTTP issuer accepted without AllowInsecureHTTP")
	}

	if _, err := New(store, store, store, &Config{
		Issuer:            "http://auth.example.com",
		AllowInsecureHTTP: true,
	}, nil); err != nil {
		t.Errorf("HTTP issuer rejected despite AllowInsecureHTTP: %v", err)
	}

	if _, err := New(store, store, store, &Config{Issuer: "http://localhost:8080"}, nil); err != nil {
		t.Errorf("localhost HTTP issuer rejected: %v", err)
	}
}
