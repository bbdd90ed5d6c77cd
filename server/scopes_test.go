package server

import (
	"testing"
)

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   ", nil},
		{"single", "openid", []string{"openid"}},
		{"multiple", "openid profile email", []string{"openid", "profile", "email"}},
		{"extra whitespace", "  openid   profile  ", []string{"openid", "profile"}},
		{"duplicates removed", "read read write read", []string{"read", "write"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseScopes(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHasAllScopes(t *testing.T) {
	granted := []string{"openid", "profile", "read"}

	if !HasAllScopes(granted, nil) {
		t.Error("empty required set must be satisfied")
	}
	if !HasAllScopes(granted, []string{"openid", "read"}) {
		t.Error("subset must be satisfied")
	}
	if HasAllScopes(granted, []string{"openid", "write"}) {
		t.Error("missing scope must not be satisfied")
	}
	if HasAllScopes(nil, []string{"read"}) {
		t.Error("empty grant satisfies nothing")
	}
}

func TestHasAnyScope(t *testing.T) {
	granted := []string{"openid", "profile"}

	if HasAnyScope(granted, nil) {
		t.Error("empty candidate set must never match")
	}
	if !HasAnyScope(granted, []string{"write", "profile"}) {
		t.Error("one match is enough")
	}
	if HasAnyScope(granted, []string{"write", "admin"}) {
		t.Error("no overlap must not match")
	}
}

func TestResolveGrantedScopes(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-scope-resolve")

	// Explicit request, valid
	scopes, err := srv.resolveGrantedScopes(client, []string{"read", "write"})
	if err != nil {
		t.Fatalf("resolveGrantedScopes failed: %v", err)
	}
	if JoinScopes(scopes) != "read write" {
		t.Errorf("scopes = %v", scopes)
	}

	// Explicit request outside the client registration
	seeded := seedPublicClient(t, store, "client-scope-limited")
	if _, err := srv.resolveGrantedScopes(seeded, []string{"write"}); err == nil {
		t.Error("expected rejection for a scope the client did not register")
	}

	// Empty request falls back to client scopes
	scopes, err = srv.resolveGrantedScopes(seeded, nil)
	if err != nil {
		t.Fatalf("resolveGrantedScopes failed: %v", err)
	}
	if JoinScopes(scopes) != JoinScopes(seeded.Scopes) {
		t.Errorf("scopes = %v, want client defaults", scopes)
	}
}

func TestResolveGrantedScopes_ServerDefault(t *testing.T) {
	srv, store := newTestServer(t)
	client := seedConfidentialClient(t, store, "client-no-scopes")
	client.Scopes = nil

	scopes, err := srv.resolveGrantedScopes(client, nil)
	if err != nil {
		t.Fatalf("resolveGrantedScopes failed: %v", err)
	}
	if JoinScopes(scopes) != "read" {
		t.Errorf("scopes = %v, want server default [read]", scopes)
	}
}
