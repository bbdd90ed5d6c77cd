package server

import (
	"fmt"
	"strings"

	"github.com/hydrantlabs/oauth-server/storage"
)

// Well-known scope values.
const (
	// ScopeOpenID triggers OpenID Connect ID token issuance.
	ScopeOpenID = "openid"

	// ScopeOfflineAccess requests a refresh token alongside the access token.
	ScopeOfflineAccess = "offline_access"

	// ScopeProfile exposes name and picture claims from the userinfo endpoint.
	ScopeProfile = "profile"

	// ScopeEmail exposes email claims from the userinfo endpoint.
	ScopeEmail = "email"
)

// ParseScopes splits a space-delimited scope string into individual scope
// values, dropping duplicates while preserving first-seen order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	scopes := make([]string, 0, len(fields))
	for _, s := range fields {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}
	return scopes
}

// JoinScopes renders a scope list back into the space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether a granted scope list contains a single scope.
func HasScope(granted []string, scope string) bool {
	for _, s := range granted {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every required scope is present in the granted
// list. An empty required list is trivially satisfied.
func HasAllScopes(granted, required []string) bool {
	for _, r := range required {
		if !HasScope(granted, r) {
			return false
		}
	}
	return true
}

// HasAnyScope reports whether at least one of the candidate scopes is present
// in the granted list. An empty candidate list never matches.
func HasAnyScope(granted, candidates []string) bool {
	for _, c := range candidates {
		if HasScope(granted, c) {
			return true
		}
	}
	return false
}

// isScopeSubset reports whether every scope in sub also appears in super.
func isScopeSubset(sub, super []string) bool {
	return HasAllScopes(super, sub)
}

// resolveGrantedScopes determines the scopes to grant for a request.
// An explicit request is validated against the client's registered scopes and
// the server's supported set. An empty request falls back to the client's
// registered scopes, then to the server-wide default.
func (s *Server) resolveGrantedScopes(client *storage.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		if len(client.Scopes) > 0 {
			return append([]string(nil), client.Scopes...), nil
		}
		return append([]string(nil), s.Config.DefaultScope...), nil
	}

	if err := s.validateRequestedScopes(client, requested); err != nil {
		return nil, err
	}
	return requested, nil
}

// validateRequestedScopes rejects any requested scope outside the client's
// registered scopes or the server's supported set.
func (s *Server) validateRequestedScopes(client *storage.Client, requested []string) error {
	for _, scope := range requested {
		if len(s.Config.SupportedScopes) > 0 && !HasScope(s.Config.SupportedScopes, scope) {
			return fmt.Errorf("scope %q is not supported by this server", scope)
		}
		if len(client.Scopes) > 0 && !HasScope(client.Scopes, scope) {
			return fmt.Errorf("scope %q is not registered for this client", scope)
		}
	}
	return nil
}
