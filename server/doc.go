// Package server implements the core OAuth 2.0 authorization server engine.
//
// This package is the protocol layer: it validates authorization requests,
// mints and consumes authorization codes, issues and rotates tokens, and
// answers revocation and introspection queries. It holds no HTTP concerns;
// the root package wires it to endpoints.
//
// The Server type delegates to specialized modules:
//   - Client, flow, token persistence (storage package)
//   - Security features (security package)
//   - Metrics and tracing (instrumentation package)
//
// Key Features:
//   - Authorization code flow with mandatory PKCE (S256)
//   - Refresh token rotation with cascading access token revocation
//   - Token revocation (RFC 7009) and introspection (RFC 7662)
//   - Dynamic client registration (RFC 7591)
//   - Resource indicators (RFC 8707)
//   - HS256 ID tokens and RP-initiated logout validation
//   - Comprehensive security auditing and rate limiting
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer:             "https://auth.example.com",
//	    TokenSigningSecret: signingSecret,
//	}
//
//	srv, err := server.New(store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
