// Package storage provides interfaces and types for OAuth client, flow, token,
// and session persistence.
//
// The storage package defines the core storage interfaces used throughout the
// oauth-server library:
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages authorization states and single-use authorization codes
//   - TokenStore: Manages issued access and refresh tokens and user claims
//   - SessionStore: Manages user sessions with sliding expiry
//
// Storage failures that carry protocol meaning (missing records, duplicate
// state values, expired tokens) are reported through the sentinel errors in
// this package so callers can map them onto OAuth error responses without
// inspecting error strings.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
