// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements the ClientStore, FlowStore, TokenStore, and SessionStore
// interfaces using Go's built-in maps with mutex protection for thread safety. It is
// suitable for development, testing, and single-instance deployments where persistence
// is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic single-use consumption of authorization codes and refresh tokens
//   - Automatic cleanup of expired states, codes, tokens, and sessions
//   - Configurable cleanup intervals
//   - PII encryption at rest via Encryptor
//
// For production deployments requiring persistence or multi-instance deployments,
// use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// Use store for the ClientStore, FlowStore, TokenStore, and SessionStore interfaces
//	server, _ := server.New(store, store, store, store, config, logger)
package memory
