// Package valkey provides a Valkey/Redis-backed implementation of the storage
// interfaces: ClientStore, FlowStore, TokenStore, and SessionStore.
//
// Records are stored as JSON values under prefixed keys and expire through
// native TTLs, so short-lived flow state (authorization states, codes, tokens,
// sessions) is reclaimed by the server itself without a cleanup loop.
//
// Key layout, using the configured prefix (default "oauth:"):
//
//	{prefix}client:{clientID}        registered client
//	{prefix}client:ip:{ip}           registrations-per-IP counter (24h TTL)
//	{prefix}state:{state}            pending authorization flow
//	{prefix}code:{code}              issued authorization code
//	{prefix}access:{token}           access token record
//	{prefix}refresh:{token}          refresh token record
//	{prefix}refreshidx:{token}       set of access tokens minted under a refresh token
//	{prefix}userinfo:{userID}        profile claims
//	{prefix}session:{sessionID}      login session
//
// Single-use guarantees (authorization codes, refresh token rotation) rely on
// GETDEL, so only one concurrent consumer can receive a given record.
//
// Usage:
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	srv, err := oauth.NewServer(store, store, store, store, cfg)
//
// When an encryptor is configured via SetEncryptor, profile claims are
// encrypted before being written and decrypted on read, matching the behavior
// of the in-memory store.
package valkey
