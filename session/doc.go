// Package session implements server-side session lifecycle management with
// sliding-window expiration.
//
// Sessions are opaque records keyed by a random ID and persisted through the
// storage.SessionStore interface. The Manager owns lifetime policy: a session
// lives for MaxAge from its last renewal, and a read renews it only when less
// than UpdateAge remains. Renewal on every read would turn each request into
// a write; the update-age threshold bounds write amplification while keeping
// active sessions alive indefinitely.
//
// Expired sessions are deleted on read and swept by an optional background
// cleanup loop.
//
// Lifecycle observers can be attached with RegisterHooks: Before hooks run
// ahead of creation and deletion and may abort them, After hooks run once
// the mutation has been persisted.
package session
