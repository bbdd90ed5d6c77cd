// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the oauth-server library.
//
// This package enables observability across all library layers through:
// - Metrics: Counters, histograms, and gauges for monitoring OAuth operations
// - Traces: Distributed tracing for request flows across components
// - Logging: Structured logs with trace context integration
//
// # Quick Start
//
// Enable basic instrumentation with the no-op providers replaced at runtime:
//
//	import "github.com/hydrantlabs/oauth-server/instrumentation"
//
//	// Initialize instrumentation
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to server configuration
//	server.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// OAuth Flows:
//   - oauth.authorization.started{client_id} - Authorization flows started
//   - oauth.code.issued{client_id} - Authorization codes issued
//   - oauth.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - oauth.token.refreshed{client_id, rotated} - Tokens refreshed
//   - oauth.token.revoked{client_id} - Tokens revoked
//   - oauth.token.introspected{client_id, active} - Introspection requests
//   - oauth.client.registered{client_type} - Dynamic client registrations
//
// Sessions:
//   - oauth.session.created - Sessions created
//   - oauth.session.renewed - Sliding-window renewals
//   - oauth.session.ended{reason} - Sessions ended (sign_out, expired)
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.pkce.validation_failed{method} - PKCE validation failures
//   - oauth.code.replay_detected - Authorization code replay attempts
//   - oauth.token.replay_detected - Refresh token replay attempts
//   - oauth.audit.events.total{event_type} - Audit events emitted
//   - oauth.encryption.operations.total{operation} - At-rest encrypt/decrypt calls
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.size{type} - Current storage size (tokens, clients, flows, sessions)
//
// # Distributed Tracing
//
// Spans are created for all major operations:
//   - HTTP requests
//   - OAuth flows (authorization, code exchange, refresh, revocation, introspection)
//   - Storage operations (save, get, delete)
//   - Session lifecycle (create, renew, end)
//
// Example span structure:
//
//	http.request
//	├── oauth.http.authorization
//	│   └── oauth.server.authorize
//	│       ├── storage.save_authorization_state
//	│       └── session.get
//	└── oauth.http.token
//	    └── oauth.server.exchange_authorization_code
//	        ├── storage.atomic_get_delete_authorization_code
//	        └── storage.save_access_token
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Metric Cardinality Considerations
//
// Label cardinality in this library:
//   - client_id: One value per registered OAuth client (typically 1-1000s)
//   - endpoint: Fixed set (~10 endpoints)
//   - operation: Fixed set (10-20 operations)
//   - status: Fixed set (HTTP status codes ~10-20 values)
//
// At high scale (>10,000 registered clients), consider aggregating away the
// client_id label in your observability backend, or pre-aggregating with
// recording rules. Use spans rather than metrics for per-client debugging.
//
// # Security Considerations
//
// This package collects observability data, not credentials.
//
// When instrumenting OAuth flows, you MUST:
//   - NEVER log actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER log client secrets or PKCE verifiers
//   - ONLY log metadata (token types, expiry times, validation results)
//
// Privacy considerations:
//   - Client IP addresses may be considered PII in some jurisdictions
//   - User IDs may be subject to privacy regulations
//   - Client IP logging is opt-in via Config.LogClientIPs
package instrumentation
