package security

// Audit event types. Using constants keeps event names consistent between
// the packages that emit them and whatever consumes the audit log.
const (
	// Token lifecycle

	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"

	// Authorization flow

	EventAuthorizationFlowStarted = "authorization_flow_started"
	EventAuthorizationCodeIssued  = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected marks a second redemption attempt
	// for a consumed code, which indicates code interception.
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected marks a rotation replay, which
	// indicates refresh token theft.
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// Client registration

	EventClientRegistered                    = "client_registered"
	EventClientRegistrationRejected          = "client_registration_rejected"
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Violations

	EventAuthFailure            = "auth_failure"
	EventRateLimitExceeded      = "rate_limit_exceeded"
	EventInvalidPKCE            = "invalid_pkce"
	EventInvalidRedirect        = "invalid_redirect"
	EventScopeEscalationAttempt = "scope_escalation_attempt"
	EventResourceMismatch       = "resource_mismatch"

	// Sessions

	EventSessionCreated = "session_created"
	EventSessionEnded   = "session_ended"
)
