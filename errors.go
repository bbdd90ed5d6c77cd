package oauth

import (
	"fmt"
	"net/http"
	"strings"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidTarget         = "invalid_target"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeServerError           = "server_error"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeLoginRequired         = "login_required"
	ErrorCodeInsufficientScope     = "insufficient_scope"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInvalidTarget indicates the requested resource is unknown (RFC 8707)
	ErrInvalidTarget = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidTarget, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrLoginRequired indicates no authenticated user is bound to the request
	ErrLoginRequired = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeLoginRequired, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the token lacks a scope the resource requires
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}
)

// statusForErrorCode maps OAuth error codes onto HTTP status codes.
var statusForErrorCode = map[string]int{
	ErrorCodeInvalidRequest:        http.StatusBadRequest,
	ErrorCodeInvalidGrant:          http.StatusBadRequest,
	ErrorCodeInvalidClient:         http.StatusUnauthorized,
	ErrorCodeInvalidScope:          http.StatusBadRequest,
	ErrorCodeInvalidToken:          http.StatusUnauthorized,
	ErrorCodeInvalidTarget:         http.StatusBadRequest,
	ErrorCodeUnauthorizedClient:    http.StatusBadRequest,
	ErrorCodeUnsupportedGrantType:  http.StatusBadRequest,
	ErrorCodeAccessDenied:          http.StatusForbidden,
	ErrorCodeInvalidRedirectURI:    http.StatusBadRequest,
	ErrorCodeInvalidClientMetadata: http.StatusBadRequest,
	ErrorCodeLoginRequired:         http.StatusUnauthorized,
	ErrorCodeInsufficientScope:     http.StatusForbidden,
	ErrorCodeRateLimitExceeded:     http.StatusTooManyRequests,
}

// oauthErrorFrom converts an engine error into an OAuthError. Engine errors
// carry their OAuth error code as a "code: description" prefix; anything
// without a recognized code becomes a server_error without leaking internals.
func oauthErrorFrom(err error) *OAuthError {
	if err == nil {
		return nil
	}
	if oauthErr, ok := err.(*OAuthError); ok {
		return oauthErr
	}

	msg := err.Error()
	if code, desc, found := strings.Cut(msg, ": "); found {
		if status, known := statusForErrorCode[code]; known {
			return NewOAuthError(code, desc, status)
		}
	}
	if status, known := statusForErrorCode[msg]; known {
		return NewOAuthError(msg, "", status)
	}

	return ErrServerError("internal error")
}
