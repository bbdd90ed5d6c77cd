package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code has expired", http.StatusBadRequest)
	if got, want := err.Error(), "invalid_grant: code has expired"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOAuthErrorFrom_EngineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "invalid_grant",
			err:        fmt.Errorf("%s: authorization code not found or expired", ErrorCodeInvalidGrant),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid_client maps to 401",
			err:        fmt.Errorf("%s: unknown client", ErrorCodeInvalidClient),
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid_token maps to 401",
			err:        fmt.Errorf("%s: token expired", ErrorCodeInvalidToken),
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid_client_metadata maps to 400",
			err:        fmt.Errorf("%s: unsupported token_endpoint_auth_method", ErrorCodeInvalidClientMetadata),
			wantCode:   ErrorCodeInvalidClientMetadata,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid_target maps to 400",
			err:        fmt.Errorf("%s: unknown resource", ErrorCodeInvalidTarget),
			wantCode:   ErrorCodeInvalidTarget,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rate_limit_exceeded maps to 429",
			err:        fmt.Errorf("%s: too many requests", ErrorCodeRateLimitExceeded),
			wantCode:   ErrorCodeRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "description with nested colon survives",
			err:        fmt.Errorf("%s: redirect_uri: fragments are not allowed", ErrorCodeInvalidRequest),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oauthErr := oauthErrorFrom(tt.err)
			if oauthErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", oauthErr.Code, tt.wantCode)
			}
			if oauthErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", oauthErr.Status, tt.wantStatus)
			}
		})
	}
}

func TestOAuthErrorFrom_UnknownErrorIsOpaque(t *testing.T) {
	oauthErr := oauthErrorFrom(errors.New("pq: connection refused"))

	if oauthErr.Code != ErrorCodeServerError {
		t.Errorf("Code = %q, want %q", oauthErr.Code, ErrorCodeServerError)
	}
	if oauthErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", oauthErr.Status, http.StatusInternalServerError)
	}
	// Internal details must not leak to the client
	if oauthErr.Description == "pq: connection refused" {
		t.Error("internal error text leaked into the client-facing description")
	}
}

func TestOAuthErrorFrom_PassthroughAndNil(t *testing.T) {
	if oauthErrorFrom(nil) != nil {
		t.Error("oauthErrorFrom(nil) != nil")
	}

	original := ErrAccessDenied("user declined")
	if got := oauthErrorFrom(original); got != original {
		t.Errorf("existing *OAuthError was rewrapped: %v", got)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrInvalidTarget("x"), ErrorCodeInvalidTarget, http.StatusBadRequest},
		{ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrLoginRequired("x"), ErrorCodeLoginRequired, http.StatusUnauthorized},
		{ErrInsufficientScope("x"), ErrorCodeInsufficientScope, http.StatusForbidden},
		{ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}
