package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Attributes carry metadata only. Never attach credential material
// (access tokens, refresh tokens, authorization codes, client secrets,
// PKCE verifiers) to a span: traces outlive requests and are readable
// by far more people than the server's own logs.
const (
	AttrClientID   = "oauth.client_id"
	AttrClientType = "oauth.client_type"
	AttrUserID     = "oauth.user_id"
	AttrGrantType  = "oauth.grant_type"
	AttrScope      = "oauth.scope"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrError      = "oauth.error"

	AttrSessionRenewed = "session.renewed"
	AttrSessionExpired = "session.expired"
)

// RecordError records err on the span and marks it failed. Nil span or
// nil error is a no-op.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as completed successfully.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks the span failed with a message, without attaching
// an error event.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes attaches attributes to the span if it is non-nil.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}
