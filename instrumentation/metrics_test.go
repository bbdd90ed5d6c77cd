package instrumentation

import (
	"context"
	"testing"
)

func newTestInstrumentation(t *testing.T) *Instrumentation {
	t.Helper()

	inst, err := New(Config{
		Enabled:        true,
		ServiceName:    "metrics-test",
		ServiceVersion: "0.0.1",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordHTTPRequest(ctx, "POST", "/token", 200, 12.5)
	metrics.RecordHTTPRequest(ctx, "GET", "/authorize", 302, 3.2)
	metrics.RecordHTTPRequest(ctx, "POST", "/token", 400, 1.1)
}

func TestMetrics_RecordFlowMetrics(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordAuthorizationStarted(ctx, "test-client-1")
	metrics.RecordCodeIssued(ctx, "test-client-1")
	metrics.RecordCodeExchange(ctx, "test-client-1", "S256")
	metrics.RecordTokenRefresh(ctx, "test-client-1", true)
	metrics.RecordTokenRevocation(ctx, "test-client-1")
	metrics.RecordTokenIntrospection(ctx, "test-client-1", true)
	metrics.RecordTokenIntrospection(ctx, "test-client-1", false)
	metrics.RecordClientRegistration(ctx, "confidential")
	metrics.RecordClientRegistration(ctx, "public")
}

func TestMetrics_RecordSessionMetrics(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordSessionCreated(ctx)
	metrics.RecordSessionRenewed(ctx)
	metrics.RecordSessionEnded(ctx, "sign_out")
	metrics.RecordSessionEnded(ctx, "expired")
}

func TestMetrics_RecordSecurityMetrics(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordRateLimitExceeded(ctx, "ip")
	metrics.RecordPKCEValidationFailed(ctx, "S256")
	metrics.RecordCodeReplayDetected(ctx)
	metrics.RecordCodeReplayDetected(ctx)
	metrics.RecordTokenReplayDetected(ctx)
}

func TestMetrics_RecordStorageOperations(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordStorageOperation(ctx, "save_access_token", "success", 12.34)
	metrics.RecordStorageOperation(ctx, "get_access_token", "success", 5.67)
	metrics.RecordStorageOperation(ctx, "delete_access_token", "success", 3.45)
	metrics.RecordStorageOperation(ctx, "save_access_token", "error", 23.45)
}

func TestMetrics_RecordAuditAndEncryption(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	metrics.RecordAuditEvent(ctx, "token_issued")
	metrics.RecordEncryptionOperation(ctx, "encrypt", 0.5)
	metrics.RecordEncryptionOperation(ctx, "decrypt", 0.4)
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	inst := newTestInstrumentation(t)
	metrics := inst.Metrics()
	ctx := context.Background()

	done := make(chan bool)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				metrics.RecordCodeReplayDetected(ctx)
				metrics.RecordTokenReplayDetected(ctx)
				metrics.RecordStorageOperation(ctx, "save", "success", 5.0)
				metrics.RecordSessionRenewed(ctx)
			}
			done <- true
		}()
	}

	for i := 0; i < 8; i++ {
		<-done
	}
}
