package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/storage"
)

// Server is the OAuth 2.0 authorization server protocol engine. It issues
// its own authorization codes and tokens; identity arrives already
// established as a user bound to an authorization state, so no upstream
// identity provider is involved.
//
// The security collaborators (Encryptor, Auditor, rate limiters) are
// optional and attached via the Set* methods after construction. A nil
// collaborator disables that concern.
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore

	Encryptor *security.Encryptor
	Auditor   *security.Auditor

	// RateLimiter throttles by client IP, UserRateLimiter by authenticated
	// user. SecurityEventRateLimiter caps audit log volume so repeated
	// failures cannot flood the log pipeline.
	RateLimiter              *security.RateLimiter
	UserRateLimiter          *security.RateLimiter
	SecurityEventRateLimiter *security.RateLimiter

	Logger *slog.Logger
	Config *Config

	instrumentation *instrumentation.Instrumentation
}

// New builds a protocol engine over the given stores. Config defaults are
// filled in and the issuer URL is checked for HTTPS before anything is
// served.
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore: clientStore,
		flowStore:   flowStore,
		tokenStore:  tokenStore,
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetEncryptor attaches an encryptor for data at rest. Storage backends
// that support field encryption pick it up as well.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokenStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor attaches a security audit logger.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter attaches the per-IP rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter attaches the per-user rate limiter used on
// authenticated requests.
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter attaches the limiter that caps audit event
// emission.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables OTel metrics and tracing for the engine.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// generateRandomToken returns a URL-safe random string used for tokens,
// codes, and state values. oauth2.GenerateVerifier already produces
// exactly the entropy and alphabet PKCE requires, which is also what we
// want for token material.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
