package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hydrantlabs/oauth-server/instrumentation"
	"github.com/hydrantlabs/oauth-server/security"
	"github.com/hydrantlabs/oauth-server/server"
	"github.com/hydrantlabs/oauth-server/session"
	"github.com/hydrantlabs/oauth-server/storage"
)

// securityEventRateLimit bounds security event logging per client to keep
// attackers from flooding the logs with forged failures.
const (
	securityEventRate  = 10
	securityEventBurst = 20
)

// Server wires the protocol engine, the session manager, and the security
// plumbing into one deployable unit. HTTP handling lives in Handler.
type Server struct {
	config *Config
	logger *slog.Logger

	engine   *server.Server
	sessions *session.Manager

	encryptor           *security.Encryptor
	auditor             *security.Auditor
	rateLimiter         *security.RateLimiter
	userRateLimiter     *security.RateLimiter
	eventLimiter        *security.RateLimiter
	registrationLimiter *security.ClientRegistrationRateLimiter

	instrumentation *instrumentation.Instrumentation
}

// NewServer creates a new OAuth server. The four stores may be a single
// backend implementing all interfaces (storage/memory, storage/valkey).
func NewServer(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	sessionStore storage.SessionStore,
	config *Config,
) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	applyConfigDefaults(config)
	logger := config.Logger

	engine, err := server.New(clientStore, flowStore, tokenStore, engineConfig(config), logger)
	if err != nil {
		return nil, fmt.Errorf("creating protocol engine: %w", err)
	}

	sessions, err := session.NewManager(sessionStore, session.Config{
		MaxAge:    config.Session.MaxAge,
		UpdateAge: config.Session.UpdateAge,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	sessions.SetLogger(logger)

	s := &Server{
		config:   config,
		logger:   logger,
		engine:   engine,
		sessions: sessions,
	}

	if len(config.Security.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(config.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		s.encryptor = enc
		engine.SetEncryptor(enc)
	}

	s.auditor = security.NewAuditor(logger, config.Security.EnableAuditLogging)
	engine.SetAuditor(s.auditor)

	if config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
		engine.SetRateLimiter(s.rateLimiter)
	}
	if config.RateLimit.UserRate > 0 {
		s.userRateLimiter = security.NewRateLimiter(config.RateLimit.UserRate, config.RateLimit.UserBurst, logger)
		engine.SetUserRateLimiter(s.userRateLimiter)
	}
	s.eventLimiter = security.NewRateLimiter(securityEventRate, securityEventBurst, logger)
	engine.SetSecurityEventRateLimiter(s.eventLimiter)

	if config.Security.EnableDynamicRegistration {
		s.registrationLimiter = security.NewClientRegistrationRateLimiter(logger)
	}

	if config.CleanupInterval > 0 {
		sessions.StartCleanup(config.CleanupInterval)
	}

	return s, nil
}

// engineConfig translates the public configuration into the engine's shape.
func engineConfig(config *Config) *server.Config {
	return &server.Config{
		Issuer:                        config.Issuer,
		Resource:                      config.Resource,
		AuthorizationStateTTL:         seconds(config.Tokens.AuthorizationStateTTL),
		AuthorizationCodeTTL:          seconds(config.Tokens.AuthorizationCodeTTL),
		AccessTokenTTL:                seconds(config.Tokens.AccessTokenTTL),
		RefreshTokenTTL:               seconds(config.Tokens.RefreshTokenTTL),
		IDTokenTTL:                    seconds(config.Tokens.IDTokenTTL),
		TokenSigningSecret:            config.Tokens.SigningSecret,
		DefaultScope:                  config.DefaultScope,
		SupportedScopes:               config.SupportedScopes,
		AllowRefreshTokenRotation:     !config.Security.DisableRefreshTokenRotation,
		RequirePKCE:                   !config.Security.DisablePKCE,
		AllowPKCEPlain:                config.Security.AllowPKCEPlain,
		TrustProxy:                    config.RateLimit.TrustProxy,
		TrustedProxyCount:             config.RateLimit.TrustedProxyCount,
		MaxClientsPerIP:               config.Security.MaxClientsPerIP,
		MinStateLength:                config.Security.MinStateLength,
		AllowPublicClientRegistration: config.Security.AllowPublicClientRegistration,
		RegistrationAccessToken:       config.Security.RegistrationAccessToken,
		EnableDynamicRegistration:     config.Security.EnableDynamicRegistration,
		AllowInsecureHTTP:             config.Security.AllowInsecureHTTP,
		AllowedCustomSchemes:          config.Security.AllowedCustomSchemes,
		ProductionMode:                config.Security.ProductionMode,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// Engine exposes the protocol engine for embedding into custom transports.
func (s *Server) Engine() *server.Server {
	return s.engine
}

// Sessions exposes the session manager for custom login flows.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Config returns the server configuration
func (s *Server) Config() *Config {
	return s.config
}

// SetInstrumentation enables OTEL metrics and tracing across all components.
// Call before serving; the stores gain instrumentation only if they implement
// SetInstrumentation themselves.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.engine.SetInstrumentation(inst)
	s.sessions.SetInstrumentation(inst)
}

// Close stops background loops. The stores are not closed; their owner
// stops them.
func (s *Server) Close() {
	s.sessions.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.userRateLimiter != nil {
		s.userRateLimiter.Stop()
	}
	if s.eventLimiter != nil {
		s.eventLimiter.Stop()
	}
	if s.registrationLimiter != nil {
		s.registrationLimiter.Stop()
	}
}
