package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/authspan/issuer/engine"
	"github.com/authspan/issuer/instrumentation"
	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/logout"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// Config configures a Server. The embedded engine configuration carries the
// issuer URL, token lifetimes and validation policies; the remaining fields
// cover the outer concerns.
type Config struct {
	engine.Config

	// LogoutMaxConcurrency bounds parallel back-channel logout deliveries
	LogoutMaxConcurrency int

	// LogoutNotifyTimeout bounds one back-channel logout delivery
	LogoutNotifyTimeout time.Duration

	// TokenRequestsPerSecond rate-limits token requests per client key.
	// Zero disables rate limiting.
	TokenRequestsPerSecond int

	// TokenRequestBurst is the rate limiter burst size
	TokenRequestBurst int

	// DisableAuditLog turns off security audit events
	DisableAuditLog bool
}

// Server composes the token engine, key material, and back-channel logout
// over pluggable storage. It contains no HTTP concerns; see Handler.
type Server struct {
	Config Config

	Engine  *engine.Engine
	Logout  *logout.Service
	Clients storage.ClientStore
	Grants  storage.GrantStore
	Keys    keys.Provider

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation

	logger *slog.Logger
}

// ServerOption customizes a Server beyond its required collaborators
type ServerOption func(*Server)

// WithLogger sets the server's logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithInstrumentation attaches OpenTelemetry metrics and tracing
func WithInstrumentation(inst *instrumentation.Instrumentation) ServerOption {
	return func(s *Server) { s.Instrumentation = inst }
}

// NewServer wires a token issuance server from its collaborators
func NewServer(config Config, clients storage.ClientStore, grants storage.GrantStore, keyProvider keys.Provider, opts ...ServerOption) (*Server, error) {
	if clients == nil || grants == nil {
		return nil, fmt.Errorf("client and grant stores are required")
	}
	if keyProvider == nil {
		return nil, fmt.Errorf("a signing key provider is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if u, err := url.Parse(config.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("issuer must be an absolute URL")
	}
	config.Issuer = strings.TrimRight(config.Issuer, "/")

	s := &Server{
		Config:  config,
		Clients: clients,
		Grants:  grants,
		Keys:    keyProvider,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.Instrumentation == nil {
		inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		s.Instrumentation = inst
	}

	s.Auditor = security.NewAuditor(s.logger, !config.DisableAuditLog)

	if config.TokenRequestsPerSecond > 0 {
		burst := config.TokenRequestBurst
		if burst <= 0 {
			burst = 10
		}
		s.RateLimiter = security.NewRateLimiter(config.TokenRequestsPerSecond, burst, 10000, s.logger)
	}

	eng, err := engine.New(engine.Options{
		Config:          config.Config,
		Clients:         clients,
		Grants:          grants,
		Keys:            keyProvider,
		Logger:          s.logger,
		Instrumentation: s.Instrumentation,
		ReuseLogLimiter: s.RateLimiter,
		DisableAuditLog: config.DisableAuditLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	s.Engine = eng

	s.Logout = logout.NewService(clients, grants, keyProvider, logout.ServiceConfig{
		Issuer:         config.Issuer,
		MaxConcurrency: config.LogoutMaxConcurrency,
		NotifyTimeout:  config.LogoutNotifyTimeout,
	}, s.Auditor, s.logger)
	s.Logout.SetInstrumentation(s.Instrumentation)

	return s, nil
}

// EndSession terminates a subject's session by notifying every client
// holding an active grant for it via back-channel logout. Delivery failures
// are reported in the result, not as an error.
func (s *Server) EndSession(ctx context.Context, subjectID, sessionID string) (*logout.Result, error) {
	return s.Logout.SendLogoutNotifications(ctx, subjectID, sessionID)
}

// PurgeExpiredGrants removes grants past their expiry. Callers typically run
// this on a ticker.
func (s *Server) PurgeExpiredGrants(ctx context.Context) (int, error) {
	return s.Grants.DeleteExpiredGrants(ctx, time.Now())
}

// Close releases background resources
func (s *Server) Close() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}
