package engine

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/authspan/issuer/instrumentation"
	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// Engine is the token-issuance core: it validates token requests,
// dispatches them to grant handlers and mints signed tokens for the
// winners. It is transport-agnostic; the HTTP layer feeds it parsed form
// parameters and credentials.
type Engine struct {
	config    *Config
	validator *Validator
	registry  *Registry
	tokens    *TokenService
	grants    storage.GrantStore
	auditor   *security.Auditor
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
}

// Options carries the collaborators an Engine is built from. Zero-valued
// optional fields get working defaults.
type Options struct {
	Config  Config
	Clients storage.ClientStore
	Grants  storage.GrantStore
	Keys    keys.Provider

	// Logger defaults to slog.Default
	Logger *slog.Logger

	// Instrumentation defaults to a disabled (noop) setup
	Instrumentation *instrumentation.Instrumentation

	// ReuseLogLimiter throttles grant-reuse log volume per client;
	// nil disables throttling
	ReuseLogLimiter *security.RateLimiter

	// DisableAuditLog turns off security audit events
	DisableAuditLog bool
}

// New assembles an engine with the built-in grant handlers registered.
// Additional handlers (extension grant types) can be registered on the
// returned engine before serving traffic.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config := opts.Config
	config.applyDefaults(logger)

	inst := opts.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	auditor := security.NewAuditor(logger, !opts.DisableAuditLog)
	validator := NewValidator(opts.Clients, &config, auditor, logger)
	tokens := NewTokenService(opts.Keys, opts.Grants, &config, auditor, logger)

	registry := NewRegistry()
	registry.Register(NewAuthorizationCodeHandler(opts.Grants, auditor, opts.ReuseLogLimiter, logger))
	registry.Register(NewClientCredentialsHandler(&config, logger))
	registry.Register(NewRefreshTokenHandler(opts.Grants, &config, auditor, logger))
	registry.Register(NewDeviceCodeHandler(opts.Grants, &config, auditor, logger))

	return &Engine{
		config:    &config,
		validator: validator,
		registry:  registry,
		tokens:    tokens,
		grants:    opts.Grants,
		auditor:   auditor,
		logger:    logger,
		inst:      inst,
	}, nil
}

// Config returns the engine's effective configuration
func (e *Engine) Config() *Config {
	return e.config
}

// Registry exposes the grant handler registry so callers can register
// extension grant types or replace built-ins.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// TokenError is a failed token request outcome. Headers, when present,
// must be echoed on the HTTP response (e.g. Replay-Nonce).
type TokenError struct {
	Code        string
	Description string
	Headers     map[string]string
}

func (e *TokenError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Token processes one token endpoint request end to end. It returns either
// a token response or a *TokenError carrying the wire error code.
func (e *Engine) Token(ctx context.Context, params url.Values, creds *ClientCredentials) (*TokenResponse, error) {
	start := time.Now()
	grantType := params.Get(ParamGrantType)

	response, err := e.token(ctx, params, creds)

	if m := e.inst.Metrics(); m != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
			if te, ok := err.(*TokenError); ok {
				outcome = te.Code
			}
		}
		attrs := metric.WithAttributes(
			attribute.String("grant_type", grantType),
			attribute.String("outcome", outcome),
		)
		m.TokenRequestsTotal.Add(ctx, 1, attrs)
		m.TokenRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		if grantType == GrantTypeDeviceCode {
			m.DevicePollsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		if err == nil {
			m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
		}
	}

	return response, err
}

func (e *Engine) token(ctx context.Context, params url.Values, creds *ClientCredentials) (*TokenResponse, error) {
	validated := e.validator.Validate(ctx, params, creds)
	if !validated.Succeeded {
		e.recordFailure(ctx, validated.Error)
		return nil, &TokenError{
			Code:        validated.Error,
			Description: validated.ErrorDescription,
			Headers:     validated.Headers,
		}
	}
	request := validated.Value

	handler := e.registry.Handler(request.GrantType)
	if handler == nil {
		return nil, &TokenError{
			Code:        ErrorCodeUnsupportedGrantType,
			Description: "unsupported grant type",
		}
	}

	result := handler.Handle(ctx, request)
	if result.Failed() {
		e.recordFailure(ctx, result.Error)
		return nil, &TokenError{
			Code:        result.Error,
			Description: result.ErrorDescription,
		}
	}
	if m := e.inst.Metrics(); m != nil {
		m.GrantsConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", request.GrantType)))
	}

	response, err := e.tokens.IssueTokens(ctx, request, result)
	if err != nil {
		e.logger.Error("Token issuance failed",
			"error", err.Error(),
			"grant_type", request.GrantType,
			"request_id", request.RequestID)
		return nil, &TokenError{
			Code:        ErrorCodeServerError,
			Description: "failed to issue tokens",
		}
	}
	return response, nil
}

func (e *Engine) recordFailure(ctx context.Context, code string) {
	m := e.inst.Metrics()
	if m == nil {
		return
	}
	switch code {
	case ErrorCodeInvalidClient:
		m.ClientAuthFailed.Add(ctx, 1)
	case ErrorCodeInvalidGrant:
		m.GrantReuseBlocked.Add(ctx, 1)
	}
}

// BeginDeviceAuthorization starts a device flow for the given client after
// verifying its registration allows the device grant and requested scopes.
func (e *Engine) BeginDeviceAuthorization(ctx context.Context, params url.Values, creds *ClientCredentials) (*DeviceAuthorization, error) {
	client, err := e.validator.authenticateClient(ctx, params, creds)
	if err != nil {
		return nil, &TokenError{Code: ErrorCodeInvalidClient, Description: "client authentication failed"}
	}
	if !client.AllowsGrantType(GrantTypeDeviceCode) {
		return nil, &TokenError{Code: ErrorCodeUnauthorizedClient, Description: "grant type not allowed for this client"}
	}

	scopes := ParseScopes(params.Get(ParamScope))
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !scopesSubset(scopes, client.Scopes) {
		return nil, &TokenError{Code: ErrorCodeInvalidScope, Description: "requested scope exceeds client registration"}
	}

	handler, ok := e.registry.Handler(GrantTypeDeviceCode).(*DeviceCodeHandler)
	if !ok {
		return nil, &TokenError{Code: ErrorCodeUnsupportedGrantType, Description: "device flow not available"}
	}

	auth, err := handler.BeginDeviceAuthorization(ctx, client, scopes)
	if err != nil {
		e.logger.Error("Failed to begin device authorization", "error", err.Error())
		return nil, &TokenError{Code: ErrorCodeServerError, Description: "failed to begin device authorization"}
	}
	return auth, nil
}

// ApproveDevice resolves a user code to its pending grant and records the
// user's decision, binding the subject and session on approval.
func (e *Engine) ApproveDevice(ctx context.Context, userCode string, approve bool, subjectID, sessionID string) error {
	grant, err := e.grants.GetGrantByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if err := e.grants.ApproveDeviceGrant(ctx, grant.Key, approve, subjectID, sessionID); err != nil {
		return err
	}
	eventType := security.EventDeviceGrantApproved
	if !approve {
		eventType = security.EventDeviceGrantDenied
	}
	e.auditor.LogEvent(security.Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  grant.ClientID,
	})
	return nil
}
