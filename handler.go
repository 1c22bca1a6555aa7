package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/authspan/issuer/engine"
	"github.com/authspan/issuer/security"
)

// Handler is a thin HTTP adapter for the token issuance Server. It parses
// requests, delegates to the engine, and writes wire responses; all protocol
// decisions live below it.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}
	return h
}

// RegisterRoutes mounts the issuance endpoints on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/token", h.Token)
	mux.HandleFunc("/device_authorization", h.DeviceAuthorization)
	mux.HandleFunc("/.well-known/openid-configuration", h.Discovery)
	mux.HandleFunc("/.well-known/jwks.json", h.JWKS)
}

// Token handles POST /token, the OAuth 2.0 token endpoint
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "issuer.http.token")
	if span != nil {
		defer span.End()
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse form body", http.StatusBadRequest)
		return
	}

	requestID := security.RequestIDFromRequest(r)
	ctx = security.WithRequestID(ctx, requestID)
	w.Header().Set("X-Request-ID", requestID)

	creds := h.clientCredentials(r)

	if h.server.RateLimiter != nil {
		key := creds.BasicUser
		if key == "" {
			key = r.PostForm.Get("client_id")
		}
		if key == "" {
			key = r.RemoteAddr
		}
		if !h.server.RateLimiter.Allow(key) {
			h.logger.Warn("Token request rate limit exceeded",
				"request_id", requestID)
			h.writeError(w, ErrorCodeInvalidRequest, "rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}
	}

	response, err := h.server.Engine.Token(ctx, r.PostForm, creds)
	if err != nil {
		h.writeTokenError(w, span, err)
		return
	}

	if span != nil {
		span.SetAttributes(attribute.String("oauth.grant_type", r.PostForm.Get("grant_type")))
		span.SetStatus(codes.Ok, "")
	}
	h.writeJSON(w, http.StatusOK, response)
}

// DeviceAuthorization handles POST /device_authorization (RFC 8628)
func (h *Handler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "issuer.http.device_authorization")
	if span != nil {
		defer span.End()
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse form body", http.StatusBadRequest)
		return
	}

	ctx = security.WithRequestID(ctx, security.RequestIDFromRequest(r))

	auth, err := h.server.Engine.BeginDeviceAuthorization(ctx, r.PostForm, h.clientCredentials(r))
	if err != nil {
		h.writeTokenError(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, auth)
}

// discoveryDocument is the OIDC provider metadata served at the well-known
// path. Only the endpoints this engine actually implements are advertised.
type discoveryDocument struct {
	Issuer                      string   `json:"issuer"`
	TokenEndpoint               string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string   `json:"device_authorization_endpoint"`
	JWKSURI                     string   `json:"jwks_uri"`
	GrantTypesSupported         []string `json:"grant_types_supported"`
	TokenAuthMethodsSupported   []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethods        []string `json:"code_challenge_methods_supported"`
	BackchannelLogoutSupported  bool     `json:"backchannel_logout_supported"`
	BackchannelLogoutSession    bool     `json:"backchannel_logout_session_supported"`
	IDTokenSigningAlgs          []string `json:"id_token_signing_alg_values_supported"`
}

// Discovery handles GET /.well-known/openid-configuration
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	doc := discoveryDocument{
		Issuer:                      issuer,
		TokenEndpoint:               issuer + "/token",
		DeviceAuthorizationEndpoint: issuer + "/device_authorization",
		JWKSURI:                     issuer + "/.well-known/jwks.json",
		GrantTypesSupported:         h.server.Engine.Registry().GrantTypes(),
		TokenAuthMethodsSupported:   h.server.Engine.Config().AuthMethodOrder,
		CodeChallengeMethods:        []string{"S256"},
		BackchannelLogoutSupported:  true,
		BackchannelLogoutSession:    true,
		IDTokenSigningAlgs:          []string{"RS256"},
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, doc)
}

// jwksPublisher is implemented by key providers that can publish their
// public key set.
type jwksPublisher interface {
	JWKS() jwk.Set
}

// JWKS handles GET /.well-known/jwks.json
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	publisher, ok := h.server.Keys.(jwksPublisher)
	if !ok {
		h.writeError(w, ErrorCodeInvalidRequest, "key set not published", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, publisher.JWKS())
}

// clientCredentials extracts Basic auth credentials from the request
func (h *Handler) clientCredentials(r *http.Request) *engine.ClientCredentials {
	user, secret, ok := r.BasicAuth()
	return &engine.ClientCredentials{
		BasicUser:   user,
		BasicSecret: secret,
		HasBasic:    ok,
	}
}

// writeTokenError translates an engine error into the OAuth wire format,
// echoing any headers the engine attached (e.g. Replay-Nonce).
func (h *Handler) writeTokenError(w http.ResponseWriter, span trace.Span, err error) {
	var te *engine.TokenError
	if !errors.As(err, &te) {
		h.logger.Error("Unexpected token endpoint error", "error", err.Error())
		h.writeError(w, ErrorCodeServerError, "internal error", http.StatusInternalServerError)
		return
	}
	if span != nil {
		span.SetStatus(codes.Error, te.Code)
		span.SetAttributes(attribute.String("oauth.error", te.Code))
	}
	for name, value := range te.Headers {
		w.Header().Set(name, value)
	}
	h.writeError(w, te.Code, te.Description, HTTPStatusForCode(te.Code))
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err.Error())
	}
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}
