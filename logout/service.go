package logout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/authspan/issuer/instrumentation"
	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// DefaultMaxConcurrency bounds parallel notification deliveries per batch
const DefaultMaxConcurrency = 10

// DefaultNotifyTimeout bounds one notification delivery
const DefaultNotifyTimeout = 5 * time.Second

// ClientFailure records one client that could not be notified
type ClientFailure struct {
	ClientID string
	Err      error
}

// Result summarizes a notification batch. A batch where some clients fail is
// still a result, not an error; Failures lists who was missed.
type Result struct {
	SuccessCount int
	Failures     []ClientFailure
}

// ServiceConfig configures a back-channel logout service
type ServiceConfig struct {
	// Issuer is the iss claim placed in logout tokens
	Issuer string

	// MaxConcurrency bounds parallel deliveries; defaults to
	// DefaultMaxConcurrency
	MaxConcurrency int

	// NotifyTimeout bounds one delivery; defaults to DefaultNotifyTimeout
	NotifyTimeout time.Duration

	// HTTPClient defaults to a client with NotifyTimeout as its timeout
	HTTPClient *http.Client
}

// Service delivers back-channel logout notifications to every client holding
// an active grant for a subject.
type Service struct {
	clients   storage.ClientStore
	grants    storage.GrantStore
	generator *TokenGenerator
	config    ServiceConfig
	http      *http.Client
	auditor   *security.Auditor
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
}

// NewService creates a back-channel logout service
func NewService(clients storage.ClientStore, grants storage.GrantStore, provider keys.Provider, config ServiceConfig, auditor *security.Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = DefaultNotifyTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.NotifyTimeout}
	}
	return &Service{
		clients:   clients,
		grants:    grants,
		generator: NewTokenGenerator(config.Issuer, provider),
		config:    config,
		http:      httpClient,
		auditor:   auditor,
		logger:    logger,
	}
}

// SetInstrumentation attaches metrics recording to the service
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// SendLogoutNotifications notifies every client holding a non-expired grant
// for subjectID. With a non-empty sessionID only clients with grants bound
// to that session are notified. Clients without a registered back-channel
// logout URI are skipped and count neither as success nor failure.
//
// Deliveries run in parallel up to the configured concurrency, each under
// its own timeout. Failures are isolated per client: the returned Result
// names the clients that could not be reached while the rest are notified
// normally.
func (s *Service) SendLogoutNotifications(ctx context.Context, subjectID, sessionID string) (*Result, error) {
	start := time.Now()

	clientIDs, err := s.grants.ClientIDsForSubject(ctx, subjectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve clients for subject: %w", err)
	}

	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.config.MaxConcurrency)

	for _, clientID := range clientIDs {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			delivered, err := s.notifyClient(ctx, clientID, subjectID, sessionID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failures = append(result.Failures, ClientFailure{ClientID: clientID, Err: err})
			case delivered:
				result.SuccessCount++
			}
		}(clientID)
	}
	wg.Wait()

	s.logger.Info("Logout notification batch complete",
		"clients", len(clientIDs),
		"delivered", result.SuccessCount,
		"failed", len(result.Failures),
		"duration_ms", time.Since(start).Milliseconds())

	if s.inst != nil {
		if m := s.inst.Metrics(); m != nil {
			m.LogoutBatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}

	return &result, nil
}

// notifyClient delivers one logout token. The bool result distinguishes a
// delivered notification from a skipped client with no registered URI.
func (s *Service) notifyClient(ctx context.Context, clientID, subjectID, sessionID string) (bool, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("failed to load client: %w", err)
	}
	if client.BackchannelLogoutURI == "" {
		s.logger.Debug("Client has no back-channel logout URI, skipping",
			"client_id", clientID)
		return false, nil
	}

	sid := sessionID
	if client.BackchannelLogoutSessionRequired && sid == "" {
		return false, fmt.Errorf("client requires sid but session is unknown")
	}

	token, err := s.generator.Generate(ctx, clientID, subjectID, sid)
	if err != nil {
		return false, err
	}

	notifyCtx, cancel := context.WithTimeout(ctx, s.config.NotifyTimeout)
	defer cancel()

	form := url.Values{"logout_token": {token}}
	req, err := http.NewRequestWithContext(notifyCtx, http.MethodPost, client.BackchannelLogoutURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		s.recordDelivery(ctx, subjectID, clientID, false, err.Error())
		return false, fmt.Errorf("logout delivery failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := fmt.Sprintf("status %d", resp.StatusCode)
		s.recordDelivery(ctx, subjectID, clientID, false, detail)
		return false, fmt.Errorf("logout endpoint returned %s", detail)
	}

	s.recordDelivery(ctx, subjectID, clientID, true, "")
	return true, nil
}

func (s *Service) recordDelivery(ctx context.Context, subjectID, clientID string, delivered bool, detail string) {
	s.auditor.LogLogoutNotification(subjectID, clientID, delivered, detail)
	if s.inst == nil {
		return
	}
	if m := s.inst.Metrics(); m != nil {
		outcome := "success"
		if !delivered {
			outcome = "failure"
		}
		m.LogoutNotificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
