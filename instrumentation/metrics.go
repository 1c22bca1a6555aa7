package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the token-issuance engine
type Metrics struct {
	// Token endpoint metrics
	TokenRequestsTotal   metric.Int64Counter
	TokenRequestDuration metric.Float64Histogram
	TokensIssued         metric.Int64Counter

	// Grant handling metrics
	GrantsConsumed    metric.Int64Counter
	GrantReuseBlocked metric.Int64Counter
	DevicePollsTotal  metric.Int64Counter

	// Security metrics
	ClientAuthFailed     metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Backchannel logout metrics
	LogoutNotificationsTotal metric.Int64Counter
	LogoutBatchDuration      metric.Float64Histogram

	// Storage metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageAuthCodesCount     metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageDeviceCodesCount   metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	engineMeter := inst.Meter("engine")
	storageMeter := inst.Meter("storage")
	logoutMeter := inst.Meter("logout")

	var err error
	m.TokenRequestsTotal, err = engineMeter.Int64Counter(
		"issuer.token.requests.total",
		metric.WithDescription("Total number of token endpoint requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.requests.total counter: %w", err)
	}

	m.TokenRequestDuration, err = engineMeter.Float64Histogram(
		"issuer.token.request.duration",
		metric.WithDescription("Token request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.request.duration histogram: %w", err)
	}

	m.TokensIssued, err = engineMeter.Int64Counter(
		"issuer.tokens.issued",
		metric.WithDescription("Number of token responses issued, by grant type"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.GrantsConsumed, err = engineMeter.Int64Counter(
		"issuer.grants.consumed",
		metric.WithDescription("Number of single-use grants consumed, by kind"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.consumed counter: %w", err)
	}

	m.GrantReuseBlocked, err = engineMeter.Int64Counter(
		"issuer.grants.reuse.blocked",
		metric.WithDescription("Number of redemption attempts on already-consumed or rotated grants"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.reuse.blocked counter: %w", err)
	}

	m.DevicePollsTotal, err = engineMeter.Int64Counter(
		"issuer.device.polls.total",
		metric.WithDescription("Device-code polling attempts, by result"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device.polls.total counter: %w", err)
	}

	m.ClientAuthFailed, err = engineMeter.Int64Counter(
		"issuer.client.auth.failed",
		metric.WithDescription("Number of failed client authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.auth.failed counter: %w", err)
	}

	m.PKCEValidationFailed, err = engineMeter.Int64Counter(
		"issuer.pkce.validation.failed",
		metric.WithDescription("Number of failed PKCE verifier validations"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation.failed counter: %w", err)
	}

	m.LogoutNotificationsTotal, err = logoutMeter.Int64Counter(
		"issuer.logout.notifications.total",
		metric.WithDescription("Backchannel logout deliveries, by outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.notifications.total counter: %w", err)
	}

	m.LogoutBatchDuration, err = logoutMeter.Float64Histogram(
		"issuer.logout.batch.duration",
		metric.WithDescription("Backchannel logout fan-out duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.batch.duration histogram: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"issuer.storage.operations.total",
		metric.WithDescription("Storage operations, by operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"issuer.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageAuthCodesCount, err = storageMeter.Int64ObservableGauge(
		"issuer.storage.authcodes.count",
		metric.WithDescription("Current number of persisted authorization-code grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.authcodes.count gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"issuer.storage.refreshtokens.count",
		metric.WithDescription("Current number of persisted refresh-token grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refreshtokens.count gauge: %w", err)
	}

	m.StorageDeviceCodesCount, err = storageMeter.Int64ObservableGauge(
		"issuer.storage.devicecodes.count",
		metric.WithDescription("Current number of persisted device-code grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.devicecodes.count gauge: %w", err)
	}

	return m, nil
}
