package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the broker.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Handshake flow
	HandshakeStarted   metric.Int64Counter
	CallbackProcessed  metric.Int64Counter
	CodeExchanged      metric.Int64Counter
	InstallationMinted metric.Int64Counter

	// Session resolution
	SessionResolved metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSessionsCount     metric.Int64ObservableGauge

	// Upstream provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	brokerMeter := inst.Meter("broker")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"broker.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"broker.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.HandshakeStarted, err = brokerMeter.Int64Counter(
		"broker.handshake.started",
		metric.WithDescription("Number of authorization handshakes initiated"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake.started counter: %w", err)
	}

	m.CallbackProcessed, err = brokerMeter.Int64Counter(
		"broker.callback.processed",
		metric.WithDescription("Number of authorization callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeExchanged, err = brokerMeter.Int64Counter(
		"broker.code.exchanged",
		metric.WithDescription("Number of authorization artifacts exchanged for grants"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.InstallationMinted, err = brokerMeter.Int64Counter(
		"broker.installation.token.minted",
		metric.WithDescription("Number of installation tokens minted"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation.token.minted counter: %w", err)
	}

	m.SessionResolved, err = brokerMeter.Int64Counter(
		"broker.session.resolved",
		metric.WithDescription("Number of session token resolutions by outcome"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.resolved counter: %w", err)
	}

	m.RateLimitExceeded, err = brokerMeter.Int64Counter(
		"broker.ratelimit.exceeded",
		metric.WithDescription("Number of rate limited requests"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"broker.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"broker.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSessionsCount, err = storageMeter.Int64ObservableGauge(
		"broker.storage.sessions.count",
		metric.WithDescription("Current number of stored sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"broker.provider.api.calls.total",
		metric.WithDescription("Total number of upstream GitHub API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"broker.provider.api.duration",
		metric.WithDescription("Upstream GitHub API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"broker.provider.api.errors",
		metric.WithDescription("Number of failed upstream GitHub API calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordHandshakeStarted records an initiated handshake.
func (m *Metrics) RecordHandshakeStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.HandshakeStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records a processed callback and its outcome.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, mechanism string, success bool) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMechanism, mechanism),
		attribute.Bool(AttrSuccess, success),
	))
}

// RecordCodeExchange records a completed artifact exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, mechanism string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMechanism, mechanism),
	))
}

// RecordInstallationTokenMinted records a minted installation token.
func (m *Metrics) RecordInstallationTokenMinted(ctx context.Context) {
	if m == nil {
		return
	}
	m.InstallationMinted.Add(ctx, 1)
}

// RecordSessionResolved records a session resolution outcome
// ("ok", "unauthenticated", "upstream_failure", "error").
func (m *Metrics) RecordSessionResolved(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.SessionResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResolutionOutcome, outcome),
	))
}

// RecordRateLimitExceeded records a rate limited request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimiterType, limiterType),
	))
}

// RecordStorageOperation records a storage operation with duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPICall records an upstream GitHub API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrProviderOperation, operation),
		attribute.Int(AttrProviderStatus, statusCode),
	)
	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrProviderName, provider),
			attribute.String(AttrProviderOperation, operation),
		))
	}
}
