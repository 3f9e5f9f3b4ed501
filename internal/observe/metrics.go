// Package observe provides the observability primitives shared by every
// kototsuna component: OpenTelemetry metrics, tracing, trace-aware logging,
// and HTTP middleware for the overlay server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus text format by the handler returned from [InitProvider].
// [DefaultMetrics] returns a package-level instance bound to the global
// provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider] so assertions do not leak between tests.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all kototsuna metrics.
const meterName = "github.com/MrWong99/kototsuna"

// Translation outcome labels for [Metrics.RecordTranslation].
const (
	StatusOK          = "ok"
	StatusCacheHit    = "cache_hit"
	StatusFiltered    = "filtered"
	StatusPassthrough = "passthrough"
	StatusError       = "error"
)

// Metrics holds every metric instrument. The OTel instruments handle their
// own synchronisation.
type Metrics struct {
	// TranslateDuration is the provider round-trip time of one translation,
	// retries included.
	TranslateDuration metric.Float64Histogram

	// TranslateRequests counts Gateway calls by outcome ("status").
	TranslateRequests metric.Int64Counter

	// STTSessionDuration is the wall-clock length of a listening session.
	STTSessionDuration metric.Float64Histogram

	// STTSessions counts listening sessions by "provider".
	STTSessions metric.Int64Counter

	// STTTranscripts counts final transcripts by "provider".
	STTTranscripts metric.Int64Counter

	// QuotaSeconds counts metered seconds charged to the monthly quota.
	QuotaSeconds metric.Int64Counter

	// TTSDuration is the synthesis latency by "backend".
	TTSDuration metric.Float64Histogram

	// TTSBackendSwitches counts synthesis backend transitions ("from", "to").
	TTSBackendSwitches metric.Int64Counter

	// PlaybackQueueDepth tracks items waiting in the speech queues.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ProviderErrors counts provider failures by "provider" and "kind".
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes ("name", "to").
	BreakerTransitions metric.Int64Counter

	// OverlayClients tracks connected overlay websocket clients.
	OverlayClients metric.Int64UpDownCounter

	// HTTPRequestDuration is the overlay request latency by "method" and "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for network
// translation and synthesis round trips.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// sessionBuckets are histogram boundaries in seconds for listening sessions.
var sessionBuckets = []float64{
	1, 10, 30, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranslateDuration, err = m.Float64Histogram("kototsuna.translate.duration",
		metric.WithDescription("Latency of machine-translation provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateRequests, err = m.Int64Counter("kototsuna.translate.requests",
		metric.WithDescription("Translation gateway calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.STTSessionDuration, err = m.Float64Histogram("kototsuna.stt.session.duration",
		metric.WithDescription("Length of speech-to-text listening sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTSessions, err = m.Int64Counter("kototsuna.stt.sessions",
		metric.WithDescription("Speech-to-text sessions started by provider."),
	); err != nil {
		return nil, err
	}
	if met.STTTranscripts, err = m.Int64Counter("kototsuna.stt.transcripts",
		metric.WithDescription("Final transcripts received by provider."),
	); err != nil {
		return nil, err
	}
	if met.QuotaSeconds, err = m.Int64Counter("kototsuna.quota.seconds",
		metric.WithDescription("Seconds charged to the metered speech provider quota."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("kototsuna.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSBackendSwitches, err = m.Int64Counter("kototsuna.tts.backend_switches",
		metric.WithDescription("Synthesis backend transitions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("kototsuna.tts.queue_depth",
		metric.WithDescription("Items waiting for synthesis or playback."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("kototsuna.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("kototsuna.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("kototsuna.overlay.clients",
		metric.WithDescription("Connected overlay websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("kototsuna.http.request.duration",
		metric.WithDescription("Overlay HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider], creating it on first use. It panics if instrument
// creation fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranslation counts one Gateway call with the given outcome.
func (m *Metrics) RecordTranslation(ctx context.Context, status string) {
	m.TranslateRequests.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordBackendSwitch counts one synthesis backend transition.
func (m *Metrics) RecordBackendSwitch(ctx context.Context, from, to string) {
	m.TTSBackendSwitches.Add(ctx, 1,
		metric.WithAttributes(Attr("from", from), Attr("to", to)),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("name", name), Attr("to", to)),
	)
}

// RecordSession records the end of a listening session.
func (m *Metrics) RecordSession(ctx context.Context, provider string, seconds float64) {
	m.STTSessionDuration.Record(ctx, seconds, metric.WithAttributes(Attr("provider", provider)))
}
