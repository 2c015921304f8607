package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/replay-bridge"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	interceptsTotal         metric.Int64Counter
	cacheWriteSize          metric.Float64Histogram
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	bridgeMessagesTotal    metric.Int64Counter
	bridgeRoundtripSeconds metric.Float64Histogram

	loaderTransitionsTotal metric.Int64Counter
	loadBytesTotal         metric.Int64Counter

	metadataEvictionsTotal metric.Int64Counter
	memoryChecksTotal      metric.Int64Counter
	heapAllocBytes         metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system once per process.
// The returned shutdown function should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "replay-bridge"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Instruments still need a reader to aggregate into when nothing exports.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instrumentSet creates instruments on a meter and keeps the first error.
type instrumentSet struct {
	meter metric.Meter
	errs  []error
}

func (s *instrumentSet) counter(name, desc, unit string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.errs = append(s.errs, err)
	return c
}

func (s *instrumentSet) histogram(name, desc, unit string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := s.meter.Float64Histogram(name, opts...)
	s.errs = append(s.errs, err)
	return h
}

func (s *instrumentSet) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := s.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.errs = append(s.errs, err)
	return g
}

func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	s := &instrumentSet{meter: mp.Meter(meterName)}

	m := &Metrics{
		requestsTotal:           s.counter("replay_bridge_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      s.counter("replay_bridge_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         s.histogram("replay_bridge_http_request_duration_seconds", "HTTP request duration in seconds", "s", durationBuckets...),
		requestsByEndpointTotal: s.counter("replay_bridge_http_requests_by_endpoint_total", "HTTP requests by endpoint", "{request}"),

		interceptsTotal:         s.counter("replay_bridge_intercepts_total", "Intercepted archive requests by result", "{request}"),
		cacheWriteSize:          s.histogram("replay_bridge_cache_write_size_bytes", "Size of response bodies written to the archive cache", "By"),
		upstreamFetchDuration:   s.histogram("replay_bridge_upstream_fetch_duration_seconds", "Upstream fetch duration in seconds", "s", durationBuckets...),
		upstreamFetchTotal:      s.counter("replay_bridge_upstream_fetch_total", "Total upstream fetches", "{fetch}"),
		upstreamFetchBytesTotal: s.counter("replay_bridge_upstream_fetch_bytes_total", "Total bytes read from upstreams", "By"),

		bridgeMessagesTotal:    s.counter("replay_bridge_bridge_messages_total", "Bridge request messages by type and outcome", "{message}"),
		bridgeRoundtripSeconds: s.histogram("replay_bridge_bridge_roundtrip_seconds", "Bridge request to reply latency", "s", durationBuckets...),

		loaderTransitionsTotal: s.counter("replay_bridge_loader_transitions_total", "Load state machine transitions", "{transition}"),
		loadBytesTotal:         s.counter("replay_bridge_load_bytes_total", "Total archive bytes loaded", "By"),

		metadataEvictionsTotal: s.counter("replay_bridge_metadata_evictions_total", "Archive metadata entries evicted", "{entry}"),
		memoryChecksTotal:      s.counter("replay_bridge_memory_checks_total", "Memory monitor checks by outcome", "{check}"),
		heapAllocBytes:         s.gauge("replay_bridge_heap_alloc_bytes", "Heap bytes in use at the last memory check", "By"),

		meterProvider: mp,
	}

	if err := errors.Join(s.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics from the logging middleware once
// the request completes. Archive and cache result are read from the request tags.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Archive ids are unbounded so they only appear in logs, never as attributes.
	shared := metric.WithAttributes(
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, shared)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, shared)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), shared)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		))
	}
}

// RecordIntercept records the outcome of one intercepted archive request.
// result is one of hit, miss, not_registered, upstream_error or passthrough.
func RecordIntercept(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.interceptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheWrite records a response body stored in an archive cache.
func RecordCacheWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}
	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.cacheWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// RecordUpstreamFetch records an upstream fetch request. The archive the
// fetch was made for is read from ctx and recorded when present.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	kv := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	if archive := ArchiveFromContext(ctx); archive != "" {
		kv = append(kv, attribute.String("archive", archive))
	}
	attrs := metric.WithAttributes(kv...)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordBridgeMessage records one bridge request and how long its reply took.
// outcome is one of ok, timeout, no_controller or error.
func RecordBridgeMessage(ctx context.Context, msgType, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("outcome", outcome),
	)
	globalMetrics.bridgeMessagesTotal.Add(ctx, 1, attrs)
	globalMetrics.bridgeRoundtripSeconds.Record(ctx, duration.Seconds(), attrs)
}

// RecordLoaderTransition records a load state machine transition.
func RecordLoaderTransition(ctx context.Context, from, to string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.loaderTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordLoadBytes records archive bytes fetched by a load.
func RecordLoadBytes(ctx context.Context, n int64) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.loadBytesTotal.Add(ctx, n)
}

// RecordMetadataEvictions records metadata cache entries dropped by an eviction pass.
func RecordMetadataEvictions(ctx context.Context, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	globalMetrics.metadataEvictionsTotal.Add(ctx, int64(n))
}

// RecordMemoryCheck records one memory monitor check.
// outcome is "ok" or "cleanup".
func RecordMemoryCheck(ctx context.Context, heapAlloc uint64, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.memoryChecksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.heapAllocBytes.Record(ctx, int64(heapAlloc))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It responds 404 until Prometheus export is enabled, so it can be
// registered before InitMetrics runs.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
