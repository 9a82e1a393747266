// Package telemetry exports the data-path counters over OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/rocespray/internal/stats"
)

const (
	meterName      = "github.com/yuuki/rocespray/sprayer"
	metricPrefix   = "rocespray."
	exportInterval = 10 * time.Second
)

// Metrics holds the instruments observing one set of counters
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	counters     map[string]metric.Int64ObservableCounter
	buffered     metric.Int64ObservableGauge
	registration metric.Registration

	// length of each contiguous run released by the reorder engine
	drainHistogram metric.Int64Histogram
}

// NewMetrics exports counters to the OTLP collector at collectorAddr. The
// scheme selects the transport: grpc (default), grpcs, http or https.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string, counters *stats.Counters) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rocespray-sprayer"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	return newMetrics(provider, counters)
}

// newExporter builds the OTLP exporter for collectorAddr
func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// parseCollectorAddr splits a collector address into scheme and host:port.
// A bare host:port means grpc.
func parseCollectorAddr(addr string) (string, string, error) {
	if addr == "" {
		return "", "", fmt.Errorf("otel-collector-addr is empty")
	}
	if !strings.Contains(addr, "://") {
		if !strings.Contains(addr, ":") || strings.Contains(addr, "/") {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is not a valid schemeless address (e.g. localhost:4317)", addr)
		}
		return "grpc", addr, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", addr, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", addr)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "grpc", "grpcs", "http", "https":
		return scheme, u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", u.Scheme, addr)
	}
}

// newMetrics registers the instruments on provider
func newMetrics(provider *sdkmetric.MeterProvider, counters *stats.Counters) (*Metrics, error) {
	m := &Metrics{
		provider: provider,
		meter:    provider.Meter(meterName),
		counters: make(map[string]metric.Int64ObservableCounter),
	}

	var err error
	observables := make([]metric.Observable, 0, len(counters.Snapshot()))
	for _, name := range counterNames(counters) {
		if name == "buffered" {
			m.buffered, err = m.meter.Int64ObservableGauge(
				metricPrefix+"reorder.buffered",
				metric.WithDescription("Packets held by the reorder engine"),
				metric.WithUnit("{packet}"),
			)
			if err != nil {
				return nil, err
			}
			observables = append(observables, m.buffered)
			continue
		}
		c, err := m.meter.Int64ObservableCounter(
			metricPrefix+name,
			metric.WithDescription(strings.ReplaceAll(name, "_", " ")),
			metric.WithUnit("{packet}"),
		)
		if err != nil {
			return nil, err
		}
		m.counters[name] = c
		observables = append(observables, c)
	}

	m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, v := range counters.Snapshot() {
			if name == "buffered" {
				o.ObserveInt64(m.buffered, int64(v))
				continue
			}
			if c, ok := m.counters[name]; ok {
				o.ObserveInt64(c, int64(v))
			}
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, err
	}

	m.drainHistogram, err = m.meter.Int64Histogram(
		metricPrefix+"reorder.drain_run",
		metric.WithDescription("Packets released per contiguous run of the reorder engine"),
		metric.WithUnit("{packet}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func counterNames(counters *stats.Counters) []string {
	snap := counters.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordDrain records the length of a run released by the reorder engine
func (m *Metrics) RecordDrain(ctx context.Context, n int) {
	m.drainHistogram.Record(ctx, int64(n))
}

// Shutdown flushes and stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.registration != nil {
		if err := m.registration.Unregister(); err != nil {
			return err
		}
	}
	return m.provider.Shutdown(ctx)
}
