// Package observability exposes service metrics through OpenTelemetry
// with a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/kpath-ai/kpath"

// Metrics holds the service instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	searchDuration metric.Float64Histogram
	searchTotal    metric.Int64Counter
	searchErrors   metric.Int64Counter
	snapshotTotal  metric.Int64Counter
}

// NewMetrics creates the meter provider and instruments. The exporter
// registers with the default Prometheus registry, served by Handler.
func NewMetrics() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, meter: meter}

	if m.searchDuration, err = meter.Float64Histogram("kpath.search.duration",
		metric.WithDescription("End-to-end search latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.searchTotal, err = meter.Int64Counter("kpath.search.total",
		metric.WithDescription("Searches served")); err != nil {
		return nil, err
	}
	if m.searchErrors, err = meter.Int64Counter("kpath.search.errors",
		metric.WithDescription("Searches failed, by error kind")); err != nil {
		return nil, err
	}
	if m.snapshotTotal, err = meter.Int64Counter("kpath.index.snapshots",
		metric.WithDescription("Index snapshots written")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSearch records one completed search.
func (m *Metrics) RecordSearch(ctx context.Context, elapsed time.Duration, errKind string) {
	ok := errKind == ""
	m.searchDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Bool("ok", ok)))
	m.searchTotal.Add(ctx, 1)
	if !ok {
		m.searchErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", errKind)))
	}
}

// RecordSnapshot counts one written snapshot generation.
func (m *Metrics) RecordSnapshot(ctx context.Context) {
	m.snapshotTotal.Add(ctx, 1)
}

// RegisterIndexObservers exports gauges read from the index status on
// each scrape.
func (m *Metrics) RegisterIndexObservers(size func() int64, generation func() int64) error {
	indexSize, err := m.meter.Int64ObservableGauge("kpath.index.size",
		metric.WithDescription("Indexed service vectors"))
	if err != nil {
		return err
	}
	indexGen, err := m.meter.Int64ObservableGauge("kpath.index.generation",
		metric.WithDescription("Current snapshot generation"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(indexSize, size())
		o.ObserveInt64(indexGen, generation())
		return nil
	}, indexSize, indexGen)
	return err
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
