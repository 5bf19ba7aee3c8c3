package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/resource-scanner/config"
	"github.com/google/uuid"
)

type MetricsProvider struct {
	PoolMetrics *PoolMetrics
	ScanMetrics *ScanMetrics
	Close       func(ctx context.Context)
}

type PoolMetrics struct {
	ContextsCreated  func(count int64)
	ContextsRecycled func(count int64)
	ContextsLost     func(count int64)
}

type ScanMetrics struct {
	ScanSucceeded  func(count int64)
	ScanFailed     func(count int64)
	ScanRetried    func(count int64)
	ScanSkipped    func(count int64)
	Persisted      func(count int64)
	PersistFailed  func(count int64)
	ResourcesFound func(count int64)
}

// SetupMetrics registers the scanner counters. With telemetry disabled the returned callbacks are no-ops.
func SetupMetrics(ctx context.Context, cfg *config.Config) (*MetricsProvider, error) {
	metricsProvider := new(MetricsProvider)
	var meterProvider *sdkmetric.MeterProvider
	enabled := cfg.TelemetrySettings.Enabled

	if enabled {
		r, err := newResource(cfg)
		if err != nil {
			return nil, err
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			return nil, err
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	meter := otel.Meter(cfg.ServiceName)
	metricsProvider.Close = func(ctx context.Context) {
		if meterProvider != nil {
			err := meterProvider.Shutdown(ctx)
			if err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		}
	}

	counters := []struct {
		name, description string
	}{
		{"resource-scanner.pool.contexts.created", "Browser contexts created"},
		{"resource-scanner.pool.contexts.recycled", "Browser contexts closed for reuse ceiling or fault"},
		{"resource-scanner.pool.contexts.lost", "Browser context slots lost after failed re-creation"},
		{"resource-scanner.scans.success", "Domains scanned successfully"},
		{"resource-scanner.scans.fail", "Domains that failed on every attempt"},
		{"resource-scanner.scans.retry", "Scan attempts that were retried"},
		{"resource-scanner.scans.skipped", "Domains skipped because of the checkpoint"},
		{"resource-scanner.persist.success", "Results committed to the output sink"},
		{"resource-scanner.persist.fail", "Results the output sink rejected"},
		{"resource-scanner.resources.found", "Resources captured across all scans"},
	}
	metricsProvider.PoolMetrics = new(PoolMetrics)
	metricsProvider.ScanMetrics = new(ScanMetrics)
	targets := []*func(int64){
		&metricsProvider.PoolMetrics.ContextsCreated,
		&metricsProvider.PoolMetrics.ContextsRecycled,
		&metricsProvider.PoolMetrics.ContextsLost,
		&metricsProvider.ScanMetrics.ScanSucceeded,
		&metricsProvider.ScanMetrics.ScanFailed,
		&metricsProvider.ScanMetrics.ScanRetried,
		&metricsProvider.ScanMetrics.ScanSkipped,
		&metricsProvider.ScanMetrics.Persisted,
		&metricsProvider.ScanMetrics.PersistFailed,
		&metricsProvider.ScanMetrics.ResourcesFound,
	}
	for i, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description),
			metric.WithUnit("{count}"))
		if err != nil {
			return nil, err
		}
		*targets[i] = func(count int64) {
			if enabled {
				counter.Add(ctx, count)
			}
		}
	}

	return metricsProvider, nil
}

// NoopScanMetrics is used by tests and by callers that run without a provider.
func NoopScanMetrics() *ScanMetrics {
	noop := func(int64) {}
	return &ScanMetrics{
		ScanSucceeded:  noop,
		ScanFailed:     noop,
		ScanRetried:    noop,
		ScanSkipped:    noop,
		Persisted:      noop,
		PersistFailed:  noop,
		ResourcesFound: noop,
	}
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
			semconv.ServiceVersion(cfg.Version),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
