package observers

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/voxtutor/voxtutor/pkg/metrics"
)

const meterName = "github.com/voxtutor/voxtutor"

// latencyBuckets are histogram boundaries in seconds, tuned for the
// sub-second targets of a live voice pipeline.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// InitProvider installs an OTel meter provider backed by a Prometheus
// exporter and returns a shutdown function for main() to defer.
func InitProvider(ctx context.Context, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "voxtutor"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// OTelObserver bridges telemetry events onto OpenTelemetry instruments.
type OTelObserver struct {
	stageDuration   metric.Float64Histogram
	turnOutcomes    metric.Int64Counter
	stateTransition metric.Int64Counter
}

// NewOTelObserver builds the instrument set on the given meter provider.
// Pass nil to use the global provider installed by InitProvider.
func NewOTelObserver(mp metric.MeterProvider) (*OTelObserver, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	o := &OTelObserver{}
	var err error
	if o.stageDuration, err = m.Float64Histogram("voxtutor.stage.duration",
		metric.WithDescription("Latency of one pipeline stage per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if o.turnOutcomes, err = m.Int64Counter("voxtutor.turn.outcomes",
		metric.WithDescription("Completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if o.stateTransition, err = m.Int64Counter("voxtutor.session.transitions",
		metric.WithDescription("Session state transitions by from/to state."),
	); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OTelObserver) RecordEvent(ev metrics.Event) {
	ctx := context.Background()
	switch ev.Name {
	case "stage_latency_ms":
		o.stageDuration.Record(ctx, ev.Value/1000,
			metric.WithAttributes(
				attribute.String("stage", ev.Tags["stage"]),
				attribute.String("outcome", ev.Tags["outcome"]),
			))
		if ev.Tags["stage"] == metrics.StageE2E {
			o.turnOutcomes.Add(ctx, 1,
				metric.WithAttributes(attribute.String("outcome", ev.Tags["outcome"])))
		}
	case "state_transition":
		o.stateTransition.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("from", ev.Tags["from"]),
				attribute.String("to", ev.Tags["to"]),
			))
	}
}
