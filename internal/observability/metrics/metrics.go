package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	entitlementDecisions metric.Int64Counter
	usageRecorded        metric.Int64Counter
	overageUnits         metric.Int64Counter
	subscriptionEvents   metric.Int64Counter
	keysIssued           metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metergate"
	}
	meter := provider.Meter(name)

	entitlementDecisions, err := meter.Int64Counter("metergate_entitlement_decisions_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("metergate_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	overageUnits, err := meter.Int64Counter("metergate_overage_units_total")
	if err != nil {
		return nil, err
	}
	subscriptionEvents, err := meter.Int64Counter("metergate_subscription_events_total")
	if err != nil {
		return nil, err
	}
	keysIssued, err := meter.Int64Counter("metergate_keys_issued_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		entitlementDecisions: entitlementDecisions,
		usageRecorded:        usageRecorded,
		overageUnits:         overageUnits,
		subscriptionEvents:   subscriptionEvents,
		keysIssued:           keysIssued,
	}, nil
}

// RecordEntitlementDecision increments decision counts per tier and outcome.
func (m *Metrics) RecordEntitlementDecision(ctx context.Context, tier string, allowed bool, reason string) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("decision", decision),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.entitlementDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage increments recorded request counts.
func (m *Metrics) RecordUsage(ctx context.Context, tier string, overage bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tier", strings.TrimSpace(tier)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if overage {
		m.overageUnits.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSubscriptionEvent increments webhook event counts per outcome.
func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.subscriptionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordKeyIssued increments issued key counts per tier.
func (m *Metrics) RecordKeyIssued(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tier", strings.TrimSpace(tier)))
	m.keysIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tier":        {},
	"decision":    {},
	"reason":      {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
