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
	debits      metric.Int64Counter
	usageEvents metric.Int64Counter
	pruned      metric.Int64Counter
	rateLimited metric.Int64Counter
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
		name = "metering"
	}
	meter := provider.Meter(name)

	debits, err := meter.Int64Counter("metering_debits_total")
	if err != nil {
		return nil, err
	}
	usageEvents, err := meter.Int64Counter("metering_usage_events_total")
	if err != nil {
		return nil, err
	}
	pruned, err := meter.Int64Counter("metering_idempotency_pruned_total")
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("metering_rate_limited_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		debits:      debits,
		usageEvents: usageEvents,
		pruned:      pruned,
		rateLimited: rateLimited,
	}, nil
}

// Debit outcome labels.
const (
	DebitOutcomeOK           = "ok"
	DebitOutcomeReplayed     = "replayed"
	DebitOutcomeInsufficient = "insufficient_funds"
	DebitOutcomeRejected     = "rejected"
	DebitOutcomeError        = "error"
)

// RecordDebit increments debit counts by outcome and tool.
func (m *Metrics) RecordDebit(ctx context.Context, toolName, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tool_name", strings.TrimSpace(toolName)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.debits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageEvent increments usage event counts.
func (m *Metrics) RecordUsageEvent(ctx context.Context, toolName, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tool_name", strings.TrimSpace(toolName)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.usageEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied counts requests turned away by the rate limiter.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPruned adds pruned idempotency record counts.
func (m *Metrics) RecordPruned(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.pruned.Add(ctx, count)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
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
	"tool_name":   {},
	"outcome":     {},
	"status":      {},
	"status_code": {},
	"endpoint":    {},
	"reason":      {},
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
