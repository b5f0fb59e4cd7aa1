package monitoring

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"whereabouts/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Outcome labels used on the join and publish counters.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeLimited  = "rate_limited"
	OutcomeStale    = "stale"
	OutcomeError    = "error"
)

type Telemetry interface {
	RecordGroupCreated(ctx context.Context, success bool)
	RecordJoin(ctx context.Context, outcome string)
	RecordLeave(ctx context.Context)
	RecordLocationPublish(ctx context.Context, outcome string)
	RecordFeedReload(ctx context.Context, success bool)
	RecordMembersSwept(ctx context.Context, count int)
	Logger() *slog.Logger
	Shutdown(ctx context.Context) error
}

type OpenTelemetry struct {
	tracerProvider *trace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	meterProvider  *sdkmetric.MeterProvider
	config         config.TelemetryConfig

	groupsCreated     metric.Int64Counter
	joins             metric.Int64Counter
	leaves            metric.Int64Counter
	locationPublishes metric.Int64Counter
	feedReloads       metric.Int64Counter
	membersSwept      metric.Int64Counter
}

// NewOpenTelemetry wires OTLP gRPC exporters for traces, logs and metrics. A
// disabled config yields an instance whose Record methods do nothing.
func NewOpenTelemetry(cfg config.TelemetryConfig) (Telemetry, error) {
	if !cfg.Enabled || cfg.ExporterURL == "" {
		slog.Info("Telemetry disabled or no exporter URL provided")
		return &OpenTelemetry{config: cfg}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	endpoint, creds, dialOpts := exporterTransport(cfg)

	traceExporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTLSCredentials(creds),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(context.Background(),
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithTLSCredentials(creds),
		otlploggrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(context.Background(),
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithTLSCredentials(creds),
		otlpmetricgrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SamplingRatio)),
	)

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(10*time.Second))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tel := &OpenTelemetry{
		tracerProvider: tp,
		loggerProvider: lp,
		meterProvider:  mp,
		config:         cfg,
	}

	if err := tel.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	slog.Info("Telemetry initialized successfully",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"environment", cfg.Environment,
		"endpoint", endpoint,
		"sampling_ratio", cfg.SamplingRatio,
	)

	return tel, nil
}

// exporterTransport picks plaintext for a local collector and TLS with basic
// auth metadata for a hosted one.
func exporterTransport(cfg config.TelemetryConfig) (string, credentials.TransportCredentials, []grpc.DialOption) {
	endpoint := strings.TrimPrefix(cfg.ExporterURL, "grpc://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	if cfg.APIKey == "" || cfg.InstanceID == "" {
		return endpoint, insecure.NewCredentials(), nil
	}

	auth := fmt.Sprintf("Basic %s:%s", cfg.InstanceID, cfg.APIKey)
	return endpoint, credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), []grpc.DialOption{
		grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", auth)
			return invoker(ctx, method, req, reply, cc, opts...)
		}),
	}
}

func (t *OpenTelemetry) initMetrics() error {
	if !t.IsEnabled() {
		return nil
	}

	meter := otel.Meter("whereabouts")

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.groupsCreated, "whereabouts_groups_created_total", "Total number of groups created"},
		{&t.joins, "whereabouts_group_joins_total", "Total number of join attempts by outcome"},
		{&t.leaves, "whereabouts_group_leaves_total", "Total number of members that left a group"},
		{&t.locationPublishes, "whereabouts_location_publishes_total", "Total number of location publishes by outcome"},
		{&t.feedReloads, "whereabouts_feed_reloads_total", "Total number of feed snapshot reloads"},
		{&t.membersSwept, "whereabouts_members_swept_total", "Total number of members marked offline by the presence sweep"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	slog.Info("Metrics instruments initialized successfully")
	return nil
}

func (t *OpenTelemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}

	if t.loggerProvider != nil {
		if err := t.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	return nil
}

func (t *OpenTelemetry) Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// Logger returns a slog.Logger that ships to OpenTelemetry when enabled, otherwise to stderr.
func (t *OpenTelemetry) Logger() *slog.Logger {
	if t.IsEnabled() {
		return slog.New(NewOTelHandler(&slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}))
}

func (t *OpenTelemetry) IsEnabled() bool {
	return t.config.Enabled && t.tracerProvider != nil
}

func (t *OpenTelemetry) add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if !t.IsEnabled() || counter == nil {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (t *OpenTelemetry) RecordGroupCreated(ctx context.Context, success bool) {
	t.add(ctx, t.groupsCreated, 1, attribute.Bool("success", success))
}

func (t *OpenTelemetry) RecordJoin(ctx context.Context, outcome string) {
	t.add(ctx, t.joins, 1, attribute.String("outcome", outcome))
}

func (t *OpenTelemetry) RecordLeave(ctx context.Context) {
	t.add(ctx, t.leaves, 1)
}

func (t *OpenTelemetry) RecordLocationPublish(ctx context.Context, outcome string) {
	t.add(ctx, t.locationPublishes, 1, attribute.String("outcome", outcome))
}

func (t *OpenTelemetry) RecordFeedReload(ctx context.Context, success bool) {
	t.add(ctx, t.feedReloads, 1, attribute.Bool("success", success))
}

func (t *OpenTelemetry) RecordMembersSwept(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	t.add(ctx, t.membersSwept, int64(count))
}
