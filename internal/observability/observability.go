// Package observability wires OpenTelemetry tracing for conversation turns and
// scheduled task executions.
package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultServiceName is the service name reported on every span.
const DefaultServiceName = "agentconsole"

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration
type Config struct {
	// ServiceName defaults to "agentconsole"
	ServiceName string

	Enabled bool

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string

	// OTLPEndpoint is the host:port of the OTLP/HTTP collector
	OTLPEndpoint string

	// OTLPHeaders are additional headers for OTLP requests (e.g., authorization)
	OTLPHeaders map[string]string
}

// ApplyEnv overlays the standard OpenTelemetry environment variables on cfg:
// OTEL_SERVICE_NAME, OTEL_TRACES_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_HEADERS ("key1=value1,key2=value2").
func ApplyEnv(cfg Config) Config {
	cfg.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.ExporterType = getEnv("OTEL_TRACES_EXPORTER", cfg.ExporterType)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	if headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		if cfg.OTLPHeaders == nil {
			cfg.OTLPHeaders = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			cfg.OTLPHeaders[k] = v
		}
	}
	return cfg
}

// Init installs the global tracer provider described by config.
func Init(config Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	if !config.Enabled || config.ExporterType == "" || config.ExporterType == "none" {
		logger.Debug("tracing disabled")
		setTracer(nil, otel.GetTracerProvider().Tracer(config.ServiceName))
		return nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch config.ExporterType {
	case "otlp":
		exporter, err = createOTLPExporter(config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		logger.Info("tracing initialized", zap.String("exporter", "otlp"), zap.String("endpoint", config.OTLPEndpoint))

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		logger.Info("tracing initialized", zap.String("exporter", "stdout"))

	default:
		return fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	return install(config.ServiceName, sdktrace.WithBatcher(exporter))
}

func install(serviceName string, opts ...sdktrace.TracerProviderOption) error {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(res))...)
	otel.SetTracerProvider(provider)
	setTracer(provider, provider.Tracer(serviceName))
	return nil
}

func setTracer(provider *sdktrace.TracerProvider, t trace.Tracer) {
	mu.Lock()
	defer mu.Unlock()
	tracerProvider = provider
	tracer = t
}

// Shutdown flushes pending spans and releases the exporter.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	provider := tracerProvider
	tracerProvider = nil
	mu.Unlock()

	if provider == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	return provider.Shutdown(ctx)
}

func currentTracer() trace.Tracer {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t == nil {
		return otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return t
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, data map[string]any) (context.Context, *Span) {
	spanCtx, span := currentTracer().Start(ctx, name)

	if len(data) > 0 {
		attrs := make([]attribute.KeyValue, 0, len(data))
		for k, v := range data {
			attrs = append(attrs, convertToAttribute(k, v))
		}
		span.SetAttributes(attrs...)
	}

	return spanCtx, &Span{span: span, name: name}
}

// StartTurnSpan starts the span covering one conversation turn.
func StartTurnSpan(ctx context.Context, sessionID, sender string) (context.Context, *Span) {
	return StartSpan(ctx, "session.turn", map[string]any{
		"session.id":     sessionID,
		"session.sender": sender,
	})
}

// StartExecutionSpan starts the span covering one scheduled task execution,
// including any follow-up prompts it triggers.
func StartExecutionSpan(ctx context.Context, sessionID, taskID, executionID string) (context.Context, *Span) {
	return StartSpan(ctx, "task.execution", map[string]any{
		"session.id":   sessionID,
		"task.id":      taskID,
		"execution.id": executionID,
	})
}

// Span wraps an OpenTelemetry span so it can be ended more than once.
type Span struct {
	span  trace.Span
	name  string
	mu    sync.Mutex
	ended bool
}

// End finishes the span
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended && s.span != nil {
		s.span.End()
		s.ended = true
	}
}

// Name returns the span name
func (s *Span) Name() string {
	return s.name
}

// IsEnded returns whether the span has been ended
func (s *Span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value any) {
	if s.span != nil {
		s.span.SetAttributes(convertToAttribute(key, value))
	}
}

// SetError records err and marks the span failed. A nil err is ignored.
func (s *Span) SetError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func createOTLPExporter(config Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
	}

	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func convertToAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseHeaders(headerStr string) map[string]string {
	if headerStr == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
