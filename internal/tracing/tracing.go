// Package tracing sets up OpenTelemetry for the gateway and holds the span
// attribute keys shared by the HTTP middleware, the key resolver and the proxy.
package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const (
	DefaultServiceName = "ramguard"
	DefaultEndpoint    = "localhost:4317"
)

// Span attributes recorded by the gateway.
const (
	AttrSubject     = attribute.Key("enduser.id")
	AttrDenied      = attribute.Key("ramguard.denied")
	AttrAction      = attribute.Key("ramguard.action")
	AttrJWKSURL     = attribute.Key("ramguard.jwks.url")
	AttrJWKSKeys    = attribute.Key("ramguard.jwks.keys")
	AttrUpstream    = attribute.Key("ramguard.upstream")
	AttrHandlerName = attribute.Key("ramguard.handler")
)

type Config struct {
	Enabled     bool
	ServiceName string
	// Environment becomes deployment.environment on every span.
	Environment string

	OTLPEndpoint string
	OTLPInsecure bool

	SampleRatio float64
}

// withDefaults fills blanks from the standard OTEL_* variables, then from
// package defaults. OTEL_EXPORTER_OTLP_INSECURE and OTEL_TRACES_SAMPLER_ARG
// win over the file.
func (c Config) withDefaults() Config {
	c.ServiceName = firstNonEmpty(c.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), DefaultServiceName)
	c.OTLPEndpoint = sanitizeEndpoint(firstNonEmpty(c.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), DefaultEndpoint))
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		c.OTLPInsecure = parseBool(v)
	}
	if v := ParseSampleRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); v > 0 {
		c.SampleRatio = v
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
	return c
}

// Setup installs the W3C propagator and, when enabled, an OTLP/gRPC tracer
// provider. An exporter that cannot be built leaves tracing off; the gateway
// keeps serving.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	cfg = cfg.withDefaults()
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		logger.Warn("trace exporter unavailable, spans dropped", "endpoint", cfg.OTLPEndpoint, "err", err)
		return noop, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(cfg, logger)),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler honours the caller's sampling decision and samples root spans at
// ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if ratio > 0 && ratio < 1 {
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(cfg Config, logger *slog.Logger) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		logger.Warn("trace resource merge failed", "err", err)
		return resource.Default()
	}
	return res
}

// Tracer returns the named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(DefaultServiceName + "/" + component)
}

// InjectHeaders writes the W3C trace context of ctx into h so upstream services
// continue the trace. Baggage is not forwarded: it may carry caller data.
func InjectHeaders(ctx context.Context, h http.Header) {
	if h == nil {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(h))
}

// ParseSampleRatio reads a sampler argument; anything unparsable is 0.
func ParseSampleRatio(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// sanitizeEndpoint reduces a collector URL to the host:port the gRPC exporter
// dials.
func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "on":
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
