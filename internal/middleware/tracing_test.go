package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/osvaldoandrade/ramguard/internal/tracing"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func spanAttrs(t *testing.T, sr *tracetest.SpanRecorder) map[attribute.Key]attribute.Value {
	t.Helper()
	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func newTracedRouter(t *testing.T, grants ...string) *gin.Engine {
	t.Helper()
	ref := guard.HandlerRef{Class: "option", Handler: "create"}
	table := guard.NewTable()
	table.SetHandler(ref, guard.Rule{Action: actions.OptionCreate})

	r := gin.New()
	r.Use(TracingMiddleware("test"), Verify(staticValidator(t, grants...), WithCredentialsRequired(false)))
	r.POST("/v1/options", Guard(guard.New(table), ref), whoami)
	return r
}

func TestTracingRecordsDeniedAction(t *testing.T) {
	sr := recordSpans(t)
	rec, _ := do(t, newTracedRouter(t, "option.list"), bearer(httptest.NewRequest(http.MethodPost, "/v1/options", nil), "good-token"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	attrs := spanAttrs(t, sr)
	if got := attrs[tracing.AttrHandlerName].AsString(); got != "option.create" {
		t.Fatalf("handler = %q", got)
	}
	if got := attrs[tracing.AttrAction].AsString(); got != string(actions.OptionCreate) {
		t.Fatalf("action = %q", got)
	}
	if !attrs[tracing.AttrDenied].AsBool() {
		t.Fatal("expected denied attribute")
	}
	if got := attrs[tracing.AttrSubject].AsString(); got != "alice" {
		t.Fatalf("subject = %q", got)
	}
	if name := sr.Ended()[0].Name(); name != "HTTP POST /v1/options" {
		t.Fatalf("span name = %q", name)
	}
}

func TestTracingAllowedRequestHasNoDenial(t *testing.T) {
	sr := recordSpans(t)
	rec, _ := do(t, newTracedRouter(t, "option.create"), bearer(httptest.NewRequest(http.MethodPost, "/v1/options", nil), "good-token"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	attrs := spanAttrs(t, sr)
	if _, ok := attrs[tracing.AttrDenied]; ok {
		t.Fatal("allowed request marked denied")
	}
	if _, ok := attrs[tracing.AttrAction]; ok {
		t.Fatal("allowed request carries a denied action")
	}
	if attrs[tracing.AttrHandlerName].AsString() != "option.create" {
		t.Fatal("handler attribute missing")
	}
}
