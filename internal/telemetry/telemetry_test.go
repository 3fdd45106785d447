package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		provider.Shutdown(context.Background())
	})
	return exporter
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "selector.recompute", attribute.String("selector", "badge"))
	AddSpanAttributes(ctx, attribute.Bool("changed", true))
	AddSpanEvent(ctx, "published")
	MarkSpanError(ctx, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "selector.recompute", got.Name)
	assert.Contains(t, got.Attributes, attribute.String("selector", "badge"))
	assert.Contains(t, got.Attributes, attribute.Bool("changed", true))
	require.Len(t, got.Events, 2, "the event and the recorded error")
	assert.Equal(t, "published", got.Events[0].Name)
	assert.Equal(t, codes.Error, got.Status.Code)
}

func TestHTTPMiddleware(t *testing.T) {
	exporter := installRecorder(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware())
	r.Get("/selectors/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/selectors/badge", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /selectors/badge", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, semconv.NetHostNameKey.String("example.com"))
	assert.Contains(t, spans[0].Attributes, semconv.HTTPStatusCodeKey.Int(http.StatusNotFound))
}
