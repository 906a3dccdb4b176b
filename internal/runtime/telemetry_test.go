package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTelemetryUsesChunkBuckets(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a prometheus handler")
	}

	hist, err := otel.Meter("telemetry-test").Int64Histogram("loqa.segmenter.chunk_tokens")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "loqa_segmenter_chunk_tokens_bucket") || !strings.Contains(body, `le="4"`) {
		t.Fatalf("expected chunk token buckets in metrics output:\n%s", body)
	}
}
