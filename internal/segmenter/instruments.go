package segmenter

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-voice/segmenter"

type instruments struct {
	chunks metric.Int64Counter
	tokens metric.Int64Histogram
	ttfa   metric.Float64Histogram
}

// newInstruments binds to the global meter provider. Instruments that fail
// to register stay nil and are skipped.
func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	inst := &instruments{}
	if c, err := meter.Int64Counter("loqa.segmenter.chunks",
		metric.WithDescription("Chunks emitted by the segmenter")); err == nil {
		inst.chunks = c
	}
	if h, err := meter.Int64Histogram("loqa.segmenter.chunk_tokens",
		metric.WithDescription("Tokens per emitted chunk")); err == nil {
		inst.tokens = h
	}
	if h, err := meter.Float64Histogram("loqa.segmenter.time_to_first_audio_ms",
		metric.WithDescription("Queue-to-emit time of the first chunk in each sentence"),
		metric.WithUnit("ms")); err == nil {
		inst.ttfa = h
	}
	return inst
}

func (i *instruments) record(m ChunkMetrics) {
	if i == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("trigger", string(m.Trigger)))
	if i.chunks != nil {
		i.chunks.Add(ctx, 1, attrs)
	}
	if i.tokens != nil {
		i.tokens.Record(ctx, int64(m.Tokens), attrs)
	}
	if i.ttfa != nil && m.FirstInSentence {
		i.ttfa.Record(ctx, float64(m.TimeToFirstAudio.Microseconds())/1000)
	}
}
