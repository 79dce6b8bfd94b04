package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	record := &kgo.Record{Topic: TopicDoseReminders}
	injectTraceHeaders(ctx, record)
	if (headerCarrier{record: record}).Get("traceparent") == "" {
		t.Fatal("traceparent header not written")
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id = %s, want %s", extracted.TraceID(), span.SpanContext().TraceID())
	}
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}
	c.Set("k", "v1")
	c.Set("k", "v2")
	if len(record.Headers) != 1 || c.Get("k") != "v2" {
		t.Errorf("headers = %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Errorf("keys = %v", keys)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		if cfg.Partitions <= 0 {
			t.Errorf("%s has no partitions", cfg.Name)
		}
		names[cfg.Name] = true
	}
	for _, want := range []string{TopicDoseReminders, TopicIntakeEvents, TopicDeadLetter} {
		if !names[want] {
			t.Errorf("missing topic %s", want)
		}
	}
}
