package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pagestore/internal/page"
	"github.com/JakeFAU/pagestore/internal/publisher/memory"
)

var batch = []page.Event{
	{ID: "e1", URL: "http://info.cern.ch", Created: true, LinksCount: 1, At: time.Unix(1700000000, 0).UTC()},
	{ID: "e2", URL: "http://info.cern.ch", Created: false, LinksCount: 0, At: time.Unix(1700000060, 0).UTC()},
}

func TestLogSinkWritesOneEntryPerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.FilterMessage("page event").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	require.Equal(t, "http://info.cern.ch", fields["url"])
	require.Equal(t, true, fields["created"])
	require.Equal(t, "e2", entries[1].ContextMap()["event_id"])
}

func TestPublishSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	closed := false
	sink, err := NewPublishSink(pub, "page-events", func() error {
		closed = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), batch))
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "page-events", msgs[0].Topic)
	require.Equal(t, batch[1], msgs[1].Payload)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, closed)
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.Err = errors.New("broker down")
	sink, err := NewPublishSink(pub, "page-events", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), batch)
	require.ErrorContains(t, err, "publish event e1")
	require.ErrorContains(t, err, "publish event e2")
	require.NoError(t, sink.Close(context.Background()))
}

func TestNewPublishSinkRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := NewPublishSink(nil, "t", nil)
	require.Error(t, err)
}

type contextRecorder struct {
	traces []trace.TraceID
}

func (r *contextRecorder) Publish(ctx context.Context, _ string, _ any) (string, error) {
	r.traces = append(r.traces, trace.SpanContextFromContext(ctx).TraceID())
	return "id", nil
}

func TestPublishSinkPublishesUnderEventTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	rec := &contextRecorder{}
	sink, err := NewPublishSink(rec, "page-events", nil)
	require.NoError(t, err)

	traced := page.Event{
		ID:    "e1",
		URL:   "http://info.cern.ch",
		Trace: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
	untraced := page.Event{ID: "e2", URL: "http://info.cern.ch"}
	require.NoError(t, sink.Consume(context.Background(), []page.Event{traced, untraced}))

	require.Len(t, rec.traces, 2)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.traces[0].String())
	require.False(t, rec.traces[1].IsValid())
}
