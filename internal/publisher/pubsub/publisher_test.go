package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeServer(t *testing.T) (*pstest.Server, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, option.WithGRPCConn(conn)
}

func TestPublishSendsJSON(t *testing.T) {
	srv, connOpt := newFakeServer(t)
	ctx := context.Background()

	pub, err := Dial(ctx, "demo", "page-events", connOpt)
	require.NoError(t, err)
	_, err = pub.client.CreateTopic(ctx, "page-events")
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "page-events", map[string]any{"url": "http://info.cern.ch", "created": true})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "http://info.cern.ch", got["url"])
	require.Equal(t, true, got["created"])
}

func TestPublishCarriesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	srv, connOpt := newFakeServer(t)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	pub, err := Dial(ctx, "demo", "page-events", connOpt)
	require.NoError(t, err)
	_, err = pub.client.CreateTopic(ctx, "page-events")
	require.NoError(t, err)

	_, err = pub.Publish(ctx, "page-events", map[string]any{"url": "http://info.cern.ch"})
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Attributes["traceparent"])
}

func TestPublishMissingTopicFails(t *testing.T) {
	_, connOpt := newFakeServer(t)
	ctx := context.Background()

	pub, err := Dial(ctx, "demo", "absent", connOpt)
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(ctx, "absent", "x")
	require.Error(t, err)
}

func TestDialRequiresNames(t *testing.T) {
	_, err := Dial(context.Background(), "", "topic")
	require.Error(t, err)
}

func TestUnconfiguredPublisher(t *testing.T) {
	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, New(nil).Close())
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	_, connOpt := newFakeServer(t)
	pub, err := Dial(context.Background(), "demo", "t", connOpt)
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
