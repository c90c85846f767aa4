package page_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/pagestore/internal/page"
	"github.com/JakeFAU/pagestore/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubRepo struct {
	upsertErr error
	listErr   error
	pingErr   error
	summaries []page.Summary

	gotObs   page.Observation
	gotAt    time.Time
	gotLimit int
	upserts  int
}

func (r *stubRepo) Upsert(_ context.Context, obs page.Observation, at time.Time) (page.IngestResult, error) {
	r.upserts++
	r.gotObs = obs
	r.gotAt = at
	if r.upsertErr != nil {
		return page.IngestResult{}, r.upsertErr
	}
	return page.IngestResult{
		Created: true,
		Page:    page.Page{URL: obs.URL, Title: obs.Title, Links: obs.Links, CreatedAt: at, UpdatedAt: at},
	}, nil
}

func (r *stubRepo) ListRecent(_ context.Context, limit int) ([]page.Summary, error) {
	r.gotLimit = limit
	return r.summaries, r.listErr
}

func (r *stubRepo) Ping(context.Context) error { return r.pingErr }
func (r *stubRepo) Close() error               { return nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []page.Event
}

func (e *recordingEmitter) Emit(evt page.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

var now = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, repo page.Repository, emitter page.Emitter) *page.Service {
	t.Helper()
	svc, err := page.NewService(repo, fixedClock{now: now}, emitter, nil)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := page.NewService(nil, fixedClock{}, nil, nil)
	require.Error(t, err)
	_, err = page.NewService(&stubRepo{}, nil, nil, nil)
	require.Error(t, err)
}

func TestIngestRejectsMissingURL(t *testing.T) {
	for _, url := range []string{"", "   ", "\t\n"} {
		repo := &stubRepo{}
		svc := newService(t, repo, nil)

		_, err := svc.Ingest(context.Background(), page.Observation{URL: url, Title: "x"})
		require.ErrorIs(t, err, page.ErrValidation)
		assert.Zero(t, repo.upserts, "store must not be touched for %q", url)
	}
}

func TestIngestNormalizesAndStampsClock(t *testing.T) {
	repo := &stubRepo{}
	svc := newService(t, repo, nil)

	res, err := svc.Ingest(context.Background(), page.Observation{
		URL:   "  http://info.cern.ch  ",
		Title: " Home ",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "http://info.cern.ch", repo.gotObs.URL)
	assert.Equal(t, "Home", repo.gotObs.Title)
	assert.NotNil(t, repo.gotObs.Links)
	assert.Empty(t, repo.gotObs.Links)
	assert.True(t, repo.gotAt.Equal(now))
}

func TestIngestWrapsStoreErrors(t *testing.T) {
	repo := &stubRepo{upsertErr: errors.New("dial tcp: connection refused")}
	emitter := &recordingEmitter{}
	svc := newService(t, repo, emitter)

	_, err := svc.Ingest(context.Background(), page.Observation{URL: "https://example.com"})
	require.ErrorIs(t, err, page.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, emitter.events)
}

func TestIngestKeepsAlreadyWrappedErrors(t *testing.T) {
	inner := fmt.Errorf("%w: upsert page: boom", page.ErrStoreUnavailable)
	svc := newService(t, &stubRepo{upsertErr: inner}, nil)

	_, err := svc.Ingest(context.Background(), page.Observation{URL: "https://example.com"})
	assert.Equal(t, inner, err)
}

func TestIngestEmitsEvent(t *testing.T) {
	emitter := &recordingEmitter{}
	svc := newService(t, &stubRepo{}, emitter)

	_, err := svc.Ingest(context.Background(), page.Observation{
		URL:   "https://example.com",
		Links: []string{"https://example.com/a", "https://example.com/b"},
	})
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)

	evt := emitter.events[0]
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "https://example.com", evt.URL)
	assert.True(t, evt.Created)
	assert.Equal(t, 2, evt.LinksCount)
	assert.True(t, evt.At.Equal(now))
}

func TestIngestRecordsCallerTraceOnEvent(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	emitter := &recordingEmitter{}
	svc := newService(t, &stubRepo{}, emitter)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	_, err = svc.Ingest(ctx, page.Observation{URL: "https://example.com"})
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)

	evt := emitter.events[0]
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", evt.Trace["traceparent"])
	restored := trace.SpanContextFromContext(evt.Context(context.Background()))
	assert.Equal(t, traceID, restored.TraceID())
	assert.Equal(t, spanID, restored.SpanID())
}

func TestIngestWithoutTraceLeavesEventBare(t *testing.T) {
	emitter := &recordingEmitter{}
	svc := newService(t, &stubRepo{}, emitter)

	_, err := svc.Ingest(context.Background(), page.Observation{URL: "https://example.com"})
	require.NoError(t, err)
	require.Len(t, emitter.events, 1)
	assert.Nil(t, emitter.events[0].Trace)

	ctx := context.Background()
	assert.Equal(t, ctx, emitter.events[0].Context(ctx))
}

func TestListRecentClampsLimit(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: page.DefaultLimit},
		{requested: -3, want: page.DefaultLimit},
		{requested: 10, want: 10},
		{requested: 500, want: page.MaxLimit},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.requested), func(t *testing.T) {
			repo := &stubRepo{}
			svc := newService(t, repo, nil)

			got, err := svc.ListRecent(context.Background(), tc.requested)
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
			assert.Equal(t, tc.want, repo.gotLimit)
		})
	}
}

func TestListRecentTruncatesOversizedResults(t *testing.T) {
	summaries := make([]page.Summary, 5)
	svc := newService(t, &stubRepo{summaries: summaries}, nil)

	got, err := svc.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestListRecentWrapsStoreErrors(t *testing.T) {
	svc := newService(t, &stubRepo{listErr: errors.New("timeout")}, nil)

	_, err := svc.ListRecent(context.Background(), 10)
	require.ErrorIs(t, err, page.ErrStoreUnavailable)
}

func TestReady(t *testing.T) {
	require.NoError(t, newService(t, &stubRepo{}, nil).Ready(context.Background()))

	err := newService(t, &stubRepo{pingErr: errors.New("down")}, nil).Ready(context.Background())
	require.ErrorIs(t, err, page.ErrStoreUnavailable)
}

func TestServiceOverMemoryStore(t *testing.T) {
	store := memory.NewPageStore()
	clock := &steppingClock{now: now}
	svc, err := page.NewService(store, clock, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, page.Observation{
		URL:   "http://info.cern.ch",
		Title: "Home",
		Links: []string{"http://info.cern.ch/about"},
	})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.Ingest(ctx, page.Observation{URL: "http://info.cern.ch", Title: "Home Page", Links: []string{}})
	require.NoError(t, err)
	require.False(t, second.Created)
	assert.True(t, second.Page.CreatedAt.Equal(first.Page.CreatedAt))
	assert.True(t, second.Page.UpdatedAt.After(first.Page.UpdatedAt))

	got, err := svc.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []page.Summary{{
		URL:        "http://info.cern.ch",
		Title:      "Home Page",
		LinksCount: 0,
		CreatedAt:  first.Page.CreatedAt,
	}}, got)
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, page.DefaultLimit, page.ClampLimit(0))
	assert.Equal(t, 1, page.ClampLimit(1))
	assert.Equal(t, page.MaxLimit, page.ClampLimit(page.MaxLimit))
	assert.Equal(t, page.MaxLimit, page.ClampLimit(page.MaxLimit+1))
}

func TestNormalizeCopiesLinks(t *testing.T) {
	links := []string{"a"}
	obs := page.Observation{URL: "u", Links: links}.Normalize()
	links[0] = "mutated"
	assert.Equal(t, []string{"a"}, obs.Links)
}

func TestSummarize(t *testing.T) {
	p := page.Page{URL: "u", Title: "t", Links: []string{"a", "b"}, CreatedAt: now, UpdatedAt: now}
	assert.Equal(t, page.Summary{URL: "u", Title: "t", LinksCount: 2, CreatedAt: now}, p.Summarize())
}
