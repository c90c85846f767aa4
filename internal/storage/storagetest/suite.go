// Package storagetest holds the behavioral suite every page.Repository
// implementation must pass. Backend packages call Run from their tests with
// a factory that returns an empty repository.
package storagetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagestore/internal/page"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) page.Repository

var base = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

// Run executes the suite. Subtests do not run in parallel so factories may
// share a single server.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	t.Run("EmptyStoreListsNothing", func(t *testing.T) { testEmptyList(t, newRepo(t)) })
	t.Run("CreateThenUpdate", func(t *testing.T) { testCreateThenUpdate(t, newRepo(t)) })
	t.Run("CreatedAtImmutable", func(t *testing.T) { testCreatedAtImmutable(t, newRepo(t)) })
	t.Run("UpdatedAtNeverBeforeCreatedAt", func(t *testing.T) { testUpdatedAtFloor(t, newRepo(t)) })
	t.Run("IdenticalPayloadTwice", func(t *testing.T) { testIdenticalPayload(t, newRepo(t)) })
	t.Run("ConcurrentSameURL", func(t *testing.T) { testConcurrentSameURL(t, newRepo(t)) })
	t.Run("OrderingAndTieBreak", func(t *testing.T) { testOrdering(t, newRepo(t)) })
	t.Run("TieBreakIsBytewise", func(t *testing.T) { testBytewiseTieBreak(t, newRepo(t)) })
	t.Run("LimitRespected", func(t *testing.T) { testLimit(t, newRepo(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newRepo(t).Ping(context.Background())) })
}

func testEmptyList(t *testing.T, repo page.Repository) {
	got, err := repo.ListRecent(context.Background(), page.MaxLimit)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testCreateThenUpdate(t *testing.T, repo page.Repository) {
	ctx := context.Background()

	first, err := repo.Upsert(ctx, page.Observation{
		URL:   "http://info.cern.ch",
		Title: "Home",
		Links: []string{"http://info.cern.ch/about"},
	}, base)
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, "Home", first.Page.Title)
	require.Equal(t, []string{"http://info.cern.ch/about"}, first.Page.Links)
	requireSameTime(t, base, first.Page.CreatedAt)
	requireSameTime(t, base, first.Page.UpdatedAt)

	later := base.Add(time.Minute)
	second, err := repo.Upsert(ctx, page.Observation{
		URL:   "http://info.cern.ch",
		Title: "Home Page",
		Links: []string{},
	}, later)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, "Home Page", second.Page.Title)
	require.Empty(t, second.Page.Links)
	requireSameTime(t, base, second.Page.CreatedAt)
	requireSameTime(t, later, second.Page.UpdatedAt)

	summaries, err := repo.ListRecent(ctx, page.MaxLimit)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "http://info.cern.ch", summaries[0].URL)
	require.Equal(t, "Home Page", summaries[0].Title)
	require.Equal(t, 0, summaries[0].LinksCount)
	requireSameTime(t, base, summaries[0].CreatedAt)
}

func testCreatedAtImmutable(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	const url = "https://example.com/a"

	var last page.IngestResult
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		res, err := repo.Upsert(ctx, page.Observation{
			URL:   url,
			Title: fmt.Sprintf("v%d", i),
			Links: []string{"a", "b", "c"}[:i%3+1],
		}, at)
		require.NoError(t, err)
		require.Equal(t, i == 0, res.Created, "call %d", i)
		last = res
	}
	requireSameTime(t, base, last.Page.CreatedAt)
	requireSameTime(t, base.Add(3*time.Second), last.Page.UpdatedAt)
	require.Equal(t, "v3", last.Page.Title)
	require.Equal(t, []string{"a"}, last.Page.Links)
}

func testUpdatedAtFloor(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	const url = "https://example.com/skew"

	_, err := repo.Upsert(ctx, page.Observation{URL: url, Title: "first"}, base)
	require.NoError(t, err)

	res, err := repo.Upsert(ctx, page.Observation{URL: url, Title: "skewed"}, base.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, "skewed", res.Page.Title)
	requireSameTime(t, base, res.Page.CreatedAt)
	require.False(t, res.Page.UpdatedAt.Before(res.Page.CreatedAt))
}

func testIdenticalPayload(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	obs := page.Observation{
		URL:   "https://example.com/same",
		Title: "Same",
		Links: []string{"https://example.com/x", "https://example.com/y"},
	}

	first, err := repo.Upsert(ctx, obs, base)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := repo.Upsert(ctx, obs, base)
	require.NoError(t, err)
	require.False(t, second.Created)

	require.Equal(t, first.Page.URL, second.Page.URL)
	require.Equal(t, first.Page.Title, second.Page.Title)
	require.Equal(t, first.Page.Links, second.Page.Links)
	requireSameTime(t, first.Page.CreatedAt, second.Page.CreatedAt)
	requireSameTime(t, first.Page.UpdatedAt, second.Page.UpdatedAt)
}

// testConcurrentSameURL sends one URL from many writers. Writer i reports
// title "w-i" together with i links, so any mix of two payloads shows up as
// a title whose suffix differs from the link count.
func testConcurrentSameURL(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	const (
		url     = "https://example.com/race"
		writers = 32
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			links := make([]string, i)
			for j := range links {
				links[j] = fmt.Sprintf("https://example.com/race/%d/%d", i, j)
			}
			res, err := repo.Upsert(ctx, page.Observation{
				URL:   url,
				Title: fmt.Sprintf("w-%d", i),
				Links: links,
			}, base.Add(time.Duration(i)*time.Millisecond))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Created {
				created++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, created, "exactly one writer must create the record")

	summaries, err := repo.ListRecent(ctx, page.MaxLimit)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	got := summaries[0]
	require.Equal(t, url, got.URL)
	idx, err := strconv.Atoi(strings.TrimPrefix(got.Title, "w-"))
	require.NoError(t, err)
	require.Equal(t, idx, got.LinksCount, "title and links must come from the same write")
}

func testOrdering(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	inserts := []struct {
		url string
		at  time.Time
	}{
		{"https://a.example", base},
		{"https://b.example", base.Add(2 * time.Second)},
		{"https://c.example", base.Add(time.Second)},
		{"https://d.example", base.Add(2 * time.Second)},
		{"https://e.example", base.Add(-time.Second)},
	}
	for _, in := range inserts {
		_, err := repo.Upsert(ctx, page.Observation{URL: in.url, Title: in.url}, in.at)
		require.NoError(t, err)
	}
	// A later update must not move a page in the feed.
	_, err := repo.Upsert(ctx, page.Observation{URL: "https://a.example", Title: "a2"}, base.Add(time.Hour))
	require.NoError(t, err)

	got, err := repo.ListRecent(ctx, page.MaxLimit)
	require.NoError(t, err)

	urls := make([]string, len(got))
	for i, s := range got {
		urls[i] = s.URL
	}
	require.Equal(t, []string{
		"https://d.example",
		"https://b.example",
		"https://c.example",
		"https://a.example",
		"https://e.example",
	}, urls)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i-1].CreatedAt.Before(got[i].CreatedAt), "feed must be newest first")
	}
}

// testBytewiseTieBreak uses URLs whose byte order differs from a
// case-insensitive locale order.
func testBytewiseTieBreak(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	for _, url := range []string{"https://a.example", "https://B.example", "https://b.example", "https://\u00e9.example"} {
		_, err := repo.Upsert(ctx, page.Observation{URL: url}, base)
		require.NoError(t, err)
	}

	got, err := repo.ListRecent(ctx, page.MaxLimit)
	require.NoError(t, err)
	urls := make([]string, len(got))
	for i, s := range got {
		urls[i] = s.URL
	}
	require.Equal(t, []string{
		"https://\u00e9.example",
		"https://b.example",
		"https://a.example",
		"https://B.example",
	}, urls)
}

func testLimit(t *testing.T, repo page.Repository) {
	ctx := context.Background()
	const total = page.MaxLimit + 10
	for i := 0; i < total; i++ {
		_, err := repo.Upsert(ctx, page.Observation{
			URL:   fmt.Sprintf("https://example.com/p/%03d", i),
			Links: []string{"x"},
		}, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	got, err := repo.ListRecent(ctx, page.MaxLimit)
	require.NoError(t, err)
	require.Len(t, got, page.MaxLimit)
	require.Equal(t, fmt.Sprintf("https://example.com/p/%03d", total-1), got[0].URL)
	require.Equal(t, 1, got[0].LinksCount)

	few, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, few, 3)
}

func requireSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.Truef(t, want.Equal(got), "want %s, got %s", want, got)
}
