// Package memory provides in-process implementations of the storage
// interfaces for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/pagestore/internal/page"
)

// PageStore keeps page records in a map guarded by one mutex. Each Upsert
// holds the write lock for its whole find-or-insert, which makes it atomic
// with respect to every other call.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]page.Page
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]page.Page)}
}

// Upsert inserts obs when its URL is unseen, otherwise replaces title and
// links and bumps UpdatedAt. CreatedAt is never touched after insert.
func (s *PageStore) Upsert(_ context.Context, obs page.Observation, at time.Time) (page.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.pages[obs.URL]
	if !exists {
		rec = page.Page{URL: obs.URL, CreatedAt: at}
	}
	rec.Title = obs.Title
	rec.Links = cloneLinks(obs.Links)
	rec.UpdatedAt = at
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.pages[obs.URL] = rec

	out := rec
	out.Links = cloneLinks(rec.Links)
	return page.IngestResult{Created: !exists, Page: out}, nil
}

// ListRecent returns up to limit summaries, newest CreatedAt first and URL
// descending on ties.
func (s *PageStore) ListRecent(_ context.Context, limit int) ([]page.Summary, error) {
	s.mu.RLock()
	summaries := make([]page.Summary, 0, len(s.pages))
	for _, rec := range s.pages {
		summaries = append(summaries, rec.Summarize())
	}
	s.mu.RUnlock()

	slices.SortFunc(summaries, func(a, b page.Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.URL, a.URL)
	})
	if limit >= 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Get returns a copy of the stored record for url.
func (s *PageStore) Get(url string) (page.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pages[url]
	if !ok {
		return page.Page{}, false
	}
	rec.Links = cloneLinks(rec.Links)
	return rec, true
}

// Len reports how many records are stored.
func (s *PageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Ping always succeeds.
func (s *PageStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *PageStore) Close() error {
	return nil
}

func cloneLinks(src []string) []string {
	out := make([]string, len(src))
	copy(out, src)
	return out
}
