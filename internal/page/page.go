// Package page defines the page record model, the repository contract every
// storage backend implements, and the Service that validates observations
// before handing them to a repository.
package page

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// DefaultLimit is the feed size returned when the caller does not ask for one.
	DefaultLimit = 50
	// MaxLimit bounds every ListRecent call regardless of the requested size.
	MaxLimit = 50
)

var (
	// ErrValidation marks caller errors such as a missing URL. Not retried.
	ErrValidation = errors.New("invalid page observation")
	// ErrStoreUnavailable marks storage failures: unreachable engine or a
	// command that could not be committed.
	ErrStoreUnavailable = errors.New("page store unavailable")
)

// Page is the persisted record for one URL.
type Page struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Links     []string  `json:"links"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the read projection served to dashboards. Links are reduced to
// a count.
type Summary struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	LinksCount int       `json:"linksCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Observation is one sighting of a URL reported by a crawler worker.
type Observation struct {
	URL   string
	Title string
	Links []string
}

// Normalize trims the URL and title and replaces a nil link list with an
// empty one. The returned observation owns its Links slice.
func (o Observation) Normalize() Observation {
	links := make([]string, len(o.Links))
	copy(links, o.Links)
	return Observation{
		URL:   strings.TrimSpace(o.URL),
		Title: strings.TrimSpace(o.Title),
		Links: links,
	}
}

// Validate reports ErrValidation when the observation has no URL.
func (o Observation) Validate() error {
	if strings.TrimSpace(o.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	return nil
}

// IngestResult reports the outcome of an upsert.
type IngestResult struct {
	// Created is true when this call inserted the record.
	Created bool
	// Page is the record as stored after the write.
	Page Page
}

// Summarize projects a Page into its Summary.
func (p Page) Summarize() Summary {
	return Summary{
		URL:        p.URL,
		Title:      p.Title,
		LinksCount: len(p.Links),
		CreatedAt:  p.CreatedAt,
	}
}

// ClampLimit maps a requested feed size onto (0, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// Repository is implemented by every storage backend.
type Repository interface {
	// Upsert applies obs as one atomic create-if-absent, update-if-present
	// command keyed by obs.URL. at becomes CreatedAt on insert and UpdatedAt
	// on every write. Implementations must never read-then-write.
	Upsert(ctx context.Context, obs Observation, at time.Time) (IngestResult, error)
	// ListRecent returns up to limit summaries ordered by CreatedAt
	// descending, ties broken by URL descending.
	ListRecent(ctx context.Context, limit int) ([]Summary, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Event is emitted after every successful ingest. Trace holds the W3C trace
// context of the ingest request so sinks can continue the trace after the
// request has returned.
type Event struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Created    bool              `json:"created"`
	LinksCount int               `json:"linksCount"`
	At         time.Time         `json:"at"`
	Trace      map[string]string `json:"-"`
}

// Context returns parent carrying the trace context recorded in e.
func (e Event) Context(parent context.Context) context.Context {
	if len(e.Trace) == 0 {
		return parent
	}
	return otel.GetTextMapPropagator().Extract(parent, propagation.MapCarrier(e.Trace))
}

// Emitter accepts change events without blocking the caller.
type Emitter interface {
	Emit(evt Event)
}
