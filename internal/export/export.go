// Package export writes snapshots of the recent-pages feed to a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagestore/internal/page"
)

const contentType = "application/json"

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Lister is the read side of page.Service.
type Lister interface {
	ListRecent(ctx context.Context, limit int) ([]page.Summary, error)
}

// Snapshot is the document written for each export.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Record      []page.Summary `json:"record"`
}

// Exporter reads the feed and uploads it as one JSON document.
type Exporter struct {
	pages  Lister
	blobs  BlobStore
	clock  page.Clock
	prefix string
	logger *zap.Logger
}

// New builds an Exporter. prefix is prepended to every object path.
func New(pages Lister, blobs BlobStore, clock page.Clock, prefix string, logger *zap.Logger) (*Exporter, error) {
	if pages == nil || blobs == nil || clock == nil {
		return nil, errors.New("export requires a page lister, blob store and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{pages: pages, blobs: blobs, clock: clock, prefix: prefix, logger: logger.Named("export")}, nil
}

// Run exports up to limit pages and returns the object URI.
func (e *Exporter) Run(ctx context.Context, limit int) (string, error) {
	records, err := e.pages.ListRecent(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("list recent pages: %w", err)
	}
	now := e.clock.Now()
	body, err := json.Marshal(Snapshot{GeneratedAt: now, Record: records})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	objectPath := ObjectPath(e.prefix, now)
	uri, err := e.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	e.logger.Info("feed exported", zap.String("uri", uri), zap.Int("records", len(records)))
	return uri, nil
}

// ObjectPath names the snapshot taken at t, e.g.
// exports/recent-20240310T120000.000000Z.json.
func ObjectPath(prefix string, t time.Time) string {
	name := "recent-" + t.UTC().Format("20060102T150405.000000Z") + ".json"
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
