// Package redis provides a Redis-backed page repository. Each page is a
// hash; a sorted set scored by creation time in microseconds indexes the
// recent feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pagestore/internal/page"
)

const defaultKeyPrefix = "pagestore:"

// upsertScript runs inside Redis as one command, so two writers for the
// same URL can never both take the create branch.
//
// KEYS[1] page hash, KEYS[2] recent index
// ARGV url, title, links JSON, links count, now (unix micros)
// Returns {created, created_at, updated_at}.
var upsertScript = redis.NewScript(`
local createdAt = redis.call('HGET', KEYS[1], 'created_at')
local created = 0
if not createdAt then
	createdAt = ARGV[5]
	redis.call('HSET', KEYS[1], 'url', ARGV[1], 'created_at', createdAt)
	redis.call('ZADD', KEYS[2], createdAt, ARGV[1])
	created = 1
end
local updatedAt = ARGV[5]
if tonumber(updatedAt) < tonumber(createdAt) then
	updatedAt = createdAt
end
redis.call('HSET', KEYS[1], 'title', ARGV[2], 'links', ARGV[3], 'links_count', ARGV[4], 'updated_at', updatedAt)
return {created, createdAt, updatedAt}
`)

// Config selects the key namespace.
type Config struct {
	KeyPrefix string
}

// PageStore implements page.Repository on Redis.
type PageStore struct {
	client redis.UniversalClient
	prefix string
}

// NewPageStore wraps an existing client.
func NewPageStore(client redis.UniversalClient, cfg Config) (*PageStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &PageStore{client: client, prefix: prefix}, nil
}

func (s *PageStore) pageKey(url string) string {
	return s.prefix + "page:" + url
}

func (s *PageStore) indexKey() string {
	return s.prefix + "pages:recent"
}

// Upsert evaluates the upsert script for obs.
func (s *PageStore) Upsert(ctx context.Context, obs page.Observation, at time.Time) (page.IngestResult, error) {
	links := obs.Links
	if links == nil {
		links = []string{}
	}
	encoded, err := json.Marshal(links)
	if err != nil {
		return page.IngestResult{}, fmt.Errorf("encode links: %w", err)
	}

	reply, err := upsertScript.Run(ctx, s.client,
		[]string{s.pageKey(obs.URL), s.indexKey()},
		obs.URL, obs.Title, string(encoded), len(links), at.UnixMicro(),
	).Slice()
	if err != nil {
		return page.IngestResult{}, fmt.Errorf("%w: upsert page: %w", page.ErrStoreUnavailable, err)
	}
	if len(reply) != 3 {
		return page.IngestResult{}, fmt.Errorf("%w: unexpected upsert reply %v", page.ErrStoreUnavailable, reply)
	}
	created, _ := reply[0].(int64)
	createdAt, err := parseMicros(reply[1])
	if err != nil {
		return page.IngestResult{}, fmt.Errorf("%w: created_at: %w", page.ErrStoreUnavailable, err)
	}
	updatedAt, err := parseMicros(reply[2])
	if err != nil {
		return page.IngestResult{}, fmt.Errorf("%w: updated_at: %w", page.ErrStoreUnavailable, err)
	}

	return page.IngestResult{
		Created: created == 1,
		Page: page.Page{
			URL:       obs.URL,
			Title:     obs.Title,
			Links:     append([]string(nil), links...),
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
	}, nil
}

// ListRecent reads the index newest first; Redis orders equal scores by
// member, which reversed gives URL descending. Each hash is fetched with one
// HMGET so title and links_count always come from the same write.
func (s *PageStore) ListRecent(ctx context.Context, limit int) ([]page.Summary, error) {
	if limit <= 0 {
		return []page.Summary{}, nil
	}
	urls, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read recent index: %w", page.ErrStoreUnavailable, err)
	}
	if len(urls) == 0 {
		return []page.Summary{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(urls))
	for i, url := range urls {
		cmds[i] = pipe.HMGet(ctx, s.pageKey(url), "title", "links_count", "created_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: read pages: %w", page.ErrStoreUnavailable, err)
	}

	summaries := make([]page.Summary, 0, len(urls))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 3 || vals[2] == nil {
			continue
		}
		title, _ := vals[0].(string)
		count, err := strconv.Atoi(stringOf(vals[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: page %q links_count: %w", page.ErrStoreUnavailable, urls[i], err)
		}
		createdAt, err := parseMicros(vals[2])
		if err != nil {
			return nil, fmt.Errorf("%w: page %q created_at: %w", page.ErrStoreUnavailable, urls[i], err)
		}
		summaries = append(summaries, page.Summary{
			URL:        urls[i],
			Title:      title,
			LinksCount: count,
			CreatedAt:  createdAt,
		})
	}
	return summaries, nil
}

// Get loads the full record for url, including links.
func (s *PageStore) Get(ctx context.Context, url string) (page.Page, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.pageKey(url)).Result()
	if err != nil {
		return page.Page{}, false, fmt.Errorf("%w: read page: %w", page.ErrStoreUnavailable, err)
	}
	if len(vals) == 0 {
		return page.Page{}, false, nil
	}
	rec := page.Page{URL: url, Title: vals["title"]}
	if err := json.Unmarshal([]byte(vals["links"]), &rec.Links); err != nil {
		return page.Page{}, false, fmt.Errorf("decode links: %w", err)
	}
	if rec.CreatedAt, err = parseMicros(vals["created_at"]); err != nil {
		return page.Page{}, false, err
	}
	if rec.UpdatedAt, err = parseMicros(vals["updated_at"]); err != nil {
		return page.Page{}, false, err
	}
	return rec, true, nil
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping redis: %w", page.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the client.
func (s *PageStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func parseMicros(v any) (time.Time, error) {
	micros, err := strconv.ParseInt(stringOf(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %v: %w", v, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}
