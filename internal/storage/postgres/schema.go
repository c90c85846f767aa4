package postgres

import (
	"context"
	"fmt"
)

// schemaSQL is idempotent. The unique constraint on url is what makes the
// ON CONFLICT upsert meaningful. The feed index orders url bytewise (COLLATE
// "C") to match the list query and the other backends.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id         BIGSERIAL PRIMARY KEY,
	url        TEXT        NOT NULL,
	title      TEXT        NOT NULL DEFAULT '',
	links      TEXT[]      NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT %[1]s_url_key UNIQUE (url),
	CONSTRAINT %[1]s_url_not_blank CHECK (btrim(url) <> ''),
	CONSTRAINT %[1]s_updated_after_created CHECK (updated_at >= created_at)
);
CREATE INDEX IF NOT EXISTS %[1]s_recent_idx ON %[1]s (created_at DESC, url COLLATE "C" DESC);
`

// Migrate creates the page table and its feed index when missing.
func (s *PageStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaSQL, s.table)); err != nil {
		return fmt.Errorf("apply page schema: %w", err)
	}
	return nil
}
