// Package storage provides the PostgreSQL persistence layer: transcripts,
// coaching replies, and per-key chat state.
//
// All operations share a single [pgxpool.Pool]. [Migrate] is idempotent and
// runs on every application start.
//
// Usage:
//
//	store, err := storage.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	row, _ := store.InsertTranscript(ctx, transcript)
//	_ = store.SaveChat(ctx, key, messages)
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id            BIGSERIAL    PRIMARY KEY,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    source        TEXT         NOT NULL DEFAULT '',
    raw_text      TEXT         NOT NULL,
    literal_text  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcripts_created_at
    ON transcripts (created_at);
`

const ddlTeacherReplies = `
CREATE TABLE IF NOT EXISTS teacher_replies (
    id          BIGSERIAL    PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    chat_key    TEXT         NOT NULL,
    mode        TEXT         NOT NULL,
    input_text  TEXT         NOT NULL,
    output      JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_teacher_replies_chat_key
    ON teacher_replies (chat_key);

CREATE INDEX IF NOT EXISTS idx_teacher_replies_created_at
    ON teacher_replies (created_at);
`

const ddlChatState = `
CREATE TABLE IF NOT EXISTS chat_state (
    chat_key    TEXT         PRIMARY KEY,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    messages    JSONB        NOT NULL DEFAULT '[]'
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTranscripts,
		ddlTeacherReplies,
		ddlChatState,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage migrate: %w", err)
		}
	}
	return nil
}
