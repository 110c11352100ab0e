package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxcoach/voxcoach/pkg/coach"
)

// listLimit clamps the limit parameter of listing queries.
const (
	minListLimit = 1
	maxListLimit = 200
)

// Store is the PostgreSQL-backed persistence layer. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// verifies connectivity, and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertTranscript appends one transcript row and returns it with the
// database-assigned ID and creation time filled in.
func (s *Store) InsertTranscript(ctx context.Context, t coach.Transcript) (coach.Transcript, error) {
	const q = `
		INSERT INTO transcripts (source, raw_text, literal_text)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q, t.Source, t.RawText, t.LiteralText).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return coach.Transcript{}, fmt.Errorf("storage: insert transcript: %w", err)
	}
	return t, nil
}

// ListTranscripts returns the most recent transcripts, newest first. The
// limit is clamped to [1, 200].
func (s *Store) ListTranscripts(ctx context.Context, limit int) ([]coach.Transcript, error) {
	const q = `
		SELECT id, created_at, source, raw_text, literal_text
		FROM   transcripts
		ORDER  BY id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list transcripts: %w", err)
	}

	transcripts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (coach.Transcript, error) {
		var t coach.Transcript
		err := row.Scan(&t.ID, &t.CreatedAt, &t.Source, &t.RawText, &t.LiteralText)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan transcripts: %w", err)
	}
	if transcripts == nil {
		transcripts = []coach.Transcript{}
	}
	return transcripts, nil
}

// InsertReply appends one coaching reply row and returns it with the
// database-assigned ID and creation time filled in.
func (s *Store) InsertReply(ctx context.Context, r coach.ReplyRecord) (coach.ReplyRecord, error) {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return coach.ReplyRecord{}, fmt.Errorf("storage: marshal reply output: %w", err)
	}

	const q = `
		INSERT INTO teacher_replies (chat_key, mode, input_text, output)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = s.pool.QueryRow(ctx, q, r.ChatKey, string(r.Mode), r.InputText, output).
		Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return coach.ReplyRecord{}, fmt.Errorf("storage: insert reply: %w", err)
	}
	return r, nil
}

// ListReplies returns the most recent coaching replies, newest first. The
// limit is clamped to [1, 200].
func (s *Store) ListReplies(ctx context.Context, limit int) ([]coach.ReplyRecord, error) {
	const q = `
		SELECT id, created_at, chat_key, mode, input_text, output
		FROM   teacher_replies
		ORDER  BY id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list replies: %w", err)
	}

	replies, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (coach.ReplyRecord, error) {
		var (
			r      coach.ReplyRecord
			mode   string
			output []byte
		)
		if err := row.Scan(&r.ID, &r.CreatedAt, &r.ChatKey, &mode, &r.InputText, &output); err != nil {
			return coach.ReplyRecord{}, err
		}
		r.Mode = coach.Mode(mode)
		if err := json.Unmarshal(output, &r.Output); err != nil {
			return coach.ReplyRecord{}, fmt.Errorf("unmarshal output: %w", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan replies: %w", err)
	}
	if replies == nil {
		replies = []coach.ReplyRecord{}
	}
	return replies, nil
}

// SaveChat stores the full message log under key, replacing whatever was
// there before. The write is a whole-log overwrite on purpose: the in-memory
// log is the source of truth and partial merges could resurrect cleared
// sessions.
func (s *Store) SaveChat(ctx context.Context, key string, messages []coach.ChatMessage) error {
	if messages == nil {
		messages = []coach.ChatMessage{}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("storage: marshal chat messages: %w", err)
	}

	const q = `
		INSERT INTO chat_state (chat_key, messages, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_key)
		DO UPDATE SET messages = EXCLUDED.messages, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, key, payload); err != nil {
		return fmt.Errorf("storage: save chat %q: %w", key, err)
	}
	return nil
}

// LoadChat returns the message log stored under key. A key that was never
// saved is not an error: ok is false and the log is nil.
func (s *Store) LoadChat(ctx context.Context, key string) (messages []coach.ChatMessage, updatedAt time.Time, ok bool, err error) {
	const q = `
		SELECT messages, updated_at
		FROM   chat_state
		WHERE  chat_key = $1`

	var payload []byte
	err = s.pool.QueryRow(ctx, q, key).Scan(&payload, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("storage: load chat %q: %w", key, err)
	}

	if err := json.Unmarshal(payload, &messages); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("storage: unmarshal chat %q: %w", key, err)
	}
	return messages, updatedAt, true, nil
}

// clampLimit forces limit into [1, 200]. Defaulting a missing or unparsable
// value is the caller's concern.
func clampLimit(limit int) int {
	if limit < minListLimit {
		return minListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
