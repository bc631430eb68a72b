// Package postgres implements storage.Store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	text TEXT NOT NULL,
	real_name TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	translation TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_envelope ON messages(envelope_id);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	profile_json JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_profiles_fetched_at ON user_profiles(fetched_at);
`

var _ storage.Store = (*Store)(nil)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to databaseURL and applies the schema.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.WrapFatal(err, "postgres", "NewStore", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "postgres", "NewStore", "ping database")
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.WrapFatal(err, "postgres", "migrate", "apply schema")
	}
	return nil
}

// Ping checks a pooled connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "postgres", "Ping", "ping database")
	}
	return nil
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (message.Profile, bool, error) {
	var (
		raw       []byte
		fetchedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT profile_json, fetched_at FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&raw, &fetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Profile{}, false, nil
	}
	if err != nil {
		return message.Profile{}, false, errors.WrapTransient(err, "postgres", "GetProfile", "query profile")
	}

	var p message.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return message.Profile{}, false, errors.WrapInvalid(err, "postgres", "GetProfile", "decode profile")
	}
	p.UserID = userID
	p.FetchedAt = fetchedAt.UTC()
	return p, true, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p message.Profile) error {
	if p.UserID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "postgres", "UpsertProfile", "empty user id")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.WrapInvalid(err, "postgres", "UpsertProfile", "encode profile")
	}
	fetchedAt := p.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO user_profiles(user_id, profile_json, fetched_at)
VALUES($1, $2, $3)
ON CONFLICT(user_id)
DO UPDATE SET profile_json = EXCLUDED.profile_json, fetched_at = EXCLUDED.fetched_at`,
		p.UserID, raw, fetchedAt.UTC())
	if err != nil {
		return errors.WrapTransient(err, "postgres", "UpsertProfile", "upsert profile")
	}
	return nil
}

func (s *Store) PruneProfiles(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_profiles WHERE fetched_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, errors.WrapTransient(err, "postgres", "PruneProfiles", "delete stale profiles")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveMessage(ctx context.Context, m message.DomainMessage) (bool, error) {
	if m.ID == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "postgres", "SaveMessage", "empty message id")
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO messages(
	id, envelope_id, channel, user_id, text,
	real_name, display_name, avatar_url, translation, timestamp
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT(id) DO NOTHING`,
		m.ID, m.EnvelopeID, m.Channel, m.UserID, m.Text,
		m.Profile.RealName, m.Profile.DisplayName, m.Profile.AvatarURL, m.Translation,
		m.Timestamp.UTC())
	if err != nil {
		return false, errors.WrapTransient(err, "postgres", "SaveMessage", "insert message")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]message.DomainMessage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, envelope_id, channel, user_id, text,
	real_name, display_name, avatar_url, translation, timestamp
FROM messages
WHERE channel = $1
ORDER BY timestamp DESC, id DESC
LIMIT $2`, channel, storage.ClampLimit(limit))
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres", "RecentMessages", "query messages")
	}
	defer rows.Close()

	out := make([]message.DomainMessage, 0)
	for rows.Next() {
		var m message.DomainMessage
		if err := rows.Scan(&m.ID, &m.EnvelopeID, &m.Channel, &m.UserID, &m.Text,
			&m.Profile.RealName, &m.Profile.DisplayName, &m.Profile.AvatarURL, &m.Translation, &m.Timestamp); err != nil {
			return nil, errors.WrapTransient(err, "postgres", "RecentMessages", "scan message")
		}
		m.Type = "message"
		m.Profile.UserID = m.UserID
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres", "RecentMessages", "iterate messages")
	}
	return out, nil
}
