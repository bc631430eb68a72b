// Package sqlite implements storage.Store on an embedded SQLite file using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

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
	timestamp_utc_ns INTEGER NOT NULL,
	created_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp_utc_ns DESC);
CREATE INDEX IF NOT EXISTS idx_messages_envelope ON messages(envelope_id);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	profile_json TEXT NOT NULL,
	fetched_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_profiles_fetched_at ON user_profiles(fetched_at_utc_ns);
`

var _ storage.Store = (*Store)(nil)

// Store is a SQLite-backed storage.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at path and applies the schema.
// The path ":memory:" gives a private in-memory database.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "sqlite", "NewStore", "create data dir")
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "NewStore", "open database")
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapFatal(err, "sqlite", "migrate", "apply schema")
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "sqlite", "Ping", "ping database")
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProfile(ctx context.Context, userID string) (message.Profile, bool, error) {
	var (
		raw       string
		fetchedNs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_json, fetched_at_utc_ns FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&raw, &fetchedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Profile{}, false, nil
	}
	if err != nil {
		return message.Profile{}, false, errors.WrapTransient(err, "sqlite", "GetProfile", "query profile")
	}

	var p message.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return message.Profile{}, false, errors.WrapInvalid(err, "sqlite", "GetProfile", "decode profile")
	}
	p.UserID = userID
	p.FetchedAt = time.Unix(0, fetchedNs).UTC()
	return p, true, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p message.Profile) error {
	if p.UserID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "sqlite", "UpsertProfile", "empty user id")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.WrapInvalid(err, "sqlite", "UpsertProfile", "encode profile")
	}
	fetchedAt := p.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO user_profiles(user_id, profile_json, fetched_at_utc_ns)
VALUES(?, ?, ?)
ON CONFLICT(user_id)
DO UPDATE SET profile_json=excluded.profile_json, fetched_at_utc_ns=excluded.fetched_at_utc_ns`,
		p.UserID, string(raw), fetchedAt.UTC().UnixNano())
	if err != nil {
		return errors.WrapTransient(err, "sqlite", "UpsertProfile", "upsert profile")
	}
	return nil
}

func (s *Store) PruneProfiles(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_profiles WHERE fetched_at_utc_ns < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, errors.WrapTransient(err, "sqlite", "PruneProfiles", "delete stale profiles")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WrapTransient(err, "sqlite", "PruneProfiles", "count deleted rows")
	}
	return n, nil
}

func (s *Store) SaveMessage(ctx context.Context, m message.DomainMessage) (bool, error) {
	if m.ID == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "sqlite", "SaveMessage", "empty message id")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages(
	id, envelope_id, channel, user_id, text,
	real_name, display_name, avatar_url, translation,
	timestamp_utc_ns, created_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		m.ID, m.EnvelopeID, m.Channel, m.UserID, m.Text,
		m.Profile.RealName, m.Profile.DisplayName, m.Profile.AvatarURL, m.Translation,
		m.Timestamp.UTC().UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return false, errors.WrapTransient(err, "sqlite", "SaveMessage", "insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "sqlite", "SaveMessage", "count inserted rows")
	}
	return n == 1, nil
}

func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]message.DomainMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, envelope_id, channel, user_id, text,
	real_name, display_name, avatar_url, translation, timestamp_utc_ns
FROM messages
WHERE channel = ?
ORDER BY timestamp_utc_ns DESC, id DESC
LIMIT ?`, channel, storage.ClampLimit(limit))
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlite", "RecentMessages", "query messages")
	}
	defer rows.Close()

	out := make([]message.DomainMessage, 0)
	for rows.Next() {
		var (
			m    message.DomainMessage
			tsNs int64
		)
		if err := rows.Scan(&m.ID, &m.EnvelopeID, &m.Channel, &m.UserID, &m.Text,
			&m.Profile.RealName, &m.Profile.DisplayName, &m.Profile.AvatarURL, &m.Translation, &tsNs); err != nil {
			return nil, errors.WrapTransient(err, "sqlite", "RecentMessages", "scan message")
		}
		m.Type = "message"
		m.Profile.UserID = m.UserID
		m.Timestamp = time.Unix(0, tsNs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlite", "RecentMessages", "iterate messages")
	}
	return out, nil
}
