// Package storage defines the durable tier used by the relay: the profile
// table behind the profile cache and the append-only message history.
//
// Implementations live in sub-packages (sqlite for an embedded file,
// postgres for a server) and must be safe for concurrent use.
package storage

import (
	"context"
	"time"

	"github.com/c360/chatrelay/message"
)

// History limits applied by RecentMessages callers.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ProfileStore persists resolved sender profiles keyed by user id.
type ProfileStore interface {
	// GetProfile returns the stored profile with its FetchedAt set.
	// The bool is false when no row exists for userID.
	GetProfile(ctx context.Context, userID string) (message.Profile, bool, error)

	// UpsertProfile inserts or replaces the row for p.UserID atomically.
	UpsertProfile(ctx context.Context, p message.Profile) error

	// PruneProfiles deletes rows fetched before cutoff and reports how many were removed.
	PruneProfiles(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageStore persists domain messages exactly once per message id.
type MessageStore interface {
	// SaveMessage inserts m. A second save of the same id is a no-op and
	// reports false.
	SaveMessage(ctx context.Context, m message.DomainMessage) (bool, error)

	// RecentMessages returns at most limit messages for channel, newest first.
	RecentMessages(ctx context.Context, channel string, limit int) ([]message.DomainMessage, error)
}

// Store is a complete durable backend.
type Store interface {
	ProfileStore
	MessageStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ClampLimit maps a requested history size onto [1, MaxHistoryLimit],
// using DefaultHistoryLimit for non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
