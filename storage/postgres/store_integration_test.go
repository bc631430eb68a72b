//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/chatrelay/message"
)

func runPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "relay",
			"POSTGRES_PASSWORD": "relay",
			"POSTGRES_DB":       "relay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://relay:relay@%s:%s/relay?sslmode=disable", host, port.Port())
}

func TestIntegration_PostgresStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := NewStore(ctx, runPostgres(t))
	require.NoError(t, err)
	defer s.Close()

	t.Run("profile upsert and prune", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.UpsertProfile(ctx, message.Profile{UserID: "U1", RealName: "Ana", FetchedAt: now.Add(-8 * 24 * time.Hour)}))
		require.NoError(t, s.UpsertProfile(ctx, message.Profile{UserID: "U2", RealName: "Bia", FetchedAt: now}))
		require.NoError(t, s.UpsertProfile(ctx, message.Profile{UserID: "U2", RealName: "Bia Lima", FetchedAt: now}))

		p, ok, err := s.GetProfile(ctx, "U2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Bia Lima", p.RealName)
		assert.True(t, now.Equal(p.FetchedAt))

		n, err := s.PruneProfiles(ctx, now.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, ok, err = s.GetProfile(ctx, "U1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("messages idempotent and newest first", func(t *testing.T) {
		base := time.Unix(1700000000, 0).UTC()
		for i := 0; i < 3; i++ {
			inserted, err := s.SaveMessage(ctx, message.DomainMessage{
				ID: fmt.Sprintf("m%d", i), EnvelopeID: fmt.Sprintf("e%d", i), Channel: "C1", UserID: "U1",
				Text: "hi", Timestamp: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
			assert.True(t, inserted)
		}
		inserted, err := s.SaveMessage(ctx, message.DomainMessage{ID: "m0", Channel: "C1", UserID: "U1", Timestamp: base})
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := s.RecentMessages(ctx, "C1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m2", got[0].ID)
		assert.Equal(t, "m1", got[1].ID)
	})

	assert.NoError(t, s.Ping(ctx))
}
