package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatrelay/config"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/storage/sqlite"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Load()
	require.NoError(t, err)

	cfg.HTTP.Port = 0
	cfg.Slack.AppToken = ""
	cfg.Slack.BotToken = ""
	cfg.Storage.DatabaseURL = ""
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.Translate.Enabled = false
	cfg.NATS.URL = ""
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("visible", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "visible", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, Version, line["version"])
	assert.Equal(t, "v", line["k"])
}

func TestSetupLoggerText(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "debug", "text").Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "source=")
}

func TestRelayServesWithoutTokens(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := newRelay(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, r.upstream)
	require.NoError(t, r.start(ctx))

	_, port, err := net.SplitHostPort(r.server.Addr())
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disabled", body["upstream"])
	assert.EqualValues(t, 0, body["sse_clients"])

	resp, err = http.Get(base + "/history?channel=C1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// no bot token means the send surface is unavailable
	resp, err = http.Post(base+"/send", "application/json", bytes.NewBufferString(`{"channel":"C1","text":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, r.stop(5*time.Second))
}

func TestPruneProfiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profiles.PruneAge = time.Hour
	cfg.Profiles.TTL = time.Minute
	ctx := context.Background()

	store, err := sqlite.NewStore(ctx, cfg.Storage.SQLiteFile())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.UpsertProfile(ctx, message.Profile{UserID: "U1", DisplayName: "old", FetchedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.UpsertProfile(ctx, message.Profile{UserID: "U2", DisplayName: "new", FetchedAt: now}))
	require.NoError(t, store.Close())

	n, err := pruneProfiles(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	names := make([]string, 0, len(app.Commands))
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"serve", "prune-profiles", "validate"}, names)
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("PORT", "")
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[slack]
bot_token = "xoxb-secret"

[http]
port = 8080
`), 0o600))

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{appName, "--config", path, "--log-level", "error", "validate"}))

	assert.Contains(t, out.String(), `"port": 8080`)
	assert.NotContains(t, out.String(), "xoxb-secret")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"loud\"\n"), 0o600))

	app := newApp()
	app.Writer = io.Discard
	err := app.Run([]string{appName, "--config", path, "validate"})
	assert.Error(t, err)
}
