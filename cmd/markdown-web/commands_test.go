package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasganter/markdown-web/internal/server"
	"github.com/Hasganter/markdown-web/internal/settings"
)

func testCommand(t *testing.T) (command, string) {
	t.Helper()
	base := t.TempDir()
	return command{global: &GlobalFlags{BaseDir: base}}, base
}

func TestBuildRootHasCommands(t *testing.T) {
	root := buildRoot()
	for _, name := range []string{"start", "stop", "status", "check", "history", "config", "deps"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"config", "set"})
	require.NoError(t, err)
	assert.Equal(t, "set", cmd.Name())
	assert.NotNil(t, root.PersistentFlags().Lookup("base-dir"))
}

func TestCheck_MissingExecutables(t *testing.T) {
	c, _ := testCommand(t)
	err := c.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration check failed")
}

func TestStatusAndStop_NotRunning(t *testing.T) {
	c, base := testCommand(t)
	require.NoError(t, c.Status(context.Background(), StatusFlags{}))
	require.NoError(t, c.Stop(context.Background(), StopFlags{Wait: time.Second}))
	_, err := os.Stat(filepath.Join(base, "bin", "shutdown.signal"))
	assert.True(t, os.IsNotExist(err), "stop must not leave a signal behind when nothing runs")
}

func TestStatus_RemoteUnreachable(t *testing.T) {
	c, _ := testCommand(t)
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	err := c.Status(context.Background(), StatusFlags{Remote: true, APIUrl: url, APITimeout: time.Second})
	assert.Error(t, err)
}

func TestHistory_EmptyDatabase(t *testing.T) {
	c, base := testCommand(t)
	require.NoError(t, c.History(context.Background(), HistoryFlags{}))
	_, err := os.Stat(filepath.Join(base, "logs", "app_logs.db"))
	assert.NoError(t, err)
}

func TestConfigGetAndSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := testCommand(t)
	store := settings.NewStore(map[string]any{
		settings.OverridesJSONPath: filepath.Join(t.TempDir(), "overrides.json"),
	}, nil)
	srv := httptest.NewServer(server.NewRouter(store, nil, nil).Handler())
	defer srv.Close()
	f := ConfigFlags{APIUrl: srv.URL, APITimeout: 5 * time.Second}
	ctx := context.Background()

	require.NoError(t, c.ConfigSet(ctx, f, "LOG_HISTORY_COUNT", "80"))
	assert.Equal(t, 80, store.Int("LOG_HISTORY_COUNT"))

	require.NoError(t, c.ConfigSet(ctx, f, "DDOS_PROTECTION_ENABLED", "false"))
	assert.False(t, store.Bool("DDOS_PROTECTION_ENABLED"))

	err := c.ConfigSet(ctx, f, "WEB_SERVER_PORT", "9000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not modifiable")

	require.NoError(t, c.ConfigGet(ctx, f, ""))
	require.NoError(t, c.ConfigGet(ctx, f, "LOG_HISTORY_COUNT"))
	assert.Error(t, c.ConfigGet(ctx, f, "NOPE"))
}

func TestDepsList_Empty(t *testing.T) {
	c, _ := testCommand(t)
	require.NoError(t, c.DepsList("nginx"))
	assert.Error(t, c.DepsRecover(DepsFlags{Key: "nginx", Archive: "nginx_missing"}))
}
