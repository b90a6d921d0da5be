package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasganter/markdown-web/internal/logsink"
)

func newSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app_logs.db")
	s, err := New("sqlite://"+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSink_InsertNginxLog(t *testing.T) {
	s, _ := newSink(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNginxLog(ctx, `{"remote_addr":"1.2.3.4","request_method":"GET","request_uri":"/","status":200,"body_bytes_sent":10,"http_referer":"","http_user_agent":"ua"}`))
	// malformed lines are skipped, not errors
	require.NoError(t, s.InsertNginxLog(ctx, `not json`))

	n, err := s.CountAccessLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var (
		addr   string
		status int
		sent   int64
	)
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT remote_addr, status, body_bytes_sent FROM nginx_access_logs`).Scan(&addr, &status, &sent))
	assert.Equal(t, "1.2.3.4", addr)
	assert.Equal(t, 200, status)
	assert.Equal(t, int64(10), sent)
}

func TestSink_InsertBatch(t *testing.T) {
	s, _ := newSink(t)
	ctx := context.Background()
	require.NoError(t, s.InsertNginxLogs(ctx, []string{
		`{"status":200}`, `{"status":404}`, `garbage`, `{"status":"500"}`,
	}))
	n, err := s.CountAccessLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSink_HistoryRoundTrip(t *testing.T) {
	s, _ := newSink(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	for i, typ := range []logsink.EventType{logsink.EventLaunch, logsink.EventCrash, logsink.EventRestart} {
		require.NoError(t, s.Send(ctx, logsink.Event{
			Type: typ, OccurredAt: base.Add(time.Duration(i) * time.Second),
			RunID: "run-1", Name: "nginx", PID: 100 + i,
		}))
	}

	got, err := s.RecentHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, logsink.EventCrash, got[0].Type)
	assert.Equal(t, logsink.EventRestart, got[1].Type)
	assert.Equal(t, 102, got[1].PID)
	assert.Equal(t, "run-1", got[1].RunID)
}

func TestSink_CheckSize(t *testing.T) {
	s, _ := newSink(t)
	mb, over, err := s.CheckSize(100)
	require.NoError(t, err)
	assert.False(t, over)
	assert.Greater(t, mb, 0.0)

	// a limit of zero disables the check
	_, over, err = s.CheckSize(0)
	require.NoError(t, err)
	assert.False(t, over)
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("  ", nil)
	assert.Error(t, err)
}

func TestSink_Memory(t *testing.T) {
	s, err := New(":memory:", nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	mb, over, err := s.CheckSize(1)
	require.NoError(t, err)
	assert.Zero(t, mb)
	assert.False(t, over)
}
