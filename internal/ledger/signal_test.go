package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_TouchIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := NewSignal(filepath.Join(dir, "shutdown.signal"))

	assert.False(t, s.Present())
	require.NoError(t, s.Touch())
	require.NoError(t, s.Touch())
	assert.True(t, s.Present())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	fi, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestSignal_ClearWhenAbsent(t *testing.T) {
	s := NewSignal(filepath.Join(t.TempDir(), "shutdown.signal"))
	assert.NoError(t, s.Clear())
	require.NoError(t, s.Touch())
	assert.NoError(t, s.Clear())
	assert.False(t, s.Present())
	assert.NoError(t, s.Clear())
}

func TestSignal_WatchFiresOnCreate(t *testing.T) {
	s := NewSignal(filepath.Join(t.TempDir(), "bin", "shutdown.signal"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := s.Watch(ctx, nil)
	select {
	case <-fired:
		t.Fatal("watch fired before the sentinel existed")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.Touch())
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire after touch")
	}
}

func TestSignal_WatchAlreadyPresent(t *testing.T) {
	s := NewSignal(filepath.Join(t.TempDir(), "shutdown.signal"))
	require.NoError(t, s.Touch())
	select {
	case <-s.Watch(context.Background(), nil):
	case <-time.After(2 * time.Second):
		t.Fatal("watch should fire immediately when the sentinel exists")
	}
}

func TestSignal_WatchStopsOnCancel(t *testing.T) {
	s := NewSignal(filepath.Join(t.TempDir(), "shutdown.signal"))
	ctx, cancel := context.WithCancel(context.Background())
	fired := s.Watch(ctx, nil)
	cancel()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	assert.False(t, s.Present())
}
