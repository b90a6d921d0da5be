package content

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Hasganter/markdown-web/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refusingRunner struct{ calls int }

func (r *refusingRunner) Launch(process.Spec) (*process.Handle, error) {
	r.calls++
	return nil, errors.New("exec: not found")
}

type countingLock struct {
	sync.Mutex
	locks int
}

func (c *countingLock) Lock() {
	c.Mutex.Lock()
	c.locks++
}

func TestScan_RequiresInitWorker(t *testing.T) {
	p := New(Config{ContentCommand: []string{"true"}}, &refusingRunner{}, nil)
	assert.ErrorIs(t, p.ScanAndProcessAllContent(context.Background()), ErrNotInitialized)
}

func TestScan_EmptyCommandSkips(t *testing.T) {
	r := &refusingRunner{}
	p := New(Config{}, r, nil)
	p.InitWorker(&sync.Mutex{})
	assert.NoError(t, p.ScanAndProcessAllContent(context.Background()))
	assert.NoError(t, p.ScanAndProcessAllAssets(context.Background()))
	assert.Zero(t, r.calls)
}

func TestScan_LaunchFailureReleasesLock(t *testing.T) {
	r := &refusingRunner{}
	lock := &countingLock{}
	p := New(Config{AssetCommand: []string{"missing-binary"}}, r, nil)
	p.InitWorker(lock)

	err := p.ScanAndProcessAllAssets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asset_scan")
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, lock.locks)
	assert.True(t, lock.TryLock(), "lock must be released after a failed scan")
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"python3", "-m", "converter", "--once"}, SplitCommand("  python3 -m converter\t--once "))
	assert.Empty(t, SplitCommand("   "))
}
