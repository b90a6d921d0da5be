package logsink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Buffered batches access-log lines in memory and hands them to a BatchSink
// when the buffer reaches Size lines or every Interval, whichever is first.
type Buffered struct {
	next     BatchSink
	size     int
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending []string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBuffered starts the periodic flusher. Size < 1 flushes every line.
func NewBuffered(next BatchSink, size int, interval time.Duration, log *slog.Logger) *Buffered {
	if log == nil {
		log = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	b := &Buffered{next: next, size: size, interval: interval, log: log, stop: make(chan struct{})}
	if interval > 0 {
		b.wg.Add(1)
		go b.loop()
	}
	return b
}

func (b *Buffered) InsertNginxLog(ctx context.Context, line string) error {
	b.mu.Lock()
	b.pending = append(b.pending, line)
	full := len(b.pending) >= b.size
	b.mu.Unlock()
	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes every pending line.
func (b *Buffered) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := b.next.InsertNginxLogs(ctx, batch); err != nil {
		b.log.Error("failed to write access log batch", "lines", len(batch), "error", err)
		return err
	}
	return nil
}

// Close stops the flusher and writes what is left.
func (b *Buffered) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	return b.Flush(context.Background())
}

func (b *Buffered) loop() {
	defer b.wg.Done()
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			_ = b.Flush(context.Background())
		}
	}
}
