// Package ledger keeps the on-disk state shared between supervisor
// invocations: the name->pid ledger, the start-time sidecar used to detect pid
// reuse, and the shutdown sentinel file.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// MetaSuffix is appended to the ledger path to name the start-time sidecar.
const MetaSuffix = ".meta"

// Entry is one ledger row.
type Entry struct {
	PID       int
	StartUnix int64 // 0 when unknown
}

// Ledger reads and writes the PID ledger file.
type Ledger struct {
	path string
	log  *slog.Logger
}

func New(path string, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{path: path, log: log}
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) metaPath() string { return l.path + MetaSuffix }

// Read returns the ledger contents. ok is false when the file is absent or
// unreadable. A malformed ledger is deleted and reported as absent.
func (l *Ledger) Read() (map[string]Entry, bool) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("could not read PID ledger, assuming stale", "path", l.path, "error", err)
		}
		return nil, false
	}
	var pids map[string]int
	if err := json.Unmarshal(b, &pids); err != nil || pids == nil {
		l.log.Error("PID ledger is malformed, deleting", "path", l.path, "error", err)
		_ = os.Remove(l.path)
		_ = os.Remove(l.metaPath())
		return nil, false
	}

	starts := l.readMeta()
	out := make(map[string]Entry, len(pids))
	for name, pid := range pids {
		out[name] = Entry{PID: pid, StartUnix: starts[name]}
	}
	return out, true
}

func (l *Ledger) readMeta() map[string]int64 {
	b, err := os.ReadFile(l.metaPath())
	if err != nil {
		return nil
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		l.log.Debug("ignoring malformed ledger meta", "path", l.metaPath(), "error", err)
		return nil
	}
	return m
}

// Write atomically replaces the ledger with entries. The sidecar is written
// first so a reader never sees pids newer than their start times.
func (l *Ledger) Write(entries map[string]Entry) error {
	pids := make(map[string]int, len(entries))
	starts := make(map[string]int64, len(entries))
	for name, e := range entries {
		pids[name] = e.PID
		if e.StartUnix > 0 {
			starts[name] = e.StartUnix
		}
	}
	mb, err := json.MarshalIndent(starts, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger meta: %w", err)
	}
	pb, err := json.MarshalIndent(pids, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := WriteFileAtomic(l.metaPath(), mb, 0o644); err != nil {
		return err
	}
	return WriteFileAtomic(l.path, pb, 0o644)
}

// Remove deletes the ledger and its sidecar. Missing files are not an error.
func (l *Ledger) Remove() error {
	return errors.Join(removeIfExists(l.path), removeIfExists(l.metaPath()))
}

// Names returns the ledger names in sorted order.
func Names(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads a plain pid file such as the one the application server
// master writes for itself.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidLine, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	return pid, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
