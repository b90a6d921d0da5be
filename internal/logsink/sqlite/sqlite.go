// Package sqlite stores access-log lines and process history in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Hasganter/markdown-web/internal/logsink"
)

// Sink writes to the log database.
type Sink struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

var (
	_ logsink.Sink        = (*Sink)(nil)
	_ logsink.BatchSink   = (*Sink)(nil)
	_ logsink.HistorySink = (*Sink)(nil)
)

// New opens (creating if needed) the database and its tables.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string, log *slog.Logger) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; the driver serialises anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Sink{db: db, path: strings.TrimPrefix(dsn, "file:"), log: log}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nginx_access_logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp REAL,
			remote_addr TEXT,
			request_method TEXT,
			request_uri TEXT,
			status INTEGER,
			body_bytes_sent INTEGER,
			http_referer TEXT,
			http_user_agent TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS process_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			run_id TEXT NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_name ON process_history(name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const insertAccess = `
	INSERT INTO nginx_access_logs(timestamp, remote_addr, request_method, request_uri,
		status, body_bytes_sent, http_referer, http_user_agent)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?);`

// InsertNginxLog parses one JSON access line and stores it. Malformed lines
// are logged and skipped without error.
func (s *Sink) InsertNginxLog(ctx context.Context, line string) error {
	return s.InsertNginxLogs(ctx, []string{line})
}

// InsertNginxLogs stores several lines in one transaction.
func (s *Sink) InsertNginxLogs(ctx context.Context, lines []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertAccess)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	for _, line := range lines {
		e, err := logsink.ParseAccessLine(line)
		if err != nil {
			s.log.Error("failed to process nginx log line", "line", line, "error", err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, now, e.RemoteAddr, e.RequestMethod, e.RequestURI,
			e.Status, e.BodyBytesSent, e.HTTPReferer, e.HTTPUserAgent); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Send records a lifecycle event.
func (s *Sink) Send(ctx context.Context, e logsink.Event) error {
	occur := e.OccurredAt
	if occur.IsZero() {
		occur = time.Now()
	}
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_history(timestamp, run_id, event, name, pid, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		occur.UTC(), e.RunID, string(e.Type), e.Name, e.PID, detail)
	return err
}

// RecentHistory returns the newest limit events, oldest first.
func (s *Sink) RecentHistory(ctx context.Context, limit int) ([]logsink.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, run_id, event, name, pid, COALESCE(detail, '')
		FROM process_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []logsink.Event
	for rows.Next() {
		var (
			e  logsink.Event
			ev string
		)
		if err := rows.Scan(&e.OccurredAt, &e.RunID, &ev, &e.Name, &e.PID, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = logsink.EventType(ev)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountAccessLogs returns the number of stored access-log rows.
func (s *Sink) CountAccessLogs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nginx_access_logs;`).Scan(&n)
	return n, err
}

// CheckSize logs a warning when the database file exceeds maxMB and reports
// the current size in MB. In-memory databases report zero.
func (s *Sink) CheckSize(maxMB int) (float64, bool, error) {
	if s.path == "" || strings.HasPrefix(s.path, ":memory:") {
		return 0, false, nil
	}
	p, _, _ := strings.Cut(s.path, "?")
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat log database: %w", err)
	}
	mb := float64(fi.Size()) / (1024 * 1024)
	over := maxMB > 0 && mb > float64(maxMB)
	if over {
		s.log.Warn("log database exceeds configured limit", "path", p, "size_mb", fmt.Sprintf("%.2f", mb), "limit_mb", maxMB)
	}
	return mb, over, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
