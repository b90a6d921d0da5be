// Package logsink defines where the supervisor persists nginx access lines and
// process lifecycle history, and the access-line format shared by backends.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Sink persists raw nginx access-log lines.
// Implementations must be safe for concurrent use.
type Sink interface {
	InsertNginxLog(ctx context.Context, line string) error
}

// BatchSink persists several access-log lines in one call.
type BatchSink interface {
	InsertNginxLogs(ctx context.Context, lines []string) error
}

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch        EventType = "launch"
	EventRestart       EventType = "restart"
	EventRestartFailed EventType = "restart_failed"
	EventCrash         EventType = "crash"
	EventStop          EventType = "stop"
)

// Event is one process lifecycle transition.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// HistorySink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type HistorySink interface {
	Send(ctx context.Context, e Event) error
}

// Discard drops everything.
type Discard struct{}

func (Discard) InsertNginxLog(context.Context, string) error { return nil }

func (Discard) Send(context.Context, Event) error { return nil }

// ErrMalformedLine is returned for access-log lines that are not JSON objects.
var ErrMalformedLine = errors.New("malformed access log line")

// AccessEntry is one parsed nginx access-log line.
type AccessEntry struct {
	Time          string `json:"time"`
	RemoteAddr    string `json:"remote_addr"`
	RequestMethod string `json:"request_method"`
	RequestURI    string `json:"request_uri"`
	Status        int    `json:"-"`
	BodyBytesSent int64  `json:"-"`
	HTTPReferer   string `json:"http_referer"`
	HTTPUserAgent string `json:"http_user_agent"`
	ForwardedFor  string `json:"http_x_forwarded_for"`
}

// ParseAccessLine decodes a JSON access-log line. status and body_bytes_sent
// may be numbers or numeric strings; missing values are zero.
func ParseAccessLine(line string) (AccessEntry, error) {
	var raw struct {
		AccessEntry
		Status        json.RawMessage `json:"status"`
		BodyBytesSent json.RawMessage `json:"body_bytes_sent"`
	}
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return AccessEntry{}, ErrMalformedLine
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return AccessEntry{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	e := raw.AccessEntry
	status, err := numberField(raw.Status)
	if err != nil {
		return AccessEntry{}, fmt.Errorf("%w: status: %v", ErrMalformedLine, err)
	}
	sent, err := numberField(raw.BodyBytesSent)
	if err != nil {
		return AccessEntry{}, fmt.Errorf("%w: body_bytes_sent: %v", ErrMalformedLine, err)
	}
	e.Status = int(status)
	e.BodyBytesSent = sent
	return e, nil
}

func numberField(b json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
