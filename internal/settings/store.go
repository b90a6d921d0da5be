package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Hasganter/markdown-web/internal/ledger"
)

// ErrConfigRejected is the sentinel wrapped by every RejectedError.
var ErrConfigRejected = errors.New("config update rejected")

// RejectedError reports an update that was refused without touching the store.
type RejectedError struct {
	Key     string
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Unwrap() error { return ErrConfigRejected }

// ProcessOverride replaces the default command template of one process.
type ProcessOverride struct {
	Command []string `mapstructure:"command" json:"command,omitempty"`
	Dir     string   `mapstructure:"dir" json:"dir,omitempty"`
	Env     []string `mapstructure:"env" json:"env,omitempty"`
}

// Store is the live configuration. Reads take a shared lock; Update takes the
// exclusive lock for validation, mutation and persistence of the overrides.
type Store struct {
	mu            sync.RWMutex
	values        map[string]any
	processes     map[string]ProcessOverride
	overridesPath string
	log           *slog.Logger
}

// NewStore returns a store holding the schema defaults with values applied on
// top. Values are not coerced; callers pass typed values.
func NewStore(values map[string]any, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{values: make(map[string]any, len(schema)), processes: map[string]ProcessOverride{}, log: log}
	for _, def := range schema {
		s.values[def.Name] = def.Default
	}
	for k, v := range values {
		s.values[k] = v
	}
	if p, ok := s.values[OverridesJSONPath].(string); ok {
		s.overridesPath = p
	}
	return s
}

// Get returns the current value of name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *Store) String(name string) string {
	v, _ := s.Get(name)
	str, _ := v.(string)
	return str
}

func (s *Store) Int(name string) int {
	v, _ := s.Get(name)
	n, _ := v.(int)
	return n
}

func (s *Store) Float(name string) float64 {
	v, _ := s.Get(name)
	f, _ := v.(float64)
	return f
}

func (s *Store) Bool(name string) bool {
	v, _ := s.Get(name)
	b, _ := v.(bool)
	return b
}

func (s *Store) Duration(name string) time.Duration {
	v, _ := s.Get(name)
	d, _ := v.(time.Duration)
	return d
}

// Process returns the command override for name, if one was configured.
func (s *Store) Process(name string) (ProcessOverride, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[name]
	return p, ok
}

// SetProcess installs a command override for name.
func (s *Store) SetProcess(name string, p ProcessOverride) {
	s.mu.Lock()
	s.processes[name] = p
	s.mu.Unlock()
}

// Snapshot returns a JSON-ready copy of every setting. Durations are rendered
// as strings and the modifiable names are listed under MODIFIABLE_SETTINGS.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values)+1)
	for k, v := range s.values {
		out[k] = format(v)
	}
	out[ModifiableSettingsKey] = ModifiableNames()
	return out
}

// Update validates and applies one modifiable setting, then persists the
// modifiable subset to the overrides file. It returns the operator message on
// success. A *RejectedError leaves the store unchanged; any other error means
// persistence failed and the change was rolled back.
func (s *Store) Update(key string, raw any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := byName[key]
	if !ok || !def.Modifiable {
		msg := fmt.Sprintf("Setting '%s' is not modifiable.", key)
		s.log.Warn("rejected config update", "key", key, "reason", msg)
		return "", &RejectedError{Key: key, Message: msg}
	}
	v, err := Parse(def.Kind, raw)
	if err != nil {
		msg := fmt.Sprintf("Could not convert value '%v' for key '%s'. Error: %v", raw, key, err)
		s.log.Error("config update failed", "key", key, "reason", msg)
		return "", &RejectedError{Key: key, Message: msg}
	}

	prev, had := s.values[key]
	s.values[key] = v
	if err := s.saveOverridesLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		s.log.Error("failed to persist config overrides", "path", s.overridesPath, "error", err)
		return "", err
	}

	msg := fmt.Sprintf("Setting '%s' updated to '%v'. Restart required for all services to apply.", key, format(v))
	s.log.Info(msg, "key", key)
	return msg, nil
}

// saveOverridesLocked merges every modifiable value over the existing
// overrides file. A malformed existing file is replaced.
func (s *Store) saveOverridesLocked() error {
	if s.overridesPath == "" {
		return nil
	}
	current := map[string]any{}
	if b, err := os.ReadFile(s.overridesPath); err == nil {
		if jerr := json.Unmarshal(b, &current); jerr != nil || current == nil {
			current = map[string]any{}
		}
	}
	for _, def := range schema {
		if !def.Modifiable {
			continue
		}
		if v, ok := s.values[def.Name]; ok {
			current[def.Name] = format(v)
		}
	}
	b, err := json.MarshalIndent(current, "", "    ")
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	if err := ledger.WriteFileAtomic(s.overridesPath, b, 0o644); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}
	return nil
}

// applyOverrides loads the overrides file and applies modifiable keys only.
// Problems are logged; the store keeps its previous values for affected keys.
func (s *Store) applyOverrides() {
	if s.overridesPath == "" {
		return
	}
	b, err := os.ReadFile(s.overridesPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to read overrides file", "path", s.overridesPath, "error", err)
		}
		return
	}
	var overrides map[string]any
	if err := json.Unmarshal(b, &overrides); err != nil {
		s.log.Error("failed to parse overrides file", "path", s.overridesPath, "error", err)
		return
	}
	s.log.Info("loading runtime configuration overrides", "path", s.overridesPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, raw := range overrides {
		def, ok := byName[key]
		if !ok {
			s.log.Warn("override setting not found in defaults, ignoring", "key", key)
			continue
		}
		if !def.Modifiable {
			s.log.Warn("attempted to override non-modifiable setting, ignoring", "key", key)
			continue
		}
		v, err := Parse(def.Kind, raw)
		if err != nil {
			s.log.Warn("ignoring invalid override", "key", key, "error", err)
			continue
		}
		s.values[key] = v
		s.log.Debug("overridden setting", "key", key, "value", v)
	}
}
