package manager

import (
	"time"

	"github.com/Hasganter/markdown-web/internal/settings"
)

// Config is the subset of settings the orchestrator reads. It is captured once
// per Manager; modifiable settings take effect on the next start.
type Config struct {
	BaseDir        string
	BinDir         string
	PIDFile        string
	SignalFile     string
	HypercornPID   string
	AccessLog      string
	NginxExe       string
	WebHost        string
	WebPort        int
	LokiEnabled    bool
	NgrokEnabled   bool
	UpdateSchedule string

	SleepInterval   time.Duration
	MaxRestarts     int
	Cooldown        time.Duration
	HealthTimeout   time.Duration
	GracefulTimeout time.Duration

	MaxLogDBMB       int
	LogDBCheckPeriod time.Duration
	RescanPeriod     time.Duration
}

// ConfigFromStore reads Config from s.
func ConfigFromStore(s *settings.Store) Config {
	return Config{
		BaseDir:        s.String(settings.BaseDir),
		BinDir:         s.String(settings.BinDir),
		PIDFile:        s.String(settings.PIDFilePath),
		SignalFile:     s.String(settings.ShutdownSignalPath),
		HypercornPID:   s.String(settings.HypercornPIDPath),
		AccessLog:      s.String(settings.NginxAccessLogPath),
		NginxExe:       settings.Executable(s.String(settings.NginxExecutable)),
		WebHost:        s.String(settings.WebServerHost),
		WebPort:        s.Int(settings.WebServerPort),
		LokiEnabled:    s.Bool(settings.LokiEnabled),
		NgrokEnabled:   s.Bool(settings.NgrokEnabled),
		UpdateSchedule: s.String(settings.UpdateCheckSchedule),

		SleepInterval:   s.Duration(settings.SupervisorSleepInterval),
		MaxRestarts:     s.Int(settings.MaxRestartAttempts),
		Cooldown:        s.Duration(settings.RestartCooldownPeriod),
		HealthTimeout:   s.Duration(settings.HealthCheckTimeout),
		GracefulTimeout: s.Duration(settings.GracefulShutdownTimeout),

		MaxLogDBMB:       s.Int("MAX_LOG_DB_SIZE_MB"),
		LogDBCheckPeriod: time.Duration(s.Int("LOG_DB_SIZE_CHECK_INTERVAL_SECONDS")) * time.Second,
		RescanPeriod:     time.Duration(s.Int("MARKDOWN_SCAN_INTERVAL_SECONDS")) * time.Second,
	}
}
