// Package settings holds the typed configuration of the supervisor: a fixed
// schema of boot-time and runtime-modifiable settings, the loader that fills
// it from defaults, a TOML file, the environment and the overrides file, and
// the lock-protected Store the control plane mutates.
package settings

import (
	"runtime"
	"sort"
	"time"
)

// Kind is the value type of a setting.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDuration
	KindPath
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDuration:
		return "duration"
	case KindPath:
		return "path"
	default:
		return "unknown"
	}
}

// Setting describes one configuration key.
type Setting struct {
	Name       string
	Kind       Kind
	Default    any
	Modifiable bool
	// Env lists additional environment variable names, checked after Name.
	Env []string
}

// Setting names referenced from code.
const (
	BaseDir   = "BASE_DIR"
	BinDir    = "BIN_DIR"
	SrcDir    = "SRC_DIR"
	External  = "EXTERNAL_DIR"
	LogsDir   = "LOGS_DIR"
	AssetsDir = "ASSETS_OUTPUT_DIR"

	PIDFilePath         = "PID_FILE_PATH"
	OverridesJSONPath   = "OVERRIDES_JSON_PATH"
	ShutdownSignalPath  = "SHUTDOWN_SIGNAL_PATH"
	LogDBPath           = "LOG_DB_PATH"
	ContentDBPath       = "CONTENT_DB_PATH"
	HypercornConfigPath = "HYPERCORN_CONFIG_PATH"
	HypercornPIDPath    = "HYPERCORN_PID_PATH"
	NginxAccessLogPath  = "NGINX_ACCESS_LOG_PATH"
	NginxSourcePath     = "NGINX_SOURCE_PATH"
	LokiConfigPath      = "LOKI_CONFIG_PATH"
	AlloyConfigPath     = "ALLOY_CONFIG_PATH"

	PythonExecutable = "PYTHON_EXECUTABLE"
	NginxExecutable  = "NGINX_EXECUTABLE_PATH"
	FFmpegPath       = "FFMPEG_PATH"
	LokiPath         = "LOKI_PATH"
	AlloyPath        = "ALLOY_PATH"

	AppDomain          = "APP_DOMAIN"
	AssetsSubdomain    = "ASSETS_SUBDOMAIN_NAME"
	WebServerHost      = "WEB_SERVER_HOST"
	WebServerPort      = "WEB_SERVER_PORT"
	HypercornMode      = "HYPERCORN_MODE"
	ASGIWorkers        = "ASGI_WORKERS"
	NginxHost          = "NGINX_HOST"
	NginxPort          = "NGINX_PORT"
	NginxRateZoneSize  = "NGINX_RATELIMIT_ZONE_SIZE"
	NginxRate          = "NGINX_RATELIMIT_RATE"
	NginxRateBurst     = "NGINX_RATELIMIT_BURST"
	NgrokEnabled       = "NGROK_ENABLED"
	NgrokAuthToken     = "NGROK_AUTHTOKEN"
	LokiEnabled        = "LOKI_ENABLED"
	LokiURL            = "LOKI_URL"
	LokiOrgID          = "LOKI_ORG_ID"
	ConfigAPIHost      = "CONFIG_API_HOST"
	ConfigAPIPort      = "CONFIG_API_PORT"
	ContentScanCommand = "CONTENT_SCAN_COMMAND"
	AssetScanCommand   = "ASSET_SCAN_COMMAND"

	SupervisorSleepInterval = "SUPERVISOR_SLEEP_INTERVAL"
	MaxRestartAttempts      = "MAX_RESTART_ATTEMPTS"
	RestartCooldownPeriod   = "RESTART_COOLDOWN_PERIOD"
	HealthCheckTimeout      = "ASGI_HEALTH_CHECK_TIMEOUT"
	GracefulShutdownTimeout = "GRACEFUL_SHUTDOWN_TIMEOUT"
	UpdateCheckSchedule     = "UPDATE_CHECK_SCHEDULE"

	LogLevel  = "LOG_LEVEL"
	LogFormat = "LOG_FORMAT"
	LogColor  = "LOG_COLOR"
)

// ModifiableSettingsKey is the synthetic snapshot key listing the modifiable names.
const ModifiableSettingsKey = "MODIFIABLE_SETTINGS"

var schema = []Setting{
	{Name: BaseDir, Kind: KindPath, Default: ""},
	{Name: BinDir, Kind: KindPath, Default: ""},
	{Name: SrcDir, Kind: KindPath, Default: ""},
	{Name: External, Kind: KindPath, Default: ""},
	{Name: LogsDir, Kind: KindPath, Default: ""},
	{Name: AssetsDir, Kind: KindPath, Default: ""},
	{Name: PIDFilePath, Kind: KindPath, Default: ""},
	{Name: OverridesJSONPath, Kind: KindPath, Default: ""},
	{Name: ShutdownSignalPath, Kind: KindPath, Default: ""},
	{Name: LogDBPath, Kind: KindPath, Default: ""},
	{Name: ContentDBPath, Kind: KindPath, Default: ""},
	{Name: HypercornConfigPath, Kind: KindPath, Default: ""},
	{Name: HypercornPIDPath, Kind: KindPath, Default: ""},
	{Name: NginxAccessLogPath, Kind: KindPath, Default: ""},
	{Name: NginxSourcePath, Kind: KindPath, Default: ""},
	{Name: LokiConfigPath, Kind: KindPath, Default: ""},
	{Name: AlloyConfigPath, Kind: KindPath, Default: ""},
	{Name: NginxExecutable, Kind: KindPath, Default: ""},
	{Name: FFmpegPath, Kind: KindPath, Default: ""},
	{Name: LokiPath, Kind: KindPath, Default: ""},
	{Name: AlloyPath, Kind: KindPath, Default: ""},
	{Name: PythonExecutable, Kind: KindString, Default: defaultPython()},

	{Name: AppDomain, Kind: KindString, Default: "localhost:8080", Env: []string{"MYAPP_DOMAIN"}},
	{Name: AssetsSubdomain, Kind: KindString, Default: "assets"},
	{Name: WebServerHost, Kind: KindString, Default: "127.0.0.1"},
	{Name: WebServerPort, Kind: KindInt, Default: 8000, Env: []string{"ASGI_PORT"}},
	{Name: HypercornMode, Kind: KindString, Default: "workers"},
	{Name: ASGIWorkers, Kind: KindInt, Default: 2},
	{Name: NginxHost, Kind: KindString, Default: "0.0.0.0"},
	{Name: NginxPort, Kind: KindInt, Default: 8080},
	{Name: NginxRateZoneSize, Kind: KindString, Default: "10m"},
	{Name: NginxRate, Kind: KindString, Default: "5r/s"},
	{Name: NginxRateBurst, Kind: KindInt, Default: 20},
	{Name: NgrokEnabled, Kind: KindBool, Default: false},
	{Name: NgrokAuthToken, Kind: KindString, Default: ""},
	{Name: LokiEnabled, Kind: KindBool, Default: false},
	{Name: LokiURL, Kind: KindString, Default: "http://localhost:3100"},
	{Name: LokiOrgID, Kind: KindString, Default: "fake"},
	{Name: ConfigAPIHost, Kind: KindString, Default: "127.0.0.1"},
	{Name: ConfigAPIPort, Kind: KindInt, Default: 8765},
	{Name: ContentScanCommand, Kind: KindString, Default: ""},
	{Name: AssetScanCommand, Kind: KindString, Default: ""},

	{Name: SupervisorSleepInterval, Kind: KindDuration, Default: 2 * time.Second},
	{Name: MaxRestartAttempts, Kind: KindInt, Default: 3},
	{Name: RestartCooldownPeriod, Kind: KindDuration, Default: 30 * time.Second},
	{Name: HealthCheckTimeout, Kind: KindDuration, Default: 15 * time.Second},
	{Name: GracefulShutdownTimeout, Kind: KindDuration, Default: 10 * time.Second},
	{Name: UpdateCheckSchedule, Kind: KindString, Default: "@every 12h"},

	{Name: LogLevel, Kind: KindString, Default: "info"},
	{Name: LogFormat, Kind: KindString, Default: "text"},
	{Name: LogColor, Kind: KindBool, Default: false},

	{Name: "MARKDOWN_SCAN_INTERVAL_SECONDS", Kind: KindInt, Default: 12 * 3600, Modifiable: true},
	{Name: "LOG_BUFFER_SIZE", Kind: KindInt, Default: 100, Modifiable: true},
	{Name: "LOG_BUFFER_FLUSH_INTERVAL", Kind: KindInt, Default: 10, Modifiable: true},
	{Name: "MAX_LOG_DB_SIZE_MB", Kind: KindInt, Default: 100, Modifiable: true},
	{Name: "LOG_DB_SIZE_CHECK_INTERVAL_SECONDS", Kind: KindInt, Default: 12 * 3600, Modifiable: true},
	{Name: "LOG_HISTORY_COUNT", Kind: KindInt, Default: 50, Modifiable: true},
	{Name: "DDOS_PROTECTION_ENABLED", Kind: KindBool, Default: true, Modifiable: true},
	{Name: "REQUESTS_LIMIT_PER_WINDOW", Kind: KindInt, Default: 20, Modifiable: true},
	{Name: "REQUESTS_WINDOW_SECONDS", Kind: KindInt, Default: 5, Modifiable: true},
	{Name: "BLOCK_DURATION_SECONDS", Kind: KindInt, Default: 300, Modifiable: true},
}

var byName = func() map[string]Setting {
	m := make(map[string]Setting, len(schema))
	for _, s := range schema {
		m[s.Name] = s
	}
	return m
}()

// Lookup returns the schema entry for name.
func Lookup(name string) (Setting, bool) {
	s, ok := byName[name]
	return s, ok
}

// Schema returns a copy of the full schema in declaration order.
func Schema() []Setting {
	out := make([]Setting, len(schema))
	copy(out, schema)
	return out
}

// ModifiableNames returns the sorted names of all runtime-modifiable settings.
func ModifiableNames() []string {
	var out []string
	for _, s := range schema {
		if s.Modifiable {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

// derived lists path settings computed from another path setting when left
// empty. Order matters: parents come before children.
var derived = []struct {
	name, parent string
	elem         []string
}{
	{BinDir, BaseDir, []string{"bin"}},
	{SrcDir, BaseDir, []string{"src"}},
	{External, BaseDir, []string{"external"}},
	{LogsDir, BaseDir, []string{"logs"}},
	{AssetsDir, BinDir, []string{"assets"}},
	{PIDFilePath, BinDir, []string{"app.pid"}},
	{OverridesJSONPath, BinDir, []string{"overrides.json"}},
	{ShutdownSignalPath, BinDir, []string{"shutdown.signal"}},
	{LogDBPath, LogsDir, []string{"app_logs.db"}},
	{ContentDBPath, BinDir, []string{"content.db"}},
	{HypercornConfigPath, BinDir, []string{"hypercorn_config.py"}},
	{HypercornPIDPath, BinDir, []string{"hypercorn.pid"}},
	{NginxAccessLogPath, BinDir, []string{"logs", "access.log"}},
	{NginxSourcePath, External, []string{"nginx"}},
	{LokiConfigPath, BinDir, []string{"loki-config.yaml"}},
	{AlloyConfigPath, BinDir, []string{"alloy.river"}},
	{NginxExecutable, External, []string{"nginx", "nginx"}},
	{FFmpegPath, External, []string{"ffmpeg", "bin", "ffmpeg"}},
	{LokiPath, External, []string{"grafana", "loki-" + runtime.GOOS + "-" + runtime.GOARCH}},
	{AlloyPath, External, []string{"grafana", "alloy-" + runtime.GOOS + "-" + runtime.GOARCH}},
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}
