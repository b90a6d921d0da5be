package settings

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Options controls where Load looks for configuration.
type Options struct {
	// ConfigFile is an optional TOML file. Keys are setting names (any case);
	// per-process command overrides live under [processes.<name>].
	ConfigFile string
	// BaseDir overrides BASE_DIR from the file and environment.
	BaseDir string
	// EnvFile is a KEY=VALUE file applied over the process environment.
	// Empty means "<BASE_DIR>/.env" when it exists.
	EnvFile string
}

// Load builds a Store. Precedence, lowest first: schema defaults, the TOML
// file, the environment, the .env file, then the overrides file for
// modifiable keys only. Unset paths are derived from BASE_DIR.
func Load(opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	v := viper.New()
	for _, def := range schema {
		key := strings.ToLower(def.Name)
		v.SetDefault(key, def.Default)
		if err := v.BindEnv(append([]string{key, def.Name}, def.Env...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", def.Name, err)
		}
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(filepath.Clean(opts.ConfigFile))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	base := opts.BaseDir
	if base == "" {
		base = v.GetString(strings.ToLower(BaseDir))
	}
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve base dir: %w", err)
		}
		base = wd
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		candidate := filepath.Join(base, ".env")
		if _, err := os.Stat(candidate); err == nil {
			envFile = candidate
		}
	}
	if envFile != "" {
		pairs, err := godotenv.Read(filepath.Clean(envFile))
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		for k, val := range pairs {
			if def, ok := lookupEnv(k); ok {
				v.Set(strings.ToLower(def.Name), val)
			}
		}
		log.Debug("applied env file", "path", envFile, "entries", len(pairs))
	}

	values := make(map[string]any, len(schema))
	for _, def := range schema {
		raw := v.Get(strings.ToLower(def.Name))
		parsed, err := Parse(def.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", def.Name, err)
		}
		values[def.Name] = parsed
	}
	values[BaseDir] = base
	resolvePaths(values)

	s := NewStore(values, log)
	var procs map[string]ProcessOverride
	if err := v.UnmarshalKey("processes", &procs); err != nil {
		return nil, fmt.Errorf("decode process overrides: %w", err)
	}
	for name, p := range procs {
		s.SetProcess(name, p)
	}
	s.applyOverrides()
	return s, nil
}

// resolvePaths fills empty derived paths and makes relative ones absolute
// under BASE_DIR.
func resolvePaths(values map[string]any) {
	base, _ := values[BaseDir].(string)
	for _, def := range schema {
		if def.Kind != KindPath || def.Name == BaseDir {
			continue
		}
		if p, _ := values[def.Name].(string); p != "" && !filepath.IsAbs(p) {
			values[def.Name] = filepath.Join(base, p)
		}
	}
	for _, d := range derived {
		if p, _ := values[d.name].(string); p != "" {
			continue
		}
		parent, _ := values[d.parent].(string)
		values[d.name] = filepath.Join(append([]string{parent}, d.elem...)...)
	}
}

// lookupEnv maps an environment variable name to its setting.
func lookupEnv(name string) (Setting, bool) {
	if def, ok := byName[name]; ok {
		return def, true
	}
	for _, def := range schema {
		for _, alias := range def.Env {
			if alias == name {
				return def, true
			}
		}
	}
	return Setting{}, false
}
