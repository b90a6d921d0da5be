// Package runtimecfg renders the configuration files the supervised
// processes read at startup: the hypercorn config, the nginx prefix
// directory and, when log shipping is enabled, the loki and alloy configs.
package runtimecfg

import (
	"bytes"
	"embed"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"text/template"

	"github.com/Hasganter/markdown-web/internal/ledger"
	"github.com/Hasganter/markdown-web/internal/settings"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const defaultLokiPort = 3100

// Params carries everything the templates need.
type Params struct {
	BinDir          string
	NginxSourceDir  string
	HypercornConfig string
	HypercornPID    string
	LokiConfig      string
	AlloyConfig     string
	AccessLog       string
	AssetsDir       string

	WebHost   string
	WebPort   int
	Mode      string
	Workers   int
	NginxPort int

	Domain          string
	AssetsSubdomain string
	ZoneSize        string
	Rate            string
	Burst           int

	LokiEnabled bool
	LokiURL     string
	LokiOrgID   string
}

// FromStore reads Params from the settings store.
func FromStore(s *settings.Store) Params {
	return Params{
		BinDir:          s.String(settings.BinDir),
		NginxSourceDir:  s.String(settings.NginxSourcePath),
		HypercornConfig: s.String(settings.HypercornConfigPath),
		HypercornPID:    s.String(settings.HypercornPIDPath),
		LokiConfig:      s.String(settings.LokiConfigPath),
		AlloyConfig:     s.String(settings.AlloyConfigPath),
		AccessLog:       s.String(settings.NginxAccessLogPath),
		AssetsDir:       s.String(settings.AssetsDir),
		WebHost:         s.String(settings.WebServerHost),
		WebPort:         s.Int(settings.WebServerPort),
		Mode:            s.String(settings.HypercornMode),
		Workers:         s.Int(settings.ASGIWorkers),
		NginxPort:       s.Int(settings.NginxPort),
		Domain:          s.String(settings.AppDomain),
		AssetsSubdomain: s.String(settings.AssetsSubdomain),
		ZoneSize:        s.String(settings.NginxRateZoneSize),
		Rate:            s.String(settings.NginxRate),
		Burst:           s.Int(settings.NginxRateBurst),
		LokiEnabled:     s.Bool(settings.LokiEnabled),
		LokiURL:         s.String(settings.LokiURL),
		LokiOrgID:       s.String(settings.LokiOrgID),
	}
}

// Concurrency returns hypercorn's workers and threads for mode. A worker
// count of zero means 2*NumCPU+1.
func Concurrency(mode string, n int) (workers, threads int) {
	if n <= 0 {
		n = runtime.NumCPU()*2 + 1
	}
	if mode == "workers" {
		return n, 1
	}
	return 1, n
}

// LokiPort extracts the listen port from the Loki URL.
func LokiPort(raw string) (int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("parse loki url %q: %w", raw, err)
	}
	p := u.Port()
	if p == "" {
		return defaultLokiPort, nil
	}
	return strconv.Atoi(p)
}

// Write renders every file for p and creates the bin/logs, bin/temp and,
// with Loki enabled, bin/loki-data directories. It returns the written files.
func Write(p Params, log *slog.Logger) ([]string, error) {
	if log == nil {
		log = slog.Default()
	}
	var written []string

	for _, d := range []string{"logs", "temp"} {
		if err := os.MkdirAll(filepath.Join(p.BinDir, d), 0o750); err != nil {
			return written, fmt.Errorf("create %s dir: %w", d, err)
		}
	}

	workers, threads := Concurrency(p.Mode, p.Workers)
	if err := render(p.HypercornConfig, "hypercorn.py.tmpl", map[string]any{
		"Bind":    net.JoinHostPort(p.WebHost, strconv.Itoa(p.WebPort)),
		"PIDPath": filepath.ToSlash(p.HypercornPID),
		"Mode":    p.Mode,
		"Workers": workers,
		"Threads": threads,
	}); err != nil {
		return written, err
	}
	written = append(written, p.HypercornConfig)

	nginxConf, err := writeNginx(p, log)
	if err != nil {
		return written, err
	}
	written = append(written, nginxConf)
	log.Info("nginx and hypercorn configs prepared", "dir", p.BinDir)

	if !p.LokiEnabled {
		return written, nil
	}
	port, err := LokiPort(p.LokiURL)
	if err != nil {
		return written, err
	}
	dataDir, err := filepath.Abs(filepath.Join(p.BinDir, "loki-data"))
	if err != nil {
		return written, err
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return written, fmt.Errorf("create loki data dir: %w", err)
	}
	if err := render(p.LokiConfig, "loki-config.yaml.tmpl", map[string]any{
		"Port":    port,
		"DataDir": filepath.ToSlash(dataDir),
	}); err != nil {
		return written, err
	}
	written = append(written, p.LokiConfig)

	accessLog, err := filepath.Abs(p.AccessLog)
	if err != nil {
		return written, err
	}
	if err := render(p.AlloyConfig, "alloy.river.tmpl", map[string]any{
		"PushURL":   p.LokiURL,
		"OrgID":     p.LokiOrgID,
		"AccessLog": filepath.ToSlash(accessLog),
	}); err != nil {
		return written, err
	}
	written = append(written, p.AlloyConfig)
	log.Info("loki and alloy configs written")
	return written, nil
}

// writeNginx replaces bin/conf with a copy of the distribution's conf
// directory and renders nginx.conf into it.
func writeNginx(p Params, log *slog.Logger) (string, error) {
	confDir := filepath.Join(p.BinDir, "conf")
	if err := os.RemoveAll(confDir); err != nil {
		return "", fmt.Errorf("reset nginx conf dir: %w", err)
	}
	src := filepath.Join(p.NginxSourceDir, "conf")
	if fi, err := os.Stat(src); err == nil && fi.IsDir() {
		if err := os.CopyFS(confDir, os.DirFS(src)); err != nil {
			return "", fmt.Errorf("copy nginx conf: %w", err)
		}
	} else {
		log.Warn("nginx distribution conf dir not found, using bundled mime.types", "path", src)
		if err := os.MkdirAll(confDir, 0o750); err != nil {
			return "", fmt.Errorf("create nginx conf dir: %w", err)
		}
	}
	mime := filepath.Join(confDir, "mime.types")
	if _, err := os.Stat(mime); err != nil {
		if err := render(mime, "mime.types.tmpl", nil); err != nil {
			return "", err
		}
	}

	assets, err := filepath.Abs(p.AssetsDir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(confDir, "nginx.conf")
	err = render(target, "nginx.conf.tmpl", map[string]any{
		"ListenPort":       p.NginxPort,
		"ServerName":       p.Domain,
		"AssetsServerName": p.AssetsSubdomain + "." + p.Domain,
		"AssetsDir":        filepath.ToSlash(assets),
		"Upstream":         net.JoinHostPort(p.WebHost, strconv.Itoa(p.WebPort)),
		"ZoneSize":         p.ZoneSize,
		"Rate":             p.Rate,
		"Burst":            p.Burst,
	})
	return target, err
}

func render(path, name string, data any) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := ledger.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
