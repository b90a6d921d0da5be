package manager

import (
	"strconv"

	"github.com/Hasganter/markdown-web/internal/process"
	"github.com/Hasganter/markdown-web/internal/settings"
)

// Logical process names.
const (
	Loki             = "loki"
	Alloy            = "alloy"
	ContentConverter = "content_converter"
	ASGIServer       = "asgi_server"
	Ngrok            = "ngrok"
	Nginx            = "nginx"

	// supervisorEntry is the ledger row naming the supervisor itself.
	supervisorEntry = "supervisor"
)

var critical = map[string]bool{
	Nginx:            true,
	ASGIServer:       true,
	ContentConverter: true,
}

// IsCritical reports whether name is restarted when it dies.
func IsCritical(name string) bool { return critical[name] }

type step struct {
	name    string
	enabled bool
}

// launchOrder is the startup sequence; disabled entries are skipped.
func launchOrder(cfg Config) []step {
	return []step{
		{Loki, cfg.LokiEnabled},
		{Alloy, cfg.LokiEnabled},
		{ContentConverter, true},
		{ASGIServer, true},
		{Ngrok, cfg.NgrokEnabled},
		{Nginx, true},
	}
}

// settleAfter names the processes followed by a short pause before the next launch.
var settleAfter = map[string]bool{ASGIServer: true, Nginx: true, Loki: true}

// ProcessTable builds the command template for every logical process.
// Entries in the [processes] config section replace the command or directory.
func ProcessTable(s *settings.Store) map[string]process.Spec {
	base := s.String(settings.BaseDir)
	bin := s.String(settings.BinDir)
	python := s.String(settings.PythonExecutable)

	specs := map[string]process.Spec{
		Loki: {
			Args: []string{settings.Executable(s.String(settings.LokiPath)), "-config.file=" + s.String(settings.LokiConfigPath)},
			Dir:  bin,
		},
		Alloy: {
			Args: []string{settings.Executable(s.String(settings.AlloyPath)), "run", s.String(settings.AlloyConfigPath)},
			Dir:  bin,
		},
		ContentConverter: {
			Args: []string{python, "-m", "src.local.script_entry.converter"},
			Dir:  base,
		},
		ASGIServer: {
			Args: []string{"hypercorn", "-c", s.String(settings.HypercornConfigPath), "src.web.server:app"},
			Dir:  base,
		},
		Ngrok: {
			Args: []string{python, "-m", "ngrok", "http", strconv.Itoa(s.Int(settings.NginxPort)),
				"--log", "stdout", "--authtoken", s.String(settings.NgrokAuthToken)},
			Dir: base,
		},
		Nginx: {
			Args: []string{settings.Executable(s.String(settings.NginxExecutable)), "-p", bin},
			Dir:  bin,
		},
	}
	for name, sp := range specs {
		sp.Name = name
		if o, ok := s.Process(name); ok {
			if len(o.Command) > 0 {
				sp.Args = append([]string(nil), o.Command...)
			}
			if o.Dir != "" {
				sp.Dir = o.Dir
			}
			sp.Env = append(sp.Env, o.Env...)
		}
		specs[name] = sp
	}
	return specs
}
