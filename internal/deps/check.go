package deps

import (
	"log/slog"
	"os"
)

// Executable is a binary the stack needs at a configured path.
type Executable struct {
	Name string
	Path string
}

// CheckExecutables logs every missing executable and reports whether all were
// found.
func CheckExecutables(log *slog.Logger, exes []Executable) bool {
	if log == nil {
		log = slog.Default()
	}
	log.Info("performing configuration and path validation")
	ok := true
	for _, e := range exes {
		fi, err := os.Stat(e.Path)
		if err != nil || fi.IsDir() {
			log.Error("config check failed: executable not found", "name", e.Name, "path", e.Path)
			ok = false
			continue
		}
		log.Info("config check ok", "name", e.Name, "path", e.Path)
	}
	return ok
}
