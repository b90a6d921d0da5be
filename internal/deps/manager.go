// Package deps installs, stages and updates the external binaries the stack
// runs (nginx, ffmpeg, loki, alloy). Downloads land in <external>/.temp and
// are only moved into place by ApplyPendingInstalls, so a running stack never
// has its binaries swapped underneath it.
package deps

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	json "github.com/goccy/go-json"
)

const (
	tempDirName      = ".temp"
	oldDirName       = ".old"
	versionFile      = ".version"
	versionsFileJSON = ".versions.json"

	maxVersionBody = 1 << 20
)

// Manager owns the external directory.
type Manager struct {
	externalDir string
	tempDir     string
	oldDir      string
	catalog     []Dependency
	fetch       Fetcher
	log         *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

func New(externalDir string, catalog []Dependency, fetch Fetcher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		externalDir: externalDir,
		tempDir:     filepath.Join(externalDir, tempDirName),
		oldDir:      filepath.Join(externalDir, oldDirName),
		catalog:     catalog,
		fetch:       fetch,
		log:         log,
		now:         time.Now,
	}
}

// FirstRun reports whether none of the dependency directories exist yet.
func (m *Manager) FirstRun() bool {
	for _, d := range m.catalog {
		if fi, err := os.Stat(filepath.Join(m.externalDir, d.TargetDir)); err == nil && fi.IsDir() {
			return false
		}
	}
	return true
}

// InstalledVersions reads the version file(s) of a target directory.
func (m *Manager) InstalledVersions(targetDir string) map[string]string {
	return m.versionsIn(filepath.Join(m.externalDir, targetDir), targetDir)
}

func (m *Manager) versionsIn(dir, targetDir string) map[string]string {
	if b, err := os.ReadFile(filepath.Join(dir, versionsFileJSON)); err == nil {
		var out map[string]string
		if err := json.Unmarshal(b, &out); err == nil && out != nil {
			return out
		}
		m.log.Warn("ignoring malformed versions file", "dir", dir)
		return map[string]string{}
	}
	if b, err := os.ReadFile(filepath.Join(dir, versionFile)); err == nil {
		v := strings.TrimSpace(string(b))
		out := map[string]string{}
		for _, d := range m.catalog {
			if d.TargetDir == targetDir {
				out[d.Key] = v
			}
		}
		return out
	}
	return map[string]string{}
}

func (m *Manager) shared(targetDir string) bool {
	n := 0
	for _, d := range m.catalog {
		if d.TargetDir == targetDir {
			n++
		}
	}
	return n > 1
}

// EnsureAllDependenciesInstalled downloads and applies every dependency that
// has no recorded version. Dependencies without a download source are only
// reported. It returns false when a required download fails.
func (m *Manager) EnsureAllDependenciesInstalled(ctx context.Context) bool {
	m.log.Info("ensuring all external dependencies are installed")
	var missing []Dependency
	for _, d := range m.catalog {
		if _, ok := m.InstalledVersions(d.TargetDir)[d.Key]; ok {
			continue
		}
		if d.Manual() {
			m.log.Warn("dependency has no download source on this platform, install it manually",
				"dependency", d.Name, "dir", filepath.Join(m.externalDir, d.TargetDir))
			continue
		}
		missing = append(missing, d)
	}
	if len(missing) == 0 {
		m.log.Info("all dependencies are already installed")
		return true
	}

	m.mu.Lock()
	for _, d := range missing {
		m.log.Info("installing dependency for the first time", "dependency", d.Name)
		latest, err := m.latestVersion(ctx, d)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("could not get latest version, cannot proceed", "dependency", d.Name, "error", err)
			return false
		}
		if err := m.install(ctx, d, latest); err != nil {
			m.mu.Unlock()
			m.log.Error("installation failed", "dependency", d.Name, "error", err)
			return false
		}
	}
	m.mu.Unlock()

	m.log.Info("applying initial installations")
	if err := m.ApplyPendingInstalls(); err != nil {
		m.log.Error("failed to apply initial installations", "error", err)
		return false
	}
	return true
}

// CheckForUpdates stages newer versions of installed dependencies for the
// next restart. Dependencies that are not installed are skipped.
func (m *Manager) CheckForUpdates(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("checking for dependency updates")

	var errs []error
	found := 0
	for _, d := range m.catalog {
		if d.Manual() {
			continue
		}
		cur := m.InstalledVersions(d.TargetDir)[d.Key]
		if cur == "" {
			continue
		}
		latest, err := m.latestVersion(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}
		if !Newer(cur, latest) {
			continue
		}
		found++
		m.log.Info("update found, downloading", "dependency", d.Name, "current", cur, "latest", latest)
		if err := m.install(ctx, d, latest); err != nil {
			m.log.Error("failed to download update", "dependency", d.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	if found > 0 {
		m.log.Warn("updates have been downloaded, restart to apply them", "count", found)
	}
	m.log.Info("dependency update check finished")
	return errors.Join(errs...)
}

// Newer reports whether latest is a newer version than current. Versions that
// are not semver compare by inequality.
func Newer(current, latest string) bool {
	if current == "" || latest == "" || current == latest {
		return false
	}
	cv, cerr := semver.NewVersion(current)
	lv, lerr := semver.NewVersion(latest)
	if cerr != nil || lerr != nil {
		return true
	}
	return lv.GreaterThan(cv)
}

// Pending lists the target directories staged in the temp dir.
func (m *Manager) Pending() []string {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), "_extract_") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// ApplyPendingInstalls moves staged directories into place. Shared target
// directories are merged; others replace the current install, which is moved
// to the archive directory first.
func (m *Manager) ApplyPendingInstalls() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.Pending()
	if len(pending) == 0 {
		return nil
	}
	m.log.Warn("pending dependency installations found, applying now", "dirs", pending)
	for _, name := range pending {
		staged := filepath.Join(m.tempDir, name)
		final := filepath.Join(m.externalDir, name)
		if m.shared(name) {
			// merge the version maps rather than overwrite them
			merged := m.versionsIn(final, name)
			for k, v := range m.versionsIn(staged, name) {
				merged[k] = v
			}
			if err := copyTree(staged, final); err != nil {
				return fmt.Errorf("merge %s: %w", name, err)
			}
			if err := writeVersions(final, merged); err != nil {
				return err
			}
		} else {
			if err := m.archiveCurrent(name); err != nil {
				return err
			}
			if err := os.Rename(staged, final); err != nil {
				return fmt.Errorf("move %s into place: %w", name, err)
			}
		}
		m.log.Info("dependency changes applied", "dir", name)
	}
	if err := os.RemoveAll(m.tempDir); err != nil {
		return fmt.Errorf("clean temp dir: %w", err)
	}
	if err := os.MkdirAll(m.tempDir, 0o750); err != nil {
		return fmt.Errorf("recreate temp dir: %w", err)
	}
	m.log.Warn("all pending installations applied")
	return nil
}

// Archives lists archived versions of a target directory, newest name first.
func (m *Manager) Archives(targetDir string) []string {
	entries, err := os.ReadDir(m.oldDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), targetDir+"_") {
			out = append(out, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

// Recover makes an archived version the active one; the current install is
// archived first.
func (m *Manager) Recover(key, archive string) error {
	var dep *Dependency
	for i := range m.catalog {
		if m.catalog[i].Key == key {
			dep = &m.catalog[i]
		}
	}
	if dep == nil {
		return fmt.Errorf("unknown dependency %q", key)
	}
	if archive == "" || strings.ContainsAny(archive, `/\`) || !strings.HasPrefix(archive, dep.TargetDir+"_") {
		return fmt.Errorf("archive %q does not belong to %s", archive, dep.TargetDir)
	}
	src := filepath.Join(m.oldDir, archive)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return fmt.Errorf("archive %q not found", archive)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.archiveCurrent(dep.TargetDir); err != nil {
		return err
	}
	if err := os.Rename(src, filepath.Join(m.externalDir, dep.TargetDir)); err != nil {
		return fmt.Errorf("restore %s: %w", archive, err)
	}
	m.log.Info("recovered archived dependency", "dependency", dep.Name, "archive", archive)
	return nil
}

func (m *Manager) archiveCurrent(targetDir string) error {
	target := filepath.Join(m.externalDir, targetDir)
	if fi, err := os.Stat(target); err != nil || !fi.IsDir() {
		return nil
	}
	var name string
	versions := m.versionsIn(target, targetDir)
	if len(versions) == 0 {
		name = fmt.Sprintf("%s_unknown_%d", targetDir, m.now().Unix())
	} else {
		keys := make([]string, 0, len(versions))
		for k := range versions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"-"+versions[k])
		}
		name = targetDir + "_" + strings.Join(parts, "_")
	}
	if err := os.MkdirAll(m.oldDir, 0o750); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(m.oldDir, name)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("replace archive %s: %w", name, err)
	}
	m.log.Info("archiving current dependency", "dir", targetDir, "archive", dst)
	if err := os.Rename(target, dst); err != nil {
		return fmt.Errorf("archive %s: %w", targetDir, err)
	}
	return nil
}

func (m *Manager) latestVersion(ctx context.Context, d Dependency) (string, error) {
	re, err := regexp.Compile(d.VersionRegex)
	if err != nil {
		return "", fmt.Errorf("version pattern for %s: %w", d.Name, err)
	}
	var buf bytes.Buffer
	if _, err := m.fetch.Fetch(ctx, d.VersionURL, &limitWriter{w: &buf, n: maxVersionBody}); err != nil {
		return "", err
	}
	match := re.FindSubmatch(buf.Bytes())
	if len(match) < 2 {
		return "", fmt.Errorf("could not parse version from %s", d.VersionURL)
	}
	v := string(match[1])
	m.log.Debug("latest version", "dependency", d.Name, "version", v)
	return v, nil
}

// install downloads and extracts one dependency into the temp directory and
// records its version there.
func (m *Manager) install(ctx context.Context, d Dependency, version string) error {
	if err := os.MkdirAll(m.tempDir, 0o750); err != nil {
		return err
	}
	url := d.url(version)
	archive := filepath.Join(m.tempDir, path.Base(url))
	f, err := os.Create(archive)
	if err != nil {
		return err
	}
	m.log.Info("downloading", "dependency", d.Name, "url", url)
	_, ferr := m.fetch.Fetch(ctx, url, f)
	cerr := f.Close()
	defer func() { _ = os.Remove(archive) }()
	if err := errors.Join(ferr, cerr); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	staged := filepath.Join(m.tempDir, d.TargetDir)
	if err := unzip(archive, d.archivePath(version), staged); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}

	if m.shared(d.TargetDir) {
		versions := m.versionsIn(staged, d.TargetDir)
		versions[d.Key] = version
		return writeVersions(staged, versions)
	}
	return os.WriteFile(filepath.Join(staged, versionFile), []byte(version), 0o644)
}

func writeVersions(dir string, versions map[string]string) error {
	b, err := json.MarshalIndent(versions, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, versionsFileJSON), b, 0o644)
}

// unzip extracts the entries of archive under prefix (or all entries when
// prefix is empty) into dst, stripping the prefix.
func unzip(archive, prefix, dst string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	extracted := 0
	for _, zf := range r.File {
		name := zf.Name
		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return err
		}
		extracted++
	}
	if extracted == 0 {
		return fmt.Errorf("nothing to extract under %q", prefix)
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	mode := zf.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	// #nosec G110 -- archives come from the configured release URLs
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// copyTree merges src into dst, overwriting files that exist in both.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

type limitWriter struct {
	w io.Writer
	n int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errors.New("response too large")
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= int64(n)
	return n, err
}
