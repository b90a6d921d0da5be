package deps

import (
	"runtime"
	"strings"
)

// Dependency describes one external binary bundle and where to fetch it.
type Dependency struct {
	Key  string
	Name string
	// VersionURL is fetched and matched against VersionRegex; the first
	// capture group is the latest version.
	VersionURL   string
	VersionRegex string
	// URLTemplate is the archive URL; "{version}" is substituted.
	URLTemplate string
	// TargetDir is the directory under the external dir. Several
	// dependencies may share one.
	TargetDir string
	// ArchivePath is the directory inside the zip to extract; "{version}" is
	// substituted. Empty extracts the whole archive.
	ArchivePath string
}

// Manual reports whether the dependency has no download source and must be
// installed by the operator.
func (d Dependency) Manual() bool { return d.URLTemplate == "" || d.VersionURL == "" }

func (d Dependency) url(version string) string {
	return strings.ReplaceAll(d.URLTemplate, "{version}", version)
}

func (d Dependency) archivePath(version string) string {
	return strings.ReplaceAll(d.ArchivePath, "{version}", version)
}

// DefaultCatalog returns the bundles the stack needs on goos/goarch. Nginx
// and FFmpeg are only published as zip builds for Windows; elsewhere they are
// expected to be installed under the external dir by the operator.
func DefaultCatalog(goos, goarch string) []Dependency {
	grafanaSuffix := goos + "-" + goarch
	if goos == "windows" {
		grafanaSuffix += ".exe"
	}
	deps := []Dependency{
		{
			Key:          "nginx",
			Name:         "Nginx",
			VersionURL:   "https://api.github.com/repos/nginx/nginx/releases/latest",
			VersionRegex: `"tag_name":\s*"release-([\d\.]+)"`,
			TargetDir:    "nginx",
		},
		{
			Key:          "ffmpeg",
			Name:         "FFmpeg",
			VersionURL:   "https://www.gyan.dev/ffmpeg/builds/release-version",
			VersionRegex: `([\d\.]+)`,
			TargetDir:    "ffmpeg",
		},
		{
			Key:          "loki",
			Name:         "Grafana Loki",
			VersionURL:   "https://api.github.com/repos/grafana/loki/releases/latest",
			VersionRegex: `"tag_name":\s*"v([\d\.]+)"`,
			URLTemplate:  "https://github.com/grafana/loki/releases/download/v{version}/loki-" + grafanaSuffix + ".zip",
			TargetDir:    "grafana",
		},
		{
			Key:          "alloy",
			Name:         "Grafana Alloy",
			VersionURL:   "https://api.github.com/repos/grafana/alloy/releases/latest",
			VersionRegex: `"tag_name":\s*"v([\d\.]+)"`,
			URLTemplate:  "https://github.com/grafana/alloy/releases/download/v{version}/alloy-" + grafanaSuffix + ".zip",
			TargetDir:    "grafana",
		},
	}
	if goos == "windows" {
		deps[0].URLTemplate = "https://nginx.org/download/nginx-{version}.zip"
		deps[0].ArchivePath = "nginx-{version}/"
		deps[1].URLTemplate = "https://www.gyan.dev/ffmpeg/builds/ffmpeg-release-essentials.zip"
		deps[1].ArchivePath = "ffmpeg-{version}-essentials_build/"
	}
	return deps
}

// HostCatalog is DefaultCatalog for the running platform.
func HostCatalog() []Dependency { return DefaultCatalog(runtime.GOOS, runtime.GOARCH) }
