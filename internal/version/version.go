package version

import (
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X github.com/lumia1998/AnuNeko/internal/version.Version=...".
var (
	Name    = "anuneko-openai"
	Version = "v0.1.0"
	Commit  = ""
	BuiltAt = ""
)

var readBuildInfo = debug.ReadBuildInfo

// Build describes the running binary.
type Build struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"built_at"`
	GoVersion string `json:"go_version,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Current merges the linker-provided values with the VCS stamp embedded by
// the go tool. Linker values win.
func Current() Build {
	b := Build{Name: Name, Version: Version, Commit: Commit, BuiltAt: BuiltAt}
	if info, ok := readBuildInfo(); ok && info != nil {
		b.GoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.BuiltAt == "" {
					b.BuiltAt = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.BuiltAt == "" {
		b.BuiltAt = "unknown"
	}
	return b
}

// Info returns "name version".
func Info() string {
	return Name + " " + Version
}

// FullInfo returns the build as space separated key=value pairs for logs.
func FullInfo() string {
	b := Current()
	parts := []string{
		"name=" + b.Name,
		"version=" + b.Version,
		"commit=" + b.Commit,
		"built_at=" + b.BuiltAt,
	}
	if b.GoVersion != "" {
		parts = append(parts, "go="+b.GoVersion)
	}
	if b.Modified {
		parts = append(parts, "dirty=true")
	}
	return strings.Join(parts, " ")
}
