package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""

	readBuildInfo = debug.ReadBuildInfo
)

const shortRevisionLen = 7

// BuildVersion prefers the ldflags version, then the module version, then
// "dev" tagged with the VCS revision the binary was built from.
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" && version != "dev" {
		return version
	}
	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	if rev := buildSetting(info, "vcs.revision"); rev != "" {
		if len(rev) > shortRevisionLen {
			rev = rev[:shortRevisionLen]
		}
		if buildSetting(info, "vcs.modified") == "true" {
			rev += "-dirty"
		}
		return "dev+" + rev
	}

	return "dev"
}

// BuildDateYMD returns the build date as YYYY-MM-DD, falling back to the commit time.
func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		if info, ok := readBuildInfo(); ok {
			raw = buildSetting(info, "vcs.time")
		}
	}
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC().Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		date := raw[:len(time.DateOnly)]
		if _, err := time.Parse(time.DateOnly, date); err == nil {
			return date
		}
	}

	return raw
}

func BuildVersionWithDate() string {
	version := BuildVersion()
	if buildDate := BuildDateYMD(); buildDate != "" {
		return fmt.Sprintf("%s (%s)", version, buildDate)
	}

	return version
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}

	return ""
}
