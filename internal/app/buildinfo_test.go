package app

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, version, buildDate string, info *debug.BuildInfo) {
	t.Helper()
	origVersion, origDate, origRead := Version, BuildDate, readBuildInfo
	t.Cleanup(func() {
		Version, BuildDate, readBuildInfo = origVersion, origDate, origRead
	})
	Version, BuildDate = version, buildDate
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return info, info != nil
	}
}

func TestBuildVersion(t *testing.T) {
	devel := &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}
	withRev := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	tagged := &debug.BuildInfo{Main: debug.Module{Version: "v0.4.0"}}

	tests := []struct {
		name    string
		version string
		info    *debug.BuildInfo
		want    string
	}{
		{name: "ldflags wins", version: " 1.2.3 ", info: withRev, want: "1.2.3"},
		{name: "module version", version: "dev", info: tagged, want: "v0.4.0"},
		{name: "dirty revision", version: "", info: withRev, want: "dev+0123456-dirty"},
		{name: "devel without vcs", version: "dev", info: devel, want: "dev"},
		{name: "no build info", version: "", info: nil, want: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubBuildInfo(t, tt.version, "", tt.info)
			if got := BuildVersion(); got != tt.want {
				t.Fatalf("BuildVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildDateYMD(t *testing.T) {
	vcsTime := &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.time", Value: "2026-03-04T23:30:00Z"}}}

	tests := []struct {
		name string
		in   string
		info *debug.BuildInfo
		want string
	}{
		{name: "empty stays empty", in: "", want: ""},
		{name: "rfc3339 formatted", in: "2026-01-30T14:55:03Z", want: "2026-01-30"},
		{name: "date only", in: "2026-01-30", want: "2026-01-30"},
		{name: "unknown format returns as is", in: "not-a-date", want: "not-a-date"},
		{name: "falls back to commit time", in: "", info: vcsTime, want: "2026-03-04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubBuildInfo(t, "dev", tt.in, tt.info)
			if got := BuildDateYMD(); got != tt.want {
				t.Fatalf("BuildDateYMD() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildVersionWithDate(t *testing.T) {
	stubBuildInfo(t, "0.1.2", "2026-01-30T14:55:03Z", nil)
	if got := BuildVersionWithDate(); got != "0.1.2 (2026-01-30)" {
		t.Fatalf("BuildVersionWithDate() = %q", got)
	}
}
