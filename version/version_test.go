package version

import (
	"runtime"
	"testing"
)

func setBuild(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, GitCommit, BuildTime
	t.Cleanup(func() {
		Version, GitCommit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, GitCommit, BuildTime = version, commit, buildTime
}

func TestFull(t *testing.T) {
	tests := []struct {
		name      string
		commit    string
		buildTime string
		want      string
	}{
		{"version only", "", "", "1.0.0"},
		{"with commit", "abc1234", "", "1.0.0-abc1234"},
		{"with build time", "", "2026-10-18T12:00:00Z", "1.0.0 (2026-10-18T12:00:00Z)"},
		{"complete", "abc1234", "2026-10-18T12:00:00Z", "1.0.0-abc1234 (2026-10-18T12:00:00Z)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuild(t, "1.0.0", tt.commit, tt.buildTime)
			if got := Full(); got != tt.want {
				t.Errorf("Full() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	setBuild(t, "2.1.0", "def5678", "2026-10-18T12:00:00Z")

	info := Get()
	if info.Version != "2.1.0" || info.Commit != "def5678" || info.BuildTime != "2026-10-18T12:00:00Z" {
		t.Errorf("Get() = %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestGet_DefaultVersion(t *testing.T) {
	if Get().Version == "" {
		t.Error("Version should never be empty")
	}
}
