package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()

	if !strings.HasPrefix(info, "callagent version ") {
		t.Errorf("version info should start with 'callagent version', got %q", info)
	}
	if !strings.Contains(info, runtime.Version()) {
		t.Errorf("version info should contain Go version %s", runtime.Version())
	}
}

func TestGetVersionInfoWithCustomValues(t *testing.T) {
	originalVersion, originalCommit, originalBuildTime := Version, GitCommit, BuildTime
	defer func() {
		Version, GitCommit, BuildTime = originalVersion, originalCommit, originalBuildTime
	}()

	Version = "v1.0.0"
	GitCommit = "abc123"
	BuildTime = "2024-01-01T00:00:00Z"

	i := Get()
	if i.Version != "v1.0.0" || i.GitCommit != "abc123" || i.BuildTime != "2024-01-01T00:00:00Z" {
		t.Errorf("link-time values should win over build info, got %+v", i)
	}
	if !strings.Contains(GetVersionInfo(), "v1.0.0") {
		t.Error("version info should contain custom version")
	}
}
