package health

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func stubHooks(t *testing.T, locate func(string) (string, error), version func(string) (string, error), free func(string) (uint64, error)) {
	t.Helper()
	origLocate, origVersion, origUsage := locateFFmpeg, ffmpegVersion, diskUsage
	t.Cleanup(func() {
		locateFFmpeg, ffmpegVersion, diskUsage = origLocate, origVersion, origUsage
	})
	if locate != nil {
		locateFFmpeg = locate
	}
	if version != nil {
		ffmpegVersion = version
	}
	if free != nil {
		diskUsage = free
	}
}

func found(string) (string, error) { return "/usr/bin/ffmpeg", nil }
func versionOK(string) (string, error) { return "ffmpeg version 6.1.1", nil }
func plenty(string) (uint64, error) { return 50 << 30, nil }
func missing(p string) (string, error) { return "", errors.New("ffmpeg binary not found: " + p) }
func nearlyFull(string) (uint64, error) { return 10 << 20, nil }
func usageFails(string) (uint64, error) { return 0, errors.New("statfs failed") }
func versionFails(string) (string, error) { return "", errors.New("exit status 1") }

func TestPreflightAllHealthy(t *testing.T) {
	stubHooks(t, found, versionOK, plenty)

	m := Preflight(PreflightOptions{Display: ":0", OutputDir: t.TempDir(), MinFreeBytes: 1 << 30})
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want healthy: %+v", got, m.All())
	}
	all := m.All()
	if len(all) != 3 || all[0].Name != CheckFFmpeg || all[2].Name != CheckDisk {
		t.Fatalf("checks = %+v", all)
	}
	if c, _ := m.Get(CheckFFmpeg); c.Message != "ffmpeg version 6.1.1" {
		t.Fatalf("ffmpeg message = %q", c.Message)
	}
}

func TestPreflightFailures(t *testing.T) {
	tests := []struct {
		name    string
		locate  func(string) (string, error)
		version func(string) (string, error)
		free    func(string) (uint64, error)
		display string
		check   string
		want    Status
	}{
		{name: "ffmpeg missing", locate: missing, display: ":0", check: CheckFFmpeg, want: Unhealthy},
		{name: "ffmpeg broken", version: versionFails, display: ":0", check: CheckFFmpeg, want: Degraded},
		{name: "low disk", free: nearlyFull, display: ":0", check: CheckDisk, want: Unhealthy},
		{name: "disk unreadable", free: usageFails, display: ":0", check: CheckDisk, want: Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubHooks(t, found, versionOK, plenty)
			stubHooks(t, tt.locate, tt.version, tt.free)

			m := Preflight(PreflightOptions{Display: tt.display, OutputDir: t.TempDir(), MinFreeBytes: 1 << 30})
			c, ok := m.Get(tt.check)
			if !ok {
				t.Fatalf("check %s missing", tt.check)
			}
			if c.Status != tt.want {
				t.Fatalf("%s status = %q, want %q (%s)", tt.check, c.Status, tt.want, c.Message)
			}
			if m.Overall() == Healthy {
				t.Fatal("overall should not be healthy")
			}
		})
	}
}

func TestPreflightDisplayUnset(t *testing.T) {
	stubHooks(t, found, versionOK, plenty)
	t.Setenv("DISPLAY", "")

	m := Preflight(PreflightOptions{})
	c, _ := m.Get(CheckDisplay)
	if c.Status != Unhealthy {
		t.Fatalf("display status = %q, want unhealthy", c.Status)
	}
	if _, ok := m.Get(CheckDisk); ok {
		t.Fatal("disk check should be skipped without a floor")
	}
}

func TestCheckFreeSpaceUsesExistingParent(t *testing.T) {
	var asked string
	stubHooks(t, nil, nil, func(p string) (uint64, error) {
		asked = p
		return 5 << 20, nil
	})
	dir := t.TempDir()

	err := CheckFreeSpace(filepath.Join(dir, "not", "yet", "created"), 1<<30)
	if !errors.Is(err, ErrInsufficientDisk) {
		t.Fatalf("err = %v, want ErrInsufficientDisk", err)
	}
	if asked != dir {
		t.Fatalf("usage queried for %q, want %q", asked, dir)
	}
	if !strings.Contains(err.Error(), "5.2 MB free") {
		t.Fatalf("message %q should carry a human-readable size", err.Error())
	}
}
