package health

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/recorder/internal/ffmpeg"
)

// Check names.
const (
	CheckFFmpeg  = "ffmpeg"
	CheckDisplay = "display"
	CheckDisk    = "disk_space"
)

// ErrInsufficientDisk is returned when the output volume is below the
// configured free-space floor.
var ErrInsufficientDisk = errors.New("insufficient disk space")

// PreflightOptions selects what the preflight checks look at.
type PreflightOptions struct {
	FFmpegPath string
	// Display overrides $DISPLAY.
	Display string
	// OutputDir is the directory recordings are written to.
	OutputDir string
	// MinFreeBytes is the free-space floor; zero skips the disk check.
	MinFreeBytes uint64
}

// Hooks used by the checks. Tests replace them.
var (
	locateFFmpeg  = ffmpeg.Locate
	ffmpegVersion = ffmpeg.Version
	diskUsage     = func(path string) (uint64, error) {
		u, err := disk.Usage(path)
		if err != nil {
			return 0, err
		}
		return u.Free, nil
	}
)

// Preflight runs every check and returns the populated monitor.
func Preflight(opts PreflightOptions) *Monitor {
	m := NewMonitor()
	checkFFmpeg(m, opts.FFmpegPath)
	checkDisplay(m, opts.Display)
	if opts.MinFreeBytes > 0 {
		checkDisk(m, opts.OutputDir, opts.MinFreeBytes)
	}
	return m
}

func checkFFmpeg(m *Monitor, path string) {
	resolved, err := locateFFmpeg(path)
	if err != nil {
		m.Update(CheckFFmpeg, Unhealthy, err.Error())
		return
	}
	version, err := ffmpegVersion(resolved)
	if err != nil {
		m.Update(CheckFFmpeg, Degraded, fmt.Sprintf("%s: %v", resolved, err))
		return
	}
	m.Update(CheckFFmpeg, Healthy, version)
}

func checkDisplay(m *Monitor, display string) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		m.Update(CheckDisplay, Unhealthy, "DISPLAY is not set")
		return
	}
	m.Update(CheckDisplay, Healthy, display)
}

func checkDisk(m *Monitor, dir string, minFree uint64) {
	if err := CheckFreeSpace(dir, minFree); err != nil {
		status := Unhealthy
		if !errors.Is(err, ErrInsufficientDisk) {
			status = Unknown
		}
		m.Update(CheckDisk, status, err.Error())
		return
	}
	m.Update(CheckDisk, Healthy, fmt.Sprintf("at least %s free on %s", humanize.Bytes(minFree), volumeDir(dir)))
}

// CheckFreeSpace verifies the volume holding dir has at least minFree bytes
// available.
func CheckFreeSpace(dir string, minFree uint64) error {
	dir = volumeDir(dir)
	free, err := diskUsage(dir)
	if err != nil {
		return fmt.Errorf("check disk space on %s: %w", dir, err)
	}
	if free < minFree {
		return fmt.Errorf("%w on %s: %s free, %s required", ErrInsufficientDisk, dir,
			humanize.Bytes(free), humanize.Bytes(minFree))
	}
	return nil
}

// volumeDir returns the nearest existing directory for dir.
func volumeDir(dir string) string {
	if dir == "" {
		dir = "."
	}
	dir = filepath.Clean(dir)
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
