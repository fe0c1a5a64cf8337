package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/breeze-rmm/recorder/internal/archive"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/media"
)

// Hard ceiling for max_fps; the capture loop cannot keep up beyond it.
const fpsCeiling = 120

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validCaptureModes = map[string]bool{
	"":          true,
	"auto":      true,
	"polling":   true,
	"streaming": true,
}

// ValidationResult separates problems that must stop the recorder from ones
// that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns every problem found. Out-of-range
// numbers are clamped in place.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

// ValidateTiered checks the config. Values that would break a session
// (unknown capture mode or encoder, unusable archive target, control
// characters in credentials) are fatal; out-of-range numbers are clamped and
// reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}
	fatal := func(format string, args ...any) {
		r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}
	clamp(&c.LogMaxSizeMB, "log_max_size_mb", 1, 1024, warn)
	clamp(&c.LogMaxBackups, "log_max_backups", 0, 20, warn)
	clamp(&c.AuditMaxSizeMB, "audit_max_size_mb", 1, 1024, warn)
	clamp(&c.AuditMaxBackups, "audit_max_backups", 1, 20, warn)

	clamp(&c.MaxFPS, "max_fps", 1, fpsCeiling, warn)
	clamp(&c.DefaultFPS, "default_fps", 1, c.MaxFPS, warn)

	if !validCaptureModes[strings.ToLower(strings.TrimSpace(c.CaptureMode))] {
		fatal("capture_mode %q is not valid (use auto, polling or streaming)", c.CaptureMode)
	}

	if _, ok := media.AACFrequencyIndex(c.AudioSampleRate); !ok {
		warn("audio_sample_rate %d is not an AAC sampling rate, using 48000", c.AudioSampleRate)
		c.AudioSampleRate = 48000
	}
	clamp(&c.AudioChannels, "audio_channels", 1, 8, warn)
	clamp(&c.AudioBitrate, "audio_bitrate", 32_000, 512_000, warn)
	clamp(&c.AudioGraceMs, "audio_grace_ms", 0, 10_000, warn)

	if c.VideoEncoder != "" && !encoder.Supported(c.VideoEncoder) {
		fatal("video_encoder %q is not supported", c.VideoEncoder)
	}
	clamp(&c.VideoBitrate, "video_bitrate", 100_000, 50_000_000, warn)
	clamp(&c.MaxPendingFrames, "max_pending_frames", 1, 120, warn)
	clamp(&c.FragmentDurationMs, "fragment_duration_ms", 100, 10_000, warn)

	clamp(&c.MaxIdleHoldMs, "max_idle_hold_ms", 0, 3_600_000, warn)
	clamp(&c.BackpressureLogIntervalMs, "backpressure_log_interval_ms", 100, 60_000, warn)
	clamp(&c.SampleQueueSize, "sample_queue_size", 1, 10_000, warn)
	clamp(&c.MinFreeDiskMB, "min_free_disk_mb", 0, 1<<20, warn)

	if c.ArchiveURL != "" {
		if _, err := archive.ParseTarget(c.ArchiveURL); err != nil {
			fatal("archive_url: %w", err)
		}
	}
	clamp(&c.ArchiveRetries, "archive_retries", 1, 10, warn)

	for name, secret := range map[string]string{
		"s3_access_key_id":        c.S3AccessKeyID,
		"s3_secret_access_key":    c.S3SecretAccessKey,
		"azure_connection_string": c.AzureConnectionString,
		"b2_account_id":           c.B2AccountID,
		"b2_application_key":      c.B2ApplicationKey,
	} {
		if hasControlChars(secret) {
			fatal("%s contains control characters", name)
		}
	}

	return r
}

func clamp(v *int, name string, lo, hi int, warn func(string, ...any)) {
	switch {
	case *v < lo:
		warn("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
	case *v > hi:
		warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
	}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
