package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	// LogRotatePerSession starts each recording in a fresh log file.
	LogRotatePerSession bool `mapstructure:"log_rotate_per_session"`

	DefaultFPS  int    `mapstructure:"default_fps"`
	MaxFPS      int    `mapstructure:"max_fps"`
	CaptureMode string `mapstructure:"capture_mode"`
	Display     string `mapstructure:"display"`

	AudioDevice     string `mapstructure:"audio_device"`
	AudioSampleRate int    `mapstructure:"audio_sample_rate"`
	AudioChannels   int    `mapstructure:"audio_channels"`
	AudioBitrate    int    `mapstructure:"audio_bitrate"`
	AudioGraceMs    int    `mapstructure:"audio_grace_ms"`
	RequireAudio    bool   `mapstructure:"require_audio"`

	FFmpegPath         string `mapstructure:"ffmpeg_path"`
	VideoEncoder       string `mapstructure:"video_encoder"`
	VideoPreset        string `mapstructure:"video_preset"`
	VideoBitrate       int    `mapstructure:"video_bitrate"`
	MaxPendingFrames   int    `mapstructure:"max_pending_frames"`
	FragmentDurationMs int    `mapstructure:"fragment_duration_ms"`

	MaxIdleHoldMs             int `mapstructure:"max_idle_hold_ms"`
	BackpressureLogIntervalMs int `mapstructure:"backpressure_log_interval_ms"`
	SampleQueueSize           int `mapstructure:"sample_queue_size"`
	MinFreeDiskMB             int `mapstructure:"min_free_disk_mb"`

	ArchiveURL         string `mapstructure:"archive_url"`
	ArchiveDeleteLocal bool   `mapstructure:"archive_delete_local"`
	ArchiveRetries     int    `mapstructure:"archive_retries"`

	S3Region              string `mapstructure:"s3_region"`
	S3AccessKeyID         string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey     string `mapstructure:"s3_secret_access_key"`
	S3Endpoint            string `mapstructure:"s3_endpoint"`
	AzureConnectionString string `mapstructure:"azure_connection_string"`
	GCSCredentialsFile    string `mapstructure:"gcs_credentials_file"`
	B2AccountID           string `mapstructure:"b2_account_id"`
	B2ApplicationKey      string `mapstructure:"b2_application_key"`

	// AuditLog is the hash-chained session audit trail. Empty disables it.
	AuditLog        string `mapstructure:"audit_log"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		LogLevel:                  "info",
		LogFormat:                 "text",
		LogMaxSizeMB:              50,
		LogMaxBackups:             3,
		DefaultFPS:                30,
		MaxFPS:                    120,
		CaptureMode:               "auto",
		AudioSampleRate:           48000,
		AudioChannels:             2,
		AudioBitrate:              128000,
		AudioGraceMs:              500,
		VideoEncoder:              "libx264",
		VideoPreset:               "veryfast",
		VideoBitrate:              2_500_000,
		MaxPendingFrames:          8,
		FragmentDurationMs:        1000,
		MaxIdleHoldMs:             5000,
		BackpressureLogIntervalMs: 1000,
		SampleQueueSize:           64,
		MinFreeDiskMB:             512,
		ArchiveRetries:            3,
		AuditMaxSizeMB:            50,
		AuditMaxBackups:           3,
	}
}

// Load reads cfgFile, or recorder.yaml from the platform config directory and
// the working directory, then applies BREEZE_RECORDER_* environment
// overrides. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_RECORDER")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv overrides reach Unmarshal even
// when the key is absent from the file.
func bindEnv(v *viper.Viper) {
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

var keys = []string{
	"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups", "log_rotate_per_session",
	"default_fps", "max_fps", "capture_mode", "display",
	"audio_device", "audio_sample_rate", "audio_channels", "audio_bitrate", "audio_grace_ms", "require_audio",
	"ffmpeg_path", "video_encoder", "video_preset", "video_bitrate", "max_pending_frames", "fragment_duration_ms",
	"max_idle_hold_ms", "backpressure_log_interval_ms", "sample_queue_size", "min_free_disk_mb",
	"archive_url", "archive_delete_local", "archive_retries",
	"s3_region", "s3_access_key_id", "s3_secret_access_key", "s3_endpoint",
	"azure_connection_string", "gcs_credentials_file", "b2_account_id", "b2_application_key",
	"audit_log", "audit_max_size_mb", "audit_max_backups",
}

func (c *Config) AudioGrace() time.Duration {
	return time.Duration(c.AudioGraceMs) * time.Millisecond
}

func (c *Config) FragmentDuration() time.Duration {
	return time.Duration(c.FragmentDurationMs) * time.Millisecond
}

func (c *Config) MaxIdleHold() time.Duration {
	return time.Duration(c.MaxIdleHoldMs) * time.Millisecond
}

func (c *Config) BackpressureLogInterval() time.Duration {
	return time.Duration(c.BackpressureLogIntervalMs) * time.Millisecond
}

func (c *Config) MinFreeDiskBytes() uint64 {
	if c.MinFreeDiskMB <= 0 {
		return 0
	}
	return uint64(c.MinFreeDiskMB) << 20
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}
