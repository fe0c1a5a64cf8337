package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/archive"
	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/recorder"
)

var recordDurationCmd = &cobra.Command{
	Use:   "record-window-duration <window_id> <output_path> <duration_seconds> [fps] [audio]",
	Short: "Record a window for a fixed duration",
	Long: `Record a window for a fixed number of seconds. SIGINT or SIGTERM stop the
recording early; the file is finalized either way.`,
	Args: cobra.RangeArgs(3, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseRecordArgs(args, true, cfg)
		if err != nil {
			return err
		}
		return record(cmd.Context(), req)
	},
}

var recordStartCmd = &cobra.Command{
	Use:   "record-window-start <window_id> <output_path> [fps] [audio]",
	Short: "Record a window until interrupted",
	Long:  `Record a window until SIGINT or SIGTERM is received, then finalize the file.`,
	Args:  cobra.RangeArgs(2, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseRecordArgs(args, false, cfg)
		if err != nil {
			return err
		}
		return record(cmd.Context(), req)
	},
}

type recordRequest struct {
	WindowID   uint64
	OutputPath string
	// Duration is zero for open-ended recordings.
	Duration time.Duration
	FPS      int
	Audio    bool
}

// parseRecordArgs parses the positional arguments of both record commands:
// window id, output path, the duration when timed, then optional fps and
// audio flag.
func parseRecordArgs(args []string, timed bool, c *config.Config) (recordRequest, error) {
	req := recordRequest{FPS: c.DefaultFPS}

	id, err := capture.ParseWindowID(args[0])
	if err != nil {
		return req, fmt.Errorf("%w: %v", recorder.ErrInvalidOptions, err)
	}
	req.WindowID = id

	if strings.TrimSpace(args[1]) == "" {
		return req, fmt.Errorf("%w: output path is empty", recorder.ErrInvalidOptions)
	}
	req.OutputPath = args[1]

	rest := args[2:]
	if timed {
		secs, err := strconv.ParseFloat(rest[0], 64)
		if err != nil || secs <= 0 {
			return req, fmt.Errorf("%w: duration %q must be a positive number of seconds", recorder.ErrInvalidOptions, rest[0])
		}
		req.Duration = time.Duration(secs * float64(time.Second))
		rest = rest[1:]
	}

	if len(rest) > 0 {
		fps, err := strconv.Atoi(rest[0])
		if err != nil || fps < 1 || fps > c.MaxFPS {
			return req, fmt.Errorf("%w: fps %q must be between 1 and %d", recorder.ErrInvalidOptions, rest[0], c.MaxFPS)
		}
		req.FPS = fps
		rest = rest[1:]
	}

	if len(rest) > 0 {
		v := strings.TrimPrefix(strings.ToLower(rest[0]), "audio=")
		audio, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("%w: audio %q must be true or false", recorder.ErrInvalidOptions, rest[0])
		}
		req.Audio = audio
	}
	if c.RequireAudio {
		req.Audio = true
	}
	return req, nil
}

func sessionOptions(req recordRequest, c *config.Config) (recorder.Options, error) {
	mode, err := recorder.ParseMode(c.CaptureMode)
	if err != nil {
		return recorder.Options{}, err
	}
	return recorder.Options{
		WindowID:                req.WindowID,
		OutputPath:              req.OutputPath,
		FPS:                     req.FPS,
		Audio:                   req.Audio,
		RequireAudio:            c.RequireAudio,
		Mode:                    mode,
		Display:                 c.Display,
		AudioGrace:              c.AudioGrace(),
		MaxIdleHold:             c.MaxIdleHold(),
		BackpressureLogInterval: c.BackpressureLogInterval(),
		SampleQueueSize:         c.SampleQueueSize,
		MaxPendingFrames:        c.MaxPendingFrames,
		FragmentDuration:        c.FragmentDuration(),
		Encoder: encoder.Config{
			FPS:        req.FPS,
			Bitrate:    c.VideoBitrate,
			Encoder:    c.VideoEncoder,
			Preset:     c.VideoPreset,
			FFmpegPath: c.FFmpegPath,
		},
		Pulse: capture.PulseOptions{
			FFmpegPath: c.FFmpegPath,
			Device:     c.AudioDevice,
			SampleRate: c.AudioSampleRate,
			Channels:   c.AudioChannels,
			Bitrate:    c.AudioBitrate,
		},
	}, nil
}

func record(ctx context.Context, req recordRequest) error {
	dir := filepath.Dir(req.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := health.CheckFreeSpace(dir, cfg.MinFreeDiskBytes()); err != nil {
		return err
	}

	opts, err := sessionOptions(req, cfg)
	if err != nil {
		return err
	}
	if cfg.LogRotatePerSession {
		if err := logging.RotateFile(); err != nil {
			log.Warn("log rotation failed", "error", err.Error())
		}
	}
	al := openAudit()
	defer al.Close()
	opts.OnStart = func(s recorder.Session) { auditStarted(al, s) }

	c, err := recorder.New(opts)
	if err != nil {
		return err
	}

	releaseSignal := recorder.StopOnSignal(c)
	defer releaseSignal()
	if req.Duration > 0 {
		releaseTimer := recorder.StopAfter(req.Duration, c)
		defer releaseTimer()
	}

	res, runErr := c.Start(ctx)
	auditFinished(al, res)

	var archived *archive.Result
	if runErr == nil && cfg.ArchiveURL != "" {
		archived, runErr = archiveRecording(ctx, req.OutputPath)
		auditArchived(al, res.SessionID, archived, runErr)
	}

	if reportPath != "" {
		if err := writeReport(reportPath, newSessionReport(res, archived, runErr)); err != nil {
			log.Warn("failed to write session report", "path", reportPath, "error", err.Error())
		}
	}
	if runErr != nil {
		return runErr
	}

	if archived != nil && !archived.LocalKept {
		fmt.Println(archived.Destination)
		return nil
	}
	fmt.Println(res.OutputPath)
	return nil
}

func archiveRecording(ctx context.Context, path string) (*archive.Result, error) {
	a, err := archive.New(ctx, archive.Options{
		URL:         cfg.ArchiveURL,
		Retries:     cfg.ArchiveRetries,
		DeleteLocal: cfg.ArchiveDeleteLocal,
		Credentials: archive.Credentials{
			S3Region:              cfg.S3Region,
			S3AccessKeyID:         cfg.S3AccessKeyID,
			S3SecretAccessKey:     cfg.S3SecretAccessKey,
			S3Endpoint:            cfg.S3Endpoint,
			AzureConnectionString: cfg.AzureConnectionString,
			GCSCredentialsFile:    cfg.GCSCredentialsFile,
			B2AccountID:           cfg.B2AccountID,
			B2ApplicationKey:      cfg.B2ApplicationKey,
		},
	})
	if err != nil {
		return nil, err
	}
	return a.Archive(ctx, path)
}
