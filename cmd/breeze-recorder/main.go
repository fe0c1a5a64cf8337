package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/recorder"
)

var (
	version = "0.1.0"

	cfgFile    string
	modeFlag   string
	logLevel   string
	logFormat  string
	logFile    string
	reportPath string
	archiveURL string
	auditLog   string

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "breeze-recorder",
	Short: "Breeze window recorder",
	Long:  `Breeze Recorder - records a single X11 window, with optional system audio, to an MP4 file`,

	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// Skips config loading.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Recorder v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/recorder.yaml)")
	flags.StringVar(&modeFlag, "mode", "", "capture mode: auto, polling or streaming")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	flags.StringVar(&reportPath, "report", "", "write a session summary (.json, otherwise YAML)")
	flags.StringVar(&auditLog, "audit-log", "", "append session events to this hash-chained JSONL file")
	flags.StringVar(&archiveURL, "archive", "", "upload the finished recording (file://, s3://, azblob://, gs://, b2://)")

	rootCmd.AddCommand(recordDurationCmd)
	rootCmd.AddCommand(recordStartCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(verifyAuditCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads and validates the config, applies flag overrides and
// initializes logging.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if modeFlag != "" {
		loaded.CaptureMode = modeFlag
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if logFormat != "" {
		loaded.LogFormat = logFormat
	}
	if logFile != "" {
		loaded.LogFile = logFile
	}
	if archiveURL != "" {
		loaded.ArchiveURL = archiveURL
	}
	if auditLog != "" {
		loaded.AuditLog = auditLog
	}

	result := loaded.ValidateTiered()
	if result.HasFatals() {
		return fmt.Errorf("invalid configuration: %w", result.Fatals[0])
	}

	closer, err := logging.Setup(loaded.LogFormat, loaded.LogLevel, loaded.LogFile, loaded.LogMaxSizeMB, loaded.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: log file unavailable: %v\n", err)
	}
	logCloser = closer
	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w.Error())
	}

	cfg = loaded
	return nil
}

var log = logging.L("main")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
		os.Exit(1)
	}
}

// errorMessage renders err as the single line the wrapper shows the user.
func errorMessage(err error) string {
	if recorder.IsUserError(err) {
		return fmt.Sprintf("Error: %v (see 'breeze-recorder --help')", err)
	}
	return fmt.Sprintf("Error: %v", err)
}
