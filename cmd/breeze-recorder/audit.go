package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/archive"
	"github.com/breeze-rmm/recorder/internal/audit"
	"github.com/breeze-rmm/recorder/internal/recorder"
)

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit [path]",
	Short: "Check the hash chain of the session audit log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.AuditLog
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("no audit log configured (set audit_log or pass a path)")
		}
		n, err := audit.Verify(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

// openAudit returns the configured audit logger, or nil when auditing is off
// or the log cannot be opened. A nil *audit.Logger is safe to use.
func openAudit() *audit.Logger {
	if cfg.AuditLog == "" {
		return nil
	}
	l, err := audit.NewLogger(cfg.AuditLog, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Warn("audit log unavailable", "path", cfg.AuditLog, "error", err.Error())
		return nil
	}
	return l
}

func auditStarted(al *audit.Logger, s recorder.Session) {
	al.Log(audit.EventRecordingStarted, s.ID, map[string]any{
		"windowId": fmt.Sprintf("0x%x", s.WindowID),
		"output":   s.OutputPath,
		"fps":      s.FPS,
		"audio":    s.Audio,
		"mode":     string(s.Mode),
	})
}

func auditFinished(al *audit.Logger, res *recorder.Result) {
	if res == nil {
		return
	}
	details := map[string]any{
		"state":      res.State.String(),
		"frames":     res.FramesAppended,
		"durationMs": res.Duration.Milliseconds(),
	}
	event := audit.EventRecordingStopped
	if res.Err != nil {
		event = audit.EventRecordingFailed
		details["error"] = res.Err.Error()
	}
	al.Log(event, res.SessionID, details)
}

func auditArchived(al *audit.Logger, sessionID string, archived *archive.Result, err error) {
	if err != nil {
		al.Log(audit.EventArchiveFailed, sessionID, map[string]any{"error": err.Error()})
		return
	}
	al.Log(audit.EventRecordingArchived, sessionID, map[string]any{
		"destination": archived.Destination,
		"bytes":       archived.Bytes,
		"attempts":    archived.Attempts,
		"localKept":   archived.LocalKept,
	})
}
