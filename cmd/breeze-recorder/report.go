package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/recorder/internal/archive"
	"github.com/breeze-rmm/recorder/internal/recorder"
)

// sessionReport is the --report summary of one recording.
type sessionReport struct {
	SessionID   string                        `json:"sessionId" yaml:"sessionId"`
	WindowID    string                        `json:"windowId" yaml:"windowId"`
	Output      string                        `json:"output" yaml:"output"`
	Mode        string                        `json:"mode" yaml:"mode"`
	State       string                        `json:"state" yaml:"state"`
	Error       string                        `json:"error,omitempty" yaml:"error,omitempty"`
	Frames      uint64                        `json:"frames" yaml:"frames"`
	DurationMs  int64                         `json:"durationMs" yaml:"durationMs"`
	Diagnostics *recorder.DiagnosticsSnapshot `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Archive     *archive.Result               `json:"archive,omitempty" yaml:"archive,omitempty"`
	GeneratedAt time.Time                     `json:"generatedAt" yaml:"generatedAt"`
}

func newSessionReport(res *recorder.Result, archived *archive.Result, err error) sessionReport {
	r := sessionReport{Archive: archived, GeneratedAt: time.Now().UTC()}
	if res != nil {
		r.SessionID = res.SessionID
		r.WindowID = fmt.Sprintf("0x%x", res.WindowID)
		r.Output = res.OutputPath
		r.Mode = string(res.Mode)
		r.State = res.State.String()
		r.Frames = res.FramesAppended
		r.DurationMs = res.Duration.Milliseconds()
		d := res.Diagnostics
		r.Diagnostics = &d
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// writeReport writes r as JSON when path ends in .json, YAML otherwise.
func writeReport(path string, r sessionReport) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(r, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(r)
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
