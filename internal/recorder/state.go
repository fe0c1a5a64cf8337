package recorder

import (
	"errors"
	"fmt"
	"strings"
)

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateStopping
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Mode selects the capture strategy.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModePolling   Mode = "polling"
	ModeStreaming Mode = "streaming"
)

// ParseMode accepts "auto", "polling" or "streaming" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModePolling, ModeStreaming:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown capture mode %q", ErrInvalidOptions, s)
	}
}

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("recording session already active")
	// ErrSessionFinished is returned by Start once the controller's session
	// has ended. Controllers are single-use.
	ErrSessionFinished = errors.New("recording session already finished")
	// ErrNoFrames means the session ended without a single video frame.
	ErrNoFrames = errors.New("no video frames were recorded")
	// ErrInvalidOptions is returned for unusable session options.
	ErrInvalidOptions = errors.New("invalid recording options")
)
