// Package capture produces window frames and system audio samples for a
// recording session, either by pull (Grabber) or by push (Stream).
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
)

var log = logging.L("capture")

// Grabber pulls single frames from one window.
type Grabber interface {
	// Grab captures the window's current contents. Transient conditions
	// (window unmapped, no image) return ErrNoFrame; a destroyed window
	// returns an error wrapping media.ErrCaptureUnavailable.
	Grab() (*media.VideoFrame, error)

	// Bounds returns the window's current size.
	Bounds() (width, height int, err error)

	// Close releases the display connection.
	Close() error
}

// StreamCapable is implemented by grabbers that can back a push Stream at
// full frame rate (shared memory transport available).
type StreamCapable interface {
	SupportsStreaming() bool
}

// StreamHandler receives pushed samples. Callbacks may be invoked from
// different goroutines; the receiver owns each frame and must Release it.
type StreamHandler struct {
	OnVideo func(*media.VideoFrame)
	OnAudio func(*media.AudioSample)
	OnError func(error)
}

// Stream is a push source of status-tagged video frames and audio samples.
type Stream interface {
	// Bounds is the target size the stream was opened with.
	Bounds() (width, height int)
	Start(h StreamHandler) error
	Stop()
}

// AudioSource captures encoded system audio.
type AudioSource interface {
	// Start begins capturing and invokes cb for every encoded packet.
	Start(cb func(*media.AudioSample)) error
	// Stop ends capture. Safe to call more than once.
	Stop()
}

// Options selects the window to capture.
type Options struct {
	// WindowID is the X11 window id.
	WindowID uint64
	// Display overrides $DISPLAY when non-empty.
	Display string
}

// NewWindowCapturer opens a platform grabber for one window.
func NewWindowCapturer(opts Options) (Grabber, error) {
	if opts.WindowID == 0 {
		return nil, fmt.Errorf("%w: window id is zero", media.ErrCaptureUnavailable)
	}
	return newPlatformCapturer(opts)
}

// ErrNotSupported is returned when window capture is not available in this
// build or on this platform.
var ErrNotSupported = errors.New("window capture not supported on this platform")

// ErrNoFrame is returned by Grab when the window exists but has no image to
// offer right now.
var ErrNoFrame = errors.New("window has no image available")

// ErrWindowClosed is returned once the target window has been destroyed.
var ErrWindowClosed = fmt.Errorf("window closed: %w", media.ErrCaptureUnavailable)

// ParseWindowID accepts decimal or 0x-prefixed hex X11 window ids.
func ParseWindowID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var (
		id  uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		id, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		id, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid window id %q", s)
	}
	if id == 0 {
		return 0, fmt.Errorf("invalid window id %q", s)
	}
	return id, nil
}

// isBlank reports whether every pixel in a 32-bit frame is black. The alpha
// byte is ignored.
func isBlank(f *media.VideoFrame) bool {
	if !f.HasPixels() {
		return true
	}
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride : y*f.Stride+f.Width*4]
		for i := 0; i < len(row); i += 4 {
			if row[i] != 0 || row[i+1] != 0 || row[i+2] != 0 {
				return false
			}
		}
	}
	return true
}
