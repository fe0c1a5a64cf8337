package media

import "errors"

// Fatal conditions. Any of these ends the session.
var (
	// ErrCaptureUnavailable is returned when the target window cannot be
	// captured: not found, closed, or access denied.
	ErrCaptureUnavailable = errors.New("window capture unavailable")

	// ErrInvalidDimensions is returned when a captured or negotiated frame
	// size is zero or has an odd axis.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")

	// ErrWriterInitialization is returned when the container cannot accept
	// the negotiated video or audio track, or the output cannot be opened.
	ErrWriterInitialization = errors.New("container writer initialization failed")

	// ErrWriterWrite is returned when the container writer enters a failed
	// state while appending or finalizing.
	ErrWriterWrite = errors.New("container writer failed")
)

// Degraded conditions. The session continues without the affected feature.
var (
	// ErrAudioFormatUnsupported is returned when both the preferred and the
	// fallback audio track settings were refused.
	ErrAudioFormatUnsupported = errors.New("audio format unsupported")
)

// Recoverable per-sample conditions. The sample is dropped and counted.
var (
	// ErrNotReady means the track cannot take more data right now.
	ErrNotReady = errors.New("track not ready for more data")

	// ErrOutOfOrder means the timestamp does not advance the track.
	ErrOutOfOrder = errors.New("sample timestamp out of order")
)

// IsRecoverable reports whether err only costs the current sample.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrOutOfOrder)
}
