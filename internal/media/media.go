// Package media holds the sample types that flow between capture sources,
// the recorder and the container writer.
package media

import (
	"fmt"
	"time"
)

// FrameStatus tags a pushed video sample with what the capture service
// knows about its content.
type FrameStatus int

const (
	// StatusComplete is a normal frame with fresh pixel content.
	StatusComplete FrameStatus = iota
	// StatusIdle means nothing changed since the previous frame. Idle
	// samples carry a timestamp but no pixels.
	StatusIdle
	// StatusBlank is a frame with no usable content (all black).
	StatusBlank
	// StatusSuspended is emitted while capture is paused by the platform
	// (screen locked, screensaver active).
	StatusSuspended
)

func (s FrameStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusIdle:
		return "idle"
	case StatusBlank:
		return "blank"
	case StatusSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PixelFormat is the byte order of a 32-bit pixel buffer.
type PixelFormat int

const (
	PixelFormatRGBA PixelFormat = iota
	PixelFormatBGRA
)

// VideoFrame is one captured window image.
type VideoFrame struct {
	Pix         []byte
	Stride      int
	Width       int
	Height      int
	PixelFormat PixelFormat

	// PTS is the capture time on the media clock (see Now).
	PTS    time.Duration
	Status FrameStatus

	release func(*VideoFrame)
}

// HasPixels reports whether the frame carries a pixel buffer large enough
// for its declared geometry.
func (f *VideoFrame) HasPixels() bool {
	if f == nil || f.Width <= 0 || f.Height <= 0 || f.Stride < f.Width*4 {
		return false
	}
	return len(f.Pix) >= f.Stride*(f.Height-1)+f.Width*4
}

// Clone returns a deep copy of the frame. The copy owns its pixel memory and
// is never returned to a pool, so it stays valid after the source buffer is
// recycled.
func (f *VideoFrame) Clone() *VideoFrame {
	if f == nil {
		return nil
	}
	cp := *f
	cp.release = nil
	if f.Pix != nil {
		cp.Pix = make([]byte, len(f.Pix))
		copy(cp.Pix, f.Pix)
	}
	return &cp
}

// Release hands the pixel buffer back to the pool it came from. Safe to call
// on frames that were not pooled and safe to call more than once.
func (f *VideoFrame) Release() {
	if f == nil || f.release == nil {
		return
	}
	rel := f.release
	f.release = nil
	rel(f)
}

// Codec names used in AudioFormat.
const (
	CodecAAC = "aac"
)

// AudioFormat describes the encoding of an audio sample stream.
type AudioFormat struct {
	Codec      string
	SampleRate int
	Channels   int
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Codec, f.SampleRate, f.Channels)
}

// AudioSample is one encoded audio packet. AAC packets are ADTS framed and
// decode to SamplesPerPacket PCM samples per channel.
type AudioSample struct {
	Data   []byte
	PTS    time.Duration
	Format AudioFormat
}

// SamplesPerPacket is the AAC-LC frame length.
const SamplesPerPacket = 1024

// Clone returns a deep copy of the sample.
func (s *AudioSample) Clone() *AudioSample {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Data != nil {
		cp.Data = make([]byte, len(s.Data))
		copy(cp.Data, s.Data)
	}
	return &cp
}

// EvenDimensions reports whether width and height are both non-zero and
// divisible by two, as required by 4:2:0 H.264 encoding.
func EvenDimensions(width, height int) bool {
	return width > 0 && height > 0 && width%2 == 0 && height%2 == 0
}

// AACSampleRates is the MPEG-4 sampling frequency table, indexed by the
// sampling_frequency_index of an AudioSpecificConfig or ADTS header.
var AACSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000,
	22050, 16000, 12000, 11025, 8000, 7350,
}

// AACFrequencyIndex returns the table index of rate.
func AACFrequencyIndex(rate int) (int, bool) {
	for i, r := range AACSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}
