// Package encoder turns captured window frames into H.264 access units.
package encoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
)

var log = logging.L("encoder")

// EncoderAuto selects a hardware encoder when ffmpeg has a working one and
// falls back to libx264.
const EncoderAuto = "auto"

var (
	ErrInvalidFPS         = errors.New("invalid fps")
	ErrInvalidBitrate     = errors.New("invalid bitrate")
	ErrUnsupportedEncoder = errors.New("unsupported video encoder")
	ErrFrameSize          = errors.New("frame size does not match encoder")
	ErrClosed             = errors.New("encoder closed")
)

// Config describes one encoding session. Width and Height are fixed for the
// encoder's lifetime.
type Config struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
	// Encoder is an ffmpeg encoder name (libx264, libopenh264, h264_nvenc,
	// h264_qsv) or EncoderAuto.
	Encoder    string
	Preset     string
	FFmpegPath string
}

func DefaultConfig() Config {
	return Config{
		FPS:     30,
		Bitrate: 2_500_000,
		Encoder: "libx264",
		Preset:  "veryfast",
	}
}

// AccessUnit is one encoded picture as raw NAL units without start codes.
type AccessUnit struct {
	NALUs    [][]byte
	Keyframe bool
}

// Size returns the payload size in AVCC form (4-byte length prefixes).
func (au AccessUnit) Size() int {
	n := 0
	for _, nalu := range au.NALUs {
		n += 4 + len(nalu)
	}
	return n
}

// VideoEncoder converts frames to NV12 and feeds them to a backend. Access
// units come back asynchronously, one per frame, in submission order.
type VideoEncoder struct {
	mu      sync.Mutex
	cfg     Config
	backend encoderBackend
}

type encoderBackend interface {
	Encode(nv12 []byte) error
	Output() <-chan AccessUnit
	// Close flushes pending frames and waits for the output channel to be
	// closed.
	Close() error
	Name() string
	IsHardware() bool
}

type backendFactory func(cfg Config) (encoderBackend, error)

// newBackend is swapped in tests.
var newBackend backendFactory = newFFmpegBackend

func NewVideoEncoder(cfg Config) (*VideoEncoder, error) {
	cfg = applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("video encoder ready",
		"backend", backend.Name(),
		"hardware", backend.IsHardware(),
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)

	return &VideoEncoder{
		cfg:     cfg,
		backend: backend,
	}, nil
}

// Encode submits one frame. The frame's pixels are converted before Encode
// returns, so the caller may release the buffer afterwards.
func (v *VideoEncoder) Encode(frame *media.VideoFrame) error {
	if frame.Width != v.cfg.Width || frame.Height != v.cfg.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, frame.Width, frame.Height, v.cfg.Width, v.cfg.Height)
	}
	if !frame.HasPixels() {
		return errors.New("frame has no pixels")
	}

	var nv12 []byte
	if frame.PixelFormat == media.PixelFormatBGRA {
		nv12 = bgraToNV12(frame.Pix, frame.Width, frame.Height, frame.Stride)
	} else {
		nv12 = rgbaToNV12(frame.Pix, frame.Width, frame.Height, frame.Stride)
	}
	defer putNV12Buffer(nv12)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ErrClosed
	}
	return v.backend.Encode(nv12)
}

// AccessUnits is closed after Close once every submitted frame has been
// emitted, or early if the backend fails.
func (v *VideoEncoder) AccessUnits() <-chan AccessUnit {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		ch := make(chan AccessUnit)
		close(ch)
		return ch
	}
	return v.backend.Output()
}

// Close flushes the encoder. The AccessUnits channel must be drained
// concurrently or Close may block.
func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	backend := v.backend
	v.backend = nil
	v.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

func (v *VideoEncoder) Name() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ""
	}
	return v.backend.Name()
}

func applyDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.FPS == 0 {
		cfg.FPS = defaults.FPS
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = defaults.Bitrate
	}
	if cfg.Encoder == "" {
		cfg.Encoder = defaults.Encoder
	}
	if cfg.Preset == "" {
		cfg.Preset = defaults.Preset
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if !media.EvenDimensions(cfg.Width, cfg.Height) {
		return fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return ErrInvalidFPS
	}
	if cfg.Bitrate <= 0 {
		return ErrInvalidBitrate
	}
	if cfg.Encoder != EncoderAuto {
		if _, ok := profiles[cfg.Encoder]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedEncoder, cfg.Encoder)
		}
	}
	return nil
}

// Supported reports whether name is an encoder this package can drive.
func Supported(name string) bool {
	if name == EncoderAuto {
		return true
	}
	_, ok := profiles[name]
	return ok
}
