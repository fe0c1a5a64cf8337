package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/ffmpeg"
)

const queryTimeout = 5 * time.Second

type encoderProfile struct {
	hardware bool
	// pixel format handed to the codec
	outPixFmt string
	// accepts -preset/-tune in x264 terms
	x264Opts bool
}

var profiles = map[string]encoderProfile{
	"libx264":     {outPixFmt: "yuv420p", x264Opts: true},
	"libopenh264": {outPixFmt: "yuv420p"},
	"h264_nvenc":  {hardware: true, outPixFmt: "nv12"},
	"h264_qsv":    {hardware: true, outPixFmt: "nv12"},
}

// hardwareCandidates are tried in order when the encoder is "auto".
var hardwareCandidates = []string{"h264_nvenc", "h264_qsv"}

// ffmpegBackend pipes NV12 frames into an ffmpeg child and reads back an
// Annex-B elementary stream.
type ffmpegBackend struct {
	name string
	prof encoderProfile
	proc *ffmpeg.Process
	out  chan AccessUnit

	mu        sync.Mutex
	closed    bool
	readErr   error
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func newFFmpegBackend(cfg Config) (encoderBackend, error) {
	path, err := ffmpeg.Locate(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}

	name := cfg.Encoder
	if name == EncoderAuto {
		name = selectEncoder(path)
	}
	prof := profiles[name]

	proc, err := ffmpeg.Start(path, encodeArgs(cfg, name, prof), true)
	if err != nil {
		return nil, err
	}

	b := &ffmpegBackend{
		name: name,
		prof: prof,
		proc: proc,
		out:  make(chan AccessUnit, 16),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

func encodeArgs(cfg Config, name string, prof encoderProfile) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", name,
	}
	if prof.x264Opts {
		args = append(args, "-preset", cfg.Preset, "-tune", "zerolatency")
	}
	args = append(args,
		"-pix_fmt", prof.outPixFmt,
		"-bf", "0",
		"-g", strconv.Itoa(cfg.FPS*2),
		"-b:v", strconv.Itoa(cfg.Bitrate),
		"-fps_mode", "passthrough",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
	return args
}

// selectEncoder returns the first hardware encoder that ffmpeg lists and
// that survives a short test encode, else libx264.
func selectEncoder(path string) string {
	available, err := ffmpeg.Encoders(path)
	if err != nil {
		log.Debug("encoder check: listing encoders failed", "error", err.Error())
	}
	for _, name := range hardwareCandidates {
		if len(available) > 0 {
			if _, ok := available[name]; !ok {
				continue
			}
		}
		if err := tryEncoder(path, name); err != nil {
			log.Debug("encoder test encode failed", "encoder", name, "error", err.Error())
			continue
		}
		return name
	}
	return "libx264"
}

func tryEncoder(path, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"-v", "error",
		"-nostdin",
		"-f", "lavfi",
		"-i", "color=c=black:s=320x240:r=30:d=0.2",
		"-an",
		"-frames:v", "4",
		"-pix_fmt", profiles[name].outPixFmt,
		"-c:v", name,
		"-f", "null", "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("test encode timeout after %s", queryTimeout)
	}
	if err != nil {
		return fmt.Errorf("test encode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (b *ffmpegBackend) readLoop() {
	defer b.wg.Done()
	defer close(b.out)

	var splitter auSplitter
	buf := make([]byte, 256*1024)
	for {
		n, err := b.proc.Stdout.Read(buf)
		if n > 0 {
			for _, au := range splitter.Feed(buf[:n]) {
				b.out <- au
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.setReadErr(fmt.Errorf("read encoder output: %w", err))
			}
			break
		}
	}
	if au, ok := splitter.Flush(); ok {
		b.out <- au
	}
	if err := b.proc.Wait(); err != nil {
		b.setReadErr(fmt.Errorf("ffmpeg encoder exited: %w", err))
	}
}

func (b *ffmpegBackend) setReadErr(err error) {
	b.mu.Lock()
	if b.readErr == nil {
		b.readErr = err
	}
	b.mu.Unlock()
}

func (b *ffmpegBackend) Encode(nv12 []byte) error {
	b.mu.Lock()
	closed, readErr := b.closed, b.readErr
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if readErr != nil {
		return readErr
	}
	if _, err := b.proc.Stdin.Write(nv12); err != nil {
		if tail := b.proc.StderrTail(); tail != "" {
			return fmt.Errorf("write frame to ffmpeg: %w: %s", err, tail)
		}
		return fmt.Errorf("write frame to ffmpeg: %w", err)
	}
	return nil
}

func (b *ffmpegBackend) Output() <-chan AccessUnit {
	return b.out
}

// Close ends the input stream, waits for ffmpeg to flush every pending
// access unit and reports how the child exited.
func (b *ffmpegBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		_ = b.proc.Stdin.Close()
		b.wg.Wait()

		b.mu.Lock()
		b.closeErr = b.readErr
		b.mu.Unlock()
	})
	return b.closeErr
}

func (b *ffmpegBackend) Name() string {
	return b.name
}

func (b *ffmpegBackend) IsHardware() bool {
	return b.prof.hardware
}
