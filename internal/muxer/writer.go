// Package muxer writes one recording session into a fragmented MP4 file with
// an H.264 video track and an optional AAC audio track.
package muxer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
)

var log = logging.L("muxer")

// State is the writer lifecycle.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateWriting
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrAlreadyConfigured = errors.New("track already configured")
	ErrAlreadyStarted    = errors.New("writer already started")
	ErrNotConfigured     = errors.New("video track not configured")
	ErrNotStarted        = errors.New("writer never started")
	ErrAborted           = errors.New("writer aborted")
)

const (
	defaultMaxPending       = 8
	defaultFragmentDuration = time.Second
	defaultFPS              = 30
)

// VideoEncoder is what the writer needs from an H.264 encoder.
type VideoEncoder interface {
	Encode(frame *media.VideoFrame) error
	AccessUnits() <-chan encoder.AccessUnit
	Close() error
}

// Options configures a Writer.
type Options struct {
	// Path of the finished file. Media fragments go to Path+".part" while
	// recording.
	Path string
	FPS  int
	// MaxPendingFrames is how many frames may sit in the encoder before the
	// video track reports not ready.
	MaxPendingFrames int
	FragmentDuration time.Duration
	// Encoder is the template for the video encoder; size is filled in by
	// ConfigureVideo.
	Encoder encoder.Config
	// NewEncoder overrides encoder construction.
	NewEncoder func(cfg encoder.Config) (VideoEncoder, error)
}

// Stats summarises what the writer has committed.
type Stats struct {
	VideoSamples int
	AudioSamples int
	Bytes        int64
}

// Writer owns one output file. Configure, Start and the Append methods must
// be called from a single goroutine at a time; readiness checks are safe
// from anywhere.
type Writer struct {
	opts Options

	mu        sync.Mutex
	state     State
	err       error
	finishing bool
	width     int
	height    int
	enc       VideoEncoder
	audio     *audioConfig
	startAt   time.Duration
	ptsQueue  []time.Duration
	lastVideo time.Duration
	hasVideo  bool
	lastAudio time.Duration
	hasAudio  bool

	// fragMu guards fragment assembly and the part file. Never take mu
	// while holding fragMu.
	fragMu   sync.Mutex
	part     *os.File
	partSize int64
	sps      []byte
	pps      []byte
	video    trackBuffer
	audioBuf trackBuffer
	seq      uint32

	drainDone    chan struct{}
	finalizeOnce sync.Once
	finalizeErr  error
	abortOnce    sync.Once
}

func New(opts Options) *Writer {
	if opts.FPS <= 0 {
		opts.FPS = defaultFPS
	}
	if opts.MaxPendingFrames <= 0 {
		opts.MaxPendingFrames = defaultMaxPending
	}
	if opts.FragmentDuration <= 0 {
		opts.FragmentDuration = defaultFragmentDuration
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = func(cfg encoder.Config) (VideoEncoder, error) {
			return encoder.NewVideoEncoder(cfg)
		}
	}
	return &Writer{
		opts:     opts,
		video:    trackBuffer{trackID: videoTrackID},
		audioBuf: trackBuffer{trackID: audioTrackID},
	}
}

func (w *Writer) partPath() string { return w.opts.Path + ".part" }
func (w *Writer) tmpPath() string  { return w.opts.Path + ".tmp" }

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Started reports whether Start succeeded at some point.
func (w *Writer) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drainDone != nil
}

// Err returns the failure cause once the writer has failed.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// ConfigureVideo creates the video track and its encoder.
func (w *Writer) ConfigureVideo(width, height int) error {
	if !media.EvenDimensions(width, height) {
		return fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, width, height)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateUnconfigured {
		return ErrAlreadyConfigured
	}

	cfg := w.opts.Encoder
	cfg.Width = width
	cfg.Height = height
	cfg.FPS = w.opts.FPS
	enc, err := w.opts.NewEncoder(cfg)
	if err != nil {
		if errors.Is(err, media.ErrInvalidDimensions) {
			return err
		}
		return fmt.Errorf("%w: video encoder: %v", media.ErrWriterInitialization, err)
	}

	w.enc = enc
	w.width = width
	w.height = height
	w.state = StateConfigured
	log.Info("video track configured", "width", width, "height", height, "fps", w.opts.FPS)
	return nil
}

// ConfigureAudio creates the audio track. The declared format is tried
// first; when it is refused the settings are derived from the sample's ADTS
// header instead. May be called before or after Start.
func (w *Writer) ConfigureAudio(format media.AudioFormat, first *media.AudioSample) (media.AudioFormat, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateFailed {
		return media.AudioFormat{}, w.failedErr()
	}
	if w.audio != nil {
		return media.AudioFormat{}, ErrAlreadyConfigured
	}
	if w.finishing || w.state == StateFinished {
		return media.AudioFormat{}, media.ErrNotReady
	}

	cfg, err := preferredAudioConfig(format)
	if err != nil {
		log.Warn("preferred audio settings refused, trying ADTS-derived settings",
			"format", format.String(), "error", err.Error())
		var fbErr error
		cfg, fbErr = adtsAudioConfig(first)
		if fbErr != nil {
			return media.AudioFormat{}, fmt.Errorf("%w: %v; fallback: %v", media.ErrAudioFormatUnsupported, err, fbErr)
		}
	}

	w.audio = cfg
	got := media.AudioFormat{Codec: media.CodecAAC, SampleRate: cfg.sampleRate, Channels: cfg.channels}
	log.Info("audio track configured", "format", got.String())
	return got, nil
}

// Start opens the part file and sets time zero. Only the first call can
// succeed.
func (w *Writer) Start(at time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateFailed {
		return w.failedErr()
	}
	if w.drainDone != nil {
		return ErrAlreadyStarted
	}
	if w.state != StateConfigured {
		return ErrNotConfigured
	}

	part, err := os.OpenFile(w.partPath(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", media.ErrWriterInitialization, err)
	}

	w.fragMu.Lock()
	w.part = part
	w.fragMu.Unlock()

	w.startAt = at
	w.state = StateWriting
	w.drainDone = make(chan struct{})
	go w.drain(w.enc, w.drainDone)

	log.Info("writer started", "path", w.opts.Path, "startAt", at)
	return nil
}

// VideoReady reports whether AppendVideo would accept a frame now.
func (w *Writer) VideoReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateWriting && !w.finishing && len(w.ptsQueue) < w.opts.MaxPendingFrames
}

// AudioReady reports whether AppendAudio would accept a sample now.
func (w *Writer) AudioReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateWriting && !w.finishing && w.audio != nil
}

// HasAudio reports whether an audio track was configured.
func (w *Writer) HasAudio() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.audio != nil
}

// AppendVideo submits a frame at pts on the session clock. The frame may be
// released as soon as AppendVideo returns.
func (w *Writer) AppendVideo(frame *media.VideoFrame, pts time.Duration) error {
	w.mu.Lock()
	if w.state == StateFailed {
		err := w.failedErr()
		w.mu.Unlock()
		return err
	}
	if w.state != StateWriting || w.finishing || len(w.ptsQueue) >= w.opts.MaxPendingFrames {
		w.mu.Unlock()
		return media.ErrNotReady
	}
	if pts < w.startAt || (w.hasVideo && pts <= w.lastVideo) {
		w.mu.Unlock()
		return fmt.Errorf("%w: video pts %v", media.ErrOutOfOrder, pts)
	}
	w.ptsQueue = append(w.ptsQueue, pts)
	w.lastVideo = pts
	w.hasVideo = true
	enc := w.enc
	w.mu.Unlock()

	if err := enc.Encode(frame); err != nil {
		err = fmt.Errorf("%w: encode: %v", media.ErrWriterWrite, err)
		w.fail(err)
		return err
	}
	return nil
}

// AppendAudio adds one AAC packet (ADTS framed or raw) at pts.
func (w *Writer) AppendAudio(sample *media.AudioSample, pts time.Duration) error {
	w.mu.Lock()
	if w.state == StateFailed {
		err := w.failedErr()
		w.mu.Unlock()
		return err
	}
	if w.state != StateWriting || w.finishing || w.audio == nil {
		w.mu.Unlock()
		return media.ErrNotReady
	}
	if pts < w.startAt || (w.hasAudio && pts <= w.lastAudio) {
		w.mu.Unlock()
		return fmt.Errorf("%w: audio pts %v", media.ErrOutOfOrder, pts)
	}
	w.lastAudio = pts
	w.hasAudio = true
	rate := w.audio.sampleRate
	offset := pts - w.startAt
	w.mu.Unlock()

	payload := append([]byte(nil), rawAAC(sample.Data)...)

	w.fragMu.Lock()
	defer w.fragMu.Unlock()

	// Packets advance by exactly one frame unless the source skipped ahead
	// by more than a frame, in which case the gap is kept.
	decodeTime := toTicks(offset, rate)
	if next, ok := w.audioBuf.next(media.SamplesPerPacket); ok && decodeTime < next+media.SamplesPerPacket {
		decodeTime = next
	}
	w.audioBuf.push(mp4FullSample(payload, decodeTime))
	return nil
}

// drain turns encoder output into video samples. It runs until the encoder
// closes its output channel.
func (w *Writer) drain(enc VideoEncoder, done chan struct{}) {
	defer close(done)

	for au := range enc.AccessUnits() {
		w.mu.Lock()
		if len(w.ptsQueue) == 0 {
			w.mu.Unlock()
			w.fail(fmt.Errorf("%w: encoder produced output without input", media.ErrWriterWrite))
			continue
		}
		pts := w.ptsQueue[0]
		w.ptsQueue = w.ptsQueue[1:]
		failed := w.state == StateFailed
		offset := pts - w.startAt
		w.mu.Unlock()

		if failed {
			continue
		}
		if err := w.writeVideo(au, offset); err != nil {
			w.fail(fmt.Errorf("%w: %v", media.ErrWriterWrite, err))
		}
	}
}

func (w *Writer) writeVideo(au encoder.AccessUnit, offset time.Duration) error {
	w.fragMu.Lock()
	defer w.fragMu.Unlock()

	if w.sps == nil {
		sps, pps := parameterSets(au)
		if sps == nil || pps == nil {
			return errors.New("first encoded picture carries no SPS/PPS")
		}
		w.sps = append([]byte(nil), sps...)
		w.pps = append([]byte(nil), pps...)
	}

	w.video.push(avccSample(au, toTicks(offset, videoTimescale)))

	if time.Duration(w.video.duration)*time.Second/videoTimescale >= w.opts.FragmentDuration {
		return w.flushLocked()
	}
	return nil
}

// flushLocked writes pending video then audio samples as fragments.
func (w *Writer) flushLocked() error {
	if w.part == nil {
		return errors.New("part file closed")
	}
	for _, tb := range []*trackBuffer{&w.video, &w.audioBuf} {
		var buf bytes.Buffer
		wrote, err := tb.writeFragment(&buf, w.seq+1)
		if err != nil {
			return err
		}
		if !wrote {
			continue
		}
		w.seq++
		n, err := w.part.Write(buf.Bytes())
		w.partSize += int64(n)
		if err != nil {
			return fmt.Errorf("write fragment: %w", err)
		}
	}
	return nil
}

// fail records the first fatal error and moves the writer to failed.
func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateFailed {
		return
	}
	w.state = StateFailed
	w.err = err
	log.Error("writer failed", "error", err.Error())
}

func (w *Writer) failedErr() error {
	if errors.Is(w.err, media.ErrWriterWrite) || errors.Is(w.err, media.ErrWriterInitialization) {
		return w.err
	}
	return fmt.Errorf("%w: %v", media.ErrWriterWrite, w.err)
}

// Finalize stops accepting samples, flushes the encoder and writes the
// finished file. It runs once; later calls return the first result. On
// failure no output file is left behind.
func (w *Writer) Finalize(ctx context.Context) error {
	w.finalizeOnce.Do(func() {
		w.finalizeErr = w.finalize(ctx)
	})
	return w.finalizeErr
}

func (w *Writer) finalize(ctx context.Context) error {
	w.mu.Lock()
	if w.drainDone == nil {
		w.mu.Unlock()
		w.Abort()
		return ErrNotStarted
	}
	w.finishing = true
	enc := w.enc
	done := w.drainDone
	w.mu.Unlock()

	closeErr := enc.Close()

	select {
	case <-done:
	case <-ctx.Done():
		err := fmt.Errorf("%w: finalize interrupted: %v", media.ErrWriterWrite, ctx.Err())
		w.fail(err)
		w.cleanup()
		return err
	}

	if closeErr != nil {
		w.fail(fmt.Errorf("%w: encoder: %v", media.ErrWriterWrite, closeErr))
	}
	if err := w.Err(); err != nil {
		w.cleanup()
		w.mu.Lock()
		err = w.failedErr()
		w.mu.Unlock()
		return err
	}

	if err := w.writeFinal(); err != nil {
		err = fmt.Errorf("%w: %v", media.ErrWriterWrite, err)
		w.fail(err)
		w.cleanup()
		return err
	}

	w.mu.Lock()
	w.state = StateFinished
	w.mu.Unlock()
	return nil
}

func (w *Writer) writeFinal() error {
	w.fragMu.Lock()
	defer w.fragMu.Unlock()

	w.video.release(uint32(videoTimescale / w.opts.FPS))
	w.audioBuf.release(media.SamplesPerPacket)
	if err := w.flushLocked(); err != nil {
		return err
	}
	if w.video.written == 0 || w.sps == nil {
		return errors.New("no video samples were encoded")
	}

	w.mu.Lock()
	audio := w.audio
	w.mu.Unlock()

	init, err := buildInit(w.width, w.height, w.sps, w.pps, audio)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(w.tmpPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := init.Encode(out); err != nil {
		out.Close()
		return fmt.Errorf("write init segment: %w", err)
	}
	if _, err := w.part.Seek(0, io.SeekStart); err != nil {
		out.Close()
		return fmt.Errorf("rewind part file: %w", err)
	}
	if _, err := io.Copy(out, w.part); err != nil {
		out.Close()
		return fmt.Errorf("copy fragments: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(w.tmpPath(), w.opts.Path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}

	w.part.Close()
	w.part = nil
	os.Remove(w.partPath())

	log.Info("recording written",
		"path", w.opts.Path,
		"videoSamples", w.video.written,
		"audioSamples", w.audioBuf.written,
		"size", humanize.Bytes(uint64(w.partSize)),
	)
	return nil
}

// cleanup removes every file this writer may have created.
func (w *Writer) cleanup() {
	w.fragMu.Lock()
	if w.part != nil {
		w.part.Close()
		w.part = nil
	}
	w.fragMu.Unlock()
	os.Remove(w.partPath())
	os.Remove(w.tmpPath())
}

// Abort releases the encoder and removes partial files. Used when the
// writer never started; nothing is written.
func (w *Writer) Abort() {
	w.abortOnce.Do(func() {
		w.mu.Lock()
		enc := w.enc
		done := w.drainDone
		w.finishing = true
		if w.state != StateFailed && w.state != StateFinished {
			w.state = StateFailed
			w.err = ErrAborted
		}
		w.mu.Unlock()

		if enc != nil {
			if done == nil {
				// Nobody is reading encoder output; discard it so Close can
				// return.
				go func() {
					for range enc.AccessUnits() {
					}
				}()
			}
			if err := enc.Close(); err != nil {
				log.Debug("encoder close on abort", "error", err.Error())
			}
			if done != nil {
				<-done
			}
		}
		w.cleanup()
	})
}

// Stats reports committed sample counts and fragment bytes.
func (w *Writer) Stats() Stats {
	w.fragMu.Lock()
	defer w.fragMu.Unlock()
	return Stats{
		VideoSamples: w.video.written + len(w.video.samples) + boolToInt(w.video.held != nil),
		AudioSamples: w.audioBuf.written + len(w.audioBuf.samples) + boolToInt(w.audioBuf.held != nil),
		Bytes:        w.partSize,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
