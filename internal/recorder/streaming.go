package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/media"
	"github.com/breeze-rmm/recorder/internal/workerpool"
)

// streamingRecorder appends samples pushed by a capture stream. Callbacks
// are handed to a serial queue so the writer sees one sample at a time in
// arrival order.
type streamingRecorder struct {
	sessionEnv
	stream      capture.Stream
	audioSrc    capture.AudioSource
	audio       bool
	maxIdleHold time.Duration
	queueSize   int
	queue       *workerpool.Pool

	// Guarded by sync.mu.
	width        int
	height       int
	pendingVideo *media.VideoFrame
	pendingAudio *media.AudioSample
	lastGood     *media.VideoFrame
	lastGoodAt   time.Duration
	idleCapped   bool

	stopOnce sync.Once
}

type streamingConfig struct {
	audio       bool
	audioSrc    capture.AudioSource
	maxIdleHold time.Duration
	queueSize   int
}

func newStreamingRecorder(env sessionEnv, stream capture.Stream, cfg streamingConfig) *streamingRecorder {
	return &streamingRecorder{
		sessionEnv:  env,
		stream:      stream,
		audioSrc:    cfg.audioSrc,
		audio:       cfg.audio,
		maxIdleHold: cfg.maxIdleHold,
		queueSize:   cfg.queueSize,
	}
}

func (s *streamingRecorder) mode() Mode { return ModeStreaming }

func (s *streamingRecorder) begin() error {
	w, h := s.stream.Bounds()
	if !media.EvenDimensions(w, h) {
		return fmt.Errorf("%w: stream target is %dx%d", media.ErrInvalidDimensions, w, h)
	}
	if err := s.sync.w.ConfigureVideo(w, h); err != nil {
		return err
	}

	s.sync.mu.Lock()
	s.width, s.height = w, h
	if !s.audio {
		s.sync.disableAudioLocked()
	}
	s.sync.mu.Unlock()

	s.queue = workerpool.NewSerial("samples", s.queueSize)

	handler := capture.StreamHandler{
		OnVideo: s.onVideo,
		OnError: s.onError,
	}
	if s.audio {
		handler.OnAudio = s.onAudio
	}

	if s.audio && s.audioSrc != nil {
		if err := s.audioSrc.Start(s.onAudio); err != nil {
			if s.sync.requireAudio {
				return captureError(fmt.Errorf("audio capture: %w", err))
			}
			s.log.Warn("audio capture unavailable, recording video only", "error", err.Error())
			s.audioSrc = nil
			s.sync.mu.Lock()
			s.sync.disableAudioLocked()
			s.sync.mu.Unlock()
		}
	}

	if err := s.stream.Start(handler); err != nil {
		return captureError(fmt.Errorf("start stream: %w", err))
	}
	s.log.Info("streaming capture started", "width", w, "height", h, "audio", s.audio)
	return nil
}

func (s *streamingRecorder) onVideo(frame *media.VideoFrame) {
	if !s.queue.Submit(func() { s.handleVideo(frame) }) {
		s.diag.dropVideo(&s.diag.QueueDrops)
		frame.Release()
	}
}

func (s *streamingRecorder) onAudio(sample *media.AudioSample) {
	if !s.queue.Submit(func() { s.handleAudio(sample) }) {
		s.diag.QueueDrops.Add(1)
		s.diag.AudioDrops.Add(1)
	}
}

func (s *streamingRecorder) onError(err error) {
	s.fail(captureError(err))
}

func (s *streamingRecorder) handleVideo(frame *media.VideoFrame) {
	s.sync.mu.Lock()
	defer s.sync.mu.Unlock()
	if s.sync.closed {
		frame.Release()
		return
	}

	switch frame.Status {
	case media.StatusBlank:
		frame.Release()
		s.diag.dropVideo(&s.diag.BlankFrames)
	case media.StatusSuspended:
		frame.Release()
		s.diag.dropVideo(&s.diag.SuspendedFrames)
	case media.StatusIdle:
		frame.Release()
		s.fillIdleLocked(frame.PTS)
	default:
		s.handleCompleteLocked(frame)
	}
}

func (s *streamingRecorder) handleCompleteLocked(frame *media.VideoFrame) {
	if frame.Width != s.width || frame.Height != s.height || !frame.HasPixels() {
		frame.Release()
		s.diag.dropVideo(&s.diag.DimensionMismatches)
		return
	}

	if !s.sync.started {
		if s.waitingForAudioLocked() {
			if s.pendingVideo != nil {
				frame.Release()
				s.diag.dropVideo(nil)
				return
			}
			s.pendingVideo = frame
			s.tryStartLocked()
			return
		}
		if !s.sync.startLocked(frame.PTS) {
			frame.Release()
			return
		}
	}
	s.appendCompleteLocked(frame)
}

// appendCompleteLocked keeps a private copy of a complete frame's pixels for
// idle fills, then appends it. The copy is taken even when the append is
// dropped, so idle fills always repeat the newest complete content.
func (s *streamingRecorder) appendCompleteLocked(frame *media.VideoFrame) {
	defer frame.Release()
	if s.lastGood != nil && len(s.lastGood.Pix) == len(frame.Pix) {
		copy(s.lastGood.Pix, frame.Pix)
		s.lastGood.Stride = frame.Stride
		s.lastGood.PTS = frame.PTS
	} else {
		s.lastGood = frame.Clone()
	}
	s.lastGoodAt = frame.PTS
	s.idleCapped = false
	s.sync.appendVideoLocked(frame, frame.PTS)
}

// fillIdleLocked repeats the last complete frame at pts.
func (s *streamingRecorder) fillIdleLocked(pts time.Duration) {
	if !s.sync.started || s.lastGood == nil {
		s.diag.dropVideo(&s.diag.IdleDrops)
		return
	}
	if s.sync.hasVideo && pts <= s.sync.lastVideo {
		s.diag.dropVideo(&s.diag.IdleDrops)
		return
	}
	if s.maxIdleHold > 0 && pts-s.lastGoodAt > s.maxIdleHold {
		if !s.idleCapped {
			s.idleCapped = true
			s.log.Info("idle hold limit reached, pausing frame repeats", "maxIdleHold", s.maxIdleHold)
		}
		s.diag.dropVideo(&s.diag.IdleDrops)
		return
	}
	if s.sync.appendVideoLocked(s.lastGood, pts) {
		s.diag.IdleFills.Add(1)
	}
}

func (s *streamingRecorder) handleAudio(sample *media.AudioSample) {
	s.sync.mu.Lock()
	defer s.sync.mu.Unlock()
	if s.sync.closed {
		return
	}

	if s.sync.audio == audioPending && !s.sync.configureAudioLocked(sample) {
		s.diag.AudioDrops.Add(1)
		s.pendingAudio = nil
		if !s.failed() {
			s.startVideoOnlyLocked()
		}
		return
	}
	if s.sync.audio != audioConfigured {
		s.diag.AudioDrops.Add(1)
		return
	}

	if !s.sync.started {
		if s.pendingAudio != nil {
			s.diag.AudioDrops.Add(1)
			return
		}
		s.pendingAudio = sample
		s.tryStartLocked()
		return
	}
	s.sync.appendAudioLocked(sample)
}

func (s *streamingRecorder) waitingForAudioLocked() bool {
	return s.audio && s.sync.audio != audioUnavailable
}

// tryStartLocked starts the writer once both first samples are pending. The
// session begins at the earlier of the two and both are appended first.
func (s *streamingRecorder) tryStartLocked() {
	if s.pendingVideo == nil || s.pendingAudio == nil {
		return
	}
	v, a := s.pendingVideo, s.pendingAudio
	s.pendingVideo, s.pendingAudio = nil, nil

	at := min(v.PTS, a.PTS)
	if !s.sync.startLocked(at) {
		v.Release()
		return
	}
	s.appendCompleteLocked(v)
	s.sync.appendAudioLocked(a)
}

// startVideoOnlyLocked starts from a pending video frame when audio will
// never arrive.
func (s *streamingRecorder) startVideoOnlyLocked() {
	if s.sync.started || s.pendingVideo == nil {
		return
	}
	v := s.pendingVideo
	s.pendingVideo = nil
	s.pendingAudio = nil
	if !s.sync.startLocked(v.PTS) {
		v.Release()
		return
	}
	s.appendCompleteLocked(v)
}

func (s *streamingRecorder) halt() {
	s.stopOnce.Do(func() {
		s.stream.Stop()
		if s.audioSrc != nil {
			s.audioSrc.Stop()
		}
		if s.queue != nil {
			// No deadline: queued appends finish before teardown.
			s.queue.Drain(context.Background())
			if n := s.queue.Dropped(); n > 0 {
				s.log.Warn("sample queue overflowed", "dropped", n)
			}
		}

		s.sync.mu.Lock()
		defer s.sync.mu.Unlock()
		// Stopped before any audio arrived: keep the video that did.
		if !s.sync.started && s.pendingVideo != nil && !s.failed() {
			s.startVideoOnlyLocked()
		}
		if s.pendingVideo != nil {
			s.pendingVideo.Release()
			s.pendingVideo = nil
		}
		s.pendingAudio = nil
		s.lastGood = nil
		s.sync.closed = true
	})
}
