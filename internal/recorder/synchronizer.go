package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/recorder/internal/media"
	"github.com/breeze-rmm/recorder/internal/muxer"
)

// Muxer is the container writer as seen by the recorder.
type Muxer interface {
	ConfigureVideo(width, height int) error
	ConfigureAudio(format media.AudioFormat, first *media.AudioSample) (media.AudioFormat, error)
	Start(at time.Duration) error
	Started() bool
	VideoReady() bool
	AudioReady() bool
	HasAudio() bool
	AppendVideo(frame *media.VideoFrame, pts time.Duration) error
	AppendAudio(sample *media.AudioSample, pts time.Duration) error
	Finalize(ctx context.Context) error
	Abort()
}

var _ Muxer = (*muxer.Writer)(nil)

type audioTrackState int

const (
	audioPending audioTrackState = iota
	audioConfigured
	audioUnavailable
)

// synchronizer serializes every append into the writer and enforces
// timestamp ordering. Callers hold mu around the *Locked methods.
type synchronizer struct {
	mu sync.Mutex

	w            Muxer
	diag         *Diagnostics
	fail         func(error)
	log          *slog.Logger
	requireAudio bool

	started   bool
	startAt   time.Duration
	lastVideo time.Duration
	hasVideo  bool
	lastAudio time.Duration
	hasAudio  bool
	audio     audioTrackState
	// closed is set during teardown; producers that race it drop their
	// samples.
	closed bool

	backpressure *dropLog
}

func newSynchronizer(w Muxer, diag *Diagnostics, fail func(error), logger *slog.Logger, requireAudio bool, logEvery time.Duration) *synchronizer {
	return &synchronizer{
		w:            w,
		diag:         diag,
		fail:         fail,
		log:          logger,
		requireAudio: requireAudio,
		backpressure: newDropLog(logEvery),
	}
}

// startLocked starts the writer at the given session time.
func (s *synchronizer) startLocked(at time.Duration) bool {
	if s.started {
		return true
	}
	if err := s.w.Start(at); err != nil {
		s.fail(err)
		return false
	}
	s.started = true
	s.startAt = at
	s.log.Info("writer started", "startAt", at)
	return true
}

// appendVideoLocked appends one frame at pts. It reports whether the frame
// was written; drops are counted and fatal writer errors reported.
func (s *synchronizer) appendVideoLocked(frame *media.VideoFrame, pts time.Duration) bool {
	if !s.started {
		s.diag.dropVideo(nil)
		return false
	}
	// Ordering and backpressure are counted independently; a frame that
	// fails both bumps both counters but is one dropped frame.
	outOfOrder := s.hasVideo && pts <= s.lastVideo
	notReady := !s.w.VideoReady()
	if outOfOrder || notReady {
		if outOfOrder {
			s.diag.NonMonotonicDrops.Add(1)
		}
		if notReady {
			s.noteBackpressureCounters()
		}
		s.diag.DroppedFrames.Add(1)
		return false
	}

	err := s.w.AppendVideo(frame, pts)
	switch {
	case err == nil:
		s.lastVideo = pts
		s.hasVideo = true
		s.diag.FramesAppended.Add(1)
		return true
	case errors.Is(err, media.ErrNotReady):
		s.noteBackpressure()
	case errors.Is(err, media.ErrOutOfOrder):
		s.diag.dropVideo(&s.diag.NonMonotonicDrops)
	default:
		s.diag.WriteFailures.Add(1)
		s.fail(err)
	}
	return false
}

func (s *synchronizer) noteBackpressure() {
	s.diag.DroppedFrames.Add(1)
	s.noteBackpressureCounters()
}

func (s *synchronizer) noteBackpressureCounters() {
	s.diag.BackpressureDrops.Add(1)
	if n, ok := s.backpressure.note(); ok {
		s.log.Warn("video track not ready, dropping frames", "dropped", n,
			"backpressureTotal", s.diag.BackpressureDrops.Load())
	}
}

// configureAudioLocked creates the audio track from the first sample. It
// reports whether audio can be appended; an unsupported format disables
// audio for the session unless audio is required.
func (s *synchronizer) configureAudioLocked(sample *media.AudioSample) bool {
	switch s.audio {
	case audioConfigured:
		return true
	case audioUnavailable:
		return false
	}

	got, err := s.w.ConfigureAudio(sample.Format, sample)
	if err != nil {
		if errors.Is(err, media.ErrAudioFormatUnsupported) && !s.requireAudio {
			s.audio = audioUnavailable
			s.log.Warn("audio track unavailable, recording video only", "format", sample.Format.String(), "error", err.Error())
			return false
		}
		if !errors.Is(err, media.ErrAudioFormatUnsupported) && !errors.Is(err, media.ErrWriterInitialization) {
			err = fmt.Errorf("%w: %v", media.ErrWriterInitialization, err)
		}
		s.fail(err)
		s.audio = audioUnavailable
		return false
	}
	s.audio = audioConfigured
	s.log.Info("audio track negotiated", "format", got.String())
	return true
}

// disableAudioLocked marks audio as absent for the session.
func (s *synchronizer) disableAudioLocked() {
	if s.audio == audioPending {
		s.audio = audioUnavailable
	}
}

// appendAudioLocked appends one audio packet at its own timestamp.
func (s *synchronizer) appendAudioLocked(sample *media.AudioSample) bool {
	if !s.started || s.audio != audioConfigured {
		s.diag.AudioDrops.Add(1)
		return false
	}
	pts := sample.PTS
	if pts < s.startAt || (s.hasAudio && pts <= s.lastAudio) || !s.w.AudioReady() {
		s.diag.AudioDrops.Add(1)
		return false
	}

	err := s.w.AppendAudio(sample, pts)
	switch {
	case err == nil:
		s.lastAudio = pts
		s.hasAudio = true
		s.diag.AudioAppended.Add(1)
		return true
	case media.IsRecoverable(err):
		s.diag.AudioDrops.Add(1)
	default:
		s.diag.WriteFailures.Add(1)
		s.fail(err)
	}
	return false
}

// dropLog aggregates drop events into at most one report per interval.
type dropLog struct {
	interval time.Duration
	last     atomic.Int64
	pending  atomic.Uint64
	now      func() time.Time
}

func newDropLog(interval time.Duration) *dropLog {
	if interval <= 0 {
		interval = time.Second
	}
	return &dropLog{interval: interval, now: time.Now}
}

// note counts one drop. When a report is due it returns the number of drops
// since the previous report.
func (l *dropLog) note() (uint64, bool) {
	l.pending.Add(1)
	now := l.now().UnixNano()
	last := l.last.Load()
	if last != 0 && time.Duration(now-last) < l.interval {
		return 0, false
	}
	if !l.last.CompareAndSwap(last, now) {
		return 0, false
	}
	return l.pending.Swap(0), true
}
