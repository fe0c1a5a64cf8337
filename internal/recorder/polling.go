package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/media"
)

// strategy is one way of feeding a session: timer-driven polling or a push
// stream. Exactly one is chosen per session.
type strategy interface {
	// begin starts producing samples. An error is fatal to the session.
	begin() error
	// halt stops producers and waits for in-flight appends. After halt
	// returns nothing touches the writer.
	halt()
	mode() Mode
}

// sessionEnv is what a strategy borrows from its controller.
type sessionEnv struct {
	sync   *synchronizer
	diag   *Diagnostics
	fail   func(error)
	failed func() bool
	log    *slog.Logger
}

// pollingRecorder grabs one frame per interval from a ticker. Frame
// timestamps are derived from the append count, not the wall clock, so
// consecutive frames are always exactly one interval apart.
type pollingRecorder struct {
	sessionEnv
	grabber  capture.Grabber
	audio    capture.AudioSource
	interval time.Duration
	grace    time.Duration

	// Guarded by sync.mu.
	width      int
	height     int
	base       time.Duration
	index      int64
	held       *media.VideoFrame
	graceTimer *time.Timer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPollingRecorder(env sessionEnv, g capture.Grabber, audio capture.AudioSource, fps int, grace time.Duration) *pollingRecorder {
	return &pollingRecorder{
		sessionEnv: env,
		grabber:    g,
		audio:      audio,
		interval:   time.Second / time.Duration(fps),
		grace:      grace,
		done:       make(chan struct{}),
	}
}

func (p *pollingRecorder) mode() Mode { return ModePolling }

func (p *pollingRecorder) begin() error {
	frame, err := p.grabber.Grab()
	if err != nil {
		return captureError(fmt.Errorf("first capture: %w", err))
	}
	if !media.EvenDimensions(frame.Width, frame.Height) {
		frame.Release()
		return fmt.Errorf("%w: window is %dx%d", media.ErrInvalidDimensions, frame.Width, frame.Height)
	}
	if err := p.sync.w.ConfigureVideo(frame.Width, frame.Height); err != nil {
		frame.Release()
		return err
	}

	p.sync.mu.Lock()
	p.width, p.height = frame.Width, frame.Height
	p.base = frame.PTS
	p.held = frame
	p.sync.mu.Unlock()

	p.log.Info("polling capture configured", "width", p.width, "height", p.height, "interval", p.interval)

	if p.audio != nil {
		if err := p.audio.Start(p.onAudio); err != nil {
			if p.sync.requireAudio {
				return captureError(fmt.Errorf("audio capture: %w", err))
			}
			p.log.Warn("audio capture unavailable, recording video only", "error", err.Error())
			p.audio = nil
		}
	}

	p.sync.mu.Lock()
	if p.audio == nil {
		p.sync.disableAudioLocked()
		p.startLocked()
	} else if !p.sync.started {
		p.graceTimer = time.AfterFunc(p.grace, p.graceElapsed)
	}
	p.sync.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
	return nil
}

// startLocked starts the writer at the first frame's timestamp and appends
// that frame as time zero.
func (p *pollingRecorder) startLocked() {
	if p.sync.started {
		return
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	ok := p.sync.startLocked(p.base)
	if p.held != nil {
		if ok && p.sync.appendVideoLocked(p.held, p.base) {
			p.index = 1
		}
		p.held.Release()
		p.held = nil
	}
}

func (p *pollingRecorder) graceElapsed() {
	p.sync.mu.Lock()
	defer p.sync.mu.Unlock()
	if p.sync.closed || p.sync.started {
		return
	}
	p.log.Info("no audio within grace window, starting writer", "grace", p.grace)
	p.startLocked()
}

func (p *pollingRecorder) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if !p.tick() {
				return
			}
		}
	}
}

// tick captures and appends one frame. It returns false once capture has
// failed for good.
func (p *pollingRecorder) tick() bool {
	if p.failed() {
		return false
	}
	p.sync.mu.Lock()
	ready := p.sync.started && !p.sync.closed
	p.sync.mu.Unlock()
	if !ready {
		// Still inside the audio grace window; the first frame is held.
		return true
	}

	frame, err := p.grabber.Grab()
	if err != nil {
		if errors.Is(err, capture.ErrNoFrame) {
			p.diag.UnavailableCaptures.Add(1)
			return true
		}
		p.fail(captureError(err))
		return false
	}
	defer frame.Release()

	if frame.Width != p.width || frame.Height != p.height {
		p.diag.dropVideo(&p.diag.DimensionMismatches)
		p.log.Debug("frame size changed, dropping", "width", frame.Width, "height", frame.Height)
		return true
	}

	p.sync.mu.Lock()
	defer p.sync.mu.Unlock()
	if p.sync.closed {
		return false
	}
	pts := p.base + time.Duration(p.index)*p.interval
	if p.sync.appendVideoLocked(frame, pts) {
		p.index++
	}
	return true
}

func (p *pollingRecorder) onAudio(sample *media.AudioSample) {
	p.sync.mu.Lock()
	defer p.sync.mu.Unlock()
	if p.sync.closed {
		return
	}

	configured := p.sync.configureAudioLocked(sample)
	if !configured && p.failed() {
		return
	}
	if !p.sync.started {
		p.startLocked()
	}
	if !configured {
		p.diag.AudioDrops.Add(1)
		return
	}
	p.sync.appendAudioLocked(sample)
}

func (p *pollingRecorder) halt() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		if p.audio != nil {
			p.audio.Stop()
		}

		p.sync.mu.Lock()
		defer p.sync.mu.Unlock()
		if p.graceTimer != nil {
			p.graceTimer.Stop()
		}
		// Stopped inside the grace window: keep the first frame.
		if !p.sync.started && p.held != nil && !p.failed() {
			p.startLocked()
		}
		if p.held != nil {
			p.held.Release()
			p.held = nil
		}
		p.sync.closed = true
	})
}

// captureError maps capture failures onto the session error taxonomy.
func captureError(err error) error {
	if errors.Is(err, media.ErrCaptureUnavailable) || errors.Is(err, media.ErrInvalidDimensions) {
		return err
	}
	return fmt.Errorf("%w: %v", media.ErrCaptureUnavailable, err)
}
