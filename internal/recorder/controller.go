// Package recorder drives one window recording session: it owns the capture
// source and the container writer, decides when the writer may start, and
// turns stop requests and fatal errors into a single finalize.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/muxer"
)

var log = logging.L("recorder")

const (
	DefaultFPS                     = 30
	MaxFPS                         = 120
	DefaultAudioGrace              = 500 * time.Millisecond
	DefaultMaxIdleHold             = 5 * time.Second
	DefaultBackpressureLogInterval = time.Second
	DefaultSampleQueueSize         = 64
	defaultSuspendPollInterval     = time.Second
)

// Options configures one recording session.
type Options struct {
	WindowID   uint64
	OutputPath string
	FPS        int
	Audio      bool
	// RequireAudio turns audio negotiation failures into session failures.
	RequireAudio bool
	Mode         Mode
	Display      string

	AudioGrace time.Duration
	// MaxIdleHold caps how long idle frames repeat the last complete frame.
	// Zero repeats indefinitely.
	MaxIdleHold             time.Duration
	BackpressureLogInterval time.Duration
	SampleQueueSize         int

	Encoder          encoder.Config
	MaxPendingFrames int
	FragmentDuration time.Duration
	Pulse            capture.PulseOptions

	// Collaborators. Nil ones are opened from the settings above.
	Grabber     capture.Grabber
	Stream      capture.Stream
	AudioSource capture.AudioSource
	Suspend     capture.SuspendMonitor
	Writer      Muxer

	// OnStart, when set, is called once with the new session before capture
	// opens.
	OnStart func(Session)
}

func (o *Options) normalize() error {
	if o.OutputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidOptions)
	}
	if o.WindowID == 0 && o.Grabber == nil && o.Stream == nil {
		return fmt.Errorf("%w: window id is required", ErrInvalidOptions)
	}
	if o.FPS == 0 {
		o.FPS = DefaultFPS
	}
	if o.FPS < 0 || o.FPS > MaxFPS {
		return fmt.Errorf("%w: fps %d outside 1-%d", ErrInvalidOptions, o.FPS, MaxFPS)
	}
	mode, err := ParseMode(string(o.Mode))
	if err != nil {
		return err
	}
	o.Mode = mode
	if o.AudioGrace <= 0 {
		o.AudioGrace = DefaultAudioGrace
	}
	if o.MaxIdleHold < 0 {
		o.MaxIdleHold = 0
	}
	if o.BackpressureLogInterval <= 0 {
		o.BackpressureLogInterval = DefaultBackpressureLogInterval
	}
	if o.SampleQueueSize <= 0 {
		o.SampleQueueSize = DefaultSampleQueueSize
	}
	if o.RequireAudio {
		o.Audio = true
	}
	return nil
}

// Session describes the controller's recording run.
type Session struct {
	ID         string
	WindowID   uint64
	OutputPath string
	FPS        int
	Audio      bool
	Mode       Mode
	StartedAt  time.Time
	State      State
	Frames     uint64
	LastError  error
}

// Result is the outcome of a finished session.
type Result struct {
	SessionID      string
	WindowID       uint64
	OutputPath     string
	Mode           Mode
	State          State
	Err            error
	FramesAppended uint64
	Duration       time.Duration
	Diagnostics    DiagnosticsSnapshot
}

// Controller runs a single recording session. It is single-use: once the
// session ends, Start returns ErrSessionFinished.
type Controller struct {
	opts Options
	stop *stopSignal

	mu      sync.Mutex
	state   State
	session *Session
	err     error
	diag    *Diagnostics
	log     *slog.Logger
	writer  Muxer
	closers []io.Closer

	finalizeOnce sync.Once
	result       *Result
}

func New(opts Options) (*Controller, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Controller{
		opts: opts,
		stop: newStopSignal(),
		diag: newDiagnostics(),
		log:  log,
	}, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, or nil before Start.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	s.State = c.state
	s.Frames = c.diag.FramesAppended.Load()
	s.LastError = c.err
	return &s
}

// Diagnostics returns the current session counters.
func (c *Controller) Diagnostics() DiagnosticsSnapshot {
	c.mu.Lock()
	d := c.diag
	c.mu.Unlock()
	return d.Snapshot()
}

// Start records until RequestStop is called, ctx is cancelled or a fatal
// error occurs, then finalizes the output. The returned error is the
// session's terminal failure, nil when the recording completed.
func (c *Controller) Start(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	switch {
	case c.state.Terminal():
		c.mu.Unlock()
		return nil, ErrSessionFinished
	case c.state != StateIdle:
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	c.session = &Session{
		ID:         uuid.NewString(),
		WindowID:   c.opts.WindowID,
		OutputPath: c.opts.OutputPath,
		FPS:        c.opts.FPS,
		Audio:      c.opts.Audio,
		Mode:       c.opts.Mode,
		StartedAt:  time.Now(),
	}
	c.diag = newDiagnostics()
	c.log = logging.WithSession(log, c.session.ID, c.opts.WindowID)
	c.state = StateCapturing
	started := *c.session
	started.State = StateCapturing
	c.mu.Unlock()

	if c.opts.OnStart != nil {
		c.opts.OnStart(started)
	}
	c.log.Info("recording session started",
		"output", c.opts.OutputPath,
		"fps", c.opts.FPS,
		"audio", c.opts.Audio,
		"mode", string(c.opts.Mode),
	)

	release := StopOnContext(ctx, c)
	defer release()

	strat, err := c.open()
	if err == nil {
		c.mu.Lock()
		c.session.Mode = strat.mode()
		c.mu.Unlock()
		c.log.Info("capture strategy selected", "mode", string(strat.mode()))
		err = strat.begin()
	}
	if err != nil {
		c.fail(err)
	}

	<-c.stop.Done()
	c.teardown(strat)

	c.mu.Lock()
	res := c.result
	c.mu.Unlock()
	return res, res.Err
}

// RequestStop asks the session to stop. Safe from any goroutine and in any
// state; only the first call has an effect.
func (c *Controller) RequestStop() {
	if !c.stop.Fire() {
		return
	}
	c.mu.Lock()
	if c.state == StateCapturing {
		c.state = StateStopping
	}
	logger := c.log
	c.mu.Unlock()
	logger.Info("stop requested")
}

// fail records err as the terminal failure if none was recorded yet and
// stops the session.
func (c *Controller) fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	logger := c.log
	c.mu.Unlock()
	if first {
		logger.Error("recording failed", "error", err.Error())
	}
	c.RequestStop()
}

func (c *Controller) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// open resolves collaborators and picks the capture strategy.
func (c *Controller) open() (strategy, error) {
	o := c.opts

	grabber := o.Grabber
	if grabber == nil && o.Stream == nil {
		g, err := capture.NewWindowCapturer(capture.Options{WindowID: o.WindowID, Display: o.Display})
		if err != nil {
			return nil, captureError(err)
		}
		grabber = g
		c.closers = append(c.closers, g)
	}

	mode := o.Mode
	if mode == ModeAuto {
		mode = ModePolling
		if o.Stream != nil {
			mode = ModeStreaming
		} else if sc, ok := grabber.(capture.StreamCapable); ok && sc.SupportsStreaming() {
			mode = ModeStreaming
		}
	}
	if mode == ModePolling && grabber == nil {
		return nil, fmt.Errorf("%w: polling mode needs a window grabber", ErrInvalidOptions)
	}

	w := o.Writer
	if w == nil {
		w = muxer.New(muxer.Options{
			Path:             o.OutputPath,
			FPS:              o.FPS,
			MaxPendingFrames: o.MaxPendingFrames,
			FragmentDuration: o.FragmentDuration,
			Encoder:          o.Encoder,
		})
	}
	c.mu.Lock()
	c.writer = w
	logger := c.log
	diag := c.diag
	c.mu.Unlock()

	var audio capture.AudioSource
	if o.Audio {
		audio = o.AudioSource
		if audio == nil {
			audio = capture.NewPulseSource(o.Pulse)
		}
	}

	env := sessionEnv{
		sync:   newSynchronizer(w, diag, c.fail, logger, o.RequireAudio, o.BackpressureLogInterval),
		diag:   diag,
		fail:   c.fail,
		failed: c.failed,
		log:    logger,
	}

	if mode == ModePolling {
		return newPollingRecorder(env, grabber, audio, o.FPS, o.AudioGrace), nil
	}

	stream := o.Stream
	if stream == nil {
		suspend := o.Suspend
		if suspend == nil {
			if p, err := capture.NewScreenSaverMonitor(defaultSuspendPollInterval); err == nil {
				suspend = p
			} else {
				logger.Debug("screensaver monitor unavailable", "error", err.Error())
			}
		}
		ps, err := capture.NewPushStream(grabber, capture.StreamOptions{FPS: o.FPS, Suspend: suspend})
		if err != nil {
			return nil, captureError(err)
		}
		stream = ps
	}
	return newStreamingRecorder(env, stream, streamingConfig{
		audio:       o.Audio,
		audioSrc:    audio,
		maxIdleHold: o.MaxIdleHold,
		queueSize:   o.SampleQueueSize,
	}), nil
}

// teardown halts capture and finalizes the writer exactly once.
func (c *Controller) teardown(strat strategy) {
	c.finalizeOnce.Do(func() {
		c.setState(StateStopping)
		if strat != nil {
			strat.halt()
		}
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				c.log.Debug("close capture source", "error", err.Error())
			}
		}

		c.setState(StateFinalizing)
		err := c.finalizeWriter()

		c.mu.Lock()
		defer c.mu.Unlock()
		state := StateCompleted
		if err != nil {
			state = StateFailed
			if c.err == nil {
				c.err = err
			}
		}
		c.state = state
		snap := c.diag.Snapshot()
		c.result = &Result{
			SessionID:      c.session.ID,
			WindowID:       c.opts.WindowID,
			OutputPath:     c.opts.OutputPath,
			Mode:           c.session.Mode,
			State:          state,
			Err:            err,
			FramesAppended: snap.FramesAppended,
			Duration:       time.Since(c.session.StartedAt),
			Diagnostics:    snap,
		}

		attrs := append([]any{
			"state", state.String(),
			logging.KeyDurationMs, c.result.Duration.Milliseconds(),
		}, snap.LogAttrs()...)
		if err != nil {
			attrs = append(attrs, logging.KeyError, err.Error())
		}
		c.log.Info("recording session ended", attrs...)
	})
}

// finalizeWriter finishes the output file. A writer that never started, or
// never received a frame, is aborted so no file is left behind.
func (c *Controller) finalizeWriter() error {
	c.mu.Lock()
	w := c.writer
	recorded := c.err
	c.mu.Unlock()

	frames := c.diag.FramesAppended.Load()
	switch {
	case w == nil:
		return recorded
	case !w.Started() || frames == 0:
		w.Abort()
		if recorded != nil {
			return recorded
		}
		return ErrNoFrames
	}

	// No deadline: finalize waits for the encoder to drain.
	ferr := w.Finalize(context.Background())
	if ferr != nil {
		c.log.Error("finalize failed", "error", ferr.Error())
	}
	if recorded != nil {
		return recorded
	}
	return ferr
}

// stopSignal is closed at most once; later Fire calls are no-ops.
type stopSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

// Fire closes the signal and reports whether this call did it.
func (s *stopSignal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

func (s *stopSignal) Done() <-chan struct{} {
	return s.ch
}

// IsUserError reports whether err came from bad input rather than a capture
// or writer failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidOptions)
}
