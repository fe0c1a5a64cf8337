package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/media"
)

// StreamOptions configures a PushStream.
type StreamOptions struct {
	FPS int
	// Audio is started alongside video when the handler has OnAudio set.
	Audio AudioSource
	// Suspend marks frames Suspended while the screen is locked. Optional.
	Suspend SuspendMonitor
}

// PushStream turns a Grabber into a push source of status-tagged frames.
// Every tick produces exactly one video callback: Complete when the window
// content changed, Idle when it did not (or the window has no image right
// now), Blank for an all-black image and Suspended while the monitor reports
// the screen as locked.
type PushStream struct {
	grabber Grabber
	opts    StreamOptions
	width   int
	height  int
	differ  *frameDiffer
	now     func() time.Duration

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPushStream reads the window's current size as the stream target.
func NewPushStream(g Grabber, opts StreamOptions) (*PushStream, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream fps %d", opts.FPS)
	}
	w, h, err := g.Bounds()
	if err != nil {
		return nil, err
	}
	return &PushStream{
		grabber: g,
		opts:    opts,
		width:   w,
		height:  h,
		differ:  newFrameDiffer(),
		now:     media.Now,
		done:    make(chan struct{}),
	}, nil
}

func (s *PushStream) Bounds() (int, int) {
	return s.width, s.height
}

func (s *PushStream) Start(h StreamHandler) error {
	if h.OnVideo == nil {
		return errors.New("stream handler requires OnVideo")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("stream already started")
	}
	s.started = true

	if s.opts.Audio != nil && h.OnAudio != nil {
		if err := s.opts.Audio.Start(h.OnAudio); err != nil {
			return fmt.Errorf("start audio: %w", err)
		}
	}

	s.wg.Add(1)
	go s.loop(h)
	return nil
}

func (s *PushStream) loop(h StreamHandler) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.tick(h) {
				return
			}
		}
	}
}

// tick emits one video sample. It returns false after a fatal capture error
// has been reported through OnError.
func (s *PushStream) tick(h StreamHandler) bool {
	if s.opts.Suspend != nil && s.opts.Suspend.Suspended() {
		s.differ.Reset()
		h.OnVideo(s.statusFrame(media.StatusSuspended, s.now()))
		return true
	}

	frame, err := s.grabber.Grab()
	if errors.Is(err, ErrNoFrame) {
		h.OnVideo(s.statusFrame(media.StatusIdle, s.now()))
		return true
	}
	if err != nil {
		log.Warn("stream capture failed", "error", err.Error())
		if h.OnError != nil {
			h.OnError(err)
		}
		return false
	}

	switch {
	case isBlank(frame):
		s.differ.Reset()
		h.OnVideo(s.stripPixels(frame, media.StatusBlank))
	case !s.differ.HasChanged(frame):
		h.OnVideo(s.stripPixels(frame, media.StatusIdle))
	default:
		frame.Status = media.StatusComplete
		h.OnVideo(frame)
	}
	return true
}

func (s *PushStream) statusFrame(status media.FrameStatus, pts time.Duration) *media.VideoFrame {
	return &media.VideoFrame{
		Width:  s.width,
		Height: s.height,
		Stride: s.width * 4,
		PTS:    pts,
		Status: status,
	}
}

// stripPixels returns a pixel-less status frame carrying the grabbed frame's
// timestamp and hands the buffer back to its pool.
func (s *PushStream) stripPixels(frame *media.VideoFrame, status media.FrameStatus) *media.VideoFrame {
	out := &media.VideoFrame{
		Width:       frame.Width,
		Height:      frame.Height,
		Stride:      frame.Stride,
		PixelFormat: frame.PixelFormat,
		PTS:         frame.PTS,
		Status:      status,
	}
	frame.Release()
	return out
}

// Stop halts the tick loop and audio capture. In-flight callbacks complete
// before Stop returns.
func (s *PushStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.opts.Audio != nil {
			s.opts.Audio.Stop()
		}
		total, skipped := s.differ.Stats()
		log.Debug("stream stopped", "framesChecked", total, "framesUnchanged", skipped)
	})
}

var _ Stream = (*PushStream)(nil)
