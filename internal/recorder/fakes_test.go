package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/media"
)

// fakeMuxer records every call the recorder makes.
type fakeMuxer struct {
	mu sync.Mutex

	configureErr error
	audioErr     error
	width        int
	height       int
	audioFormat  *media.AudioFormat

	started bool
	startAt time.Duration

	// notReady makes the next n VideoReady calls report false.
	notReady int
	appendErr error

	videoPTS   []time.Duration
	videoFirst []byte
	audioPTS   []time.Duration
	order      []string

	finalizeCalls int
	abortCalls    int
}

func (m *fakeMuxer) ConfigureVideo(w, h int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configureErr != nil {
		return m.configureErr
	}
	if !media.EvenDimensions(w, h) {
		return media.ErrInvalidDimensions
	}
	m.width, m.height = w, h
	return nil
}

func (m *fakeMuxer) ConfigureAudio(f media.AudioFormat, _ *media.AudioSample) (media.AudioFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioErr != nil {
		return media.AudioFormat{}, m.audioErr
	}
	m.audioFormat = &f
	return f, nil
}

func (m *fakeMuxer) Start(at time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("already started")
	}
	m.started = true
	m.startAt = at
	return nil
}

func (m *fakeMuxer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *fakeMuxer) VideoReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notReady > 0 {
		m.notReady--
		return false
	}
	return m.started
}

func (m *fakeMuxer) AudioReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.audioFormat != nil
}

func (m *fakeMuxer) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioFormat != nil
}

func (m *fakeMuxer) AppendVideo(f *media.VideoFrame, pts time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if n := len(m.videoPTS); n > 0 && pts <= m.videoPTS[n-1] {
		return media.ErrOutOfOrder
	}
	m.videoPTS = append(m.videoPTS, pts)
	var first byte
	if len(f.Pix) > 0 {
		first = f.Pix[0]
	}
	m.videoFirst = append(m.videoFirst, first)
	m.order = append(m.order, "video")
	return nil
}

func (m *fakeMuxer) AppendAudio(s *media.AudioSample, pts time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioPTS = append(m.audioPTS, pts)
	m.order = append(m.order, "audio")
	return nil
}

func (m *fakeMuxer) Finalize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeCalls++
	return nil
}

func (m *fakeMuxer) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCalls++
}

func (m *fakeMuxer) snapshot() (video []time.Duration, first []byte, audio []time.Duration, order []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.videoPTS...),
		append([]byte(nil), m.videoFirst...),
		append([]time.Duration(nil), m.audioPTS...),
		append([]string(nil), m.order...)
}

// fakeGrabber returns solid frames stamped with the media clock.
type fakeGrabber struct {
	mu     sync.Mutex
	width  int
	height int
	err    error
	// errAfter makes Grab fail with err once this many frames were served.
	errAfter int
	served   int
	grabs    chan struct{}
}

func newFakeGrabber(w, h int) *fakeGrabber {
	return &fakeGrabber{width: w, height: h, errAfter: -1, grabs: make(chan struct{}, 1024)}
}

func (g *fakeGrabber) Grab() (*media.VideoFrame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case g.grabs <- struct{}{}:
	default:
	}
	if g.err != nil && (g.errAfter < 0 || g.served >= g.errAfter) {
		return nil, g.err
	}
	g.served++
	return &media.VideoFrame{
		Pix:         make([]byte, g.width*g.height*4),
		Stride:      g.width * 4,
		Width:       g.width,
		Height:      g.height,
		PixelFormat: media.PixelFormatBGRA,
		PTS:         media.Now(),
		Status:      media.StatusComplete,
	}, nil
}

func (g *fakeGrabber) Bounds() (int, int, error) { return g.width, g.height, nil }
func (g *fakeGrabber) Close() error              { return nil }

// fakeStream hands its handler to the test.
type fakeStream struct {
	width, height int
	started       chan capture.StreamHandler
	stopped       chan struct{}
	stopOnce      sync.Once
}

func newFakeStream(w, h int) *fakeStream {
	return &fakeStream{width: w, height: h, started: make(chan capture.StreamHandler, 1), stopped: make(chan struct{})}
}

func (s *fakeStream) Bounds() (int, int) { return s.width, s.height }
func (s *fakeStream) Start(h capture.StreamHandler) error {
	s.started <- h
	return nil
}
func (s *fakeStream) Stop() { s.stopOnce.Do(func() { close(s.stopped) }) }

// fakeAudio hands its callback to the test.
type fakeAudio struct {
	startErr error
	started  chan func(*media.AudioSample)
	stopped  bool
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{started: make(chan func(*media.AudioSample), 1)}
}

func (a *fakeAudio) Start(cb func(*media.AudioSample)) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.started <- cb
	return nil
}

func (a *fakeAudio) Stop() { a.stopped = true }

func videoFrame(w, h int, pts time.Duration, status media.FrameStatus, fill byte) *media.VideoFrame {
	f := &media.VideoFrame{
		Width:       w,
		Height:      h,
		Stride:      w * 4,
		PixelFormat: media.PixelFormatBGRA,
		PTS:         pts,
		Status:      status,
	}
	if status == media.StatusComplete {
		f.Pix = make([]byte, w*h*4)
		for i := range f.Pix {
			f.Pix[i] = fill
		}
	}
	return f
}

func audioSample(pts time.Duration) *media.AudioSample {
	return &media.AudioSample{
		Data:   []byte{0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x3F, 0xFC, 0x21},
		PTS:    pts,
		Format: media.AudioFormat{Codec: media.CodecAAC, SampleRate: 48000, Channels: 2},
	}
}

type runResult struct {
	res *Result
	err error
}

// run starts c in the background.
func run(c *Controller) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		res, err := c.Start(context.Background())
		out <- runResult{res, err}
	}()
	return out
}
