package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/media"
	"github.com/breeze-rmm/recorder/internal/muxer"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitGrabs(t *testing.T, g *fakeGrabber, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.grabs:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d grabs", i, n)
		}
	}
}

func finish(t *testing.T, c *Controller, done <-chan runResult) runResult {
	t.Helper()
	c.RequestStop()
	select {
	case r := <-done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
		return runResult{}
	}
}

func newPollingController(t *testing.T, g *fakeGrabber, m Muxer, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
		FPS:        50,
		Mode:       ModePolling,
		Grabber:    g,
		Writer:     m,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func assertEvenSpacing(t *testing.T, pts []time.Duration, interval time.Duration) {
	t.Helper()
	for i := 1; i < len(pts); i++ {
		if d := pts[i] - pts[i-1]; d != interval {
			t.Fatalf("pts[%d]-pts[%d] = %v, want %v", i, i-1, d, interval)
		}
	}
}

func TestPollingTimestampsAreEvenlySpaced(t *testing.T) {
	g := newFakeGrabber(64, 48)
	m := &fakeMuxer{}
	c := newPollingController(t, g, m, nil)

	done := run(c)
	waitGrabs(t, g, 10)
	r := finish(t, c, done)

	if r.err != nil {
		t.Fatalf("session error: %v", r.err)
	}
	if r.res.State != StateCompleted {
		t.Fatalf("state = %v, want completed", r.res.State)
	}
	video, _, _, _ := m.snapshot()
	if len(video) < 5 {
		t.Fatalf("appended %d frames, want at least 5", len(video))
	}
	if video[0] != m.startAt {
		t.Fatalf("first frame pts %v, writer start %v", video[0], m.startAt)
	}
	assertEvenSpacing(t, video, 20*time.Millisecond)
	if uint64(len(video)) != r.res.FramesAppended {
		t.Fatalf("FramesAppended = %d, muxer saw %d", r.res.FramesAppended, len(video))
	}
	if m.finalizeCalls != 1 || m.abortCalls != 0 {
		t.Fatalf("finalize=%d abort=%d, want 1 and 0", m.finalizeCalls, m.abortCalls)
	}
}

func TestPollingBackpressureKeepsSequence(t *testing.T) {
	g := newFakeGrabber(64, 48)
	m := &fakeMuxer{}
	c := newPollingController(t, g, m, func(o *Options) { o.FPS = 10 })

	done := run(c)
	waitFor(t, "first frame", func() bool { v, _, _, _ := m.snapshot(); return len(v) >= 1 })
	m.mu.Lock()
	m.notReady = 5
	before := len(m.videoPTS)
	m.mu.Unlock()

	waitFor(t, "backpressure to clear", func() bool {
		v, _, _, _ := m.snapshot()
		return len(v) >= before+2
	})
	r := finish(t, c, done)

	if got := r.res.Diagnostics.BackpressureDrops; got != 5 {
		t.Fatalf("backpressure drops = %d, want 5", got)
	}
	video, _, _, _ := m.snapshot()
	// The frame after the stall continues base + n/fps with no gap.
	assertEvenSpacing(t, video, 100*time.Millisecond)
	if r.res.Diagnostics.DroppedFrames != 5 {
		t.Fatalf("dropped frames = %d, want 5", r.res.Diagnostics.DroppedFrames)
	}
}

func TestPollingOddDimensionsLeaveNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")
	encoderCreated := false
	w := muxer.New(muxer.Options{
		Path: path,
		NewEncoder: func(encoder.Config) (muxer.VideoEncoder, error) {
			encoderCreated = true
			return nil, errors.New("unexpected")
		},
	})

	c, err := New(Options{
		OutputPath: path,
		FPS:        10,
		Mode:       ModePolling,
		Grabber:    newFakeGrabber(801, 600),
		Writer:     w,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Start(t.Context())
	if !errors.Is(err, media.ErrInvalidDimensions) {
		t.Fatalf("error = %v, want ErrInvalidDimensions", err)
	}
	if res.State != StateFailed || res.FramesAppended != 0 {
		t.Fatalf("result = %+v", res)
	}
	if encoderCreated {
		t.Fatal("video track created for odd dimensions")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("files left behind: %v", entries)
	}
}

func TestPollingWindowClosedIsFatal(t *testing.T) {
	g := newFakeGrabber(64, 48)
	g.err = capture.ErrWindowClosed
	g.errAfter = 3
	m := &fakeMuxer{}
	c := newPollingController(t, g, m, nil)

	res, err := c.Start(t.Context())
	if !errors.Is(err, media.ErrCaptureUnavailable) {
		t.Fatalf("error = %v, want ErrCaptureUnavailable", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	if res.FramesAppended != 3 {
		t.Fatalf("frames = %d, want 3", res.FramesAppended)
	}
	if m.finalizeCalls != 1 {
		t.Fatalf("finalize calls = %d, want 1", m.finalizeCalls)
	}
}

func TestPollingFirstCaptureFailureIsFatal(t *testing.T) {
	g := newFakeGrabber(64, 48)
	g.err = capture.ErrNoFrame
	m := &fakeMuxer{}
	c := newPollingController(t, g, m, nil)

	_, err := c.Start(t.Context())
	if !errors.Is(err, media.ErrCaptureUnavailable) {
		t.Fatalf("error = %v, want ErrCaptureUnavailable", err)
	}
	if m.abortCalls != 1 {
		t.Fatalf("abort calls = %d, want 1", m.abortCalls)
	}
}

func TestPollingTransientUnavailabilityIsCounted(t *testing.T) {
	g := newFakeGrabber(64, 48)
	g.err = capture.ErrNoFrame
	g.errAfter = 1
	m := &fakeMuxer{}
	c := newPollingController(t, g, m, nil)

	done := run(c)
	waitGrabs(t, g, 5)
	r := finish(t, c, done)

	if r.err != nil {
		t.Fatalf("session error: %v", r.err)
	}
	if r.res.Diagnostics.UnavailableCaptures == 0 {
		t.Fatal("unavailable captures not counted")
	}
	if r.res.FramesAppended != 1 {
		t.Fatalf("frames = %d, want 1", r.res.FramesAppended)
	}
}

func TestPollingAudioStartsWriterInsideGrace(t *testing.T) {
	g := newFakeGrabber(64, 48)
	m := &fakeMuxer{}
	audio := newFakeAudio()
	c := newPollingController(t, g, m, func(o *Options) {
		o.Audio = true
		o.AudioSource = audio
		o.AudioGrace = time.Minute
	})

	done := run(c)
	cb := <-audio.started
	if m.Started() {
		t.Fatal("writer started before audio arrived")
	}
	cb(audioSample(media.Now()))
	if !m.Started() {
		t.Fatal("first audio sample should start the writer")
	}

	r := finish(t, c, done)
	if r.err != nil {
		t.Fatalf("session error: %v", r.err)
	}
	_, _, audioPTS, order := m.snapshot()
	if len(order) < 2 || order[0] != "video" || order[1] != "audio" {
		t.Fatalf("append order = %v, want video then audio first", order)
	}
	if len(audioPTS) != 1 || r.res.Diagnostics.AudioAppended != 1 {
		t.Fatalf("audio appended = %d", len(audioPTS))
	}
	if !audio.stopped {
		t.Fatal("audio source not stopped")
	}
}

func TestPollingGraceElapsesWithoutAudio(t *testing.T) {
	g := newFakeGrabber(64, 48)
	m := &fakeMuxer{}
	audio := newFakeAudio()
	c := newPollingController(t, g, m, func(o *Options) {
		o.Audio = true
		o.AudioSource = audio
		o.AudioGrace = 30 * time.Millisecond
	})

	done := run(c)
	waitFor(t, "writer start after grace", m.Started)
	r := finish(t, c, done)

	if r.err != nil {
		t.Fatalf("session error: %v", r.err)
	}
	video, _, _, _ := m.snapshot()
	if len(video) == 0 || video[0] != m.startAt {
		t.Fatalf("first frame should be time zero: video=%v start=%v", video, m.startAt)
	}
}

func TestPollingUnsupportedAudio(t *testing.T) {
	for _, tc := range []struct {
		name    string
		require bool
		wantErr error
	}{
		{name: "optional", require: false},
		{name: "required", require: true, wantErr: media.ErrAudioFormatUnsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newFakeGrabber(64, 48)
			m := &fakeMuxer{audioErr: media.ErrAudioFormatUnsupported}
			audio := newFakeAudio()
			c := newPollingController(t, g, m, func(o *Options) {
				o.Audio = true
				o.RequireAudio = tc.require
				o.AudioSource = audio
				o.AudioGrace = time.Minute
			})

			done := run(c)
			cb := <-audio.started
			cb(audioSample(media.Now()))
			if !tc.require {
				waitGrabs(t, g, 3)
			}
			r := finish(t, c, done)

			if tc.wantErr == nil {
				if r.err != nil {
					t.Fatalf("session error: %v", r.err)
				}
				if r.res.Diagnostics.AudioDrops != 1 {
					t.Fatalf("audio drops = %d, want 1", r.res.Diagnostics.AudioDrops)
				}
				return
			}
			if !errors.Is(r.err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", r.err, tc.wantErr)
			}
		})
	}
}

func TestPollingAudioSourceFailureDegrades(t *testing.T) {
	g := newFakeGrabber(64, 48)
	m := &fakeMuxer{}
	audio := newFakeAudio()
	audio.startErr = errors.New("no pulse server")
	c := newPollingController(t, g, m, func(o *Options) {
		o.Audio = true
		o.AudioSource = audio
	})

	done := run(c)
	waitFor(t, "writer start", m.Started)
	r := finish(t, c, done)
	if r.err != nil {
		t.Fatalf("session error: %v", r.err)
	}
}
