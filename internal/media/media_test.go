package media

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCloneIsIndependentOfPool(t *testing.T) {
	var pool FramePool
	f := pool.Get(4, 2)
	for i := range f.Pix {
		f.Pix[i] = 0xAB
	}
	f.PTS = 42

	cp := f.Clone()
	f.Release()

	if f.Pix != nil {
		t.Fatal("released frame should drop its buffer")
	}
	if len(cp.Pix) != 4*2*4 {
		t.Fatalf("clone pix len = %d, want 32", len(cp.Pix))
	}
	for i, b := range cp.Pix {
		if b != 0xAB {
			t.Fatalf("clone byte %d = %#x, want 0xab", i, b)
		}
	}

	// Reusing the pool must not touch the clone.
	g := pool.Get(4, 2)
	for i := range g.Pix {
		g.Pix[i] = 0
	}
	if cp.Pix[0] != 0xAB {
		t.Fatal("clone shares memory with pooled buffer")
	}
	if cp.PTS != 42 {
		t.Fatalf("clone PTS = %v, want 42", cp.PTS)
	}

	// Releasing a clone is a no-op.
	cp.Release()
	if cp.Pix == nil {
		t.Fatal("clone should keep its pixels after Release")
	}
}

func TestReleaseTwiceIsSafe(t *testing.T) {
	var pool FramePool
	f := pool.Get(2, 2)
	f.Release()
	f.Release()
}

func TestPoolResetsOnResize(t *testing.T) {
	var pool FramePool
	f := pool.Get(2, 2)
	f.Release()

	g := pool.Get(4, 4)
	if len(g.Pix) != 64 {
		t.Fatalf("pix len after resize = %d, want 64", len(g.Pix))
	}
	if g.Stride != 16 {
		t.Fatalf("stride = %d, want 16", g.Stride)
	}
}

func TestPoolConcurrentResize(t *testing.T) {
	var pool FramePool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w := 2 + 2*((i+j)%2)
				f := pool.Get(w, w)
				if len(f.Pix) != w*w*4 {
					t.Errorf("pix len = %d, want %d", len(f.Pix), w*w*4)
					return
				}
				f.Release()
			}
		}(i)
	}
	wg.Wait()
}

func TestHasPixels(t *testing.T) {
	tests := []struct {
		name  string
		frame *VideoFrame
		want  bool
	}{
		{"nil", nil, false},
		{"idle without pixels", &VideoFrame{Width: 2, Height: 2, Stride: 8}, false},
		{"short buffer", &VideoFrame{Width: 2, Height: 2, Stride: 8, Pix: make([]byte, 10)}, false},
		{"exact", &VideoFrame{Width: 2, Height: 2, Stride: 8, Pix: make([]byte, 16)}, true},
		{"padded stride", &VideoFrame{Width: 2, Height: 2, Stride: 12, Pix: make([]byte, 20)}, true},
	}
	for _, tt := range tests {
		if got := tt.frame.HasPixels(); got != tt.want {
			t.Errorf("%s: HasPixels() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEvenDimensions(t *testing.T) {
	tests := []struct {
		w, h int
		want bool
	}{
		{800, 600, true},
		{801, 600, false},
		{800, 601, false},
		{0, 600, false},
		{2, 2, true},
	}
	for _, tt := range tests {
		if got := EvenDimensions(tt.w, tt.h); got != tt.want {
			t.Errorf("EvenDimensions(%d, %d) = %v, want %v", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(fmt.Errorf("video: %w", ErrNotReady)) {
		t.Fatal("wrapped ErrNotReady should be recoverable")
	}
	if !IsRecoverable(ErrOutOfOrder) {
		t.Fatal("ErrOutOfOrder should be recoverable")
	}
	if IsRecoverable(ErrWriterWrite) {
		t.Fatal("ErrWriterWrite should be fatal")
	}
	if IsRecoverable(errors.New("other")) {
		t.Fatal("unknown errors should not be recoverable")
	}
}

func TestAACFrequencyIndex(t *testing.T) {
	if i, ok := AACFrequencyIndex(48000); !ok || i != 3 {
		t.Fatalf("AACFrequencyIndex(48000) = %d, %v; want 3, true", i, ok)
	}
	if i, ok := AACFrequencyIndex(44100); !ok || i != 4 {
		t.Fatalf("AACFrequencyIndex(44100) = %d, %v; want 4, true", i, ok)
	}
	if _, ok := AACFrequencyIndex(45000); ok {
		t.Fatal("45000 Hz is not an AAC table rate")
	}
}
