package media

import "sync"

// FramePool pools pixel buffers for a fixed resolution. A recording session
// keeps one window size, so a single-size pool is enough; a size change
// swaps in a fresh pool.
type FramePool struct {
	mu   sync.Mutex
	w, h int
	// pool is replaced, never mutated, under mu; callers use the pointer
	// they read without holding the lock.
	pool *sync.Pool
}

// Get returns a frame with a w×h RGBA-sized buffer. The returned frame's
// Release hands the buffer back to the pool.
func (p *FramePool) Get(w, h int) *VideoFrame {
	size := w * h * 4
	pool := p.current(w, h)

	var pix []byte
	if v := pool.Get(); v != nil {
		if buf := *v.(*[]byte); len(buf) == size {
			pix = buf
		}
	}
	if pix == nil {
		pix = make([]byte, size)
	}

	return &VideoFrame{
		Pix:     pix,
		Stride:  w * 4,
		Width:   w,
		Height:  h,
		release: p.put,
	}
}

// current returns the pool for w×h, replacing it when the size changed.
func (p *FramePool) current(w, h int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil || p.w != w || p.h != h {
		p.w, p.h = w, h
		p.pool = &sync.Pool{}
	}
	return p.pool
}

func (p *FramePool) put(f *VideoFrame) {
	p.mu.Lock()
	pool := p.pool
	match := pool != nil && p.w == f.Width && p.h == f.Height
	p.mu.Unlock()
	if match && len(f.Pix) == f.Width*f.Height*4 {
		pix := f.Pix
		pool.Put(&pix)
	}
	f.Pix = nil
}
