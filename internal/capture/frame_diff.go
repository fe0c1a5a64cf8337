package capture

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/breeze-rmm/recorder/internal/media"
)

// frameDiffer detects unchanged frames via CRC32 of the visible pixel rows.
// Only the stream loop calls it, so the hash needs no lock.
type frameDiffer struct {
	lastHash    uint32
	hasLastHash bool
	lastW       int
	lastH       int
	skipped     atomic.Uint64
	total       atomic.Uint64
}

func newFrameDiffer() *frameDiffer {
	return &frameDiffer{}
}

// HasChanged returns true if the frame differs from the last one seen.
// Returns true on the first frame and after a size change.
func (d *frameDiffer) HasChanged(f *media.VideoFrame) bool {
	d.total.Add(1)

	var h uint32
	if f.Stride == f.Width*4 {
		h = crc32.ChecksumIEEE(f.Pix[:f.Width*4*f.Height])
	} else {
		for y := 0; y < f.Height; y++ {
			h = crc32.Update(h, crc32.IEEETable, f.Pix[y*f.Stride:y*f.Stride+f.Width*4])
		}
	}

	if d.hasLastHash && h == d.lastHash && f.Width == d.lastW && f.Height == d.lastH {
		d.skipped.Add(1)
		return false
	}
	d.lastHash = h
	d.lastW = f.Width
	d.lastH = f.Height
	d.hasLastHash = true
	return true
}

// Reset forgets the stored hash so the next frame counts as changed.
func (d *frameDiffer) Reset() {
	d.hasLastHash = false
}

// Stats returns (total frames checked, frames skipped).
func (d *frameDiffer) Stats() (total, skipped uint64) {
	return d.total.Load(), d.skipped.Load()
}
