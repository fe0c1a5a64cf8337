package encoder

import "sync"

// nv12Pool pools NV12 buffers for the resolution last requested.
var nv12Pool = struct {
	pool sync.Pool
	size int
	mu   sync.Mutex
}{}

func getNV12Buffer(w, h int) []byte {
	size := w*h + w*h/2
	nv12Pool.mu.Lock()
	nv12Pool.size = size
	nv12Pool.mu.Unlock()

	for {
		v := nv12Pool.pool.Get()
		if v == nil {
			break
		}
		// Drop buffers left over from a different resolution.
		if buf := v.([]byte); len(buf) == size {
			return buf
		}
	}
	return make([]byte, size)
}

func putNV12Buffer(buf []byte) {
	nv12Pool.mu.Lock()
	size := nv12Pool.size
	nv12Pool.mu.Unlock()
	if len(buf) != size {
		return
	}
	nv12Pool.pool.Put(buf)
}

// channel byte offsets within a 32-bit pixel
type channelOrder struct{ r, g, b int }

var (
	orderRGBA = channelOrder{r: 0, g: 1, b: 2}
	orderBGRA = channelOrder{r: 2, g: 1, b: 0}
)

func rgbaToNV12(rgba []byte, width, height, stride int) []byte {
	return toNV12(rgba, width, height, stride, orderRGBA)
}

func bgraToNV12(bgra []byte, width, height, stride int) []byte {
	return toNV12(bgra, width, height, stride, orderBGRA)
}

// toNV12 converts 32-bit pixels to NV12 ([Y: w*h][UV interleaved: w*h/2])
// with BT.601 fixed-point coefficients. For 0-255 input Y stays in [16,235]
// and UV in [16,240], so no clamping is needed. Chroma is taken from the
// top-left pixel of each 2x2 block. Short input yields a zeroed buffer.
func toNV12(pix []byte, width, height, stride int, o channelOrder) []byte {
	nv12 := getNV12Buffer(width, height)
	if len(pix) < stride*(height-1)+width*4 {
		clear(nv12)
		return nv12
	}

	yPlane := nv12[:width*height]
	uvPlane := nv12[width*height:]

	for y := 0; y < height; y++ {
		row := pix[y*stride : y*stride+width*4]
		yRow := yPlane[y*width : (y+1)*width]
		for x := range yRow {
			pi := x * 4
			r, g, b := int(row[pi+o.r]), int(row[pi+o.g]), int(row[pi+o.b])
			yRow[x] = byte((66*r+129*g+25*b+128)>>8 + 16)
		}

		if y%2 != 0 {
			continue
		}
		uvRow := uvPlane[(y/2)*width : (y/2+1)*width]
		for x := 0; x+1 < width; x += 2 {
			pi := x * 4
			r, g, b := int(row[pi+o.r]), int(row[pi+o.g]), int(row[pi+o.b])
			uvRow[x] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			uvRow[x+1] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
	return nv12
}
