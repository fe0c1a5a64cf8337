package encoder

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"
)

// audStartCode is a 3-byte start code followed by an access unit delimiter
// NAL header (nal_ref_idc 0, type 9).
var audStartCode = []byte{0x00, 0x00, 0x01, 0x09}

// auSplitter cuts an Annex-B byte stream into access units on AUD
// boundaries. ffmpeg is run with h264_metadata=aud=insert so every picture
// starts with an AUD.
type auSplitter struct {
	buf     []byte
	scanned int
}

// Feed appends stream bytes and returns every access unit completed by them.
// An access unit is complete once the next one's AUD has been seen.
func (s *auSplitter) Feed(data []byte) []AccessUnit {
	s.buf = append(s.buf, data...)

	var out []AccessUnit
	for {
		from := s.scanned
		if from < 1 {
			from = 1
		}
		if from >= len(s.buf) {
			break
		}
		idx := bytes.Index(s.buf[from:], audStartCode)
		if idx < 0 {
			// Keep a start code that straddles the next Feed.
			s.scanned = max(1, len(s.buf)-len(audStartCode)+1)
			break
		}
		next := from + idx
		if au, ok := makeAccessUnit(s.buf[:next]); ok {
			out = append(out, au)
		}
		s.buf = append(s.buf[:0], s.buf[next:]...)
		s.scanned = 1
	}
	return out
}

// Flush returns whatever is buffered as the final access unit.
func (s *auSplitter) Flush() (AccessUnit, bool) {
	au, ok := makeAccessUnit(s.buf)
	s.buf = nil
	s.scanned = 0
	return au, ok
}

func makeAccessUnit(b []byte) (AccessUnit, bool) {
	// A zero byte before the next start code belongs to that start code.
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	if end == 0 {
		return AccessUnit{}, false
	}

	var au AccessUnit
	for _, nalu := range avc.ExtractNalusFromByteStream(b[:end]) {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_AUD:
			continue
		case avc.NALU_IDR:
			au.Keyframe = true
		}
		au.NALUs = append(au.NALUs, append([]byte(nil), nalu...))
	}
	return au, len(au.NALUs) > 0
}
