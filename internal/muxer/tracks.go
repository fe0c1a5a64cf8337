package muxer

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/breeze-rmm/recorder/internal/encoder"
)

const (
	videoTimescale = 90000
	videoTrackID   = 1
	audioTrackID   = 2
)

// toTicks converts a duration on the session timeline to track timescale
// units.
func toTicks(d time.Duration, timescale int) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) * uint64(timescale) / uint64(time.Second)
}

// trackBuffer accumulates samples for one track. The newest sample is held
// back until its successor arrives, since fragmented MP4 needs each
// sample's duration up front.
type trackBuffer struct {
	trackID  uint32
	held     *mp4.FullSample
	samples  []mp4.FullSample
	duration uint64
	written  int
}

// push adds a sample at decodeTime. decodeTime must not go backwards.
func (t *trackBuffer) push(s mp4.FullSample) {
	if t.held != nil {
		dur := s.DecodeTime - t.held.DecodeTime
		if dur == 0 {
			dur = 1
		}
		t.held.Dur = uint32(dur)
		t.samples = append(t.samples, *t.held)
		t.duration += dur
	}
	t.held = &s
}

// next returns the decode time right after the held sample, assuming
// defaultDur, and whether any sample has been pushed yet.
func (t *trackBuffer) next(defaultDur uint32) (uint64, bool) {
	if t.held == nil {
		return 0, false
	}
	return t.held.DecodeTime + uint64(defaultDur), true
}

// release moves the held sample into the buffer with a default duration.
func (t *trackBuffer) release(defaultDur uint32) {
	if t.held == nil {
		return
	}
	t.held.Dur = defaultDur
	t.samples = append(t.samples, *t.held)
	t.duration += uint64(defaultDur)
	t.held = nil
}

// writeFragment encodes buffered samples as one moof+mdat and resets the
// buffer. Nothing is written when the buffer is empty.
func (t *trackBuffer) writeFragment(w io.Writer, seq uint32) (bool, error) {
	if len(t.samples) == 0 {
		return false, nil
	}
	frag, err := mp4.CreateFragment(seq, t.trackID)
	if err != nil {
		return false, fmt.Errorf("create fragment: %w", err)
	}
	for _, s := range t.samples {
		frag.AddFullSample(s)
	}
	if err := frag.Encode(w); err != nil {
		return false, fmt.Errorf("encode fragment: %w", err)
	}
	t.written += len(t.samples)
	t.samples = t.samples[:0]
	t.duration = 0
	return true, nil
}

// avccSample converts an access unit to a length-prefixed sample, dropping
// parameter sets (they live in avcC).
func avccSample(au encoder.AccessUnit, decodeTime uint64) mp4.FullSample {
	var data []byte
	for _, nalu := range au.NALUs {
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS, avc.NALU_PPS:
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		data = append(data, lenBuf[:]...)
		data = append(data, nalu...)
	}

	flags := mp4.NonSyncSampleFlags
	if au.Keyframe {
		flags = mp4.SyncSampleFlags
	}
	return mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Size:  uint32(len(data)),
		},
		DecodeTime: decodeTime,
		Data:       data,
	}
}

// parameterSets returns the SPS and PPS carried in an access unit, if any.
func parameterSets(au encoder.AccessUnit) (sps, pps []byte) {
	for _, nalu := range au.NALUs {
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			if sps == nil {
				sps = nalu
			}
		case avc.NALU_PPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// buildInit creates the ftyp+moov init segment for the negotiated tracks.
func buildInit(width, height int, sps, pps []byte, audio *audioConfig) (*mp4.InitSegment, error) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(videoTimescale, "video", "und")

	trak := init.Moov.Trak
	avcC, err := mp4.CreateAvcC([][]byte{sps}, [][]byte{pps}, true)
	if err != nil {
		return nil, fmt.Errorf("create avcC: %w", err)
	}
	avcx := mp4.CreateVisualSampleEntryBox("avc1", uint16(width), uint16(height), avcC)
	trak.Mdia.Minf.Stbl.Stsd.AddChild(avcx)
	trak.Tkhd.Width = mp4.Fixed32(width << 16)
	trak.Tkhd.Height = mp4.Fixed32(height << 16)

	if audio != nil {
		init.AddEmptyTrack(uint32(audio.sampleRate), "audio", "und")
		atrak := init.Moov.Traks[len(init.Moov.Traks)-1]
		esds := mp4.CreateEsdsBox(audio.asc)
		mp4a := mp4.CreateAudioSampleEntryBox("mp4a", uint16(audio.channels), 16, uint16(audio.sampleRate), esds)
		atrak.Mdia.Minf.Stbl.Stsd.AddChild(mp4a)
	}
	return init, nil
}

// mp4FullSample wraps an audio payload. Every AAC frame is a sync sample.
func mp4FullSample(data []byte, decodeTime uint64) mp4.FullSample {
	return mp4.FullSample{
		Sample: mp4.Sample{
			Flags: mp4.SyncSampleFlags,
			Size:  uint32(len(data)),
		},
		DecodeTime: decodeTime,
		Data:       data,
	}
}
