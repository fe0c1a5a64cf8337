package capture

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/breeze-rmm/recorder/internal/media"
)

// adtsFrame builds an AAC-LC ADTS frame without CRC around payload.
func adtsFrame(freqIdx, channels int, payload []byte) []byte {
	frameLen := 7 + len(payload)
	h := []byte{
		0xFF,
		0xF1,
		byte(1<<6 | freqIdx<<2 | (channels>>2)&1),
		byte((channels&3)<<6 | (frameLen>>11)&3),
		byte(frameLen >> 3),
		byte((frameLen&7)<<5 | 0x1F),
		0xFC,
	}
	return append(h, payload...)
}

func TestADTSReaderSplitsFramesAndStampsPTS(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13, 0x37}) // garbage before first sync word
	stream.Write(adtsFrame(3, 2, bytes.Repeat([]byte{0xAA}, 20)))
	stream.Write(adtsFrame(3, 2, bytes.Repeat([]byte{0xBB}, 30)))
	stream.Write(adtsFrame(3, 2, bytes.Repeat([]byte{0xCC}, 10)))

	r := newADTSReader(&stream)
	r.now = func() time.Duration { return 5 * time.Second }

	var got []*media.AudioSample
	for {
		s, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("Next: %v", err)
			}
			break
		}
		got = append(got, s)
	}

	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	wantLens := []int{27, 37, 17}
	for i, s := range got {
		if len(s.Data) != wantLens[i] {
			t.Errorf("sample %d len = %d, want %d", i, len(s.Data), wantLens[i])
		}
		if s.Format.SampleRate != 48000 || s.Format.Channels != 2 || s.Format.Codec != media.CodecAAC {
			t.Errorf("sample %d format = %v, want aac/48000Hz/2ch", i, s.Format)
		}
	}

	frameDur := time.Duration(media.SamplesPerPacket * int64(time.Second) / 48000)
	if got[0].PTS != 5*time.Second {
		t.Fatalf("first PTS = %v, want 5s", got[0].PTS)
	}
	if d := got[1].PTS - got[0].PTS; d != frameDur {
		t.Fatalf("PTS delta = %v, want %v", d, frameDur)
	}
	if got[2].PTS != 5*time.Second+time.Duration(2*media.SamplesPerPacket*int64(time.Second)/48000) {
		t.Fatalf("third PTS = %v", got[2].PTS)
	}
}

func TestPulseSourceArgs(t *testing.T) {
	p := NewPulseSource(PulseOptions{})
	args := p.args()

	want := map[string]string{
		"-f":   "pulse",
		"-i":   DefaultAudioDevice,
		"-ac":  "2",
		"-ar":  "48000",
		"-c:a": "aac",
		"-b:a": "128000",
	}
	seen := map[string]string{}
	for i := 0; i+1 < len(args); i++ {
		if _, ok := want[args[i]]; ok {
			if _, dup := seen[args[i]]; !dup {
				seen[args[i]] = args[i+1]
			}
		}
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("arg %s = %q, want %q", k, seen[k], v)
		}
	}
	if args[len(args)-1] != "pipe:1" {
		t.Errorf("last arg = %q, want pipe:1", args[len(args)-1])
	}
}
