package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/aac"

	"github.com/breeze-rmm/recorder/internal/ffmpeg"
	"github.com/breeze-rmm/recorder/internal/media"
)

// DefaultAudioDevice captures whatever the default sink is playing.
const DefaultAudioDevice = "@DEFAULT_MONITOR@"

// maxADTSResync bounds how many garbage bytes are skipped looking for the
// next ADTS sync word before the stream is considered broken.
const maxADTSResync = 64 * 1024

// PulseOptions configures system audio capture.
type PulseOptions struct {
	FFmpegPath string
	Device     string
	SampleRate int
	Channels   int
	// Bitrate in bits per second.
	Bitrate int
}

// PulseSource captures the PulseAudio monitor of the default sink through
// ffmpeg and emits ADTS-framed AAC packets.
type PulseSource struct {
	opts PulseOptions

	mu       sync.Mutex
	proc     *ffmpeg.Process
	stopping bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPulseSource(opts PulseOptions) *PulseSource {
	if opts.Device == "" {
		opts.Device = DefaultAudioDevice
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	if opts.Bitrate <= 0 {
		opts.Bitrate = 128000
	}
	return &PulseSource{opts: opts}
}

func (p *PulseSource) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-f", "pulse",
		"-i", p.opts.Device,
		"-ac", strconv.Itoa(p.opts.Channels),
		"-ar", strconv.Itoa(p.opts.SampleRate),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(p.opts.Bitrate),
		"-f", "adts",
		"pipe:1",
	}
}

func (p *PulseSource) Start(cb func(*media.AudioSample)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return errors.New("audio capture already started")
	}

	path, err := ffmpeg.Locate(p.opts.FFmpegPath)
	if err != nil {
		return err
	}
	proc, err := ffmpeg.Start(path, p.args(), false)
	if err != nil {
		return fmt.Errorf("start audio capture: %w", err)
	}
	p.proc = proc

	log.Info("audio capture started",
		"device", p.opts.Device,
		"sampleRate", p.opts.SampleRate,
		"channels", p.opts.Channels,
	)

	p.wg.Add(1)
	go p.readLoop(proc, cb)
	return nil
}

func (p *PulseSource) readLoop(proc *ffmpeg.Process, cb func(*media.AudioSample)) {
	defer p.wg.Done()

	r := newADTSReader(proc.Stdout)
	for {
		sample, err := r.Next()
		if err != nil {
			p.mu.Lock()
			stopping := p.stopping
			p.mu.Unlock()
			// Drain so Wait does not block on a full pipe.
			_, _ = io.Copy(io.Discard, proc.Stdout)
			waitErr := proc.Wait()
			if !stopping {
				log.Warn("audio capture ended", "error", errors.Join(err, waitErr))
			}
			return
		}
		cb(sample)
	}
}

// Stop interrupts ffmpeg and waits for the reader to finish.
func (p *PulseSource) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		proc := p.proc
		p.mu.Unlock()
		if proc == nil {
			return
		}
		proc.Interrupt(2 * time.Second)
		p.wg.Wait()
	})
}

// adtsReader splits an ADTS byte stream into timestamped samples. The first
// packet is stamped with its arrival time; later packets advance by exactly
// one AAC frame so jitter in pipe delivery does not leak into PTS.
type adtsReader struct {
	br      *bufio.Reader
	now     func() time.Duration
	base    time.Duration
	started bool
	count   int64
}

func newADTSReader(r io.Reader) *adtsReader {
	return &adtsReader{br: bufio.NewReaderSize(r, 64*1024), now: media.Now}
}

func (r *adtsReader) Next() (*media.AudioSample, error) {
	data, hdr, err := r.readFrame()
	if err != nil {
		return nil, err
	}
	idx := int(hdr.SamplingFrequencyIndex)
	if idx >= len(media.AACSampleRates) {
		return nil, fmt.Errorf("adts: sampling frequency index %d out of range", idx)
	}
	rate := media.AACSampleRates[idx]

	if !r.started {
		r.base = r.now()
		r.started = true
	}
	pts := r.base + time.Duration(r.count*media.SamplesPerPacket*int64(time.Second)/int64(rate))
	r.count++

	return &media.AudioSample{
		Data: data,
		PTS:  pts,
		Format: media.AudioFormat{
			Codec:      media.CodecAAC,
			SampleRate: rate,
			Channels:   int(hdr.ChannelConfig),
		},
	}, nil
}

func (r *adtsReader) readFrame() ([]byte, *aac.ADTSHeader, error) {
	skipped := 0
	for {
		head, err := r.br.Peek(9)
		if len(head) < 7 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, err
		}
		hdr, offset, err := aac.DecodeADTSHeader(bytes.NewReader(head))
		if err != nil || offset > 0 {
			if skipped >= maxADTSResync {
				return nil, nil, fmt.Errorf("adts: lost sync after %d bytes", skipped)
			}
			n := max(offset, 1)
			_, _ = r.br.Discard(n)
			skipped += n
			continue
		}
		frame := make([]byte, int(hdr.HeaderLength)+int(hdr.PayloadLength))
		if _, err := io.ReadFull(r.br, frame); err != nil {
			return nil, nil, err
		}
		return frame, hdr, nil
	}
}
