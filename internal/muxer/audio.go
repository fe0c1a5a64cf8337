package muxer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"

	"github.com/breeze-rmm/recorder/internal/media"
)

// audioConfig is an accepted AAC track setup.
type audioConfig struct {
	sampleRate int
	channels   int
	asc        []byte
}

// preferredAudioConfig builds track settings from the declared format.
func preferredAudioConfig(f media.AudioFormat) (*audioConfig, error) {
	if f.Codec != media.CodecAAC {
		return nil, fmt.Errorf("codec %q is not AAC", f.Codec)
	}
	return newAudioConfig(f.SampleRate, f.Channels)
}

// adtsAudioConfig derives track settings from the sample's own ADTS header,
// ignoring whatever format the source declared.
func adtsAudioConfig(sample *media.AudioSample) (*audioConfig, error) {
	if sample == nil || len(sample.Data) < 7 {
		return nil, errors.New("no ADTS header to derive settings from")
	}
	hdr, _, err := aac.DecodeADTSHeader(bytes.NewReader(sample.Data))
	if err != nil {
		return nil, fmt.Errorf("decode ADTS header: %w", err)
	}
	idx := int(hdr.SamplingFrequencyIndex)
	if idx >= len(media.AACSampleRates) {
		return nil, fmt.Errorf("ADTS sampling frequency index %d out of range", idx)
	}
	channels := int(hdr.ChannelConfig)
	if channels == 7 {
		channels = 8
	}
	return newAudioConfig(media.AACSampleRates[idx], channels)
}

func newAudioConfig(rate, channels int) (*audioConfig, error) {
	if _, ok := media.AACFrequencyIndex(rate); !ok {
		return nil, fmt.Errorf("sample rate %d not in AAC frequency table", rate)
	}
	// mp4a sample entries carry the rate as a 16-bit integer.
	if rate > 0xFFFF {
		return nil, fmt.Errorf("sample rate %d exceeds mp4a sample entry range", rate)
	}
	var cfg byte
	switch {
	case channels >= 1 && channels <= 6:
		cfg = byte(channels)
	case channels == 8:
		cfg = 7
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	asc := &aac.AudioSpecificConfig{
		ObjectType:           aac.AAClc,
		ChannelConfiguration: cfg,
		SamplingFrequency:    rate,
	}
	var buf bytes.Buffer
	if err := asc.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode AudioSpecificConfig: %w", err)
	}
	return &audioConfig{sampleRate: rate, channels: channels, asc: buf.Bytes()}, nil
}

// rawAAC strips the ADTS header, and any bytes before its sync word, when a
// header is present. Data without one is assumed to be a raw AAC frame.
// A sync word found past the first byte is only trusted when the frame it
// describes ends exactly at the end of data.
func rawAAC(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	hdr, offset, err := aac.DecodeADTSHeader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	start := offset + int(hdr.HeaderLength)
	if start > len(data) {
		return data
	}
	if offset > 0 && start+int(hdr.PayloadLength) != len(data) {
		return data
	}
	return data[start:]
}
