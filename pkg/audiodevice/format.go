package audiodevice

import (
	"errors"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// Encoding of the samples in a raw PCM byte stream.
type Encoding int

const (
	EncodingPCMInt Encoding = iota
	EncodingPCMFloat
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCMInt:
		return "int"
	case EncodingPCMFloat:
		return "float"
	}
	return "?"
}

var ErrInvalidFormat = errors.New("invalid audio format")

// Explicit multichannel format descriptor.
//
// This is the single description of a raw PCM stream used across the module:
// the driver reports one, loopback endpoints report one, and the output device
// configuration is built directly from the public fields of one.
type Format struct {
	SampleRate    int
	BitsPerSample int
	NumChannels   int
	// WAVEFORMATEXTENSIBLE speaker mask. Zero means unspecified.
	ChannelMask uint32
	Encoding    Encoding
}

// The format the router always renders: 8 channels of 32-bit float in 7.1 order.
func Surround71Float(sampleRate int) Format {
	return Format{
		SampleRate:    sampleRate,
		BitsPerSample: 32,
		NumChannels:   frame.NumSurroundChannels,
		ChannelMask:   frame.ChannelMask71,
		Encoding:      EncodingPCMFloat,
	}
}

func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8
}

func (f Format) BytesPerFrame() int {
	return f.BytesPerSample() * f.NumChannels
}

func (f Format) BytesPerSecond() int {
	return f.BytesPerFrame() * f.SampleRate
}

func (f Format) Properties() DeviceProperties {
	return DeviceProperties{
		SampleRate:  f.SampleRate,
		NumChannels: f.NumChannels,
	}
}

// Validate checks that the format is usable for decoding.
// A zero rate, channel count, or bit depth is rejected, as are bit depths with no decoder.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.NumChannels <= 0 || f.BitsPerSample <= 0 {
		return fmt.Errorf("%w: rate=%d channels=%d bits=%d", ErrInvalidFormat, f.SampleRate, f.NumChannels, f.BitsPerSample)
	}
	switch f.Encoding {
	case EncodingPCMFloat:
		if f.BitsPerSample != 32 {
			return fmt.Errorf("%w: %d-bit float", ErrInvalidFormat, f.BitsPerSample)
		}
	case EncodingPCMInt:
		switch f.BitsPerSample {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("%w: %d-bit int", ErrInvalidFormat, f.BitsPerSample)
		}
	default:
		return fmt.Errorf("%w: unknown encoding", ErrInvalidFormat)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit-%s", f.SampleRate, f.NumChannels, f.BitsPerSample, f.Encoding)
}
