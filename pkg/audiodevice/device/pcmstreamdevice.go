package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// Anything raw PCM bytes can be pulled out of without blocking, e.g. a ring buffer.
type ByteSource interface {
	Read(p []byte) int
}

// PCMStreamDevice decodes a raw little-endian PCM byte stream into float32 frames.
//
// This is the first stage after an input backend: the backend pushes native
// format bytes into a ring buffer, and this device pulls them out for the
// real-time path. Short reads are padded with silence and counted as underruns.
type PCMStreamDevice struct {
	source    ByteSource
	format    audiodevice.Format
	maxFrames int
	raw       []byte

	underruns atomic.Int64
}

// Create a new PCMStreamDevice reading the given format from source.
//
// maxFrames is the largest block decoded per pass; larger requests are served in several passes.
func NewPCMStreamDevice(source ByteSource, format audiodevice.Format, maxFrames int) (*PCMStreamDevice, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if maxFrames <= 0 {
		return nil, fmt.Errorf("non-positive block size %d", maxFrames)
	}
	return &PCMStreamDevice{
		source:    source,
		format:    format,
		maxFrames: maxFrames,
		raw:       make([]byte, maxFrames*format.BytesPerFrame()),
	}, nil
}

func (d *PCMStreamDevice) Read(dst frame.PCMFrame) int {
	numChannels := d.format.NumChannels
	bytesPerFrame := d.format.BytesPerFrame()
	numFrames := dst.NumFrames(numChannels)

	written := 0
	for written < numFrames {
		chunk := min(numFrames-written, d.maxFrames)
		numBytes := d.source.Read(d.raw[:chunk*bytesPerFrame])
		got := numBytes / bytesPerFrame
		DecodeSamples(d.format, d.raw[:got*bytesPerFrame], dst[written*numChannels:(written+got)*numChannels])
		written += got
		if got < chunk {
			d.underruns.Add(1)
			dst[written*numChannels : numFrames*numChannels].Zero()
			break
		}
	}
	return numFrames
}

func (d *PCMStreamDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.format.Properties()
}

// Number of reads that had to be padded with silence.
func (d *PCMStreamDevice) Underruns() int64 {
	return d.underruns.Load()
}

// --------------------------------------------------------------------------------
// Sample codecs

// DecodeSamples converts little-endian PCM bytes in the given format into float32 samples.
// dst must hold at least len(src) / BytesPerSample samples.
func DecodeSamples(format audiodevice.Format, src []byte, dst []float32) {
	switch {
	case format.Encoding == audiodevice.EncodingPCMFloat:
		for i := range len(src) / 4 {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	case format.BitsPerSample == 8:
		for i, b := range src {
			dst[i] = (float32(b) - 128) / 128
		}
	case format.BitsPerSample == 16:
		for i := range len(src) / 2 {
			dst[i] = float32(int16(binary.LittleEndian.Uint16(src[2*i:]))) / 32768
		}
	case format.BitsPerSample == 24:
		for i := range len(src) / 3 {
			b := src[3*i:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			dst[i] = float32(v) / 8388608
		}
	case format.BitsPerSample == 32:
		for i := range len(src) / 4 {
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(src[4*i:]))) / 2147483648)
		}
	}
}

// EncodeFloat32 writes samples as little-endian 32-bit float into dst and returns the bytes used.
func EncodeFloat32(src []float32, dst []byte) int {
	n := min(len(src), len(dst)/4)
	for i := range n {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(src[i]))
	}
	return 4 * n
}
