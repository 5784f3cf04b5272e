// Package ioctl implements the control contract of the ShakerRouter virtual audio driver.
//
// The driver exposes one device path per stream. A client opens the path,
// issues open-stream, asks for the stream format, and then polls read requests.
package ioctl

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
)

const (
	MusicDevicePath  = `\\.\ShakerRouterMusic`
	ShakerDevicePath = `\\.\ShakerRouterShaker`

	fileDeviceUnknown = 0x22
	methodBuffered    = 0
	fileAnyAccess     = 0

	FormatReplySize = 12
	readHeaderSize  = 4
)

// CtlCode builds a control code the way the Windows CTL_CODE macro does.
func CtlCode(deviceType, function, method, access uint32) uint32 {
	return deviceType<<16 | access<<14 | function<<2 | method
}

var (
	CodeOpenStream = CtlCode(fileDeviceUnknown, 0x800, methodBuffered, fileAnyAccess)
	CodeGetFormat  = CtlCode(fileDeviceUnknown, 0x801, methodBuffered, fileAnyAccess)
	CodeRead       = CtlCode(fileDeviceUnknown, 0x802, methodBuffered, fileAnyAccess)
)

var (
	ErrUnavailable   = errors.New("driver unavailable")
	ErrInvalidFormat = errors.New("driver reported an invalid format")
	errShortReply    = errors.New("short format reply")
)

// A Handle is an open driver device.
type Handle interface {
	// Control issues a control request and returns the number of bytes written to out.
	Control(code uint32, in []byte, out []byte) (int, error)
	Close() error
}

// A Transport opens driver device paths.
type Transport interface {
	Open(path string) (Handle, error)
}

// DecodeFormatReply decodes a get-format reply: sample rate, bits per sample and
// channel count, each a little-endian uint32. A zero field is an error.
func DecodeFormatReply(reply []byte) (audiodevice.Format, error) {
	if len(reply) < FormatReplySize {
		return audiodevice.Format{}, fmt.Errorf("%w: %d bytes", errShortReply, len(reply))
	}
	format := audiodevice.Format{
		SampleRate:    int(binary.LittleEndian.Uint32(reply[0:])),
		BitsPerSample: int(binary.LittleEndian.Uint32(reply[4:])),
		NumChannels:   int(binary.LittleEndian.Uint32(reply[8:])),
	}
	if format.SampleRate == 0 || format.BitsPerSample == 0 || format.NumChannels == 0 {
		return audiodevice.Format{}, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	// The driver carries integer PCM, except 32-bit which is float.
	if format.BitsPerSample == 32 {
		format.Encoding = audiodevice.EncodingPCMFloat
	}
	if err := format.Validate(); err != nil {
		return audiodevice.Format{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return format, nil
}

// EncodeFormatReply is the inverse of DecodeFormatReply.
func EncodeFormatReply(format audiodevice.Format) []byte {
	reply := make([]byte, FormatReplySize)
	binary.LittleEndian.PutUint32(reply[0:], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(reply[4:], uint32(format.BitsPerSample))
	binary.LittleEndian.PutUint32(reply[8:], uint32(format.NumChannels))
	return reply
}

// EncodeReadRequest writes the requested frame count into dst, which must hold 4 bytes.
func EncodeReadRequest(dst []byte, frames int) []byte {
	binary.LittleEndian.PutUint32(dst, uint32(max(frames, 0)))
	return dst[:4]
}

// ReadReplySize is the buffer needed for the largest reply to a read of requestedFrames.
func ReadReplySize(requestedFrames, bytesPerFrame int) int {
	return readHeaderSize + requestedFrames*bytesPerFrame
}

// ParseReadReply extracts the PCM payload of a read reply.
//
// A driver may prefix the payload with a 4-byte frames-returned header, or not.
// The reply size decides: exactly the expected payload is raw PCM, the expected
// payload plus 4 is a header reply. Any other size is treated as a header reply
// if the header's frame count accounts for the size exactly, and as raw PCM
// truncated to whole frames otherwise.
func ParseReadReply(reply []byte, requestedFrames, bytesPerFrame int) ([]byte, int) {
	if bytesPerFrame <= 0 || requestedFrames <= 0 {
		return nil, 0
	}
	expected := requestedFrames * bytesPerFrame

	switch len(reply) {
	case expected:
		return reply, requestedFrames
	case expected + readHeaderSize:
		frames := min(int(binary.LittleEndian.Uint32(reply)), requestedFrames)
		return reply[readHeaderSize : readHeaderSize+frames*bytesPerFrame], frames
	}

	if len(reply) >= readHeaderSize {
		frames := int(binary.LittleEndian.Uint32(reply))
		if frames <= requestedFrames && readHeaderSize+frames*bytesPerFrame == len(reply) {
			return reply[readHeaderSize:], frames
		}
	}
	frames := min(len(reply)/bytesPerFrame, requestedFrames)
	return reply[:frames*bytesPerFrame], frames
}
