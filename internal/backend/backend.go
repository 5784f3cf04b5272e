// Package backend acquires the music and shaker PCM streams.
//
// Two interchangeable backends exist: loopback capture of render endpoints,
// and polling of the virtual driver. Both push native-format bytes into one
// bounded ring buffer per stream, discarding new data when a ring is full.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/ioctl"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/ringbuffer"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
)

var (
	ErrDriverUnavailable = errors.New("driver backend unavailable")
	errClosed            = errors.New("backend closed")
)

// Smallest ring buffer, whatever the configured duration.
const minBufferDuration = 200 * time.Millisecond

type StreamID int

const (
	Music StreamID = iota
	Shaker
)

var StreamIDs = []StreamID{Music, Shaker}

func (id StreamID) String() string {
	switch id {
	case Music:
		return "music"
	case Shaker:
		return "shaker"
	}
	return fmt.Sprintf("stream(%d)", int(id))
}

type Kind int

const (
	KindCapture Kind = iota
	KindDriver
)

func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindDriver:
		return "driver"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// An InputBackend produces independently buffered PCM byte streams.
//
// A backend whose source disappears mid-session stops the affected stream and
// reports the error through the onFatal callback it was built with; it never
// returns such errors to the reader.
type InputBackend interface {
	Kind() Kind
	Start() error
	Stop() error
	Close() error
	Stream(id StreamID) (*Stream, bool)
	Status(id StreamID) (StatusSnapshot, bool)
}

// A Stream is one buffered input: its native format, its ring, and its status.
type Stream struct {
	ID     StreamID
	Format audiodevice.Format
	Buffer *ringbuffer.RingBuffer
	Status *EndpointStatus
}

func newStream(id StreamID, format audiodevice.Format, bufferDuration time.Duration) *Stream {
	bufferDuration = max(bufferDuration, minBufferDuration)
	frames := int(bufferDuration.Seconds() * float64(format.SampleRate))
	return &Stream{
		ID:     id,
		Format: format,
		Buffer: ringbuffer.New(frames * format.BytesPerFrame()),
		Status: &EndpointStatus{},
	}
}

// BufferedMilliseconds is the depth of the stream's ring, the drift compensator's probe.
func (s *Stream) BufferedMilliseconds() (float64, bool) {
	bytesPerSecond := s.Format.BytesPerSecond()
	if bytesPerSecond <= 0 {
		return 0, false
	}
	return float64(s.Buffer.Buffered()) * 1000 / float64(bytesPerSecond), true
}

// Snapshot of the stream's status with a fresh buffer depth.
func (s *Stream) Snapshot() StatusSnapshot {
	snapshot := s.Status.Snapshot()
	snapshot.BufferedBytes = int64(s.Buffer.Buffered())
	return snapshot
}

// Push bytes from the producer thread. Partial frames and overflow are discarded.
func (s *Stream) write(p []byte) {
	bytesPerFrame := s.Format.BytesPerFrame()
	stored := s.Buffer.WriteAligned(p, bytesPerFrame)
	s.Status.recordData(len(p), len(p)/bytesPerFrame, len(p)-stored, s.Buffer.Buffered())
}

// Parameters for Open.
type Options struct {
	Kind Kind
	// Streams to open, and the render endpoint each one captures in capture mode.
	Devices        map[StreamID]audioapi.AudioIODevice
	Opener         audioapi.LoopbackOpener
	Transport      ioctl.Transport
	BufferDuration time.Duration
	OnFatal        func(error)
	Logger         *slog.Logger
}

// Open builds the requested backend. A driver backend that cannot be opened is
// replaced by a capture backend over the same devices, and the returned warning
// says so; it is empty otherwise.
func Open(options Options) (InputBackend, string, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	warning := ""
	if options.Kind == KindDriver {
		ids := make([]StreamID, 0, len(options.Devices))
		for _, id := range StreamIDs {
			if _, ok := options.Devices[id]; ok {
				ids = append(ids, id)
			}
		}
		driver, err := NewDriverBackend(options.Transport, ids, options.BufferDuration, options.OnFatal, logger)
		if err == nil {
			return driver, "", nil
		}
		warning = fmt.Sprintf("virtual driver unavailable, using loopback capture instead: %v", err)
		logger.Warn("falling back to capture backend", "err", err)
	}

	capture, err := NewCaptureBackend(options.Opener, options.Devices, options.BufferDuration, options.OnFatal, logger)
	if err != nil {
		return nil, warning, err
	}
	return capture, warning, nil
}
