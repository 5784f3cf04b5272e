package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/audioapi"
	"github.com/google/uuid"
)

// CaptureBackend reads the configured render endpoints in loopback.
//
// Stream formats are whatever the endpoints natively produce; conversion
// happens downstream.
type CaptureBackend struct {
	logger *slog.Logger
	uuid   uuid.UUID

	streams   map[StreamID]*Stream
	endpoints map[StreamID]audioapi.LoopbackEndpoint

	onFatal   func(error)
	fatalOnce sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open a loopback endpoint for every device in devices. Nothing is captured until Start.
func NewCaptureBackend(
	opener audioapi.LoopbackOpener,
	devices map[StreamID]audioapi.AudioIODevice,
	bufferDuration time.Duration,
	onFatal func(error),
	logger *slog.Logger,
) (*CaptureBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"capture backend uuid", uuid,
	)

	b := &CaptureBackend{
		logger:    logger,
		uuid:      uuid,
		streams:   make(map[StreamID]*Stream),
		endpoints: make(map[StreamID]audioapi.LoopbackEndpoint),
		onFatal:   onFatal,
	}

	for _, id := range StreamIDs {
		ioDevice, ok := devices[id]
		if !ok {
			continue
		}
		endpoint, err := opener.OpenLoopback(ioDevice, logger.With("stream", id.String()))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("could not capture %s input %q: %w", id, ioDevice.Name, err)
		}
		b.endpoints[id] = endpoint

		format := endpoint.Format()
		if err := format.Validate(); err != nil {
			b.Close()
			return nil, fmt.Errorf("%s input %q: %w", id, ioDevice.Name, err)
		}
		b.streams[id] = newStream(id, format, bufferDuration)

		logger.Info(
			"opened loopback capture",
			"stream", id.String(),
			"device", ioDevice.Name,
			"format", format.String(),
		)
	}
	return b, nil
}

func (b *CaptureBackend) Kind() Kind {
	return KindCapture
}

func (b *CaptureBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	if b.started {
		return nil
	}

	for id, endpoint := range b.endpoints {
		stream := b.streams[id]
		err := endpoint.Start(stream.write, func(err error) {
			b.fail(stream, err)
		})
		if err != nil {
			b.logger.Error("failed to start capture", "stream", id.String(), "err", err)
			b.stopLocked()
			return fmt.Errorf("failed to start %s capture: %w", id, err)
		}
		stream.Status.SetConnected(true)
	}
	b.started = true
	return nil
}

// Called from an endpoint's thread when it stops on its own.
func (b *CaptureBackend) fail(stream *Stream, err error) {
	stream.Status.SetConnected(false)
	stream.Status.recordError()
	b.fatalOnce.Do(func() {
		b.logger.Error("capture source lost", "stream", stream.ID.String(), "err", err)
		if b.onFatal != nil {
			b.onFatal(fmt.Errorf("%s input lost: %w", stream.ID, err))
		}
	})
}

func (b *CaptureBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

func (b *CaptureBackend) stopLocked() error {
	var errs []error
	for id, endpoint := range b.endpoints {
		if err := endpoint.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s capture: %w", id, err))
		}
		b.streams[id].Status.SetConnected(false)
	}
	b.started = false
	return errors.Join(errs...)
}

// Close stops capture and releases the endpoints.
func (b *CaptureBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	errs := []error{b.stopLocked()}
	for id, endpoint := range b.endpoints {
		if err := endpoint.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s capture: %w", id, err))
		}
	}
	b.closed = true
	return errors.Join(errs...)
}

func (b *CaptureBackend) Stream(id StreamID) (*Stream, bool) {
	stream, ok := b.streams[id]
	return stream, ok
}

func (b *CaptureBackend) Status(id StreamID) (StatusSnapshot, bool) {
	stream, ok := b.streams[id]
	if !ok {
		return StatusSnapshot{}, false
	}
	return stream.Snapshot(), true
}
