package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/ioctl"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	pollInterval = 10 * time.Millisecond
	// A stream that fails this many reads in a row is considered gone.
	maxConsecutiveErrors = 5
	stopTimeout          = 1500 * time.Millisecond
)

var devicePaths = map[StreamID]string{
	Music:  ioctl.MusicDevicePath,
	Shaker: ioctl.ShakerDevicePath,
}

// DriverBackend polls the virtual driver for each stream.
//
// One worker per stream issues a read for 10 ms worth of frames every 10 ms
// and pushes whatever the driver returns into the stream's ring.
type DriverBackend struct {
	logger *slog.Logger
	uuid   uuid.UUID

	streams map[StreamID]*Stream
	handles map[StreamID]ioctl.Handle

	onFatal   func(error)
	fatalOnce sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	pollErr error
}

// Open the driver device of each stream, start it and probe its format.
// Any failure closes what was opened and returns an error wrapping ErrDriverUnavailable.
func NewDriverBackend(
	transport ioctl.Transport,
	ids []StreamID,
	bufferDuration time.Duration,
	onFatal func(error),
	logger *slog.Logger,
) (*DriverBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"driver backend uuid", uuid,
	)
	if transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrDriverUnavailable)
	}

	b := &DriverBackend{
		logger:  logger,
		uuid:    uuid,
		streams: make(map[StreamID]*Stream),
		handles: make(map[StreamID]ioctl.Handle),
		onFatal: onFatal,
	}

	for _, id := range ids {
		path := devicePaths[id]
		handle, err := transport.Open(path)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: %w", ErrDriverUnavailable, err)
		}
		b.handles[id] = handle

		if _, err := handle.Control(ioctl.CodeOpenStream, nil, nil); err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: open %s stream: %w", ErrDriverUnavailable, id, err)
		}

		reply := make([]byte, ioctl.FormatReplySize)
		n, err := handle.Control(ioctl.CodeGetFormat, nil, reply)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: %s format: %w", ErrDriverUnavailable, id, err)
		}
		format, err := ioctl.DecodeFormatReply(reply[:n])
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: %s format: %w", ErrDriverUnavailable, id, err)
		}
		b.streams[id] = newStream(id, format, bufferDuration)

		logger.Info("opened driver stream", "stream", id.String(), "path", path, "format", format.String())
	}
	return b, nil
}

func (b *DriverBackend) Kind() Kind {
	return KindDriver
}

func (b *DriverBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	if b.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	for id := range b.streams {
		b.streams[id].Status.SetConnected(true)
		group.Go(func() error {
			return b.poll(ctx, id)
		})
	}

	done := make(chan struct{})
	go func() {
		err := group.Wait()
		b.mu.Lock()
		b.pollErr = err
		b.mu.Unlock()
		close(done)
	}()
	b.cancel = cancel
	b.done = done
	return nil
}

func (b *DriverBackend) poll(ctx context.Context, id StreamID) error {
	stream := b.streams[id]
	handle := b.handles[id]
	bytesPerFrame := stream.Format.BytesPerFrame()
	frames := max(stream.Format.SampleRate/100, 1)

	request := make([]byte, 4)
	reply := make([]byte, ioctl.ReadReplySize(frames, bytesPerFrame))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := handle.Control(ioctl.CodeRead, ioctl.EncodeReadRequest(request, frames), reply)
		if err != nil {
			if consecutive := stream.Status.recordError(); consecutive >= maxConsecutiveErrors {
				stream.Status.SetConnected(false)
				err = fmt.Errorf("%s driver stream failed %d reads in a row: %w", id, consecutive, err)
				b.fail(err)
				return err
			}
			continue
		}

		pcm, got := ioctl.ParseReadReply(reply[:n], frames, bytesPerFrame)
		if got > 0 {
			stream.write(pcm)
		} else {
			stream.Status.clearErrors()
		}
	}
}

func (b *DriverBackend) fail(err error) {
	b.fatalOnce.Do(func() {
		b.logger.Error("driver source lost", "err", err)
		if b.onFatal != nil {
			b.onFatal(err)
		}
	})
}

// Stop cancels the poll workers and waits a bounded time for them to exit.
func (b *DriverBackend) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		b.logger.Warn("timeout waiting for driver poll workers to exit")
	}
	for _, stream := range b.streams {
		stream.Status.SetConnected(false)
	}
	return nil
}

// Close stops polling and closes the driver handles.
func (b *DriverBackend) Close() error {
	errs := []error{b.Stop()}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for id, handle := range b.handles {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s driver handle: %w", id, err))
		}
	}
	b.closed = true
	return errors.Join(errs...)
}

// Err returns the error that ended polling, if any.
func (b *DriverBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pollErr
}

func (b *DriverBackend) Stream(id StreamID) (*Stream, bool) {
	stream, ok := b.streams[id]
	return stream, ok
}

func (b *DriverBackend) Status(id StreamID) (StatusSnapshot, bool) {
	stream, ok := b.streams[id]
	if !ok {
		return StatusSnapshot{}, false
	}
	return stream.Snapshot(), true
}
