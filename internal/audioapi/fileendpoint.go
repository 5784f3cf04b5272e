package audioapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

const filePacingInterval = 10 * time.Millisecond

// A LoopbackEndpoint that plays a .WAV file in a loop at real-time pace,
// delivering 32-bit float bytes the way a loopback endpoint would.
type fileEndpoint struct {
	logger *slog.Logger
	source *device.FileAudioInputDevice
	format audiodevice.Format

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenFileEndpoint opens a .WAV file as a LoopbackEndpoint.
func OpenFileEndpoint(path string, logger *slog.Logger) (LoopbackEndpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source, err := device.NewFileAudioInputDevice(path, logger)
	if err != nil {
		return nil, err
	}
	properties := source.GetDeviceProperties()
	return &fileEndpoint{
		logger: logger,
		source: source,
		format: audiodevice.Format{
			SampleRate:    properties.SampleRate,
			BitsPerSample: 32,
			NumChannels:   properties.NumChannels,
			Encoding:      audiodevice.EncodingPCMFloat,
		},
	}, nil
}

func (e *fileEndpoint) Format() audiodevice.Format {
	return e.format
}

func (e *fileEndpoint) Start(onData func([]byte), _ func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	framesPerTick := max(e.format.SampleRate*int(filePacingInterval/time.Millisecond)/1000, 1)
	block := make(frame.PCMFrame, framesPerTick*e.format.NumChannels)
	raw := make([]byte, len(block)*4)

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(filePacingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.source.Read(block)
				n := device.EncodeFloat32(block, raw)
				onData(raw[:n])
			}
		}
	}()
	e.logger.Debug("file endpoint started", "format", e.format.String())
	return nil
}

func (e *fileEndpoint) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (e *fileEndpoint) Close() error {
	return e.Stop()
}
