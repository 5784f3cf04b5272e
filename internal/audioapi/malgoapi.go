package audioapi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice/device"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

var (
	ErrEndpointLost  = errors.New("loopback endpoint stopped unexpectedly")
	errContextClosed = errors.New("audio context closed")
)

// An AudioIODeviceAPI backed by miniaudio.
type MalgoApi struct {
	logger *slog.Logger

	mu      sync.Mutex
	context *malgo.AllocatedContext
	ids     map[string]malgo.DeviceID
}

// Create a new MalgoApi, initializing a miniaudio context with the platform's default backends.
func NewMalgoApi(logger *slog.Logger) (*MalgoApi, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"malgo api uuid", uuid,
	)

	context, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "message", message)
	})
	if err != nil {
		logger.Error("failed to create miniaudio context", "err", err)
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}

	return &MalgoApi{
		logger:  logger,
		context: context,
		ids:     make(map[string]malgo.DeviceID),
	}, nil
}

func (api *MalgoApi) RenderDevices() ([]AudioIODevice, error) {
	return api.devices(malgo.Playback)
}

func (api *MalgoApi) CaptureDevices() ([]AudioIODevice, error) {
	return api.devices(malgo.Capture)
}

func (api *MalgoApi) devices(kind malgo.DeviceType) ([]AudioIODevice, error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return nil, errContextClosed
	}

	infos, err := api.context.Devices(kind)
	if err != nil {
		api.logger.Error("failed to enumerate devices", "err", err)
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]AudioIODevice, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		id := encodeDeviceID(info.ID)
		api.ids[id] = info.ID

		d := AudioIODevice{
			ID:        id,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
		if full, err := api.context.DeviceInfo(kind, info.ID, malgo.Shared); err == nil && full.FormatCount > 0 {
			d.Format = formatFromMalgo(full.Formats[0].Format, int(full.Formats[0].Channels), int(full.Formats[0].SampleRate))
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Look up the miniaudio ID of a previously enumerated device. Callers hold api.mu.
func (api *MalgoApi) deviceID(ioDevice AudioIODevice) (malgo.DeviceID, error) {
	id, ok := api.ids[ioDevice.ID]
	if !ok {
		return malgo.DeviceID{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, ioDevice.Name)
	}
	return id, nil
}

func (api *MalgoApi) MixFormat(ioDevice AudioIODevice) (audiodevice.Format, error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return audiodevice.Format{}, errContextClosed
	}
	id, err := api.deviceID(ioDevice)
	if err != nil {
		return audiodevice.Format{}, err
	}

	info, err := api.context.DeviceInfo(malgo.Playback, id, malgo.Shared)
	if err != nil {
		return audiodevice.Format{}, fmt.Errorf("failed to query %q: %w", ioDevice.Name, err)
	}
	if info.FormatCount == 0 {
		return audiodevice.Format{}, fmt.Errorf("device %q reports no mix format", ioDevice.Name)
	}
	native := info.Formats[0]
	return formatFromMalgo(native.Format, int(native.Channels), int(native.SampleRate)), nil
}

// SupportsExclusive tries to open the device exclusively at the format, releasing it straight away.
func (api *MalgoApi) SupportsExclusive(ioDevice AudioIODevice, format audiodevice.Format) bool {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return false
	}
	id, err := api.deviceID(ioDevice)
	if err != nil {
		return false
	}

	config := device.PlaybackDeviceConfig(&id, format, true, format.SampleRate/100)
	trial, err := malgo.InitDevice(api.context.Context, config, malgo.DeviceCallbacks{})
	if err != nil {
		api.logger.Debug("exclusive format rejected", "device", ioDevice.Name, "format", format.String(), "err", err)
		return false
	}
	accepted := int(trial.SampleRate()) == format.SampleRate && int(trial.PlaybackChannels()) == format.NumChannels
	trial.Uninit()
	return accepted
}

func (api *MalgoApi) OpenLoopback(ioDevice AudioIODevice, logger *slog.Logger) (LoopbackEndpoint, error) {
	if logger == nil {
		logger = api.logger
	}
	if ioDevice.IsFile() {
		return OpenFileEndpoint(ioDevice.FilePath(), logger)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return nil, errContextClosed
	}
	id, err := api.deviceID(ioDevice)
	if err != nil {
		return nil, err
	}
	endpoint, err := newMalgoLoopbackEndpoint(api.context.Context, id, ioDevice.Name, logger)
	if err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (api *MalgoApi) OpenOutput(ioDevice AudioIODevice, options OutputOptions) (audiodevice.OutputSession, error) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return nil, errContextClosed
	}
	id, err := api.deviceID(ioDevice)
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = api.logger
	}
	output, err := device.NewMalgoOutputDevice(api.context.Context, device.MalgoOutputOptions{
		DeviceID:     &id,
		Format:       options.Format,
		Exclusive:    options.Exclusive,
		PeriodFrames: options.PeriodFrames,
		OnLost:       options.OnLost,
		Logger:       logger.With("device", ioDevice.Name),
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// Close releases the miniaudio context. Devices opened from it must be closed first.
func (api *MalgoApi) Close() error {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.context == nil {
		return nil
	}
	err := api.context.Uninit()
	api.context.Free()
	api.context = nil
	return err
}

func encodeDeviceID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

func formatFromMalgo(format malgo.FormatType, numChannels int, sampleRate int) audiodevice.Format {
	f := audiodevice.Format{
		SampleRate:  sampleRate,
		NumChannels: numChannels,
	}
	switch format {
	case malgo.FormatU8:
		f.BitsPerSample = 8
	case malgo.FormatS16:
		f.BitsPerSample = 16
	case malgo.FormatS24:
		f.BitsPerSample = 24
	case malgo.FormatS32:
		f.BitsPerSample = 32
	case malgo.FormatF32:
		f.BitsPerSample = 32
		f.Encoding = audiodevice.EncodingPCMFloat
	}
	return f
}

// --------------------------------------------------------------------------------
// Loopback capture

type malgoLoopbackEndpoint struct {
	logger *slog.Logger
	device *malgo.Device
	format audiodevice.Format

	onData   atomic.Pointer[func([]byte)]
	onStop   atomic.Pointer[func(error)]
	stopping atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// Open a render endpoint in loopback at its native format.
func newMalgoLoopbackEndpoint(ctx malgo.Context, id malgo.DeviceID, name string, logger *slog.Logger) (*malgoLoopbackEndpoint, error) {
	e := &malgoLoopbackEndpoint{
		logger: logger.With("loopback", name),
	}

	config := malgo.DefaultDeviceConfig(malgo.Loopback)
	// Unknown format, channels and rate select the endpoint's native format.
	config.Capture.Format = malgo.FormatUnknown
	config.Capture.DeviceID = id.Pointer()

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if onData := e.onData.Load(); onData != nil {
				(*onData)(input)
			}
		},
		Stop: e.stopped,
	}

	d, err := malgo.InitDevice(ctx, config, callbacks)
	if err != nil {
		e.logger.Error("failed to open loopback endpoint", "err", err)
		return nil, fmt.Errorf("failed to open %q in loopback: %w", name, err)
	}
	e.device = d
	e.format = formatFromMalgo(d.CaptureFormat(), int(d.CaptureChannels()), int(d.SampleRate()))
	if err := e.format.Validate(); err != nil {
		d.Uninit()
		return nil, fmt.Errorf("loopback endpoint %q: %w", name, err)
	}

	e.logger.Debug("opened loopback endpoint", "format", e.format.String())
	return e, nil
}

func (e *malgoLoopbackEndpoint) Format() audiodevice.Format {
	return e.format
}

func (e *malgoLoopbackEndpoint) Start(onData func([]byte), onStop func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device == nil {
		return errContextClosed
	}
	e.onData.Store(&onData)
	e.onStop.Store(&onStop)
	e.stopping.Store(false)
	if err := e.device.Start(); err != nil {
		return fmt.Errorf("failed to start loopback capture: %w", err)
	}
	return nil
}

func (e *malgoLoopbackEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device == nil || !e.device.IsStarted() {
		return nil
	}
	e.stopping.Store(true)
	return e.device.Stop()
}

func (e *malgoLoopbackEndpoint) Close() error {
	err := e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device != nil {
		e.device.Uninit()
		e.device = nil
	}
	return err
}

func (e *malgoLoopbackEndpoint) stopped() {
	if e.stopping.Load() {
		return
	}
	e.stopOnce.Do(func() {
		e.logger.Warn("loopback endpoint stopped unexpectedly")
		if onStop := e.onStop.Load(); onStop != nil && *onStop != nil {
			go (*onStop)(ErrEndpointLost)
		}
	})
}
