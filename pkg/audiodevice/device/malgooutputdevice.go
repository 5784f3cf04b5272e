package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

var ErrOutputDeviceLost = errors.New("output device stopped unexpectedly")

// MalgoOutputDevice is an OutputSession that plays audio to a physical device using miniaudio.
//
// The device is initialized in the constructor so that format problems surface
// before any audio flows. Playback pulls from the source set with SetStream
// inside the device callback; the callback never blocks and never allocates.
type MalgoOutputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	device *malgo.Device
	format audiodevice.Format

	source  atomic.Pointer[sourceHolder]
	scratch frame.PCMFrame

	// Called at most once if the device stops without being asked to.
	onLost   func(error)
	lostOnce sync.Once

	periodFrames int
	stopping     atomic.Bool
	stopMutex    sync.Mutex
	shutdownOnce sync.Once
	callbacks    atomic.Int64
	silentBlocks atomic.Int64
}

type sourceHolder struct {
	source audiodevice.AudioSourceDevice
}

// Parameters for opening a MalgoOutputDevice.
type MalgoOutputOptions struct {
	// Device to open, nil for the system default.
	DeviceID *malgo.DeviceID
	Format   audiodevice.Format
	// Exclusive requests the device for this process only, at exactly Format.
	Exclusive bool
	// Requested callback period. The device may choose differently.
	PeriodFrames int
	OnLost       func(error)
	Logger       *slog.Logger
}

// Highest WAVEFORMATEXTENSIBLE speaker bit with a miniaudio position (top back right).
const maxSpeakerBit = 17

// ChannelPositions converts a WAVEFORMATEXTENSIBLE speaker mask into miniaudio
// channel positions, one per channel in ascending bit order.
//
// Returns nil, leaving the device on its default map, when the mask is zero,
// has bits miniaudio cannot place, or does not describe numChannels channels.
func ChannelPositions(mask uint32, numChannels int) []uint8 {
	if mask == 0 || mask>>(maxSpeakerBit+1) != 0 {
		return nil
	}
	positions := make([]uint8, 0, numChannels)
	for bit := range maxSpeakerBit + 1 {
		if mask&(1<<bit) != 0 {
			// miniaudio numbers positions in speaker bit order, after NONE and MONO.
			positions = append(positions, uint8(bit+2))
		}
	}
	if len(positions) != numChannels {
		return nil
	}
	return positions
}

// Build the miniaudio device configuration from the public fields of an explicit format.
func PlaybackDeviceConfig(deviceID *malgo.DeviceID, format audiodevice.Format, exclusive bool, periodFrames int) malgo.DeviceConfig {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(format.SampleRate)
	config.PeriodSizeInFrames = uint32(max(periodFrames, 0))
	config.Playback.Format = malgo.FormatF32
	config.Playback.Channels = uint32(format.NumChannels)
	config.Playback.ShareMode = malgo.Shared
	if exclusive {
		config.Playback.ShareMode = malgo.Exclusive
	}
	if positions := ChannelPositions(format.ChannelMask, format.NumChannels); positions != nil {
		config.Playback.ChannelMap = unsafe.Pointer(&positions[0])
	}
	if deviceID != nil {
		config.Playback.DeviceID = deviceID.Pointer()
	}
	return config
}

// NewMalgoOutputDevice initializes (but does not start) playback on the given context.
func NewMalgoOutputDevice(ctx malgo.Context, options MalgoOutputOptions) (*MalgoOutputDevice, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"malgo output device uuid", uuid,
	)

	if options.Format.Encoding != audiodevice.EncodingPCMFloat || options.Format.BitsPerSample != 32 {
		return nil, fmt.Errorf("%w: output must be 32-bit float, got %s", audiodevice.ErrInvalidFormat, options.Format)
	}

	periodFrames := options.PeriodFrames
	if periodFrames <= 0 {
		periodFrames = options.Format.SampleRate / 100
	}

	d := &MalgoOutputDevice{
		logger:       logger,
		uuid:         uuid,
		format:       options.Format,
		onLost:       options.OnLost,
		periodFrames: periodFrames,
		// Devices may deliver larger callbacks than requested; served in chunks beyond this.
		scratch: make(frame.PCMFrame, 4*periodFrames*options.Format.NumChannels),
	}

	config := PlaybackDeviceConfig(options.DeviceID, options.Format, options.Exclusive, periodFrames)
	callbacks := malgo.DeviceCallbacks{
		Data: d.render,
		Stop: d.stopped,
	}

	device, err := malgo.InitDevice(ctx, config, callbacks)
	if err != nil {
		logger.Error("failed to open output device", "err", err, "format", options.Format.String())
		return nil, fmt.Errorf("failed to open output device at %s: %w", options.Format, err)
	}
	d.device = device

	logger.Debug(
		"initialized malgo output device",
		"sampleRate", device.SampleRate(),
		"channels", device.PlaybackChannels(),
		"exclusive", options.Exclusive,
		"periodFrames", periodFrames,
	)
	return d, nil
}

// SetStream sets the source that the device callback pulls from.
func (d *MalgoOutputDevice) SetStream(source audiodevice.AudioSourceDevice) {
	d.source.Store(&sourceHolder{source: source})
}

func (d *MalgoOutputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.format.Properties()
}

func (d *MalgoOutputDevice) Start() error {
	d.stopMutex.Lock()
	defer d.stopMutex.Unlock()
	if d.device == nil {
		return ErrSinkClosed
	}
	d.stopping.Store(false)
	if err := d.device.Start(); err != nil {
		d.logger.Error("failed to start output device", "err", err)
		return fmt.Errorf("failed to start output device: %w", err)
	}
	d.logger.Info("malgo output device started successfully")
	return nil
}

func (d *MalgoOutputDevice) Stop() error {
	d.stopMutex.Lock()
	defer d.stopMutex.Unlock()
	if d.device == nil || !d.device.IsStarted() {
		return nil
	}
	d.stopping.Store(true)
	if err := d.device.Stop(); err != nil {
		d.logger.Error("error stopping output device", "err", err)
		return err
	}
	return nil
}

// Close stops playback and releases the device.
func (d *MalgoOutputDevice) Close() error {
	d.logger.Debug("shutdown called")
	var err error
	d.shutdownOnce.Do(func() {
		err = d.Stop()

		d.stopMutex.Lock()
		defer d.stopMutex.Unlock()
		if d.device == nil {
			return
		}

		// Uninit waits for the device thread; do not let a wedged driver hang teardown.
		device := d.device
		d.device = nil
		done := make(chan struct{})
		go func() {
			device.Uninit()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("malgo output device closed", "callbacks", d.callbacks.Load())
		case <-time.After(1500 * time.Millisecond):
			d.logger.Warn("timeout waiting for output device to close")
		}
	})
	return err
}

// Callbacks returns the number of device callbacks served so far.
func (d *MalgoOutputDevice) Callbacks() int64 {
	return d.callbacks.Load()
}

// --------------------------------------------------------------------------------
// Device thread

func (d *MalgoOutputDevice) render(out, _ []byte, frameCount uint32) {
	d.callbacks.Add(1)
	numChannels := d.format.NumChannels
	holder := d.source.Load()
	if holder == nil {
		clear(out)
		d.silentBlocks.Add(1)
		return
	}

	maxFrames := len(d.scratch) / numChannels
	remaining := int(frameCount)
	offset := 0
	for remaining > 0 {
		chunk := min(remaining, maxFrames)
		block := d.scratch[:chunk*numChannels]
		if n := holder.source.Read(block); n < chunk {
			block[n*numChannels:].Zero()
		}
		offset += EncodeFloat32(block, out[offset:])
		remaining -= chunk
	}
}

func (d *MalgoOutputDevice) stopped() {
	if d.stopping.Load() {
		return
	}
	d.lostOnce.Do(func() {
		d.logger.Warn("output device stopped unexpectedly")
		if d.onLost != nil {
			go d.onLost(ErrOutputDeviceLost)
		}
	})
}
