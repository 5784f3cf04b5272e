package device

import (
	"errors"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// An AudioSourceDevice that only ever produces silence.
//
// Stands in for a disabled "(None)" input, and is a minimal example of the
// architecture of an AudioSourceDevice, useful in testing.
type SilenceDevice struct {
	properties audiodevice.DeviceProperties
}

func NewSilenceDevice(properties audiodevice.DeviceProperties) *SilenceDevice {
	return &SilenceDevice{
		properties: properties,
	}
}

func (d *SilenceDevice) Read(dst frame.PCMFrame) int {
	dst.Zero()
	return dst.NumFrames(d.properties.NumChannels)
}

func (d *SilenceDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// --------------------------------------------------------------------------------

var ErrSinkClosed = errors.New("sink device closed")

// An OutputSession that only pulls when told to.
//
// Tests drive the graph by calling Pump, standing in for the real-time callback
// of a physical device.
type DummyAudioSinkDevice struct {
	properties audiodevice.DeviceProperties

	mu      sync.Mutex
	source  audiodevice.AudioSourceDevice
	started bool
	closed  bool
}

func NewDummyAudioSinkDevice(properties audiodevice.DeviceProperties) *DummyAudioSinkDevice {
	return &DummyAudioSinkDevice{
		properties: properties,
	}
}

func (d *DummyAudioSinkDevice) SetStream(source audiodevice.AudioSourceDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = source
}

func (d *DummyAudioSinkDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

func (d *DummyAudioSinkDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrSinkClosed
	}
	d.started = true
	return nil
}

func (d *DummyAudioSinkDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *DummyAudioSinkDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.closed = true
	return nil
}

func (d *DummyAudioSinkDevice) IsStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Pump pulls numFrames from the source as the real-time callback would.
// Returns nil if the sink is not started or has no source.
func (d *DummyAudioSinkDevice) Pump(numFrames int) frame.PCMFrame {
	d.mu.Lock()
	source, started := d.source, d.started
	d.mu.Unlock()
	if !started || source == nil {
		return nil
	}
	out := make(frame.PCMFrame, numFrames*d.properties.NumChannels)
	source.Read(out)
	return out
}
