package audioapi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice/device"
)

var errNoDeviceWithID = errors.New("no device with specified ID")

// A dummy API with a fixed set of render endpoints and no hardware behind them:
//   - loopback endpoints do nothing until a test feeds them bytes
//   - output sessions consume frames only when a test pumps them
//
// This API is intended to be used in testing only!
type DummyAudioIODeviceAPI struct {
	mu             sync.Mutex
	renderDevices  []AudioIODevice
	loopbackFormat audiodevice.Format
	mixFormat      audiodevice.Format
	exclusiveRates map[int]bool
	loopbacks      map[string]*DummyLoopbackEndpoint
	output         *device.DummyAudioSinkDevice
	outputOptions  OutputOptions
}

// Create a DummyAudioIODeviceAPI whose render endpoints report mixFormat,
// and whose loopback endpoints deliver loopbackFormat.
//
// The endpoints are "DummyOutput" (the default), "DummyMusic" and "DummyShaker".
func NewDummyAudioIODeviceAPI(mixFormat audiodevice.Format, loopbackFormat audiodevice.Format) *DummyAudioIODeviceAPI {
	api := &DummyAudioIODeviceAPI{
		loopbackFormat: loopbackFormat,
		mixFormat:      mixFormat,
		exclusiveRates: make(map[int]bool),
		loopbacks:      make(map[string]*DummyLoopbackEndpoint),
	}
	for i, name := range []string{"DummyOutput", "DummyMusic", "DummyShaker"} {
		api.renderDevices = append(api.renderDevices, AudioIODevice{
			ID:        fmt.Sprintf("dummy-%d", i),
			Name:      name,
			IsDefault: i == 0,
			Format:    mixFormat,
		})
	}
	return api
}

// Set the sample rates the render endpoints accept in exclusive mode.
func (api *DummyAudioIODeviceAPI) SetExclusiveRates(rates ...int) {
	api.mu.Lock()
	defer api.mu.Unlock()
	clear(api.exclusiveRates)
	for _, rate := range rates {
		api.exclusiveRates[rate] = true
	}
}

// The loopback endpoint opened for the named device, or nil.
func (api *DummyAudioIODeviceAPI) Loopback(name string) *DummyLoopbackEndpoint {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.loopbacks[name]
}

// The last output session opened, or nil.
func (api *DummyAudioIODeviceAPI) Output() *device.DummyAudioSinkDevice {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.output
}

// The options the last output session was opened with.
func (api *DummyAudioIODeviceAPI) OutputOptions() OutputOptions {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.outputOptions
}

func (api *DummyAudioIODeviceAPI) RenderDevices() ([]AudioIODevice, error) {
	return api.renderDevices, nil
}

func (api *DummyAudioIODeviceAPI) CaptureDevices() ([]AudioIODevice, error) {
	return nil, nil
}

func (api *DummyAudioIODeviceAPI) known(ioDevice AudioIODevice) bool {
	for _, d := range api.renderDevices {
		if d.ID == ioDevice.ID {
			return true
		}
	}
	return false
}

func (api *DummyAudioIODeviceAPI) MixFormat(ioDevice AudioIODevice) (audiodevice.Format, error) {
	if !api.known(ioDevice) {
		return audiodevice.Format{}, errNoDeviceWithID
	}
	return api.mixFormat, nil
}

func (api *DummyAudioIODeviceAPI) SupportsExclusive(ioDevice AudioIODevice, format audiodevice.Format) bool {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.known(ioDevice) && format.NumChannels == api.mixFormat.NumChannels && api.exclusiveRates[format.SampleRate]
}

func (api *DummyAudioIODeviceAPI) OpenLoopback(ioDevice AudioIODevice, logger *slog.Logger) (LoopbackEndpoint, error) {
	if ioDevice.IsFile() {
		return OpenFileEndpoint(ioDevice.FilePath(), logger)
	}
	if !api.known(ioDevice) {
		return nil, errNoDeviceWithID
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	endpoint := &DummyLoopbackEndpoint{format: api.loopbackFormat}
	api.loopbacks[ioDevice.Name] = endpoint
	return endpoint, nil
}

func (api *DummyAudioIODeviceAPI) OpenOutput(ioDevice AudioIODevice, options OutputOptions) (audiodevice.OutputSession, error) {
	if !api.known(ioDevice) {
		return nil, errNoDeviceWithID
	}
	if err := options.Format.Validate(); err != nil {
		return nil, err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	api.output = device.NewDummyAudioSinkDevice(options.Format.Properties())
	api.outputOptions = options
	return api.output, nil
}

func (api *DummyAudioIODeviceAPI) Close() error {
	return nil
}

// --------------------------------------------------------------------------------

// A LoopbackEndpoint driven by the test: Feed delivers bytes, Fail simulates device loss.
type DummyLoopbackEndpoint struct {
	format audiodevice.Format

	mu      sync.Mutex
	onData  func([]byte)
	onStop  func(error)
	started bool
	closed  bool
}

func (e *DummyLoopbackEndpoint) Format() audiodevice.Format {
	return e.format
}

func (e *DummyLoopbackEndpoint) Start(onData func([]byte), onStop func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("endpoint closed")
	}
	e.onData = onData
	e.onStop = onStop
	e.started = true
	return nil
}

func (e *DummyLoopbackEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func (e *DummyLoopbackEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.closed = true
	return nil
}

func (e *DummyLoopbackEndpoint) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Feed delivers p as if the endpoint had captured it. Ignored unless started.
func (e *DummyLoopbackEndpoint) Feed(p []byte) {
	e.mu.Lock()
	onData, started := e.onData, e.started
	e.mu.Unlock()
	if started && onData != nil {
		onData(p)
	}
}

// Fail reports an unexpected stop with err.
func (e *DummyLoopbackEndpoint) Fail(err error) {
	e.mu.Lock()
	onStop, started := e.onStop, e.started
	e.started = false
	e.mu.Unlock()
	if started && onStop != nil {
		onStop(err)
	}
}
