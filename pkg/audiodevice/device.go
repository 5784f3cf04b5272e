package audiodevice

import "github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"

type DeviceProperties struct {
	SampleRate  int
	NumChannels int
}

// Interface for audio source devices, e.g. a loopback capture or a synthesizer.
//
// Source devices are pulled: the consumer (ultimately the output callback) asks
// for a block of frames and the device fills it. Implementations on the real-time
// path must not block on I/O and must not allocate per call.
type AudioSourceDevice interface {
	// Fill dst with interleaved samples and return the number of frames written.
	//
	// The number of frames requested is len(dst) / NumChannels. Most devices
	// zero-pad short reads and always return the full request.
	Read(dst frame.PCMFrame) int

	GetDeviceProperties() DeviceProperties
}

// Interface for audio sink devices, e.g. speakers.
//
// Sink devices pull from the source given to SetStream once started.
type AudioSinkDevice interface {
	// Set the source stream of this audio device.
	//
	// Must be called before the sink is started.
	SetStream(source AudioSourceDevice)

	GetDeviceProperties() DeviceProperties
}

// An OutputSession is a sink bound to a physical device that can be started and stopped.
//
// Stop may be called more than once. Close releases the device and implies Stop.
type OutputSession interface {
	AudioSinkDevice
	Start() error
	Stop() error
	Close() error
}
