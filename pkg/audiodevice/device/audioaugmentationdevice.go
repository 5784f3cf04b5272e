package device

import (
	"math"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// Middle-man processing device to handle audio augmentations,
// such as volume controls.
//
// The volume may be changed from any goroutine while the device is being read
// on the real-time path.
type AudioAugmentationDevice struct {
	source audiodevice.AudioSourceDevice

	augmentationFunctions []audioAugmentationFunction
	volumeAdjustMagnitude atomic.Uint32 // float32 bits
}

// Create a new AudioAugmentationDevice, automatically adding
// audioAugmentationFunctions:
//   - volumeAdjust (controlled with AudioAugmentationDevice.SetVolumeAdjustMagnitude)
//     (0.0 for mute, no cap on volume, but beware of clipping)
func NewAudioAugmentationDevice(source audiodevice.AudioSourceDevice) *AudioAugmentationDevice {
	device := &AudioAugmentationDevice{
		source: source,
	}
	device.volumeAdjustMagnitude.Store(math.Float32bits(1.0))

	device.augmentationFunctions = []audioAugmentationFunction{
		device.volumeAdjust,
	}
	return device
}

// The device properties of the incoming and outgoing PCMFrames are identical.
func (d *AudioAugmentationDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}

func (d *AudioAugmentationDevice) Read(dst frame.PCMFrame) int {
	n := d.source.Read(dst)
	numChannels := d.source.GetDeviceProperties().NumChannels
	pcmFrame := dst[:n*numChannels]
	for _, f := range d.augmentationFunctions {
		pcmFrame = f(pcmFrame)
	}
	return n
}

// --------------------------------------------------------------------------------
// Methods relating to changing the augmentation functions

// Set the volumeAdjustMagnitude to a new value. Must be non-negative.
// 0.0 means muted, 1.0 is natural scaling.
func (d *AudioAugmentationDevice) SetVolumeAdjustMagnitude(volumeAdjustMagnitude float32) {
	if volumeAdjustMagnitude < 0.0 {
		volumeAdjustMagnitude = 0.0
	}
	d.volumeAdjustMagnitude.Store(math.Float32bits(volumeAdjustMagnitude))
}

// Set the volume from a gain in decibels.
func (d *AudioAugmentationDevice) SetGainDb(gainDb float64) {
	d.SetVolumeAdjustMagnitude(float32(DbToGain(gainDb)))
}

// Get the current volumeAdjustMagnitude.
func (d *AudioAugmentationDevice) GetVolumeAdjustMagnitude() float32 {
	return math.Float32frombits(d.volumeAdjustMagnitude.Load())
}

// --------------------------------------------------------------------------------

// An audioAugmentationFunction works in place and returns the same frame.
type audioAugmentationFunction func(sourceFrame frame.PCMFrame) frame.PCMFrame

func (d *AudioAugmentationDevice) volumeAdjust(sourceFrame frame.PCMFrame) frame.PCMFrame {
	magnitude := d.GetVolumeAdjustMagnitude()
	if magnitude == 1.0 {
		return sourceFrame
	}
	for i := range sourceFrame {
		sourceFrame[i] *= magnitude
	}
	return sourceFrame
}

// DbToGain converts decibels to a linear amplitude factor.
func DbToGain(gainDb float64) float64 {
	return math.Pow(10, gainDb/20)
}
