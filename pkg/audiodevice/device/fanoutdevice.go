package device

import (
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// A BlockWriter accepts a copy of each block read through a FanOutDevice.
// Write is called on the real-time path and must not block.
type BlockWriter interface {
	Write(pcmFrame frame.PCMFrame)
}

// A FanOutDevice passes its source through to the reader, and hands every block
// read to each of its writers, e.g. a FileAudioOutputDevice recording the mix.
//
// Writers must be added before the device is first read.
type FanOutDevice struct {
	source  audiodevice.AudioSourceDevice
	writers []BlockWriter
}

func NewFanOutDevice(source audiodevice.AudioSourceDevice, writers ...BlockWriter) *FanOutDevice {
	return &FanOutDevice{
		source:  source,
		writers: writers,
	}
}

func (d *FanOutDevice) AddWriter(writer BlockWriter) {
	d.writers = append(d.writers, writer)
}

func (d *FanOutDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.source.GetDeviceProperties()
}

func (d *FanOutDevice) Read(dst frame.PCMFrame) int {
	n := d.source.Read(dst)
	block := dst[:min(n*d.source.GetDeviceProperties().NumChannels, len(dst))]
	for _, writer := range d.writers {
		writer.Write(block)
	}
	return n
}
