// Package meter observes peak levels in the audio graph and exports them, with
// the input endpoint statuses, as prometheus metrics.
package meter

import (
	"math"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// A Tap passes its source through unchanged while recording the absolute peak
// of each channel since the last call to Peaks.
type Tap struct {
	name   string
	source audiodevice.AudioSourceDevice
	peaks  []atomic.Uint32 // float32 bits
}

func NewTap(name string, source audiodevice.AudioSourceDevice) *Tap {
	return &Tap{
		name:   name,
		source: source,
		peaks:  make([]atomic.Uint32, source.GetDeviceProperties().NumChannels),
	}
}

func (t *Tap) Name() string {
	return t.name
}

func (t *Tap) GetDeviceProperties() audiodevice.DeviceProperties {
	return t.source.GetDeviceProperties()
}

func (t *Tap) Read(dst frame.PCMFrame) int {
	n := t.source.Read(dst)
	numChannels := len(t.peaks)
	if numChannels == 0 {
		return n
	}
	samples := dst[:min(n*numChannels, len(dst))]
	for c := range numChannels {
		var peak float32
		for i := c; i < len(samples); i += numChannels {
			if v := abs32(samples[i]); v > peak {
				peak = v
			}
		}
		t.hold(c, peak)
	}
	return n
}

// Raise the held peak of channel c to peak if it is higher.
func (t *Tap) hold(c int, peak float32) {
	for {
		old := t.peaks[c].Load()
		if peak <= math.Float32frombits(old) {
			return
		}
		if t.peaks[c].CompareAndSwap(old, math.Float32bits(peak)) {
			return
		}
	}
}

// Peaks returns the held peak of every channel and resets them.
func (t *Tap) Peaks() []float32 {
	peaks := make([]float32, len(t.peaks))
	for c := range t.peaks {
		peaks[c] = math.Float32frombits(t.peaks[c].Swap(0))
	}
	return peaks
}

func abs32(v float32) float32 {
	if v != v {
		return 0
	}
	return float32(math.Abs(float64(v)))
}
