package device

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

const (
	DefaultFallbackFadeTime = 100 * time.Millisecond
	DefaultRecoveryFadeTime = 250 * time.Millisecond
)

// AutoFallbackDevice mixes two sources into one (a fan in of exactly two),
// crossfading between a primary and a fallback source based on the primary's liveness.
//
// The crossfade is equal-power with asymmetric one-pole time constants: losing
// the primary fades to the fallback quickly, while recovery fades back slowly
// so a primary that flaps does not produce audible pumping.
//
// Both sources are read on every call, so the fallback never accumulates stale audio.
type AutoFallbackDevice struct {
	primary  audiodevice.AudioSourceDevice
	fallback audiodevice.AudioSourceDevice
	isAlive  func() bool

	properties    audiodevice.DeviceProperties
	fallbackCoeff float64
	recoveryCoeff float64

	// Owned by the reading goroutine. 1.0 is fully primary.
	weight     float64
	weightBits atomic.Uint64

	maxFrames   int
	primaryBuf  frame.PCMFrame
	fallbackBuf frame.PCMFrame
}

// Create a new AutoFallbackDevice. Both sources must share the same properties.
// isAlive is polled once per Read and must not block.
//
// The device starts on the fallback source.
func NewAutoFallbackDevice(
	primary audiodevice.AudioSourceDevice,
	fallback audiodevice.AudioSourceDevice,
	isAlive func() bool,
	fallbackFadeTime time.Duration,
	recoveryFadeTime time.Duration,
	maxFrames int,
) *AutoFallbackDevice {
	properties := primary.GetDeviceProperties()
	d := &AutoFallbackDevice{
		primary:       primary,
		fallback:      fallback,
		isAlive:       isAlive,
		properties:    properties,
		fallbackCoeff: onePoleCoefficient(fallbackFadeTime, properties.SampleRate),
		recoveryCoeff: onePoleCoefficient(recoveryFadeTime, properties.SampleRate),
		maxFrames:     maxFrames,
		primaryBuf:    make(frame.PCMFrame, maxFrames*properties.NumChannels),
		fallbackBuf:   make(frame.PCMFrame, maxFrames*properties.NumChannels),
	}
	d.weightBits.Store(math.Float64bits(0))
	return d
}

func (d *AutoFallbackDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// Weight returns the current share of the primary source, 0 (fallback) to 1 (primary).
func (d *AutoFallbackDevice) Weight() float64 {
	return math.Float64frombits(d.weightBits.Load())
}

func (d *AutoFallbackDevice) Read(dst frame.PCMFrame) int {
	numChannels := d.properties.NumChannels
	numFrames := dst.NumFrames(numChannels)

	target := 0.0
	if d.isAlive() {
		target = 1.0
	}
	coeff := d.recoveryCoeff
	if target < d.weight {
		coeff = d.fallbackCoeff
	}

	done := 0
	for done < numFrames {
		chunk := min(numFrames-done, d.maxFrames)
		samples := chunk * numChannels
		primary := d.primaryBuf[:samples]
		fallback := d.fallbackBuf[:samples]

		if n := d.primary.Read(primary); n < chunk {
			primary[n*numChannels:].Zero()
		}
		if n := d.fallback.Read(fallback); n < chunk {
			fallback[n*numChannels:].Zero()
		}

		out := dst[done*numChannels : (done+chunk)*numChannels]
		for f := range chunk {
			d.weight += (target - d.weight) * coeff
			primaryGain := float32(math.Sin(d.weight * math.Pi / 2))
			fallbackGain := float32(math.Cos(d.weight * math.Pi / 2))
			for c := range numChannels {
				i := f*numChannels + c
				out[i] = primary[i]*primaryGain + fallback[i]*fallbackGain
			}
		}
		done += chunk
	}

	d.weightBits.Store(math.Float64bits(d.weight))
	return numFrames
}

// Per-sample smoothing coefficient for a one-pole filter with the given time constant.
func onePoleCoefficient(timeConstant time.Duration, sampleRate int) float64 {
	if timeConstant <= 0 || sampleRate <= 0 {
		return 1
	}
	return 1 - math.Exp(-1/(timeConstant.Seconds()*float64(sampleRate)))
}
