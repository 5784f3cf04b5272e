package device

import (
	"log/slog"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/oov/audio/resampler"
)

const (
	// Fraction of the summed surplus channels folded into the first two channels
	// when down-mixing, split evenly between them.
	downmixSurplusContribution = 0.15

	resampleQuality = 10
)

// Build the format conversion chain that turns source into the given properties.
//
// Channel conversion runs first so the resampler only processes the target channel count.
// If the source already matches, it is returned unchanged.
func NewAudioFormatConversionDevice(
	source audiodevice.AudioSourceDevice,
	sinkProperties audiodevice.DeviceProperties,
	maxFrames int,
	logger *slog.Logger,
) audiodevice.AudioSourceDevice {
	if logger == nil {
		logger = slog.Default()
	}
	sourceProperties := source.GetDeviceProperties()

	if sourceProperties.NumChannels != sinkProperties.NumChannels {
		logger.Debug(
			"adding channel conversion",
			"from", sourceProperties.NumChannels,
			"to", sinkProperties.NumChannels,
		)
		source = NewChannelConversionDevice(source, sinkProperties.NumChannels, maxFrames)
	}
	if sourceProperties.SampleRate != sinkProperties.SampleRate {
		logger.Debug(
			"adding resampler",
			"from", sourceProperties.SampleRate,
			"to", sinkProperties.SampleRate,
		)
		source = NewResampleDevice(source, sinkProperties.SampleRate, maxFrames)
	}
	return source
}

// --------------------------------------------------------------------------------
// Channel count conversion

// Middle-man device that changes the channel count of a stream.
//
//   - mono is duplicated into the first two channels
//   - a single target channel receives the average of all source channels
//   - surplus source channels are dropped, but 15% of their sum is folded
//     (evenly split) into the first two channels so surround content stays audible
//   - missing target channels are silent
type ChannelConversionDevice struct {
	source         audiodevice.AudioSourceDevice
	sourceChannels int
	sinkChannels   int
	sampleRate     int

	maxFrames int
	scratch   frame.PCMFrame
}

func NewChannelConversionDevice(source audiodevice.AudioSourceDevice, numChannels int, maxFrames int) *ChannelConversionDevice {
	sourceProperties := source.GetDeviceProperties()
	return &ChannelConversionDevice{
		source:         source,
		sourceChannels: sourceProperties.NumChannels,
		sinkChannels:   numChannels,
		sampleRate:     sourceProperties.SampleRate,
		maxFrames:      maxFrames,
		scratch:        make(frame.PCMFrame, maxFrames*sourceProperties.NumChannels),
	}
}

func (d *ChannelConversionDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  d.sampleRate,
		NumChannels: d.sinkChannels,
	}
}

func (d *ChannelConversionDevice) Read(dst frame.PCMFrame) int {
	numFrames := dst.NumFrames(d.sinkChannels)
	if d.sourceChannels == d.sinkChannels {
		return d.source.Read(dst[:numFrames*d.sinkChannels])
	}

	done := 0
	for done < numFrames {
		chunk := min(numFrames-done, d.maxFrames)
		got := d.source.Read(d.scratch[:chunk*d.sourceChannels])
		got = min(got, chunk)
		out := dst[done*d.sinkChannels : (done+chunk)*d.sinkChannels]
		convertChannels(d.scratch[:got*d.sourceChannels], d.sourceChannels, out[:got*d.sinkChannels], d.sinkChannels)
		out[got*d.sinkChannels:].Zero()
		done += chunk
	}
	return numFrames
}

func convertChannels(src frame.PCMFrame, srcChannels int, dst frame.PCMFrame, dstChannels int) {
	numFrames := len(src) / srcChannels
	for f := range numFrames {
		in := src[f*srcChannels : (f+1)*srcChannels]
		out := dst[f*dstChannels : (f+1)*dstChannels]

		switch {
		case srcChannels == 1:
			out.Zero()
			out[0] = in[0]
			if dstChannels > 1 {
				out[1] = in[0]
			}
		case dstChannels == 1:
			var sum float32
			for _, v := range in {
				sum += v
			}
			out[0] = sum / float32(srcChannels)
		case srcChannels > dstChannels:
			copy(out, in[:dstChannels])
			var surplus float32
			for _, v := range in[dstChannels:] {
				surplus += v
			}
			share := surplus * downmixSurplusContribution / 2
			out[0] += share
			out[1] += share
		default:
			copy(out, in)
			out[srcChannels:].Zero()
		}
	}
}

// --------------------------------------------------------------------------------
// Sample rate conversion

// Middle-man device that resamples a stream to a new sample rate.
//
// Upstream is pulled in proportion to the rate ratio; resampler output beyond
// what was requested is held in a small FIFO for the next call.
type ResampleDevice struct {
	source      audiodevice.AudioSourceDevice
	numChannels int
	sourceRate  int
	sinkRate    int
	resampler   *resampler.Resampler

	maxFrames   int
	interleaved frame.PCMFrame
	planarIn    [][]float32
	planarOut   [][]float32
	fifo        [][]float32
	fifoLen     int
}

func NewResampleDevice(source audiodevice.AudioSourceDevice, sampleRate int, maxFrames int) *ResampleDevice {
	sourceProperties := source.GetDeviceProperties()
	numChannels := sourceProperties.NumChannels

	// Enough input to produce maxFrames of output, plus slack for rounding.
	maxIn := maxFrames*sourceProperties.SampleRate/sampleRate + 2
	maxOut := maxIn*sampleRate/sourceProperties.SampleRate + 64

	d := &ResampleDevice{
		source:      source,
		numChannels: numChannels,
		sourceRate:  sourceProperties.SampleRate,
		sinkRate:    sampleRate,
		resampler:   resampler.New(numChannels, sourceProperties.SampleRate, sampleRate, resampleQuality),
		maxFrames:   maxFrames,
		interleaved: make(frame.PCMFrame, maxIn*numChannels),
		planarIn:    make([][]float32, numChannels),
		planarOut:   make([][]float32, numChannels),
		fifo:        make([][]float32, numChannels),
	}
	for c := range numChannels {
		d.planarIn[c] = make([]float32, maxIn)
		d.planarOut[c] = make([]float32, maxOut)
		d.fifo[c] = make([]float32, maxFrames+maxOut)
	}
	return d
}

func (d *ResampleDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  d.sinkRate,
		NumChannels: d.numChannels,
	}
}

func (d *ResampleDevice) Read(dst frame.PCMFrame) int {
	numFrames := dst.NumFrames(d.numChannels)
	done := 0
	for done < numFrames {
		chunk := min(numFrames-done, d.maxFrames)
		d.fill(chunk)

		emit := min(chunk, d.fifoLen)
		out := dst[done*d.numChannels : (done+chunk)*d.numChannels]
		for f := range emit {
			for c := range d.numChannels {
				out[f*d.numChannels+c] = d.fifo[c][f]
			}
		}
		out[emit*d.numChannels:].Zero()

		for c := range d.numChannels {
			copy(d.fifo[c], d.fifo[c][emit:d.fifoLen])
		}
		d.fifoLen -= emit
		done += chunk
	}
	return numFrames
}

// Pull upstream until the FIFO holds at least want frames, or the resampler stalls.
func (d *ResampleDevice) fill(want int) {
	maxIn := len(d.planarIn[0])
	stalls := 0
	for d.fifoLen < want && stalls < 2 {
		needed := (want-d.fifoLen)*d.sourceRate/d.sinkRate + 1
		needed = min(max(needed, 1), maxIn)

		got := d.source.Read(d.interleaved[:needed*d.numChannels])
		got = min(got, needed)
		for f := range got {
			for c := range d.numChannels {
				d.planarIn[c][f] = d.interleaved[f*d.numChannels+c]
			}
		}

		written := 0
		for c := range d.numChannels {
			_, w := d.resampler.ProcessFloat32(c, d.planarIn[c][:got], d.planarOut[c])
			if c == 0 {
				written = w
			}
		}
		written = min(written, len(d.fifo[0])-d.fifoLen)
		for c := range d.numChannels {
			copy(d.fifo[c][d.fifoLen:], d.planarOut[c][:written])
		}
		d.fifoLen += written

		if written == 0 {
			stalls++
		}
	}
}
