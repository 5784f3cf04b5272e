// Package nudger keeps a producer and a consumer with slightly different clocks in step.
package nudger

import (
	"math"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

const (
	// Error at which the correction reaches its maximum.
	fullSeverityMs = 250.0
	// Corrections are made in steps of this many frames.
	adjustQuantum = 8
	maxAdjustCap  = 64
	// One frame of correction per this many requested frames, at full severity.
	framesPerAdjust = 200
)

// A Probe reports the depth of the upstream buffer in milliseconds.
// ok is false when the depth is unknown.
type Probe func() (ms float64, ok bool)

// Counters receives the cumulative corrections, e.g. a backend.EndpointStatus.
type Counters interface {
	AddInserted(frames int)
	AddDropped(frames int)
}

// TimeNudger wraps a stream and steers an upstream buffer towards a target depth.
//
// When the buffer is too full it reads a few extra frames and drops them; when
// too empty it reads a few frames fewer and repeats the last one. Read always
// returns exactly the number of frames requested.
type TimeNudger struct {
	source     audiodevice.AudioSourceDevice
	probe      Probe
	targetMs   float64
	deadbandMs float64
	counters   Counters

	numChannels int
	discard     frame.PCMFrame

	inserted atomic.Int64
	dropped  atomic.Int64
}

// Create a TimeNudger. probe and counters may be nil.
func New(source audiodevice.AudioSourceDevice, probe Probe, targetMs, deadbandMs float64, counters Counters) *TimeNudger {
	numChannels := source.GetDeviceProperties().NumChannels
	return &TimeNudger{
		source:      source,
		probe:       probe,
		targetMs:    targetMs,
		deadbandMs:  deadbandMs,
		counters:    counters,
		numChannels: numChannels,
		discard:     make(frame.PCMFrame, maxAdjustCap*numChannels),
	}
}

func (t *TimeNudger) GetDeviceProperties() audiodevice.DeviceProperties {
	return t.source.GetDeviceProperties()
}

func (t *TimeNudger) Inserted() int64 {
	return t.inserted.Load()
}

func (t *TimeNudger) Dropped() int64 {
	return t.dropped.Load()
}

// Adjustment returns the number of frames to correct by for a read of numFrames,
// positive to drop and negative to insert.
func (t *TimeNudger) Adjustment(numFrames int) int {
	if t.probe == nil || numFrames <= 0 {
		return 0
	}
	bufferedMs, ok := t.probe()
	if !ok || math.IsNaN(bufferedMs) {
		return 0
	}
	errorMs := bufferedMs - t.targetMs
	if math.Abs(errorMs) <= t.deadbandMs {
		return 0
	}

	maxAdjust := min(max(numFrames/framesPerAdjust, 1), maxAdjustCap)
	severity := min(math.Abs(errorMs)/fullSeverityMs, 1)
	adjust := int(math.Round(severity * float64(maxAdjust)))
	adjust = (adjust + adjustQuantum - 1) / adjustQuantum * adjustQuantum
	adjust = min(adjust, maxAdjust)

	if errorMs < 0 {
		return -adjust
	}
	return adjust
}

func (t *TimeNudger) Read(dst frame.PCMFrame) int {
	numChannels := t.numChannels
	numFrames := dst.NumFrames(numChannels)
	if numFrames == 0 {
		return 0
	}
	dst = dst[:numFrames*numChannels]

	adjust := t.Adjustment(numFrames)
	switch {
	case adjust > 0:
		t.readFull(dst)
		extra := t.discard[:adjust*numChannels]
		t.source.Read(extra)
		t.dropped.Add(int64(adjust))
		if t.counters != nil {
			t.counters.AddDropped(adjust)
		}

	case adjust < 0:
		emitted := numFrames + adjust
		if emitted > 0 {
			t.readFull(dst[:emitted*numChannels])
			last := dst[(emitted-1)*numChannels : emitted*numChannels]
			for f := emitted; f < numFrames; f++ {
				copy(dst[f*numChannels:(f+1)*numChannels], last)
			}
		} else {
			dst.Zero()
		}
		t.inserted.Add(int64(-adjust))
		if t.counters != nil {
			t.counters.AddInserted(-adjust)
		}

	default:
		t.readFull(dst)
	}
	return numFrames
}

// Read all of dst from upstream, padding a short read with silence.
func (t *TimeNudger) readFull(dst frame.PCMFrame) {
	if n := t.source.Read(dst); n*t.numChannels < len(dst) {
		dst[n*t.numChannels:].Zero()
	}
}
