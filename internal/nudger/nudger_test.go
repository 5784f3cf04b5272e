package nudger

import (
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Emits a ramp 1, 2, 3, ... per frame on every channel, so drops and repeats are visible.
type rampSource struct {
	numChannels int
	next        float32
	consumed    int
	short       bool
}

func (s *rampSource) Read(dst frame.PCMFrame) int {
	numFrames := len(dst) / s.numChannels
	if s.short {
		numFrames /= 2
	}
	for f := range numFrames {
		s.next++
		for c := range s.numChannels {
			dst[f*s.numChannels+c] = s.next
		}
	}
	s.consumed += numFrames
	return numFrames
}

func (s *rampSource) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: s.numChannels}
}

type counters struct {
	inserted, dropped int
}

func (c *counters) AddInserted(frames int) { c.inserted += frames }
func (c *counters) AddDropped(frames int)  { c.dropped += frames }

func constant(ms float64) Probe {
	return func() (float64, bool) { return ms, true }
}

func TestAdjustment(t *testing.T) {
	tests := []struct {
		name      string
		probe     Probe
		numFrames int
		want      int
	}{
		{"nil probe", nil, 4800, 0},
		{"unknown depth", func() (float64, bool) { return 500, false }, 4800, 0},
		{"inside deadband", constant(55), 4800, 0},
		{"deadband edge", constant(60), 4800, 0},
		// max 24, severity 1 -> 24, already a multiple of 8.
		{"far too full", constant(1000), 4800, 24},
		{"far too empty", constant(-1000), 4800, -24},
		// max 24, severity 0.1 -> round(2.4)=2 -> quantized to 8.
		{"slightly too full", constant(75), 4800, 8},
		// max 64 cap for huge blocks.
		{"cap", constant(500), 48000, 64},
		// max 2, quantized 8 capped back to 2.
		{"small block", constant(500), 480, 2},
		// max clamps up to 1 for tiny blocks.
		{"tiny block", constant(-500), 10, -1},
		{"zero frames", constant(500), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(&rampSource{numChannels: 2}, tt.probe, 50, 10, nil)
			assert.Equal(t, tt.want, n.Adjustment(tt.numFrames))
		})
	}
}

func TestReadAlwaysReturnsRequestedFrames(t *testing.T) {
	probes := []Probe{nil, constant(-1000), constant(50), constant(1000), func() (float64, bool) { return 0, false }}
	for _, probe := range probes {
		for _, numFrames := range []int{0, 1, 7, 199, 200, 480, 4800, 20000} {
			source := &rampSource{numChannels: 2}
			n := New(source, probe, 50, 10, nil)
			dst := make(frame.PCMFrame, numFrames*2)
			require.Equal(t, numFrames, n.Read(dst))
		}
	}
}

func TestReadDropsWhenTooFull(t *testing.T) {
	source := &rampSource{numChannels: 2}
	c := &counters{}
	n := New(source, constant(1000), 50, 10, c)

	dst := make(frame.PCMFrame, 4800*2)
	require.Equal(t, 4800, n.Read(dst))
	assert.Equal(t, 4800+24, source.consumed)
	assert.Equal(t, float32(1), dst[0])
	assert.Equal(t, float32(4800), dst[len(dst)-1])

	// The next read continues after the dropped frames.
	n.Read(dst)
	assert.Equal(t, float32(4800+24+1), dst[0])

	assert.Equal(t, int64(48), n.Dropped())
	assert.Equal(t, 48, c.dropped)
	assert.Zero(t, c.inserted)
}

func TestReadRepeatsLastFrameWhenTooEmpty(t *testing.T) {
	source := &rampSource{numChannels: 2}
	c := &counters{}
	n := New(source, constant(0), 50, 10, c)

	// error -50 ms: severity 0.2, max 24 -> round(4.8)=5 -> 8.
	dst := make(frame.PCMFrame, 4800*2)
	require.Equal(t, 4800, n.Read(dst))
	assert.Equal(t, 4800-8, source.consumed)
	last := float32(4800 - 8)
	for f := 4800 - 8; f < 4800; f++ {
		assert.Equal(t, last, dst[f*2])
		assert.Equal(t, last, dst[f*2+1])
	}
	assert.Equal(t, int64(8), n.Inserted())
	assert.Equal(t, 8, c.inserted)
}

func TestReadInsertsSilenceWhenNothingEmitted(t *testing.T) {
	source := &rampSource{numChannels: 1}
	n := New(source, constant(-500), 50, 10, nil)
	dst := frame.PCMFrame{9}
	require.Equal(t, 1, n.Read(dst))
	assert.Equal(t, frame.PCMFrame{0}, dst)
	assert.Zero(t, source.consumed, "never reads a negative or zero count")
}

func TestReadPadsShortUpstream(t *testing.T) {
	source := &rampSource{numChannels: 1, short: true}
	n := New(source, nil, 50, 10, nil)
	dst := frame.PCMFrame{9, 9, 9, 9}
	require.Equal(t, 4, n.Read(dst))
	assert.Equal(t, frame.PCMFrame{1, 2, 0, 0}, dst)
}

func TestPassThroughInsideDeadband(t *testing.T) {
	source := &rampSource{numChannels: 2}
	n := New(source, constant(45), 50, 10, nil)
	dst := make(frame.PCMFrame, 480*2)
	n.Read(dst)
	assert.Equal(t, 480, source.consumed)
	assert.Zero(t, n.Inserted())
	assert.Zero(t, n.Dropped())
}
