package frame

// A PCMFrame is a block of interleaved float32 samples, nominally in [-1, 1].
//
// The number of audio frames held is len(PCMFrame) / NumChannels, where the
// channel count is known from the DeviceProperties of whatever produced it.
type PCMFrame []float32

// Zero sets every sample of the frame to silence.
func (f PCMFrame) Zero() {
	for i := range f {
		f[i] = 0
	}
}

// NumFrames returns the number of whole frames held for the given channel count.
func (f PCMFrame) NumFrames(numChannels int) int {
	if numChannels <= 0 {
		return 0
	}
	return len(f) / numChannels
}

// Canonical 7.1 channel order, shared by the router and the output device.
const (
	FrontLeft = iota
	FrontRight
	Center
	LowFrequency
	BackLeft
	BackRight
	SideLeft
	SideRight

	NumSurroundChannels
)

// ChannelMask71 is the WAVEFORMATEXTENSIBLE speaker mask for the order above:
// FL|FR|FC|LFE|BL|BR|SL|SR.
const ChannelMask71 uint32 = 0x1 | 0x2 | 0x4 | 0x8 | 0x10 | 0x20 | 0x200 | 0x400

// ChannelNames gives a short label per canonical channel, used for logs and metrics.
var ChannelNames = [NumSurroundChannels]string{"FL", "FR", "FC", "LFE", "BL", "BR", "SL", "SR"}
