package router

import "math"

// Butterworth quality factor used by every filter section.
var butterworthQ = 1 / math.Sqrt2

// A Biquad is one second-order IIR section (RBJ cookbook coefficients),
// run in transposed direct form II.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// NewLowPass designs a low-pass section with cutoff hz at sampleRate.
func NewLowPass(sampleRate int, hz float64) *Biquad {
	w0 := 2 * math.Pi * hz / float64(sampleRate)
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * butterworthQ)
	return newBiquad(
		(1-cos)/2, 1-cos, (1-cos)/2,
		1+alpha, -2*cos, 1-alpha,
	)
}

// NewHighPass designs a high-pass section with cutoff hz at sampleRate.
func NewHighPass(sampleRate int, hz float64) *Biquad {
	w0 := 2 * math.Pi * hz / float64(sampleRate)
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * butterworthQ)
	return newBiquad(
		(1+cos)/2, -(1 + cos), (1+cos)/2,
		1+alpha, -2*cos, 1-alpha,
	)
}

func newBiquad(b0, b1, b2, a0, a1, a2 float64) *Biquad {
	return &Biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// Process filters one sample.
func (b *Biquad) Process(x float64) float64 {
	y := b.b0*x + b.z1
	b.z1 = b.b1*x - b.a1*y + b.z2
	b.z2 = b.b2*x - b.a2*y
	return y
}

// Reset clears the filter state.
func (b *Biquad) Reset() {
	b.z1, b.z2 = 0, 0
}

// A chain of sections applied in order to one channel. An empty chain passes through.
type filterChain []*Biquad

func (c filterChain) process(x float64) float64 {
	for _, section := range c {
		x = section.Process(x)
	}
	return x
}

// Build the high-pass then low-pass chain for one channel. A nil cutoff, or one
// at or above Nyquist, leaves that section out.
func newFilterChain(sampleRate int, highPassHz, lowPassHz *float64) filterChain {
	nyquist := float64(sampleRate) / 2
	var chain filterChain
	if highPassHz != nil && *highPassHz > 0 && *highPassHz < nyquist {
		chain = append(chain, NewHighPass(sampleRate, *highPassHz))
	}
	if lowPassHz != nil && *lowPassHz > 0 && *lowPassHz < nyquist {
		chain = append(chain, NewLowPass(sampleRate, *lowPassHz))
	}
	return chain
}
