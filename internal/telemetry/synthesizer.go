package telemetry

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/google/uuid"
)

const (
	// Without a message for this long the synthesizer falls silent and reports itself dead.
	StaleAfter = 1500 * time.Millisecond

	MaxOneShots   = 64
	EventDuration = 180 * time.Millisecond

	rumbleSmoothing = 60 * time.Millisecond
	attackTime      = 2 * time.Millisecond
	// Envelope level at the end of a one-shot, about -60 dB.
	endLevel = 0.001

	// Telemetry values that drive the rumble to full scale.
	speedFullScale = 40.0
	accelFullScale = 20.0
	rumbleMinHz    = 30.0
	rumbleMaxHz    = 60.0
	elytraNoiseMix = 0.5
	noiseSmoothing = 0.05

	defaultPulsePeriod = 100 * time.Millisecond
	defaultPulseWidth  = 50 * time.Millisecond
)

// Continuous targets, replaced wholesale on every telemetry message.
type continuousState struct {
	rumble    float64
	frequency float64
	elytra    bool
}

// A finite generated tone, in samples.
type oneShot struct {
	f0, f1      float64
	length      int
	gain        float64
	noise       float64
	pulsePeriod int
	pulseWidth  int
	delay       int

	elapsed  int
	phase    float64
	envelope float64
	decay    float64
	attack   int
	noiseLP  float64
}

// Synthesizer renders a stereo haptic stream from telemetry messages.
//
// Messages arrive on the socket goroutine through Handle. The continuous state
// is published with an atomic pointer, and one-shots are queued under a mutex
// that the real-time thread only ever TryLocks, so Read never waits.
type Synthesizer struct {
	logger *slog.Logger
	uuid   uuid.UUID

	sampleRate int
	now        func() time.Time

	state       atomic.Pointer[continuousState]
	lastMessage atomic.Int64

	queueMu sync.Mutex
	queue   []oneShot

	received atomic.Int64
	dropped  atomic.Int64
	evicted  atomic.Int64

	// Owned by the real-time thread.
	pool        []oneShot
	rumbleAmp   float64
	rumbleFreq  float64
	rumblePhase float64
	noiseLP     float64
	smoothCoeff float64
	rng         *rand.Rand
}

func NewSynthesizer(sampleRate int, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"synthesizer uuid", uuid,
	)

	s := &Synthesizer{
		logger:      logger,
		uuid:        uuid,
		sampleRate:  sampleRate,
		now:         time.Now,
		queue:       make([]oneShot, 0, MaxOneShots),
		pool:        make([]oneShot, 0, MaxOneShots),
		rumbleFreq:  rumbleMinHz,
		smoothCoeff: 1 - math.Exp(-1/(rumbleSmoothing.Seconds()*float64(sampleRate))),
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5EED)),
	}
	s.state.Store(&continuousState{frequency: rumbleMinHz})
	return s
}

func (s *Synthesizer) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  s.sampleRate,
		NumChannels: 2,
	}
}

// Alive reports whether a message arrived within StaleAfter.
func (s *Synthesizer) Alive() bool {
	last := s.lastMessage.Load()
	return last != 0 && s.now().Sub(time.Unix(0, last)) < StaleAfter
}

// Counters of messages accepted, messages dropped as malformed, and one-shots evicted from a full pool.
func (s *Synthesizer) Stats() (received, dropped, evicted int64) {
	return s.received.Load(), s.dropped.Load(), s.evicted.Load()
}

// --------------------------------------------------------------------------------
// Socket side

// Handle parses one socket message and applies it. Malformed messages are dropped.
func (s *Synthesizer) Handle(data []byte) {
	m, ok := ParseMessage(data)
	if !ok {
		s.dropped.Add(1)
		return
	}
	s.Apply(m)
}

// Apply acts on a parsed message.
func (s *Synthesizer) Apply(m Message) {
	s.received.Add(1)
	s.lastMessage.Store(s.now().UnixNano())

	switch m.Type {
	case TypeTelemetry:
		rumble := clamp01(math.Abs(m.Speed)/speedFullScale + math.Abs(m.Accel)/accelFullScale)
		s.state.Store(&continuousState{
			rumble:    rumble,
			frequency: rumbleMinHz + (rumbleMaxHz-rumbleMinHz)*rumble,
			elytra:    m.Elytra,
		})

	case TypeEvent:
		frequency := EventFrequency(m.Kind)
		s.enqueue(s.newOneShot(frequency, frequency, EventDuration, clamp01(m.Intensity), 0, 0, 0, 0))

	case TypeHaptic:
		var pulsePeriod, pulseWidth time.Duration
		if m.Pattern == "pulse" || (m.PulsePeriodMs > 0 && m.PulseWidthMs > 0) {
			pulsePeriod = defaultPulsePeriod
			pulseWidth = defaultPulseWidth
			if m.PulsePeriodMs > 0 {
				pulsePeriod = milliseconds(m.PulsePeriodMs)
			}
			if m.PulseWidthMs > 0 {
				pulseWidth = milliseconds(m.PulseWidthMs)
			}
		}
		f1 := m.F1
		if f1 == 0 {
			f1 = m.F0
		}
		s.enqueue(s.newOneShot(
			m.F0, f1,
			milliseconds(m.Ms),
			clamp01(m.Gain),
			clamp01(m.Noise),
			pulsePeriod, pulseWidth,
			milliseconds(max(m.DelayMs, 0)),
		))
	}
}

func (s *Synthesizer) newOneShot(f0, f1 float64, duration time.Duration, gain, noise float64, pulsePeriod, pulseWidth, delay time.Duration) oneShot {
	length := max(s.samples(duration), 1)
	return oneShot{
		f0:          f0,
		f1:          f1,
		length:      length,
		gain:        gain,
		noise:       noise,
		pulsePeriod: s.samples(pulsePeriod),
		pulseWidth:  s.samples(pulseWidth),
		delay:       s.samples(delay),
		envelope:    1,
		decay:       math.Pow(endLevel, 1/float64(length)),
		attack:      min(s.samples(attackTime), length),
	}
}

// Queue a one-shot for the real-time thread, dropping the oldest queued one when full.
func (s *Synthesizer) enqueue(shot oneShot) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == MaxOneShots {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:MaxOneShots-1]
		s.evicted.Add(1)
		s.logger.Debug("one-shot queue full, evicted oldest")
	}
	s.queue = append(s.queue, shot)
}

// --------------------------------------------------------------------------------
// Real-time side

func (s *Synthesizer) Read(dst frame.PCMFrame) int {
	numFrames := dst.NumFrames(2)
	s.drainQueue()

	state := s.state.Load()
	target, frequency := state.rumble, state.frequency
	if !s.Alive() {
		target = 0
	}

	for f := range numFrames {
		s.rumbleAmp += (target - s.rumbleAmp) * s.smoothCoeff
		s.rumbleFreq += (frequency - s.rumbleFreq) * s.smoothCoeff
		s.rumblePhase = wrapPhase(s.rumblePhase + 2*math.Pi*s.rumbleFreq/float64(s.sampleRate))

		sample := math.Sin(s.rumblePhase) * s.rumbleAmp
		if state.elytra {
			s.noiseLP += (s.rng.Float64()*2 - 1 - s.noiseLP) * noiseSmoothing
			sample += s.noiseLP * s.rumbleAmp * elytraNoiseMix
		}
		for i := range s.pool {
			sample += s.renderOneShot(&s.pool[i])
		}

		v := float32(sample)
		dst[2*f] = v
		dst[2*f+1] = v
	}

	// Compact finished one-shots, keeping insertion order.
	live := s.pool[:0]
	for _, shot := range s.pool {
		if shot.elapsed < shot.delay+shot.length {
			live = append(live, shot)
		}
	}
	s.pool = live
	return numFrames
}

// Move queued one-shots into the pool if the queue is not being written right now.
func (s *Synthesizer) drainQueue() {
	if !s.queueMu.TryLock() {
		return
	}
	defer s.queueMu.Unlock()
	for _, shot := range s.queue {
		if len(s.pool) == MaxOneShots {
			copy(s.pool, s.pool[1:])
			s.pool = s.pool[:MaxOneShots-1]
			s.evicted.Add(1)
		}
		s.pool = append(s.pool, shot)
	}
	s.queue = s.queue[:0]
}

func (s *Synthesizer) renderOneShot(shot *oneShot) float64 {
	t := shot.elapsed
	shot.elapsed++
	if t < shot.delay || t >= shot.delay+shot.length {
		return 0
	}
	t -= shot.delay

	progress := float64(t) / float64(shot.length)
	frequency := shot.f0 + (shot.f1-shot.f0)*progress
	shot.phase = wrapPhase(shot.phase + 2*math.Pi*frequency/float64(s.sampleRate))

	level := shot.envelope
	shot.envelope *= shot.decay
	if t < shot.attack {
		level *= float64(t+1) / float64(shot.attack)
	}
	if shot.pulsePeriod > 0 && t%shot.pulsePeriod >= shot.pulseWidth {
		return 0
	}

	tone := math.Sin(shot.phase)
	if shot.noise > 0 {
		shot.noiseLP += (s.rng.Float64()*2 - 1 - shot.noiseLP) * noiseSmoothing
		tone = tone*(1-shot.noise) + shot.noiseLP*shot.noise
	}
	return tone * level * shot.gain
}

func (s *Synthesizer) samples(d time.Duration) int {
	return int(d.Seconds() * float64(s.sampleRate))
}

func milliseconds(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

func wrapPhase(phase float64) float64 {
	if phase >= 2*math.Pi {
		phase -= 2 * math.Pi
	}
	return phase
}
