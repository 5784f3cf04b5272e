// Package router mixes the music and shaker streams into eight discrete output channels.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/google/uuid"
)

type Mode string

const (
	// Music and shaker are summed into the front pair.
	FrontBoth  Mode = "FrontBoth"
	// The front pair carries music only.
	Dedicated  Mode = "Dedicated"
	MusicOnly  Mode = "MusicOnly"
	// The front pair carries the shaker instead of music.
	ShakerOnly Mode = "ShakerOnly"
)

// Largest block processed in one pass. Larger reads are served in chunks.
const maxBlockFrames = 4096

var (
	errSourceNotStereo = errors.New("router sources must be stereo")
	errRateMismatch    = errors.New("router source sample rate does not match the output")
	errChannelArray    = errors.New("per-channel arrays must be nil or hold one entry per output channel")
	errChannelMap      = errors.New("channel map entries must name a raw channel")
)

// Config of the mixing graph. Nil per-channel arrays mean identity map, 0 dB,
// and no mute, solo or invert.
type Config struct {
	SampleRate int
	Mode       Mode

	MusicGainDb      float64
	MusicHighPassHz  *float64
	MusicLowPassHz   *float64
	ShakerGainDb     float64
	ShakerHighPassHz *float64
	ShakerLowPassHz  *float64

	LFEGainDb        float64
	RearGainDb       float64
	SideGainDb       float64
	CenterGainDb     float64
	CenterFromShaker bool
	MasterGainDb     float64

	ChannelGainsDb []float64
	ChannelMap     []int
	ChannelMute    []bool
	ChannelSolo    []bool
	ChannelInvert  []bool
}

// Per-output-channel settings, resolved once at construction.
type channel struct {
	source int
	gain   float64
	mute   bool
	solo   bool
	invert bool
}

// Router is an 8-channel AudioSourceDevice pulling from a stereo music source
// and a stereo shaker source.
//
// Per frame: source gain, music filters, shaker band-pass, mixing mode, derived
// LFE/rear/side/center feeds, then per output channel map, solo, invert, mute,
// channel gain times master gain, and a hard clamp to [-1, 1].
type Router struct {
	logger *slog.Logger
	uuid   uuid.UUID

	music  audiodevice.AudioSourceDevice
	shaker audiodevice.AudioSourceDevice

	sampleRate int
	mode       Mode

	musicGain  float64
	shakerGain float64
	lfeGain    float64
	rearGain   float64
	sideGain   float64
	centerGain float64
	fromShaker bool

	musicFilters  [2]filterChain
	shakerFilters [2]filterChain

	channels [frame.NumSurroundChannels]channel
	anySolo  bool

	musicBuffer  frame.PCMFrame
	shakerBuffer frame.PCMFrame
}

func New(music, shaker audiodevice.AudioSourceDevice, cfg Config, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"router uuid", uuid,
	)

	for name, source := range map[string]audiodevice.AudioSourceDevice{"music": music, "shaker": shaker} {
		if source == nil {
			return nil, fmt.Errorf("router needs a %s source", name)
		}
		properties := source.GetDeviceProperties()
		if properties.NumChannels != 2 {
			return nil, fmt.Errorf("%w: %s has %d channels", errSourceNotStereo, name, properties.NumChannels)
		}
		if properties.SampleRate != cfg.SampleRate {
			return nil, fmt.Errorf("%w: %s at %d Hz, output at %d Hz", errRateMismatch, name, properties.SampleRate, cfg.SampleRate)
		}
	}

	channels, err := resolveChannels(cfg)
	if err != nil {
		return nil, err
	}

	r := &Router{
		logger:       logger,
		uuid:         uuid,
		music:        music,
		shaker:       shaker,
		sampleRate:   cfg.SampleRate,
		mode:         cfg.Mode,
		musicGain:    device.DbToGain(cfg.MusicGainDb),
		shakerGain:   device.DbToGain(cfg.ShakerGainDb),
		lfeGain:      device.DbToGain(cfg.LFEGainDb),
		rearGain:     device.DbToGain(cfg.RearGainDb),
		sideGain:     device.DbToGain(cfg.SideGainDb),
		centerGain:   device.DbToGain(cfg.CenterGainDb),
		fromShaker:   cfg.CenterFromShaker,
		channels:     channels,
		musicBuffer:  make(frame.PCMFrame, 2*maxBlockFrames),
		shakerBuffer: make(frame.PCMFrame, 2*maxBlockFrames),
	}
	for _, c := range channels {
		r.anySolo = r.anySolo || c.solo
	}
	for i := range 2 {
		r.musicFilters[i] = newFilterChain(cfg.SampleRate, cfg.MusicHighPassHz, cfg.MusicLowPassHz)
		r.shakerFilters[i] = newFilterChain(cfg.SampleRate, cfg.ShakerHighPassHz, cfg.ShakerLowPassHz)
	}
	switch r.mode {
	case FrontBoth, Dedicated, MusicOnly, ShakerOnly:
	default:
		logger.Warn("unknown mixing mode, using FrontBoth", "mode", cfg.Mode)
		r.mode = FrontBoth
	}

	logger.Debug("router created",
		"mode", r.mode,
		"music filter sections", len(r.musicFilters[0]),
		"shaker filter sections", len(r.shakerFilters[0]),
	)
	return r, nil
}

func resolveChannels(cfg Config) ([frame.NumSurroundChannels]channel, error) {
	var channels [frame.NumSurroundChannels]channel
	for _, length := range []int{len(cfg.ChannelGainsDb), len(cfg.ChannelMap), len(cfg.ChannelMute), len(cfg.ChannelSolo), len(cfg.ChannelInvert)} {
		if length != 0 && length != frame.NumSurroundChannels {
			return channels, fmt.Errorf("%w: got %d entries", errChannelArray, length)
		}
	}

	master := device.DbToGain(cfg.MasterGainDb)
	for i := range channels {
		c := channel{source: i, gain: master}
		if cfg.ChannelMap != nil {
			c.source = cfg.ChannelMap[i]
			if c.source < 0 || c.source >= frame.NumSurroundChannels {
				return channels, fmt.Errorf("%w: channel %d maps to %d", errChannelMap, i, c.source)
			}
		}
		if cfg.ChannelGainsDb != nil {
			c.gain = device.DbToGain(cfg.ChannelGainsDb[i]) * master
		}
		if cfg.ChannelMute != nil {
			c.mute = cfg.ChannelMute[i]
		}
		if cfg.ChannelSolo != nil {
			c.solo = cfg.ChannelSolo[i]
		}
		if cfg.ChannelInvert != nil {
			c.invert = cfg.ChannelInvert[i]
		}
		channels[i] = c
	}
	return channels, nil
}

func (r *Router) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  r.sampleRate,
		NumChannels: frame.NumSurroundChannels,
	}
}

// Read fills dst with 8-channel frames and always returns the full request.
func (r *Router) Read(dst frame.PCMFrame) int {
	numFrames := dst.NumFrames(frame.NumSurroundChannels)
	for done := 0; done < numFrames; {
		n := min(numFrames-done, maxBlockFrames)
		r.readBlock(dst[done*frame.NumSurroundChannels : (done+n)*frame.NumSurroundChannels])
		done += n
	}
	return numFrames
}

func (r *Router) readBlock(dst frame.PCMFrame) {
	numFrames := dst.NumFrames(frame.NumSurroundChannels)
	music := r.musicBuffer[:2*numFrames]
	shaker := r.shakerBuffer[:2*numFrames]
	readFull(r.music, music)
	readFull(r.shaker, shaker)

	var raw [frame.NumSurroundChannels]float64
	for f := range numFrames {
		r.mix(float64(music[2*f]), float64(music[2*f+1]), float64(shaker[2*f]), float64(shaker[2*f+1]), &raw)

		out := dst[f*frame.NumSurroundChannels : (f+1)*frame.NumSurroundChannels]
		for i := range r.channels {
			out[i] = float32(r.route(i, &raw))
		}
	}
}

// Mix one frame of both sources into the raw channel vector.
func (r *Router) mix(musicL, musicR, shakerL, shakerR float64, raw *[frame.NumSurroundChannels]float64) {
	musicL = r.musicFilters[0].process(finite(musicL) * r.musicGain)
	musicR = r.musicFilters[1].process(finite(musicR) * r.musicGain)
	shakerL = r.shakerFilters[0].process(finite(shakerL) * r.shakerGain)
	shakerR = r.shakerFilters[1].process(finite(shakerR) * r.shakerGain)

	var frontL, frontR float64
	switch r.mode {
	case MusicOnly:
		shakerL, shakerR = 0, 0
		frontL, frontR = musicL, musicR
	case ShakerOnly:
		frontL, frontR = shakerL, shakerR
	case Dedicated:
		frontL, frontR = musicL, musicR
	default:
		frontL, frontR = musicL+shakerL, musicR+shakerR
	}

	shakerMean := (shakerL + shakerR) / 2
	raw[frame.FrontLeft] = frontL
	raw[frame.FrontRight] = frontR
	raw[frame.Center] = 0
	if r.fromShaker {
		raw[frame.Center] = shakerMean * r.centerGain
	}
	raw[frame.LowFrequency] = shakerMean * r.lfeGain
	raw[frame.BackLeft] = shakerL * r.rearGain
	raw[frame.BackRight] = shakerR * r.rearGain
	raw[frame.SideLeft] = shakerL * r.sideGain
	raw[frame.SideRight] = shakerR * r.sideGain
}

// Produce output channel i from the raw vector. The order of the steps is load-bearing.
func (r *Router) route(i int, raw *[frame.NumSurroundChannels]float64) float64 {
	c := &r.channels[i]
	v := raw[c.source]
	if r.anySolo && !c.solo {
		v = 0
	}
	if c.invert {
		v = -v
	}
	if c.mute {
		v = 0
	}
	v *= c.gain
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, -1), 1)
}

// A NaN or infinite input would poison the filter state for good.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Read once from source, zero-padding whatever it leaves unfilled.
func readFull(source audiodevice.AudioSourceDevice, dst frame.PCMFrame) {
	n := source.Read(dst)
	if filled := n * 2; filled < len(dst) {
		dst[max(filled, 0):].Zero()
	}
}
