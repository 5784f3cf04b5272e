package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/backend"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/ioctl"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/meter"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/negotiator"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/nudger"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/router"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/telemetry"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice/device"
	"github.com/google/uuid"
)

var ErrSessionStopped = errors.New("session stopped, build a new one to start again")

// Input rings hold this many latency targets of audio.
const bufferLatencies = 4

type State int32

const (
	StateConstructed State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Parameters for NewSession.
type Options struct {
	API audioapi.AudioIODeviceAPI
	// Transport to the virtual driver. nil uses the platform transport.
	DriverTransport ioctl.Transport
	Logger          *slog.Logger
}

// A Session is one running routing graph, from input backend to output device.
//
// Everything that can fail is opened and negotiated in NewSession, before any
// audio flows. A session goes Constructed -> Started -> Stopped; a stopped
// session cannot be restarted.
//
// Audio Data Flow (pulled by the output device callback)
// | ----------------------- per input stream ----------------------- |
// ring buffer -> PCMStreamDevice -> TimeNudger -> AudioFormatConversionDevice -> Tap --\
//
//	Router -> Tap -> FanOutDevice (-> recorder) -> output
//
// telemetry Synthesizer -> AudioAugmentationDevice -> AutoFallbackDevice (shaker) --/
type Session struct {
	logger *slog.Logger
	uuid   uuid.UUID

	input     backend.InputBackend
	output    audiodevice.OutputSession
	format    audiodevice.Format
	exclusive bool
	blacklist *negotiator.Blacklist
	// The blacklist as configured, before negotiation.
	configuredRates *negotiator.Blacklist
	warnings        []string

	router      *router.Router
	taps        []*meter.Tap
	collector   *meter.Collector
	nudgers     map[backend.StreamID]*nudger.TimeNudger
	synthesizer *telemetry.Synthesizer
	client      *telemetry.Client
	recorder    *device.FileAudioOutputDevice

	state     atomic.Int32
	lifecycle sync.Mutex
	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
	closeErr  error
	cancel    context.CancelFunc

	fatalOnce sync.Once
	fatalErr  atomic.Pointer[error]
	done      chan struct{}
}

// NewSession builds a session for cfg: it resolves the devices, opens the input
// backend (falling back from the driver to loopback capture), negotiates the
// output format, assembles the graph and initializes the output device.
//
// Non-fatal problems are collected in Warnings.
func NewSession(cfg config.Config, options Options) (session *Session, err error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"session uuid", uuid,
	)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if options.API == nil {
		return nil, errors.New("session needs an audio API")
	}
	transport := options.DriverTransport
	if transport == nil {
		transport = ioctl.NewTransport()
	}

	s := &Session{
		logger:    logger,
		uuid:      uuid,
		blacklist: negotiator.NewBlacklist(cfg.BlacklistedSampleRates...),
		nudgers:   make(map[backend.StreamID]*nudger.TimeNudger),
		done:      make(chan struct{}),

		configuredRates: negotiator.NewBlacklist(cfg.BlacklistedSampleRates...),
	}
	// Release whatever was opened if construction fails part way.
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	// --------------------------------------------------------------------------------
	// Devices

	renderDevices, err := options.API.RenderDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate output devices: %w", err)
	}
	outputDevice, err := audioapi.MatchDevice(renderDevices, cfg.OutputDevice)
	if err != nil {
		return nil, fmt.Errorf("output device: %w", err)
	}

	inputDevices := make(map[backend.StreamID]audioapi.AudioIODevice)
	wanted := map[backend.StreamID]string{backend.Music: cfg.MusicInputDevice}
	if !(cfg.TelemetryActive() && cfg.Telemetry.IngestMode == config.IngestTelemetry) {
		wanted[backend.Shaker] = cfg.ShakerInputDevice
	}
	for _, id := range backend.StreamIDs {
		name, ok := wanted[id]
		if !ok {
			continue
		}
		d, err := audioapi.MatchDevice(renderDevices, name)
		if errors.Is(err, audioapi.ErrDeviceDisabled) {
			logger.Info("input disabled", "stream", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s input device: %w", id, err)
		}
		inputDevices[id] = d
	}

	// --------------------------------------------------------------------------------
	// Input backend

	kind := backend.KindCapture
	if cfg.InputBackend == config.BackendDriver {
		kind = backend.KindDriver
	}
	latency := time.Duration(cfg.LatencyMs) * time.Millisecond
	input, warning, err := backend.Open(backend.Options{
		Kind:           kind,
		Devices:        inputDevices,
		Opener:         options.API,
		Transport:      transport,
		BufferDuration: bufferLatencies * latency,
		OnFatal:        s.fail,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open input backend: %w", err)
	}
	s.input = input
	s.warn(warning)

	// --------------------------------------------------------------------------------
	// Output format

	result, warning, err := negotiator.Negotiate(
		negotiator.Request{SampleRate: cfg.SampleRate, Exclusive: cfg.ExclusiveMode},
		audioapi.OutputCapabilities{API: options.API, Device: outputDevice},
		s.blacklist,
	)
	if err != nil {
		return nil, err
	}
	s.format = result.Format
	s.exclusive = result.Exclusive
	s.warn(warning)

	// Two device periods per latency target.
	periodFrames := max(s.format.SampleRate*cfg.LatencyMs/1000/2, s.format.SampleRate/1000)
	maxFrames := 4 * periodFrames

	// --------------------------------------------------------------------------------
	// Graph

	if err := s.buildGraph(cfg, maxFrames); err != nil {
		return nil, err
	}

	output, err := options.API.OpenOutput(outputDevice, audioapi.OutputOptions{
		Format:       s.format,
		Exclusive:    s.exclusive,
		PeriodFrames: periodFrames,
		OnLost:       s.fail,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open output device %q: %w", outputDevice.Name, err)
	}
	s.output = output

	final := audiodevice.AudioSourceDevice(s.taps[len(s.taps)-1])
	if cfg.RecordPath != "" {
		recorder, err := device.NewFileAudioOutputDevice(cfg.RecordPath, s.format.Properties(), maxFrames, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open recording: %w", err)
		}
		s.recorder = recorder
		final = device.NewFanOutDevice(final, recorder)
	}
	output.SetStream(final)

	var synthesizer meter.SynthesizerStats
	if s.synthesizer != nil {
		synthesizer = s.synthesizer
	}
	s.collector = meter.NewCollector(s.taps, s.Status, synthesizer)

	logger.Info(
		"session ready",
		"backend", s.input.Kind(),
		"output", outputDevice.Name,
		"format", s.format.String(),
		"exclusive", s.exclusive,
		"mixingMode", cfg.MixingMode,
		"telemetry", cfg.TelemetryActive(),
	)
	return s, nil
}

// Assemble the per-stream adapters, the shaker source, the router and the taps.
func (s *Session) buildGraph(cfg config.Config, maxFrames int) error {
	stereo := audiodevice.DeviceProperties{SampleRate: s.format.SampleRate, NumChannels: 2}

	music, err := s.inputSource(backend.Music, stereo, cfg, maxFrames)
	if err != nil {
		return err
	}
	shaker, err := s.inputSource(backend.Shaker, stereo, cfg, maxFrames)
	if err != nil {
		return err
	}

	if cfg.TelemetryActive() {
		s.synthesizer = telemetry.NewSynthesizer(s.format.SampleRate, s.logger)
		synthesized := device.NewAudioAugmentationDevice(s.synthesizer)
		synthesized.SetGainDb(cfg.Telemetry.GainDb)

		if cfg.Telemetry.IngestMode == config.IngestTelemetry {
			shaker = synthesized
		} else {
			shaker = device.NewAutoFallbackDevice(
				synthesized,
				shaker,
				s.synthesizer.Alive,
				device.DefaultFallbackFadeTime,
				device.DefaultRecoveryFadeTime,
				maxFrames,
			)
		}

		var subscribe any
		if len(cfg.Telemetry.Subscribe) > 0 {
			subscribe = cfg.Telemetry.Subscribe
		}
		s.client = telemetry.NewClient(cfg.Telemetry.URL(), subscribe, s.synthesizer.Handle, s.logger)
	}

	musicTap := meter.NewTap("music", music)
	shakerTap := meter.NewTap("shaker", shaker)
	r, err := router.New(musicTap, shakerTap, routerConfig(cfg, s.format.SampleRate), s.logger)
	if err != nil {
		return err
	}
	s.router = r
	s.taps = []*meter.Tap{musicTap, shakerTap, meter.NewTap("output", r)}
	return nil
}

// The stereo, output-rate source of one input stream, or silence if the stream is not open.
func (s *Session) inputSource(
	id backend.StreamID,
	stereo audiodevice.DeviceProperties,
	cfg config.Config,
	maxFrames int,
) (audiodevice.AudioSourceDevice, error) {
	stream, ok := s.input.Stream(id)
	if !ok {
		return device.NewSilenceDevice(stereo), nil
	}

	decoded, err := device.NewPCMStreamDevice(stream.Buffer, stream.Format, maxFrames)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", id, err)
	}
	nudged := nudger.New(
		decoded,
		stream.BufferedMilliseconds,
		cfg.Telemetry.NudgeTargetMs,
		cfg.Telemetry.NudgeDeadbandMs,
		stream.Status,
	)
	s.nudgers[id] = nudged

	return device.NewAudioFormatConversionDevice(nudged, stereo, maxFrames, s.logger.With("stream", id)), nil
}

func routerConfig(cfg config.Config, sampleRate int) router.Config {
	return router.Config{
		SampleRate:       sampleRate,
		Mode:             router.Mode(cfg.MixingMode),
		MusicGainDb:      cfg.Music.GainDb,
		MusicHighPassHz:  cfg.Music.HighPassHz,
		MusicLowPassHz:   cfg.Music.LowPassHz,
		ShakerGainDb:     cfg.Shaker.GainDb,
		ShakerHighPassHz: cfg.Shaker.HighPassHz,
		ShakerLowPassHz:  cfg.Shaker.LowPassHz,
		LFEGainDb:        cfg.LFEGainDb,
		RearGainDb:       cfg.RearGainDb,
		SideGainDb:       cfg.SideGainDb,
		CenterGainDb:     cfg.CenterGainDb,
		CenterFromShaker: cfg.CenterFromShaker,
		MasterGainDb:     cfg.MasterGainDb,
		ChannelGainsDb:   cfg.ChannelGainsDb,
		ChannelMap:       cfg.ChannelMap,
		ChannelMute:      cfg.ChannelMute,
		ChannelSolo:      cfg.ChannelSolo,
		ChannelInvert:    cfg.ChannelInvert,
	}
}

func (s *Session) warn(warning string) {
	if warning == "" {
		return
	}
	s.warnings = append(s.warnings, warning)
	s.logger.Warn(warning)
}

// --------------------------------------------------------------------------------
// Lifecycle

// Start begins capture or polling, playback, and the telemetry connection.
// Starting a started session does nothing; starting a stopped one returns ErrSessionStopped.
func (s *Session) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch State(s.state.Load()) {
	case StateStarted:
		return nil
	case StateStopped:
		return ErrSessionStopped
	}

	if err := s.input.Start(); err != nil {
		return fmt.Errorf("failed to start input backend: %w", err)
	}
	if err := s.output.Start(); err != nil {
		_ = s.input.Stop()
		return fmt.Errorf("failed to start output: %w", err)
	}
	if s.client != nil {
		var ctx context.Context
		ctx, s.cancel = context.WithCancel(context.Background())
		s.client.Start(ctx)
	}

	s.state.Store(int32(StateStarted))
	s.logger.Info("session started")
	return nil
}

// Stop halts playback, then the input backend, then the telemetry connection.
//
// Only the first call does the work; later and concurrent calls wait for it
// and return its result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()
		s.state.Store(int32(StateStopped))

		var errs []error
		if s.output != nil {
			errs = append(errs, s.output.Stop())
		}
		if s.input != nil {
			errs = append(errs, s.input.Stop())
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.client != nil {
			errs = append(errs, s.client.Close())
		}
		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			s.logger.Warn("errors while stopping session", "err", s.stopErr)
		}
		s.logger.Info("session stopped", "drift", s.driftSummary())
	})
	return s.stopErr
}

// Close stops the session and releases every device. It never panics, and is
// safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.closeErr = errors.Join(s.closeErr, fmt.Errorf("panic while closing session: %v", r))
				s.logger.Error("panic while closing session", "panic", r)
			}
		}()
		s.closeErr = errors.Join(s.Stop(), s.release())
		if s.closeErr != nil {
			s.logger.Warn("errors while closing session", "err", s.closeErr)
		}
	})
	return s.closeErr
}

// Release devices in reverse order of opening.
func (s *Session) release() error {
	var errs []error
	if s.output != nil {
		errs = append(errs, s.output.Close())
	}
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
		if dropped := s.recorder.DroppedBlocks(); dropped > 0 {
			s.logger.Warn("recording incomplete, writer fell behind", "droppedBlocks", dropped)
		}
	}
	if s.input != nil {
		errs = append(errs, s.input.Close())
	}
	return errors.Join(errs...)
}

// Record a mid-session failure and signal Done. Called from device and backend
// threads, so it must not block or call back into them.
func (s *Session) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr.Store(&err)
		s.logger.Error("session failed", "err", err)
		close(s.done)
	})
}

func (s *Session) driftSummary() map[string]int64 {
	summary := make(map[string]int64)
	for id, n := range s.nudgers {
		summary[id.String()+" inserted"] = n.Inserted()
		summary[id.String()+" dropped"] = n.Dropped()
	}
	return summary
}

// --------------------------------------------------------------------------------
// Getters

// Done is closed when an input or output device fails mid-session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that closed Done, or nil.
func (s *Session) Err() error {
	if err := s.fatalErr.Load(); err != nil {
		return *err
	}
	return nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Warnings returns the non-fatal problems found while building the session.
func (s *Session) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

// BlacklistedRates returns the configured blacklist plus any rates the output
// device rejected during negotiation, for the caller to persist.
func (s *Session) BlacklistedRates() []int {
	return s.blacklist.Rates()
}

// RejectedRates returns the rates the output device rejected during negotiation
// that were not already blacklisted, in ascending order.
func (s *Session) RejectedRates() []int {
	var rejected []int
	for _, rate := range s.blacklist.Rates() {
		if !s.configuredRates.Contains(rate) {
			rejected = append(rejected, rate)
		}
	}
	return rejected
}

// The negotiated output format.
func (s *Session) Format() audiodevice.Format {
	return s.format
}

func (s *Session) Exclusive() bool {
	return s.exclusive
}

func (s *Session) BackendKind() backend.Kind {
	return s.input.Kind()
}

func (s *Session) Status(id backend.StreamID) (backend.StatusSnapshot, bool) {
	return s.input.Status(id)
}

// Collector exports the session's meters and statuses to prometheus.
func (s *Session) Collector() *meter.Collector {
	return s.collector
}
