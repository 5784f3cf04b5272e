package application

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/cmd/config"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/backend"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/internal/ioctl"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereoFloat = audiodevice.Format{
	SampleRate:    48000,
	BitsPerSample: 32,
	NumChannels:   2,
	Encoding:      audiodevice.EncodingPCMFloat,
}

func newTestAPI() *audioapi.DummyAudioIODeviceAPI {
	return audioapi.NewDummyAudioIODeviceAPI(audiodevice.Surround71Float(48000), stereoFloat)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MusicInputDevice = "DummyMusic"
	cfg.ShakerInputDevice = "DummyShaker"
	cfg.OutputDevice = config.DefaultOutputName
	// Unfiltered, so a constant input reaches the output as is.
	cfg.Shaker.HighPassHz = nil
	cfg.Shaker.LowPassHz = nil
	return cfg
}

func newTestSession(t *testing.T, cfg config.Config, api *audioapi.DummyAudioIODeviceAPI) *Session {
	t.Helper()
	s, err := NewSession(cfg, Options{
		API:             api,
		DriverTransport: ioctl.NewSimulatedTransport(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Interleaved stereo float32 bytes of a constant value.
func constantStereo(value float32, numFrames int) []byte {
	p := make([]byte, numFrames*stereoFloat.BytesPerFrame())
	for i := 0; i < len(p); i += 4 {
		binary.LittleEndian.PutUint32(p[i:], math.Float32bits(value))
	}
	return p
}

func TestSessionEndToEnd(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, testConfig(), api)
	assert.Empty(t, s.Warnings())
	assert.Equal(t, audiodevice.Surround71Float(48000), s.Format())
	assert.False(t, s.Exclusive())
	assert.Equal(t, backend.KindCapture, s.BackendKind())
	assert.Equal(t, StateConstructed, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, StateStarted, s.State())
	require.NoError(t, s.Start(), "starting twice is a no-op")

	api.Loopback("DummyMusic").Feed(constantStereo(0.5, 4800))
	api.Loopback("DummyShaker").Feed(constantStereo(0.25, 4800))

	out := api.Output().Pump(480)
	require.Len(t, out, 480*frame.NumSurroundChannels)
	last := out[len(out)-frame.NumSurroundChannels:]
	assert.InDelta(t, 0.75, last[frame.FrontLeft], 1e-4, "music and shaker share the fronts")
	assert.InDelta(t, 0.75, last[frame.FrontRight], 1e-4)
	assert.InDelta(t, 0.0, last[frame.Center], 1e-6)
	assert.InDelta(t, 0.25, last[frame.LowFrequency], 1e-4)
	assert.InDelta(t, 0.25, last[frame.BackLeft], 1e-4)
	assert.InDelta(t, 0.25, last[frame.SideRight], 1e-4)

	status, ok := s.Status(backend.Music)
	require.True(t, ok)
	assert.True(t, status.Connected)
	assert.EqualValues(t, 4800, status.TotalFrames)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, api.Output().Pump(480), "output stopped")
}

func TestSessionMetrics(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, testConfig(), api)
	require.NoError(t, s.Start())
	api.Output().Pump(480)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(s.Collector()))
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["shakerrouter_peak_level"])
	assert.True(t, names["shakerrouter_endpoint_connected"])
	assert.False(t, names["shakerrouter_telemetry_alive"], "no synthesizer without telemetry")
}

func TestSessionStartAfterStop(t *testing.T) {
	s := newTestSession(t, testConfig(), newTestAPI())
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(), ErrSessionStopped)
}

func TestSessionConcurrentStopAndClose(t *testing.T) {
	s := newTestSession(t, testConfig(), newTestAPI())
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, s.State())
}

func TestSessionDriverFallsBackToCapture(t *testing.T) {
	cfg := testConfig()
	cfg.InputBackend = config.BackendDriver
	s := newTestSession(t, cfg, newTestAPI())

	assert.Equal(t, backend.KindCapture, s.BackendKind())
	require.Len(t, s.Warnings(), 1)
	assert.Contains(t, s.Warnings()[0], "virtual driver unavailable")
}

func TestSessionDriverBackend(t *testing.T) {
	transport := ioctl.NewSimulatedTransport()
	transport.AddDevice(ioctl.MusicDevicePath, stereoFloat, true)
	transport.AddDevice(ioctl.ShakerDevicePath, stereoFloat, true)

	cfg := testConfig()
	cfg.InputBackend = config.BackendDriver
	s, err := NewSession(cfg, Options{API: newTestAPI(), DriverTransport: transport})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, backend.KindDriver, s.BackendKind())
	assert.Empty(t, s.Warnings())
}

func TestSessionSharedModeRateWarning(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 44100
	s := newTestSession(t, cfg, newTestAPI())

	assert.Equal(t, 48000, s.Format().SampleRate, "shared mode uses the mix format")
	require.Len(t, s.Warnings(), 1)
	assert.Contains(t, s.Warnings()[0], "44100")
}

func TestSessionExclusiveBlacklistsRejectedRates(t *testing.T) {
	api := newTestAPI()
	api.SetExclusiveRates(96000)
	cfg := testConfig()
	cfg.ExclusiveMode = true
	s := newTestSession(t, cfg, api)

	assert.True(t, s.Exclusive())
	assert.Equal(t, 96000, s.Format().SampleRate)
	assert.Equal(t, []int{44100, 48000, 88200}, s.BlacklistedRates())
	assert.Equal(t, []int{44100, 48000, 88200}, s.RejectedRates())
	assert.Len(t, s.Warnings(), 1)
	assert.Equal(t, 96000, api.OutputOptions().Format.SampleRate)
}

func TestSessionRejectedRatesExcludeConfigured(t *testing.T) {
	api := newTestAPI()
	api.SetExclusiveRates(48000)
	cfg := testConfig()
	cfg.ExclusiveMode = true
	// Unsorted and repeated, as a hand-edited config may be.
	cfg.BlacklistedSampleRates = []int{96000, 44100, 96000}
	s := newTestSession(t, cfg, api)

	assert.Equal(t, 48000, s.Format().SampleRate)
	assert.Empty(t, s.Warnings())
	assert.Equal(t, []int{44100, 96000}, s.BlacklistedRates())
	assert.Empty(t, s.RejectedRates(), "nothing new was rejected")
}

func TestSessionDisabledInputs(t *testing.T) {
	api := newTestAPI()
	cfg := testConfig()
	cfg.MusicInputDevice = config.NoneDeviceName
	s := newTestSession(t, cfg, api)
	require.NoError(t, s.Start())

	assert.Nil(t, api.Loopback("DummyMusic"))
	_, ok := s.Status(backend.Music)
	assert.False(t, ok)

	api.Loopback("DummyShaker").Feed(constantStereo(0.25, 4800))
	out := api.Output().Pump(480)
	last := out[len(out)-frame.NumSurroundChannels:]
	assert.InDelta(t, 0.25, last[frame.FrontLeft], 1e-4, "silence stands in for music")
}

func TestSessionTelemetryOnly(t *testing.T) {
	api := newTestAPI()
	cfg := testConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.IngestMode = config.IngestTelemetry
	// Nothing listens here; the client keeps retrying in the background.
	cfg.Telemetry.Port = 1
	s := newTestSession(t, cfg, api)
	require.NoError(t, s.Start())

	assert.Nil(t, api.Loopback("DummyShaker"), "telemetry replaces shaker capture")
	_, ok := s.Status(backend.Shaker)
	assert.False(t, ok)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(s.Collector()))
	families, err := registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() == "shakerrouter_telemetry_alive" {
			found = true
			assert.Zero(t, family.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
	require.NoError(t, s.Close())
}

func TestSessionRecording(t *testing.T) {
	api := newTestAPI()
	cfg := testConfig()
	cfg.RecordPath = filepath.Join(t.TempDir(), "mix.wav")
	s := newTestSession(t, cfg, api)
	require.NoError(t, s.Start())

	api.Loopback("DummyMusic").Feed(constantStereo(0.5, 4800))
	for range 4 {
		api.Output().Pump(480)
	}
	require.NoError(t, s.Close())

	info, err := os.Stat(cfg.RecordPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(44), "more than a bare header")
}

func TestSessionInputLost(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, testConfig(), api)
	require.NoError(t, s.Start())
	assert.NoError(t, s.Err())

	lost := errors.New("device unplugged")
	api.Loopback("DummyShaker").Fail(lost)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after input loss")
	}
	assert.ErrorIs(t, s.Err(), lost)
	assert.NoError(t, s.Close())
}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession(config.Config{}, Options{API: newTestAPI()})
	assert.Error(t, err, "invalid config")

	cfg := testConfig()
	cfg.OutputDevice = "No Such Device"
	_, err = NewSession(cfg, Options{API: newTestAPI()})
	assert.ErrorIs(t, err, audioapi.ErrDeviceNotFound)

	_, err = NewSession(testConfig(), Options{})
	assert.Error(t, err, "no API")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "constructed", StateConstructed.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(7)", State(7).String())
}
