package audioapi

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
)

const (
	// Sentinel that resolves to the OS default multimedia render endpoint.
	DefaultOutputName = "Default Game Output"
	// Sentinel that explicitly disables a path.
	NoneDeviceName = "(None)"
	// Prefix of device names that play a .WAV file instead of capturing an endpoint.
	FilePrefix = "file:"
)

var (
	ErrDeviceNotFound  = errors.New("audio device not found")
	ErrDeviceDisabled  = errors.New("audio device disabled")
	errNoDefaultDevice = errors.New("no default device available")
)

type AudioIODevice struct {
	// The ID of the device
	//
	// Comes from the underlying API (an encoded miniaudio device ID),
	// but could be defined in some programmatic way by the AudioIODeviceAPI.
	// It is this value that is used to open the device.
	ID string

	// A human-readable name for the device. This is what the config refers to.
	Name string

	// Whether the OS reports this as the default device of its kind.
	IsDefault bool

	// The shared-mode mix format, when the API reports one.
	Format audiodevice.Format
}

func (device AudioIODevice) String() string {
	var sb strings.Builder

	marker := " "
	if device.IsDefault {
		marker = "*"
	}
	fmt.Fprintf(&sb, "%s %s", marker, device.Name)
	if device.Format.SampleRate > 0 {
		fmt.Fprintf(&sb, "  [%dHz, %dch]", device.Format.SampleRate, device.Format.NumChannels)
	}
	return sb.String()
}

// IsFile reports whether the device stands for a .WAV file rather than an endpoint.
func (device AudioIODevice) IsFile() bool {
	return strings.HasPrefix(strings.ToLower(device.ID), FilePrefix)
}

// FilePath returns the path of a file device.
func (device AudioIODevice) FilePath() string {
	return strings.TrimSpace(device.ID[len(FilePrefix):])
}

// A LoopbackEndpoint delivers the audio a render endpoint is playing, in its native format.
//
// onData is called from the endpoint's own thread with a buffer that is only
// valid for the duration of the call; it must not block. onStop is called at
// most once if the endpoint stops without being asked to.
type LoopbackEndpoint interface {
	Format() audiodevice.Format
	Start(onData func([]byte), onStop func(error)) error
	Stop() error
	Close() error
}

type LoopbackOpener interface {
	OpenLoopback(device AudioIODevice, logger *slog.Logger) (LoopbackEndpoint, error)
}

// Parameters for opening an output session.
type OutputOptions struct {
	Format       audiodevice.Format
	Exclusive    bool
	PeriodFrames int
	// Called at most once if the device disappears mid-session.
	OnLost func(error)
	Logger *slog.Logger
}

// Define an API to interface with hardware devices.
// Intended to be an abstract way to:
//   - Query existing render and capture endpoints
//   - Open a render endpoint in loopback, as an input
//   - Query the output capabilities of a render endpoint
//   - Initialize an output session on a render endpoint
//
// Implementations are a small wrapper around miniaudio, and a dummy for tests.
type AudioIODeviceAPI interface {
	LoopbackOpener

	RenderDevices() ([]AudioIODevice, error)
	CaptureDevices() ([]AudioIODevice, error)

	// The shared-mode mix format of a render endpoint.
	MixFormat(device AudioIODevice) (audiodevice.Format, error)
	// Whether the render endpoint accepts the format in exclusive mode.
	SupportsExclusive(device AudioIODevice, format audiodevice.Format) bool

	OpenOutput(device AudioIODevice, options OutputOptions) (audiodevice.OutputSession, error)
	Close() error
}

// MatchDevice resolves a configured device name against the available devices.
//
// Matching is exact first, then substring, both case-insensitive. The sentinel
// "Default Game Output" picks the default device, "(None)" returns ErrDeviceDisabled,
// and a "file:" name is passed through as a file device.
func MatchDevice(devices []AudioIODevice, name string) (AudioIODevice, error) {
	trimmed := strings.TrimSpace(name)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.EqualFold(trimmed, NoneDeviceName):
		return AudioIODevice{}, ErrDeviceDisabled
	case strings.HasPrefix(lower, FilePrefix):
		return AudioIODevice{ID: trimmed, Name: trimmed}, nil
	case strings.EqualFold(trimmed, DefaultOutputName):
		for _, d := range devices {
			if d.IsDefault {
				return d, nil
			}
		}
		return AudioIODevice{}, fmt.Errorf("%w: %q: %w (run with --list-devices to see available devices)", ErrDeviceNotFound, name, errNoDefaultDevice)
	}

	for _, d := range devices {
		if strings.EqualFold(d.Name, trimmed) {
			return d, nil
		}
	}
	if lower != "" {
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), lower) {
				return d, nil
			}
		}
	}
	return AudioIODevice{}, fmt.Errorf("%w: %q (run with --list-devices to see available devices)", ErrDeviceNotFound, name)
}

// OutputCapabilities binds a render endpoint to the API that can probe it.
type OutputCapabilities struct {
	API    AudioIODeviceAPI
	Device AudioIODevice
}

func (c OutputCapabilities) MixFormat() (audiodevice.Format, error) {
	return c.API.MixFormat(c.Device)
}

func (c OutputCapabilities) SupportsExclusive(format audiodevice.Format) bool {
	return c.API.SupportsExclusive(c.Device, format)
}
