// Package negotiator resolves the requested output format against what the device accepts.
package negotiator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
)

// Exclusive-mode fallback rates, in the order they are tried.
var CandidateRates = []int{44100, 48000, 88200, 96000, 176400, 192000}

var (
	ErrNoSupportedFormat  = errors.New("no supported output format")
	ErrSharedModeChannels = errors.New("shared-mode mix format is not 8 channels")
)

// What the output device can tell about itself.
type Capabilities interface {
	// The shared-mode mix format.
	MixFormat() (audiodevice.Format, error)
	// Whether the device accepts the format in exclusive mode.
	SupportsExclusive(format audiodevice.Format) bool
}

type Request struct {
	SampleRate int
	Exclusive  bool
}

type Result struct {
	Format    audiodevice.Format
	Exclusive bool
}

// A Blacklist is a set of sample rates not to be used for exclusive output.
// It is safe for concurrent use.
type Blacklist struct {
	mu    sync.Mutex
	rates map[int]struct{}
}

func NewBlacklist(rates ...int) *Blacklist {
	b := &Blacklist{rates: make(map[int]struct{})}
	for _, rate := range rates {
		b.rates[rate] = struct{}{}
	}
	return b
}

func (b *Blacklist) Add(rate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rates[rate] = struct{}{}
}

func (b *Blacklist) Contains(rate int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.rates[rate]
	return ok
}

// Rates returns the blacklisted rates in ascending order.
func (b *Blacklist) Rates() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	rates := make([]int, 0, len(b.rates))
	for rate := range b.rates {
		rates = append(rates, rate)
	}
	slices.Sort(rates)
	return rates
}

// Negotiate resolves request against the device.
//
// The result is always 8-channel 32-bit float. The warning is empty when the
// request was honored as is, and describes the change otherwise; callers must
// surface it. A nil blacklist is treated as empty. Rates the device rejects
// during an exclusive-mode search are added to the blacklist.
func Negotiate(request Request, capabilities Capabilities, blacklist *Blacklist) (Result, string, error) {
	if blacklist == nil {
		blacklist = NewBlacklist()
	}
	if request.Exclusive {
		return negotiateExclusive(request, capabilities, blacklist)
	}
	return negotiateShared(request, capabilities)
}

func negotiateShared(request Request, capabilities Capabilities) (Result, string, error) {
	mix, err := capabilities.MixFormat()
	if err != nil {
		return Result{}, "", fmt.Errorf("could not read the output mix format: %w", err)
	}
	if mix.NumChannels != frame.NumSurroundChannels {
		return Result{}, "", fmt.Errorf(
			"%w: the device mixes %d channels; set the speaker configuration of the output device to 7.1 (8 channels) in the OS sound settings, or use exclusive mode",
			ErrSharedModeChannels, mix.NumChannels,
		)
	}

	result := Result{Format: audiodevice.Surround71Float(mix.SampleRate)}
	warning := ""
	if mix.SampleRate != request.SampleRate {
		warning = fmt.Sprintf(
			"requested %d Hz, but shared mode runs at the device mix rate of %d Hz; using %d Hz",
			request.SampleRate, mix.SampleRate, mix.SampleRate,
		)
	}
	return result, warning, nil
}

func negotiateExclusive(request Request, capabilities Capabilities, blacklist *Blacklist) (Result, string, error) {
	requested := request.SampleRate
	reason := fmt.Sprintf("%d Hz is blacklisted", requested)
	if !blacklist.Contains(requested) {
		if capabilities.SupportsExclusive(audiodevice.Surround71Float(requested)) {
			return Result{Format: audiodevice.Surround71Float(requested), Exclusive: true}, "", nil
		}
		blacklist.Add(requested)
		reason = fmt.Sprintf("the device rejected %d Hz in exclusive mode", requested)
	}

	var tried []string
	for _, rate := range CandidateRates {
		if rate == requested || blacklist.Contains(rate) {
			continue
		}
		tried = append(tried, fmt.Sprint(rate))
		if capabilities.SupportsExclusive(audiodevice.Surround71Float(rate)) {
			warning := fmt.Sprintf("%s; using %d Hz instead of %d Hz", reason, rate, requested)
			return Result{Format: audiodevice.Surround71Float(rate), Exclusive: true}, warning, nil
		}
		blacklist.Add(rate)
	}

	if len(tried) == 0 {
		tried = append(tried, "none")
	}
	return Result{}, "", fmt.Errorf(
		"%w: %s and no alternative was accepted (tried %s); switch to shared mode, change the device format in the OS sound settings, or clear blacklistedSampleRates",
		ErrNoSupportedFormat, reason, strings.Join(tried, ", "),
	)
}
