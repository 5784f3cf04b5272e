//go:build !windows

package ioctl

import "fmt"

type unsupportedTransport struct{}

// NewTransport returns the transport that talks to the installed driver.
// The driver only exists on Windows; elsewhere every open reports it unavailable.
func NewTransport() Transport {
	return unsupportedTransport{}
}

func (unsupportedTransport) Open(path string) (Handle, error) {
	return nil, fmt.Errorf("%w: %s: not supported on this platform", ErrUnavailable, path)
}
