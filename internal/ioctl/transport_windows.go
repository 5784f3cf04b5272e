//go:build windows

package ioctl

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type windowsTransport struct{}

// NewTransport returns the transport that talks to the installed driver.
func NewTransport() Transport {
	return windowsTransport{}
}

func (windowsTransport) Open(path string) (Handle, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(
		name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}
	return &windowsHandle{handle: handle}, nil
}

type windowsHandle struct {
	handle windows.Handle
}

func (h *windowsHandle) Control(code uint32, in []byte, out []byte) (int, error) {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	var returned uint32
	err := windows.DeviceIoControl(h.handle, code, inPtr, uint32(len(in)), outPtr, uint32(len(out)), &returned, nil)
	if err != nil {
		return 0, fmt.Errorf("control 0x%x: %w", code, err)
	}
	return int(returned), nil
}

func (h *windowsHandle) Close() error {
	return windows.CloseHandle(h.handle)
}
