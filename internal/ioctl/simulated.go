package ioctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
)

var errNotOpened = errors.New("stream not opened")

// A Transport backed by in-memory streams, standing in for the driver in tests and on benches.
type SimulatedTransport struct {
	mu      sync.Mutex
	devices map[string]*SimulatedDevice
}

func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{
		devices: make(map[string]*SimulatedDevice),
	}
}

// AddDevice registers a device path reporting format. With header set, read
// replies carry the frames-returned header.
func (t *SimulatedTransport) AddDevice(path string, format audiodevice.Format, header bool) *SimulatedDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &SimulatedDevice{format: format, header: header}
	t.devices[path] = d
	return d
}

func (t *SimulatedTransport) Open(path string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no such device", ErrUnavailable, path)
	}
	return &simulatedHandle{device: d}, nil
}

// SimulatedDevice is one stream of a SimulatedTransport.
type SimulatedDevice struct {
	mu      sync.Mutex
	format  audiodevice.Format
	header  bool
	data    []byte
	opened  bool
	readErr error
	reads   int
}

// Push queues PCM bytes for subsequent reads.
func (d *SimulatedDevice) Push(pcm []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, pcm...)
}

// FailReads makes every subsequent read return err, or succeed again when err is nil.
func (d *SimulatedDevice) FailReads(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// Reads returns the number of read requests served, including failed ones.
func (d *SimulatedDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

type simulatedHandle struct {
	device *SimulatedDevice
}

func (h *simulatedHandle) Control(code uint32, in []byte, out []byte) (int, error) {
	d := h.device
	d.mu.Lock()
	defer d.mu.Unlock()

	switch code {
	case CodeOpenStream:
		d.opened = true
		return 0, nil
	case CodeGetFormat:
		return copy(out, EncodeFormatReply(d.format)), nil
	case CodeRead:
		d.reads++
		if !d.opened {
			return 0, errNotOpened
		}
		if d.readErr != nil {
			return 0, d.readErr
		}
		if len(in) < 4 {
			return 0, fmt.Errorf("read request of %d bytes", len(in))
		}
		bytesPerFrame := d.format.BytesPerFrame()
		requested := int(binary.LittleEndian.Uint32(in))
		frames := min(requested, len(d.data)/bytesPerFrame)

		offset := 0
		if d.header {
			binary.LittleEndian.PutUint32(out, uint32(frames))
			offset = readHeaderSize
		}
		n := copy(out[offset:], d.data[:frames*bytesPerFrame])
		d.data = d.data[n:]
		return offset + n, nil
	}
	return 0, fmt.Errorf("unknown control code 0x%x", code)
}

func (h *simulatedHandle) Close() error {
	return nil
}
