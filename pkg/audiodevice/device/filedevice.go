package device

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/shakerrouter/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------------
// FileAudioInputDevice

// Define an AudioSourceDevice that plays a .WAV file in a loop.
//
// The whole file is decoded up front, so reads never touch the disk.
// Used to feed recorded material through the capture backend on a bench.
type FileAudioInputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties audiodevice.DeviceProperties
	samples    []float32
	position   int
}

// Make a new FileAudioInputDevice from a .WAV file (on the audioFilePath).
func NewFileAudioInputDevice(audioFilePath string, logger *slog.Logger) (*FileAudioInputDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"file input device uuid", uuid,
	)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, errors.New("error while decoding audio file")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("could not read PCM data from %s: %w", audioFilePath, err)
	}

	numChannels := int(decoder.NumChans)
	if numChannels <= 0 || decoder.SampleRate == 0 || len(buf.Data) < numChannels {
		return nil, fmt.Errorf("audio file %s holds no playable audio", audioFilePath)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(decoder.BitDepth)
	}
	scale := float32(math.Exp2(float64(bitDepth - 1)))
	samples := make([]float32, len(buf.Data)-len(buf.Data)%numChannels)
	for i := range samples {
		samples[i] = float32(buf.Data[i]) / scale
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", decoder.SampleRate,
		"channels", numChannels,
		"bitDepth", bitDepth,
		"frames", len(samples)/numChannels,
	)

	return &FileAudioInputDevice{
		logger: logger,
		uuid:   uuid,
		properties: audiodevice.DeviceProperties{
			SampleRate:  int(decoder.SampleRate),
			NumChannels: numChannels,
		},
		samples: samples,
	}, nil
}

func (d *FileAudioInputDevice) Read(dst frame.PCMFrame) int {
	numFrames := dst.NumFrames(d.properties.NumChannels)
	want := numFrames * d.properties.NumChannels
	for done := 0; done < want; {
		n := copy(dst[done:want], d.samples[d.position:])
		done += n
		d.position = (d.position + n) % len(d.samples)
	}
	return numFrames
}

func (d *FileAudioInputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// --------------------------------------------------------------------------------
// FileAudioOutputDevice

const (
	recordQueueDepth = 32
	recordBitDepth   = 16
)

// Define a recorder that writes blocks of PCM to a .WAV file.
//
// Write is safe to call from the real-time path: blocks are copied into a fixed
// pool and handed to a writer goroutine, and are dropped (and counted) when the
// pool is exhausted. The resulting file is only valid once Close returns.
type FileAudioOutputDevice struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties audiodevice.DeviceProperties
	encoder    *wav.Encoder
	fileHandle *os.File

	free   chan frame.PCMFrame
	queue  chan frame.PCMFrame
	done   chan struct{}
	closed atomic.Bool

	droppedBlocks atomic.Int64
	closeOnce     sync.Once
	closeErr      error
	writerWg      sync.WaitGroup
}

// Create a new FileAudioOutputDevice that writes PCM blocks of at most maxFrames
// to a .WAV file at the specified path.
func NewFileAudioOutputDevice(
	audioFilePath string,
	properties audiodevice.DeviceProperties,
	maxFrames int,
	logger *slog.Logger,
) (*FileAudioOutputDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	uuid := uuid.New()
	logger = logger.With(
		"file output device uuid", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, properties.SampleRate, recordBitDepth, properties.NumChannels, 1)

	d := &FileAudioOutputDevice{
		logger:     logger,
		uuid:       uuid,
		properties: properties,
		encoder:    encoder,
		fileHandle: f,
		free:       make(chan frame.PCMFrame, recordQueueDepth),
		queue:      make(chan frame.PCMFrame, recordQueueDepth),
		done:       make(chan struct{}),
	}
	for range recordQueueDepth {
		d.free <- make(frame.PCMFrame, maxFrames*properties.NumChannels)
	}

	d.writerWg.Add(1)
	go d.writeLoop(maxFrames)

	logger.Debug(
		"recording to audio file",
		"audioFile", audioFilePath,
		"sampleRate", properties.SampleRate,
		"channels", properties.NumChannels,
	)
	return d, nil
}

// Queue a copy of pcmFrame for writing. Never blocks.
func (d *FileAudioOutputDevice) Write(pcmFrame frame.PCMFrame) {
	if d.closed.Load() {
		return
	}
	var block frame.PCMFrame
	select {
	case block = <-d.free:
	default:
		d.droppedBlocks.Add(1)
		return
	}
	n := copy(block[:cap(block)], pcmFrame)
	select {
	case d.queue <- block[:n]:
	default:
		d.droppedBlocks.Add(1)
		d.free <- block[:cap(block)]
	}
}

// Number of blocks that could not be recorded because the writer fell behind.
func (d *FileAudioOutputDevice) DroppedBlocks() int64 {
	return d.droppedBlocks.Load()
}

func (d *FileAudioOutputDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

func (d *FileAudioOutputDevice) writeLoop(maxFrames int) {
	defer d.writerWg.Done()

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  d.properties.SampleRate,
			NumChannels: d.properties.NumChannels,
		},
		Data:           make([]int, maxFrames*d.properties.NumChannels),
		SourceBitDepth: recordBitDepth,
	}
	const maxInt16 = float32(math.MaxInt16)

	write := func(block frame.PCMFrame) {
		buf.Data = buf.Data[:len(block)]
		for i, sample := range block {
			buf.Data[i] = int(max(-1, min(1, sample)) * maxInt16)
		}
		if err := d.encoder.Write(buf); err != nil {
			d.logger.Error("error while writing frame to file", "err", err)
		}
		d.free <- block[:cap(block)]
	}

	for {
		select {
		case block := <-d.queue:
			write(block)
		case <-d.done:
			for {
				select {
				case block := <-d.queue:
					write(block)
				default:
					return
				}
			}
		}
	}
}

// Flush queued blocks, finalize the WAV header, and close the file.
func (d *FileAudioOutputDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)

		finished := make(chan struct{})
		go func() {
			d.writerWg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(1500 * time.Millisecond):
			d.logger.Warn("timeout waiting for recording writer to finish")
		}

		d.closeErr = errors.Join(d.encoder.Close(), d.fileHandle.Close())
		d.logger.Info("recording closed", "droppedBlocks", d.droppedBlocks.Load())
	})
	return d.closeErr
}
