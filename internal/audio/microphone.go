package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// bytesPerSample is fixed: capture always uses signed 16-bit little-endian PCM.
const bytesPerSample = 2

// Format describes interleaved S16LE PCM.
type Format struct {
	SampleRate uint32
	Channels   uint32
}

// frameSize returns the size in bytes of one interleaved frame.
func (f Format) frameSize() int {
	return int(f.Channels) * bytesPerSample
}

// Microphone opens capture streams. Only one stream is expected to be open
// at a time; the Recorder enforces that.
type Microphone interface {
	// Open starts capturing with the requested format. onData receives raw
	// interleaved S16LE frames and must not retain the slice.
	Open(requested Format, onData func(pcm []byte)) (Stream, error)
}

// Stream is an open capture device.
type Stream interface {
	// Format reports what the device actually delivers, which may differ
	// from the requested format.
	Format() Format
	// Close stops capture and releases the device.
	Close() error
}

// MalgoMicrophone captures from the default input device via miniaudio.
type MalgoMicrophone struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoMicrophone initializes the audio backend. Call Close() when done.
func NewMalgoMicrophone() (*MalgoMicrophone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &MalgoMicrophone{ctx: ctx}, nil
}

// Open initializes and starts a capture device on the default microphone.
func (m *MalgoMicrophone) Open(requested Format, onData func(pcm []byte)) (Stream, error) {
	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = requested.Channels
	deviceCfg.SampleRate = requested.SampleRate

	callbacks := malgo.DeviceCallbacks{
		// pInput points into miniaudio's buffer; onData copies what it keeps.
		Data: func(_, pInput []byte, _ uint32) {
			onData(pInput)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}

	return &malgoStream{
		device: device,
		format: Format{
			SampleRate: device.SampleRate(),
			Channels:   device.CaptureChannels(),
		},
	}, nil
}

// Close releases the audio backend context.
func (m *MalgoMicrophone) Close() error {
	if m.ctx == nil {
		return nil
	}
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	m.ctx.Free()
	m.ctx = nil
	return nil
}

type malgoStream struct {
	device *malgo.Device
	format Format
}

func (s *malgoStream) Format() Format { return s.format }

func (s *malgoStream) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}
