package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// replayFrame is how much audio each replay callback delivers.
const replayFrame = 20 * time.Millisecond

// ReplayMicrophone plays a WAV file back through the capture path as if it
// were a live microphone. It delivers audio at its native format, paced in
// real time divided by Speed. When the file is exhausted the stream stays
// open and delivers nothing.
type ReplayMicrophone struct {
	pcm    []byte
	format Format
	Speed  float64
}

// NewReplayMicrophone decodes a WAV container for replay.
func NewReplayMicrophone(encoded []byte) (*ReplayMicrophone, error) {
	buf, bitDepth, err := decodePCM(encoded)
	if err != nil {
		return nil, err
	}

	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(toInt16(v, bitDepth)))
	}

	return &ReplayMicrophone{
		pcm: pcm,
		format: Format{
			SampleRate: uint32(buf.Format.SampleRate),
			Channels:   uint32(buf.Format.NumChannels),
		},
		Speed: 1,
	}, nil
}

// LoadReplayMicrophone reads a WAV file from disk for replay.
func LoadReplayMicrophone(path string) (*ReplayMicrophone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: reading replay file: %w", err)
	}
	return NewReplayMicrophone(data)
}

// Duration returns the length of the replayed audio.
func (m *ReplayMicrophone) Duration() time.Duration {
	return Clip{SampleRate: m.format.SampleRate, Channels: m.format.Channels, PCM: m.pcm}.Duration()
}

// Open starts replaying from the beginning of the file. The requested
// format is ignored.
func (m *ReplayMicrophone) Open(_ Format, onData func(pcm []byte)) (Stream, error) {
	speed := m.Speed
	if speed <= 0 {
		speed = 1
	}

	frameBytes := int(m.format.SampleRate) * int(replayFrame/time.Millisecond) / 1000 * m.format.frameSize()
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: replay: invalid format %+v", m.format)
	}

	s := &replayStream{format: m.format, done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(float64(replayFrame) / speed))
		defer ticker.Stop()
		for off := 0; off < len(m.pcm); off += frameBytes {
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
			end := min(off+frameBytes, len(m.pcm))
			onData(m.pcm[off:end])
		}
	}()
	return s, nil
}

type replayStream struct {
	format Format
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *replayStream) Format() Format { return s.format }

// Close stops delivery and waits for the in-progress callback to return.
func (s *replayStream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// toInt16 rescales an integer sample of the given bit depth to 16 bits.
func toInt16(v, bitDepth int) int16 {
	switch bitDepth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
