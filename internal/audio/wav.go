package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// TargetRate is the sample rate every backend receives.
const TargetRate = 16000

// Samples is mono audio normalized to [-1.0, 1.0].
type Samples struct {
	Rate int
	Data []float32
}

// Duration returns the length of the audio.
func (s Samples) Duration() time.Duration {
	if s.Rate <= 0 {
		return 0
	}
	return time.Duration(len(s.Data)) * time.Second / time.Duration(s.Rate)
}

// DecodeError reports audio that could not be decoded. It aborts only the
// processing unit it was raised for.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// EncodeWAV wraps interleaved S16LE PCM in a 16-bit WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("audio: encode: invalid format %dHz %dch", sampleRate, channels)
	}

	data := make([]int, len(pcm)/bytesPerSample)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	ws := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(ws, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	return out, nil
}

// Decode parses a WAV container and returns mono samples at the file's
// native rate. Multi-channel audio is downmixed by averaging.
func Decode(encoded []byte) (Samples, error) {
	buf, bitDepth, err := decodePCM(encoded)
	if err != nil {
		return Samples{}, err
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += normalize(buf.Data[f*channels+c], bitDepth)
		}
		out[f] = sum / float32(channels)
	}

	return Samples{Rate: buf.Format.SampleRate, Data: out}, nil
}

// decodePCM reads the full integer PCM payload of a WAV container.
func decodePCM(encoded []byte) (*goaudio.IntBuffer, int, error) {
	if len(encoded) == 0 {
		return nil, 0, &DecodeError{Reason: "empty input"}
	}

	dec := wav.NewDecoder(bytes.NewReader(encoded))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, &DecodeError{Reason: "malformed container", Err: err}
	}
	if buf == nil || buf.Format == nil || dec.SampleRate == 0 || dec.NumChans == 0 {
		return nil, 0, &DecodeError{Reason: "not a WAV container"}
	}

	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported bit depth %d", bitDepth)}
	}

	if buf.Format.NumChannels <= 0 {
		buf.Format.NumChannels = int(dec.NumChans)
	}
	if buf.Format.SampleRate <= 0 {
		buf.Format.SampleRate = int(dec.SampleRate)
	}
	if len(buf.Data) < buf.Format.NumChannels {
		return nil, 0, &DecodeError{Reason: "no audio frames"}
	}

	return buf, bitDepth, nil
}

// normalize maps an integer sample of the given bit depth to [-1.0, 1.0].
// 8-bit WAV is unsigned.
func normalize(v, bitDepth int) float32 {
	if bitDepth == 8 {
		return float32(v-128) / 128.0
	}
	return float32(v) / float32(int64(1)<<(bitDepth-1))
}
