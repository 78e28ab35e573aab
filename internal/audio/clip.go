package audio

import "time"

// Chunk is the PCM captured during one chunk interval.
type Chunk struct {
	Index int
	Data  []byte
}

// Clip is a recording, or the part of it captured so far: the chunks of one
// session concatenated in capture order.
type Clip struct {
	SessionID  string
	StartedAt  time.Time
	SampleRate uint32
	Channels   uint32
	Chunks     int
	PCM        []byte
}

// Duration returns the length of audio in the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.PCM) / (int(c.Channels) * bytesPerSample)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Encode wraps the clip's PCM in a WAV container.
func (c Clip) Encode() ([]byte, error) {
	return EncodeWAV(c.PCM, int(c.SampleRate), int(c.Channels))
}

// concatChunks joins chunk payloads into a fresh slice.
func concatChunks(chunks []Chunk) []byte {
	n := 0
	for _, ch := range chunks {
		n += len(ch.Data)
	}
	out := make([]byte, 0, n)
	for _, ch := range chunks {
		out = append(out, ch.Data...)
	}
	return out
}
