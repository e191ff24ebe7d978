package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
)

const (
	// DefaultSampleRate matches the realtime channel's PCM16 format.
	DefaultSampleRate = 24000
	// FramesPerBuffer is 100ms of mono audio at DefaultSampleRate.
	FramesPerBuffer = 2400
)

// ErrUnavailable is returned when the binary was built without a capture backend.
var ErrUnavailable = errors.New("audio device unavailable")

// Source produces PCM16LE mono frames until ctx is cancelled or Close is called.
// Start failing means microphone permission or device setup was refused.
type Source interface {
	Start(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Sink renders PCM16LE mono audio. Paused sinks drop writes.
type Sink interface {
	Write(pcm []byte) error
	Pause()
	Resume()
	Paused() bool
	Close() error
}

// NullSink discards audio while tracking pause state. Used when no speaker is wired.
type NullSink struct {
	mu     sync.Mutex
	paused bool
	bytes  int
}

func (s *NullSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.bytes += len(pcm)
	}
	return nil
}

func (s *NullSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *NullSink) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *NullSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Written returns the number of bytes accepted while not paused.
func (s *NullSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *NullSink) Close() error { return nil }

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func bytesToInt16(data []byte, out []int16) {
	for i := range out {
		if i*2+1 < len(data) {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		} else {
			out[i] = 0
		}
	}
}
