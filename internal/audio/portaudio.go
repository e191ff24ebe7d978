//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Init must be called once before opening devices; the returned func terminates PortAudio.
func Init() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// Microphone captures mono PCM16 frames from the default input device.
type Microphone struct {
	sampleRate int
	logger     *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	dropped uint64
}

func NewMicrophone(sampleRate int, logger *slog.Logger) (*Microphone, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{sampleRate: sampleRate, logger: logger}, nil
}

func (m *Microphone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil, fmt.Errorf("microphone already started")
	}

	frames := m.sampleRate / 10
	in := make([]int16, frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), frames, in)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	m.stream = stream

	out := make(chan []byte, 100)
	go m.captureLoop(ctx, stream, in, out)
	return out, nil
}

func (m *Microphone) captureLoop(ctx context.Context, stream *portaudio.Stream, in []int16, out chan<- []byte) {
	defer close(out)
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stream == stream {
			_ = stream.Stop()
			_ = stream.Close()
			m.stream = nil
		}
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		active := m.stream == stream
		m.mu.Unlock()
		if !active {
			return
		}
		if err := stream.Read(); err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case out <- int16ToBytes(in):
		default:
			m.dropped++
			if m.dropped%100 == 1 {
				m.logger.Warn("dropping microphone frames", "dropped", m.dropped)
			}
		}
	}
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	_ = m.stream.Stop()
	err := m.stream.Close()
	m.stream = nil
	return err
}

// Speaker plays mono PCM16 on the default output device.
type Speaker struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	out     []int16
	pending []byte
	paused  bool
	queue   chan []byte
	done    chan struct{}
}

func NewSpeaker(sampleRate int) (Sink, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	out := make([]int16, FramesPerBuffer/2)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(out), out)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s := &Speaker{
		stream: stream,
		out:    out,
		queue:  make(chan []byte, 500),
		done:   make(chan struct{}),
	}
	go s.playbackLoop()
	return s, nil
}

func (s *Speaker) Write(pcm []byte) error {
	if s.Paused() {
		return nil
	}
	select {
	case s.queue <- pcm:
		return nil
	default:
		return fmt.Errorf("playback buffer full")
	}
}

func (s *Speaker) playbackLoop() {
	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.queue:
			s.mu.Lock()
			if s.paused || s.stream == nil {
				s.pending = s.pending[:0]
				s.mu.Unlock()
				continue
			}
			s.pending = append(s.pending, chunk...)
			for len(s.pending) >= len(s.out)*2 {
				bytesToInt16(s.pending, s.out)
				_ = s.stream.Write()
				s.pending = s.pending[len(s.out)*2:]
			}
			s.mu.Unlock()
		}
	}
}

// Pause stops rendering and discards anything still queued.
func (s *Speaker) Pause() {
	s.mu.Lock()
	s.paused = true
	s.pending = s.pending[:0]
	s.mu.Unlock()
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

func (s *Speaker) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Speaker) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	close(s.done)
	_ = s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	return err
}
