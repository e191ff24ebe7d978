//go:build !portaudio

package audio

import (
	"context"
	"log/slog"
)

// Init is a no-op without the portaudio build tag.
func Init() (func(), error) {
	return func() {}, nil
}

// Microphone is unavailable without the portaudio build tag; Start always fails.
type Microphone struct{}

func NewMicrophone(int, *slog.Logger) (*Microphone, error) {
	return &Microphone{}, nil
}

func (m *Microphone) Start(context.Context) (<-chan []byte, error) {
	return nil, ErrUnavailable
}

func (m *Microphone) Close() error { return nil }

// NewSpeaker returns a NullSink without the portaudio build tag.
func NewSpeaker(int) (Sink, error) {
	return &NullSink{}, nil
}
