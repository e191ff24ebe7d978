package transcription

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ent0n29/stella/internal/audio"
	"github.com/ent0n29/stella/internal/observability"
)

const (
	StatusNoAudio      = "No audio captured."
	StatusTooShort     = "Audio too short for transcription."
	StatusTranscribing = "Transcribing..."
	StatusLiveStopped  = "Live transcript unavailable; waiting for the full transcript."

	// DefaultMinUploadBytes is the smallest recording worth uploading.
	DefaultMinUploadBytes = 8000
)

// Result is the outcome of one batch upload. Err is a *TranscriptionError
// when the service rejected the recording.
type Result struct {
	UtteranceID string
	Transcript  string
	Err         error
}

type Config struct {
	Live           LiveRecognizer
	Batch          BatchTranscriber
	SampleRate     int
	MinUploadBytes int
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// Pipeline runs the two transcription paths of one recording: a live
// recognizer for immediate display and a batch upload for the
// authoritative transcript.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	onStatus func(string)
	onLive   func(string)
	onResult func(Result)

	mu        sync.Mutex
	recording bool
	pcm       bytes.Buffer
	final     string
	interim   string
	session   LiveSession
	liveEpoch uint64
	epoch     uint64

	wg sync.WaitGroup
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.MinUploadBytes <= 0 {
		cfg.MinUploadBytes = DefaultMinUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}
}

// OnStatus, OnLive and OnResult install callbacks; they must be set before
// the first recording.
func (p *Pipeline) OnStatus(fn func(string)) { p.onStatus = fn }
func (p *Pipeline) OnLive(fn func(string))   { p.onLive = fn }
func (p *Pipeline) OnResult(fn func(Result)) { p.onResult = fn }

// Start begins a recording: the live transcript is cleared, the capture
// buffer reset and a live session opened in the background.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.closeLiveLocked()
	p.recording = true
	p.pcm.Reset()
	p.final = ""
	p.interim = ""
	p.liveEpoch++
	epoch := p.liveEpoch
	p.mu.Unlock()
	p.emitLive("")

	if p.cfg.Live == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sess, err := p.cfg.Live.Start(ctx)
		if err != nil {
			p.logger.Warn("live transcription unavailable", "error", err)
			return
		}
		p.mu.Lock()
		if p.liveEpoch != epoch || !p.recording {
			p.mu.Unlock()
			_ = sess.Close()
			return
		}
		p.session = sess
		p.mu.Unlock()
		p.consume(sess, epoch)
	}()
}

func (p *Pipeline) consume(sess LiveSession, epoch uint64) {
	for r := range sess.Results() {
		p.mu.Lock()
		if p.liveEpoch != epoch {
			p.mu.Unlock()
			continue
		}
		if r.Err != nil {
			p.mu.Unlock()
			p.cfg.Metrics.ObserveTranscription("live_error")
			p.logger.Warn("live transcription stopped", "error", r.Err)
			p.emitStatus(StatusLiveStopped)
			continue
		}
		if r.Final {
			if p.final != "" && r.Text != "" {
				p.final += " "
			}
			p.final += r.Text
			p.interim = ""
		} else {
			p.interim = r.Text
		}
		display := p.liveDisplayLocked()
		p.mu.Unlock()
		p.emitLive(display)
	}
}

// Write feeds one captured PCM16 frame to both paths.
func (p *Pipeline) Write(pcm []byte) {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return
	}
	p.pcm.Write(pcm)
	sess := p.session
	p.mu.Unlock()
	if sess != nil {
		if err := sess.SendAudio(pcm); err != nil {
			p.logger.Debug("live transcription send failed", "error", err)
		}
	}
}

// Stop ends the recording, clears the live transcript and uploads the audio
// for batch transcription unless it is empty or too small. Callers read
// CurrentTranscript before calling Stop. It reports whether an upload started.
func (p *Pipeline) Stop(ctx context.Context, utteranceID string) bool {
	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return false
	}
	p.recording = false
	p.liveEpoch++
	p.closeLiveLocked()
	pcm := append([]byte(nil), p.pcm.Bytes()...)
	p.pcm.Reset()
	p.final = ""
	p.interim = ""
	epoch := p.epoch
	p.mu.Unlock()
	p.emitLive("")

	if len(pcm) == 0 {
		p.cfg.Metrics.ObserveTranscription("empty")
		p.emitStatus(StatusNoAudio)
		return false
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, p.cfg.SampleRate)
	if err != nil {
		p.logger.Warn("encode recording failed", "error", err)
		return false
	}
	if len(wav) < p.cfg.MinUploadBytes {
		p.cfg.Metrics.ObserveTranscription("too_short")
		p.emitStatus(StatusTooShort)
		return false
	}
	if p.cfg.Batch == nil {
		return false
	}

	p.emitStatus(StatusTranscribing)
	p.logger.Debug("uploading recording",
		"utterance_id", utteranceID,
		"bytes", len(wav),
		"duration", audio.PCMDuration(len(pcm), p.cfg.SampleRate))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		transcript, err := p.cfg.Batch.Transcribe(ctx, wav)
		p.mu.Lock()
		stale := p.epoch != epoch
		p.mu.Unlock()
		if stale {
			p.cfg.Metrics.ObserveTranscription("stale")
			return
		}
		if err != nil {
			p.cfg.Metrics.ObserveTranscription("error")
		} else {
			p.cfg.Metrics.ObserveTranscription("ok")
		}
		if p.onResult != nil {
			p.onResult(Result{UtteranceID: utteranceID, Transcript: strings.TrimSpace(transcript), Err: err})
		}
	}()
	return true
}

// Discard abandons the current recording without uploading it.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	p.recording = false
	p.liveEpoch++
	p.closeLiveLocked()
	p.pcm.Reset()
	p.final = ""
	p.interim = ""
	p.mu.Unlock()
	p.emitLive("")
}

// Reset discards the current recording and drops results of uploads still
// in flight.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.epoch++
	p.mu.Unlock()
	p.Discard()
}

// CurrentTranscript is the best text available right now: the finalized
// live text, else whatever the live display shows.
func (p *Pipeline) CurrentTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if final := strings.TrimSpace(p.final); final != "" {
		return final
	}
	return p.liveDisplayLocked()
}

func (p *Pipeline) LiveDisplay() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveDisplayLocked()
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Wait blocks until background live sessions and uploads have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) liveDisplayLocked() string {
	return strings.TrimSpace(p.final + " " + p.interim)
}

func (p *Pipeline) closeLiveLocked() {
	if p.session != nil {
		_ = p.session.Close()
		p.session = nil
	}
}

func (p *Pipeline) emitStatus(msg string) {
	if p.onStatus != nil {
		p.onStatus(msg)
	}
}

func (p *Pipeline) emitLive(text string) {
	if p.onLive != nil {
		p.onLive(text)
	}
}
