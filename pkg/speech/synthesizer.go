// Package speech turns agent text into a playable MP3 clip, trying the
// configured TTS providers in order and giving up rather than making the
// caller wait past a hard deadline.
package speech

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
	"github.com/chriscow/callagent-go/pkg/persona"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultAttemptTimeout = 3 * time.Second
)

// ErrNoAudio is returned when no provider produced audio. Callers fall back
// to the platform's own text-to-speech.
var ErrNoAudio = errors.New("speech: no audio")

var stats = expvar.NewMap("speech")

// Config holds configuration for creating a Synthesizer.
type Config struct {
	// Providers in preference order. Empty means synthesis always fails.
	Providers []tts.TTS
	// Timeout bounds the whole call across all providers.
	Timeout time.Duration
	// AttemptTimeout bounds a single provider so a hung primary still
	// leaves time for the fallback.
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Synthesizer produces MP3 audio with provider fallback.
type Synthesizer struct {
	providers      []tts.TTS
	timeout        time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// New creates a Synthesizer. Nil providers are skipped.
func New(cfg Config) *Synthesizer {
	s := &Synthesizer{
		timeout:        cfg.Timeout,
		attemptTimeout: cfg.AttemptTimeout,
		logger:         cfg.Logger,
	}
	for _, p := range cfg.Providers {
		if p != nil {
			s.providers = append(s.providers, p)
		}
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.attemptTimeout <= 0 || s.attemptTimeout > s.timeout {
		s.attemptTimeout = min(DefaultAttemptTimeout, s.timeout)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Providers returns the provider names in the order they are tried.
func (s *Synthesizer) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// Synthesize renders text in the given voice. Each provider is tried at most
// once; on total failure the error wraps ErrNoAudio.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice persona.VoiceProfile) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, fmt.Errorf("%w: empty text", ErrNoAudio)
	}
	if len(s.providers) == 0 {
		stats.Add("failures", 1)
		return tts.Audio{}, fmt.Errorf("%w: %w", ErrNoAudio, ai.ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs []error
	for i, p := range s.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		audio, err := s.attempt(ctx, p, text, voice)
		if err == nil {
			stats.Add("clips", 1)
			if i > 0 {
				stats.Add("fallbacks", 1)
			}
			s.logger.Debug("speech synthesized",
				"provider", p.Name(),
				"voice", voice.ID,
				"bytes", len(audio.Data),
				"latency_ms", time.Since(start).Milliseconds())
			return audio, nil
		}
		err = ai.Classify(err, p.Name())
		s.logger.Warn("tts provider failed",
			"provider", p.Name(),
			"voice", voice.ID,
			"recoverable", ai.IsRecoverable(err),
			"error", err)
		errs = append(errs, err)
	}

	stats.Add("failures", 1)
	return tts.Audio{}, fmt.Errorf("%w: %w", ErrNoAudio, errors.Join(errs...))
}

func (s *Synthesizer) attempt(ctx context.Context, p tts.TTS, text string, voice persona.VoiceProfile) (tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	audio, err := p.Synthesize(ctx, tts.SynthesizeRequest{
		Text:     text,
		Voice:    voice.VoiceFor(p.Name()),
		Language: voice.Language,
	})
	if err != nil {
		return tts.Audio{}, err
	}
	if len(audio.Data) == 0 {
		return tts.Audio{}, errors.New("empty audio")
	}
	if audio.MIMEType == "" {
		audio.MIMEType = tts.MIMETypeMP3
	}
	if audio.MIMEType != tts.MIMETypeMP3 {
		return tts.Audio{}, fmt.Errorf("unexpected audio format %q", audio.MIMEType)
	}
	return audio, nil
}
