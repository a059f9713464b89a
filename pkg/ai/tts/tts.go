package tts

import (
	"context"

	"github.com/chriscow/callagent-go/pkg/ai"
)

// TTS-specific error variables for backward compatibility
var (
	// ErrRecoverable indicates a temporary TTS failure.
	// Examples: service overload, temporary quota exceeded, network issues.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent TTS failure.
	// Examples: invalid voice ID, unsupported text format, permanent quota exceeded.
	ErrFatal = ai.ErrFatal
)

// MIMETypeMP3 is the only output format providers produce. Telephony
// playback never negotiates formats per call.
const MIMETypeMP3 = "audio/mpeg"

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text     string
	Voice    string // provider-specific voice identifier
	Language string
	Speed    float32
}

// Audio is a complete synthesized utterance.
type Audio struct {
	Data     []byte
	MIMEType string
}

// TTS is the main interface for text-to-speech providers.
type TTS interface {
	// Name identifies the provider. Voice profiles key their
	// provider-specific voice ids by this name.
	Name() string

	// Synthesize converts text to a complete MP3 clip.
	Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error)
}
