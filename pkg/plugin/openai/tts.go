package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
	"github.com/chriscow/callagent-go/pkg/plugin"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultTTSModel = string(openai.TTSModel1)
	DefaultVoice    = string(openai.VoiceAlloy)
)

// OpenAITTS implements the TTS interface using OpenAI's text-to-speech API
type OpenAITTS struct {
	client *openai.Client
	model  string
	voice  string
}

// newOpenAITTS creates a new OpenAI TTS instance
func newOpenAITTS(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAITTS{
		client: client,
		model:  plugin.String(cfg, "model", DefaultTTSModel),
		voice:  plugin.String(cfg, "voice", DefaultVoice),
	}, nil
}

// Name returns the provider name voice profiles are keyed by.
func (o *OpenAITTS) Name() string {
	return "openai"
}

// Synthesize converts text to a complete MP3 clip.
func (o *OpenAITTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Audio, error) {
	start := time.Now()
	voice := o.getVoice(req.Voice)

	speechReq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	}
	if req.Speed > 0 {
		speechReq.Speed = float64(req.Speed)
	}

	resp, err := o.client.CreateSpeech(ctx, speechReq)
	if err != nil {
		return tts.Audio{}, classify(err, "openai speech")
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return tts.Audio{}, ai.Classify(err, "openai speech: reading audio")
	}
	if len(data) == 0 {
		return tts.Audio{}, ai.NewRecoverableError(fmt.Errorf("empty body"), "openai speech")
	}

	slog.Debug("openai speech synthesized",
		"voice", voice,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())
	return tts.Audio{Data: data, MIMEType: tts.MIMETypeMP3}, nil
}

// getVoice returns the voice to use, preferring request voice over default
func (o *OpenAITTS) getVoice(requestVoice string) string {
	if requestVoice != "" {
		return requestVoice
	}
	return o.voice
}
