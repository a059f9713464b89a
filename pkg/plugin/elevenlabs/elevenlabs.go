// Package elevenlabs registers an ElevenLabs text-to-speech provider
// (tts/elevenlabs) that uses the stream-input websocket API and collects the
// streamed MP3 into a single clip.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
	"github.com/chriscow/callagent-go/pkg/plugin"
	"github.com/gorilla/websocket"
)

const (
	DefaultWSBase  = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	DefaultModel   = "eleven_flash_v2_5"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	// outputFormat is the only format requested: 44.1kHz 128kbps MP3.
	outputFormat = "mp3_44100_128"
	writeTimeout = 5 * time.Second
)

// ElevenLabsTTS implements the TTS interface over the ElevenLabs websocket API.
type ElevenLabsTTS struct {
	apiKey  string
	model   string
	voiceID string
	wsBase  string
	dialer  *websocket.Dialer
}

func newElevenLabsTTS(cfg map[string]any) (any, error) {
	apiKey := strings.TrimSpace(plugin.String(cfg, "api_key", os.Getenv("ELEVENLABS_API_KEY")))
	if apiKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required (set ELEVENLABS_API_KEY or provide api_key): %w", ai.ErrNotConfigured)
	}
	return &ElevenLabsTTS{
		apiKey:  apiKey,
		model:   plugin.String(cfg, "model", DefaultModel),
		voiceID: plugin.String(cfg, "voice", DefaultVoiceID),
		wsBase:  plugin.String(cfg, "ws_url", DefaultWSBase),
		dialer:  websocket.DefaultDialer,
	}, nil
}

// Name returns the provider name voice profiles are keyed by.
func (e *ElevenLabsTTS) Name() string {
	return "elevenlabs"
}

type inbound struct {
	Audio   string          `json:"audio"`
	IsFinal json.RawMessage `json:"isFinal"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (m inbound) final() bool {
	var b bool
	return len(m.IsFinal) > 0 && json.Unmarshal(m.IsFinal, &b) == nil && b
}

// Synthesize sends the whole text with a flush and reads audio chunks until
// the server marks the stream final.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Audio, error) {
	start := time.Now()
	voiceID := strings.TrimSpace(req.Voice)
	if voiceID == "" {
		voiceID = e.voiceID
	}
	wsURL, err := buildWSURL(e.wsBase, voiceID, e.model)
	if err != nil {
		return tts.Audio{}, ai.NewFatalError(err, "elevenlabs")
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, resp, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return tts.Audio{}, ai.NewFatalError(err, "elevenlabs: dial")
		}
		return tts.Audio{}, ai.Classify(err, "elevenlabs: dial")
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	messages := []map[string]any{
		{"text": " ", "voice_settings": map[string]any{"stability": 0.5, "similarity_boost": 0.8}},
		{"text": strings.TrimSpace(req.Text) + " ", "flush": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return tts.Audio{}, e.ioError(ctx, err)
		}
	}

	var audio []byte
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(audio) > 0 {
				break
			}
			return tts.Audio{}, e.ioError(ctx, err)
		}
		if msg.Error != "" {
			return tts.Audio{}, ai.NewFatalError(errors.New(msg.Error+": "+msg.Message), "elevenlabs")
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return tts.Audio{}, ai.NewFatalError(err, "elevenlabs: audio encoding")
			}
			audio = append(audio, chunk...)
		}
		if msg.final() {
			break
		}
	}
	if len(audio) == 0 {
		return tts.Audio{}, ai.NewRecoverableError(errors.New("no audio received"), "elevenlabs")
	}

	slog.Debug("elevenlabs speech synthesized",
		"voice", voiceID,
		"bytes", len(audio),
		"duration_ms", time.Since(start).Milliseconds())
	return tts.Audio{Data: audio, MIMEType: tts.MIMETypeMP3}, nil
}

func (e *ElevenLabsTTS) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ai.NewRecoverableError(ctxErr, "elevenlabs")
	}
	return ai.Classify(err, "elevenlabs")
}

func buildWSURL(base, voiceID, model string) (string, error) {
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", model)
	}
	q.Set("output_format", outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "elevenlabs",
		Factory:     newElevenLabsTTS,
		Description: "ElevenLabs streaming text-to-speech (MP3 output)",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "ElevenLabs API key (or set ELEVENLABS_API_KEY env var)",
			"model":   DefaultModel,
			"voice":   DefaultVoiceID,
			"ws_url":  DefaultWSBase,
		},
	})
}
