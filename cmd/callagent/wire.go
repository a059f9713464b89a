package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/chriscow/callagent-go/internal/config"
	"github.com/chriscow/callagent-go/internal/server"
	"github.com/chriscow/callagent-go/pkg/agent"
	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/llm"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/chriscow/callagent-go/pkg/plugin"
	"github.com/chriscow/callagent-go/pkg/session"
	"github.com/chriscow/callagent-go/pkg/speech"
	"github.com/chriscow/callagent-go/pkg/turn"
)

// app is everything serve runs.
type app struct {
	catalog *persona.Catalog
	clips   clip.Store
	ctrl    *agent.Controller
	server  *server.Server
}

func (a *app) Close() error {
	return a.clips.Close()
}

// buildApp wires the conversation engine from configuration. Providers whose
// credentials are missing are left out and the engine runs degraded; any
// other problem is returned.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	catalog, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	model, err := newLLM(cfg.LLM.Provider, logger)
	if err != nil {
		return nil, err
	}
	voices, err := newTTSProviders(cfg.TTS.Providers, logger)
	if err != nil {
		return nil, err
	}

	clips, err := newClipStore(cfg.Clips, logger)
	if err != nil {
		return nil, err
	}

	opts, err := sessionOptions(cfg.Session, logger)
	if err != nil {
		_ = clips.Close()
		return nil, err
	}

	ctrl, err := agent.New(agent.Config{
		Generator: turn.New(turn.Config{
			LLM:         model,
			Timeout:     cfg.LLM.Timeout,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			MaxChars:    cfg.LLM.MaxChars,
			Logger:      logger,
		}),
		Synthesizer: speech.New(speech.Config{
			Providers:      voices,
			Timeout:        cfg.TTS.Timeout,
			AttemptTimeout: cfg.TTS.AttemptTimeout,
			Logger:         logger,
		}),
		Clips:         clips,
		Codec:         session.NewCodec(catalog, opts...),
		Catalog:       catalog,
		BaseURL:       cfg.PublicURL,
		GatherTimeout: cfg.Call.GatherTimeout,
		MaxReprompts:  cfg.Call.MaxReprompts,
		Logger:        logger,
	})
	if err != nil {
		_ = clips.Close()
		return nil, err
	}

	authToken := ""
	if cfg.ValidateSignatures() {
		authToken = cfg.Twilio.AuthToken
	} else {
		logger.Warn("webhook signatures are not checked; set TWILIO_AUTH_TOKEN to enable")
	}
	srv, err := server.New(server.Config{
		Controller: ctrl,
		Clips:      clips,
		PublicURL:  cfg.PublicURL,
		AuthToken:  authToken,
		Logger:     logger,
	})
	if err != nil {
		_ = clips.Close()
		return nil, err
	}

	return &app{catalog: catalog, clips: clips, ctrl: ctrl, server: srv}, nil
}

// sessionOptions always signs tokens. Without a configured secret a random
// key is generated, so tokens do not survive a restart and calls in progress
// start over.
func sessionOptions(cfg config.SessionConfig, logger *slog.Logger) ([]session.Option, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		logger.Warn("no session secret configured; signing tokens with a per-process key",
			"hint", "set CALLAGENT_SESSION_SECRET to keep calls alive across restarts")
	}
	return []session.Option{
		session.WithSecret(secret),
		session.WithTTL(cfg.TTL),
		session.WithMaxTurns(cfg.MaxTurns),
		session.WithMaxBytes(cfg.MaxBytes),
	}, nil
}

func loadCatalog(path string) (*persona.Catalog, error) {
	if path == "" {
		return persona.Builtin(), nil
	}
	return persona.LoadFile(path)
}

// newLLM returns nil when the provider has no credentials.
func newLLM(p config.Provider, logger *slog.Logger) (llm.LLM, error) {
	model, err := plugin.NewLLM(p.Name, maps.Clone(p.Options))
	if errors.Is(err, ai.ErrNotConfigured) {
		logger.Error("LLM provider not configured; every turn uses the scripted fallback",
			"provider", p.Name, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	logger.Info("LLM provider ready", "provider", p.Name)
	return model, nil
}

// newTTSProviders builds the providers in fallback order, skipping those
// without credentials.
func newTTSProviders(ps []config.Provider, logger *slog.Logger) ([]tts.TTS, error) {
	var out []tts.TTS
	for _, p := range ps {
		v, err := plugin.NewTTS(p.Name, maps.Clone(p.Options))
		if errors.Is(err, ai.ErrNotConfigured) {
			logger.Error("TTS provider not configured; skipping", "provider", p.Name, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tts provider: %w", err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		logger.Error("no TTS provider available; every turn uses the platform voice")
	} else {
		names := make([]string, len(out))
		for i, v := range out {
			names[i] = v.Name()
		}
		logger.Info("TTS providers ready", "providers", names)
	}
	return out, nil
}

func newClipStore(cfg config.ClipConfig, logger *slog.Logger) (clip.Store, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return clip.NewBadger(clip.BadgerOptions{Dir: cfg.Dir, TTL: cfg.TTL, Logger: logger})
	case config.BackendMemory, "":
		return clip.NewMemory(clip.WithTTL(cfg.TTL), clip.WithMaxEntries(cfg.MaxEntries)), nil
	default:
		return nil, fmt.Errorf("unknown clip backend %q", cfg.Backend)
	}
}
