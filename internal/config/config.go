// Package config loads the callagent server configuration: built-in
// defaults, then an optional YAML file, then environment variables. Command
// line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/agent"
	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/session"
	"github.com/chriscow/callagent-go/pkg/speech"
	"github.com/chriscow/callagent-go/pkg/turn"
	"gopkg.in/yaml.v3"
)

// PlatformTimeout is how long the telephony platform waits for a webhook
// response before giving up on the call. One turn runs the LLM and then TTS,
// so their timeouts together must stay under it.
const PlatformTimeout = 15 * time.Second

// Clip store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config is the complete server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// PublicURL is the origin the telephony platform reaches this server
	// on. Webhook and audio URLs are built from it.
	PublicURL string `yaml:"public_url"`
	// Catalog is an optional persona and voice catalog file replacing the
	// built-in one.
	Catalog string `yaml:"catalog"`
	// PluginDir holds dynamically loaded provider plugins.
	PluginDir string `yaml:"plugin_dir"`

	Session SessionConfig `yaml:"session"`
	Clips   ClipConfig    `yaml:"clips"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Call    CallConfig    `yaml:"call"`
	Twilio  TwilioConfig  `yaml:"twilio"`
}

// SessionConfig controls session tokens.
type SessionConfig struct {
	// Secret signs tokens with HMAC-SHA256. Empty means a random key per
	// process.
	Secret   string        `yaml:"secret"`
	TTL      time.Duration `yaml:"ttl"`
	MaxTurns int           `yaml:"max_turns"`
	MaxBytes int           `yaml:"max_bytes"`
}

// ClipConfig controls the audio clip store.
type ClipConfig struct {
	Backend    string        `yaml:"backend"`
	Dir        string        `yaml:"dir"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// Provider names a registered plugin and its options.
type Provider struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// LLMConfig controls the turn generator.
type LLMConfig struct {
	Provider    Provider      `yaml:"provider"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	MaxChars    int           `yaml:"max_chars"`
}

// TTSConfig controls the speech synthesizer. Providers are tried in order.
type TTSConfig struct {
	Providers      []Provider    `yaml:"providers"`
	Timeout        time.Duration `yaml:"timeout"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// CallConfig controls the conversation loop.
type CallConfig struct {
	GatherTimeout int `yaml:"gather_timeout"`
	MaxReprompts  int `yaml:"max_reprompts"`
}

// TwilioConfig holds platform credentials. Without an auth token webhook
// signatures are not checked and outbound calls are unavailable.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	// SkipSignature disables webhook signature checks even when an auth
	// token is set, e.g. behind a proxy that rewrites URLs.
	SkipSignature bool `yaml:"skip_signature"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Session: SessionConfig{
			TTL:      session.DefaultTTL,
			MaxTurns: session.DefaultMaxTurns,
			MaxBytes: session.DefaultMaxBytes,
		},
		Clips: ClipConfig{
			Backend:    BackendMemory,
			TTL:        clip.DefaultTTL,
			MaxEntries: clip.DefaultMaxEntries,
		},
		LLM: LLMConfig{
			Provider:    Provider{Name: "openai"},
			Timeout:     turn.DefaultTimeout,
			MaxTokens:   turn.DefaultMaxTokens,
			Temperature: turn.DefaultTemperature,
			MaxChars:    turn.DefaultMaxChars,
		},
		TTS: TTSConfig{
			Providers:      []Provider{{Name: "elevenlabs"}, {Name: "openai"}},
			Timeout:        speech.DefaultTimeout,
			AttemptTimeout: speech.DefaultAttemptTimeout,
		},
		Call: CallConfig{
			GatherTimeout: agent.DefaultGatherTimeout,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// any) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further
// overrides such as command line flags first.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CALLAGENT_LISTEN", &c.Listen)
	str("CALLAGENT_PUBLIC_URL", &c.PublicURL)
	str("CALLAGENT_CATALOG", &c.Catalog)
	str("CALLAGENT_PLUGIN_PATH", &c.PluginDir)
	str("CALLAGENT_SESSION_SECRET", &c.Session.Secret)
	str("CALLAGENT_CLIP_BACKEND", &c.Clips.Backend)
	str("CALLAGENT_CLIP_DIR", &c.Clips.Dir)
	str("TWILIO_ACCOUNT_SID", &c.Twilio.AccountSID)
	str("TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken)
	str("TWILIO_FROM_NUMBER", &c.Twilio.From)

	// A bare PORT is what most hosting platforms set.
	if port := strings.TrimSpace(getenv("PORT")); port != "" && getenv("CALLAGENT_LISTEN") == "" {
		c.Listen = ":" + port
	}

	if v := strings.TrimSpace(getenv("CALLAGENT_LLM")); v != "" {
		if v != c.LLM.Provider.Name {
			c.LLM.Provider = Provider{Name: v}
		}
	}
	if v := strings.TrimSpace(getenv("CALLAGENT_TTS")); v != "" {
		c.TTS.Providers = ParseProviders(v)
	}
	if v := strings.TrimSpace(getenv("CALLAGENT_MAX_REPROMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CALLAGENT_MAX_REPROMPTS: %w", err)
		}
		c.Call.MaxReprompts = n
	}
	if v := strings.TrimSpace(getenv("CALLAGENT_SESSION_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CALLAGENT_SESSION_TTL: %w", err)
		}
		c.Session.TTL = d
	}
	return nil
}

// ParseProviders turns a comma separated list of plugin names into
// providers with no options.
func ParseProviders(list string) []Provider {
	var out []Provider
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, Provider{Name: name})
		}
	}
	return out
}

// Validate reports every malformed value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		add("listen address is required")
	}
	if c.PublicURL == "" {
		add("public_url is required (set CALLAGENT_PUBLIC_URL)")
	} else if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("public_url %q must be an absolute http(s) URL", c.PublicURL)
	}

	if c.Session.TTL < 0 {
		add("session.ttl must not be negative")
	}
	if c.Session.MaxTurns <= 0 {
		add("session.max_turns must be positive")
	}
	if c.Session.MaxBytes <= 0 {
		add("session.max_bytes must be positive")
	}

	switch c.Clips.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Clips.Dir == "" {
			add("clips.dir is required for the badger backend")
		}
	default:
		add("clips.backend %q must be %q or %q", c.Clips.Backend, BackendMemory, BackendBadger)
	}
	if c.Clips.TTL <= 0 {
		add("clips.ttl must be positive")
	}

	if c.LLM.Provider.Name == "" {
		add("llm.provider.name is required")
	}
	if c.LLM.Timeout <= 0 || c.TTS.Timeout <= 0 {
		add("llm.timeout and tts.timeout must be positive")
	} else if total := c.LLM.Timeout + c.TTS.Timeout; total >= PlatformTimeout {
		add("llm.timeout + tts.timeout (%s) must stay under the platform's %s webhook timeout", total, PlatformTimeout)
	}
	if c.TTS.AttemptTimeout < 0 {
		add("tts.attempt_timeout must not be negative")
	}
	for i, p := range c.TTS.Providers {
		if p.Name == "" {
			add("tts.providers[%d].name is required", i)
		}
	}

	if c.Call.GatherTimeout <= 0 {
		add("call.gather_timeout must be positive")
	}
	if c.Call.MaxReprompts < 0 {
		add("call.max_reprompts must not be negative")
	}

	return errors.Join(errs...)
}

// ValidateSignatures reports whether inbound webhooks must carry a valid
// platform signature.
func (c *Config) ValidateSignatures() bool {
	return c.Twilio.AuthToken != "" && !c.Twilio.SkipSignature
}
