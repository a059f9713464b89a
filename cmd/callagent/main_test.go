package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chriscow/callagent-go/internal/config"
	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/chriscow/callagent-go/pkg/plugin"
	"github.com/chriscow/callagent-go/pkg/session"
	"github.com/matryer/is"
	"github.com/spf13/cobra"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CALLAGENT_CONFIG", "CALLAGENT_PUBLIC_URL", "CALLAGENT_LISTEN", "PORT", "CALLAGENT_LLM", "CALLAGENT_TTS",
		"CALLAGENT_CATALOG", "CALLAGENT_PLUGIN_PATH", "CALLAGENT_SESSION_SECRET", "CALLAGENT_SESSION_TTL",
		"CALLAGENT_CLIP_BACKEND", "CALLAGENT_CLIP_DIR", "CALLAGENT_MAX_REPROMPTS",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
		"OPENAI_API_KEY", "GEMINI_API_KEY", "ELEVENLABS_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func fakeConfig() *config.Config {
	cfg := config.Default()
	cfg.PublicURL = "https://agent.test"
	cfg.LLM.Provider = config.Provider{Name: "fake", Options: map[string]any{"responses": []string{"Sounds good."}}}
	cfg.TTS.Providers = []config.Provider{{Name: "fake"}}
	return cfg
}

func TestBuildAppServesCalls(t *testing.T) {
	is := is.New(t)
	a, err := buildApp(fakeConfig(), quiet)
	is.NoErr(err)
	defer a.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/voice", strings.NewReader(url.Values{"CallSid": {"CA1"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.server.Handler().ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), "<Play>https://agent.test/audio/"))
}

func TestBuildAppDegradesWithoutCredentials(t *testing.T) {
	is := is.New(t)
	clearEnv(t)
	cfg := config.Default()
	cfg.PublicURL = "https://agent.test"

	a, err := buildApp(cfg, quiet) // openai LLM, elevenlabs and openai TTS, no keys
	is.NoErr(err)
	defer a.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/voice", strings.NewReader("CallSid=CA2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.server.Handler().ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusOK)
	body := rec.Body.String()
	is.True(!strings.Contains(body, "<Play>")) // no TTS provider
	is.True(strings.Contains(body, `<Say voice="Polly.Joanna"`))
}

func TestSessionOptionsAlwaysSign(t *testing.T) {
	is := is.New(t)
	catalog := persona.Builtin()
	codec := func(secret string) *session.Codec {
		opts, err := sessionOptions(config.SessionConfig{Secret: secret}, quiet)
		is.NoErr(err)
		return session.NewCodec(catalog, opts...)
	}

	a, b := codec(""), codec("")
	is.True(a.Signed()) // signed without a configured secret

	token, err := a.Encode(a.Fresh("", "", ""))
	is.NoErr(err)
	_, err = a.Decode(token)
	is.NoErr(err)
	_, err = b.Decode(token)
	is.True(errors.Is(err, session.ErrInvalidToken)) // keys differ per process

	token, err = codec("shared").Encode(a.Fresh("", "", ""))
	is.NoErr(err)
	_, err = codec("shared").Decode(token)
	is.NoErr(err) // a configured secret survives restarts
}

func TestBuildAppRejectsUnknownPlugins(t *testing.T) {
	is := is.New(t)
	cfg := fakeConfig()
	cfg.LLM.Provider.Name = "nope"
	_, err := buildApp(cfg, quiet)
	is.True(err != nil)

	cfg = fakeConfig()
	cfg.TTS.Providers = []config.Provider{{Name: "fake"}, {Name: "nope"}}
	_, err = buildApp(cfg, quiet)
	is.True(err != nil)
}

func TestBuildAppWithCatalogFile(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	is.NoErr(os.WriteFile(path, []byte(`
default_persona: concierge
default_voice: calm
personas:
  - id: concierge
    name: Hotel concierge
    prompt: You are a hotel concierge speaking with {{.CallerName}}.
    opening: Good evening {{.CallerName}}, how may I help?
voices:
  - id: calm
    name: Calm
    language: en-GB
    say: Polly.Amy
    providers:
      fake: fake-calm
`), 0o600))

	cfg := fakeConfig()
	cfg.Catalog = path
	a, err := buildApp(cfg, quiet)
	is.NoErr(err)
	defer a.Close()
	is.Equal(a.catalog.PersonaIDs(), []string{"concierge"})

	cfg.Catalog = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildApp(cfg, quiet)
	is.True(err != nil)
}

func TestNewClipStore(t *testing.T) {
	is := is.New(t)

	mem, err := newClipStore(config.ClipConfig{Backend: config.BackendMemory, TTL: clip.DefaultTTL}, quiet)
	is.NoErr(err)
	_, ok := mem.(*clip.Memory)
	is.True(ok)
	is.NoErr(mem.Close())

	disk, err := newClipStore(config.ClipConfig{Backend: config.BackendBadger, Dir: t.TempDir(), TTL: clip.DefaultTTL}, quiet)
	is.NoErr(err)
	_, ok = disk.(*clip.Badger)
	is.True(ok)
	is.NoErr(disk.Close())

	_, err = newClipStore(config.ClipConfig{Backend: "redis"}, quiet)
	is.True(err != nil)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	is := is.New(t)
	clearEnv(t)
	t.Setenv("CALLAGENT_PUBLIC_URL", "https://from-env.test")
	t.Setenv("CALLAGENT_LLM", "gemini")

	cmd := &cobra.Command{Use: "serve"}
	addServeFlags(cmd)
	is.NoErr(cmd.Flags().Parse([]string{"--public-url", "https://from-flag.test", "--tts", "fake,openai"}))

	cfg, err := loadConfig(cmd)
	is.NoErr(err)
	is.Equal(cfg.PublicURL, "https://from-flag.test")
	is.Equal(cfg.LLM.Provider.Name, "gemini") // flag not set, env wins
	is.Equal(cfg.TTS.Providers, []config.Provider{{Name: "fake"}, {Name: "openai"}})
	is.Equal(cfg.Listen, ":8080")
}

func TestLoadConfigValidates(t *testing.T) {
	is := is.New(t)
	clearEnv(t)
	cmd := &cobra.Command{Use: "serve"}
	addServeFlags(cmd)
	_, err := loadConfig(cmd) // no public URL anywhere
	is.True(err != nil)
}

func TestNewLogger(t *testing.T) {
	is := is.New(t)
	var buf bytes.Buffer

	logger := newLogger(&buf, "", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	is.True(!strings.Contains(buf.String(), "hidden"))
	is.True(strings.Contains(buf.String(), `"msg":"shown"`)) // JSON by default

	buf.Reset()
	logger = newLogger(&buf, "console", "DEBUG")
	logger.Debug("details")
	is.True(strings.Contains(buf.String(), "msg=details"))
}

func TestPrintCatalog(t *testing.T) {
	is := is.New(t)
	var buf bytes.Buffer
	is.NoErr(printCatalog(&buf, persona.Builtin()))
	out := buf.String()
	is.True(strings.Contains(out, "sales (default)"))
	is.True(strings.Contains(out, "rachel (default)"))
	is.True(strings.Contains(out, "elevenlabs,fake,openai"))
}

func TestPrintPlugins(t *testing.T) {
	is := is.New(t)
	var buf bytes.Buffer
	is.NoErr(printPlugins(&buf, plugin.List(plugin.KindTTS)))
	out := buf.String()
	is.True(strings.HasPrefix(out, "KIND"))
	is.True(strings.Contains(out, "elevenlabs"))

	buf.Reset()
	is.NoErr(printPlugins(&buf, nil))
	is.Equal(buf.String(), "No plugins registered\n")
}
