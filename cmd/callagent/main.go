package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chriscow/callagent-go/internal/config"
	"github.com/chriscow/callagent-go/internal/dialer"
	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/chriscow/callagent-go/pkg/plugin"
	_ "github.com/chriscow/callagent-go/pkg/plugin/elevenlabs" // Import to register ElevenLabs TTS
	_ "github.com/chriscow/callagent-go/pkg/plugin/fake"       // Import to register fake plugins
	_ "github.com/chriscow/callagent-go/pkg/plugin/gemini"     // Import to register Gemini LLM
	_ "github.com/chriscow/callagent-go/pkg/plugin/openai"     // Import to register OpenAI LLM and TTS
	"github.com/chriscow/callagent-go/pkg/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "callagent",
	Short: "callagent - an AI voice agent for phone calls",
	Long: `callagent answers telephony webhooks with an LLM-driven conversation:
each turn the caller's transcribed speech is answered with synthesized audio
and a request to gather the next utterance.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		cfg, err := loadConfig(cmd)
		if err != nil {
			logger.Error("invalid configuration", "error", err)
			return err
		}

		if cfg.PluginDir != "" {
			if n, err := plugin.LoadDynamicPlugins(cfg.PluginDir); err != nil {
				logger.Warn("dynamic plugins not loaded", "dir", cfg.PluginDir, "error", err)
			} else {
				logger.Info("dynamic plugins loaded", "dir", cfg.PluginDir, "count", n)
			}
		}

		a, err := buildApp(cfg, logger)
		if err != nil {
			logger.Error("startup failed", "error", err)
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("starting callagent",
			"version", version.Version,
			"listen", cfg.Listen,
			"public_url", cfg.PublicURL,
			"clip_backend", cfg.Clips.Backend,
			"llm", cfg.LLM.Provider.Name)
		return a.server.ListenAndServe(ctx, cfg.Listen)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <number>",
	Short: "Place an outbound call that talks to this server",
	Long: `Ask the telephony platform to call <number> (E.164, e.g. +15551234567).
The call's webhook points at the configured public URL, so a server started
with "callagent serve" must be reachable there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		catalog, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return err
		}

		personaID, _ := cmd.Flags().GetString("persona")
		voiceID, _ := cmd.Flags().GetString("voice")
		name, _ := cmd.Flags().GetString("name")
		if personaID != "" {
			if _, err := catalog.Persona(personaID); err != nil {
				return err
			}
		}
		if voiceID != "" {
			if _, err := catalog.Voice(voiceID); err != nil {
				return err
			}
		}
		if from, _ := cmd.Flags().GetString("from"); from != "" {
			cfg.Twilio.From = from
		}

		d, err := dialer.New(dialer.Config{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
			BaseURL:    cfg.PublicURL,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		sid, err := d.Dial(ctx, dialer.Request{
			To:         args[0],
			Persona:    personaID,
			Voice:      voiceID,
			CallerName: name,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sid)
		return nil
	},
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the personas and voices in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("catalog")
		if path == "" {
			path = os.Getenv("CALLAGENT_CATALOG")
		}
		catalog, err := loadCatalog(path)
		if err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), catalog)
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins [kind]",
	Short: "List registered LLM and TTS providers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		return printPlugins(cmd.OutOrStdout(), plugin.List(kind))
	},
}

// loadConfig reads the config file and environment, then applies flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("CALLAGENT_CONFIG")
	}
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("public-url") {
		cfg.PublicURL, _ = flags.GetString("public-url")
	}
	if flags.Changed("llm") {
		name, _ := flags.GetString("llm")
		cfg.LLM.Provider = config.Provider{Name: name}
	}
	if flags.Changed("tts") {
		list, _ := flags.GetString("tts")
		cfg.TTS.Providers = config.ParseProviders(list)
	}
	if flags.Changed("catalog") {
		cfg.Catalog, _ = flags.GetString("catalog")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger() *slog.Logger {
	logger := newLogger(os.Stdout, os.Getenv("CALLAGENT_LOG_FORMAT"), os.Getenv("CALLAGENT_LOG_LEVEL"))
	slog.SetDefault(logger)
	return logger
}

// newLogger builds a JSON logger, or a text logger for format "console".
// Unknown levels mean info.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch strings.ToLower(level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "console" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func printPlugins(w io.Writer, plugins []*plugin.Plugin) error {
	if len(plugins) == 0 {
		_, err := fmt.Fprintln(w, "No plugins registered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tVERSION\tDESCRIPTION")
	for _, p := range plugins {
		v := p.Version
		if v == "" {
			v = "N/A"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Kind, p.Name, v, p.Description)
	}
	return tw.Flush()
}

func printCatalog(w io.Writer, catalog *persona.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSONA\tNAME")
	for _, id := range catalog.PersonaIDs() {
		p, _ := catalog.Persona(id)
		if id == catalog.DefaultPersona {
			id += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, p.Name)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "VOICE\tNAME\tLANGUAGE\tPROVIDERS")
	for _, id := range catalog.VoiceIDs() {
		v, _ := catalog.Voice(id)
		providers := slices.Sorted(maps.Keys(v.Provider))
		if id == catalog.DefaultVoice {
			id += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, v.Name, v.Language, strings.Join(providers, ","))
	}
	return tw.Flush()
}

func addConfigFlags(c *cobra.Command) {
	c.Flags().String("config", "", "YAML config file (or CALLAGENT_CONFIG)")
	c.Flags().String("public-url", "", "Public origin the telephony platform reaches this server on")
	c.Flags().String("catalog", "", "Persona and voice catalog file")
}

func addServeFlags(c *cobra.Command) {
	addConfigFlags(c)
	c.Flags().String("listen", ":8080", "HTTP listen address")
	c.Flags().String("llm", "", "LLM provider plugin (openai, gemini, fake)")
	c.Flags().String("tts", "", "Comma separated TTS provider plugins in fallback order")
}

func init() {
	addServeFlags(serveCmd)
	addConfigFlags(callCmd)

	callCmd.Flags().String("persona", "", "Persona id")
	callCmd.Flags().String("voice", "", "Voice profile id")
	callCmd.Flags().String("name", "", "Name the agent addresses the callee by")
	callCmd.Flags().String("from", "", "Caller id (or TWILIO_FROM_NUMBER)")

	personasCmd.Flags().String("catalog", "", "Persona and voice catalog file (or CALLAGENT_CATALOG)")

	rootCmd.AddCommand(versionCmd, serveCmd, callCmd, personasCmd, pluginsCmd)
}

func main() {
	// A .env file in the working directory supplies keys for local runs;
	// variables already set win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
	}
}
