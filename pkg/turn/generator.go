// Package turn produces the agent's next utterance from the conversation so
// far. It makes exactly one LLM completion per turn and never fails: any
// provider error, timeout, or unusable completion yields FallbackText and a
// degraded flag instead.
package turn

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chriscow/callagent-go/pkg/ai"
	"github.com/chriscow/callagent-go/pkg/ai/llm"
	"github.com/chriscow/callagent-go/pkg/session"
)

const (
	// FallbackText is spoken whenever no usable completion is available.
	FallbackText = "I'm sorry, I'm having trouble — could you repeat that?"

	// GoodbyeText is spoken when the model ends the call without any words.
	GoodbyeText = "Thank you for your time. Goodbye."

	// HangupMarker at the end of a completion asks for the call to end.
	HangupMarker = "<hangup>"

	// SilencePrompt stands in for the caller's utterance when the platform
	// heard nothing.
	SilencePrompt = "(The caller did not say anything.)"

	DefaultTimeout     = 6 * time.Second
	DefaultMaxTokens   = 150
	DefaultTemperature = 0.7
	DefaultMaxChars    = 400
)

// ErrEmptyCompletion is reported when the provider answered with no text.
var ErrEmptyCompletion = errors.New("turn: empty completion")

// phoneGuidelines is appended to every persona prompt.
const phoneGuidelines = `

You are speaking on a live phone call. Reply with plain spoken sentences only: no markdown, lists, emojis or stage directions. Keep each reply to one or two short sentences.
When the conversation is finished, say goodbye and end your reply with ` + HangupMarker + `.`

var stats = expvar.NewMap("turn")

// Result is the outcome of one turn.
type Result struct {
	// Text is what the agent should say. Never empty.
	Text string
	// Degraded is set when Text is the scripted fallback.
	Degraded bool
	// EndCall is set when the model concluded the conversation.
	EndCall bool
	// Err is the reason for degradation, for logging only.
	Err error
}

// Config holds configuration for creating a Generator.
type Config struct {
	// LLM may be nil, in which case every turn is degraded.
	LLM         llm.LLM
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
	// MaxChars bounds the utterance length; longer completions are cut at a
	// sentence boundary.
	MaxChars int
	Logger   *slog.Logger
}

// Generator turns a transcript into the agent's next utterance.
type Generator struct {
	llm         llm.LLM
	timeout     time.Duration
	maxTokens   int
	temperature float32
	maxChars    int
	logger      *slog.Logger
}

// New creates a Generator, applying defaults for zero values.
func New(cfg Config) *Generator {
	g := &Generator{
		llm:         cfg.LLM,
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxChars:    cfg.MaxChars,
		logger:      cfg.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.temperature <= 0 {
		g.temperature = DefaultTemperature
	}
	if g.maxChars <= 0 {
		g.maxChars = DefaultMaxChars
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Available reports whether an LLM provider is configured.
func (g *Generator) Available() bool {
	return g.llm != nil
}

// Next generates the agent's reply. transcript starts with the system turn
// and does not include latest; latest may be empty when the caller was
// silent. The caller of Next is responsible for recording both turns.
func (g *Generator) Next(ctx context.Context, transcript []session.Turn, latest string) Result {
	if g.llm == nil {
		return g.fallback(ai.ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.llm.Chat(ctx, llm.ChatRequest{
		Messages:    buildMessages(transcript, latest),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return g.fallback(ai.Classify(err, "llm completion"))
	}

	text, end := splitHangup(resp.Message.Content)
	text = normalize(text)
	if text == "" {
		if !end {
			return g.fallback(ErrEmptyCompletion)
		}
		text = GoodbyeText
	}
	text = truncate(text, g.maxChars)

	stats.Add("completions", 1)
	g.logger.Debug("turn generated",
		"latency_ms", time.Since(start).Milliseconds(),
		"tokens", resp.TokensUsed,
		"end_call", end)
	return Result{Text: text, EndCall: end}
}

func (g *Generator) fallback(err error) Result {
	stats.Add("fallbacks", 1)
	g.logger.Warn("turn generation degraded", "error", err)
	return Result{Text: FallbackText, Degraded: true, Err: err}
}

func buildMessages(transcript []session.Turn, latest string) []llm.Message {
	msgs := make([]llm.Message, 0, len(transcript)+1)
	for _, t := range transcript {
		switch t.Role {
		case session.RoleSystem:
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: t.Text + phoneGuidelines})
		case session.RoleAgent:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Text})
		case session.RoleCaller:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Text})
		}
	}
	latest = strings.TrimSpace(latest)
	if latest == "" {
		latest = SilencePrompt
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: latest})
}

var hangupRE = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(HangupMarker))

// splitHangup removes every hangup marker and reports whether one was found.
func splitHangup(s string) (string, bool) {
	if !hangupRE.MatchString(s) {
		return s, false
	}
	return hangupRE.ReplaceAllString(s, " "), true
}

// normalize collapses whitespace and strips characters a voice would read
// aloud literally.
func normalize(s string) string {
	s = strings.NewReplacer("*", "", "#", "", "`", "", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// truncate limits s to max runes, preferring to cut after a sentence end and
// then at a word boundary.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)[:max]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, ".!?"); i > 0 {
		return cut[:i+1]
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimRight(cut[:i], ",;:")
	}
	return cut
}
