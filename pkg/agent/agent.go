// Package agent implements the conversation turn controller: a per-call
// state machine (Start → AwaitingReply → Ended) driven by one webhook
// request per transition. Each transition decodes the session token, asks
// the turn generator for the agent's reply, synthesizes it, parks the audio
// in the clip store and answers with a TwiML document and a new token.
package agent

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/chriscow/callagent-go/pkg/session"
	"github.com/chriscow/callagent-go/pkg/speech"
	"github.com/chriscow/callagent-go/pkg/turn"
	"github.com/chriscow/callagent-go/pkg/twiml"
)

// CallState is the controller state of one call.
type CallState int32

const (
	StateStart CallState = iota
	StateAwaitingReply
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateAwaitingReply:
		return "AwaitingReply"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

const (
	DefaultGatherTimeout = 5 // seconds

	// RepromptLimitText is spoken before hanging up after too many silences.
	RepromptLimitText = "I haven't heard anything, so I'll let you go. Goodbye."
)

// Event is one inbound webhook request.
type Event struct {
	CallSID string
	// Speech is the platform's transcription of the caller; may be empty.
	Speech string
	// Token is the session token the platform carried from the last turn.
	Token string
	// Reprompt is set when the Gather timed out without speech.
	Reprompt bool

	// Persona, Voice and CallerName select the conversation on Start and are
	// ignored once a session exists.
	Persona    string
	Voice      string
	CallerName string
}

// Response is the controller's answer to an Event.
type Response struct {
	TwiML []byte
	// Token is the new session token. Empty when the call has ended.
	Token string
	State CallState
	// Text is what the agent says in this turn.
	Text        string
	DegradedLLM bool
	DegradedTTS bool
}

// Metrics holds the controller's counters.
type Metrics struct {
	Turns            *expvar.Int
	DegradedLLM      *expvar.Int
	DegradedTTS      *expvar.Int
	Reprompts        *expvar.Int
	CorruptTokens    *expvar.Int
	TurnLatency      *expvar.Float
	StateTransitions *expvar.Map

	all *expvar.Map
}

// Var exposes every counter as a single expvar value for publishing.
func (m *Metrics) Var() expvar.Var {
	return m.all
}

// Config holds configuration for creating a Controller.
type Config struct {
	Generator   *turn.Generator
	Synthesizer *speech.Synthesizer
	Clips       clip.Store
	Codec       *session.Codec
	Catalog     *persona.Catalog

	// BaseURL is the public origin the telephony platform reaches this
	// server on, e.g. https://agent.example.com.
	BaseURL string
	// GatherTimeout is how many seconds to wait for the caller to start
	// speaking.
	GatherTimeout int
	// MaxReprompts ends the call after that many consecutive silences.
	// Zero means keep reprompting.
	MaxReprompts int

	Logger *slog.Logger
}

// Controller runs conversation turns. It holds no per-call state and is
// safe for concurrent use.
type Controller struct {
	gen     *turn.Generator
	synth   *speech.Synthesizer
	clips   clip.Store
	codec   *session.Codec
	catalog *persona.Catalog

	baseURL       string
	gatherTimeout int
	maxReprompts  int

	logger  *slog.Logger
	metrics *Metrics
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("Generator is required")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("Synthesizer is required")
	}
	if cfg.Clips == nil {
		return nil, fmt.Errorf("Clips store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("Catalog is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = session.NewCodec(cfg.Catalog)
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		gen:           cfg.Generator,
		synth:         cfg.Synthesizer,
		clips:         cfg.Clips,
		codec:         cfg.Codec,
		catalog:       cfg.Catalog,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		gatherTimeout: cfg.GatherTimeout,
		maxReprompts:  cfg.MaxReprompts,
		logger:        cfg.Logger,
		metrics:       newMetrics(),
	}, nil
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// VoiceURL is the webhook the platform posts caller speech to.
func (c *Controller) VoiceURL() string {
	return c.baseURL + "/voice"
}

// RepromptURL is the webhook the platform is redirected to on silence.
func (c *Controller) RepromptURL() string {
	return c.baseURL + "/voice?reprompt=1"
}

// AudioURL is where the platform fetches a clip.
func (c *Controller) AudioURL(id string) string {
	return c.baseURL + "/audio/" + id
}

// HandleTurn runs one transition of the call's state machine. The returned
// error is non-nil only when ctx ended before a response was produced, i.e.
// the platform hung up mid-turn; every other failure degrades to a scripted
// or platform-voiced reply.
func (c *Controller) HandleTurn(ctx context.Context, ev Event) (Response, error) {
	start := time.Now()

	st, err := c.codec.Decode(ev.Token)
	from := StateAwaitingReply
	if err != nil {
		from = StateStart
		if !errors.Is(err, session.ErrNoToken) {
			c.metrics.CorruptTokens.Add(1)
			c.logger.Warn("discarding session token", "call_sid", ev.CallSID, "error", err)
		}
	}

	var p plan
	if from == StateStart {
		st = c.codec.Fresh(ev.Persona, ev.Voice, ev.CallerName)
		p = c.planStart(st)
	} else if p, err = c.planReply(ctx, st, ev); err != nil {
		return Response{}, err
	}

	resp, err := c.render(ctx, st, p)
	if err != nil {
		return Response{}, err
	}
	resp.DegradedLLM = p.degraded

	c.setState(from, resp.State)
	c.metrics.Turns.Add(1)
	if resp.DegradedLLM {
		c.metrics.DegradedLLM.Add(1)
	}
	if resp.DegradedTTS {
		c.metrics.DegradedTTS.Add(1)
	}
	latency := time.Since(start)
	c.metrics.TurnLatency.Set(float64(latency.Milliseconds()))

	c.logger.Info("turn",
		"call_sid", ev.CallSID,
		"from", from.String(),
		"state", resp.State.String(),
		"persona", st.Persona,
		"reprompt", p.reprompt,
		"degraded_llm", resp.DegradedLLM,
		"degraded_tts", resp.DegradedTTS,
		"turns", len(st.Turns),
		"latency_ms", latency.Milliseconds())
	return resp, nil
}

// HandleStatus records the platform's call status callback. Terminal
// statuses move the call to Ended; nothing else needs doing because the
// call leg is already closed.
func (c *Controller) HandleStatus(callSID, status string) CallState {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		c.setState(StateAwaitingReply, StateEnded)
		c.logger.Info("call ended", "call_sid", callSID, "status", status)
		return StateEnded
	default:
		c.logger.Debug("call status", "call_sid", callSID, "status", status)
		return StateAwaitingReply
	}
}

// plan is what a transition decided to say.
type plan struct {
	text     string
	end      bool
	degraded bool
	reprompt bool
}

func (c *Controller) planStart(st *session.State) plan {
	p := c.catalog.ResolvePersona(st.Persona)
	opening, err := p.OpeningLine(st.CallerName)
	if err != nil || opening == "" {
		c.logger.Error("persona opening line", "persona", p.ID, "error", err)
		opening = turn.FallbackText
	}
	st.AppendAgent(opening)
	return plan{text: opening}
}

func (c *Controller) planReply(ctx context.Context, st *session.State, ev Event) (plan, error) {
	said := strings.TrimSpace(ev.Speech)

	if ev.Reprompt && said == "" {
		st.Silences++
		c.metrics.Reprompts.Add(1)
		if c.maxReprompts > 0 && st.Silences > c.maxReprompts {
			return plan{text: RepromptLimitText, end: true, reprompt: true}, nil
		}
		text := st.LastAgentText()
		if text == "" {
			text = turn.FallbackText
		}
		return plan{text: text, reprompt: true}, nil
	}

	st.Silences = 0
	res := c.gen.Next(ctx, st.Turns, said)
	if err := ctx.Err(); err != nil {
		return plan{}, err
	}
	st.AppendCaller(said)
	st.AppendAgent(res.Text)
	return plan{text: res.Text, end: res.EndCall, degraded: res.Degraded}, nil
}

// render synthesizes the plan's text and builds the TwiML document and the
// next token.
func (c *Controller) render(ctx context.Context, st *session.State, p plan) (Response, error) {
	voice := c.catalog.ResolveVoice(st.Voice)
	resp := Response{Text: p.text, State: StateAwaitingReply}

	audioURL, err := c.speak(ctx, p.text, voice)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		resp.DegradedTTS = true
		c.logger.Warn("falling back to platform voice", "voice", voice.ID, "error", err)
	}
	var say *twiml.Say
	if audioURL == "" {
		say = &twiml.Say{Voice: voice.Say, Language: voice.Language, Text: p.text}
	}

	var doc *twiml.Response
	if p.end {
		resp.State = StateEnded
		doc = twiml.Farewell(audioURL, say)
	} else {
		doc = twiml.Prompt{
			AudioURL:      audioURL,
			Say:           say,
			Action:        c.VoiceURL(),
			TimeoutAction: c.RepromptURL(),
			Timeout:       c.gatherTimeout,
			Language:      voice.Language,
		}.Build()
		token, err := c.codec.Encode(st)
		if err != nil {
			// The next request starts over rather than the caller hearing nothing now.
			c.logger.Error("encoding session token", "error", err)
		}
		resp.Token = token
	}

	resp.TwiML, err = doc.Marshal()
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// speak synthesizes text and stores the clip, returning its URL.
func (c *Controller) speak(ctx context.Context, text string, voice persona.VoiceProfile) (string, error) {
	audio, err := c.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return "", err
	}
	// A hangup during synthesis must not leave a clip nobody will fetch.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := c.clips.Put(ctx, audio.Data, audio.MIMEType)
	if err != nil {
		return "", fmt.Errorf("storing clip: %w", err)
	}
	return c.AudioURL(id), nil
}

// setState records a state transition metric.
func (c *Controller) setState(from, to CallState) {
	c.metrics.StateTransitions.Add(fmt.Sprintf("%s_to_%s", from, to), 1)
}

// newMetrics creates a set of controller metrics. They are not published;
// the server decides under which name they appear.
func newMetrics() *Metrics {
	m := &Metrics{
		Turns:            &expvar.Int{},
		DegradedLLM:      &expvar.Int{},
		DegradedTTS:      &expvar.Int{},
		Reprompts:        &expvar.Int{},
		CorruptTokens:    &expvar.Int{},
		TurnLatency:      &expvar.Float{},
		StateTransitions: &expvar.Map{},
		all:              &expvar.Map{},
	}
	m.StateTransitions.Init()
	m.all.Init()
	m.all.Set("turns", m.Turns)
	m.all.Set("degraded_llm", m.DegradedLLM)
	m.all.Set("degraded_tts", m.DegradedTTS)
	m.all.Set("reprompts", m.Reprompts)
	m.all.Set("corrupt_tokens", m.CorruptTokens)
	m.all.Set("turn_latency_ms", m.TurnLatency)
	m.all.Set("state_transitions", m.StateTransitions)
	return m
}
