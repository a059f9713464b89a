// Package session carries a call's conversation state between webhook
// requests. The server keeps no per-call memory; the running transcript
// travels in an opaque token the telephony platform returns on every
// request (as a cookie). Tokens are untrusted input: they are size-bounded,
// optionally HMAC-signed, expire, and decode to a fresh conversation when
// anything about them is wrong.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chriscow/callagent-go/pkg/persona"
)

// Role attributes a turn to the system prompt, the agent, or the caller.
type Role string

const (
	RoleSystem Role = "system"
	RoleAgent  Role = "agent"
	RoleCaller Role = "caller"
)

// Turn is one utterance in the conversation.
type Turn struct {
	Role Role   `msgpack:"r"`
	Text string `msgpack:"t"`
}

// State is the conversation state of one call.
//
// Turns[0] is always the system turn. Later turns alternate caller/agent,
// except that consecutive agent turns appear when the caller said nothing.
type State struct {
	Persona    string `msgpack:"p"`
	Voice      string `msgpack:"v"`
	CallerName string `msgpack:"n,omitempty"`
	Turns      []Turn `msgpack:"ts"`
	// Silences counts consecutive reprompts without caller speech.
	Silences int `msgpack:"s,omitempty"`
	// IssuedAt is the unix time the state was first created.
	IssuedAt int64 `msgpack:"iat"`
}

var (
	ErrNoToken      = errors.New("session: no token")
	ErrInvalidToken = errors.New("session: invalid token")
	ErrExpiredToken = errors.New("session: expired token")
)

// NewState creates the initial state for a call: the persona's system turn
// and nothing else.
func NewState(catalog *persona.Catalog, personaID, voiceID, callerName string, issuedAt int64) (*State, error) {
	p := catalog.ResolvePersona(personaID)
	v := catalog.ResolveVoice(voiceID)
	prompt, err := p.SystemPrompt(callerName)
	if err != nil {
		return nil, err
	}
	return &State{
		Persona:    p.ID,
		Voice:      v.ID,
		CallerName: strings.TrimSpace(callerName),
		Turns:      []Turn{{Role: RoleSystem, Text: prompt}},
		IssuedAt:   issuedAt,
	}, nil
}

// System returns the system turn text.
func (s *State) System() string {
	if len(s.Turns) == 0 {
		return ""
	}
	return s.Turns[0].Text
}

// History returns the turns after the system turn.
func (s *State) History() []Turn {
	if len(s.Turns) <= 1 {
		return nil
	}
	return s.Turns[1:]
}

// LastAgentText returns the most recent agent utterance, or "".
func (s *State) LastAgentText() string {
	for i := len(s.Turns) - 1; i > 0; i-- {
		if s.Turns[i].Role == RoleAgent {
			return s.Turns[i].Text
		}
	}
	return ""
}

// AppendCaller records what the caller said. Blank utterances are dropped.
func (s *State) AppendCaller(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.Turns = append(s.Turns, Turn{Role: RoleCaller, Text: text})
	return true
}

// AppendAgent records what the agent said.
func (s *State) AppendAgent(text string) {
	s.Turns = append(s.Turns, Turn{Role: RoleAgent, Text: text})
}

// Trim drops the oldest non-system turns so at most maxTurns remain after
// the system turn. maxTurns <= 0 disables trimming.
func (s *State) Trim(maxTurns int) {
	if maxTurns <= 0 || len(s.Turns)-1 <= maxTurns {
		return
	}
	drop := len(s.Turns) - 1 - maxTurns
	kept := make([]Turn, 0, maxTurns+1)
	kept = append(kept, s.Turns[0])
	kept = append(kept, s.Turns[1+drop:]...)
	s.Turns = kept
}

// dropOldest removes the oldest non-system turn.
func (s *State) dropOldest() {
	if len(s.Turns) <= 1 {
		return
	}
	s.Turns = append(s.Turns[:1:1], s.Turns[2:]...)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

func (s *State) validate() error {
	if len(s.Turns) == 0 || s.Turns[0].Role != RoleSystem {
		return fmt.Errorf("%w: first turn must be the system turn", ErrInvalidToken)
	}
	prev := RoleSystem
	for i, t := range s.Turns[1:] {
		if t.Role != RoleAgent && t.Role != RoleCaller {
			return fmt.Errorf("%w: turn %d has role %q", ErrInvalidToken, i+1, t.Role)
		}
		// Every caller turn is answered before the next one is recorded.
		if t.Role == RoleCaller && prev == RoleCaller {
			return fmt.Errorf("%w: consecutive caller turns at %d", ErrInvalidToken, i+1)
		}
		prev = t.Role
	}
	return nil
}
