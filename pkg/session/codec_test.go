package session

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/matryer/is"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestCodec(opts ...Option) *Codec {
	opts = append([]Option{WithClock(fixedClock(epoch))}, opts...)
	return NewCodec(persona.Builtin(), opts...)
}

func flipChar(s string, i int) string {
	b := []byte(s)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}

func sampleState(c *Codec) *State {
	s := c.Fresh("receptionist", "adam", "Dana")
	s.AppendAgent("Hello Dana, thanks for calling the clinic.")
	s.AppendCaller("I'd like to move my appointment.")
	s.AppendAgent("Sure, what day works better?")
	return s
}

func TestRoundTrip(t *testing.T) {
	for _, signed := range []bool{false, true} {
		t.Run(fmt.Sprintf("signed=%v", signed), func(t *testing.T) {
			is := is.New(t)
			var opts []Option
			if signed {
				opts = append(opts, WithSecret([]byte("s3cret")))
			}
			c := newTestCodec(opts...)
			s := sampleState(c)

			token, err := c.Encode(s)
			is.NoErr(err)

			got, err := c.Decode(token)
			is.NoErr(err)
			is.Equal(got, s) // decode(encode(s)) == s

			again, err := c.Encode(got)
			is.NoErr(err)
			is.Equal(again, token) // re-encoding is idempotent
		})
	}
}

func TestDecodeMissingTokenYieldsFreshState(t *testing.T) {
	is := is.New(t)
	c := newTestCodec()

	s, err := c.Decode("")
	is.True(errors.Is(err, ErrNoToken))
	is.Equal(len(s.Turns), 1)             // only the system turn
	is.Equal(s.Turns[0].Role, RoleSystem) // first turn is the persona turn
	is.Equal(s.Persona, "sales")          // default persona
	is.Equal(s.Voice, "rachel")           // default voice
	is.Equal(s.IssuedAt, epoch.Unix())
}

func TestDecodeCorruptTokens(t *testing.T) {
	signed := newTestCodec(WithSecret([]byte("k1")))
	good, err := signed.Encode(sampleState(signed))
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(good, ".")

	otherKey := newTestCodec(WithSecret([]byte("k2")))
	unsigned := newTestCodec()

	tests := []struct {
		name  string
		codec *Codec
		token string
	}{
		{"garbage", signed, "not-a-token"},
		{"wrong version", signed, "v9." + parts[1] + "." + parts[2]},
		{"bad base64", signed, "v1.!!!." + parts[2]},
		{"tampered payload", signed, "v1." + flipChar(parts[1], 4) + "." + parts[2]},
		{"missing signature", signed, "v1." + parts[1]},
		{"wrong key", otherKey, good},
		{"signed token to unsigned codec", unsigned, good},
		{"not msgpack", unsigned, "v1." + b64.EncodeToString([]byte("hello"))},
		{"oversized", unsigned, "v1." + strings.Repeat("A", DefaultMaxBytes)},
		{"huge turn count", unsigned, "v1." + b64.EncodeToString([]byte{0x81, 0xa2, 't', 's', 0xdd, 0x7f, 0xff, 0xff, 0xff})},
		{"huge field count", unsigned, "v1." + b64.EncodeToString([]byte{0xdf, 0x7f, 0xff, 0xff, 0xff})},
		{"nil state", unsigned, "v1." + b64.EncodeToString([]byte{0xc0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			s, err := tt.codec.Decode(tt.token)
			is.True(errors.Is(err, ErrInvalidToken)) // corruption reported
			is.Equal(len(s.Turns), 1)                // and recovered as a fresh call
		})
	}
}

func TestDecodeRejectsStateWithoutSystemTurn(t *testing.T) {
	is := is.New(t)
	c := newTestCodec()

	bad := &State{Persona: "sales", Voice: "rachel", Turns: []Turn{{Role: RoleCaller, Text: "hi"}}, IssuedAt: epoch.Unix()}
	token, err := c.encode(bad)
	is.NoErr(err)

	_, err = c.Decode(token)
	is.True(errors.Is(err, ErrInvalidToken))
}

func TestDecodeRejectsMoreTurnsThanEncoded(t *testing.T) {
	is := is.New(t)
	c := newTestCodec(WithMaxTurns(4))
	s := c.Fresh("", "", "")
	for i := 0; i < 3; i++ {
		s.AppendCaller(fmt.Sprintf("caller %d", i))
		s.AppendAgent(fmt.Sprintf("agent %d", i))
	}
	token, err := c.encode(s) // skips the trimming Encode does
	is.NoErr(err)

	_, err = c.Decode(token)
	is.True(errors.Is(err, ErrInvalidToken))
}

func TestDecodeTurnOrder(t *testing.T) {
	c := newTestCodec()
	sys := Turn{Role: RoleSystem, Text: "You are a receptionist."}
	tests := []struct {
		name  string
		turns []Turn
		ok    bool
	}{
		{"alternating", []Turn{sys, {RoleCaller, "hi"}, {RoleAgent, "hello"}}, true},
		{"agent first", []Turn{sys, {RoleAgent, "hello"}, {RoleCaller, "hi"}}, true},
		{"agent after silence", []Turn{sys, {RoleAgent, "hello"}, {RoleAgent, "still there?"}}, true},
		{"consecutive caller", []Turn{sys, {RoleCaller, "a"}, {RoleCaller, "b"}}, false},
		{"consecutive caller later", []Turn{sys, {RoleAgent, "hello"}, {RoleCaller, "a"}, {RoleCaller, "b"}, {RoleAgent, "ok"}}, false},
		{"unknown role", []Turn{sys, {Role("robot"), "beep"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			token, err := c.encode(&State{Persona: "sales", Voice: "rachel", Turns: tt.turns, IssuedAt: epoch.Unix()})
			is.NoErr(err)

			got, err := c.Decode(token)
			if tt.ok {
				is.NoErr(err)
				is.Equal(got.Turns, tt.turns)
				return
			}
			is.True(errors.Is(err, ErrInvalidToken))
			is.Equal(len(got.Turns), 1) // fresh call
		})
	}
}

func TestDecodeExpiredToken(t *testing.T) {
	is := is.New(t)
	issuer := newTestCodec(WithTTL(time.Hour))
	token, err := issuer.Encode(sampleState(issuer))
	is.NoErr(err)

	later := NewCodec(persona.Builtin(), WithTTL(time.Hour), WithClock(fixedClock(epoch.Add(2*time.Hour))))
	s, err := later.Decode(token)
	is.True(errors.Is(err, ErrExpiredToken))
	is.Equal(len(s.Turns), 1)
}

func TestEncodeTrimsToMaxTurns(t *testing.T) {
	is := is.New(t)
	c := newTestCodec(WithMaxTurns(4))
	s := c.Fresh("", "", "")
	for i := 0; i < 10; i++ {
		s.AppendCaller(fmt.Sprintf("caller %d", i))
		s.AppendAgent(fmt.Sprintf("agent %d", i))
	}

	token, err := c.Encode(s)
	is.NoErr(err)
	is.Equal(len(s.Turns), 21) // input untouched

	got, err := c.Decode(token)
	is.NoErr(err)
	is.Equal(len(got.Turns), 5)             // system + 4 most recent
	is.Equal(got.Turns[0].Role, RoleSystem) // system turn survives trimming
	is.Equal(got.Turns[1].Text, "caller 8") // oldest kept turn
	is.Equal(got.Turns[4].Text, "agent 9")  // newest turn
}

func TestEncodeRespectsByteLimit(t *testing.T) {
	is := is.New(t)
	c := newTestCodec(WithMaxTurns(0), WithMaxBytes(1200))
	s := c.Fresh("", "", "")
	for i := 0; i < 20; i++ {
		s.AppendCaller(strings.Repeat("x", 100))
		s.AppendAgent(strings.Repeat("y", 100))
	}

	token, err := c.Encode(s)
	is.NoErr(err)
	is.True(len(token) <= 1200) // bounded token size

	got, err := c.Decode(token)
	is.NoErr(err)
	is.True(len(got.Turns) < len(s.Turns))
	is.Equal(got.Turns[len(got.Turns)-1], s.Turns[len(s.Turns)-1]) // newest turns kept
}

func TestEncodeTooLarge(t *testing.T) {
	is := is.New(t)
	c := newTestCodec(WithMaxBytes(16))

	_, err := c.Encode(c.Fresh("", "", ""))
	is.True(errors.Is(err, ErrTokenTooLarge))
}

func TestStateHelpers(t *testing.T) {
	is := is.New(t)
	c := newTestCodec()
	s := c.Fresh("", "", "")

	is.Equal(s.LastAgentText(), "")
	is.True(!s.AppendCaller("   ")) // blank speech is not a turn
	s.AppendAgent("first")
	s.AppendAgent("second")
	is.Equal(s.LastAgentText(), "second")
	is.Equal(len(s.History()), 2)
	is.True(strings.Contains(s.System(), "Sam"))
}
