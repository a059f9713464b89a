package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tokenVersion = "v1"

	DefaultMaxTurns = 12
	DefaultMaxBytes = 3800 // fits a single cookie with room for attributes
	DefaultTTL      = 2 * time.Hour
)

// ErrTokenTooLarge is returned by Encode when even the system turn alone
// does not fit in MaxBytes.
var ErrTokenTooLarge = errors.New("session: token too large")

var b64 = base64.RawURLEncoding

// Codec encodes and decodes session tokens.
type Codec struct {
	catalog  *persona.Catalog
	secret   []byte
	maxTurns int
	maxBytes int
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithSecret enables HMAC-SHA256 signing. Unsigned or mis-signed tokens are
// then rejected.
func WithSecret(secret []byte) Option {
	return func(c *Codec) {
		c.secret = append([]byte(nil), secret...)
	}
}

// WithMaxTurns bounds how many non-system turns a token carries.
func WithMaxTurns(n int) Option {
	return func(c *Codec) {
		c.maxTurns = n
	}
}

// WithMaxBytes bounds the encoded token size.
func WithMaxBytes(n int) Option {
	return func(c *Codec) {
		c.maxBytes = n
	}
}

// WithTTL sets how long after creation a token is honored. Zero disables
// expiry.
func WithTTL(d time.Duration) Option {
	return func(c *Codec) {
		c.ttl = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec whose fresh states come from catalog.
func NewCodec(catalog *persona.Catalog, opts ...Option) *Codec {
	c := &Codec{
		catalog:  catalog,
		maxTurns: DefaultMaxTurns,
		maxBytes: DefaultMaxBytes,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Signed reports whether tokens carry an HMAC signature.
func (c *Codec) Signed() bool {
	return len(c.secret) > 0
}

// Fresh creates the state of a newly started call.
func (c *Codec) Fresh(personaID, voiceID, callerName string) *State {
	s, err := NewState(c.catalog, personaID, voiceID, callerName, c.now().Unix())
	if err != nil {
		// Catalog templates are validated at load time; keep the raw prompt.
		p := c.catalog.ResolvePersona(personaID)
		return &State{
			Persona:  p.ID,
			Voice:    c.catalog.ResolveVoice(voiceID).ID,
			Turns:    []Turn{{Role: RoleSystem, Text: p.Prompt}},
			IssuedAt: c.now().Unix(),
		}
	}
	return s
}

// Decode turns a token back into conversation state. It always returns a
// usable state: when the token is absent, malformed, mis-signed or expired
// the state is a fresh one for the default persona and the error says why.
func (c *Codec) Decode(token string) (*State, error) {
	s, err := c.decode(strings.TrimSpace(token))
	if err != nil {
		return c.Fresh("", "", ""), err
	}
	return s, nil
}

func (c *Codec) decode(token string) (*State, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if c.maxBytes > 0 && len(token) > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidToken, len(token))
	}

	parts := strings.Split(token, ".")
	if parts[0] != tokenVersion {
		return nil, fmt.Errorf("%w: unknown version", ErrInvalidToken)
	}
	switch {
	case c.Signed() && len(parts) == 3:
		sig, err := b64.DecodeString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: signature encoding", ErrInvalidToken)
		}
		if !hmac.Equal(sig, c.sign(parts[0]+"."+parts[1])) {
			return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
		}
	case !c.Signed() && len(parts) == 2:
	default:
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrInvalidToken)
	}
	s, err := c.unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if c.ttl > 0 && c.now().Sub(time.Unix(s.IssuedAt, 0)) > c.ttl {
		return nil, ErrExpiredToken
	}
	return s, nil
}

// unmarshal decodes a State field by field so the turn count is checked
// before the slice is allocated. A forged array header can otherwise claim
// billions of elements.
func (c *Codec) unmarshal(payload []byte) (*State, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	fields, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if fields < 0 || fields > len(payload) {
		return nil, fmt.Errorf("bad field count %d", fields)
	}

	// Every element takes at least one byte, and an encoded state never
	// carries more than maxTurns turns after the system turn.
	limit := len(payload)
	if c.maxTurns > 0 && c.maxTurns+1 < limit {
		limit = c.maxTurns + 1
	}

	var s State
	for range fields {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "p":
			s.Persona, err = dec.DecodeString()
		case "v":
			s.Voice, err = dec.DecodeString()
		case "n":
			s.CallerName, err = dec.DecodeString()
		case "s":
			s.Silences, err = dec.DecodeInt()
		case "iat":
			s.IssuedAt, err = dec.DecodeInt64()
		case "ts":
			s.Turns, err = decodeTurns(dec, limit)
		default:
			err = dec.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
	}
	return &s, nil
}

func decodeTurns(dec *msgpack.Decoder, limit int) ([]Turn, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%d turns exceeds limit %d", n, limit)
	}
	if n <= 0 {
		return nil, nil
	}
	turns := make([]Turn, n)
	for i := range turns {
		if err := dec.Decode(&turns[i]); err != nil {
			return nil, err
		}
	}
	return turns, nil
}

// Encode serializes state into a token. Turns beyond the configured cap,
// and further old turns if needed to stay under the byte cap, are dropped
// from the token; s itself is not modified.
func (c *Codec) Encode(s *State) (string, error) {
	out := s.Clone()
	out.Trim(c.maxTurns)
	for {
		token, err := c.encode(out)
		if err != nil {
			return "", err
		}
		if c.maxBytes <= 0 || len(token) <= c.maxBytes {
			return token, nil
		}
		if len(out.Turns) <= 1 {
			return "", fmt.Errorf("%w: %d bytes", ErrTokenTooLarge, len(token))
		}
		out.dropOldest()
	}
}

func (c *Codec) encode(s *State) (string, error) {
	payload, err := msgpack.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("session: encode: %w", err)
	}
	body := tokenVersion + "." + b64.EncodeToString(payload)
	if !c.Signed() {
		return body, nil
	}
	return body + "." + b64.EncodeToString(c.sign(body)), nil
}

func (c *Codec) sign(body string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(body))
	return mac.Sum(nil)
}
