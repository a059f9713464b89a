// Package persona holds the static catalogs the conversation engine draws
// from: personas (system-prompt templates parameterized by caller name) and
// voice profiles (provider-specific voice identifiers).
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPersona = errors.New("persona: unknown persona")
	ErrUnknownVoice   = errors.New("persona: unknown voice profile")
)

// DefaultCallerName is used when the caller's name is not known.
const DefaultCallerName = "there"

// Persona is a named template producing the system turn text.
type Persona struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Prompt  string `yaml:"prompt"`
	Opening string `yaml:"opening"`
}

// VoiceProfile maps a catalog name to provider-specific voice ids.
type VoiceProfile struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Language string            `yaml:"language"`
	// Say is the platform-native voice used when synthesis fails entirely.
	Say      string            `yaml:"say"`
	Provider map[string]string `yaml:"providers"`
}

// VoiceFor returns the voice id for the named provider, or "" when the
// profile has no mapping for it (the provider then uses its own default).
func (v VoiceProfile) VoiceFor(provider string) string {
	return v.Provider[provider]
}

type promptData struct {
	CallerName string
}

func render(name, tmpl, callerName string) (string, error) {
	if strings.TrimSpace(callerName) == "" {
		callerName = DefaultCallerName
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("persona %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, promptData{CallerName: callerName}); err != nil {
		return "", fmt.Errorf("persona %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// SystemPrompt renders the persona's system turn for callerName.
func (p Persona) SystemPrompt(callerName string) (string, error) {
	return render(p.ID+".prompt", p.Prompt, callerName)
}

// OpeningLine renders the introduction spoken when the call starts.
func (p Persona) OpeningLine(callerName string) (string, error) {
	return render(p.ID+".opening", p.Opening, callerName)
}

// Catalog is an immutable set of personas and voice profiles.
type Catalog struct {
	DefaultPersona string         `yaml:"default_persona"`
	DefaultVoice   string         `yaml:"default_voice"`
	Personas       []Persona      `yaml:"personas"`
	Voices         []VoiceProfile `yaml:"voices"`

	personas map[string]Persona
	voices   map[string]VoiceProfile
}

// NewCatalog indexes personas and voices and validates the defaults.
func NewCatalog(defaultPersona, defaultVoice string, personas []Persona, voices []VoiceProfile) (*Catalog, error) {
	c := &Catalog{
		DefaultPersona: defaultPersona,
		DefaultVoice:   defaultVoice,
		Personas:       personas,
		Voices:         voices,
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	c.personas = make(map[string]Persona, len(c.Personas))
	for _, p := range c.Personas {
		if p.ID == "" {
			return errors.New("persona: persona id is required")
		}
		if strings.TrimSpace(p.Prompt) == "" || strings.TrimSpace(p.Opening) == "" {
			return fmt.Errorf("persona %s: prompt and opening are required", p.ID)
		}
		if _, err := p.SystemPrompt(""); err != nil {
			return err
		}
		if _, err := p.OpeningLine(""); err != nil {
			return err
		}
		if _, dup := c.personas[p.ID]; dup {
			return fmt.Errorf("persona %s: duplicate id", p.ID)
		}
		c.personas[p.ID] = p
	}
	c.voices = make(map[string]VoiceProfile, len(c.Voices))
	for _, v := range c.Voices {
		if v.ID == "" {
			return errors.New("persona: voice id is required")
		}
		if _, dup := c.voices[v.ID]; dup {
			return fmt.Errorf("voice %s: duplicate id", v.ID)
		}
		c.voices[v.ID] = v
	}
	if _, ok := c.personas[c.DefaultPersona]; !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownPersona, c.DefaultPersona)
	}
	if _, ok := c.voices[c.DefaultVoice]; !ok {
		return fmt.Errorf("%w: default %q", ErrUnknownVoice, c.DefaultVoice)
	}
	return nil
}

// Persona looks up a persona by id.
func (c *Catalog) Persona(id string) (Persona, error) {
	p, ok := c.personas[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

// Voice looks up a voice profile by id.
func (c *Catalog) Voice(id string) (VoiceProfile, error) {
	v, ok := c.voices[id]
	if !ok {
		return VoiceProfile{}, fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	return v, nil
}

// ResolvePersona returns the persona for id, or the default when id is
// empty or unknown.
func (c *Catalog) ResolvePersona(id string) Persona {
	if p, ok := c.personas[id]; ok {
		return p
	}
	return c.personas[c.DefaultPersona]
}

// ResolveVoice returns the voice profile for id, or the default when id is
// empty or unknown.
func (c *Catalog) ResolveVoice(id string) VoiceProfile {
	if v, ok := c.voices[id]; ok {
		return v
	}
	return c.voices[c.DefaultVoice]
}

// PersonaIDs returns persona ids in sorted order.
func (c *Catalog) PersonaIDs() []string {
	ids := make([]string, 0, len(c.personas))
	for id := range c.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VoiceIDs returns voice profile ids in sorted order.
func (c *Catalog) VoiceIDs() []string {
	ids := make([]string, 0, len(c.voices))
	for id := range c.voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parse reads a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("persona: parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read catalog: %w", err)
	}
	return Parse(data)
}
