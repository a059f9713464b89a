// Package plugin provides a registry for the LLM and TTS providers the
// conversation engine can be configured with. Provider packages register a
// factory from init(); the CLI builds providers by name from configuration.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chriscow/callagent-go/pkg/ai/llm"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
)

// Provider kinds.
const (
	KindLLM = "llm"
	KindTTS = "tts"
)

// ErrUnknownPlugin is returned when no factory is registered under a name.
var ErrUnknownPlugin = errors.New("plugin: unknown plugin")

// Factory creates a new provider instance from configuration.
// The returned value must implement llm.LLM or tts.TTS according to the
// plugin's kind. Factories return an error wrapping ai.ErrNotConfigured when
// credentials are missing.
type Factory func(cfg map[string]any) (any, error)

// Plugin represents a registered plugin with its metadata.
type Plugin struct {
	Kind        string         // "llm" or "tts"
	Name        string         // Plugin name (e.g., "openai", "elevenlabs")
	Factory     Factory        // Factory function to create instances
	Description string         // Human-readable description
	Version     string         // Plugin version
	Config      map[string]any // Configuration keys and their meaning
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin // [kind][name] -> Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]*Plugin)}
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry.
// This function is typically called from init() functions in plugin packages.
// Panics if a plugin with the same kind and name is already registered.
func Register(kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with additional metadata to the global registry.
// Panics if a plugin with the same kind and name is already registered.
func RegisterWithMetadata(plugin *Plugin) {
	globalRegistry.RegisterWithMetadata(plugin)
}

// Get retrieves a plugin factory from the global registry.
func Get(kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns all registered plugins of a specific kind.
// If kind is empty, returns all plugins.
func List(kind string) []*Plugin {
	return globalRegistry.List(kind)
}

// NewLLM builds the named LLM provider from the global registry.
func NewLLM(name string, cfg map[string]any) (llm.LLM, error) {
	return globalRegistry.NewLLM(name, cfg)
}

// NewTTS builds the named TTS provider from the global registry.
func NewTTS(name string, cfg map[string]any) (tts.TTS, error) {
	return globalRegistry.NewTTS(name, cfg)
}

// Register adds a plugin to this registry instance.
// Panics if a plugin with the same kind and name is already registered.
func (r *Registry) Register(kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{
		Kind:    kind,
		Name:    name,
		Factory: factory,
	})
}

// RegisterWithMetadata adds a plugin with metadata to this registry instance.
// Panics if a plugin with the same kind and name is already registered.
func (r *Registry) RegisterWithMetadata(plugin *Plugin) {
	if plugin.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if plugin.Name == "" {
		panic("plugin name cannot be empty")
	}
	if plugin.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[plugin.Kind] == nil {
		r.plugins[plugin.Kind] = make(map[string]*Plugin)
	}
	if existing, exists := r.plugins[plugin.Kind][plugin.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			plugin.Kind, plugin.Name, existing.Version, plugin.Version))
	}
	r.plugins[plugin.Kind][plugin.Name] = plugin
}

// Get retrieves a plugin factory from this registry instance.
// Returns the factory and true if found, nil and false otherwise.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, exists := r.plugins[kind][name]
	if !exists {
		return nil, false
	}
	return plugin.Factory, true
}

// List returns all registered plugins of a specific kind.
// If kind is empty, returns all plugins sorted by kind then name.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins []*Plugin
	for k, kindMap := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, plugin := range kindMap {
			plugins = append(plugins, plugin)
		}
	}

	sort.Slice(plugins, func(i, j int) bool {
		if plugins[i].Kind != plugins[j].Kind {
			return plugins[i].Kind < plugins[j].Kind
		}
		return plugins[i].Name < plugins[j].Name
	})
	return plugins
}

// NewLLM builds the named LLM provider.
func (r *Registry) NewLLM(name string, cfg map[string]any) (llm.LLM, error) {
	v, err := r.build(KindLLM, name, cfg)
	if err != nil {
		return nil, err
	}
	provider, ok := v.(llm.LLM)
	if !ok {
		return nil, fmt.Errorf("plugin %s/%s: factory returned %T, not an LLM", KindLLM, name, v)
	}
	return provider, nil
}

// NewTTS builds the named TTS provider.
func (r *Registry) NewTTS(name string, cfg map[string]any) (tts.TTS, error) {
	v, err := r.build(KindTTS, name, cfg)
	if err != nil {
		return nil, err
	}
	provider, ok := v.(tts.TTS)
	if !ok {
		return nil, fmt.Errorf("plugin %s/%s: factory returned %T, not a TTS", KindTTS, name, v)
	}
	return provider, nil
}

func (r *Registry) build(kind, name string, cfg map[string]any) (any, error) {
	factory, ok := r.Get(kind, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPlugin, kind, name)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	v, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin %s/%s: %w", kind, name, err)
	}
	return v, nil
}

// Clear removes all plugins from this registry instance.
// This is primarily useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]map[string]*Plugin)
}

// String reads a string option from cfg, falling back to def.
func String(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}
