//go:build plugindyn && linux

package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// DefaultPluginDir is searched when neither a directory nor
// CALLAGENT_PLUGIN_PATH is given.
const DefaultPluginDir = "/usr/local/lib/callagent/plugins"

// LoadDynamicPlugins opens every .so in pluginDir and calls its exported
// RegisterPlugins function, which registers extra LLM or TTS providers.
// A missing directory is not an error.
func LoadDynamicPlugins(pluginDir string) (int, error) {
	if pluginDir == "" {
		pluginDir = os.Getenv("CALLAGENT_PLUGIN_PATH")
		if pluginDir == "" {
			pluginDir = DefaultPluginDir
		}
	}
	if _, err := os.Stat(pluginDir); os.IsNotExist(err) {
		return 0, nil
	}

	soFiles, err := filepath.Glob(filepath.Join(pluginDir, "*.so"))
	if err != nil {
		return 0, fmt.Errorf("search plugin files in %s: %w", pluginDir, err)
	}

	loaded := 0
	for _, soFile := range soFiles {
		if err := loadPlugin(soFile); err != nil {
			return loaded, fmt.Errorf("load plugin %s: %w", soFile, err)
		}
		loaded++
	}
	if loaded > 0 {
		slog.Info("loaded dynamic plugins", "count", loaded, "directory", pluginDir)
	}
	return loaded, nil
}

func loadPlugin(soFile string) error {
	p, err := plugin.Open(soFile)
	if err != nil {
		return fmt.Errorf("open plugin file: %w", err)
	}
	sym, err := p.Lookup("RegisterPlugins")
	if err != nil {
		return fmt.Errorf("plugin does not export RegisterPlugins: %w", err)
	}
	register, ok := sym.(func() error)
	if !ok {
		return fmt.Errorf("RegisterPlugins has signature %T, want func() error", sym)
	}
	if err := register(); err != nil {
		return fmt.Errorf("plugin registration failed: %w", err)
	}
	slog.Debug("loaded plugin", "name", strings.TrimSuffix(filepath.Base(soFile), ".so"), "file", soFile)
	return nil
}
