//go:build !plugindyn || !linux

package plugin

import "errors"

// ErrDynamicUnsupported is returned when the binary was built without
// dynamic plugin support.
var ErrDynamicUnsupported = errors.New("dynamic plugin loading not supported on this platform or build configuration (use -tags=plugindyn on Linux)")

// LoadDynamicPlugins reports that dynamic loading is unavailable.
func LoadDynamicPlugins(pluginDir string) (int, error) {
	return 0, ErrDynamicUnsupported
}
