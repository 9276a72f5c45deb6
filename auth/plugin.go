// Package auth defines the authentication-plugin contract that gates
// controller admission, along with the concrete plugin backends.  Exactly one
// plugin is active per process, selected by name at startup.
package auth

import (
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/spf13/viper"
)

// Plugin is the capability consumed by the admission sequence.
type Plugin interface {
	// Initialize is called exactly once at startup, before either server
	// begins accepting.  Any failure is fatal to the process.
	Initialize(v *viper.Viper, logger log.Logger) error

	// ValidateKey decides whether a controller presenting deviceKey is
	// admitted.  An error refuses admission the same as a false result, but
	// is additionally logged by the caller.  ValidateKey must be safe to
	// invoke concurrently from different sessions.
	ValidateKey(deviceKey string) (bool, error)
}

// factories maps plugin names to constructors.  Plugins are registered at
// compile time; there is no dynamic discovery.
var factories = map[string]func() Plugin{
	StaticPluginName: func() Plugin { return new(StaticPlugin) },
	MySQLPluginName:  func() Plugin { return new(MySQLPlugin) },
}

// Names lists the registered plugin names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}

	return names
}

// FromName constructs the plugin registered under the given name.  Unknown
// names are an error, which callers treat as fatal.
func FromName(name string) (Plugin, error) {
	factory, registered := factories[name]
	if !registered {
		return nil, fmt.Errorf("unknown authentication plugin: %s", name)
	}

	return factory(), nil
}
