package connectors

import (
	"encoding/json"
	"fmt"
)

// Factory builds an adapter from its connector-specific configuration.
// Credentials are installed separately via LoadCredentials.
type Factory func(config json.RawMessage) (Connector, error)

// Registry maps source names to adapter factories. It is populated at
// process startup; there is no global mutable registry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a source name.
func (r *Registry) Register(source string, f Factory) {
	r.factories[source] = f
}

// Build instantiates the adapter for a source and installs its credentials.
func (r *Registry) Build(source string, config json.RawMessage, credentials map[string]any) (Connector, error) {
	f, ok := r.factories[source]
	if !ok {
		return nil, fmt.Errorf("no connector registered for source %q", source)
	}
	c, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("building %s connector: %w", source, err)
	}
	if err := c.LoadCredentials(credentials); err != nil {
		return nil, fmt.Errorf("loading %s credentials: %w", source, err)
	}
	return c, nil
}

// Sources returns the registered source names.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	return out
}
