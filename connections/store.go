// Package connections implements the read-only connection store consumed
// by the executor. Connections are snapshotted at executor construction;
// tools never read the store at invocation time.
package connections

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/lyzr/promptflow/common/errs"
)

// ScrubbedValue replaces secret values whenever a connection is
// serialized into traces or run records.
const ScrubbedValue = "**data_scrubbed**"

// Connection is a named credential/config bundle consumed by tools.
type Connection struct {
	Name    string            `yaml:"name" json:"name"`
	Type    string            `yaml:"type" json:"type"`
	Configs map[string]string `yaml:"configs,omitempty" json:"configs,omitempty"`
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// Scrub returns a copy safe for serialization: secrets replaced, configs
// kept.
func (c *Connection) Scrub() map[string]any {
	out := map[string]any{"name": c.Name, "type": c.Type}
	if len(c.Configs) > 0 {
		out["configs"] = c.Configs
	}
	if len(c.Secrets) > 0 {
		secrets := make(map[string]string, len(c.Secrets))
		for k := range c.Secrets {
			secrets[k] = ScrubbedValue
		}
		out["secrets"] = secrets
	}
	return out
}

// IsConnectionValue reports whether a resolved input value is a live
// connection handle.
func IsConnectionValue(v any) bool {
	_, ok := v.(*Connection)
	return ok
}

// Store is the read contract the executor depends on.
type Store interface {
	// Get returns the named connection. Without secrets, secret values are
	// scrubbed in the returned copy.
	Get(name string, withSecrets bool) (*Connection, error)
	// List returns all connection names.
	List() []string
}

// MapStore is an in-memory Store over a fixed connection map.
type MapStore struct {
	conns map[string]*Connection
}

// NewMapStore builds a store from a connection map.
func NewMapStore(conns map[string]*Connection) *MapStore {
	m := make(map[string]*Connection, len(conns))
	for name, c := range conns {
		cc := *c
		cc.Name = name
		m[name] = &cc
	}
	return &MapStore{conns: m}
}

// LoadFileStore reads the connection file referenced by
// PROMPTFLOW_CONNECTIONS: a mapping of name to {type, configs, secrets},
// in YAML or JSON.
func LoadFileStore(path string) (*MapStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}
	var conns map[string]*Connection
	if err := yaml.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("failed to parse connections file %s: %w", path, err)
	}
	return NewMapStore(conns), nil
}

// Get implements Store.
func (s *MapStore) Get(name string, withSecrets bool) (*Connection, error) {
	c, ok := s.conns[name]
	if !ok {
		return nil, errs.User(errs.CodeConnectionNotFound, "connection %q not found", name)
	}
	out := &Connection{Name: c.Name, Type: c.Type, Configs: c.Configs}
	if withSecrets {
		out.Secrets = c.Secrets
	} else if len(c.Secrets) > 0 {
		out.Secrets = make(map[string]string, len(c.Secrets))
		for k := range c.Secrets {
			out.Secrets[k] = ScrubbedValue
		}
	}
	return out, nil
}

// List implements Store.
func (s *MapStore) List() []string {
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	return names
}
