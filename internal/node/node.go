// Package node is the host-graph boundary: each optional feature of the
// sampler is exposed as a typed node that validates its parameters once
// and produces a closed option struct. The host runtime only ever sees
// specs (for UI) and opaque built values (for wiring).
package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

var (
	ErrDuplicateNode = errors.New("node name already registered")
	ErrUnknownNode   = errors.New("unknown node")
	ErrBadParams     = errors.New("invalid node parameters")
)

// Port describes a typed connection point.
type Port struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Param describes one configurable value, for host UI generation.
type Param struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Default any      `json:"default,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Spec is the host-visible description of a node.
type Spec struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
	Inputs      []Port  `json:"inputs,omitempty"`
	Outputs     []Port  `json:"outputs,omitempty"`
}

// Builder turns raw host parameters into a validated option value.
type Builder interface {
	Spec() Spec
	Build(raw json.RawMessage) (any, error)
}

// Registry holds the node set exposed to the host runtime.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Builder)}
}

// Register adds a builder; duplicate names are a programmer error
// surfaced as ErrDuplicateNode.
func (r *Registry) Register(b Builder) error {
	name := b.Spec().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, name)
	}
	r.byName[name] = b
	return nil
}

// Lookup resolves a builder by node name.
func (r *Registry) Lookup(name string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return b, nil
}

// Build is the one-step lookup-and-construct used by the API layer.
func (r *Registry) Build(name string, raw json.RawMessage) (any, error) {
	b, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return b.Build(raw)
}

// Specs lists all registered node specs, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.byName))
	for _, b := range r.byName {
		specs = append(specs, b.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Default returns a registry with every built-in node registered.
func Default() *Registry {
	r := NewRegistry()
	for _, b := range builtins() {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
	return r
}

// decode unmarshals params strictly enough to catch shape mistakes early.
func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}
