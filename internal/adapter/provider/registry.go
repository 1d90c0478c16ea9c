// Package provider wires concrete LLM research providers behind the abstract
// Provider contract and owns the (provider, tool) capability table consulted
// at admission time.
package provider

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/deepr-dev/deepr/internal/domain"
)

//go:embed capabilities.yaml
var defaultCapabilities []byte

type capabilityFile struct {
	Providers map[string]struct {
		Tools []string `yaml:"tools"`
	} `yaml:"providers"`
}

// Capabilities declares which tools each provider supports.
type Capabilities map[string]map[domain.ToolKind]bool

// LoadCapabilities reads the capability table from path, or the embedded
// default when path is empty.
func LoadCapabilities(path string) (Capabilities, error) {
	data := defaultCapabilities
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=provider.load_capabilities: %w", err)
		}
		data = b
	}
	var f capabilityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("op=provider.load_capabilities: %w", err)
	}
	caps := Capabilities{}
	for name, p := range f.Providers {
		m := map[domain.ToolKind]bool{}
		for _, t := range p.Tools {
			m[domain.ToolKind(t)] = true
		}
		caps[name] = m
	}
	return caps, nil
}

// Registry holds named providers and their capabilities.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.Provider
	caps      Capabilities
}

// NewRegistry constructs an empty registry with the given capability table.
func NewRegistry(caps Capabilities) *Registry {
	return &Registry{providers: map[string]domain.Provider{}, caps: caps}
}

// Register adds or replaces a provider under its own name.
func (r *Registry) Register(p domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("op=provider.get name=%s: %w", name, domain.ErrNotFound)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

// Supports reports whether the named provider can run the given tool kind.
func (r *Registry) Supports(provider string, tool domain.ToolKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[provider][tool]
}

// ValidateTools checks every requested tool against the capability table.
// file_search is exempt: when a provider lacks it the core materialises the
// retrieval by injecting excerpts into the prompt.
func (r *Registry) ValidateTools(provider string, tools []domain.Tool) error {
	for _, t := range tools {
		if t.Kind == domain.ToolFileSearch {
			continue
		}
		if !r.Supports(provider, t.Kind) {
			return fmt.Errorf("op=provider.validate_tools provider=%s tool=%s: %w",
				provider, t.Kind, domain.ErrInvalidArgument)
		}
	}
	return nil
}
