package provider

import (
	"fmt"
	"net/http"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
)

// Registry resolves tiers to the adapters compared under them.
type Registry struct {
	cfg      *config.Config
	adapters map[string]Adapter
}

// NewRegistry builds one adapter per configured provider.
func NewRegistry(cfg *config.Config, client *http.Client) (*Registry, error) {
	r := &Registry{cfg: cfg, adapters: make(map[string]Adapter, len(cfg.Providers))}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "", "openai":
			r.adapters[p.Name] = NewOpenAI(p.Name, p.URL, p.APIKey, p.Model, p.MaxTokens, client)
		case "anthropic":
			r.adapters[p.Name] = NewAnthropic(p.Name, p.URL, p.APIKey, p.Model, p.MaxTokens, client)
		case "scripted":
			r.adapters[p.Name] = NewScripted(p.Name, Script{Echo: true})
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	return r, nil
}

// NewStaticRegistry wraps prebuilt adapters; cfg supplies the tier mapping.
func NewStaticRegistry(cfg *config.Config, adapters ...Adapter) *Registry {
	r := &Registry{cfg: cfg, adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Resolve returns the adapters for a tier in configured order.
func (r *Registry) Resolve(tier models.Tier) ([]Adapter, error) {
	t, ok := r.cfg.Tier(tier)
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	out := make([]Adapter, 0, len(t.Providers))
	for _, name := range t.Providers {
		a, ok := r.adapters[name]
		if !ok {
			return nil, fmt.Errorf("tier %q: provider %q not registered", tier, name)
		}
		out = append(out, a)
	}
	return out, nil
}
