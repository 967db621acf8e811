// Package search fronts heterogeneous search backends with a priority
// registry and a resilient aggregator.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Tier groups providers by cost and quality for complexity-adaptive ordering.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// Source is one cited document behind a result.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Raw     string `json:"raw,omitempty"`
}

// Result is the text returned by one provider plus its provenance.
type Result struct {
	Provider string   `json:"provider"`
	Text     string   `json:"text"`
	Sources  []Source `json:"sources,omitempty"`
}

// Empty reports whether the result carries nothing usable.
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	if strings.TrimSpace(r.Text) != "" {
		return false
	}
	for _, s := range r.Sources {
		if strings.TrimSpace(s.Content) != "" || strings.TrimSpace(s.Raw) != "" {
			return false
		}
	}
	return true
}

// URLs lists the source URLs in order.
func (r *Result) URLs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.URL != "" {
			out = append(out, s.URL)
		}
	}
	return out
}

// Provider is one search backend. Lower priority is tried first. Search may
// return an error; the aggregator treats errors, panics and empty results
// alike as "no result".
type Provider interface {
	Name() string
	Priority() int
	Tier() Tier
	Search(ctx context.Context, query string) (*Result, error)
}

// Registry orders providers by priority. Ties keep registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates a registry pre-populated with providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.providers {
		if existing.Name() == p.Name() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// Unregister removes the provider called name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.providers {
		if p.Name() == name {
			r.providers = append(r.providers[:i], r.providers[i+1:]...)
			return true
		}
	}
	return false
}

// ListByPriority returns a snapshot ordered by ascending priority.
func (r *Registry) ListByPriority() []Provider {
	r.mu.RLock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// preferTier moves providers of tier to the front, keeping priority order
// within both partitions.
func preferTier(providers []Provider, tier Tier) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Tier() == tier {
			out = append(out, p)
		}
	}
	for _, p := range providers {
		if p.Tier() != tier {
			out = append(out, p)
		}
	}
	return out
}
