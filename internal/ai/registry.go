package ai

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

var ErrUnknownProvider = errors.New("unknown ai provider")

// Registry routes a session's provider name to a factory. Names are
// case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	fallback  string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault selects the provider used when a session names none.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = normalize(name)
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalize(name)
	r.mu.RLock()
	if name == "" {
		name = r.fallback
	}
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessage(ErrUnknownProvider, name)
	}
	return f(ctx, model)
}
