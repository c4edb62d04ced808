package providers

import (
	"context"
	"sync"
	"time"

	"multillm-api/internal/metrics"
	"multillm-api/internal/shared"

	"go.uber.org/zap"
)

type healthState struct {
	healthy   bool
	checkedAt time.Time
	lastError error
}

// Registry owns the set of configured providers. Health results are cached
// briefly so selection does not probe backends on every request.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	health    map[string]healthState

	healthTTL time.Duration
	log       *zap.SugaredLogger
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		providers: make(map[string]Provider),
		health:    make(map[string]healthState),
		healthTTL: shared.ProviderHealthTTL,
		log:       log,
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
	r.log.Infow("Provider registered", "provider", p.Name(), "models", p.Models())
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Healthy reports the cached health of a provider, probing the backend when
// the cached state has expired.
func (r *Registry) Healthy(ctx context.Context, name string) bool {
	r.mu.RLock()
	p, ok := r.providers[name]
	state, cached := r.health[name]
	ttl := r.healthTTL
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if cached && time.Since(state.checkedAt) < ttl {
		return state.healthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.HealthCheck(probeCtx)

	state = healthState{healthy: err == nil, checkedAt: time.Now(), lastError: err}
	r.mu.Lock()
	r.health[name] = state
	r.mu.Unlock()

	if err != nil {
		metrics.ProviderHealth.WithLabelValues(name).Set(0)
		r.log.Warnw("Provider failed health check", "provider", name, "error", err.Error())
		return false
	}
	metrics.ProviderHealth.WithLabelValues(name).Set(1)
	return true
}

// Select picks the first healthy provider from the preference list, falling
// back to any healthy provider in registration order.
func (r *Registry) Select(ctx context.Context, preferences []string) (Provider, error) {
	for _, name := range preferences {
		if p, ok := r.Get(name); ok && r.Healthy(ctx, name) {
			return p, nil
		}
	}
	for _, name := range r.Names() {
		if r.Healthy(ctx, name) {
			p, _ := r.Get(name)
			return p, nil
		}
	}
	return nil, shared.ErrNoHealthyBackend
}

// ResolveModel finds the provider serving a model identifier. Empty model
// matches nothing.
func (r *Registry) ResolveModel(model string) (Provider, bool) {
	if model == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		p := r.providers[name]
		for _, m := range p.Models() {
			if m == model {
				return p, true
			}
		}
	}
	return nil, false
}

// Status describes one provider for the providers listing route.
type Status struct {
	Name    string   `json:"name"`
	Models  []string `json:"models"`
	Healthy bool     `json:"healthy"`
	Error   string   `json:"error,omitempty"`
}

func (r *Registry) Statuses(ctx context.Context) []Status {
	names := r.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		p, _ := r.Get(name)
		healthy := r.Healthy(ctx, name)

		r.mu.RLock()
		state := r.health[name]
		r.mu.RUnlock()

		s := Status{Name: name, Models: p.Models(), Healthy: healthy}
		if state.lastError != nil {
			s.Error = state.lastError.Error()
		}
		out = append(out, s)
	}
	return out
}
