package breaker

import "sync"

// Registry holds one breaker per source key, created lazily on first
// use. Different sources never contend on the same lock.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. All breakers share cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given source key, creating it on
// first use.
func (r *Registry) Get(sourceKey string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[sourceKey]
	if !ok {
		b = New(r.cfg, r.opts...)
		r.breakers[sourceKey] = b
	}
	return b
}

// States returns the current state of every known breaker, keyed by
// source. Used by the metrics gauge.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	keyed := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		keyed[k] = b
	}
	r.mu.Unlock()

	states := make(map[string]State, len(keyed))
	for k, b := range keyed {
		states[k] = b.State()
	}
	return states
}
