package authority

import (
	"sync"

	"github.com/erilink/eri-gateway/internal/config"
)

// Registry hands out one Client per tenant so that logins are shared.
type Registry struct {
	cfg  config.Authority
	deps Deps

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry returns a Registry building clients from cfg and deps.
func NewRegistry(cfg config.Authority, deps Deps) *Registry {
	return &Registry{cfg: cfg, deps: deps, clients: make(map[string]*Client)}
}

// For returns the tenant's client, creating it on first use.
func (r *Registry) For(tenantID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[tenantID]
	if !ok {
		c = New(r.cfg, tenantID, r.deps)
		r.clients[tenantID] = c
	}
	return c
}

// MockMode reports whether clients fabricate responses.
func (r *Registry) MockMode() bool { return r.cfg.MockMode }
