package mirror

import (
	"context"
	"sync"
	"time"

	"sonicpact.io/internal/pact"
)

// Projection is the eventually-consistent read model keyed by deal address.
// It exists for display only; it is never consulted for authorization and may
// lag the engine between events.
type Projection struct {
	mu        sync.RWMutex
	platform  *pact.Platform
	deals     map[string]pact.Deal
	refreshed time.Time
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{deals: make(map[string]pact.Deal)}
}

// Run consumes events from the stream until ctx ends.
func (p *Projection) Run(ctx context.Context, s *Stream) {
	for evt := range s.Subscribe(ctx) {
		p.Apply(evt)
	}
}

// Apply folds one event into the read model.
func (p *Projection) Apply(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if evt.Platform != nil {
		cp := *evt.Platform
		p.platform = &cp
	}
	if evt.Deal != nil {
		p.deals[evt.Deal.Address] = *evt.Deal
	}
	p.refreshed = evt.Timestamp
}

// Deal returns the last seen snapshot of a deal.
func (p *Projection) Deal(address string) (pact.Deal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.deals[address]
	return d, ok
}

// Deals returns every deal snapshot the projection has seen.
func (p *Projection) Deals() []pact.Deal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]pact.Deal, 0, len(p.deals))
	for _, d := range p.deals {
		out = append(out, d)
	}
	return out
}

// Platform returns the last seen platform snapshot.
func (p *Projection) Platform() (pact.Platform, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.platform == nil {
		return pact.Platform{}, false
	}
	return *p.platform, true
}

// RefreshedAt reports the timestamp of the last applied event.
func (p *Projection) RefreshedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refreshed
}
