// Package rates retrieves exchange-rate snapshots for the currency
// converter. Snapshots are fetched once per base currency for the life of
// the process; a shared Redis layer can sit between the process cache and
// the upstream API.
package rates

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/metrics"
)

// ErrNoRates is returned when a provider has nothing for the requested base.
var ErrNoRates = errors.New("rates: no rates available")

// Provider returns a rate snapshot for a base currency.
type Provider interface {
	GetRates(ctx context.Context, base string) (currency.RateSnapshot, error)
}

// StaticProvider serves fixed snapshots, keyed by base. A snapshot stored
// under "" answers any base; ratios do not depend on the pivot.
type StaticProvider struct {
	snapshots map[string]currency.RateSnapshot
}

// NewStaticProvider serves s for every base currency.
func NewStaticProvider(s currency.RateSnapshot) *StaticProvider {
	return &StaticProvider{snapshots: map[string]currency.RateSnapshot{"": s}}
}

// With adds a snapshot for one base currency.
func (p *StaticProvider) With(base string, s currency.RateSnapshot) *StaticProvider {
	p.snapshots[strings.ToUpper(base)] = s
	return p
}

func (p *StaticProvider) GetRates(_ context.Context, base string) (currency.RateSnapshot, error) {
	if s, ok := p.snapshots[strings.ToUpper(base)]; ok {
		return s, nil
	}
	if s, ok := p.snapshots[""]; ok && !s.Empty() {
		return s, nil
	}
	return currency.RateSnapshot{}, ErrNoRates
}

// Cache memoizes snapshots per base currency for the process lifetime.
// Concurrent callers asking for the same base share one upstream fetch.
// Failed fetches are not cached.
type Cache struct {
	next Provider

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	done chan struct{}
	snap currency.RateSnapshot
	err  error
}

// NewCache wraps next.
func NewCache(next Provider) *Cache {
	return &Cache{next: next, entries: make(map[string]*entry)}
}

func (c *Cache) GetRates(ctx context.Context, base string) (currency.RateSnapshot, error) {
	base = strings.ToUpper(base)

	c.mu.Lock()
	e, ok := c.entries[base]
	if !ok {
		e = &entry{done: make(chan struct{})}
		c.entries[base] = e
		c.mu.Unlock()

		e.snap, e.err = c.next.GetRates(ctx, base)
		if e.err != nil {
			c.mu.Lock()
			delete(c.entries, base)
			c.mu.Unlock()
			metrics.RateFetches.WithLabelValues("process", "error").Inc()
		}
		close(e.done)
		return e.snap, e.err
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		metrics.RateFetches.WithLabelValues("process", "hit").Inc()
		return e.snap, e.err
	case <-ctx.Done():
		return currency.RateSnapshot{}, ctx.Err()
	}
}

// Invalidate drops the cached snapshot for base so the next call refetches.
func (c *Cache) Invalidate(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.ToUpper(base))
}
