// Package arbitrage selects the cheapest healthy provider for a capability
// and fails over on transport errors.
package arbitrage

import (
	"context"
	"errors"
	"log"
	"sort"

	"github.com/wopr/platform/internal/catalog"
	"github.com/wopr/platform/internal/circuitbreaker"
	"github.com/wopr/platform/internal/money"
	"github.com/wopr/platform/internal/providers"
)

// ErrNoProviderAvailable means every eligible candidate was unhealthy or
// unreachable. The gateway maps it to 503.
var ErrNoProviderAvailable = errors.New("no_provider_available")

// Result is a completed, routed call.
type Result struct {
	Provider string
	Rate     *catalog.ProviderRate
	Response *providers.Response
}

// Router prices a request against every eligible provider and invokes them
// cheapest first.
type Router struct {
	catalog  *catalog.Catalog
	registry *providers.Registry
	breakers *circuitbreaker.Manager
	logger   *log.Logger
}

func NewRouter(cat *catalog.Catalog, reg *providers.Registry) *Router {
	return &Router{
		catalog:  cat,
		registry: reg,
		breakers: circuitbreaker.NewManager(nil),
		logger:   log.New(log.Writer(), "[ARBITRAGE] ", log.LstdFlags),
	}
}

// BreakerStats exposes the per-provider circuit state for diagnostics.
func (r *Router) BreakerStats() map[string]circuitbreaker.Stats {
	return r.breakers.Stats()
}

// invoke runs one provider call through that provider's circuit breaker.
// Only transport failures count against the circuit; a vendor rejection
// still proves the provider is reachable.
func (r *Router) invoke(ctx context.Context, adapter providers.Adapter, req *providers.Request, rate *catalog.ProviderRate) (*providers.Response, error) {
	cb := r.breakers.Get(adapter.Name())
	generation, err := cb.Allow()
	if err != nil {
		r.logger.Printf("⚠️  Provider %s circuit %s, skipping", adapter.Name(), cb.State())
		return nil, providers.ErrUpstreamUnreachable
	}
	resp, err := adapter.Invoke(ctx, req, rate)
	cb.Record(generation, !errors.Is(err, providers.ErrUpstreamUnreachable))
	return resp, err
}

type candidate struct {
	adapter  providers.Adapter
	rate     *catalog.ProviderRate
	estimate money.Cost
}

// Route invokes the cheapest eligible provider for the request. On a
// transport failure it advances to the next candidate; vendor HTTP errors
// are returned as-is because retrying a rejected request elsewhere would
// double-bill the tenant on partial successes.
func (r *Router) Route(ctx context.Context, req *providers.Request) (*Result, error) {
	rates := r.catalog.Eligible(req.Capability, req.Model)
	if len(rates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	candidates := make([]candidate, 0, len(rates))
	for _, rate := range rates {
		adapter, ok := r.registry.Get(rate.Provider)
		if !ok {
			continue
		}
		if !adapter.Healthy(ctx) {
			r.logger.Printf("⚠️  Skipping unhealthy provider %s for %s", rate.Provider, req.Capability)
			continue
		}
		est, err := adapter.Estimate(req, rate)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{adapter: adapter, rate: rate, estimate: est})
	}
	if len(candidates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].estimate < candidates[j].estimate
	})

	var lastErr error
	for _, c := range candidates {
		resp, err := r.invoke(ctx, c.adapter, req, c.rate)
		if err != nil {
			if errors.Is(err, providers.ErrUpstreamUnreachable) {
				r.logger.Printf("⚠️  Provider %s unreachable, trying next: %v", c.adapter.Name(), err)
				lastErr = err
				continue
			}
			return nil, err
		}
		return &Result{Provider: c.adapter.Name(), Rate: c.rate, Response: resp}, nil
	}

	if lastErr != nil {
		return nil, errors.Join(ErrNoProviderAvailable, lastErr)
	}
	return nil, ErrNoProviderAvailable
}

// Designated invokes one named provider directly, bypassing cost ranking.
// Streaming calls use this path.
func (r *Router) Designated(ctx context.Context, providerName string, req *providers.Request) (*Result, error) {
	rate, err := r.catalog.Rate(req.Capability, providerName)
	if err != nil {
		return nil, ErrNoProviderAvailable
	}
	adapter, ok := r.registry.Get(providerName)
	if !ok || !adapter.Healthy(ctx) {
		return nil, ErrNoProviderAvailable
	}
	resp, err := r.invoke(ctx, adapter, req, rate)
	if err != nil {
		return nil, err
	}
	return &Result{Provider: providerName, Rate: rate, Response: resp}, nil
}
