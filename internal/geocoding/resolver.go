// Package geocoding resolves classifier location hints into coordinates by
// trying an ordered list of strategies, most precise tier first.
package geocoding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/textnorm"
)

// Resolver iterates strategies until one succeeds.
type Resolver struct {
	strategies []Strategy
	aliases    map[string]string
	gazetteer  *Gazetteer
	logger     *slog.Logger
}

// NewResolver builds a resolver from strategy names in reg. regionAliases
// maps variant region spellings (any case or accents) to the gazetteer name.
func NewResolver(reg *Registry, order []string, regionAliases map[string]string, logger *slog.Logger) (*Resolver, error) {
	if len(order) == 0 {
		order = DefaultOrder()
	}
	if logger == nil {
		logger = slog.Default()
	}

	strategies := make([]Strategy, 0, len(order))
	seen := map[string]bool{}
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			return nil, fmt.Errorf("geocoding strategy %s listed twice", name)
		}
		seen[name] = true
		s, err := reg.Resolve(name)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}

	aliases := make(map[string]string, len(regionAliases))
	for from, to := range regionAliases {
		aliases[textnorm.Fold(from)] = to
	}

	return &Resolver{
		strategies: strategies,
		aliases:    aliases,
		gazetteer:  reg.gazetteer,
		logger:     logger.With("component", "geocoding"),
	}, nil
}

// Resolve returns the first successful strategy result, or the zero Result.
func (r *Resolver) Resolve(ctx context.Context, q Query) Result {
	q.Region = r.CanonicalRegion(q.Region)

	for _, s := range r.strategies {
		if ctx.Err() != nil {
			return Result{}
		}
		res, ok := s.Attempt(ctx, q)
		if !ok {
			continue
		}
		if !res.Tier.Valid() || res.Tier == domain.TierNone || !res.Coordinates.Usable() {
			r.logger.Warn("strategy returned unusable result", "strategy", s.Name(), "tier", res.Tier)
			continue
		}
		res.Strategy = s.Name()
		return res
	}
	return Result{}
}

// Strategies lists the configured order.
func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// CanonicalRegion maps a region hint through the aliases, then onto the
// gazetteer spelling. Unknown regions come back with whitespace collapsed.
func (r *Resolver) CanonicalRegion(region string) string {
	region = strings.Join(strings.Fields(region), " ")
	if to, ok := r.aliases[textnorm.Fold(region)]; ok {
		region = to
	}
	if name, ok := r.gazetteer.RegionName(region); ok {
		return name
	}
	return region
}
