package geocoding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

// Query carries the classifier's location hints.
type Query struct {
	Region        string
	Province      string
	District      string
	SpecificPlace string
	Model         *domain.Coordinates
}

// Result is a resolved point. The zero value means ungeocoded.
type Result struct {
	Coordinates domain.Coordinates
	Tier        domain.GeoTier
	PlaceID     string
	Strategy    string
}

// Resolved reports whether any tier matched.
func (r Result) Resolved() bool {
	return r.Tier != domain.TierNone
}

// Strategy captures a single resolution tier.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, q Query) (Result, bool)
}

// Registry keeps a mapping from strategy names to their implementations.
type Registry struct {
	strategies map[string]Strategy
	gazetteer  *Gazetteer
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: map[string]Strategy{}}
}

// Register adds or replaces a strategy implementation.
func (r *Registry) Register(strategy Strategy) {
	if r.strategies == nil {
		r.strategies = map[string]Strategy{}
	}
	r.strategies[strategy.Name()] = strategy
}

// Resolve returns a strategy by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Strategy, error) {
	if strategy, ok := r.strategies[name]; ok {
		return strategy, nil
	}
	return nil, fmt.Errorf("geocoding strategy %s is not registered", name)
}

// Names lists registered strategies alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultOrder is the tier order, most precise first.
func DefaultOrder() []string {
	return []string{"specific", "district", "province", "region", "estimated"}
}

// NewDefaultRegistry registers the built-in strategies over gaz. geocoder may
// be nil, in which case the specific tier only accepts model coordinates.
func NewDefaultRegistry(gaz *Gazetteer, geocoder ports.Geocoder, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	reg.Register(&SpecificStrategy{Geocoder: geocoder, Logger: logger})
	reg.Register(&DistrictStrategy{Gazetteer: gaz})
	reg.Register(&ProvinceStrategy{Gazetteer: gaz})
	reg.Register(&RegionStrategy{Gazetteer: gaz})
	reg.Register(EstimatedStrategy{})
	reg.gazetteer = gaz
	return reg
}
