package geocoding

import (
	"context"
	"log/slog"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/textnorm"
)

// SpecificStrategy resolves a sub-district place that differs from every
// administrative level. The external geocoder is preferred; model
// coordinates are the fallback.
type SpecificStrategy struct {
	Geocoder ports.Geocoder
	Logger   *slog.Logger
}

func (s *SpecificStrategy) Name() string { return "specific" }

func (s *SpecificStrategy) Attempt(ctx context.Context, q Query) (Result, bool) {
	place := textnorm.Fold(q.SpecificPlace)
	if place == "" {
		return Result{}, false
	}
	for _, level := range []string{q.District, q.Province, q.Region} {
		if place == textnorm.Fold(level) {
			return Result{}, false
		}
	}

	if s.Geocoder != nil {
		coords, ok, err := s.Geocoder.Geocode(ctx, q.SpecificPlace, q.Region)
		if err != nil && s.Logger != nil {
			s.Logger.Debug("external geocoder failed", "place", q.SpecificPlace, "region", q.Region, "error", err)
		}
		if ok && coords.Usable() {
			return Result{Coordinates: coords, Tier: domain.TierSpecific}, true
		}
	}

	if q.Model != nil && q.Model.Usable() {
		return Result{Coordinates: *q.Model, Tier: domain.TierSpecific}, true
	}
	return Result{}, false
}

// DistrictStrategy matches the exact (district, province, region) triple.
type DistrictStrategy struct {
	Gazetteer *Gazetteer
}

func (s *DistrictStrategy) Name() string { return "district" }

func (s *DistrictStrategy) Attempt(_ context.Context, q Query) (Result, bool) {
	if blank(q.District) || blank(q.Province) || blank(q.Region) {
		return Result{}, false
	}
	return fromPlace(s.Gazetteer, domain.TierDistrict, q.Region, q.Province, q.District)
}

// ProvinceStrategy uses the province capital: the district named like the
// province inside that province and region.
type ProvinceStrategy struct {
	Gazetteer *Gazetteer
}

func (s *ProvinceStrategy) Name() string { return "province" }

func (s *ProvinceStrategy) Attempt(_ context.Context, q Query) (Result, bool) {
	if blank(q.Province) || blank(q.Region) {
		return Result{}, false
	}
	return fromPlace(s.Gazetteer, domain.TierProvince, q.Region, q.Province, q.Province)
}

// RegionStrategy uses the region capital: the place named like the region at
// every level.
type RegionStrategy struct {
	Gazetteer *Gazetteer
}

func (s *RegionStrategy) Name() string { return "region" }

func (s *RegionStrategy) Attempt(_ context.Context, q Query) (Result, bool) {
	if blank(q.Region) {
		return Result{}, false
	}
	return fromPlace(s.Gazetteer, domain.TierRegion, q.Region, q.Region, q.Region)
}

// EstimatedStrategy accepts model coordinates at the lowest tier.
type EstimatedStrategy struct{}

func (EstimatedStrategy) Name() string { return "estimated" }

func (EstimatedStrategy) Attempt(_ context.Context, q Query) (Result, bool) {
	if q.Model == nil || !q.Model.Usable() {
		return Result{}, false
	}
	return Result{Coordinates: *q.Model, Tier: domain.TierEstimated}, true
}

func fromPlace(g *Gazetteer, tier domain.GeoTier, region, province, district string) (Result, bool) {
	p, ok := g.Lookup(region, province, district)
	if !ok {
		return Result{}, false
	}
	return Result{Coordinates: p.Centroid(), Tier: tier, PlaceID: p.PlaceID}, true
}

func blank(s string) bool {
	return textnorm.Fold(s) == ""
}
