package geocoding

import (
	"cmp"
	"slices"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/textnorm"
)

type tripleKey struct {
	region   string
	province string
	district string
}

func keyOf(region, province, district string) tripleKey {
	return tripleKey{
		region:   textnorm.Fold(region),
		province: textnorm.Fold(province),
		district: textnorm.Fold(district),
	}
}

// Gazetteer is an immutable in-memory index of reference places keyed by
// normalized (region, province, district).
type Gazetteer struct {
	byTriple map[tripleKey]domain.GazetteerPlace
	regions  map[string]string
}

// NewGazetteer indexes places. When two places share a triple the one with
// the smallest PlaceID wins, so the index does not depend on input order.
// Places without usable coordinates are skipped.
func NewGazetteer(places []domain.GazetteerPlace) *Gazetteer {
	g := &Gazetteer{
		byTriple: make(map[tripleKey]domain.GazetteerPlace, len(places)),
		regions:  map[string]string{},
	}
	for _, p := range places {
		if !p.Centroid().Usable() {
			continue
		}
		k := keyOf(p.Region, p.Province, p.District)
		if k.district == "" {
			continue
		}
		if prev, ok := g.byTriple[k]; ok && comparePlaceID(prev.PlaceID, p.PlaceID) <= 0 {
			continue
		}
		g.byTriple[k] = p
	}
	for _, p := range g.byTriple {
		k := textnorm.Fold(p.Region)
		if prev, ok := g.regions[k]; !ok || p.Region < prev {
			g.regions[k] = p.Region
		}
	}
	return g
}

// Lookup finds the place for an exact normalized triple.
func (g *Gazetteer) Lookup(region, province, district string) (domain.GazetteerPlace, bool) {
	if g == nil {
		return domain.GazetteerPlace{}, false
	}
	p, ok := g.byTriple[keyOf(region, province, district)]
	return p, ok
}

// RegionName returns the gazetteer spelling of a region, matched after
// case and diacritic folding.
func (g *Gazetteer) RegionName(region string) (string, bool) {
	if g == nil {
		return "", false
	}
	name, ok := g.regions[textnorm.Fold(region)]
	return name, ok
}

// Len is the number of distinct triples.
func (g *Gazetteer) Len() int {
	if g == nil {
		return 0
	}
	return len(g.byTriple)
}

// Places returns the indexed places ordered by PlaceID.
func (g *Gazetteer) Places() []domain.GazetteerPlace {
	if g == nil {
		return nil
	}
	out := make([]domain.GazetteerPlace, 0, len(g.byTriple))
	for _, p := range g.byTriple {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.GazetteerPlace) int { return comparePlaceID(a.PlaceID, b.PlaceID) })
	return out
}

// comparePlaceID orders numeric IDs numerically ("9" < "10") and everything
// else lexically.
func comparePlaceID(a, b string) int {
	if na, nb, ok := numericPair(a, b); ok {
		return cmp.Compare(na, nb)
	}
	return cmp.Compare(a, b)
}

func numericPair(a, b string) (int64, int64, bool) {
	na, ok := parseDigits(a)
	if !ok {
		return 0, 0, false
	}
	nb, ok := parseDigits(b)
	if !ok {
		return 0, 0, false
	}
	return na, nb, true
}

func parseDigits(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
