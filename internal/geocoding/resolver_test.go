package geocoding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/textnorm"
)

func testPlaces() []domain.GazetteerPlace {
	return []domain.GazetteerPlace{
		{PlaceID: "150101", Region: "Lima", Province: "Lima", District: "Lima", Lat: -12.0464, Lon: -77.0428},
		{PlaceID: "150122", Region: "Lima", Province: "Lima", District: "Miraflores", Lat: -12.1211, Lon: -77.0297},
		{PlaceID: "080101", Region: "Cusco", Province: "Cusco", District: "Cusco", Lat: -13.5319, Lon: -71.9675},
		{PlaceID: "080801", Region: "Cusco", Province: "Espinar", District: "Espinar", Lat: -14.7931, Lon: -71.4122},
		{PlaceID: "020101", Region: "Áncash", Province: "Huaraz", District: "Huaraz", Lat: -9.5278, Lon: -77.5278},
		{PlaceID: "020701", Region: "Áncash", Province: "Huari", District: "Huari", Lat: -9.3478, Lon: -77.1711},
	}
}

func newTestResolver(t *testing.T, places []domain.GazetteerPlace, geocoder *fakeGeocoder, order ...string) *Resolver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewDefaultRegistry(NewGazetteer(places), nilIfEmpty(geocoder), logger)
	r, err := NewResolver(reg, order, map[string]string{"cuzco": "Cusco", "ancash": "Áncash", "Lima Metropolitana": "Lima"}, logger)
	require.NoError(t, err)
	return r
}

func coords(lat, lon float64) *domain.Coordinates {
	return &domain.Coordinates{Lat: lat, Lon: lon}
}

func TestResolveExactDistrictTriple(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, testPlaces(), nil)
	res := r.Resolve(context.Background(), Query{Region: "Lima", Province: "Lima", District: "Lima"})

	assert.Equal(t, domain.TierDistrict, res.Tier)
	assert.Equal(t, domain.Coordinates{Lat: -12.0464, Lon: -77.0428}, res.Coordinates)
	assert.Equal(t, "150101", res.PlaceID)
	assert.Equal(t, "district", res.Strategy)
}

func TestResolveFallbackOrder(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, testPlaces(), nil)
	model := coords(-12.5, -76.9)

	cases := []struct {
		name  string
		q     Query
		tier  domain.GeoTier
		place string
	}{
		{name: "specific from model", q: Query{Region: "Lima", Province: "Lima", District: "Miraflores", SpecificPlace: "Parque Kennedy", Model: model}, tier: domain.TierSpecific},
		{name: "specific equal to district is ignored", q: Query{Region: "Lima", Province: "Lima", District: "Miraflores", SpecificPlace: "miraflores", Model: model}, tier: domain.TierDistrict, place: "150122"},
		{name: "specific without coords falls through", q: Query{Region: "Lima", Province: "Lima", District: "Miraflores", SpecificPlace: "Parque Kennedy"}, tier: domain.TierDistrict, place: "150122"},
		{name: "accent and case folding", q: Query{Region: "LIMA", Province: "lima", District: "MIRAFLÓRES"}, tier: domain.TierDistrict, place: "150122"},
		{name: "unknown district uses province capital", q: Query{Region: "Cusco", Province: "Espinar", District: "Pallpata"}, tier: domain.TierProvince, place: "080801"},
		{name: "province only", q: Query{Region: "Áncash", Province: "Huari"}, tier: domain.TierProvince, place: "020701"},
		{name: "region alias", q: Query{Region: "Cuzco"}, tier: domain.TierRegion, place: "080101"},
		// The fixture has no (Áncash, Áncash, Áncash) capital.
		{name: "region without capital", q: Query{Region: "ancash", Province: "Desconocida"}, tier: domain.TierNone},
		{name: "estimated", q: Query{Region: "Atlantis", Model: model}, tier: domain.TierEstimated},
		{name: "null island rejected", q: Query{Region: "Atlantis", Model: coords(0, 0)}, tier: domain.TierNone},
		{name: "nothing", q: Query{}, tier: domain.TierNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := r.Resolve(context.Background(), tc.q)
			assert.Equal(t, tc.tier, res.Tier)
			assert.Equal(t, tc.tier != domain.TierNone, res.Resolved())
			if tc.place != "" {
				assert.Equal(t, tc.place, res.PlaceID)
			}
			if !res.Resolved() {
				assert.Equal(t, Result{}, res)
			}
		})
	}
}

func TestDistrictCentroidIndependentOfGazetteerOrder(t *testing.T) {
	t.Parallel()

	places := append(testPlaces(),
		domain.GazetteerPlace{PlaceID: "150199", Region: "lima", Province: "LIMA", District: "Lima", Lat: -12.9, Lon: -77.9},
		domain.GazetteerPlace{PlaceID: "150100", Region: "Lima", Province: "Lima", District: "Líma", Lat: 0, Lon: 0},
	)
	want := domain.Coordinates{Lat: -12.0464, Lon: -77.0428}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]domain.GazetteerPlace(nil), places...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		r := newTestResolver(t, shuffled, nil)
		res := r.Resolve(context.Background(), Query{Region: "Lima", Province: "Lima", District: "Lima"})
		require.Equal(t, domain.TierDistrict, res.Tier)
		require.Equal(t, want, res.Coordinates, "iteration %d", i)
	}
}

func TestTierHonesty(t *testing.T) {
	t.Parallel()

	gaz := NewGazetteer(testPlaces())
	r := newTestResolver(t, testPlaces(), nil)

	rng := rand.New(rand.NewSource(11))
	regions := []string{"", "Lima", "Cusco", "Áncash", "Nowhere"}
	provinces := []string{"", "Lima", "Cusco", "Espinar", "Huari", "Nowhere"}
	districts := []string{"", "Lima", "Miraflores", "Espinar", "Nowhere"}

	for i := 0; i < 500; i++ {
		q := Query{
			Region:   regions[rng.Intn(len(regions))],
			Province: provinces[rng.Intn(len(provinces))],
			District: districts[rng.Intn(len(districts))],
		}
		if rng.Intn(2) == 0 {
			q.Model = coords(-10+rng.Float64(), -75+rng.Float64())
		}
		res := r.Resolve(context.Background(), q)

		switch res.Tier {
		case domain.TierDistrict:
			p, ok := gaz.Lookup(q.Region, q.Province, q.District)
			require.True(t, ok)
			require.Equal(t, p.Centroid(), res.Coordinates)
		case domain.TierProvince:
			p, ok := gaz.Lookup(q.Region, q.Province, q.Province)
			require.True(t, ok)
			require.Equal(t, p.Centroid(), res.Coordinates)
		case domain.TierEstimated:
			require.NotNil(t, q.Model)
			require.Equal(t, *q.Model, res.Coordinates)
		case domain.TierNone:
			require.Equal(t, domain.Coordinates{}, res.Coordinates)
		}
	}
}

func TestSpecificPrefersExternalGeocoder(t *testing.T) {
	t.Parallel()

	geo := &fakeGeocoder{answers: map[string]domain.Coordinates{"Parque Kennedy|Lima": {Lat: -12.1219, Lon: -77.0297}}}
	r := newTestResolver(t, testPlaces(), geo)

	res := r.Resolve(context.Background(), Query{Region: "Lima", Province: "Lima", District: "Miraflores", SpecificPlace: "Parque Kennedy", Model: coords(-12.5, -76.9)})
	assert.Equal(t, domain.TierSpecific, res.Tier)
	assert.Equal(t, domain.Coordinates{Lat: -12.1219, Lon: -77.0297}, res.Coordinates)

	res = r.Resolve(context.Background(), Query{Region: "Lima", Province: "Lima", District: "Miraflores", SpecificPlace: "Calle Inexistente"})
	assert.Equal(t, domain.TierDistrict, res.Tier, "geocoder miss without model coords falls through")
}

func TestConfiguredOrder(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, testPlaces(), nil, "region", "estimated")
	assert.Equal(t, []string{"region", "estimated"}, r.Strategies())

	res := r.Resolve(context.Background(), Query{Region: "Lima", Province: "Lima", District: "Miraflores"})
	assert.Equal(t, domain.TierRegion, res.Tier)

	_, err := NewResolver(NewRegistry(), []string{"district"}, nil, nil)
	require.Error(t, err)

	_, err = NewResolver(NewDefaultRegistry(nil, nil, nil), []string{"region", "region"}, nil, nil)
	require.Error(t, err)
}

func TestCachedGeocoder(t *testing.T) {
	t.Parallel()

	geo := &fakeGeocoder{answers: map[string]domain.Coordinates{"Plaza de Armas|Cusco": {Lat: -13.5167, Lon: -71.9788}}}
	cached, err := NewCachedGeocoder(geo, 8)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, ok, err := cached.Geocode(ctx, "Plaza de  Armas", "cusco")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, -13.5167, c.Lat, 1e-9)
	}
	for i := 0; i < 2; i++ {
		_, ok, err := cached.Geocode(ctx, "Nowhere", "Cusco")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	geo.fail = true
	_, _, err = cached.Geocode(ctx, "Broken", "Cusco")
	require.Error(t, err)
	geo.fail = false
	_, _, err = cached.Geocode(ctx, "Broken", "Cusco")
	require.NoError(t, err, "errors are not cached")

	stats := cached.Stats()
	assert.EqualValues(t, 3, stats.Hits)
	assert.EqualValues(t, 4, stats.Misses)
	assert.Equal(t, 4, geo.callCount())
	assert.Equal(t, 3, stats.Size)
}

func TestCachedGeocoderConcurrent(t *testing.T) {
	t.Parallel()

	geo := &fakeGeocoder{answers: map[string]domain.Coordinates{"A|B": {Lat: -1, Lon: -1}}}
	cached, err := NewCachedGeocoder(geo, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := cached.Geocode(context.Background(), "a", "b")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, geo.callCount(), 32)
	assert.Equal(t, 1, cached.Stats().Size)
}

func TestGazetteerSkipsUnusablePlaces(t *testing.T) {
	t.Parallel()

	g := NewGazetteer([]domain.GazetteerPlace{
		{PlaceID: "1", Region: "X", Province: "X", District: "X", Lat: 0, Lon: 0},
		{PlaceID: "2", Region: "X", Province: "X", District: "", Lat: -1, Lon: -1},
		{PlaceID: "10", Region: "Y", Province: "Y", District: "Y", Lat: -2, Lon: -2},
		{PlaceID: "9", Region: "Y", Province: "Y", District: "Y", Lat: -3, Lon: -3},
	})
	assert.Equal(t, 1, g.Len())
	p, ok := g.Lookup("y", "Y", "y")
	require.True(t, ok)
	assert.Equal(t, "9", p.PlaceID, "numeric ids compare numerically")
}

func nilIfEmpty(g *fakeGeocoder) ports.Geocoder {
	if g == nil {
		return nil
	}
	return g
}

func foldKey(s string) string {
	return textnorm.Fold(s)
}

type fakeGeocoder struct {
	mu      sync.Mutex
	answers map[string]domain.Coordinates
	fail    bool
	calls   int
}

func (f *fakeGeocoder) Geocode(_ context.Context, place, region string) (domain.Coordinates, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return domain.Coordinates{}, false, errors.New("upstream down")
	}
	for key, c := range f.answers {
		if foldKey(key) == foldKey(place+"|"+region) {
			return c, true, nil
		}
	}
	return domain.Coordinates{}, false, nil
}

func (f *fakeGeocoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCanonicalRegion(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, testPlaces(), nil)
	tests := []struct {
		in   string
		want string
	}{
		{in: "Lima", want: "Lima"},
		{in: "LIMA", want: "Lima"},
		{in: " Lima  Metropolitana ", want: "Lima"},
		{in: "cuzco", want: "Cusco"},
		{in: "ANCASH", want: "Áncash"},
		{in: "Puno", want: "Puno"},
		{in: "", want: ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, r.CanonicalRegion(tc.in), tc.in)
	}
}
