package geocoder

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"IncidentEnricher/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *AzureMapsClient {
	t.Helper()
	c, err := NewAzureMapsClient(config.AzureMapsConfig{
		Key:         "secret",
		Endpoint:    endpoint,
		CountrySet:  "PE",
		CountryName: "Peru",
		Language:    "es-PE",
		MaxRetries:  2,
		Timeout:     time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestGeocodeSendsSearchParameters(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("query") != "Plaza San Martín, Lima, Peru" {
			t.Errorf("unexpected query %q", q.Get("query"))
		}
		if q.Get("subscription-key") != "secret" || q.Get("countrySet") != "PE" || q.Get("limit") != "1" || q.Get("api-version") != "1.0" {
			t.Errorf("unexpected params %v", q)
		}
		if q.Get("language") != "es-PE" {
			t.Errorf("unexpected language %q", q.Get("language"))
		}
		_, _ = w.Write([]byte(`{"results": [{"score": 9.1, "position": {"lat": -12.0516, "lon": -77.0347}}]}`))
	}))
	defer server.Close()

	coords, ok, err := newTestClient(t, server.URL).Geocode(context.Background(), "Plaza San Martín", "Lima")
	if err != nil || !ok {
		t.Fatalf("geocode: ok=%v err=%v", ok, err)
	}
	if coords.Lat != -12.0516 || coords.Lon != -77.0347 {
		t.Fatalf("unexpected coords %+v", coords)
	}
}

func TestGeocodeRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results": [{"position": {"lat": -13.5, "lon": -71.9}}]}`))
	}))
	defer server.Close()

	_, ok, err := newTestClient(t, server.URL).Geocode(context.Background(), "Sacsayhuamán", "Cusco")
	if err != nil || !ok {
		t.Fatalf("geocode: ok=%v err=%v", ok, err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestGeocodeMisses(t *testing.T) {
	t.Parallel()

	cases := map[string]http.HandlerFunc{
		"empty results": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results": []}`))
		},
		"null island": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results": [{"position": {"lat": 0, "lon": 0}}]}`))
		},
	}
	for name, handler := range cases {
		server := httptest.NewServer(handler)
		_, ok, err := newTestClient(t, server.URL).Geocode(context.Background(), "X", "Y")
		server.Close()
		if err != nil || ok {
			t.Fatalf("%s: expected clean miss, got ok=%v err=%v", name, ok, err)
		}
	}
}

func TestGeocodeDoesNotRetryServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, ok, err := newTestClient(t, server.URL).Geocode(context.Background(), "X", "Y")
	if ok || err == nil {
		t.Fatalf("expected miss with error, got ok=%v err=%v", ok, err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	cases := []struct {
		place, region, country, want string
	}{
		{"Mercado Central", "Lima", "Peru", "Mercado Central, Lima, Peru"},
		{"Lima", "lima", "Peru", "Lima, Peru"},
		{"  ", "Lima", "Peru", ""},
		{"Mercado", "", "", "Mercado"},
	}
	for _, tc := range cases {
		if got := buildQuery(tc.place, tc.region, tc.country); got != tc.want {
			t.Fatalf("buildQuery(%q, %q) = %q, want %q", tc.place, tc.region, got, tc.want)
		}
	}
}
