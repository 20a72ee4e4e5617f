package geocoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

const apiVersion = "1.0"

var errRetryable = errors.New("retryable geocoder response")

// AzureMapsClient talks to the Azure Maps address search API.
type AzureMapsClient struct {
	endpoint   string
	key        string
	countrySet string
	country    string
	language   string
	maxRetries int
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

var _ ports.Geocoder = (*AzureMapsClient)(nil)

// NewAzureMapsClient creates a reusable HTTP client.
func NewAzureMapsClient(cfg config.AzureMapsConfig, logger *slog.Logger) (*AzureMapsClient, error) {
	if cfg.Key == "" {
		return nil, errors.New("azure maps client misconfigured: key is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://atlas.microsoft.com/search/address/json"
	}

	return &AzureMapsClient{
		endpoint:   endpoint,
		key:        cfg.Key,
		countrySet: cfg.CountrySet,
		country:    cfg.CountryName,
		language:   cfg.Language,
		maxRetries: max(cfg.MaxRetries, 0),
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
		logger:     logger.With("component", "azure_maps"),
		sleep:      sleepCtx,
	}, nil
}

type searchResponse struct {
	Results []struct {
		Score    float64 `json:"score"`
		Position struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"position"`
	} `json:"results"`
}

// Geocode searches for "place, region, country". Timeouts and 429s are
// retried with linear backoff; every other failure is a miss.
func (c *AzureMapsClient) Geocode(ctx context.Context, place, regionHint string) (domain.Coordinates, bool, error) {
	query := buildQuery(place, regionHint, c.country)
	if query == "" {
		return domain.Coordinates{}, false, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 500 * time.Millisecond
			if err := c.sleep(ctx, delay); err != nil {
				return domain.Coordinates{}, false, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Coordinates{}, false, err
		}

		coords, ok, err := c.search(ctx, query)
		if err == nil {
			return coords, ok, nil
		}
		lastErr = err
		if !errors.Is(err, errRetryable) {
			break
		}
		c.logger.Debug("azure maps retry", "query", query, "attempt", attempt+1, "error", err)
	}
	return domain.Coordinates{}, false, lastErr
}

func (c *AzureMapsClient) search(ctx context.Context, query string) (domain.Coordinates, bool, error) {
	params := url.Values{}
	params.Set("api-version", apiVersion)
	params.Set("subscription-key", c.key)
	params.Set("query", query)
	params.Set("limit", "1")
	if c.countrySet != "" {
		params.Set("countrySet", c.countrySet)
	}
	if c.language != "" {
		params.Set("language", c.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Coordinates{}, false, fmt.Errorf("new request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Coordinates{}, false, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return domain.Coordinates{}, false, fmt.Errorf("%w: %v", errRetryable, err)
		}
		return domain.Coordinates{}, false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Coordinates{}, false, fmt.Errorf("%w: %s", errRetryable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return domain.Coordinates{}, false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Coordinates{}, false, fmt.Errorf("decode response: %w", err)
	}
	if len(body.Results) == 0 {
		return domain.Coordinates{}, false, nil
	}

	pos := body.Results[0].Position
	coords := domain.Coordinates{Lat: pos.Lat, Lon: pos.Lon}
	if !coords.Usable() {
		return domain.Coordinates{}, false, nil
	}
	return coords, true, nil
}

func buildQuery(place, region, country string) string {
	place = strings.TrimSpace(place)
	if place == "" {
		return ""
	}
	parts := []string{place}
	if region = strings.TrimSpace(region); region != "" && !strings.EqualFold(region, place) {
		parts = append(parts, region)
	}
	if country = strings.TrimSpace(country); country != "" {
		parts = append(parts, country)
	}
	return strings.Join(parts, ", ")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
