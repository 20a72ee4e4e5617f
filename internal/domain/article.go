package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// RawArticle is the immutable Bronze record produced by the ingestion collaborator.
type RawArticle struct {
	ID           string
	Title        string
	Body         string
	URL          string
	CanonicalURI string
	Language     string
	Source       string
	PublishedAt  time.Time
	IngestRunID  string
}

// ArticleID derives the stable Bronze identifier. The canonical URI wins;
// without it the URL and publication timestamp are hashed together.
func ArticleID(canonicalURI, url string, publishedAt time.Time) string {
	base := strings.TrimSpace(canonicalURI)
	if base == "" {
		ts := ""
		if !publishedAt.IsZero() {
			ts = publishedAt.UTC().Format(time.RFC3339)
		}
		base = strings.TrimSpace(url) + "|" + ts
	}
	if base == "|" {
		base = "unknown"
	}
	sum := sha1.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}

// Location holds the hierarchical place hints extracted by the classifier.
type Location struct {
	Region        string
	Province      string
	District      string
	SpecificPlace string
}

// Display renders the most specific non-empty levels, most specific first.
func (l Location) Display() string {
	parts := make([]string, 0, 4)
	for _, v := range []string{l.SpecificPlace, l.District, l.Province, l.Region} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if len(parts) > 0 && strings.EqualFold(parts[len(parts)-1], v) {
			continue
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, ", ")
}

// Usage captures model accounting for a single classification call.
type Usage struct {
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// EnrichedArticle is the Silver record, one per RawArticle.
type EnrichedArticle struct {
	ID string

	IsRelevant      bool
	IsInternational bool
	IsSummaryDigest bool
	FilterReason    string

	EventType    EventType
	EventSubtype string
	Confidence   float64

	Deaths   int
	Injuries int

	Location    Location
	Coordinates *Coordinates
	GeoTier     GeoTier

	Actors        []string
	Organizations []string

	SummaryES string
	SummaryEN string
	Sentiment Sentiment

	Usage                Usage
	ClassificationFailed bool
	Anomalies            []string

	Title        string
	URL          string
	CanonicalURI string
	Source       string
	PublishedAt  time.Time
	IngestRunID  string
}

// Promotable reports whether the Silver flags justify a Gold incident.
func (e EnrichedArticle) Promotable() bool {
	return e.IsRelevant &&
		!e.IsInternational &&
		!e.IsSummaryDigest &&
		e.EventType.Valid() &&
		e.EventType != EventNotRelevant
}

// Incident is a Gold record derived from exactly one EnrichedArticle.
type Incident struct {
	ID           string
	EventType    EventType
	EventSubtype string
	IncidentDate time.Time
	PublishedAt  time.Time

	Deaths   int
	Injuries int

	Location    Location
	Coordinates *Coordinates
	GeoTier     GeoTier

	Actors        []string
	Organizations []string

	Title        string
	Summary      string
	URL          string
	CanonicalURI string
	Source       string
	Sentiment    Sentiment
	Confidence   float64
}

// HasGeo reports whether coordinates were resolved at any tier.
func (i Incident) HasGeo() bool {
	return i.Coordinates != nil && i.GeoTier != TierNone
}

// Promote derives the Gold incident, or false when the flags do not allow it.
// Incident dates are calendar days of the publication time in loc.
func Promote(e EnrichedArticle, loc *time.Location) (Incident, bool) {
	if !e.Promotable() {
		return Incident{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	summary := e.SummaryES
	if summary == "" {
		summary = e.SummaryEN
	}

	return Incident{
		ID:            e.ID,
		EventType:     e.EventType,
		EventSubtype:  e.EventSubtype,
		IncidentDate:  DateOf(e.PublishedAt, loc),
		PublishedAt:   e.PublishedAt,
		Deaths:        e.Deaths,
		Injuries:      e.Injuries,
		Location:      e.Location,
		Coordinates:   e.Coordinates,
		GeoTier:       e.GeoTier,
		Actors:        append([]string(nil), e.Actors...),
		Organizations: append([]string(nil), e.Organizations...),
		Title:         e.Title,
		Summary:       summary,
		URL:           e.URL,
		CanonicalURI:  e.CanonicalURI,
		Source:        e.Source,
		Sentiment:     e.Sentiment,
		Confidence:    e.Confidence,
	}, true
}

// DateOf truncates t to its calendar day in loc, returned as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
