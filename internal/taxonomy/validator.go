package taxonomy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/textnorm"
)

// Outcome labels how the event type of one classification was settled.
type Outcome string

const (
	OutcomeCanonical        Outcome = "canonical"
	OutcomeAliasMapped      Outcome = "alias_mapped"
	OutcomeUnmapped         Outcome = "unmapped_event_type"
	OutcomeModelNotRelevant Outcome = "model_not_relevant"
	OutcomeFailed           Outcome = "classification_failed"
)

// Trace is a single audit event emitted while validating.
type Trace struct {
	Event string
	Level slog.Level
	Field string
	From  string
	To    string
}

func (t Trace) String() string {
	if t.Field == "" {
		return t.Event
	}
	return fmt.Sprintf("%s:%s:%s->%s", t.Event, t.Field, t.From, t.To)
}

// Report summarizes a validation pass.
type Report struct {
	Outcome Outcome
	Traces  []Trace
}

// Anomalies lists the non-informational traces, as persisted in Silver.
func (r Report) Anomalies() []string {
	var out []string
	for _, t := range r.Traces {
		if t.Level >= slog.LevelWarn {
			out = append(out, t.String())
		}
	}
	return out
}

const defaultConfidence = 0.5

var sentimentAliases = map[string]domain.Sentiment{
	"positive": domain.SentimentPositive,
	"positivo": domain.SentimentPositive,
	"positiva": domain.SentimentPositive,
	"neutral":  domain.SentimentNeutral,
	"neutro":   domain.SentimentNeutral,
	"neutra":   domain.SentimentNeutral,
	"negative": domain.SentimentNegative,
	"negativo": domain.SentimentNegative,
	"negativa": domain.SentimentNegative,
}

// Validator maps raw classifier output onto the canonical taxonomy and
// enforces field constraints.
type Validator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewValidator wires a registry and a trace logger.
func NewValidator(registry *Registry, logger *slog.Logger) *Validator {
	if registry == nil {
		registry = Default()
	}
	return &Validator{registry: registry, logger: logger}
}

// Validate builds the classifier-owned fields of a Silver record. Geocoding
// and article metadata are filled in by the caller.
func (v *Validator) Validate(articleID string, raw domain.RawClassification) (domain.EnrichedArticle, Report) {
	var report Report
	trace := func(t Trace) {
		report.Traces = append(report.Traces, t)
		v.log(articleID, t)
	}

	out := domain.EnrichedArticle{
		ID:        articleID,
		Usage:     raw.Usage,
		Sentiment: domain.SentimentNeutral,
	}

	if raw.Failed {
		out.EventType = domain.EventNotRelevant
		out.ClassificationFailed = true
		report.Outcome = OutcomeFailed
		trace(Trace{Event: string(OutcomeFailed), Level: slog.LevelWarn, Field: "error", From: raw.Error, To: string(domain.EventNotRelevant)})
		out.Anomalies = report.Anomalies()
		return out, report
	}

	modelRelevant := raw.IsRelevant.Valid && raw.IsRelevant.Value
	et, kind := v.registry.Lookup(raw.EventType)

	switch {
	case kind == MatchNone && strings.TrimSpace(raw.EventType) == "" && !modelRelevant:
		et = domain.EventNotRelevant
		report.Outcome = OutcomeModelNotRelevant
		trace(Trace{Event: string(OutcomeModelNotRelevant), Level: slog.LevelDebug})
	case kind == MatchNone:
		et = domain.EventNotRelevant
		report.Outcome = OutcomeUnmapped
		trace(Trace{Event: string(OutcomeUnmapped), Level: slog.LevelWarn, Field: "event_type", From: raw.EventType, To: string(et)})
	case et == domain.EventNotRelevant:
		report.Outcome = OutcomeModelNotRelevant
		if kind == MatchAlias {
			trace(Trace{Event: string(OutcomeAliasMapped), Level: slog.LevelInfo, Field: "event_type", From: raw.EventType, To: string(et)})
		}
		trace(Trace{Event: string(OutcomeModelNotRelevant), Level: slog.LevelDebug})
	case kind == MatchAlias:
		report.Outcome = OutcomeAliasMapped
		trace(Trace{Event: string(OutcomeAliasMapped), Level: slog.LevelInfo, Field: "event_type", From: raw.EventType, To: string(et)})
	default:
		report.Outcome = OutcomeCanonical
	}

	out.EventType = et
	out.IsRelevant = et != domain.EventNotRelevant
	if out.IsRelevant && raw.IsRelevant.Valid && !raw.IsRelevant.Value {
		trace(Trace{Event: "relevance_coerced", Level: slog.LevelInfo, Field: "is_relevant", From: "false", To: "true"})
	}
	if !out.IsRelevant && modelRelevant {
		trace(Trace{Event: "relevance_coerced", Level: slog.LevelInfo, Field: "is_relevant", From: "true", To: "false"})
	}

	out.IsInternational = raw.IsInternational.Valid && raw.IsInternational.Value
	out.IsSummaryDigest = raw.IsSummaryDigest.Valid && raw.IsSummaryDigest.Value
	out.EventSubtype = strings.TrimSpace(raw.EventSubtype)

	out.Deaths = v.count("deaths", raw.Deaths, trace)
	out.Injuries = v.count("injuries", raw.Injuries, trace)

	out.Location = domain.Location{
		Region:        cleanPlace(raw.Region),
		Province:      cleanPlace(raw.Province),
		District:      cleanPlace(raw.District),
		SpecificPlace: cleanPlace(raw.SpecificPlace),
	}

	out.Actors = cleanList(raw.Actors)
	out.Organizations = cleanList(raw.Organizations)
	out.SummaryES = strings.TrimSpace(raw.SummaryES)
	out.SummaryEN = strings.TrimSpace(raw.SummaryEN)

	out.Sentiment = v.sentiment(raw.Sentiment, trace)
	out.Confidence = v.confidence(raw.Confidence, trace)

	out.Anomalies = report.Anomalies()
	return out, report
}

func (v *Validator) count(field string, n domain.FlexInt, trace func(Trace)) int {
	if !n.Valid {
		return 0
	}
	if n.Value < 0 {
		trace(Trace{Event: "negative_count_clamped", Level: slog.LevelWarn, Field: field, From: strconv.Itoa(n.Value), To: "0"})
		return 0
	}
	return n.Value
}

func (v *Validator) sentiment(raw string, trace func(Trace)) domain.Sentiment {
	key := textnorm.Fold(raw)
	if key == "" {
		return domain.SentimentNeutral
	}
	if s, ok := sentimentAliases[key]; ok {
		return s
	}
	trace(Trace{Event: "invalid_sentiment", Level: slog.LevelWarn, Field: "sentiment", From: raw, To: string(domain.SentimentNeutral)})
	return domain.SentimentNeutral
}

func (v *Validator) confidence(raw domain.FlexFloat, trace func(Trace)) float64 {
	if !raw.Valid {
		return defaultConfidence
	}
	c := raw.Value
	if c < 0 || c > 1 {
		clamped := min(max(c, 0), 1)
		trace(Trace{Event: "confidence_clamped", Level: slog.LevelWarn, Field: "confidence", From: formatFloat(c), To: formatFloat(clamped)})
		return clamped
	}
	return c
}

func (v *Validator) log(articleID string, t Trace) {
	if v.logger == nil {
		return
	}
	v.logger.Log(context.Background(), t.Level, "taxonomy trace",
		"article_id", articleID,
		"event", t.Event,
		"field", t.Field,
		"from", t.From,
		"to", t.To,
	)
}

func cleanPlace(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	switch textnorm.Fold(s) {
	case "null", "none", "n/a", "desconocido", "unknown":
		return ""
	}
	return s
}

func cleanList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.Join(strings.Fields(item), " ")
		if item == "" {
			continue
		}
		key := textnorm.Fold(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
