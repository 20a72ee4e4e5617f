package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawClassification is the unvalidated structured output of the classifier.
// Event types are free-form strings until the taxonomy validator maps them.
type RawClassification struct {
	IsRelevant      FlexBool  `json:"is_relevant"`
	IsInternational FlexBool  `json:"is_international"`
	IsSummaryDigest FlexBool  `json:"is_summary_digest"`
	EventType       string    `json:"event_type"`
	EventSubtype    string    `json:"event_subtype"`
	Deaths          FlexInt   `json:"deaths"`
	Injuries        FlexInt   `json:"injuries"`
	Region          string    `json:"region"`
	Province        string    `json:"province"`
	District        string    `json:"district"`
	SpecificPlace   string    `json:"specific_place"`
	Latitude        FlexFloat `json:"latitude"`
	Longitude       FlexFloat `json:"longitude"`
	Actors          []string  `json:"actors"`
	Organizations   []string  `json:"organizations"`
	SummaryES       string    `json:"summary_es"`
	SummaryEN       string    `json:"summary_en"`
	Sentiment       string    `json:"sentiment"`
	Confidence      FlexFloat `json:"confidence"`

	Usage  Usage  `json:"-"`
	Failed bool   `json:"-"`
	Error  string `json:"-"`
}

// FailedClassification is the sentinel returned once retries are exhausted.
func FailedClassification(reason string, usage Usage) RawClassification {
	return RawClassification{
		EventType: string(EventNotRelevant),
		Usage:     usage,
		Failed:    true,
		Error:     reason,
	}
}

// ModelCoordinates returns the model-supplied point when both axes are present.
func (r RawClassification) ModelCoordinates() (Coordinates, bool) {
	if !r.Latitude.Valid || !r.Longitude.Valid {
		return Coordinates{}, false
	}
	c := Coordinates{Lat: r.Latitude.Value, Lon: r.Longitude.Value}
	return c, c.Usable()
}

var jsonNull = []byte("null")

// FlexBool decodes booleans that models sometimes emit as strings or numbers.
type FlexBool struct {
	Value bool
	Valid bool
}

// UnmarshalJSON never fails; unrecognized shapes decode as invalid.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	*b = FlexBool{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}

	switch t := v.(type) {
	case bool:
		*b = FlexBool{Value: t, Valid: true}
	case float64:
		*b = FlexBool{Value: t != 0, Valid: true}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "si", "sí", "1":
			*b = FlexBool{Value: true, Valid: true}
		case "false", "no", "0":
			*b = FlexBool{Value: false, Valid: true}
		}
	}
	return nil
}

// MarshalJSON emits null for invalid values.
func (b FlexBool) MarshalJSON() ([]byte, error) {
	if !b.Valid {
		return jsonNull, nil
	}
	return json.Marshal(b.Value)
}

// FlexInt decodes integers that may arrive as floats or numeric strings.
type FlexInt struct {
	Value int
	Valid bool
}

// UnmarshalJSON never fails; unrecognized shapes decode as invalid.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	*n = FlexInt{}
	f, ok := decodeNumber(data)
	if !ok {
		return nil
	}
	*n = FlexInt{Value: int(math.Round(f)), Valid: true}
	return nil
}

// MarshalJSON emits null for invalid values.
func (n FlexInt) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return jsonNull, nil
	}
	return json.Marshal(n.Value)
}

// FlexFloat decodes floats that may arrive as numeric strings.
type FlexFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON never fails; unrecognized shapes decode as invalid.
func (n *FlexFloat) UnmarshalJSON(data []byte) error {
	*n = FlexFloat{}
	f, ok := decodeNumber(data)
	if !ok {
		return nil
	}
	*n = FlexFloat{Value: f, Valid: true}
	return nil
}

// MarshalJSON emits null for invalid values.
func (n FlexFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return jsonNull, nil
	}
	return json.Marshal(n.Value)
}

func decodeNumber(data []byte) (float64, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return 0, false
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, false
	}

	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
