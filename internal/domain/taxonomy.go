package domain

// EventType is the closed set of canonical incident categories.
type EventType string

const (
	EventArmedViolence     EventType = "armed_violence"
	EventViolentCrime      EventType = "violent_crime"
	EventSexualViolence    EventType = "sexual_violence"
	EventKidnapping        EventType = "kidnapping"
	EventFemicide          EventType = "femicide"
	EventSeriousAccident   EventType = "serious_accident"
	EventNaturalDisaster   EventType = "natural_disaster"
	EventProtest           EventType = "protest"
	EventCivilDisorder     EventType = "civil_disorder"
	EventTerrorism         EventType = "terrorism"
	EventOrganizedCrime    EventType = "organized_crime"
	EventPoliticalViolence EventType = "political_violence"
	EventSecurityOperation EventType = "security_operation"

	// EventNotRelevant marks articles outside the security domain.
	EventNotRelevant EventType = "not_relevant"
)

var canonicalEventTypes = []EventType{
	EventArmedViolence,
	EventViolentCrime,
	EventSexualViolence,
	EventKidnapping,
	EventFemicide,
	EventSeriousAccident,
	EventNaturalDisaster,
	EventProtest,
	EventCivilDisorder,
	EventTerrorism,
	EventOrganizedCrime,
	EventPoliticalViolence,
	EventSecurityOperation,
	EventNotRelevant,
}

var canonicalIndex = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(canonicalEventTypes))
	for _, et := range canonicalEventTypes {
		m[et] = struct{}{}
	}
	return m
}()

// EventTypes lists every canonical category, sentinel last.
func EventTypes() []EventType {
	out := make([]EventType, len(canonicalEventTypes))
	copy(out, canonicalEventTypes)
	return out
}

// ParseEventType accepts only exact canonical values.
func ParseEventType(s string) (EventType, bool) {
	et := EventType(s)
	if _, ok := canonicalIndex[et]; ok {
		return et, true
	}
	return "", false
}

// Valid reports canonical membership.
func (e EventType) Valid() bool {
	_, ok := canonicalIndex[e]
	return ok
}

func (e EventType) String() string {
	return string(e)
}

// Sentiment is the three-valued tone label.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Valid reports enum membership.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}
