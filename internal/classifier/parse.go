package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"IncidentEnricher/internal/domain"
)

// ParseOutput decodes a model answer. Markdown fences are stripped; when the
// whole answer is not valid JSON the first balanced {...} block is tried.
func ParseOutput(text string) (domain.RawClassification, error) {
	body := stripFences(text)
	if body == "" {
		return domain.RawClassification{}, fmt.Errorf("%w: empty answer", ErrMalformedOutput)
	}

	var raw domain.RawClassification
	if strings.HasPrefix(body, "{") {
		if err := json.Unmarshal([]byte(body), &raw); err == nil {
			return raw, nil
		}
		raw = domain.RawClassification{}
	}

	block, ok := firstObject(body)
	if !ok {
		return domain.RawClassification{}, fmt.Errorf("%w: no json object", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return domain.RawClassification{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return raw, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line (```json).
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{}") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
