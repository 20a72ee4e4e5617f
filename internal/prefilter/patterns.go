package prefilter

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"IncidentEnricher/internal/textnorm"
)

//go:embed filter.yaml
var defaultPatterns []byte

// Default casualty thresholds for the post-classification digest check.
const (
	DefaultDigestDeaths   = 15
	DefaultDigestInjuries = 80
)

// Patterns is the YAML shape of the filter rules.
type Patterns struct {
	HomeCountry struct {
		Name     string   `yaml:"name"`
		Patterns []string `yaml:"patterns"`
		Demonyms []string `yaml:"demonyms"`
	} `yaml:"homeCountry"`
	ForeignTitlePatterns []string `yaml:"foreignTitlePatterns"`
	ForeignCountries     []string `yaml:"foreignCountries"`
	ForeignCities        []string `yaml:"foreignCities"`
	DigestPatterns       []string `yaml:"digestPatterns"`
	CompilationPatterns  []string `yaml:"compilationPatterns"`
	CasualtyThresholds   struct {
		Deaths   int `yaml:"deaths"`
		Injuries int `yaml:"injuries"`
	} `yaml:"casualtyThresholds"`
}

// ParsePatterns decodes a YAML pattern document.
func ParsePatterns(data []byte) (Patterns, error) {
	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patterns{}, fmt.Errorf("parse filter patterns: %w", err)
	}
	if p.CasualtyThresholds.Deaths <= 0 {
		p.CasualtyThresholds.Deaths = DefaultDigestDeaths
	}
	if p.CasualtyThresholds.Injuries <= 0 {
		p.CasualtyThresholds.Injuries = DefaultDigestInjuries
	}
	return p, nil
}

// ReadPatterns loads a pattern document from disk.
func ReadPatterns(path string) (Patterns, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Patterns{}, fmt.Errorf("read filter patterns %s: %w", path, err)
	}
	return ParsePatterns(raw)
}

// DefaultPatterns returns the embedded rule set.
func DefaultPatterns() Patterns {
	p, err := ParsePatterns(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("prefilter: embedded patterns are invalid: %v", err))
	}
	return p
}

type termRule struct {
	term string
	re   *regexp.Regexp
}

type rules struct {
	home        []*regexp.Regexp
	demonyms    []string
	title       []*regexp.Regexp
	countries   []termRule
	cities      []termRule
	digest      []*regexp.Regexp
	compilation []*regexp.Regexp
	deaths      int
	injuries    int
}

func compile(p Patterns) (*rules, error) {
	var (
		r   = &rules{deaths: p.CasualtyThresholds.Deaths, injuries: p.CasualtyThresholds.Injuries}
		err error
	)
	if r.home, err = compileAll("homeCountry.patterns", p.HomeCountry.Patterns); err != nil {
		return nil, err
	}
	if r.title, err = compileAll("foreignTitlePatterns", p.ForeignTitlePatterns); err != nil {
		return nil, err
	}
	if r.digest, err = compileAll("digestPatterns", p.DigestPatterns); err != nil {
		return nil, err
	}
	if r.compilation, err = compileAll("compilationPatterns", p.CompilationPatterns); err != nil {
		return nil, err
	}
	r.countries = compileTerms(p.ForeignCountries)
	r.cities = compileTerms(p.ForeignCities)
	for _, d := range p.HomeCountry.Demonyms {
		if d = textnorm.Fold(d); d != "" {
			r.demonyms = append(r.demonyms, d)
		}
	}
	if r.deaths <= 0 {
		r.deaths = DefaultDigestDeaths
	}
	if r.injuries <= 0 {
		r.injuries = DefaultDigestInjuries
	}
	return r, nil
}

// Pattern sources only lose their diacritics: lower-casing would change the
// meaning of classes like \S, so case is handled by the (?i) flag instead.
func compileAll(field string, sources []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + textnorm.StripDiacritics(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s %q: %w", field, src, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Terms match on letter/digit boundaries so "ee.uu." and "corea del sur"
// work where \b would not.
func compileTerms(terms []string) []termRule {
	out := make([]termRule, 0, len(terms))
	for _, term := range terms {
		folded := textnorm.Fold(term)
		if folded == "" {
			continue
		}
		re := regexp.MustCompile(`(?:^|[^\pL\pN])` + regexp.QuoteMeta(folded) + `(?:$|[^\pL\pN])`)
		out = append(out, termRule{term: folded, re: re})
	}
	return out
}
