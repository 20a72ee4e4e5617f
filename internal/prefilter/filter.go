// Package prefilter rejects articles that are obviously out of scope before
// they reach the classifier: foreign news and summary digests.
package prefilter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"IncidentEnricher/internal/textnorm"
)

// bodyLead is how much of the body the home-country override inspects.
const bodyLead = 500

// Assessment is the pre-filter verdict for one article.
type Assessment struct {
	IsInternational bool
	IsSummaryDigest bool
	Reason          string
}

// Rejected reports whether the article should skip classification.
func (a Assessment) Rejected() bool {
	return a.IsInternational || a.IsSummaryDigest
}

// Filter applies the compiled pattern sets. Safe for concurrent use.
type Filter struct {
	mu    sync.RWMutex
	rules *rules
}

// New compiles p into a filter.
func New(p Patterns) (*Filter, error) {
	r, err := compile(p)
	if err != nil {
		return nil, err
	}
	return &Filter{rules: r}, nil
}

// Default builds a filter from the embedded pattern sets.
func Default() *Filter {
	f, err := New(DefaultPatterns())
	if err != nil {
		panic(fmt.Sprintf("prefilter: embedded patterns do not compile: %v", err))
	}
	return f
}

// LoadFile builds a filter from a YAML pattern document.
func LoadFile(path string) (*Filter, error) {
	p, err := ReadPatterns(path)
	if err != nil {
		return nil, err
	}
	return New(p)
}

// Reload swaps the rule set. On error the previous rules stay active.
func (f *Filter) Reload(p Patterns) error {
	r, err := compile(p)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.rules = r
	f.mu.Unlock()
	return nil
}

// ReloadFile re-reads the pattern document from disk.
func (f *Filter) ReloadFile(path string) error {
	p, err := ReadPatterns(path)
	if err != nil {
		return err
	}
	return f.Reload(p)
}

func (f *Filter) current() *rules {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rules
}

// Assess classifies an article as international and/or digest. It never
// fails; anything not matched passes.
func (f *Filter) Assess(title, body string) Assessment {
	r := f.current()
	if r == nil {
		return Assessment{}
	}

	foldedTitle := textnorm.Fold(title)
	lead := textnorm.Fold(textnorm.Truncate(PlainText(body), bodyLead))

	var out Assessment
	if !matchAny(r.home, foldedTitle+" "+lead) {
		out.IsInternational, out.Reason = r.international(foldedTitle, lead)
	}

	if re := firstMatch(r.digest, foldedTitle); re != nil {
		out.IsSummaryDigest = true
		out.Reason = joinReason(out.Reason, "summary_digest: "+source(re))
	} else if re := firstMatch(r.compilation, foldedTitle); re != nil {
		out.IsSummaryDigest = true
		out.Reason = joinReason(out.Reason, "summary_compilation: "+source(re))
	}

	return out
}

func (r *rules) international(title, lead string) (bool, string) {
	if re := firstMatch(r.title, title); re != nil {
		return true, "international_title: " + source(re)
	}
	for _, c := range r.countries {
		if !c.re.MatchString(title) {
			continue
		}
		if r.nationalAbroad(title+" "+lead, c.term) {
			continue
		}
		return true, "international_country: " + c.term
	}
	for _, c := range r.cities {
		if c.re.MatchString(title) {
			return true, "international_city: " + c.term
		}
	}
	return false, ""
}

// nationalAbroad detects "<demonym> en <country>" stories, which stay local.
func (r *rules) nationalAbroad(text, country string) bool {
	for _, d := range r.demonyms {
		if strings.Contains(text, d+" en "+country) || strings.Contains(text, d+"s en "+country) {
			return true
		}
	}
	return false
}

// CheckDigest runs the post-classification digest rule: a digest pattern
// anywhere in the text combined with casualty counts above the thresholds.
func (f *Filter) CheckDigest(title, body string, deaths, injuries int) bool {
	r := f.current()
	if r == nil {
		return false
	}
	if deaths <= r.deaths && injuries <= r.injuries {
		return false
	}
	text := textnorm.Fold(title + " " + PlainText(body))
	return matchAny(r.digest, text)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	return firstMatch(res, s) != nil
}

func firstMatch(res []*regexp.Regexp, s string) *regexp.Regexp {
	if s == "" {
		return nil
	}
	for _, re := range res {
		if re.MatchString(s) {
			return re
		}
	}
	return nil
}

func joinReason(prev, next string) string {
	if prev == "" {
		return next
	}
	return prev + "; " + next
}

func source(re *regexp.Regexp) string {
	return strings.TrimPrefix(re.String(), "(?i)")
}
