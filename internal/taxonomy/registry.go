// Package taxonomy owns the canonical incident categories, the alias table
// that maps external vocabularies onto them, and the validator that turns raw
// classifier output into Silver records.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/textnorm"
)

//go:embed taxonomy.yaml
var defaultDocument []byte

// MatchKind tells how a term resolved against the registry.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchCanonical
	MatchAlias
)

// Document is the YAML shape of the alias table.
type Document struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// Registry resolves free-form category terms. Safe for concurrent use;
// Reload swaps the table atomically for readers.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]domain.EventType
	compact map[string]domain.EventType
}

// Default returns a registry built from the embedded alias table.
func Default() *Registry {
	reg, err := Load(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("taxonomy: embedded alias table is invalid: %v", err))
	}
	return reg
}

// Load parses a YAML alias document.
func Load(data []byte) (*Registry, error) {
	reg := &Registry{}
	if err := reg.Reload(data); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadFile reads and parses a YAML alias document from disk.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return Load(raw)
}

// DefaultDocument exposes the embedded YAML, e.g. for bootstrapping a config dir.
func DefaultDocument() []byte {
	out := make([]byte, len(defaultDocument))
	copy(out, defaultDocument)
	return out
}

// Reload replaces the alias table. On error the previous table stays active.
func (r *Registry) Reload(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse taxonomy: %w", err)
	}

	byKey, compact, err := build(doc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byKey = byKey
	r.compact = compact
	r.mu.Unlock()
	return nil
}

// ReloadFile re-reads the alias table from disk.
func (r *Registry) ReloadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return r.Reload(raw)
}

func build(doc Document) (map[string]domain.EventType, map[string]domain.EventType, error) {
	byKey := map[string]domain.EventType{}
	compact := map[string]domain.EventType{}

	add := func(term string, et domain.EventType) error {
		key := textnorm.Key(term)
		if key == "" {
			return nil
		}
		if prev, ok := byKey[key]; ok && prev != et {
			return fmt.Errorf("alias %q maps to both %s and %s", term, prev, et)
		}
		byKey[key] = et
		compact[strings.ReplaceAll(key, " ", "")] = et
		return nil
	}

	for _, et := range domain.EventTypes() {
		if err := add(string(et), et); err != nil {
			return nil, nil, err
		}
	}

	names := make([]string, 0, len(doc.Aliases))
	for name := range doc.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		et, ok := domain.ParseEventType(name)
		if !ok {
			return nil, nil, fmt.Errorf("alias target %q is not a canonical event type", name)
		}
		for _, term := range doc.Aliases[name] {
			if err := add(term, et); err != nil {
				return nil, nil, err
			}
		}
	}

	return byKey, compact, nil
}

// Lookup resolves term. Exact canonical values return MatchCanonical; any
// normalized or synonym hit returns MatchAlias.
func (r *Registry) Lookup(term string) (domain.EventType, MatchKind) {
	trimmed := strings.TrimSpace(term)
	if et, ok := domain.ParseEventType(trimmed); ok {
		return et, MatchCanonical
	}

	key := textnorm.Key(trimmed)
	if key == "" {
		return "", MatchNone
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if et, ok := r.byKey[key]; ok {
		return et, MatchAlias
	}
	if et, ok := r.compact[strings.ReplaceAll(key, " ", "")]; ok {
		return et, MatchAlias
	}
	return "", MatchNone
}

// Len reports the number of distinct normalized terms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
