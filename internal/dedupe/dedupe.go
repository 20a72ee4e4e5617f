// Package dedupe collapses near-duplicate articles. Records sharing a
// normalized title prefix or a canonical URI fall into one group (the
// relation is closed transitively) and a total order picks a single
// survivor per group.
package dedupe

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
	"IncidentEnricher/internal/textnorm"
)

// DefaultPrefixRunes is the title key length.
const DefaultPrefixRunes = 80

// Candidate is the part of a record the deduplicator looks at.
type Candidate struct {
	ID           string
	Title        string
	CanonicalURI string
	PublishedAt  time.Time
}

// Report describes what a pass dropped.
type Report struct {
	Input     int
	Survivors int
	// Dropped maps each dropped ID to the ID that survived in its place.
	Dropped map[string]string
	// Superseded lists historical IDs beaten by a batch record.
	Superseded []string
}

// Duplicates is the number of dropped records.
func (r Report) Duplicates() int {
	return len(r.Dropped)
}

// Deduper computes keys and survivors. The zero value is not usable; call New.
type Deduper struct {
	prefix int
}

// New builds a deduplicator with a title key of prefixRunes runes.
func New(prefixRunes int) *Deduper {
	if prefixRunes <= 0 {
		prefixRunes = DefaultPrefixRunes
	}
	return &Deduper{prefix: prefixRunes}
}

// TitleKey is the normalized title prefix.
func (d *Deduper) TitleKey(title string) string {
	return strings.TrimSpace(textnorm.Truncate(textnorm.Words(title), d.prefix))
}

// Better reports whether a outranks b: a canonical URI first, then the most
// recent publication, then the smaller ID.
func Better(a, b Candidate) bool {
	return compare(a, b) < 0
}

func compare(a, b Candidate) int {
	aURI, bURI := strings.TrimSpace(a.CanonicalURI) != "", strings.TrimSpace(b.CanonicalURI) != ""
	if aURI != bURI {
		if aURI {
			return -1
		}
		return 1
	}
	if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Articles deduplicates one ingestion run.
func (d *Deduper) Articles(articles []domain.RawArticle) ([]domain.RawArticle, Report) {
	cands := make([]Candidate, len(articles))
	for i, a := range articles {
		cands[i] = rawCandidate(a)
	}
	keep, report := d.resolve(cands, nil)

	out := make([]domain.RawArticle, 0, len(keep))
	for _, i := range keep {
		out = append(out, articles[i])
	}
	sortArticles(out)
	return out, report
}

// AgainstHistory drops batch articles that lose to a previously persisted
// record. History entries sharing an ID with a batch article are the same
// record and are ignored, so reprocessing a run is stable.
func (d *Deduper) AgainstHistory(batch []domain.RawArticle, history []ports.HistoryKey) ([]domain.RawArticle, Report) {
	inBatch := make(map[string]struct{}, len(batch))
	cands := make([]Candidate, 0, len(batch)+len(history))
	for _, a := range batch {
		inBatch[a.ID] = struct{}{}
		cands = append(cands, rawCandidate(a))
	}

	historical := map[int]bool{}
	for _, h := range history {
		if _, ok := inBatch[h.ID]; ok {
			continue
		}
		historical[len(cands)] = true
		cands = append(cands, Candidate{ID: h.ID, Title: h.Title, CanonicalURI: h.CanonicalURI, PublishedAt: h.PublishedAt})
	}

	keep, report := d.resolve(cands, historical)
	report.Input = len(batch)

	out := make([]domain.RawArticle, 0, len(keep))
	for _, i := range keep {
		if historical[i] {
			continue
		}
		out = append(out, batch[i])
	}
	report.Survivors = len(out)
	sortArticles(out)
	return out, report
}

// Incidents deduplicates Gold incidents across all history.
func (d *Deduper) Incidents(incidents []domain.Incident) ([]domain.Incident, Report) {
	cands := make([]Candidate, len(incidents))
	for i, inc := range incidents {
		cands[i] = Candidate{ID: inc.ID, Title: inc.Title, CanonicalURI: inc.CanonicalURI, PublishedAt: inc.PublishedAt}
	}
	keep, report := d.resolve(cands, nil)

	out := make([]domain.Incident, 0, len(keep))
	for _, i := range keep {
		out = append(out, incidents[i])
	}
	slices.SortFunc(out, func(a, b domain.Incident) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, report
}

// resolve returns the indexes of group winners. Historical winners are kept
// in the index list so callers can tell them apart; historical losers to a
// batch winner are reported as superseded.
func (d *Deduper) resolve(cands []Candidate, historical map[int]bool) ([]int, Report) {
	report := Report{Input: len(cands), Dropped: map[string]string{}}
	if len(cands) == 0 {
		return nil, report
	}

	uf := newUnionFind(len(cands))
	byTitle := map[string]int{}
	byURI := map[string]int{}
	byID := map[string]int{}
	for i, c := range cands {
		if key := d.TitleKey(c.Title); key != "" {
			if j, ok := byTitle[key]; ok {
				uf.union(i, j)
			} else {
				byTitle[key] = i
			}
		}
		if uri := strings.TrimSpace(c.CanonicalURI); uri != "" {
			if j, ok := byURI[uri]; ok {
				uf.union(i, j)
			} else {
				byURI[uri] = i
			}
		}
		if j, ok := byID[c.ID]; ok {
			uf.union(i, j)
		} else {
			byID[c.ID] = i
		}
	}

	winner := map[int]int{}
	for i, c := range cands {
		root := uf.find(i)
		w, ok := winner[root]
		if !ok || compare(c, cands[w]) < 0 {
			winner[root] = i
		}
	}

	keep := make([]int, 0, len(winner))
	for i, c := range cands {
		w := winner[uf.find(i)]
		switch {
		case i == w:
			keep = append(keep, i)
		case historical[i]:
			if !historical[w] {
				report.Superseded = append(report.Superseded, c.ID)
			}
		case c.ID == cands[w].ID:
			// Same record listed twice.
		default:
			report.Dropped[c.ID] = cands[w].ID
		}
	}
	slices.Sort(report.Superseded)
	report.Survivors = len(keep)
	return keep, report
}

func rawCandidate(a domain.RawArticle) Candidate {
	return Candidate{ID: a.ID, Title: a.Title, CanonicalURI: a.CanonicalURI, PublishedAt: a.PublishedAt}
}

func sortArticles(articles []domain.RawArticle) {
	slices.SortFunc(articles, func(a, b domain.RawArticle) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
