package pipeline

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kiranshivaraju/lawsignal/internal/normalize"
)

//go:embed domain_tags.json
var embeddedDomainTags []byte

// Taxonomy is the set of domain tags companies are labelled with. It is loaded
// on first use and never modified afterwards.
type Taxonomy struct {
	path string

	once sync.Once
	tags []string
	err  error
}

// NewTaxonomy reads tags from path, or from the compiled-in list when path is empty.
func NewTaxonomy(path string) *Taxonomy {
	return &Taxonomy{path: path}
}

// NewStaticTaxonomy returns a Taxonomy over tags.
func NewStaticTaxonomy(tags []string) *Taxonomy {
	t := &Taxonomy{}
	t.once.Do(func() { t.tags = append([]string(nil), tags...) })
	return t
}

// Tags returns the taxonomy, loading it on the first call.
func (t *Taxonomy) Tags() ([]string, error) {
	t.once.Do(func() {
		raw := embeddedDomainTags
		source := "embedded"
		if t.path != "" {
			b, err := os.ReadFile(t.path)
			if err != nil {
				t.err = fmt.Errorf("read domain tags: %w", err)
				return
			}
			raw, source = b, t.path
		}
		t.tags, t.err = parseDomainTags(raw)
		if t.err != nil {
			t.err = fmt.Errorf("parse domain tags from %s: %w", source, t.err)
		}
	})
	return t.tags, t.err
}

// parseDomainTags accepts either a JSON array or an object with a
// "domain_tags" array.
func parseDomainTags(raw []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return cleanTags(list)
	}
	var doc struct {
		DomainTags []string `json:"domain_tags"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return cleanTags(doc.DomainTags)
}

func cleanTags(tags []string) ([]string, error) {
	tags = normalize.DedupeTags(tags)
	if len(tags) == 0 {
		return nil, errors.New("no tags defined")
	}
	sort.Strings(tags)
	return tags, nil
}

var tagStopWords = map[string]bool{"and": true, "the": true, "for": true, "of": true, "&": true}

// tagTokens splits a tag into its comparison words, ignoring very short ones.
func tagTokens(tag string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(normalize.TagKey(tag)) {
		if len(w) >= 3 && !tagStopWords[w] {
			out[w] = struct{}{}
		}
	}
	return out
}

func sharesToken(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

// MatchTags returns the allowed tags related to candidate, either by substring
// containment of their normalized forms or by a shared word.
func MatchTags(candidate string, allowed []string) []string {
	cand := normalize.TagKey(candidate)
	if cand == "" {
		return nil
	}
	candTokens := tagTokens(candidate)
	var matches []string
	for _, a := range allowed {
		key := normalize.TagKey(a)
		if key == "" {
			continue
		}
		if strings.Contains(cand, key) || strings.Contains(key, cand) || sharesToken(candTokens, tagTokens(a)) {
			matches = append(matches, a)
		}
	}
	sort.Strings(matches)
	return matches
}

// EstimateTagImpact averages the scores of sectors sharing a word with tag.
// With no such sector it falls back to the mean over all sectors. ok is false
// when there are no sectors at all.
func EstimateTagImpact(tag string, sectors []SectorImpact) (float64, bool) {
	if len(sectors) == 0 {
		return 0, false
	}
	tokens := tagTokens(tag)
	var sum float64
	var n int
	for _, s := range sectors {
		if sharesToken(tokens, tagTokens(s.Sector)) {
			sum += s.Impact
			n++
		}
	}
	if n > 0 {
		return sum / float64(n), true
	}
	for _, s := range sectors {
		sum += s.Impact
	}
	return sum / float64(len(sectors)), true
}
