package translate

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// minDetectChars is the length below which text is assumed to already be in the target language.
const minDetectChars = 50

var wordPattern = regexp.MustCompile(`\w+`)

var englishStopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the be to of and a in that have i it for not on with he as you do at
		this but his by from they we say her she or an will my one all would there their
		what so up out if about who get which go me when make can like time no just him know
		take people into year your good some could them see other than then now look only come its over
		think also back after use two how our work first well way even new want because any these
		give day most us is was are been being has had does did should may might must shall`) {
		englishStopWords[w] = struct{}{}
	}
}

// Detector decides whether text is already in the target language.
type Detector struct {
	base      string
	threshold float64
}

// NewDetector creates a Detector for target. threshold is the stop-word ratio above
// which English text is accepted without consulting the statistical detector.
func NewDetector(target language.Tag, threshold float64) *Detector {
	base, _ := target.Base()
	return &Detector{base: base.String(), threshold: threshold}
}

// IsTarget reports whether text needs no translation.
func (d *Detector) IsTarget(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minDetectChars {
		return true
	}

	if d.base == "en" {
		ratio := StopWordRatio(text)
		if ratio > d.threshold {
			return true
		}
		// Well below the threshold: not English.
		if ratio < d.threshold/2 {
			return false
		}
	}

	info := whatlanggo.Detect(text)
	return info.IsReliable() && info.Lang.Iso6391() == d.base
}

// StopWordRatio returns the share of words in text that are common English words.
func StopWordRatio(text string) float64 {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return 1
	}
	hits := 0
	for _, w := range words {
		if _, ok := englishStopWords[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}
