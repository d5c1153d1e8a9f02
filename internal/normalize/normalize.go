// Package normalize cleans extracted document text and produces stable keys for
// tag matching and document fingerprints.
package normalize

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalization regexes compiled once at package init.
var (
	reBlankLines    = regexp.MustCompile(`\n{3,}`)
	reInlineSpace   = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	reSpaceBeforeP  = regexp.MustCompile(`\s+([.,!?;:])`)
	reMissingSpace  = regexp.MustCompile(`([.,!?;:])([A-Z])`)
	reTagSeparators = regexp.MustCompile(`[\s_\-/]+`)
	reTagJunk       = regexp.MustCompile(`[^\p{L}\p{N} &]+`)
)

// Text cleans extracted document text: NFKC-folds compatibility characters,
// drops control characters except newline and tab, collapses runs of spaces and
// blank lines, tightens spacing around punctuation and trims every line.
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	s = reInlineSpace.ReplaceAllString(s, " ")
	s = reSpaceBeforeP.ReplaceAllString(s, "$1")
	s = reMissingSpace.ReplaceAllString(s, "$1 $2")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// TagKey maps a tag to its comparison form: "Clean-Energy / Solar" and
// "clean energy solar" share a key.
func TagKey(tag string) string {
	tag = norm.NFKC.String(tag)
	tag = strings.ToLower(tag)
	tag = reTagSeparators.ReplaceAllString(tag, " ")
	tag = reTagJunk.ReplaceAllString(tag, "")
	return strings.Join(strings.Fields(tag), " ")
}

// DedupeTags returns tags with duplicates (by TagKey) and blanks removed, keeping
// the first spelling seen.
func DedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		k := TagKey(t)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimSpace(t))
	}
	return out
}

// Fingerprint computes a stable SHA-256 fingerprint of normalized document text.
func Fingerprint(text string) string {
	folded := strings.ToLower(strings.Join(strings.Fields(Text(text)), " "))
	hash := sha256.Sum256([]byte(folded))
	return fmt.Sprintf("%x", hash)
}
