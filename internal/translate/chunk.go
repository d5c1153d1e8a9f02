package translate

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// Chunk is one independently translated piece of a document.
type Chunk struct {
	Index int
	Text  string
}

// Split packs the sentences of text into chunks of at most maxBytes UTF-8 bytes.
// A sentence longer than maxBytes is cut into fallbackRunes-rune slices, each
// further trimmed to maxBytes.
func Split(text string, maxBytes, fallbackRunes int) []Chunk {
	if len(text) <= maxBytes {
		return []Chunk{{Index: 0, Text: text}}
	}

	var pieces []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences(text) {
		if len(sentence) > maxBytes {
			flush()
			pieces = append(pieces, hardSplit(sentence, maxBytes, fallbackRunes)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(sentence) > maxBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	flush()

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Index: i, Text: p}
	}
	return chunks
}

// Reassemble joins chunk texts in index order with a single space.
func Reassemble(texts []string) string {
	return strings.Join(texts, " ")
}

// sentences splits after each terminal punctuation mark that is followed by
// whitespace, keeping the mark. Empty sentences are dropped.
func sentences(text string) []string {
	var out []string
	start := 0
	for _, m := range sentenceBoundary.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start : m[0]+1]); s != "" {
			out = append(out, s)
		}
		start = m[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func hardSplit(s string, maxBytes, fallbackRunes int) []string {
	if fallbackRunes <= 0 {
		fallbackRunes = DefaultFallbackChars
	}
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(fallbackRunes, len(runes))
		piece := string(runes[:n])
		runes = runes[n:]
		for len(piece) > maxBytes {
			cut := maxBytes
			for cut > 0 && !utf8.RuneStart(piece[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(piece)
			}
			out = append(out, piece[:cut])
			piece = piece[cut:]
		}
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
