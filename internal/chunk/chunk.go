// Package chunk splits long text into provider-sized pieces that never cut
// a sentence in half.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxChunkSize is the advisory upper bound, in characters, of a chunk.
const MaxChunkSize = 4000

// Splitter groups sentences greedily into chunks of at most MaxSize
// characters. The zero value uses MaxChunkSize.
type Splitter struct {
	MaxSize int
}

// Split splits text with the default chunk size.
func Split(text string) []string {
	return Splitter{}.Split(text)
}

// Split returns the ordered chunks for text. A sentence longer than the
// limit is kept whole in its own chunk.
func (s Splitter) Split(text string) []string {
	maxSize := s.MaxSize
	if maxSize <= 0 {
		maxSize = MaxChunkSize
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)

	flush := func() {
		if c := strings.TrimSpace(current.String()); c != "" {
			chunks = append(chunks, c)
		}
		current.Reset()
		size = 0
	}

	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		sep := 0
		if size > 0 {
			sep = 1
		}
		if size > 0 && size+sep+n > maxSize {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
		size += sep + n
	}
	flush()

	return chunks
}

// Sentences splits text after every run of end-of-sentence punctuation
// that is followed by whitespace. Sentences are trimmed; empty ones are
// dropped. Concatenating the result with single spaces reproduces the
// words of text in order.
func Sentences(text string) []string {
	var (
		sentences []string
		start     int
	)

	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
	}

	for i := 0; i < len(text); {
		r, width := utf8.DecodeRuneInString(text[i:])
		if !isTerminal(r) {
			i += width
			continue
		}

		// consume the whole punctuation run, e.g. "?!" or "..."
		end := i + width
		for end < len(text) {
			next, w := utf8.DecodeRuneInString(text[end:])
			if !isTerminal(next) {
				break
			}
			end += w
		}

		if end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if unicode.IsSpace(next) {
				emit(end)
				start = end
			}
		}
		i = end
	}
	emit(len(text))

	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
