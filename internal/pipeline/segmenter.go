package pipeline

import (
	"strings"
	"unicode/utf8"
)

// sentenceTerminators ends a sentence. The earliest one in the buffer wins.
const sentenceTerminators = "。！？\n"

// Segmenter splits a token stream into sentences for synthesis.
//
// The zero value is ready to use. It is not safe for concurrent use.
type Segmenter struct {
	buf string
}

// Add appends token and returns every complete sentence now in the buffer,
// trimmed of surrounding whitespace and in order. Sentences that are empty
// after trimming are dropped.
func (s *Segmenter) Add(token string) []string {
	s.buf += token

	var out []string
	for {
		idx := strings.IndexAny(s.buf, sentenceTerminators)
		if idx < 0 {
			break
		}
		_, size := utf8.DecodeRuneInString(s.buf[idx:])
		end := idx + size
		if sentence := strings.TrimSpace(s.buf[:end]); sentence != "" {
			out = append(out, sentence)
		}
		s.buf = s.buf[end:]
	}
	return out
}

// Flush returns the trimmed remainder and clears the buffer. The boolean is
// false when nothing but whitespace was left.
func (s *Segmenter) Flush() (string, bool) {
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest, rest != ""
}

// Reset discards buffered text.
func (s *Segmenter) Reset() { s.buf = "" }
