// Package chunking splits a Resource's content into overlapping,
// boundary-aware text chunks, preferring paragraph breaks, then sentence
// boundaries, then whitespace, over raw character slicing.
package chunking

import (
	"regexp"
	"strings"

	ltmcerrors "ltmc/internal/errors"
)

// Config holds the chunker's target size and overlap, both in characters.
type Config struct {
	TargetSize int // T, the target chunk size, default 512
	Overlap    int // O, the chunk overlap, default 50
}

// DefaultConfig returns the suggested T=512/O=50.
func DefaultConfig() Config {
	return Config{TargetSize: 512, Overlap: 50}
}

// Chunker splits text into chunks no more than TargetSize*1.1 characters
// (the hard "never exceed by more than 10%" ceiling), preferring to
// break on paragraph boundaries, then sentence boundaries, then whitespace,
// and only splitting mid-word as a last resort. Splitting the same input
// twice yields the same chunks (idempotent).
type Chunker struct {
	cfg Config
}

// New builds a Chunker; a zero-value Config falls back to DefaultConfig.
func New(cfg Config) *Chunker {
	if cfg.TargetSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Chunker{cfg: cfg}
}

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceBreak  = regexp.MustCompile(`(?s)[.!?]\s+`)
)

// Split breaks text into chunks. Returns InvalidParams for an empty input:
// chunking nothing is a caller error, not a zero-chunk success.
func (c *Chunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ltmcerrors.NewInvalidParams("chunking", "Split", "text must not be empty")
	}

	ceiling := c.cfg.TargetSize + c.cfg.TargetSize/10
	var chunks []string
	pos := 0
	runes := []rune(text)
	n := len(runes)

	for pos < n {
		end := pos + c.cfg.TargetSize
		if end >= n {
			chunks = append(chunks, strings.TrimSpace(string(runes[pos:n])))
			break
		}
		end = c.findBoundary(runes, pos, end, ceiling)

		chunk := strings.TrimSpace(string(runes[pos:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := end - c.cfg.Overlap
		if next <= pos {
			next = end // guarantee forward progress even with a tiny target size
		}
		pos = next
	}

	return chunks, nil
}

// findBoundary picks a break point within [start, ceiling], preferring
// paragraph > sentence > whitespace breaks: of each kind, the first break
// ending at or after target, else the last one before it. With no break of
// any kind in the window it falls back to a hard cut at target.
func (c *Chunker) findBoundary(runes []rune, start, target, ceilingOffset int) int {
	n := len(runes)
	ceiling := start + ceilingOffset
	if ceiling > n {
		ceiling = n
	}
	if target > n {
		target = n
	}
	window := string(runes[start:ceiling])
	targetOffset := target - start

	if loc := lastMatchBefore(paragraphBreak, window, targetOffset); loc >= 0 {
		return start + loc
	}
	if loc := lastMatchBefore(sentenceBreak, window, targetOffset); loc >= 0 {
		return start + loc
	}
	if loc := lastWhitespaceBefore(window, targetOffset); loc >= 0 {
		return start + loc
	}
	if target < n {
		return target
	}
	return n
}

// lastMatchBefore returns the end offset of the first regex match whose end
// falls within [targetOffset, len(window)]; if no match ends that late it
// returns the end of the last match before targetOffset, and -1 when the
// window has no match at all. Taking the first match past targetOffset
// (not the overall last match in the window) keeps the chosen boundary as close to the target size as
// possible while still honoring the ceiling.
func lastMatchBefore(re *regexp.Regexp, window string, targetOffset int) int {
	matches := re.FindAllStringIndex(window, -1)
	best := -1
	for _, m := range matches {
		if m[1] >= targetOffset && m[1] <= len(window) {
			return m[1]
		}
		best = m[1]
	}
	if best >= 0 && best <= len(window) {
		return best
	}
	return -1
}

func lastWhitespaceBefore(window string, targetOffset int) int {
	if targetOffset > len(window) {
		targetOffset = len(window)
	}
	for i := targetOffset; i < len(window); i++ {
		if window[i] == ' ' || window[i] == '\n' || window[i] == '\t' {
			return i + 1
		}
	}
	for i := targetOffset - 1; i >= 0; i-- {
		if window[i] == ' ' || window[i] == '\n' || window[i] == '\t' {
			return i + 1
		}
	}
	return -1
}
