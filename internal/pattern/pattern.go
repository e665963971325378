// Package pattern implements the `pattern` tool's best-effort static
// analysis: regex-based function/class extraction and a heuristic code
// summary, deliberately not a real parser for any one language. A small
// set of deduplicated FindAllString passes cover the common function,
// type, and class declaration shapes across a handful of languages.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	goFunc     = regexp.MustCompile(`(?m)^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyFunc     = regexp.MustCompile(`(?m)^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	jsFunc     = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)
	arrowFunc  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=\s*(?:async\s*)?\([^)]*\)\s*=>`)
	goType     = regexp.MustCompile(`(?m)^\s*type\s+([A-Za-z_][A-Za-z0-9_]*)\s+struct\b`)
	pyClass    = regexp.MustCompile(`(?m)^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)\s*[:\(]`)
	jsClass    = regexp.MustCompile(`(?m)^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	commentGo  = regexp.MustCompile(`(?m)^\s*//.*$`)
	commentSh  = regexp.MustCompile(`(?m)^\s*#.*$`)
	blankLines = regexp.MustCompile(`(?m)^\s*$`)
)

// Functions extracts top-level function names from content, trying every
// language pattern and deduplicating; callers rarely know the exact
// dialect of a pasted snippet, so extraction stays language-agnostic.
func Functions(content string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{goFunc, pyFunc, jsFunc, arrowFunc} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			out = append(out, m[1])
		}
	}
	return unique(out)
}

// Classes extracts type/struct/class names from content (extract_classes).
func Classes(content string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{goType, pyClass, jsClass} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			out = append(out, m[1])
		}
	}
	return unique(out)
}

// Summary is the summarize_code heuristic reply: counts plus the functions
// and classes found, not a generated natural-language description.
type Summary struct {
	Lines         int
	CodeLines     int
	CommentLines  int
	BlankLines    int
	Functions     []string
	Classes       []string
	Headline      string
}

// Summarize computes a line-count breakdown and a one-line headline in
// "N functions, M classes across L lines" style, not generated prose.
func Summarize(content string) Summary {
	lines := strings.Split(content, "\n")
	functions := Functions(content)
	classes := Classes(content)

	comment := len(commentGo.FindAllString(content, -1)) + len(commentSh.FindAllString(content, -1))
	blank := len(blankLines.FindAllString(content, -1))
	code := len(lines) - comment - blank
	if code < 0 {
		code = 0
	}

	headline := fmt.Sprintf("%d functions, %d classes across %d lines", len(functions), len(classes), len(lines))

	return Summary{
		Lines:        len(lines),
		CodeLines:    code,
		CommentLines: comment,
		BlankLines:   blank,
		Functions:    functions,
		Classes:      classes,
		Headline:     headline,
	}
}

func unique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
