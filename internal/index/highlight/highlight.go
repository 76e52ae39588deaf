// Package highlight extracts and marks up snippets around query-term
// matches.
package highlight

import (
	"sort"
	"strings"
)

const (
	defaultMaxSnippets = 3
	defaultMaxLen      = 150
	joinSeparator      = "\n[...]\n"
)

// Snippets extracts up to maxSnippets windows of up to maxLen characters
// from content, centered on occurrences of any term in terms, with
// matches delimited by <mark>...</mark>. The snippets are returned
// separately; Join concatenates them with "\n[...]\n". Matching is
// case-insensitive and whole-token (term must
// not be embedded in a longer alphanumeric run).
func Snippets(content string, terms []string, maxSnippets, maxLen int) []string {
	if maxSnippets <= 0 {
		maxSnippets = defaultMaxSnippets
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	if content == "" || len(terms) == 0 {
		return nil
	}

	matches := findMatches(content, terms)
	if len(matches) == 0 {
		return nil
	}

	windows := mergeWindows(content, matches, maxLen)
	if len(windows) > maxSnippets {
		windows = windows[:maxSnippets]
	}

	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, renderWindow(content, w))
	}
	return out
}

// PathSnippet produces a single path-level snippet, with the same
// delimiters as content snippets, when the query also matched the path
// field.
func PathSnippet(path string, terms []string) string {
	matches := findMatches(path, terms)
	if len(matches) == 0 {
		return ""
	}
	w := window{start: 0, end: len(path), matches: matches}
	return renderWindow(path, w)
}

type match struct {
	start, end int
}

type window struct {
	start, end int
	matches    []match
}

func findMatches(text string, terms []string) []match {
	lower := strings.ToLower(text)
	var matches []match
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(term, "*"), "?"))
		if term == "" {
			continue
		}
		start := 0
		for {
			idx := strings.Index(lower[start:], term)
			if idx < 0 {
				break
			}
			abs := start + idx
			if isWordBoundary(lower, abs, abs+len(term)) {
				matches = append(matches, match{start: abs, end: abs + len(term)})
			}
			start = abs + len(term)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })
	return matches
}

func isWordBoundary(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// mergeWindows groups nearby matches into non-overlapping windows of at
// most maxLen characters; a cluster of matches wider than maxLen is split
// across consecutive windows.
func mergeWindows(content string, matches []match, maxLen int) []window {
	var windows []window
	var cur *window
	for _, m := range matches {
		center := (m.start + m.end) / 2
		wStart := center - maxLen/2
		if wStart < 0 {
			wStart = 0
		}
		wEnd := wStart + maxLen
		if wEnd > len(content) {
			wEnd = len(content)
			wStart = wEnd - maxLen
			if wStart < 0 {
				wStart = 0
			}
		}
		if cur != nil && wStart <= cur.end && m.end <= cur.start+maxLen {
			if wEnd > cur.start+maxLen {
				wEnd = cur.start + maxLen
			}
			if wEnd > cur.end {
				cur.end = wEnd
			}
			cur.matches = append(cur.matches, m)
			continue
		}
		if cur != nil {
			if wStart < cur.end {
				if m.start < cur.end {
					cur.end = m.start
				}
				wStart = cur.end
				wEnd = wStart + maxLen
				if wEnd > len(content) {
					wEnd = len(content)
				}
			}
			windows = append(windows, *cur)
		}
		cur = &window{start: wStart, end: wEnd, matches: []match{m}}
	}
	if cur != nil {
		windows = append(windows, *cur)
	}
	return windows
}

func renderWindow(content string, w window) string {
	var b strings.Builder
	pos := w.start
	for _, m := range w.matches {
		if m.start < pos {
			continue
		}
		b.WriteString(content[pos:m.start])
		b.WriteString("<mark>")
		b.WriteString(content[m.start:m.end])
		b.WriteString("</mark>")
		pos = m.end
	}
	if pos < w.end {
		b.WriteString(content[pos:w.end])
	}
	return b.String()
}

// Join concatenates snippets with the standard separator.
func Join(snippets []string) string {
	return strings.Join(snippets, joinSeparator)
}
