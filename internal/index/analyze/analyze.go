// Package analyze implements the per-field tokenizers used by the indexer:
// a lowercase word-boundary analyzer for free-text fields and a
// path analyzer that emits both whole-path and per-segment tokens.
package analyze

import (
	"strings"
	"unicode"
)

// Token is a single analyzed term with the position where it starts in
// the original field value (Word counts it in runes, not bytes). The
// highlighter locates matches on its own and does not read Offset.
type Token struct {
	Term   string
	Offset int
}

// Word splits s on non-alphanumeric boundaries and lowercases each term,
// matching the "standard word-boundary analyzer with lowercase folding"
// used for the content and name fields.
func Word(s string) []Token {
	var tokens []Token
	runes := []rune(s)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		term := strings.ToLower(string(runes[start:end]))
		tokens = append(tokens, Token{Term: term, Offset: start})
		start = -1
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(runes))
	return tokens
}

// Path tokenizes a file path into the whole-path token (lowercased, as a
// single term) plus one token per path segment, so both "src/auth.rs"
// and "auth" match a query against the path field.
func Path(s string) []Token {
	tokens := []Token{{Term: strings.ToLower(s), Offset: 0}}
	segments := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	offset := 0
	for _, seg := range segments {
		idx := strings.Index(s[offset:], seg)
		if idx >= 0 {
			offset += idx
		}
		for _, t := range Word(seg) {
			tokens = append(tokens, Token{Term: t.Term, Offset: offset + t.Offset})
		}
		offset += len(seg)
	}
	return tokens
}

// Keyword treats the whole value as a single, unmodified token. Used for
// faceted fields (project, version, extension, repository_id) which must
// not be split.
func Keyword(s string) []Token {
	if s == "" {
		return nil
	}
	return []Token{{Term: s, Offset: 0}}
}

// Terms extracts just the term strings from a token slice.
func Terms(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}
