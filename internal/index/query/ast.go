// Package query implements the search query language: a recursive-descent
// parser that compiles a query string into an AST with OR, implicit AND,
// NOT/-, grouping, phrases, field qualifiers, wildcards, and fuzzy terms.
package query

// Kind discriminates the AST node variants.
type Kind int

const (
	// KindMatchAll represents an empty query: match every document.
	KindMatchAll Kind = iota
	KindTerm
	KindPhrase
	KindAnd
	KindOr
	KindNot
	KindField
)

// Node is a single AST node. Which fields are meaningful depends on Kind:
//   - KindTerm/KindPhrase: Text (plus Wildcard/Fuzzy/FuzzyDistance/Prefix on KindTerm)
//   - KindAnd/KindOr: Children (2 or more)
//   - KindNot: Children[0] is the negated clause
//   - KindField: Field names the qualifier, Children[0] is the qualified clause
type Node struct {
	Kind Kind

	Text string // literal term or phrase text, already unescaped

	Wildcard      bool // contains '*' or '?'
	Prefix        bool // ends with '*' and contains no other wildcard char
	Fuzzy         bool
	FuzzyDistance int // default 1 when Fuzzy is set and no ~N suffix given

	Field string

	Children []*Node
}
