package crawl

import "path/filepath"

// pathMatch wraps filepath.Match for shell-glob exclusion patterns
// (e.g. "*.generated.go"), matching the provider crawler's
// include/exclude glob semantics and the classifier's skip list.
func pathMatch(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}
