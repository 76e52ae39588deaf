// Package validation checks configuration-supplied paths before they
// reach the filesystem.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath indicates an invalid or unsafe path.
	ErrInvalidPath = fmt.Errorf("invalid or unsafe path")

	// ErrPathTraversal indicates a path traversal attempt.
	ErrPathTraversal = fmt.Errorf("path traversal attempt detected")

	// ErrAbsolutePathRequired indicates an absolute path was required but not provided.
	ErrAbsolutePathRequired = fmt.Errorf("absolute path required")
)

// IsPathSafe performs lightweight checks on a path without filesystem
// access: no null bytes, no ".." parent-directory references.
func IsPathSafe(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("%w: contains null byte", ErrInvalidPath)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: contains parent directory reference", ErrPathTraversal)
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%w: cleaned path contains ..", ErrPathTraversal)
	}
	return nil
}

// ValidateConfigPath validates a configuration file path. Config files
// must be absolute paths to prevent ambiguity about the working
// directory a crawl or the server was started from.
func ValidateConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty config path", ErrInvalidPath)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: config path must be absolute", ErrAbsolutePathRequired)
	}
	if err := IsPathSafe(path); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
