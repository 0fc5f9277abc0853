// Package security guards filesystem paths that arrive in API requests.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrNoMediaRoots is returned when no roots are configured.
	ErrNoMediaRoots = errors.New("no media roots configured")
	// ErrOutsideMediaRoots is returned for paths that resolve outside every
	// configured root.
	ErrOutsideMediaRoots = errors.New("path is outside the allowed media roots")
)

// ValidateMediaPath checks that path, after cleaning and symlink
// resolution, lies inside one of roots. The path itself need not exist; its
// deepest existing ancestor is resolved instead, so a symlinked parent
// cannot be used to escape.
func ValidateMediaPath(path string, roots []string) error {
	if len(roots) == 0 {
		return ErrNoMediaRoots
	}
	canonical, err := canonicalPath(path)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if within(canonical, root) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideMediaRoots, path)
}

// within reports whether canonical lies in root. Roots that cannot be
// resolved match nothing.
func within(canonical, root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(resolved, canonical)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	// walk up to the deepest existing ancestor and re-attach the remainder
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs, nil
		}
	}
}
