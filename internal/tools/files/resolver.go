// Package files provides filesystem tools confined to a workspace root.
// Every path a tool touches is canonicalized and checked against the root
// before any I/O happens.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver canonicalizes paths against a workspace root and rejects any
// path that lands outside it, including escapes via "..", absolute paths,
// or symlinked roots.
type Resolver struct {
	Root string
}

// Resolve returns the absolute, cleaned path for a workspace path. Relative
// paths are joined under the root; absolute paths are accepted only when
// they stay inside it.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	rootAbs, err := r.rootAbs()
	if err != nil {
		return "", err
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return targetAbs, nil
}

// rootAbs canonicalizes the workspace root. Symlinks in the root itself are
// resolved so the containment check compares real locations.
func (r Resolver) rootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
