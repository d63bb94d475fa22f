// Package security confines sandbox tool IO to the workspace. The container
// is already the hard boundary; this layer keeps agent-supplied paths from
// wandering over the control server's own filesystem.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPathNotAllowed is returned when a path escapes the allowed roots.
var ErrPathNotAllowed = errors.New("security: path outside workspace")

// Guard validates and resolves agent-supplied paths against a set of
// allowed roots. The workspace root is always allowed.
type Guard struct {
	mu    sync.RWMutex
	roots []string
}

// NewGuard creates a guard rooted at the workspace directory.
func NewGuard(workspace string) *Guard {
	root := normalize(workspace)
	if root == "" {
		root = string(filepath.Separator)
	}
	return &Guard{roots: []string{root}}
}

// Allow registers an additional absolute prefix tools may touch.
func (g *Guard) Allow(path string) {
	p := normalize(path)
	if p == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.roots {
		if existing == p {
			return
		}
	}
	g.roots = append(g.roots, p)
}

// Resolve turns a workspace-relative path into an absolute one, rejecting
// traversal out of the allowed roots. Absolute inputs are treated as
// relative to the workspace.
func (g *Guard) Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("security: empty path")
	}
	g.mu.RLock()
	root := g.roots[0]
	g.mu.RUnlock()

	abs := filepath.Join(root, filepath.Clean(string(filepath.Separator)+rel))
	if err := g.Validate(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// Validate checks that an absolute path sits inside one of the allowed roots.
func (g *Guard) Validate(path string) error {
	abs := normalize(path)
	if abs == "" {
		return fmt.Errorf("security: empty path")
	}

	g.mu.RLock()
	roots := append([]string(nil), g.roots...)
	g.mu.RUnlock()

	for _, root := range roots {
		if within(abs, root) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathNotAllowed, abs)
}

func normalize(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	if path == root || root == string(filepath.Separator) {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
