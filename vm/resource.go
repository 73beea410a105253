package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resource is a handle to an asset identified by its logical path
// (e.g. "icons/mob.dmi"). The engine never interprets its contents.
type Resource struct {
	Path string
}

func (r *Resource) String() string { return "'" + r.Path + "'" }

// ResourceLoader resolves logical resource paths. Loading is an external
// concern; the engine only needs a stable handle per path.
type ResourceLoader interface {
	Load(path string) (*Resource, error)
}

// DirLoader resolves resource paths against a root directory and rejects
// paths that escape it or do not exist.
type DirLoader struct {
	Root string
}

// Load implements ResourceLoader.
func (d DirLoader) Load(path string) (*Resource, error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." || strings.HasPrefix(clean, "../") || filepath.IsAbs(path) {
		return nil, fmt.Errorf("resource %q: path escapes resource root: %w", path, ErrInvalidReference)
	}
	if d.Root != "" {
		if _, err := os.Stat(filepath.Join(d.Root, clean)); err != nil {
			return nil, fmt.Errorf("resource %q: %w", path, err)
		}
	}
	return &Resource{Path: clean}, nil
}

// ResourceCache interns resources so one path always yields the same
// handle, which keeps resource values comparable by identity.
type ResourceCache struct {
	loader ResourceLoader
	byPath map[string]*Resource
}

// NewResourceCache wraps loader. A nil loader accepts any path.
func NewResourceCache(loader ResourceLoader) *ResourceCache {
	if loader == nil {
		loader = DirLoader{}
	}
	return &ResourceCache{loader: loader, byPath: make(map[string]*Resource)}
}

// Load returns the cached resource for path, loading it on first use.
func (c *ResourceCache) Load(path string) (*Resource, error) {
	if r, ok := c.byPath[path]; ok {
		return r, nil
	}
	r, err := c.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if existing, ok := c.byPath[r.Path]; ok {
		r = existing
	}
	c.byPath[path] = r
	c.byPath[r.Path] = r
	return r, nil
}

// Len returns the number of cached resources.
func (c *ResourceCache) Len() int { return len(c.byPath) }
