package bridge

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// acl is a compiled allow list. With no patterns it falls back to its
// open policy: resource names default open, file paths default closed.
type acl struct {
	patterns []string
	open     bool
}

func newACL(patterns []string, open bool) (*acl, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid allow pattern %q", p)
		}
	}
	return &acl{patterns: patterns, open: open}, nil
}

func (a *acl) allowed(name string) bool {
	if len(a.patterns) == 0 {
		return a.open
	}
	for _, p := range a.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// allowedPath matches with slashes normalized so patterns written with
// forward slashes hold on every host.
func (a *acl) allowedPath(path string) bool {
	return a.allowed(filepath.ToSlash(path))
}
