// Package filter decides whether a raw change notification is in scope for
// logging. Decisions are pure: no filesystem access and no logging.
package filter

import (
	"path/filepath"
	"strings"

	"github.com/tripwire/filemon/internal/watcher"
)

// Filter holds the exclusion roots and suffix allow-list. It is immutable
// after New and safe for concurrent use.
type Filter struct {
	excluded []string
	suffixes []string
}

// New returns a Filter. Excluded directories are cleaned and made absolute;
// they are compared lexically and need not exist.
func New(excludedDirs, allowedSuffixes []string) *Filter {
	f := &Filter{
		suffixes: append([]string(nil), allowedSuffixes...),
	}
	for _, d := range excludedDirs {
		if d == "" {
			continue
		}
		f.excluded = append(f.excluded, absolute(d))
	}
	return f
}

// Accept reports whether an event on path should be logged.
func (f *Filter) Accept(path string, isDir bool, kind watcher.Kind) bool {
	if isDir || kind == watcher.Opened {
		return false
	}
	if f.Excluded(path) {
		return false
	}
	return f.Allowed(path)
}

// Excluded reports whether path lies at or below any exclusion root. Only
// whole path segments match: /etc/conf-x is not below /etc/conf.
func (f *Filter) Excluded(path string) bool {
	p := absolute(path)
	for _, root := range f.excluded {
		if within(p, root) {
			return true
		}
	}
	return false
}

// Allowed reports whether path ends with one of the configured suffixes.
// Matching is case-sensitive.
func (f *Filter) Allowed(path string) bool {
	for _, s := range f.suffixes {
		if s != "" && strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// Accept is the stateless form of (*Filter).Accept.
func Accept(path string, isDir bool, kind watcher.Kind, excludedDirs, allowedSuffixes []string) bool {
	return New(excludedDirs, allowedSuffixes).Accept(path, isDir, kind)
}

// within reports whether path equals root or lies below it. Both must be
// clean absolute paths.
func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// absolute cleans p and makes it absolute against the working directory,
// falling back to the cleaned input.
func absolute(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
