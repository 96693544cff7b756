// Package exclusion decides whether a path should be skipped by the
// backup core. The decision is a pure function of its inputs: no I/O, no
// hidden state beyond the configured rule lists.
package exclusion

import (
	"path/filepath"
	"strings"
	"sync"
)

var builtinBlacklistComponents = map[string]struct{}{
	".git":       {},
	".DS_Store":  {},
	"node_modules": {},
	"__MACOSX":   {},
	"Thumbs.db":  {},
	"Desktop.ini": {},
	".svn":       {},
}

var builtinIgnoredExtensions = map[string]struct{}{
	"tmp":  {},
	"temp": {},
	"swp":  {},
	"lock": {},
}

// Filter evaluates should_ignore against built-in rules, user-configured
// extension/folder/path lists, and a mutable set of temporarily-excluded
// path prefixes, matched against the same relative path.
type Filter struct {
	userExtensions map[string]struct{}
	userFolders    map[string]struct{}
	userPaths      map[string]struct{}
	maxSizeBytes   int64

	mu                sync.RWMutex
	temporaryPrefixes []string
}

// Config lists the user-configured rules a Filter is built from.
type Config struct {
	IgnoredExtensions []string
	IgnoredFolders    []string
	IgnoredPaths      []string
	// MaxSizeBytes excludes any file larger than this. Zero means unlimited.
	MaxSizeBytes int64
}

// New builds a Filter from the given configuration.
func New(cfg Config) *Filter {
	f := &Filter{
		userExtensions: toSet(cfg.IgnoredExtensions),
		userFolders:    toSet(cfg.IgnoredFolders),
		userPaths:      toSet(cfg.IgnoredPaths),
		maxSizeBytes:   cfg.MaxSizeBytes,
	}
	return f
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = struct{}{}
	}
	return set
}

// ShouldIgnore reports whether path (forward-slash-separated, relative)
// must be skipped.
func (f *Filter) ShouldIgnore(path string) bool {
	components := strings.Split(path, "/")

	for _, c := range components {
		if _, blacklisted := builtinBlacklistComponents[c]; blacklisted {
			return true
		}
		if strings.HasPrefix(c, "~$") {
			return true
		}
		lc := strings.ToLower(c)
		if _, ignored := f.userFolders[lc]; ignored {
			return true
		}
	}

	base := components[len(components)-1]
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	lowerExt := strings.ToLower(ext)
	if _, ignored := builtinIgnoredExtensions[lowerExt]; ignored {
		return true
	}
	if _, ignored := f.userExtensions[lowerExt]; ignored {
		return true
	}

	if _, ignored := f.userPaths[strings.ToLower(path)]; ignored {
		return true
	}

	return f.matchesTemporaryPrefix(path)
}

// ShouldIgnoreSize reports whether a file of the given size must be
// skipped under the configured MaxSizeBytes predicate.
func (f *Filter) ShouldIgnoreSize(size int64) bool {
	return f.maxSizeBytes > 0 && size > f.maxSizeBytes
}

func (f *Filter) matchesTemporaryPrefix(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, prefix := range f.temporaryPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// AddTemporaryExclusion records a path prefix to skip until explicitly
// removed — used when the user pauses backup for one subtree. The prefix
// is compared with the relative path ShouldIgnore receives, as the whole
// path or a leading run of whole components; an absolute path prefix
// matches nothing.
func (f *Filter) AddTemporaryExclusion(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.temporaryPrefixes {
		if existing == prefix {
			return
		}
	}
	f.temporaryPrefixes = append(f.temporaryPrefixes, prefix)
}

// RemoveTemporaryExclusion un-excludes a previously added prefix.
func (f *Filter) RemoveTemporaryExclusion(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.temporaryPrefixes[:0]
	for _, existing := range f.temporaryPrefixes {
		if existing != prefix {
			out = append(out, existing)
		}
	}
	f.temporaryPrefixes = out
}

// TemporaryExclusions returns a snapshot of the current temporary prefixes.
func (f *Filter) TemporaryExclusions() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.temporaryPrefixes))
	copy(out, f.temporaryPrefixes)
	return out
}
