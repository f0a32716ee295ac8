package virtualization

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreFileName is read from the dot directory to extend the watcher's
// ignore list.
const IgnoreFileName = "watchignore"

// Ignore holds name patterns the watcher skips.
type Ignore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// DefaultIgnore skips the git directory and the temp files left by atomic
// writers.
func DefaultIgnore() *Ignore {
	return &Ignore{patterns: []ignorePattern{
		{pattern: ".git", dirOnly: true},
		{pattern: "*.tmp-*"},
	}}
}

// LoadIgnore returns the default patterns plus those in path. A missing or
// unreadable file adds nothing.
func LoadIgnore(fsys afero.Fs, path string) *Ignore {
	ig := DefaultIgnore()

	f, err := fsys.Open(path)
	if err != nil {
		return ig
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		ig.patterns = append(ig.patterns, p)
	}
	return ig
}

// IsIgnored reports whether an entry called name matches any pattern.
// dirOnly patterns only match directories.
func (ig *Ignore) IsIgnored(name string, isDir bool) bool {
	if ig == nil {
		return false
	}
	for _, p := range ig.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matched, _ := filepath.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}

// IsIgnoredPath reports whether any directory component of the
// slash-separated relative path, or its final element, is ignored.
func (ig *Ignore) IsIgnoredPath(rel string, isDir bool) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		last := i == len(parts)-1
		if ig.IsIgnored(part, !last || isDir) {
			return true
		}
	}
	return false
}
