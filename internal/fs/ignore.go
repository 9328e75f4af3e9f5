package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-directory file listing extra ignore entries.
const IgnoreFileName = ".parallelignore"

// defaultIgnoreEntries are always applied regardless of policy or ignore file.
var defaultIgnoreEntries = []string{"*/" + IgnoreFileName}

type ruleKind int

const (
	rulePrefix  ruleKind = iota // path starts with the entry
	ruleSegment                 // "name/": some path segment equals name, any case
	ruleSuffix                  // "*tail": path ends with tail
)

type ignoreRule struct {
	entry string
	kind  ruleKind
}

// IgnoreMatcher checks slash-separated absolute paths against ignore entries.
//
//	/abs/prefix   matches anything starting with /abs/prefix
//	name/         matches when any path segment equals name, case-insensitively
//	*suffix       matches anything ending with suffix
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses entries. Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(entries []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	m.Add(defaultIgnoreEntries...)
	m.Add(entries...)
	return m
}

// Add appends entries to the matcher.
func (m *IgnoreMatcher) Add(entries ...string) {
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		e = filepath.ToSlash(e)
		switch {
		case strings.HasPrefix(e, "*"):
			m.rules = append(m.rules, ignoreRule{entry: e[1:], kind: ruleSuffix})
		case isSegmentEntry(e):
			m.rules = append(m.rules, ignoreRule{entry: strings.TrimSuffix(e, "/"), kind: ruleSegment})
		default:
			m.rules = append(m.rules, ignoreRule{entry: e, kind: rulePrefix})
		}
	}
}

// isSegmentEntry reports whether e has the form "name/".
func isSegmentEntry(e string) bool {
	name, ok := strings.CutSuffix(e, "/")
	return ok && name != "" && !strings.Contains(name, "/")
}

// Len returns the number of rules.
func (m *IgnoreMatcher) Len() int { return len(m.rules) }

// Match reports whether p should be ignored.
func (m *IgnoreMatcher) Match(p string) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	p = filepath.ToSlash(p)

	var segments []string
	for _, r := range m.rules {
		switch r.kind {
		case rulePrefix:
			if strings.HasPrefix(p, r.entry) {
				return true
			}
		case ruleSuffix:
			if strings.HasSuffix(p, r.entry) {
				return true
			}
		case ruleSegment:
			if segments == nil {
				segments = strings.Split(p, "/")
			}
			for _, s := range segments {
				if strings.EqualFold(s, r.entry) {
					return true
				}
			}
		}
	}
	return false
}

// LoadIgnoreMatcher builds the matcher for one scan root: the policy entries
// plus the root's .parallelignore. Relative prefix entries in the file are
// resolved against root.
func LoadIgnoreMatcher(root string, entries []string) (*IgnoreMatcher, error) {
	m := NewIgnoreMatcher(entries)

	extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	slashRoot := filepath.ToSlash(root)
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e == "" || strings.HasPrefix(e, "#") || strings.HasPrefix(e, "*") {
			m.Add(e)
			continue
		}
		e = filepath.ToSlash(e)
		if isSegmentEntry(e) {
			m.Add(e)
			continue
		}
		if !path.IsAbs(e) && !filepath.IsAbs(e) {
			e = path.Join(slashRoot, e)
		}
		m.Add(e)
	}
	return m, nil
}

// ParseIgnoreFile reads an ignore file and returns its raw lines.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
