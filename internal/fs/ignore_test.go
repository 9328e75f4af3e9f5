package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		if got := m.Len() - len(defaultIgnoreEntries); got != 1 {
			t.Fatalf("expected 1 rule, got %d", got)
		}
	})

	t.Run("classifies entries", func(t *testing.T) {
		t.Parallel()
		m := &IgnoreMatcher{}
		m.Add("*.desktop", "lost+found/", "/home/u/vault", "a/b/")
		want := []ruleKind{ruleSuffix, ruleSegment, rulePrefix, rulePrefix}
		for i, r := range m.rules {
			if r.kind != want[i] {
				t.Errorf("rule %d (%s) kind = %d, want %d", i, r.entry, r.kind, want[i])
			}
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		path    string
		want    bool
	}{
		{name: "prefix matches subtree", entries: []string{"/mnt/vault"}, path: "/mnt/vault/Parallel/x", want: true},
		{name: "prefix matches itself", entries: []string{"/mnt/vault"}, path: "/mnt/vault", want: true},
		{name: "prefix is literal", entries: []string{"/mnt/vault"}, path: "/mnt/vault2/a", want: true},
		{name: "prefix is case sensitive", entries: []string{"/mnt/Vault"}, path: "/mnt/vault/a", want: false},
		{name: "prefix elsewhere does not match", entries: []string{"/mnt/vault"}, path: "/home/u/mnt/vault", want: false},
		{name: "segment in the middle", entries: []string{".cache/"}, path: "/home/u/.cache/thumbs/a.png", want: true},
		{name: "segment ignores case", entries: []string{"$RECYCLE.BIN/"}, path: "D:/$Recycle.Bin/x", want: true},
		{name: "segment is whole", entries: []string{"cache/"}, path: "/home/u/.cache/a", want: false},
		{name: "segment as the file name", entries: []string{"lost+found/"}, path: "/lost+found", want: true},
		{name: "suffix", entries: []string{"*.desktop"}, path: "/home/u/Desktop/app.desktop", want: true},
		{name: "suffix mismatch", entries: []string{"*.desktop"}, path: "/home/u/Desktop/app.desktop.bak", want: false},
		{name: "suffix is case sensitive", entries: []string{"*.DS_Store"}, path: "/a/.ds_store", want: false},
		{name: "ignore file always ignored", path: "/home/u/Documents/.parallelignore", want: true},
		{name: "no entries", path: "/home/u/a.txt", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.entries)
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_Nil(t *testing.T) {
	var m *IgnoreMatcher
	if m.Match("/anything") {
		t.Error("nil matcher matched")
	}
}

func TestLoadIgnoreMatcher(t *testing.T) {
	root := t.TempDir()
	content := "# build output\nbuild\n*.tmp\nnode_modules/\n/abs/elsewhere\n\n"
	if err := os.WriteFile(filepath.Join(root, IgnoreFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	slashRoot := filepath.ToSlash(root)

	m, err := LoadIgnoreMatcher(root, []string{"*.desktop"})
	if err != nil {
		t.Fatalf("LoadIgnoreMatcher() error = %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{path: slashRoot + "/build/out.o", want: true},
		{path: slashRoot + "/src/build/out.o", want: false},
		{path: slashRoot + "/x.tmp", want: true},
		{path: slashRoot + "/web/node_modules/a.js", want: true},
		{path: "/abs/elsewhere/f", want: true},
		{path: slashRoot + "/app.desktop", want: true},
		{path: slashRoot + "/keep.txt", want: false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		lines, err := ParseIgnoreFile(filepath.Join(t.TempDir(), "nope"))
		if err != nil || lines != nil {
			t.Errorf("ParseIgnoreFile() = %v, %v; want nil, nil", lines, err)
		}
	})

	t.Run("directory is an error", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := ParseIgnoreFile(dir); err == nil {
			t.Error("expected error reading a directory")
		}
	})
}
