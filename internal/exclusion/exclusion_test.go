package exclusion

import "testing"

func newTestFilter() *Filter {
	return New(Config{
		IgnoredExtensions: []string{"bak"},
		IgnoredFolders:    []string{"vendor"},
		IgnoredPaths:      []string{"Projects/secret.txt"},
	})
}

func TestShouldIgnore_BuiltinBlacklistComponent(t *testing.T) {
	f := newTestFilter()
	cases := []string{
		"repo/.git/config",
		"Photos/.DS_Store",
		"app/node_modules/pkg/index.js",
		"archive/__MACOSX/file",
		"share/Thumbs.db",
		"share/Desktop.ini",
		"repo/.svn/entries",
	}
	for _, c := range cases {
		if !f.ShouldIgnore(c) {
			t.Errorf("expected %q to be ignored", c)
		}
	}
}

func TestShouldIgnore_TempFilePrefix(t *testing.T) {
	f := newTestFilter()
	if !f.ShouldIgnore("Documents/~$budget.xlsx") {
		t.Error("expected lock-file prefix to be ignored")
	}
}

func TestShouldIgnore_BuiltinExtensions(t *testing.T) {
	f := newTestFilter()
	for _, name := range []string{"a.tmp", "a.temp", "a.swp", "a.lock"} {
		if !f.ShouldIgnore(name) {
			t.Errorf("expected %q to be ignored", name)
		}
	}
}

func TestShouldIgnore_UserExtension(t *testing.T) {
	f := newTestFilter()
	if !f.ShouldIgnore("notes/draft.BAK") {
		t.Error("expected user extension match to be case-insensitive")
	}
}

func TestShouldIgnore_UserFolder(t *testing.T) {
	f := newTestFilter()
	if !f.ShouldIgnore("app/Vendor/lib.go") {
		t.Error("expected user folder match to be case-insensitive")
	}
}

func TestShouldIgnore_UserPath(t *testing.T) {
	f := newTestFilter()
	if !f.ShouldIgnore("Projects/secret.txt") {
		t.Error("expected exact user path to be ignored")
	}
}

func TestShouldIgnore_OrdinaryFileNotIgnored(t *testing.T) {
	f := newTestFilter()
	if f.ShouldIgnore("Documents/report.pdf") {
		t.Error("did not expect ordinary file to be ignored")
	}
}

func TestShouldIgnore_IsIdempotent(t *testing.T) {
	f := newTestFilter()
	path := "Documents/report.pdf"
	first := f.ShouldIgnore(path)
	second := f.ShouldIgnore(path)
	if first != second {
		t.Error("ShouldIgnore must be a pure function of its inputs")
	}
}

func TestShouldIgnoreSize_ExcludesOverLimit(t *testing.T) {
	f := New(Config{MaxSizeBytes: 1024})
	if f.ShouldIgnoreSize(1024) {
		t.Error("did not expect a file exactly at the limit to be ignored")
	}
	if !f.ShouldIgnoreSize(1025) {
		t.Error("expected a file over the limit to be ignored")
	}
}

func TestShouldIgnoreSize_ZeroMeansUnlimited(t *testing.T) {
	f := New(Config{})
	if f.ShouldIgnoreSize(1 << 40) {
		t.Error("expected a zero limit to never ignore on size")
	}
}

func TestTemporaryExclusion_AddAndRemove(t *testing.T) {
	f := newTestFilter()
	path := "Projects/inflight/draft.txt"
	if f.ShouldIgnore(path) {
		t.Fatal("path should not be ignored before exclusion")
	}

	f.AddTemporaryExclusion("Projects/inflight")
	if !f.ShouldIgnore(path) {
		t.Error("expected path under temporary prefix to be ignored")
	}
	if !f.ShouldIgnore("Projects/inflight") {
		t.Error("expected the exact prefix itself to be ignored")
	}

	f.RemoveTemporaryExclusion("Projects/inflight")
	if f.ShouldIgnore(path) {
		t.Error("expected exclusion to be lifted after removal")
	}
}
