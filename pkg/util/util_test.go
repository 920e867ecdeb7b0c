package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInvertMap(t *testing.T) {
	in := map[string]int{"a": 1, "b": 2}
	out := InvertMap(in)
	if len(out) != 2 || out[1] != "a" || out[2] != "b" {
		t.Errorf("unexpected inverted map: %v", out)
	}
}

func TestSanitizeFileName(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"pgl-dbbackup_nightly", "pgl-dbbackup_nightly"},
		{"site.example.com", "site_example_com"},
		{"my db/backup", "my_db_backup"},
		{"..hidden..", "hidden"},
	}
	for _, tc := range testCases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got, err := ExpandPath("~/backups")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if got != filepath.Join(home, "backups") {
		t.Errorf("got %q", got)
	}
	if got, _ := ExpandPath("/var/backups"); got != "/var/backups" {
		t.Errorf("absolute path should be unchanged, got %q", got)
	}
	if strings.HasPrefix(got, "~") {
		t.Error("tilde was not expanded")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	if FileExists(p) {
		t.Fatal("file should not exist yet")
	}
	if err := os.WriteFile(p, nil, UserWritableFilePerms); err != nil {
		t.Fatal(err)
	}
	if !FileExists(p) {
		t.Fatal("file should exist")
	}
}
