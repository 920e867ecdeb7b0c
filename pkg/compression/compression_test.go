package compression

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDump(t *testing.T, dir string) (string, string) {
	t.Helper()
	content := strings.Repeat("INSERT INTO t VALUES (1, 'row');\n", 2000)
	path := filepath.Join(dir, "nightly_2024-03-01.sql")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func TestCompressFile(t *testing.T) {
	for _, format := range []Format{Gzip, Zstd} {
		for _, level := range []Level{Default, Fastest, Better, Best} {
			t.Run(format.String()+"_"+level.String(), func(t *testing.T) {
				dir := t.TempDir()
				src, content := writeDump(t, dir)

				res, err := CompressFile(context.Background(), src, Plan{Format: format, Level: level})
				if err != nil {
					t.Fatalf("CompressFile failed: %v", err)
				}
				if res.Path != src+format.Ext() {
					t.Errorf("unexpected target %s", res.Path)
				}
				if res.BytesRead != int64(len(content)) {
					t.Errorf("read %d bytes, want %d", res.BytesRead, len(content))
				}
				if res.BytesWritten <= 0 || res.BytesWritten >= res.BytesRead {
					t.Errorf("expected compressed output smaller than input, got %d", res.BytesWritten)
				}
				if _, err := os.Stat(src); !os.IsNotExist(err) {
					t.Error("source should be removed after compression")
				}

				r, err := OpenReader(res.Path, format)
				if err != nil {
					t.Fatalf("OpenReader failed: %v", err)
				}
				defer r.Close()
				got, err := io.ReadAll(r)
				if err != nil {
					t.Fatalf("read back failed: %v", err)
				}
				if string(got) != content {
					t.Error("decompressed content does not match")
				}
			})
		}
	}
}

func TestCompressFileKeepSource(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeDump(t, dir)

	if _, err := CompressFile(context.Background(), src, Plan{Format: Gzip, KeepSource: true}); err != nil {
		t.Fatalf("CompressFile failed: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source should be kept: %v", err)
	}
}

func TestCompressFileReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	src, content := writeDump(t, dir)
	if err := os.WriteFile(src+".gz", []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := CompressFile(context.Background(), src, Plan{Format: Gzip}); err != nil {
		t.Fatalf("CompressFile failed: %v", err)
	}
	r, err := OpenReader(src+".gz", Gzip)
	if err != nil {
		t.Fatalf("existing target was not replaced with a valid archive: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != content {
		t.Error("unexpected content after replace")
	}
}

func TestCompressFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CompressFile(context.Background(), filepath.Join(dir, "missing.sql"), Plan{Format: Gzip})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestCompressFileCancelled(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeDump(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CompressFile(ctx, src, Plan{Format: Zstd}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source must survive a failed compression")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the source to remain, got %d entries", len(entries))
	}
}

func TestParse(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != Gzip {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("zip"); err == nil {
		t.Error("expected error for zip")
	}
	if l, err := ParseLevel("best"); err != nil || l != Best {
		t.Errorf("ParseLevel(best) = %v, %v", l, err)
	}
	var f Format
	if err := f.UnmarshalJSON([]byte(`"zstd"`)); err != nil || f != Zstd {
		t.Errorf("UnmarshalJSON = %v, %v", f, err)
	}
	if err := f.UnmarshalJSON([]byte(`"bzip2"`)); err == nil {
		t.Error("expected error for unknown format")
	}
}
