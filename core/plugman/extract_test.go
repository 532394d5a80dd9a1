package plugman

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildTarGz(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		typeflag := entry.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		header := &tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.body)),
			Typeflag: typeflag,
			Linkname: entry.linkname,
		}
		if typeflag == tar.TypeDir {
			header.Size = 0
			header.Mode = 0o755
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header %s: %v", entry.name, err)
		}
		if typeflag == tar.TypeReg && entry.body != "" {
			if _, err := tw.Write([]byte(entry.body)); err != nil {
				t.Fatalf("write body %s: %v", entry.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	path := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir not empty after failed extraction: %v", entries)
	}
}

func TestExtractValidArchive(t *testing.T) {
	archive := buildTarGz(t, []tarEntry{
		{name: "pack/", typeflag: tar.TypeDir},
		{name: "pack/plugins/demo/plugin.toml", body: "[plugin]\n"},
		{name: "pack/readme.txt", body: "hello"},
	})
	outDir := filepath.Join(t.TempDir(), "out")
	root, err := ExtractTarGzSafe(archive, outDir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if filepath.Base(root) != "pack" {
		t.Fatalf("root = %s", root)
	}
	if _, err := os.Stat(filepath.Join(root, "plugins", "demo", "plugin.toml")); err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
}

func TestExtractRejectsMaliciousArchives(t *testing.T) {
	cases := []struct {
		name    string
		entries []tarEntry
	}{
		{"traversal", []tarEntry{{name: "pack/../escape/file", body: "x"}}},
		{"absolute", []tarEntry{{name: "/etc/passwd", body: "x"}}},
		{"symlink", []tarEntry{{name: "pack/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}}},
		{"hardlink", []tarEntry{{name: "pack/hard", typeflag: tar.TypeLink, linkname: "pack/other"}}},
		{"device", []tarEntry{{name: "pack/dev", typeflag: tar.TypeChar}}},
		{"fifo", []tarEntry{{name: "pack/fifo", typeflag: tar.TypeFifo}}},
		{"multi-root", []tarEntry{
			{name: "pack/a.txt", body: "x"},
			{name: "other/b.txt", body: "y"},
		}},
		{"long-path", []tarEntry{{name: "pack/" + strings.Repeat("d/", 300) + "f", body: "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			archive := buildTarGz(t, tc.entries)
			outDir := filepath.Join(t.TempDir(), "out")
			if _, err := ExtractTarGzSafe(archive, outDir); err == nil {
				t.Fatalf("expected extraction failure")
			}
			assertEmptyDir(t, outDir)
		})
	}
}

func TestExtractRejectsEmptyArchive(t *testing.T) {
	archive := buildTarGz(t, nil)
	if _, err := ExtractTarGzSafe(archive, filepath.Join(t.TempDir(), "out")); err == nil {
		t.Fatalf("expected empty archive failure")
	}
}
