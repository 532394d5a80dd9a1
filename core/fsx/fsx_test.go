package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "second" {
		t.Fatalf("content = %q, want %q", content, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestWriteJSONAtomicCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "out.json")
	if err := WriteJSONAtomic(path, map[string]int{"a": 1}, 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected json payload: %q", content)
	}
}

func TestAppendLineLockedAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	for _, line := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := AppendLineLocked(path, []byte(line), 0o600); err != nil {
			t.Fatalf("append %q: %v", line, err)
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n"
	if string(content) != want {
		t.Fatalf("content = %q, want %q", content, want)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file not released")
	}
}

func TestAppendLineLockedRejectsTraversal(t *testing.T) {
	if err := AppendLineLocked("../outside.jsonl", []byte("x"), 0o600); err == nil {
		t.Fatalf("expected traversal rejection")
	}
}
