package hashx

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSHA256HexKnownVector(t *testing.T) {
	if got := SHA256Hex([]byte("")); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("empty digest = %s", got)
	}
	if got := SHA256Hex([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("abc digest = %s", got)
	}
}

func TestSHA256FileMatchesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromFile, err := SHA256File(path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if fromFile != SHA256Hex([]byte("payload")) {
		t.Fatalf("digest mismatch: %s", fromFile)
	}
}

func TestSHA256FileRefusesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := SHA256File(link); err == nil {
		t.Fatalf("symlink must be refused")
	}
}

func TestIsSHA256Hex(t *testing.T) {
	valid := SHA256Hex([]byte("x"))
	if !IsSHA256Hex(valid) {
		t.Fatalf("valid digest rejected")
	}
	for _, invalid := range []string{"", "abc", valid[:63], valid + "0", "G" + valid[1:]} {
		if IsSHA256Hex(invalid) {
			t.Fatalf("invalid digest accepted: %q", invalid)
		}
	}
}
