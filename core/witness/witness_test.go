package witness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/fsx"
)

func TestChainAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	chainPath := filepath.Join(dir, "chain.json")

	entry1, err := AppendChainEntry(chainPath, "ci-fast", "abc123def456", true)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if entry1.PrevHash != "genesis" {
		t.Fatalf("first prev_hash = %s, want genesis", entry1.PrevHash)
	}
	if entry1.EntryHash == "" {
		t.Fatalf("entry hash is empty")
	}

	entry2, err := AppendChainEntry(chainPath, "ci-fast", "def456abc789", true)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if entry2.PrevHash != entry1.EntryHash {
		t.Fatalf("second prev_hash = %s, want %s", entry2.PrevHash, entry1.EntryHash)
	}

	chain, err := LoadChain(chainPath)
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	if len(chain.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(chain.Entries))
	}
	if !VerifyChain(chain) {
		t.Fatalf("chain must verify")
	}
}

func TestChainDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	chainPath := filepath.Join(dir, "chain.json")
	if _, err := AppendChainEntry(chainPath, "ci-fast", "aaa", true); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := AppendChainEntry(chainPath, "ci-fast", "bbb", true); err != nil {
		t.Fatalf("append: %v", err)
	}

	chain, err := LoadChain(chainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain.Entries[0].EntryHash = "tampered"
	if err := fsx.WriteJSONAtomic(chainPath, chain, 0o600); err != nil {
		t.Fatalf("write tampered chain: %v", err)
	}

	tampered, err := LoadChain(chainPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if VerifyChain(tampered) {
		t.Fatalf("tampered chain must not verify")
	}
	if _, err := AppendChainEntry(chainPath, "ci-fast", "ccc", true); err == nil {
		t.Fatalf("append to tampered chain must refuse")
	}
}

func TestRotationKeepsCurrentFile(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "gate_"+string(rune('a'+i))+".json")
		if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
			t.Fatalf("seed witness file: %v", err)
		}
		// Distinct mtimes keep eviction order deterministic.
		stamp := time.Now().Add(time.Duration(i-10) * time.Second)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("set mtime: %v", err)
		}
	}

	keep := filepath.Join(dir, "gate_e.json")
	removed, err := rotateWithLimits(dir, keep, 2, 1024)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if removed < 3 {
		t.Fatalf("removed = %d, want >= 3", removed)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("current file was removed: %v", err)
	}
}

func TestRotationEnforcesByteBound(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "gate_old.json")
	if err := os.WriteFile(old, make([]byte, 900), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stamp := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, stamp, stamp); err != nil {
		t.Fatalf("set mtime: %v", err)
	}
	current := filepath.Join(dir, "gate_new.json")
	if err := os.WriteFile(current, make([]byte, 900), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	removed, err := rotateWithLimits(dir, current, 20, 1000)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("oldest file should be rotated out")
	}
}

func TestMaybeWriteProducesWitnessAndChain(t *testing.T) {
	repoRoot := t.TempDir()
	out := api.GateOutput{
		OK:            true,
		SchemaVersion: api.SchemaVersion,
		RepoRoot:      repoRoot,
		Kind:          api.GateCiFast,
		Receipts:      []api.Receipt{},
	}

	written := MaybeWrite(repoRoot, api.GateCiFast, true, out)
	if !written.OK {
		t.Fatalf("witness write flipped ok=false: %+v", written.Error)
	}
	if written.Witness == nil {
		t.Fatalf("witness meta missing")
	}
	if written.Witness.SizeBytes == 0 || len(written.Witness.SHA256) != 64 {
		t.Fatalf("witness meta incomplete: %+v", written.Witness)
	}
	if written.WitnessPath != RelDir+"/gate_ci-fast.json" {
		t.Fatalf("witness path = %s", written.WitnessPath)
	}

	chain, err := LoadChain(filepath.Join(repoRoot, filepath.FromSlash(ChainRelPath)))
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	if len(chain.Entries) != 1 || !VerifyChain(chain) {
		t.Fatalf("chain not appended correctly: %+v", chain)
	}

	skipped := MaybeWrite(repoRoot, api.GateCiFast, false, out)
	if skipped.Witness != nil || skipped.WitnessPath != "" {
		t.Fatalf("write_witness=false must not produce witness metadata")
	}
}
