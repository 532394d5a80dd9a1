package witness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/fsx"
	"github.com/compasproject/compas/core/hashx"
)

const (
	RelDir       = ".agents/mcp/compas/witness"
	ChainRelPath = RelDir + "/chain.json"

	maxWitnessFiles      = 20
	maxWitnessTotalBytes = 2 * 1024 * 1024

	genesisHash = "genesis"
)

type ChainEntry struct {
	GateKind      string `json:"gate_kind"`
	Timestamp     string `json:"timestamp"`
	WitnessSHA256 string `json:"witness_sha256"`
	PrevHash      string `json:"prev_hash"`
	EntryHash     string `json:"entry_hash"`
	OK            bool   `json:"ok"`
}

type Chain struct {
	Entries []ChainEntry `json:"entries"`
}

func computeEntryHash(prevHash, witnessSHA256, timestamp, gateKind string) string {
	input := strings.Join([]string{prevHash, witnessSHA256, timestamp, gateKind}, ":")
	return hashx.SHA256Hex([]byte(input))
}

// LoadChain returns an empty chain when no chain file exists yet.
func LoadChain(path string) (Chain, error) {
	info, statErr := os.Stat(path)
	if statErr != nil || !info.Mode().IsRegular() {
		return Chain{}, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- chain path is fixed relative to the repo root.
	if err != nil {
		return Chain{}, fmt.Errorf("read witness chain: %w", err)
	}
	var chain Chain
	if err := json.Unmarshal(raw, &chain); err != nil {
		return Chain{}, fmt.Errorf("parse witness chain: %w", err)
	}
	return chain, nil
}

// VerifyChain checks every link: prev pointers and recomputed entry hashes.
func VerifyChain(chain Chain) bool {
	expectedPrev := genesisHash
	for _, entry := range chain.Entries {
		if entry.PrevHash != expectedPrev {
			return false
		}
		computed := computeEntryHash(entry.PrevHash, entry.WitnessSHA256, entry.Timestamp, entry.GateKind)
		if entry.EntryHash != computed {
			return false
		}
		expectedPrev = entry.EntryHash
	}
	return true
}

// AppendChainEntry verifies the existing chain tail, appends one entry, and
// rewrites the chain atomically. A broken chain refuses the append.
func AppendChainEntry(chainPath, gateKind, witnessSHA256 string, ok bool) (ChainEntry, error) {
	chain, err := LoadChain(chainPath)
	if err != nil {
		return ChainEntry{}, err
	}
	if !VerifyChain(chain) {
		return ChainEntry{}, fmt.Errorf("witness chain integrity check failed")
	}

	prevHash := genesisHash
	if len(chain.Entries) > 0 {
		prevHash = chain.Entries[len(chain.Entries)-1].EntryHash
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := ChainEntry{
		GateKind:      gateKind,
		Timestamp:     timestamp,
		WitnessSHA256: witnessSHA256,
		PrevHash:      prevHash,
		EntryHash:     computeEntryHash(prevHash, witnessSHA256, timestamp, gateKind),
		OK:            ok,
	}
	chain.Entries = append(chain.Entries, entry)

	if err := fsx.WriteJSONAtomic(chainPath, chain, 0o600); err != nil {
		return ChainEntry{}, err
	}
	return entry, nil
}

type fileMeta struct {
	path     string
	modified time.Time
	size     int64
}

// Rotate removes the oldest gate_*.json files until the directory is within
// the count and byte bounds. The current file is never removed.
func Rotate(dir, keepPath string) (int, error) {
	return rotateWithLimits(dir, keepPath, maxWitnessFiles, maxWitnessTotalBytes)
}

func rotateWithLimits(dir, keepPath string, maxFiles int, maxTotalBytes int64) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var files []fileMeta
	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "gate_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return 0, infoErr
		}
		files = append(files, fileMeta{
			path:     filepath.Join(dir, name),
			modified: info.ModTime(),
			size:     info.Size(),
		})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modified.Before(files[j].modified) })

	count := len(files)
	removed := 0
	for _, file := range files {
		if count <= maxFiles && total <= maxTotalBytes {
			break
		}
		if file.path == keepPath {
			continue
		}
		if err := os.Remove(file.path); err != nil {
			return removed, err
		}
		count--
		total -= file.size
		removed++
	}
	return removed, nil
}

// MaybeWrite serializes the gate output as the witness, rotates the witness
// directory, and appends a chain entry. Every failure flips the output to
// ok=false with a witness.* error code.
func MaybeWrite(repoRoot string, kind api.GateKind, writeWitness bool, out api.GateOutput) api.GateOutput {
	if !writeWitness {
		return out
	}

	witnessRel := fmt.Sprintf("%s/gate_%s.json", RelDir, kind.Slug())
	witnessPath := filepath.Join(repoRoot, filepath.FromSlash(witnessRel))
	witnessDir := filepath.Dir(witnessPath)

	fail := func(code, message string) api.GateOutput {
		out.OK = false
		out.Error = &api.ApiError{Code: code, Message: message}
		out.WitnessPath = ""
		out.Witness = nil
		return out
	}

	if err := os.MkdirAll(witnessDir, 0o750); err != nil {
		return fail("witness.write_failed", fmt.Sprintf("failed to create witness dir %s: %v", witnessDir, err))
	}

	out.WitnessPath = witnessRel
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fail("witness.write_failed", fmt.Sprintf("failed to serialize witness %s: %v", witnessRel, err))
	}
	payload = append(payload, '\n')

	if err := fsx.WriteFileAtomic(witnessPath, payload, 0o600); err != nil {
		return fail("witness.write_failed", fmt.Sprintf("failed to write witness %s: %v", witnessRel, err))
	}
	witnessSHA := hashx.SHA256Hex(payload)

	chainPath := filepath.Join(repoRoot, filepath.FromSlash(ChainRelPath))
	if _, err := AppendChainEntry(chainPath, kind.Slug(), witnessSHA, out.OK); err != nil {
		out.OK = false
		out.Error = &api.ApiError{Code: "witness.chain_append_failed", Message: "failed to append witness chain: " + err.Error()}
		out.Witness = nil
		return out
	}

	rotated, err := Rotate(witnessDir, witnessPath)
	if err != nil {
		out.OK = false
		out.Error = &api.ApiError{Code: "witness.rotation_failed", Message: fmt.Sprintf("failed to rotate witness files in %s: %v", witnessDir, err)}
		out.Witness = nil
		return out
	}

	out.Witness = &api.WitnessMeta{
		Path:         witnessRel,
		SizeBytes:    len(payload),
		SHA256:       witnessSHA,
		RotatedFiles: rotated,
	}
	return out
}
