package plugman

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/compasproject/compas/core/fsx"
)

const (
	LockfileSchema  = "compas.plugins.lock.v1"
	LockfileRelPath = ".agents/mcp/compas/plugins.lock.json"
	OpLockRelPath   = LockfileRelPath + ".lock"
	PluginsRootRel  = ".agents/mcp/compas/plugins"
)

// Lockfile is the single source of truth for file ownership under the
// managed plugins root. Paths are repo-relative, forward-slash normalized,
// and kept in stable sorted order.
type Lockfile struct {
	Schema    string            `json:"schema"`
	Registry  LockfileRegistry  `json:"registry"`
	Selection LockfileSelection `json:"selection"`
	Files     []LockfileEntry   `json:"files"`
}

type LockfileRegistry struct {
	URL             string `json:"url,omitempty"`
	ManifestSHA256  string `json:"manifest_sha256"`
	ManifestVersion string `json:"manifest_version"`
	SignatureKeyID  string `json:"signature_key_id,omitempty"`
}

type LockfileSelection struct {
	Plugins []string `json:"plugins"`
	Packs   []string `json:"packs"`
}

type LockfileEntry struct {
	Path      string   `json:"path"`
	SHA256    string   `json:"sha256"`
	PluginIDs []string `json:"plugin_ids"`
}

func lockfilePath(repoRoot string) string {
	return filepath.Join(repoRoot, filepath.FromSlash(LockfileRelPath))
}

// ReadLockfile returns nil without error when no lockfile exists.
func ReadLockfile(repoRoot string) (*Lockfile, error) {
	path := lockfilePath(repoRoot)
	info, statErr := os.Stat(path)
	if statErr != nil || !info.Mode().IsRegular() {
		return nil, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- lockfile path is fixed relative to the repo root.
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var lock Lockfile
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if lock.Schema != LockfileSchema {
		return nil, fmt.Errorf("unsupported plugins lockfile schema in %s: %s", path, lock.Schema)
	}
	lock.normalize()
	return &lock, nil
}

func WriteLockfile(repoRoot string, lock *Lockfile) error {
	lock.Schema = LockfileSchema
	lock.normalize()
	return fsx.WriteJSONAtomic(lockfilePath(repoRoot), lock, 0o600)
}

func RemoveLockfile(repoRoot string) error {
	path := lockfilePath(repoRoot)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (l *Lockfile) normalize() {
	l.Selection.Plugins = dedupeSortedStrings(l.Selection.Plugins)
	l.Selection.Packs = dedupeSortedStrings(l.Selection.Packs)
	for i := range l.Files {
		l.Files[i].PluginIDs = dedupeSortedStrings(l.Files[i].PluginIDs)
	}
	sort.Slice(l.Files, func(i, j int) bool { return l.Files[i].Path < l.Files[j].Path })
	if l.Selection.Plugins == nil {
		l.Selection.Plugins = []string{}
	}
	if l.Selection.Packs == nil {
		l.Selection.Packs = []string{}
	}
	if l.Files == nil {
		l.Files = []LockfileEntry{}
	}
}

func dedupeSortedStrings(values []string) []string {
	if values == nil {
		return nil
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, value := range sorted {
		if i == 0 || sorted[i-1] != value {
			out = append(out, value)
		}
	}
	return out
}

// OpLock is the advisory exclusive lock serializing mutating plugin
// operations per repo.
type OpLock struct {
	path string
}

// AcquireOpLock fails fast with an actionable message when another mutating
// operation holds the lock; it never blocks.
func AcquireOpLock(repoRoot string) (*OpLock, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(OpLockRelPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	// #nosec G304 -- lock path is fixed relative to the repo root.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another compas plugins operation is running (lock held at %s); retry after it finishes or remove a stale lock", path)
		}
		return nil, fmt.Errorf("acquire plugins op lock: %w", err)
	}
	_ = file.Close()
	return &OpLock{path: path}, nil
}

func (l *OpLock) Release() {
	if l != nil {
		_ = os.Remove(l.path)
	}
}
