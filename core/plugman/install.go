package plugman

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/compasproject/compas/core/hashx"
)

type InstallRequest struct {
	RepoRoot          string
	Plugins           []string
	Packs             []string
	DryRun            bool
	Force             bool
	AllowExperimental bool
	AllowDeprecated   bool
}

type BlockedPlugin struct {
	ID     string `json:"id"`
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

type Preflight struct {
	UnmanagedPluginDirs []string `json:"unmanaged_plugin_dirs"`
	MissingFiles        []string `json:"missing_files"`
	ModifiedFiles       []string `json:"modified_files"`
	UnknownFiles        []string `json:"unknown_files"`
}

func (p Preflight) Clean() bool {
	return len(p.UnmanagedPluginDirs) == 0 && len(p.MissingFiles) == 0 &&
		len(p.ModifiedFiles) == 0 && len(p.UnknownFiles) == 0
}

type InstallResult struct {
	OK              bool            `json:"ok"`
	DryRun          bool            `json:"dry_run"`
	Force           bool            `json:"force"`
	Blocked         bool            `json:"blocked"`
	RepoRoot        string          `json:"repo_root"`
	RegistryVersion string          `json:"registry_version"`
	ManifestSHA256  string          `json:"manifest_sha256"`
	SignatureKeyID  string          `json:"signature_key_id,omitempty"`
	Plugins         []string        `json:"plugins"`
	Packs           []string        `json:"packs"`
	FileCount       int             `json:"file_count"`
	BlockedPlugins  []BlockedPlugin `json:"blocked_plugins,omitempty"`
	Preflight       *Preflight      `json:"preflight,omitempty"`
	Hint            string          `json:"hint,omitempty"`
	LockfilePath    string          `json:"lockfile_path"`
}

func normalizeSelection(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func repoRelPath(repoRoot, abs string) (string, error) {
	rel, err := filepath.Rel(repoRoot, abs)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

func safeRelativePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty relative path in lockfile")
	}
	if strings.HasPrefix(raw, "/") || strings.Contains(raw, `\`) {
		return "", fmt.Errorf("unsafe path in lockfile: %s", raw)
	}
	for _, component := range strings.Split(raw, "/") {
		if component == ".." || component == "" {
			return "", fmt.Errorf("unsafe path component in lockfile: %s", raw)
		}
	}
	return filepath.FromSlash(raw), nil
}

func opNonce() string {
	return hashx.SHA256Hex([]byte(fmt.Sprintf("%d|%d", os.Getpid(), time.Now().UnixNano())))[:16]
}

// copyPluginDir copies a plugin directory out of the registry cache into the
// staging area. Symlinks anywhere inside the package abort the install.
func copyPluginDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink entries are forbidden inside plugin packages: %s", path)
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !entry.Type().IsRegular() {
			return fmt.Errorf("non-regular entry inside plugin package: %s", path)
		}
		if mkErr := os.MkdirAll(filepath.Dir(target), 0o750); mkErr != nil {
			return mkErr
		}
		// #nosec G304 -- both endpoints live under managed cache/staging roots.
		in, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer func() {
			_ = in.Close()
		}()
		// #nosec G304 -- target is under the staging root.
		out, createErr := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if createErr != nil {
			return createErr
		}
		if _, copyErr := io.Copy(out, in); copyErr != nil {
			_ = out.Close()
			return copyErr
		}
		return out.Close()
	})
}

func collectStagedLockEntries(stagedPluginRoot, pluginID string) ([]LockfileEntry, error) {
	var out []LockfileEntry
	err := filepath.WalkDir(stagedPluginRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(stagedPluginRoot, path)
		if relErr != nil {
			return relErr
		}
		sha, hashErr := hashx.SHA256File(path)
		if hashErr != nil {
			return hashErr
		}
		out = append(out, LockfileEntry{
			Path:      fmt.Sprintf("%s/%s/%s", PluginsRootRel, pluginID, filepath.ToSlash(rel)),
			SHA256:    sha,
			PluginIDs: []string{pluginID},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// runPreflight detects drift before touching the tree: unmanaged plugin
// directories, and missing/modified/unknown files under the targeted plugins.
func runPreflight(repoRoot string, targetSet map[string]struct{}, lockfile *Lockfile) (Preflight, error) {
	var preflight Preflight
	pluginsRoot := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel))

	managedPlugins := map[string]struct{}{}
	managedPathsForTargets := map[string]struct{}{}
	if lockfile != nil {
		for _, pluginID := range lockfile.Selection.Plugins {
			managedPlugins[pluginID] = struct{}{}
		}
		for _, entry := range lockfile.Files {
			for _, owner := range entry.PluginIDs {
				if _, targeted := targetSet[owner]; targeted {
					managedPathsForTargets[entry.Path] = struct{}{}
					break
				}
			}
		}
	}

	if entries, err := os.ReadDir(pluginsRoot); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == ".staging" {
				continue
			}
			if _, managed := managedPlugins[entry.Name()]; !managed {
				preflight.UnmanagedPluginDirs = append(preflight.UnmanagedPluginDirs, entry.Name())
			}
		}
	}
	sort.Strings(preflight.UnmanagedPluginDirs)

	if lockfile != nil {
		for _, entry := range lockfile.Files {
			targeted := false
			for _, owner := range entry.PluginIDs {
				if _, ok := targetSet[owner]; ok {
					targeted = true
					break
				}
			}
			if !targeted {
				continue
			}
			rel, relErr := safeRelativePath(entry.Path)
			if relErr != nil {
				return Preflight{}, relErr
			}
			abs := filepath.Join(repoRoot, rel)
			info, statErr := os.Lstat(abs)
			if statErr != nil {
				preflight.MissingFiles = append(preflight.MissingFiles, entry.Path)
				continue
			}
			if !info.Mode().IsRegular() {
				preflight.ModifiedFiles = append(preflight.ModifiedFiles, entry.Path)
				continue
			}
			actual, hashErr := hashx.SHA256File(abs)
			if hashErr != nil {
				return Preflight{}, hashErr
			}
			if actual != entry.SHA256 {
				preflight.ModifiedFiles = append(preflight.ModifiedFiles, entry.Path)
			}
		}
	}
	sort.Strings(preflight.MissingFiles)
	sort.Strings(preflight.ModifiedFiles)

	for pluginID := range targetSet {
		dir := filepath.Join(pluginsRoot, pluginID)
		if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
			continue
		}
		walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := repoRelPath(repoRoot, path)
			if relErr != nil {
				return relErr
			}
			if entry.Type()&fs.ModeSymlink != 0 {
				preflight.UnknownFiles = append(preflight.UnknownFiles, rel)
				return nil
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			if _, managed := managedPathsForTargets[rel]; !managed {
				preflight.UnknownFiles = append(preflight.UnknownFiles, rel)
			}
			return nil
		})
		if walkErr != nil {
			return Preflight{}, walkErr
		}
	}
	sort.Strings(preflight.UnknownFiles)

	return preflight, nil
}

// Install applies an atomic install/update of the selected plugins: preflight
// drift detection, staged copy out of the verified archive cache, backup and
// swap via rename, then the lockfile commit with rollback on failure.
func Install(resolved *ResolvedManifest, req InstallRequest) (*InstallResult, error) {
	opLock, err := AcquireOpLock(req.RepoRoot)
	if err != nil {
		return nil, err
	}
	defer opLock.Release()
	return installLocked(resolved, req)
}

func installLocked(resolved *ResolvedManifest, req InstallRequest) (*InstallResult, error) {
	pluginInputs := normalizeSelection(req.Plugins)
	packInputs := normalizeSelection(req.Packs)
	if len(pluginInputs) == 0 && len(packInputs) == 0 {
		return nil, fmt.Errorf("plugins install requires --plugins and/or --packs")
	}

	pluginIDs, err := resolved.Manifest.ResolvePluginIDs(pluginInputs, packInputs)
	if err != nil {
		return nil, err
	}

	result := &InstallResult{
		DryRun:          req.DryRun,
		Force:           req.Force,
		RepoRoot:        req.RepoRoot,
		RegistryVersion: resolved.Manifest.Version,
		ManifestSHA256:  resolved.ManifestSHA256,
		SignatureKeyID:  resolved.SignatureKeyID,
		Plugins:         pluginIDs,
		Packs:           packInputs,
		LockfilePath:    LockfileRelPath,
	}

	for _, pluginID := range pluginIDs {
		plugin := resolved.Manifest.pluginByID(pluginID)
		if reason := TierBlockReason(*plugin, req.AllowExperimental, req.AllowDeprecated); reason != "" {
			result.BlockedPlugins = append(result.BlockedPlugins, BlockedPlugin{
				ID:     plugin.ID,
				Tier:   strings.ToLower(plugin.Tier),
				Reason: reason,
			})
		}
	}
	if len(result.BlockedPlugins) > 0 {
		result.Blocked = true
		result.Hint = "use --allow-experimental and/or --allow-deprecated to install governed tiers"
		return result, nil
	}

	targetSet := map[string]struct{}{}
	for _, pluginID := range pluginIDs {
		targetSet[pluginID] = struct{}{}
	}
	existingLockfile, err := ReadLockfile(req.RepoRoot)
	if err != nil {
		return nil, err
	}
	preflight, err := runPreflight(req.RepoRoot, targetSet, existingLockfile)
	if err != nil {
		return nil, err
	}
	result.Preflight = &preflight
	if !preflight.Clean() && !req.Force {
		result.Blocked = true
		result.Hint = "run with --force to overwrite unmanaged/drifted plugin state"
		return result, nil
	}

	registryRoot, err := EnsureArchiveCached(resolved)
	if err != nil {
		return nil, err
	}

	pluginsRoot := filepath.Join(req.RepoRoot, filepath.FromSlash(PluginsRootRel))
	stagingRoot := filepath.Join(pluginsRoot, ".staging", "install-"+opNonce())
	stagingPlugins := filepath.Join(stagingRoot, "plugins")
	stagingBackups := filepath.Join(stagingRoot, "backups")
	if err := os.MkdirAll(stagingPlugins, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingBackups, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingRoot)
	}()

	var stagedEntries []LockfileEntry
	for _, pluginID := range pluginIDs {
		plugin := resolved.Manifest.pluginByID(pluginID)
		// path_in_archive starts at the archive root, i.e. it includes the
		// top-level directory that registryRoot already points at.
		src := filepath.Join(filepath.Dir(registryRoot), filepath.FromSlash(plugin.PathInArchive))
		if info, statErr := os.Stat(src); statErr != nil || !info.IsDir() {
			return nil, fmt.Errorf("plugin directory missing in registry cache: %s", src)
		}
		stageDst := filepath.Join(stagingPlugins, pluginID)
		if err := copyPluginDir(src, stageDst); err != nil {
			return nil, err
		}
		entries, err := collectStagedLockEntries(stageDst, pluginID)
		if err != nil {
			return nil, err
		}
		stagedEntries = append(stagedEntries, entries...)
	}

	finalPlugins := append([]string(nil), pluginIDs...)
	finalPacks := append([]string(nil), packInputs...)
	var finalEntries []LockfileEntry
	if existingLockfile != nil {
		for _, pluginID := range existingLockfile.Selection.Plugins {
			if _, targeted := targetSet[pluginID]; !targeted {
				finalPlugins = append(finalPlugins, pluginID)
			}
		}
		finalPacks = append(finalPacks, existingLockfile.Selection.Packs...)
		for _, entry := range existingLockfile.Files {
			targeted := false
			for _, owner := range entry.PluginIDs {
				if _, ok := targetSet[owner]; ok {
					targeted = true
					break
				}
			}
			if !targeted {
				finalEntries = append(finalEntries, entry)
			}
		}
	}
	finalEntries = append(finalEntries, stagedEntries...)

	merged := map[string]*LockfileEntry{}
	for _, entry := range finalEntries {
		slot, exists := merged[entry.Path]
		if !exists {
			copied := entry
			merged[entry.Path] = &copied
			continue
		}
		if slot.SHA256 != entry.SHA256 {
			return nil, fmt.Errorf("conflicting hashes for managed path %s (%s vs %s)", entry.Path, slot.SHA256, entry.SHA256)
		}
		slot.PluginIDs = dedupeSortedStrings(append(slot.PluginIDs, entry.PluginIDs...))
	}
	mergedEntries := make([]LockfileEntry, 0, len(merged))
	for _, entry := range merged {
		mergedEntries = append(mergedEntries, *entry)
	}
	sort.Slice(mergedEntries, func(i, j int) bool { return mergedEntries[i].Path < mergedEntries[j].Path })
	result.FileCount = len(mergedEntries)

	if req.DryRun {
		result.OK = true
		return result, nil
	}

	var swapped []string
	var backedUp []string
	swapErr := func() error {
		for _, pluginID := range pluginIDs {
			stageDir := filepath.Join(stagingPlugins, pluginID)
			dstDir := filepath.Join(pluginsRoot, pluginID)
			backupDir := filepath.Join(stagingBackups, pluginID)
			if _, statErr := os.Stat(dstDir); statErr == nil {
				if err := os.Rename(dstDir, backupDir); err != nil {
					return fmt.Errorf("move existing plugin dir %s to backup: %w", dstDir, err)
				}
				backedUp = append(backedUp, pluginID)
			}
			if err := os.Rename(stageDir, dstDir); err != nil {
				return fmt.Errorf("activate staged plugin %s: %w", pluginID, err)
			}
			swapped = append(swapped, pluginID)
		}
		return nil
	}()
	rollback := func() {
		for i := len(swapped) - 1; i >= 0; i-- {
			pluginID := swapped[i]
			dstDir := filepath.Join(pluginsRoot, pluginID)
			backupDir := filepath.Join(stagingBackups, pluginID)
			_ = os.RemoveAll(dstDir)
			if _, statErr := os.Stat(backupDir); statErr == nil {
				_ = os.Rename(backupDir, dstDir)
			}
		}
		for i := len(backedUp) - 1; i >= 0; i-- {
			pluginID := backedUp[i]
			dstDir := filepath.Join(pluginsRoot, pluginID)
			backupDir := filepath.Join(stagingBackups, pluginID)
			if _, statErr := os.Stat(dstDir); statErr != nil {
				_ = os.Rename(backupDir, dstDir)
			}
		}
	}
	if swapErr != nil {
		rollback()
		return nil, fmt.Errorf("plugin install aborted; rollback executed: %w", swapErr)
	}

	lockfile := &Lockfile{
		Schema: LockfileSchema,
		Registry: LockfileRegistry{
			URL:             resolved.Source,
			ManifestSHA256:  resolved.ManifestSHA256,
			ManifestVersion: resolved.Manifest.Version,
			SignatureKeyID:  resolved.SignatureKeyID,
		},
		Selection: LockfileSelection{
			Plugins: dedupeSortedStrings(finalPlugins),
			Packs:   dedupeSortedStrings(finalPacks),
		},
		Files: mergedEntries,
	}
	if err := WriteLockfile(req.RepoRoot, lockfile); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to persist plugins lockfile; rollback executed: %w", err)
	}

	result.OK = true
	return result, nil
}

// Update re-resolves the selection (explicit flags or the lockfile) and
// reinstalls through the same staged path.
func Update(resolved *ResolvedManifest, req InstallRequest) (*InstallResult, error) {
	if len(normalizeSelection(req.Plugins)) == 0 && len(normalizeSelection(req.Packs)) == 0 {
		lockfile, err := ReadLockfile(req.RepoRoot)
		if err != nil {
			return nil, err
		}
		if lockfile == nil {
			return nil, fmt.Errorf("plugins update requires --plugins/--packs or an existing lockfile at %s", LockfileRelPath)
		}
		req.Plugins = lockfile.Selection.Plugins
		req.Packs = lockfile.Selection.Packs
	}
	return Install(resolved, req)
}
