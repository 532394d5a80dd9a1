package plugman

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/compasproject/compas/core/hashx"
)

type UninstallRequest struct {
	RepoRoot string
	Plugins  []string
	Packs    []string
	DryRun   bool
	Force    bool
}

type UninstallResult struct {
	OK              bool     `json:"ok"`
	DryRun          bool     `json:"dry_run"`
	Force           bool     `json:"force"`
	Blocked         bool     `json:"blocked"`
	RepoRoot        string   `json:"repo_root"`
	Plugins         []string `json:"plugins"`
	Packs           []string `json:"packs"`
	PlannedRemove   []string `json:"planned_remove"`
	RemovedFiles    []string `json:"removed_files"`
	MissingFiles    []string `json:"missing_files"`
	ModifiedFiles   []string `json:"modified_files"`
	LockfilePath    string   `json:"lockfile_path"`
	LockfileUpdated bool     `json:"lockfile_updated"`
	Hint            string   `json:"hint,omitempty"`
}

// pruneEmptyParentDirs removes now-empty directories above path, stopping at
// the repo root.
func pruneEmptyParentDirs(path, repoRoot string) {
	dir := filepath.Dir(path)
	cleanRoot := filepath.Clean(repoRoot)
	for dir != cleanRoot && len(dir) > len(cleanRoot) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Uninstall removes only files owned by the selected plugins, with the
// lockfile as the single source of truth. Drifted files block the removal
// unless forced; removed files are staged as backups so a failed lockfile
// commit rolls the tree back.
func Uninstall(resolved *ResolvedManifest, req UninstallRequest) (*UninstallResult, error) {
	opLock, err := AcquireOpLock(req.RepoRoot)
	if err != nil {
		return nil, err
	}
	defer opLock.Release()

	pluginInputs := normalizeSelection(req.Plugins)
	packInputs := normalizeSelection(req.Packs)

	lockfile, err := ReadLockfile(req.RepoRoot)
	if err != nil {
		return nil, err
	}
	if lockfile == nil {
		return nil, fmt.Errorf("plugins uninstall requires lockfile at %s", LockfileRelPath)
	}

	var targetPluginIDs []string
	if len(pluginInputs) == 0 && len(packInputs) == 0 {
		targetPluginIDs = append([]string(nil), lockfile.Selection.Plugins...)
	} else if resolved != nil {
		targetPluginIDs, err = resolved.Manifest.ResolvePluginIDs(pluginInputs, packInputs)
		if err != nil {
			return nil, err
		}
	} else {
		targetPluginIDs = pluginInputs
	}
	if len(targetPluginIDs) == 0 {
		return nil, fmt.Errorf("no plugins selected for uninstall")
	}
	targetSet := map[string]struct{}{}
	for _, pluginID := range targetPluginIDs {
		targetSet[pluginID] = struct{}{}
	}

	var plannedRemove []LockfileEntry
	var keptEntries []LockfileEntry
	for _, entry := range lockfile.Files {
		var remaining []string
		intersects := false
		for _, owner := range entry.PluginIDs {
			if _, targeted := targetSet[owner]; targeted {
				intersects = true
			} else {
				remaining = append(remaining, owner)
			}
		}
		if !intersects {
			keptEntries = append(keptEntries, entry)
			continue
		}
		if len(remaining) == 0 {
			plannedRemove = append(plannedRemove, entry)
		} else {
			entry.PluginIDs = remaining
			keptEntries = append(keptEntries, entry)
		}
	}
	sort.Slice(plannedRemove, func(i, j int) bool { return plannedRemove[i].Path < plannedRemove[j].Path })
	sort.Slice(keptEntries, func(i, j int) bool { return keptEntries[i].Path < keptEntries[j].Path })

	result := &UninstallResult{
		DryRun:        req.DryRun,
		Force:         req.Force,
		RepoRoot:      req.RepoRoot,
		Plugins:       targetPluginIDs,
		Packs:         packInputs,
		RemovedFiles:  []string{},
		MissingFiles:  []string{},
		ModifiedFiles: []string{},
		LockfilePath:  LockfileRelPath,
	}
	for _, entry := range plannedRemove {
		result.PlannedRemove = append(result.PlannedRemove, entry.Path)
	}

	for _, entry := range plannedRemove {
		rel, relErr := safeRelativePath(entry.Path)
		if relErr != nil {
			return nil, relErr
		}
		abs := filepath.Join(req.RepoRoot, rel)
		info, statErr := os.Lstat(abs)
		if statErr != nil {
			result.MissingFiles = append(result.MissingFiles, entry.Path)
			continue
		}
		if !info.Mode().IsRegular() {
			result.ModifiedFiles = append(result.ModifiedFiles, entry.Path)
			continue
		}
		actual, hashErr := hashx.SHA256File(abs)
		if hashErr != nil {
			return nil, hashErr
		}
		if actual != entry.SHA256 {
			result.ModifiedFiles = append(result.ModifiedFiles, entry.Path)
		}
	}
	sort.Strings(result.MissingFiles)
	sort.Strings(result.ModifiedFiles)

	if len(result.ModifiedFiles) > 0 && !req.Force {
		result.Blocked = true
		result.Hint = "run with --force to remove drifted paths"
		return result, nil
	}

	updated := *lockfile
	updated.Files = keptEntries
	if len(pluginInputs) > 0 || len(packInputs) > 0 {
		var remainingPlugins []string
		for _, pluginID := range updated.Selection.Plugins {
			if _, targeted := targetSet[pluginID]; !targeted {
				remainingPlugins = append(remainingPlugins, pluginID)
			}
		}
		updated.Selection.Plugins = remainingPlugins
		packSet := map[string]struct{}{}
		for _, packID := range packInputs {
			packSet[packID] = struct{}{}
		}
		var remainingPacks []string
		for _, packID := range updated.Selection.Packs {
			if _, targeted := packSet[packID]; !targeted {
				remainingPacks = append(remainingPacks, packID)
			}
		}
		updated.Selection.Packs = remainingPacks
	} else {
		updated.Selection.Plugins = nil
		updated.Selection.Packs = nil
	}

	if req.DryRun {
		result.OK = true
		return result, nil
	}

	stagingRoot := filepath.Join(req.RepoRoot, filepath.FromSlash(PluginsRootRel), ".staging", "uninstall-"+opNonce())
	backupsRoot := filepath.Join(stagingRoot, "backups")
	if err := os.MkdirAll(backupsRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create uninstall staging: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingRoot)
	}()

	type movedPath struct {
		src    string
		backup string
	}
	var moved []movedPath
	rollback := func() {
		for i := len(moved) - 1; i >= 0; i-- {
			entry := moved[i]
			if _, statErr := os.Stat(entry.backup); statErr != nil {
				continue
			}
			_ = os.MkdirAll(filepath.Dir(entry.src), 0o750)
			_ = os.Rename(entry.backup, entry.src)
		}
	}

	for _, entry := range plannedRemove {
		rel, relErr := safeRelativePath(entry.Path)
		if relErr != nil {
			rollback()
			return nil, relErr
		}
		abs := filepath.Join(req.RepoRoot, rel)
		if _, statErr := os.Lstat(abs); statErr != nil {
			continue
		}
		backup := filepath.Join(backupsRoot, rel)
		if mkErr := os.MkdirAll(filepath.Dir(backup), 0o750); mkErr != nil {
			rollback()
			return nil, fmt.Errorf("create backup dir: %w", mkErr)
		}
		if moveErr := os.Rename(abs, backup); moveErr != nil {
			rollback()
			return nil, fmt.Errorf("move %s to uninstall backup: %w", abs, moveErr)
		}
		moved = append(moved, movedPath{src: abs, backup: backup})
		result.RemovedFiles = append(result.RemovedFiles, entry.Path)
		pruneEmptyParentDirs(abs, req.RepoRoot)
	}

	commitErr := func() error {
		if len(updated.Files) == 0 && len(updated.Selection.Plugins) == 0 && len(updated.Selection.Packs) == 0 {
			return RemoveLockfile(req.RepoRoot)
		}
		return WriteLockfile(req.RepoRoot, &updated)
	}()
	if commitErr != nil {
		rollback()
		return nil, fmt.Errorf("failed to persist uninstall lockfile transaction; rollback executed: %w", commitErr)
	}

	sort.Strings(result.RemovedFiles)
	result.OK = true
	result.LockfileUpdated = true
	return result, nil
}
