package plugman

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/hashx"
)

type DoctorResult struct {
	OK              bool     `json:"ok"`
	RepoRoot        string   `json:"repo_root"`
	LockfilePresent bool     `json:"lockfile_present"`
	RegistryURL     string   `json:"registry_url,omitempty"`
	RegistryVersion string   `json:"registry_version,omitempty"`
	ManifestSHA256  string   `json:"manifest_sha256,omitempty"`
	SignatureKeyID  string   `json:"signature_key_id,omitempty"`
	Plugins         []string `json:"plugins"`
	Packs           []string `json:"packs"`
	MissingFiles    []string `json:"missing_files"`
	ModifiedFiles   []string `json:"modified_files"`
	UnknownFiles    []string `json:"unknown_files"`
}

// Doctor verifies every locked file exists and matches its recorded hash, and
// reports unmanaged entries under the managed plugins root.
func Doctor(repoRoot string) (*DoctorResult, error) {
	result := &DoctorResult{
		RepoRoot:      repoRoot,
		Plugins:       []string{},
		Packs:         []string{},
		MissingFiles:  []string{},
		ModifiedFiles: []string{},
		UnknownFiles:  []string{},
	}

	lockfile, err := ReadLockfile(repoRoot)
	if err != nil {
		return nil, err
	}
	if lockfile == nil {
		return result, nil
	}
	result.LockfilePresent = true
	result.RegistryURL = lockfile.Registry.URL
	result.RegistryVersion = lockfile.Registry.ManifestVersion
	result.ManifestSHA256 = lockfile.Registry.ManifestSHA256
	result.SignatureKeyID = lockfile.Registry.SignatureKeyID
	result.Plugins = lockfile.Selection.Plugins
	result.Packs = lockfile.Selection.Packs

	lockedPaths := map[string]struct{}{}
	for _, entry := range lockfile.Files {
		lockedPaths[entry.Path] = struct{}{}
		rel, relErr := safeRelativePath(entry.Path)
		if relErr != nil {
			result.ModifiedFiles = append(result.ModifiedFiles, entry.Path)
			continue
		}
		abs := filepath.Join(repoRoot, rel)
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

	pluginsRoot := filepath.Join(repoRoot, filepath.FromSlash(PluginsRootRel))
	if info, statErr := os.Stat(pluginsRoot); statErr == nil && info.IsDir() {
		walkErr := filepath.WalkDir(pluginsRoot, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := repoRelPath(repoRoot, path)
			if relErr != nil {
				return relErr
			}
			if strings.HasPrefix(rel, PluginsRootRel+"/.staging/") || rel == PluginsRootRel+"/.staging" {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.Type()&fs.ModeSymlink != 0 {
				result.UnknownFiles = append(result.UnknownFiles, rel)
				return nil
			}
			if entry.Type().IsRegular() {
				if _, locked := lockedPaths[rel]; !locked {
					result.UnknownFiles = append(result.UnknownFiles, rel)
				}
			}
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	sort.Strings(result.MissingFiles)
	sort.Strings(result.ModifiedFiles)
	sort.Strings(result.UnknownFiles)
	result.OK = len(result.MissingFiles) == 0 && len(result.ModifiedFiles) == 0 && len(result.UnknownFiles) == 0
	return result, nil
}
