package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/core/hashx"
)

type DuplicatesResult struct {
	Violations          []api.Violation
	FilesScanned        int
	FilesUniverse       int
	GroupsTotal         int
	DuplicateFilesTotal int
	Groups              map[string][]string
}

// RunDuplicates hashes every included file (bounded by max_file_bytes) and
// groups identical digests. Groups of two or more files are observations;
// sorted groups feed the quality delta ratchet.
func RunDuplicates(repoRoot string, cfg config.DuplicatesCheckConfig) (DuplicatesResult, error) {
	includeGlobs := cfg.IncludeGlobs
	if len(includeGlobs) == 0 {
		includeGlobs = []string{"**/*"}
	}
	maxFileBytes := cfg.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}

	candidates, err := collectCandidateFiles(repoRoot, includeGlobs, cfg.ExcludeGlobs)
	if err != nil {
		return DuplicatesResult{}, err
	}
	allowlist, err := compileGlobs(cfg.AllowlistGlobs)
	if err != nil {
		return DuplicatesResult{}, err
	}

	result := DuplicatesResult{FilesUniverse: len(candidates), Groups: map[string][]string{}}
	byHash := map[string][]string{}

	for _, rel := range candidates {
		full := filepath.Join(repoRoot, filepath.FromSlash(rel))
		info, statErr := os.Stat(full)
		if statErr != nil {
			result.Violations = append(result.Violations, api.Blocking(
				"duplicates.stat_failed",
				"failed to stat file for duplicates scan: "+statErr.Error(),
				rel, nil))
			continue
		}
		if info.Size() > maxFileBytes {
			continue
		}
		// #nosec G304 -- rel is a walk result under the repo root.
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			result.Violations = append(result.Violations, api.Blocking(
				"duplicates.read_failed",
				"failed to read file for duplicates scan: "+readErr.Error(),
				rel, nil))
			continue
		}
		result.FilesScanned++
		hash := hashx.SHA256Hex(data)
		byHash[hash] = append(byHash[hash], rel)
	}

	// Keep only true duplicate groups that are not fully allowlisted.
	for hash, paths := range byHash {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		fullyAllowlisted := allowlist != nil
		for _, p := range paths {
			if !allowlist.match(p) {
				fullyAllowlisted = false
				break
			}
		}
		if fullyAllowlisted {
			continue
		}
		result.Groups[hash] = paths
	}

	result.GroupsTotal = len(result.Groups)
	for _, paths := range result.Groups {
		result.DuplicateFilesTotal += len(paths)
	}

	if result.GroupsTotal > 0 {
		hashes := make([]string, 0, result.GroupsTotal)
		for hash := range result.Groups {
			hashes = append(hashes, hash)
		}
		sort.Strings(hashes)
		examples := make([]any, 0, 5)
		for _, hash := range hashes {
			if len(examples) == 5 {
				break
			}
			examples = append(examples, map[string]any{
				"sha256_prefix": hash[:12],
				"paths":         result.Groups[hash],
			})
		}
		result.Violations = append(result.Violations, api.Observation(
			"duplicates.found",
			fmt.Sprintf("duplicate files found (groups=%d, files=%d)", result.GroupsTotal, result.DuplicateFilesTotal),
			cfg.BaselinePath,
			map[string]any{
				"groups":   result.GroupsTotal,
				"files":    result.DuplicateFilesTotal,
				"examples": examples,
			}))
	}
	return result, nil
}
