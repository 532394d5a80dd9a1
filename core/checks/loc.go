package checks

import (
	"os"
	"path/filepath"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
)

type LocResult struct {
	Violations    []api.Violation
	FilesScanned  int
	FilesUniverse int
	MaxLoc        int
	WorstPath     string
	LocPerFile    map[string]int
}

// countNonEmptyLines counts lines with at least one non-whitespace byte.
// Operating on raw bytes keeps non-UTF-8 sources countable.
func countNonEmptyLines(data []byte) int {
	count := 0
	lineHasContent := false
	for _, b := range data {
		switch b {
		case '\n':
			if lineHasContent {
				count++
			}
			lineHasContent = false
		case ' ', '\t', '\r':
		default:
			lineHasContent = true
		}
	}
	if lineHasContent {
		count++
	}
	return count
}

// RunLoc counts lines per included file and flags files over max_loc as
// observations. The per-file map feeds the quality delta ratchet.
func RunLoc(repoRoot string, cfg config.LocCheckConfig) (LocResult, error) {
	includeGlobs := cfg.IncludeGlobs
	if len(includeGlobs) == 0 {
		includeGlobs = []string{"**/*.go"}
	}

	candidates, err := collectCandidateFiles(repoRoot, includeGlobs, cfg.ExcludeGlobs)
	if err != nil {
		return LocResult{}, err
	}

	result := LocResult{
		LocPerFile:    map[string]int{},
		FilesUniverse: len(candidates),
	}
	for _, rel := range candidates {
		// #nosec G304 -- rel is a walk result under the repo root.
		data, readErr := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
		if readErr != nil {
			result.Violations = append(result.Violations, api.Blocking(
				"loc.read_failed",
				"failed to read file for LOC scan: "+readErr.Error(),
				rel, nil))
			continue
		}
		result.LocPerFile[rel] = countNonEmptyLines(data)
	}

	for _, rel := range candidates {
		loc, ok := result.LocPerFile[rel]
		if !ok {
			continue
		}
		result.FilesScanned++
		if loc > result.MaxLoc {
			result.MaxLoc = loc
			result.WorstPath = rel
		}
		if loc > cfg.MaxLoc {
			result.Violations = append(result.Violations, api.Observation(
				"loc.max_exceeded",
				"file exceeds max_loc",
				rel,
				map[string]any{"check_id": cfg.ID, "loc": loc, "max_loc": cfg.MaxLoc}))
		}
	}
	return result, nil
}
