package checks

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Directories never descended into during repo scans.
var skipDirNames = map[string]struct{}{
	".git":         {},
	"target":       {},
	"node_modules": {},
	".venv":        {},
	"venv":         {},
	"__pycache__":  {},
}

type globSet struct {
	patterns []string
}

func compileGlobs(globs []string) (*globSet, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	for _, pattern := range globs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob %q", pattern)
		}
	}
	return &globSet{patterns: append([]string(nil), globs...)}, nil
}

func (g *globSet) match(rel string) bool {
	if g == nil {
		return false
	}
	for _, pattern := range g.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// collectCandidateFiles walks the repo and returns sorted repo-relative
// (forward-slash) paths matching includeGlobs minus excludeGlobs. A nil
// include set matches everything.
func collectCandidateFiles(repoRoot string, includeGlobs, excludeGlobs []string) ([]string, error) {
	include, err := compileGlobs(includeGlobs)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(excludeGlobs)
	if err != nil {
		return nil, err
	}

	var out []string
	walkErr := filepath.WalkDir(repoRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if entry.IsDir() {
			if _, skip := skipDirNames[entry.Name()]; skip && path != repoRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(repoRoot, path)
		if relErr != nil {
			return nil //nolint:nilerr
		}
		rel = filepath.ToSlash(rel)
		if include != nil && !include.match(rel) {
			return nil
		}
		if exclude.match(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(out)
	return out, nil
}
