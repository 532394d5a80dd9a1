package checks

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
)

type SupplyChainResult struct {
	Violations []api.Violation
}

type manifestScan struct {
	rustManifests   []string
	rustLockFound   bool
	nodeManifests   []string
	nodeLockFound   bool
	pythonManifests []string
	pythonLockFound bool
	goManifests     []string
	goLockFound     bool
}

func looksPrereleaseVersion(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "-alpha") || strings.Contains(lower, "-beta") || strings.Contains(lower, "-rc")
}

func extractFirstQuotedValue(s string) (string, bool) {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return "", false
	}
	rest := s[start+1:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// scanCargoPrereleaseDeps walks dependency sections of a Cargo.toml line by
// line; this stays a heuristic on purpose (no TOML model for foreign files).
func scanCargoPrereleaseDeps(raw string) [][2]string {
	var out [][2]string
	seen := map[string]struct{}{}
	inDependencies := false

	for _, line := range strings.Split(raw, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
			section := strings.ToLower(t[1 : len(t)-1])
			inDependencies = section == "dependencies" ||
				section == "dev-dependencies" ||
				section == "build-dependencies" ||
				strings.HasSuffix(section, ".dependencies") ||
				strings.HasSuffix(section, ".dev-dependencies") ||
				strings.HasSuffix(section, ".build-dependencies")
			continue
		}
		if !inDependencies {
			continue
		}
		name, rhs, found := strings.Cut(t, "=")
		if !found {
			continue
		}
		depName := strings.Trim(strings.TrimSpace(name), `"`)
		if depName == "" {
			continue
		}
		rhs = strings.TrimSpace(rhs)
		var version string
		var ok bool
		if strings.HasPrefix(rhs, `"`) {
			version, ok = extractFirstQuotedValue(rhs)
		} else if strings.HasPrefix(rhs, "{") {
			if idx := strings.Index(rhs, "version"); idx >= 0 {
				version, ok = extractFirstQuotedValue(rhs[idx:])
			}
		}
		if !ok || !looksPrereleaseVersion(version) {
			continue
		}
		if _, dup := seen[depName]; dup {
			continue
		}
		seen[depName] = struct{}{}
		out = append(out, [2]string{depName, version})
	}
	return out
}

func scanPackageJSONPrereleaseDeps(raw []byte) ([][2]string, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}
	var out [][2]string
	seen := map[string]struct{}{}
	for _, section := range []string{"dependencies", "devDependencies", "peerDependencies", "optionalDependencies"} {
		rawSection, ok := parsed[section]
		if !ok {
			continue
		}
		var deps map[string]string
		if err := json.Unmarshal(rawSection, &deps); err != nil {
			continue
		}
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			version := deps[name]
			if !looksPrereleaseVersion(version) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, [2]string{name, version})
		}
	}
	return out, nil
}

func scanManifests(repoRoot string) manifestScan {
	var scan manifestScan
	_ = filepath.WalkDir(repoRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
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
		switch entry.Name() {
		case "Cargo.toml":
			scan.rustManifests = append(scan.rustManifests, rel)
		case "Cargo.lock":
			scan.rustLockFound = true
		case "package.json":
			scan.nodeManifests = append(scan.nodeManifests, rel)
		case "package-lock.json", "pnpm-lock.yaml", "yarn.lock", "bun.lockb", "bun.lock":
			scan.nodeLockFound = true
		case "pyproject.toml", "Pipfile", "setup.py":
			scan.pythonManifests = append(scan.pythonManifests, rel)
		case "poetry.lock", "uv.lock", "Pipfile.lock", "requirements.txt":
			scan.pythonLockFound = true
		case "go.mod":
			scan.goManifests = append(scan.goManifests, rel)
		case "go.sum":
			scan.goLockFound = true
		}
		return nil
	})
	sort.Strings(scan.rustManifests)
	sort.Strings(scan.nodeManifests)
	sort.Strings(scan.pythonManifests)
	sort.Strings(scan.goManifests)
	return scan
}

// RunSupplyChain pairs ecosystem manifests with their canonical lockfiles and
// flags prerelease dependency strings.
func RunSupplyChain(repoRoot string, _ config.SupplyChainCheckConfig) SupplyChainResult {
	scan := scanManifests(repoRoot)
	var violations []api.Violation

	lockMissing := func(ecosystem, path, message string, manifests []string) {
		violations = append(violations, api.Blocking(
			"supply_chain.lockfile_missing", message, path,
			map[string]any{"ecosystem": ecosystem, "manifests": manifests}))
	}

	if len(scan.rustManifests) > 0 && !scan.rustLockFound {
		lockMissing("rust", "Cargo.lock", "rust manifests detected but Cargo.lock is missing", scan.rustManifests)
	}
	if len(scan.nodeManifests) > 0 && !scan.nodeLockFound {
		lockMissing("node", "package.json", "node manifests detected but lockfile is missing", scan.nodeManifests)
	}
	if len(scan.pythonManifests) > 0 && !scan.pythonLockFound {
		lockMissing("python", "pyproject.toml", "python manifests detected but lockfile is missing", scan.pythonManifests)
	}
	if len(scan.goManifests) > 0 && !scan.goLockFound {
		lockMissing("go", "go.mod", "go manifests detected but go.sum is missing", scan.goManifests)
	}

	for _, rel := range scan.rustManifests {
		// #nosec G304 -- rel is a walk result under the repo root.
		raw, err := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
		if err != nil {
			violations = append(violations, api.Blocking(
				"supply_chain.read_failed",
				fmt.Sprintf("failed to read manifest %s: %v", rel, err),
				rel, map[string]any{"ecosystem": "rust"}))
			continue
		}
		for _, dep := range scanCargoPrereleaseDeps(string(raw)) {
			violations = append(violations, api.Blocking(
				"supply_chain.prerelease_dependency",
				fmt.Sprintf("prerelease rust dependency is forbidden: %s=%s", dep[0], dep[1]),
				rel, map[string]any{"ecosystem": "rust", "dependency": dep[0], "version": dep[1]}))
		}
	}

	for _, rel := range scan.nodeManifests {
		// #nosec G304 -- rel is a walk result under the repo root.
		raw, err := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
		if err != nil {
			violations = append(violations, api.Blocking(
				"supply_chain.read_failed",
				fmt.Sprintf("failed to read manifest %s: %v", rel, err),
				rel, map[string]any{"ecosystem": "node"}))
			continue
		}
		deps, parseErr := scanPackageJSONPrereleaseDeps(raw)
		if parseErr != nil {
			violations = append(violations, api.Blocking(
				"supply_chain.manifest_parse_failed",
				parseErr.Error(),
				rel, map[string]any{"ecosystem": "node"}))
			continue
		}
		for _, dep := range deps {
			violations = append(violations, api.Blocking(
				"supply_chain.prerelease_dependency",
				fmt.Sprintf("prerelease node dependency is forbidden: %s=%s", dep[0], dep[1]),
				rel, map[string]any{"ecosystem": "node", "dependency": dep[0], "version": dep[1]}))
		}
	}

	return SupplyChainResult{Violations: violations}
}
