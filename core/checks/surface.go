package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
)

type SurfaceResult struct {
	Violations    []api.Violation
	FilesScanned  int
	FilesUniverse int
	ItemsTotal    int
	MaxItems      int
	Items         []string
}

type compiledSurfaceRule struct {
	regex     *regexp.Regexp
	desc      string
	fileGlobs *globSet
}

// Default public-declaration patterns when a surface check declares no rules.
// Go exported declarations plus the Rust pub keyword family keep the check
// useful on mixed repos out of the box.
var defaultSurfaceRules = []config.SurfaceRuleConfig{
	{Regex: `^func\s+([A-Z][A-Za-z0-9_]*)\s*\(`, Description: "func"},
	{Regex: `^func\s+\([^)]+\)\s+([A-Z][A-Za-z0-9_]*)\s*\(`, Description: "method"},
	{Regex: `^type\s+([A-Z][A-Za-z0-9_]*)\b`, Description: "type"},
	{Regex: `^(?:var|const)\s+([A-Z][A-Za-z0-9_]*)\b`, Description: "value"},
	{Regex: `^pub\s+(?:mod|use|fn|struct|enum|trait|const|static|type)\s+([A-Za-z0-9_:]+)`, Description: "pub"},
}

func compileSurfaceRules(cfg config.SurfaceCheckConfig) ([]compiledSurfaceRule, error) {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = defaultSurfaceRules
	}
	out := make([]compiledSurfaceRule, 0, len(rules))
	for idx, rule := range rules {
		regex, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile surface rule regex: %w", err)
		}
		desc := strings.TrimSpace(rule.Description)
		if desc == "" {
			desc = fmt.Sprintf("rule%d", idx)
		}
		fileGlobs, err := compileGlobs(rule.FileGlobs)
		if err != nil {
			return nil, err
		}
		out = append(out, compiledSurfaceRule{regex: regex, desc: desc, fileGlobs: fileGlobs})
	}
	return out, nil
}

// RunSurface tokenizes source lines into qualified public-surface identifiers
// (rel::desc:item). Exceeding max_items is an observation; the sorted item
// list feeds the quality delta ratchet.
func RunSurface(repoRoot string, cfg config.SurfaceCheckConfig) (SurfaceResult, error) {
	rules, err := compileSurfaceRules(cfg)
	if err != nil {
		return SurfaceResult{}, err
	}

	includeGlobs := cfg.IncludeGlobs
	if len(includeGlobs) == 0 {
		includeGlobs = []string{"**/*.go"}
	}
	candidates, err := collectCandidateFiles(repoRoot, includeGlobs, cfg.ExcludeGlobs)
	if err != nil {
		return SurfaceResult{}, err
	}

	items := map[string]struct{}{}
	result := SurfaceResult{FilesUniverse: len(candidates), MaxItems: cfg.MaxItems}

	for _, rel := range candidates {
		// #nosec G304 -- rel is a walk result under the repo root.
		data, readErr := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
		if readErr != nil {
			result.Violations = append(result.Violations, api.Blocking(
				"surface.read_failed",
				"failed to read file for surface scan: "+readErr.Error(),
				rel, nil))
			continue
		}
		result.FilesScanned++

		applicable := rules[:0:0]
		for _, rule := range rules {
			if rule.fileGlobs == nil || rule.fileGlobs.match(rel) {
				applicable = append(applicable, rule)
			}
		}
		if len(applicable) == 0 {
			continue
		}

		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimLeft(line, " \t")
			for _, rule := range applicable {
				captures := rule.regex.FindStringSubmatch(trimmed)
				if captures == nil {
					continue
				}
				value := captures[0]
				if len(captures) > 1 && captures[1] != "" {
					value = captures[1]
				}
				value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ";"))
				if value == "" {
					continue
				}
				items[fmt.Sprintf("%s::%s:%s", rel, rule.desc, value)] = struct{}{}
			}
		}
	}

	result.Items = make([]string, 0, len(items))
	for item := range items {
		result.Items = append(result.Items, item)
	}
	sort.Strings(result.Items)
	result.ItemsTotal = len(result.Items)

	if result.ItemsTotal > cfg.MaxItems {
		result.Violations = append(result.Violations, api.Observation(
			"surface.max_exceeded",
			fmt.Sprintf("public surface exceeds max_pub_items=%d (current=%d)", cfg.MaxItems, result.ItemsTotal),
			cfg.BaselinePath, nil))
	}
	return result, nil
}
