package checks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
)

type BoundaryResult struct {
	Violations   []api.Violation
	FilesScanned int
	RulesChecked int
}

type compiledBoundaryRule struct {
	id      string
	message string
	regex   *regexp.Regexp
}

// RunBoundary scans included files against deny regexes. Any match is a
// blocking contract break.
func RunBoundary(repoRoot string, cfg config.BoundaryCheckConfig) (BoundaryResult, error) {
	includeGlobs := cfg.IncludeGlobs
	if len(includeGlobs) == 0 {
		includeGlobs = []string{"**/*.go"}
	}

	rules := make([]compiledBoundaryRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return BoundaryResult{}, fmt.Errorf("boundary rule has empty id")
		}
		regex, err := regexp.Compile(strings.TrimSpace(rule.DenyRegex))
		if err != nil {
			return BoundaryResult{}, fmt.Errorf("compile boundary rule regex id=%s: %w", id, err)
		}
		message := rule.Message
		if message == "" {
			message = "boundary rule violation"
		}
		rules = append(rules, compiledBoundaryRule{id: id, message: message, regex: regex})
	}

	candidates, err := collectCandidateFiles(repoRoot, includeGlobs, cfg.ExcludeGlobs)
	if err != nil {
		return BoundaryResult{}, err
	}

	result := BoundaryResult{RulesChecked: len(rules)}
	for _, rel := range candidates {
		// #nosec G304 -- rel is a walk result under the repo root.
		data, readErr := os.ReadFile(filepath.Join(repoRoot, filepath.FromSlash(rel)))
		if readErr != nil {
			result.Violations = append(result.Violations, api.Blocking(
				"boundary.read_failed",
				"failed to read file for boundary check: "+readErr.Error(),
				rel, nil))
			continue
		}
		result.FilesScanned++

		source := string(data)
		if cfg.StripRustCfgTestBlocks && strings.HasSuffix(rel, ".rs") {
			source = stripRustCfgTestModules(source)
		}

		for _, rule := range rules {
			loc := rule.regex.FindStringIndex(source)
			if loc == nil {
				continue
			}
			line := strings.Count(source[:loc[0]], "\n") + 1
			result.Violations = append(result.Violations, api.Blocking(
				"boundary.rule_violation",
				fmt.Sprintf("%s (rule_id=%s)", rule.message, rule.id),
				rel,
				map[string]any{
					"rule_id": rule.id,
					"line":    line,
					"matched": source[loc[0]:loc[1]],
				}))
		}
	}
	return result, nil
}

func braceDelta(line string) int {
	return strings.Count(line, "{") - strings.Count(line, "}")
}

func looksLikeRustModDeclWithBody(line string) bool {
	t := strings.TrimLeft(line, " \t")
	startsLikeMod := strings.HasPrefix(t, "mod ") ||
		strings.HasPrefix(t, "pub mod ") ||
		strings.HasPrefix(t, "pub(crate) mod ") ||
		strings.HasPrefix(t, "pub(super) mod ") ||
		strings.HasPrefix(t, "pub(in ")
	return startsLikeMod && strings.Contains(t, "{")
}

// stripRustCfgTestModules blanks out top-level #[cfg(test)] mod blocks while
// preserving line numbering for diagnostics.
func stripRustCfgTestModules(source string) string {
	lines := strings.Split(source, "\n")
	var out strings.Builder
	out.Grow(len(source))
	i := 0

	emitBlank := func(index int) {
		if index+1 < len(lines) {
			out.WriteByte('\n')
		}
	}

	for i < len(lines) {
		trimmed := strings.TrimLeft(lines[i], " \t")
		if strings.HasPrefix(trimmed, "#[cfg(test)]") {
			emitBlank(i)
			i++
			for i < len(lines) && strings.HasPrefix(strings.TrimLeft(lines[i], " \t"), "#[") {
				emitBlank(i)
				i++
			}
			if i < len(lines) && looksLikeRustModDeclWithBody(lines[i]) {
				depth := braceDelta(lines[i])
				emitBlank(i)
				i++
				for i < len(lines) && depth > 0 {
					depth += braceDelta(lines[i])
					emitBlank(i)
					i++
				}
			}
			continue
		}
		out.WriteString(lines[i])
		if i+1 < len(lines) {
			out.WriteByte('\n')
		}
		i++
	}
	return out.String()
}
