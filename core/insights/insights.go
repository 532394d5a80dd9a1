package insights

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/repo"
)

func boundaryRuleID(v api.Violation) string {
	if v.Details == nil {
		return ""
	}
	if ruleID, ok := v.Details["rule_id"].(string); ok {
		return ruleID
	}
	return ""
}

func boundaryRuleCategory(ruleID string) string {
	switch ruleID {
	case "no-runtime-unwrap-expect", "no-runtime-panic":
		return "resilience_defaults"
	case "no-runtime-stdout":
		return "fail_open"
	default:
		return ""
	}
}

func findingCategory(v api.Violation) string {
	code := v.Code
	if code == "boundary.rule_violation" {
		if category := boundaryRuleCategory(boundaryRuleID(v)); category != "" {
			return category
		}
	}
	switch {
	case strings.HasPrefix(code, "boundary."), strings.HasPrefix(code, "exception."):
		return "policy_theater"
	case strings.HasPrefix(code, "loc."):
		return "god_module_cycles"
	case strings.HasPrefix(code, "surface."):
		return "public_surface_bloat"
	case strings.HasPrefix(code, "env_registry."):
		return "env_sprawl"
	case strings.HasPrefix(code, "duplicates."):
		return "unplugged_iron"
	case strings.HasPrefix(code, "supply_chain."):
		return "dependency_hygiene"
	case strings.HasPrefix(code, "tool_budget."),
		strings.HasPrefix(code, "quality_delta."),
		strings.HasPrefix(code, "gate."),
		strings.HasPrefix(code, "witness."):
		return "policy_theater"
	case strings.HasPrefix(code, "tools.duplicate_"):
		return "unplugged_iron"
	default:
		return "general"
	}
}

func findingSeverity(code string) api.FindingSeverity {
	switch {
	case strings.Contains(code, "read_failed"), strings.Contains(code, "check_failed"):
		return api.SeverityHigh
	case strings.HasPrefix(code, "quality_delta."),
		strings.HasPrefix(code, "security.allow_any_policy"),
		strings.HasPrefix(code, "config.threshold_weakened"),
		strings.HasPrefix(code, "config.mandatory_check_removed"):
		return api.SeverityCritical
	case strings.HasPrefix(code, "boundary."),
		strings.HasPrefix(code, "supply_chain."),
		strings.HasPrefix(code, "env_registry."),
		strings.HasPrefix(code, "exception.allowlist_invalid"):
		return api.SeverityHigh
	case strings.HasPrefix(code, "surface."),
		strings.HasPrefix(code, "loc."),
		strings.HasPrefix(code, "tool_budget."):
		return api.SeverityMedium
	default:
		return api.SeverityLow
	}
}

func findingFixRecipe(v api.Violation) string {
	code := v.Code
	if code == "boundary.rule_violation" {
		switch boundaryRuleID(v) {
		case "no-runtime-unwrap-expect":
			return "Replace unwrap/expect with explicit error handling and stable error codes in runtime path."
		case "no-runtime-panic":
			return "Remove panics from runtime path and convert to explicit error propagation with diagnostics."
		case "no-runtime-stdout":
			return "Use structured diagnostics instead of direct stdout writes in runtime path."
		}
	}
	switch {
	case strings.HasPrefix(code, "boundary."):
		return "Tighten module boundaries: remove the forbidden pattern and keep adapter->core dependency direction."
	case strings.HasPrefix(code, "loc."):
		return "Split the large file/module into focused slices; keep behavior unchanged while reducing LOC."
	case strings.HasPrefix(code, "surface."):
		return "Reduce public API surface or update baseline intentionally with a documented compatibility note."
	case strings.HasPrefix(code, "env_registry."):
		return "Register the env var in env_registry.toml with description/default/sensitivity and wire used_by_tools."
	case strings.HasPrefix(code, "duplicates."):
		return "Extract shared logic into one helper/module and remove duplicated implementations."
	case strings.HasPrefix(code, "supply_chain.lockfile_missing"):
		return "Add and commit the ecosystem lockfile (go.sum / Cargo.lock / package-lock.json / poetry.lock) before merge."
	case strings.HasPrefix(code, "supply_chain.prerelease_dependency"):
		return "Replace the prerelease dependency with a stable release or explicitly isolate it behind an experimental lane."
	case strings.HasPrefix(code, "supply_chain."):
		return "Fix manifest/lockfile hygiene and rerun validate/gate."
	case strings.HasPrefix(code, "tool_budget."):
		return "Reduce tool/check/gate fan-out or raise the budget intentionally with an explicit rationale."
	case strings.HasPrefix(code, "quality_delta."):
		return "Restore quality posture to baseline (trust/coverage/risk/loc/surface/duplicates) or refresh the baseline via an approved maintenance window."
	case strings.HasPrefix(code, "tools.duplicate_exact"):
		return "Remove exact duplicate tool definitions or consolidate to one canonical tool entry."
	case strings.HasPrefix(code, "tools.duplicate_semantic"):
		return "Review semantically similar tools and merge if they duplicate developer intent."
	case strings.HasPrefix(code, "exception."):
		return "Fix the allowlist entry or expiry and rerun validate/gate to keep suppressions explicit and bounded."
	default:
		return ""
	}
}

// ToFindingsV2 maps violations to normalized findings, sorted by code then path.
func ToFindingsV2(violations []api.Violation) []api.FindingV2 {
	findings := make([]api.FindingV2, 0, len(violations))
	for _, v := range violations {
		findings = append(findings, api.FindingV2{
			Code:    "finding." + v.Code,
			Message: v.Message,
			Path:    v.Path,
			Details: api.FindingDetailsV2{
				Severity:      findingSeverity(v.Code),
				Category:      findingCategory(v),
				Confidence:    "high",
				FixRecipe:     findingFixRecipe(v),
				LegacyDetails: v.Details,
			},
		})
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Code != findings[j].Code {
			return findings[i].Code < findings[j].Code
		}
		return findings[i].Path < findings[j].Path
	})
	return findings
}

func BuildRiskSummary(findings []api.FindingV2) api.RiskSummary {
	byCategory := map[string]int{}
	bySeverity := map[string]int{}
	for _, finding := range findings {
		byCategory[finding.Details.Category]++
		bySeverity[string(finding.Details.Severity)]++
	}
	return api.RiskSummary{
		FindingsTotal: len(findings),
		ByCategory:    byCategory,
		BySeverity:    bySeverity,
	}
}

// BuildCoverage reports which failure modes the active configuration covers.
func BuildCoverage(catalog []string, repoRoot string, cfg *repo.RepoConfig) api.CoverageSummary {
	if len(catalog) == 0 {
		return api.CoverageSummary{CoveredModes: []string{}, UncoveredModes: []string{}, IneffectiveModes: []string{}}
	}
	covered := map[string]struct{}{}
	ineffective := map[string]struct{}{}

	hasBoundaryRule := func(id string) bool {
		for _, b := range cfg.Checks.Boundary {
			for _, rule := range b.Rules {
				if rule.ID == id {
					return true
				}
			}
		}
		return false
	}
	hasEffectiveBoundary := false
	for _, b := range cfg.Checks.Boundary {
		if len(b.Rules) > 0 {
			hasEffectiveBoundary = true
		}
	}
	hasEffectiveLoc := false
	for _, l := range cfg.Checks.Loc {
		if l.MaxLoc < 10_000 {
			hasEffectiveLoc = true
		}
	}

	if hasEffectiveBoundary {
		covered["policy_theater"] = struct{}{}
	}
	if len(cfg.Checks.Boundary) > 0 && !hasEffectiveBoundary {
		ineffective["policy_theater"] = struct{}{}
	}
	if len(cfg.Checks.ToolBudget) > 0 {
		covered["policy_theater"] = struct{}{}
	}
	if hasBoundaryRule("no-runtime-stdout") {
		covered["fail_open"] = struct{}{}
	}
	if len(cfg.Checks.Duplicates) > 0 {
		covered["unplugged_iron"] = struct{}{}
	}
	if len(cfg.Checks.EnvRegistry) > 0 {
		covered["env_sprawl"] = struct{}{}
	}
	if len(cfg.Checks.Surface) > 0 {
		covered["public_surface_bloat"] = struct{}{}
	}
	if hasEffectiveLoc {
		covered["god_module_cycles"] = struct{}{}
	}
	if hasBoundaryRule("no-runtime-unwrap-expect") || hasBoundaryRule("no-runtime-panic") || hasEffectiveLoc {
		covered["resilience_defaults"] = struct{}{}
	}
	if _, err := os.Stat(filepath.Join(repoRoot, ".agents/skills")); err == nil {
		covered["knowledge_continuity"] = struct{}{}
	}
	if len(cfg.Checks.SupplyChain) > 0 {
		covered["security_baseline"] = struct{}{}
		covered["dependency_hygiene"] = struct{}{}
	}
	if len(cfg.Gate.Flagship) > 0 && len(cfg.Checks.SupplyChain) == 0 {
		ineffective["security_baseline"] = struct{}{}
		ineffective["dependency_hygiene"] = struct{}{}
	}

	coveredModes := make([]string, 0, len(covered))
	uncoveredModes := make([]string, 0)
	coveredCount := 0
	for _, mode := range catalog {
		if _, ok := covered[mode]; ok {
			coveredCount++
			coveredModes = append(coveredModes, mode)
		} else {
			uncoveredModes = append(uncoveredModes, mode)
		}
	}
	sort.Strings(coveredModes)
	ineffectiveModes := make([]string, 0, len(ineffective))
	for mode := range ineffective {
		ineffectiveModes = append(ineffectiveModes, mode)
	}
	sort.Strings(ineffectiveModes)

	percent := math.Round(float64(coveredCount)/float64(len(catalog))*100*100) / 100

	return api.CoverageSummary{
		CatalogTotal:     len(catalog),
		CatalogCovered:   coveredCount,
		Percent:          percent,
		CoveredModes:     coveredModes,
		UncoveredModes:   uncoveredModes,
		IneffectiveModes: ineffectiveModes,
	}
}

// BuildTrustScore starts at 100 and subtracts severity-weighted decrements,
// a validate-failure penalty, and a coverage penalty. Deterministic and
// monotone: more findings never raise the score.
func BuildTrustScore(findings []api.FindingV2, validateOK bool, coveragePercent float64) api.TrustScore {
	var critical, high, medium, low int
	for _, finding := range findings {
		switch finding.Details.Severity {
		case api.SeverityCritical:
			critical++
		case api.SeverityHigh:
			high++
		case api.SeverityMedium:
			medium++
		default:
			low++
		}
	}
	score := 100 - critical*25 - high*10 - medium*4 - low
	if !validateOK {
		score -= 5
	}
	coveragePenalty := 0
	if coveragePercent < 60.0 {
		coveragePenalty = int(math.Ceil((60.0 - coveragePercent) / 5.0))
	}
	score -= coveragePenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	grade := "F"
	switch {
	case score >= 90:
		grade = "A"
	case score >= 75:
		grade = "B"
	case score >= 60:
		grade = "C"
	case score >= 40:
		grade = "D"
	}

	return api.TrustScore{
		Score:           score,
		Grade:           grade,
		Weights:         api.TrustWeights{Critical: 25, High: 10, Medium: 4, Low: 1},
		CoveragePenalty: coveragePenalty,
	}
}

func ComputeWeightedRisk(risk api.RiskSummary) int {
	total := 0
	for severity, count := range risk.BySeverity {
		weight := 1
		switch severity {
		case "critical":
			weight = 25
		case "high":
			weight = 10
		case "medium":
			weight = 4
		}
		total += count * weight
	}
	return total
}

func BuildQualityPosture(findingsRaw []api.FindingV2, coverage api.CoverageSummary, risk api.RiskSummary) api.QualityPosture {
	trust := BuildTrustScore(findingsRaw, true, coverage.Percent)
	return api.QualityPosture{
		TrustScore:      trust.Score,
		TrustGrade:      trust.Grade,
		CoverageCovered: coverage.CatalogCovered,
		CoverageTotal:   coverage.CatalogTotal,
		WeightedRisk:    ComputeWeightedRisk(risk),
		FindingsTotal:   risk.FindingsTotal,
		RiskBySeverity:  risk.BySeverity,
	}
}

func topViolationCodes(violations []api.Violation, limit int) []string {
	byCode := map[string]int{}
	for _, v := range violations {
		byCode[v.Code]++
	}
	type ranked struct {
		code  string
		count int
	}
	all := make([]ranked, 0, len(byCode))
	for code, count := range byCode {
		all = append(all, ranked{code: code, count: count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].code < all[j].code
	})
	out := make([]string, 0, limit)
	for _, entry := range all {
		if len(out) == limit {
			break
		}
		out = append(out, entry.code)
	}
	return out
}

// BuildAgentDigest compresses a decision into the shortest useful diagnosis.
func BuildAgentDigest(decision api.Decision, violations []api.Violation, findings []api.FindingV2, suppressed []api.Violation) api.AgentDigest {
	var topBlockers []string
	for _, reason := range decision.Reasons {
		if reason.Tier != api.TierBlocking {
			continue
		}
		topBlockers = append(topBlockers, reason.Code)
		if len(topBlockers) == 5 {
			break
		}
	}
	sort.Strings(topBlockers)
	topBlockers = dedupeSorted(topBlockers)

	byCategory := map[string]int{}
	for _, finding := range findings {
		byCategory[finding.Details.Category]++
	}
	type categoryCount struct {
		category string
		count    int
	}
	categories := make([]categoryCount, 0, len(byCategory))
	for category, count := range byCategory {
		categories = append(categories, categoryCount{category, count})
	}
	sort.Slice(categories, func(i, j int) bool {
		if categories[i].count != categories[j].count {
			return categories[i].count > categories[j].count
		}
		return categories[i].category < categories[j].category
	})
	var rootCauses []string
	for _, entry := range categories {
		if len(rootCauses) == 3 {
			break
		}
		rootCauses = append(rootCauses, fmt.Sprintf("%s (%d)", entry.category, entry.count))
	}

	var fixSteps []string
	for _, finding := range findings {
		if finding.Details.FixRecipe == "" {
			continue
		}
		fixSteps = append(fixSteps, finding.Details.FixRecipe)
		if len(fixSteps) == 3 {
			break
		}
	}
	if len(fixSteps) == 0 && len(violations) > 0 {
		fixSteps = append(fixSteps, "Fix the first blocking violation and rerun validate/gate.")
	}

	confidence := "high"
	for _, reason := range decision.Reasons {
		if reason.Code == "unknown" || strings.HasPrefix(reason.Code, "unknown") {
			confidence = "medium"
			break
		}
	}

	return api.AgentDigest{
		TopBlockers:        topBlockers,
		RootCauses:         rootCauses,
		MinimalFixSteps:    fixSteps,
		Confidence:         confidence,
		SuppressedCount:    len(suppressed),
		SuppressedTopCodes: topViolationCodes(suppressed, 3),
	}
}

func dedupeSorted(values []string) []string {
	out := values[:0]
	for i, value := range values {
		if i == 0 || values[i-1] != value {
			out = append(out, value)
		}
	}
	return out
}
