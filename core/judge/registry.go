package judge

import (
	"strings"

	"github.com/compasproject/compas/core/api"
)

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternSuffix
)

type registryEntry struct {
	kind    patternKind
	pattern string
	class   api.ErrorClass
	tier    api.ViolationTier
}

func exact(pattern string, class api.ErrorClass, tier api.ViolationTier) registryEntry {
	return registryEntry{kind: patternExact, pattern: pattern, class: class, tier: tier}
}

func prefix(pattern string, class api.ErrorClass, tier api.ViolationTier) registryEntry {
	return registryEntry{kind: patternPrefix, pattern: pattern, class: class, tier: tier}
}

func suffix(pattern string, class api.ErrorClass, tier api.ViolationTier) registryEntry {
	return registryEntry{kind: patternSuffix, pattern: pattern, class: class, tier: tier}
}

// violationRegistry is the single source of truth for classifying violation
// codes. Order matters within a pattern kind; lookup is suffix, exact, prefix.
var violationRegistry = []registryEntry{
	// Infrastructure failures (suffix priority)
	suffix(".check_failed", api.ClassRuntimeRisk, api.TierBlocking),
	suffix(".read_failed", api.ClassRuntimeRisk, api.TierBlocking),
	suffix(".stat_failed", api.ClassRuntimeRisk, api.TierBlocking),
	suffix(".manifest_parse_failed", api.ClassRuntimeRisk, api.TierBlocking),
	// Config / structural
	prefix("config.", api.ClassSchemaConfig, api.TierBlocking),
	prefix("failure_modes.", api.ClassSchemaConfig, api.TierBlocking),
	prefix("pack.", api.ClassSchemaConfig, api.TierBlocking),
	exact("exception.allowlist_invalid", api.ClassSchemaConfig, api.TierBlocking),
	// Security
	prefix("supply_chain.", api.ClassSecurity, api.TierBlocking),
	exact("security.allow_any_policy", api.ClassSecurity, api.TierBlocking),
	// Unified ratchet
	prefix("quality_delta.", api.ClassQualityRegression, api.TierBlocking),
	// Policy / contract
	prefix("boundary.", api.ClassContractBreak, api.TierBlocking),
	exact("exception.expired", api.ClassContractBreak, api.TierBlocking),
	exact("exception.window_exceeded", api.ClassContractBreak, api.TierBlocking),
	exact("exception.budget_exceeded", api.ClassContractBreak, api.TierBlocking),
	prefix("tools.duplicate_exact", api.ClassContractBreak, api.TierBlocking),
	prefix("tools.duplicate_semantic", api.ClassContractBreak, api.TierObservation),
	// Observations
	prefix("loc.", api.ClassContractBreak, api.TierObservation),
	prefix("surface.", api.ClassContractBreak, api.TierObservation),
	prefix("duplicates.", api.ClassContractBreak, api.TierObservation),
	prefix("env_registry.", api.ClassContractBreak, api.TierObservation),
	prefix("tool_budget.", api.ClassContractBreak, api.TierObservation),
	// Gate execution
	prefix("gate.receipt_contract", api.ClassRuntimeRisk, api.TierBlocking),
	prefix("gate.tool_failed", api.ClassContractBreak, api.TierBlocking),
	exact("gate.run_failed_transient", api.ClassTransientTool, api.TierBlocking),
	prefix("gate.run_failed", api.ClassRuntimeRisk, api.TierBlocking),
	prefix("gate.observation.", api.ClassContractBreak, api.TierObservation),
	prefix("gate.", api.ClassSchemaConfig, api.TierBlocking),
	prefix("witness.", api.ClassRuntimeRisk, api.TierBlocking),
}

// Classify maps a violation code to its error class and default tier.
// Unknown codes fail closed as blocking.
func Classify(code string) (api.ErrorClass, api.ViolationTier) {
	for _, entry := range violationRegistry {
		if entry.kind == patternSuffix && strings.HasSuffix(code, entry.pattern) {
			return entry.class, entry.tier
		}
	}
	for _, entry := range violationRegistry {
		if entry.kind == patternExact && code == entry.pattern {
			return entry.class, entry.tier
		}
	}
	for _, entry := range violationRegistry {
		if entry.kind == patternPrefix && strings.HasPrefix(code, entry.pattern) {
			return entry.class, entry.tier
		}
	}
	return api.ClassUnknown, api.TierBlocking
}
