package judge

import (
	"testing"

	"github.com/compasproject/compas/core/api"
)

func TestUnknownCodeIsUnknownBlocking(t *testing.T) {
	class, tier := Classify("something.never.seen")
	if class != api.ClassUnknown {
		t.Fatalf("class = %s, want unknown", class)
	}
	if tier != api.TierBlocking {
		t.Fatalf("tier = %s, want blocking", tier)
	}
}

func TestSuffixHasPriorityOverPrefix(t *testing.T) {
	class, tier := Classify("loc.read_failed")
	if class != api.ClassRuntimeRisk || tier != api.TierBlocking {
		t.Fatalf("classify(loc.read_failed) = (%s, %s), want (runtime_risk, blocking)", class, tier)
	}
	class, tier = Classify("loc.max_exceeded")
	if class != api.ClassContractBreak || tier != api.TierObservation {
		t.Fatalf("classify(loc.max_exceeded) = (%s, %s), want (contract_break, observation)", class, tier)
	}
}

func TestObservationTierFamilies(t *testing.T) {
	for _, code := range []string{
		"loc.max_exceeded",
		"surface.max_exceeded",
		"duplicates.found",
		"env_registry.unregistered_usage",
		"tool_budget.max_tools_total_exceeded",
		"gate.observation.trace",
	} {
		if _, tier := Classify(code); tier != api.TierObservation {
			t.Fatalf("classify(%s) tier = blocking, want observation", code)
		}
	}
}

func TestCanonicalMappings(t *testing.T) {
	cases := []struct {
		code  string
		class api.ErrorClass
		tier  api.ViolationTier
	}{
		{"config.parse_failed", api.ClassSchemaConfig, api.TierBlocking},
		{"failure_modes.invalid", api.ClassSchemaConfig, api.TierBlocking},
		{"pack.unknown", api.ClassSchemaConfig, api.TierBlocking},
		{"exception.allowlist_invalid", api.ClassSchemaConfig, api.TierBlocking},
		{"supply_chain.lockfile_missing", api.ClassSecurity, api.TierBlocking},
		{"security.allow_any_policy", api.ClassSecurity, api.TierBlocking},
		{"quality_delta.trust_regression", api.ClassQualityRegression, api.TierBlocking},
		{"boundary.rule_violation", api.ClassContractBreak, api.TierBlocking},
		{"exception.expired", api.ClassContractBreak, api.TierBlocking},
		{"exception.window_exceeded", api.ClassContractBreak, api.TierBlocking},
		{"exception.budget_exceeded", api.ClassContractBreak, api.TierBlocking},
		{"gate.receipt_contract_violated", api.ClassRuntimeRisk, api.TierBlocking},
		{"gate.run_failed_transient", api.ClassTransientTool, api.TierBlocking},
		{"gate.run_failed", api.ClassRuntimeRisk, api.TierBlocking},
		{"gate.tool_failed.echo", api.ClassContractBreak, api.TierBlocking},
		{"gate.empty_sequence", api.ClassSchemaConfig, api.TierBlocking},
		{"witness.write_failed", api.ClassRuntimeRisk, api.TierBlocking},
		{"tools.duplicate_exact", api.ClassContractBreak, api.TierBlocking},
		{"tools.duplicate_semantic", api.ClassContractBreak, api.TierObservation},
	}
	for _, tc := range cases {
		class, tier := Classify(tc.code)
		if class != tc.class || tier != tc.tier {
			t.Errorf("classify(%s) = (%s, %s), want (%s, %s)", tc.code, class, tier, tc.class, tc.tier)
		}
	}
}

// Every code family emitted by the checks must classify to a known class.
func TestSchemaTotality(t *testing.T) {
	codes := []string{
		"config.parse_failed", "config.plugins_dir_missing", "config.empty",
		"config.quality_contract_missing", "config.duplicate_tool_id",
		"config.unknown_gate_tool", "config.import_read_failed",
		"config.import_parse_failed", "config.import_glob_invalid",
		"config.baseline_write_requires_maintenance",
		"config.baseline_maintenance_reason_too_short",
		"config.threshold_weakened", "config.mandatory_check_removed",
		"failure_modes.invalid", "failure_modes.mandatory_missing",
		"failure_modes.catalog_too_small", "pack.unknown", "pack.apply_failed",
		"loc.max_exceeded", "loc.read_failed", "loc.check_failed",
		"boundary.rule_violation", "boundary.read_failed", "boundary.check_failed",
		"surface.max_exceeded", "surface.read_failed", "surface.check_failed",
		"duplicates.found", "duplicates.read_failed", "duplicates.stat_failed",
		"env_registry.unregistered_usage", "env_registry.required_missing",
		"env_registry.registry_missing", "env_registry.registry_invalid",
		"supply_chain.lockfile_missing", "supply_chain.prerelease_dependency",
		"supply_chain.read_failed", "supply_chain.manifest_parse_failed",
		"tool_budget.max_tools_total_exceeded", "security.allow_any_policy",
		"exception.allowlist_invalid", "exception.expired",
		"exception.window_exceeded", "exception.budget_exceeded",
		"tools.duplicate_exact", "tools.duplicate_semantic",
		"quality_delta.trust_regression", "quality_delta.trust_below_minimum",
		"quality_delta.coverage_regression", "quality_delta.coverage_below_minimum",
		"quality_delta.risk_profile_regression", "quality_delta.loc_regression",
		"quality_delta.surface_regression", "quality_delta.duplicates_regression",
		"quality_delta.scope_narrowed", "quality_delta.config_changed",
		"quality_delta.check_failed",
		"gate.validate_failed", "gate.empty_sequence", "gate.duplicate_tool_id",
		"gate.unknown_tool_id", "gate.receipt_contract_violated",
		"gate.receipt_invariant_failed", "gate.run_failed",
		"gate.run_failed_transient", "gate.tool_failed.some-tool",
		"witness.write_failed", "witness.rotation_failed",
		"witness.chain_append_failed",
	}
	for _, code := range codes {
		if class, _ := Classify(code); class == api.ClassUnknown {
			t.Errorf("code %s classifies as unknown", code)
		}
	}
}

func severityRank(status api.DecisionStatus) int {
	switch status {
	case api.StatusPass:
		return 0
	case api.StatusRetryable:
		return 1
	default:
		return 2
	}
}

func TestDecideGate(t *testing.T) {
	observation := api.DecisionReason{Code: "loc.max_exceeded", Class: api.ClassContractBreak, Tier: api.TierObservation}
	transient := api.DecisionReason{Code: "gate.run_failed_transient", Class: api.ClassTransientTool, Tier: api.TierBlocking}
	hard := api.DecisionReason{Code: "boundary.rule_violation", Class: api.ClassContractBreak, Tier: api.TierBlocking}

	if got := DecideGate([]api.DecisionReason{observation}); got != api.StatusPass {
		t.Fatalf("observation-only = %s, want pass", got)
	}
	if got := DecideGate([]api.DecisionReason{transient}); got != api.StatusRetryable {
		t.Fatalf("transient-only = %s, want retryable", got)
	}
	if got := DecideGate([]api.DecisionReason{transient, hard}); got != api.StatusBlocked {
		t.Fatalf("transient+hard = %s, want blocked", got)
	}
}

func TestDecideMonotonicity(t *testing.T) {
	base := []api.DecisionReason{
		{Code: "boundary.rule_violation", Class: api.ClassContractBreak, Tier: api.TierBlocking},
	}
	extra := []api.DecisionReason{
		{Code: "loc.max_exceeded", Class: api.ClassContractBreak, Tier: api.TierObservation},
		{Code: "gate.run_failed_transient", Class: api.ClassTransientTool, Tier: api.TierBlocking},
	}
	before := DecideGate(base)
	extended := append(append([]api.DecisionReason(nil), base...), extra...)
	after := DecideGate(extended)
	if severityRank(after) < severityRank(before) {
		t.Fatalf("adding reasons relaxed the status: %s -> %s", before, after)
	}
}

func TestDecideValidateWarnAlwaysPasses(t *testing.T) {
	reasons := []api.DecisionReason{
		{Code: "boundary.rule_violation", Class: api.ClassContractBreak, Tier: api.TierBlocking},
	}
	if got := DecideValidate(reasons, api.ModeWarn); got != api.StatusPass {
		t.Fatalf("warn = %s, want pass", got)
	}
	if got := DecideValidate(reasons, api.ModeRatchet); got != api.StatusBlocked {
		t.Fatalf("ratchet = %s, want blocked", got)
	}
	if got := DecideValidate(reasons, api.ModeStrict); got != api.StatusBlocked {
		t.Fatalf("strict = %s, want blocked", got)
	}
}

func TestJudgeGateReceiptClassification(t *testing.T) {
	exitOne := 1
	receipts := []api.Receipt{
		{ToolID: "flaky", Success: false, TimedOut: true, StdoutSHA256: "a", StderrSHA256: "b"},
		{ToolID: "lint", Success: false, ExitCode: &exitOne, StdoutSHA256: "a", StderrSHA256: "b"},
	}
	verdict := JudgeGate(nil, nil, receipts)
	if verdict.Decision.Status != api.StatusBlocked {
		t.Fatalf("status = %s, want blocked (business failure present)", verdict.Decision.Status)
	}
	classByCode := map[string]api.ErrorClass{}
	for _, reason := range verdict.Decision.Reasons {
		classByCode[reason.Code] = reason.Class
	}
	if classByCode["gate.tool_failed.flaky"] != api.ClassTransientTool {
		t.Fatalf("timed-out tool class = %s, want transient_tool", classByCode["gate.tool_failed.flaky"])
	}
	if classByCode["gate.tool_failed.lint"] != api.ClassContractBreak {
		t.Fatalf("failed tool class = %s, want contract_break", classByCode["gate.tool_failed.lint"])
	}

	onlyTimeout := JudgeGate(nil, nil, receipts[:1])
	if onlyTimeout.Decision.Status != api.StatusRetryable {
		t.Fatalf("timeout-only status = %s, want retryable", onlyTimeout.Decision.Status)
	}
}
