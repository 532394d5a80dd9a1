package judge

import (
	"github.com/compasproject/compas/core/api"
)

func reasonFromViolation(v api.Violation) api.DecisionReason {
	class, defaultTier := Classify(v.Code)
	tier := defaultTier
	if v.Tier == api.TierObservation {
		tier = api.TierObservation
	}
	return api.DecisionReason{Code: v.Code, Class: class, Tier: tier}
}

func countTiers(reasons []api.DecisionReason) (blocking, observation int) {
	for _, reason := range reasons {
		if reason.Tier == api.TierBlocking {
			blocking++
		} else {
			observation++
		}
	}
	return blocking, observation
}

// DecideGate passes with no blocking reasons, retries when every blocking
// reason is transient tool infrastructure, and blocks otherwise.
func DecideGate(reasons []api.DecisionReason) api.DecisionStatus {
	blocking := 0
	allTransient := true
	for _, reason := range reasons {
		if reason.Tier != api.TierBlocking {
			continue
		}
		blocking++
		if reason.Class != api.ClassTransientTool {
			allTransient = false
		}
	}
	if blocking == 0 {
		return api.StatusPass
	}
	if allTransient {
		return api.StatusRetryable
	}
	return api.StatusBlocked
}

// DecideValidate never returns retryable: warn mode always passes, otherwise
// any blocking reason blocks.
func DecideValidate(reasons []api.DecisionReason, mode api.ValidateMode) api.DecisionStatus {
	if mode == api.ModeWarn {
		return api.StatusPass
	}
	for _, reason := range reasons {
		if reason.Tier == api.TierBlocking {
			return api.StatusBlocked
		}
	}
	return api.StatusPass
}

func JudgeValidate(violations []api.Violation, mode api.ValidateMode) api.Verdict {
	reasons := make([]api.DecisionReason, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, reasonFromViolation(v))
	}
	blocking, observation := countTiers(reasons)
	return api.Verdict{
		Decision: api.Decision{
			Status:           DecideValidate(reasons, mode),
			Reasons:          reasons,
			BlockingCount:    blocking,
			ObservationCount: observation,
		},
		SuppressedCodes: []string{},
	}
}

// JudgeGate merges validate reasons, gate-phase violations, and per-receipt
// failures. A failed receipt classifies as transient tool iff it timed out;
// business failures stay contract breaks.
func JudgeGate(validateViolations, gateViolations []api.Violation, receipts []api.Receipt) api.Verdict {
	reasons := make([]api.DecisionReason, 0, len(validateViolations)+len(gateViolations)+len(receipts))
	for _, v := range validateViolations {
		reasons = append(reasons, reasonFromViolation(v))
	}
	for _, v := range gateViolations {
		reasons = append(reasons, reasonFromViolation(v))
	}
	for _, receipt := range receipts {
		if receipt.Success {
			continue
		}
		class := api.ClassContractBreak
		if receipt.TimedOut {
			class = api.ClassTransientTool
		}
		reasons = append(reasons, api.DecisionReason{
			Code:  "gate.tool_failed." + receipt.ToolID,
			Class: class,
			Tier:  api.TierBlocking,
		})
	}

	blocking, observation := countTiers(reasons)
	return api.Verdict{
		Decision: api.Decision{
			Status:           DecideGate(reasons),
			Reasons:          reasons,
			BlockingCount:    blocking,
			ObservationCount: observation,
		},
		SuppressedCodes: []string{},
	}
}
