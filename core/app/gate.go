package app

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/core/insights"
	"github.com/compasproject/compas/core/judge"
	"github.com/compasproject/compas/core/repo"
	"github.com/compasproject/compas/core/runner"
	"github.com/compasproject/compas/core/witness"
)

func gateFail(repoRoot string, kind api.GateKind, validateOut api.ValidateOutput,
	receipts []api.Receipt, gateViolations []api.Violation, apiErr api.ApiError) api.GateOutput {
	gateViolations = append(gateViolations, api.Blocking(apiErr.Code, apiErr.Message, "", nil))
	verdict := judge.JudgeGate(validateOut.Violations, gateViolations, receipts)
	digest := insights.BuildAgentDigest(verdict.Decision, gateViolations, validateOut.FindingsV2, validateOut.Suppressed)
	if receipts == nil {
		receipts = []api.Receipt{}
	}
	return api.GateOutput{
		OK:            false,
		Error:         &apiErr,
		SchemaVersion: api.SchemaVersion,
		RepoRoot:      repoRoot,
		Kind:          kind,
		Validate:      validateOut,
		Receipts:      receipts,
		Verdict:       &verdict,
		AgentDigest:   &digest,
	}
}

func ensureGateSequenceInvariants(kind api.GateKind, toolIDs []string) *api.ApiError {
	if len(toolIDs) == 0 {
		return &api.ApiError{
			Code:    "gate.empty_sequence",
			Message: fmt.Sprintf("gate kind=%s has empty tool sequence", kind),
		}
	}
	seen := map[string]struct{}{}
	for _, toolID := range toolIDs {
		if _, dup := seen[toolID]; dup {
			return &api.ApiError{
				Code:    "gate.duplicate_tool_id",
				Message: fmt.Sprintf("gate kind=%s contains duplicate tool_id=%s", kind, toolID),
			}
		}
		seen[toolID] = struct{}{}
	}
	return nil
}

func ensureReceiptInvariants(receipt api.Receipt) *api.ApiError {
	if !receipt.Success && receipt.ExitCode == nil && !receipt.TimedOut {
		return &api.ApiError{
			Code:    "gate.receipt_invariant_failed",
			Message: "tool receipt missing failure context: tool_id=" + receipt.ToolID,
		}
	}
	if strings.TrimSpace(receipt.StdoutSHA256) == "" || strings.TrimSpace(receipt.StderrSHA256) == "" {
		return &api.ApiError{
			Code:    "gate.receipt_invariant_failed",
			Message: "tool receipt missing stream hash: tool_id=" + receipt.ToolID,
		}
	}
	return nil
}

func checkReceiptContract(receipt api.Receipt, contract config.ToolReceiptContract) *api.Violation {
	violated := func(message string) *api.Violation {
		v := api.Blocking("gate.receipt_contract_violated", message, "", nil)
		return &v
	}
	if contract.MinDurationMS != nil && receipt.DurationMS < *contract.MinDurationMS {
		return violated(fmt.Sprintf("tool %s ran too fast: %dms < min %dms",
			receipt.ToolID, receipt.DurationMS, *contract.MinDurationMS))
	}
	if contract.MinStdoutBytes != nil && receipt.StdoutBytes < *contract.MinStdoutBytes {
		return violated(fmt.Sprintf("tool %s produced too little output: %d bytes < min %d bytes",
			receipt.ToolID, receipt.StdoutBytes, *contract.MinStdoutBytes))
	}
	if contract.ExpectStdoutPattern != nil {
		pattern := strings.TrimSpace(*contract.ExpectStdoutPattern)
		if pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return violated(fmt.Sprintf("invalid expect_stdout_pattern regex for %s: %v", receipt.ToolID, err))
			}
			combined := receipt.StdoutTail
			if combined == "" {
				combined = receipt.StderrTail
			} else if receipt.StderrTail != "" {
				combined = receipt.StdoutTail + "\n" + receipt.StderrTail
			}
			if !re.MatchString(receipt.StdoutTail) && !re.MatchString(receipt.StderrTail) && !re.MatchString(combined) {
				return violated(fmt.Sprintf(
					"tool %s output tails do not match expected pattern %q (stdout_bytes=%d, stderr_bytes=%d)",
					receipt.ToolID, pattern, receipt.StdoutBytes, receipt.StderrBytes))
			}
		}
	}
	if len(contract.ExpectExitCodes) > 0 {
		got := -9999
		if receipt.ExitCode != nil {
			got = *receipt.ExitCode
		}
		matched := false
		for _, code := range contract.ExpectExitCodes {
			if code == got {
				matched = true
				break
			}
		}
		if !matched {
			return violated(fmt.Sprintf("tool %s exit code %d not in expected %v", receipt.ToolID, got, contract.ExpectExitCodes))
		}
	}
	return nil
}

func effectiveReceiptContract(tool config.ProjectTool, contract *config.QualityContractConfig) *config.ToolReceiptContract {
	if tool.ReceiptContract != nil {
		return tool.ReceiptContract
	}
	if contract == nil {
		return nil
	}
	minDuration := contract.ReceiptDefaults.MinDurationMS
	minStdout := contract.ReceiptDefaults.MinStdoutBytes
	return &config.ToolReceiptContract{
		MinDurationMS:  &minDuration,
		MinStdoutBytes: &minStdout,
	}
}

// classifyRunFailed distinguishes transient runner infrastructure failures
// (retryable) from everything else.
func classifyRunFailed(err error) string {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return "gate.run_failed_transient"
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return "gate.run_failed"
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "broken pipe") ||
		strings.Contains(text, "interrupted") ||
		strings.Contains(text, "resource temporarily unavailable") {
		return "gate.run_failed_transient"
	}
	return "gate.run_failed"
}

// Gate validates in ratchet mode, runs the gate's ordered tool chain, applies
// receipt contracts, and writes the witness and chain entry.
func Gate(repoRoot string, kind api.GateKind, dryRun, writeWitness bool) api.GateOutput {
	validateOut := Validate(repoRoot, api.ModeRatchet, false, nil)
	var gateViolations []api.Violation

	finish := func(out api.GateOutput, effectiveWriteWitness bool) api.GateOutput {
		out = witness.MaybeWrite(repoRoot, kind, effectiveWriteWitness, out)
		if out.Verdict != nil {
			out.Verdict.QualityPosture = out.Validate.QualityPosture
			out.Verdict.SuppressedCount = len(out.Validate.Suppressed)
			out.Verdict.SuppressedCodes = collectSuppressedCodes(out.Validate.Suppressed)
		}
		return out
	}

	if !validateOut.OK {
		return finish(gateFail(repoRoot, kind, validateOut, nil, gateViolations, api.ApiError{
			Code:    "gate.validate_failed",
			Message: "validate(ratchet) failed; gate aborted",
		}), writeWitness)
	}

	cfg, cfgErr := repo.Load(repoRoot)
	if cfgErr != nil {
		return finish(gateFail(repoRoot, kind, validateOut, nil, gateViolations, mapConfigError(repoRoot, cfgErr)), writeWitness)
	}

	toolIDs := cfg.GateSequence(string(kind))
	if apiErr := ensureGateSequenceInvariants(kind, toolIDs); apiErr != nil {
		return finish(gateFail(repoRoot, kind, validateOut, nil, gateViolations, *apiErr), writeWitness)
	}

	effectiveWriteWitness := writeWitness
	if !dryRun && cfg.QualityContract != nil && cfg.QualityContract.RequireWitness() {
		effectiveWriteWitness = true
	}

	var receipts []api.Receipt
	for _, toolID := range toolIDs {
		tool, known := cfg.Tools[toolID]
		if !known {
			return finish(gateFail(repoRoot, kind, validateOut, receipts, gateViolations, api.ApiError{
				Code:    "gate.unknown_tool_id",
				Message: "gate references unknown tool_id=" + toolID,
			}), effectiveWriteWitness)
		}

		receipt, runErr := runner.RunTool(repoRoot, tool, nil, dryRun)
		if runErr != nil {
			gateViolations = append(gateViolations, api.Blocking(
				classifyRunFailed(runErr),
				fmt.Sprintf("tool_id=%s: %v", toolID, runErr),
				"", nil))
			continue
		}
		if apiErr := ensureReceiptInvariants(receipt); apiErr != nil {
			return finish(gateFail(repoRoot, kind, validateOut, receipts, gateViolations, *apiErr), effectiveWriteWitness)
		}
		if !dryRun && receipt.Success {
			if contract := effectiveReceiptContract(tool, cfg.QualityContract); contract != nil {
				if violation := checkReceiptContract(receipt, *contract); violation != nil {
					gateViolations = append(gateViolations, *violation)
				}
			}
		}
		receipts = append(receipts, receipt)
	}
	if receipts == nil {
		receipts = []api.Receipt{}
	}

	verdict := judge.JudgeGate(validateOut.Violations, gateViolations, receipts)
	ok := verdict.Decision.Status == api.StatusPass
	var apiErr *api.ApiError
	switch verdict.Decision.Status {
	case api.StatusRetryable:
		apiErr = &api.ApiError{
			Code:    "gate.retryable",
			Message: "gate failed due to transient runner/tool timeout issue; retry is allowed",
		}
	case api.StatusBlocked:
		apiErr = &api.ApiError{
			Code:    "gate.blocked",
			Message: "gate blocked by policy/quality violations",
		}
	}

	digest := insights.BuildAgentDigest(verdict.Decision, gateViolations, validateOut.FindingsV2, validateOut.Suppressed)
	out := api.GateOutput{
		OK:            ok,
		Error:         apiErr,
		SchemaVersion: api.SchemaVersion,
		RepoRoot:      repoRoot,
		Kind:          kind,
		Validate:      validateOut,
		Receipts:      receipts,
		Verdict:       &verdict,
		AgentDigest:   &digest,
	}
	return finish(out, effectiveWriteWitness)
}
