package app

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/witness"
	"github.com/compasproject/compas/internal/testutil"
)

// Seed scenario: gate success with witness chain. Two consecutive gate runs
// append two linked chain entries that both verify.
func TestGateSuccessAppendsWitnessChain(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.SeedRepo(t, repoRoot)

	first := Gate(repoRoot, api.GateCiFast, false, true)
	if !first.OK {
		t.Fatalf("first gate failed: %+v (violations=%v)", first.Error, first.Validate.Violations)
	}
	if len(first.Receipts) != 1 || !first.Receipts[0].Success {
		t.Fatalf("receipts = %+v", first.Receipts)
	}
	if first.Witness == nil || first.Witness.SHA256 == "" {
		t.Fatalf("witness meta missing: %+v", first.Witness)
	}

	second := Gate(repoRoot, api.GateCiFast, false, true)
	if !second.OK {
		t.Fatalf("second gate failed: %+v", second.Error)
	}

	chain, err := witness.LoadChain(filepath.Join(repoRoot, filepath.FromSlash(witness.ChainRelPath)))
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	if len(chain.Entries) != 2 {
		t.Fatalf("chain entries = %d, want 2", len(chain.Entries))
	}
	if chain.Entries[1].PrevHash != chain.Entries[0].EntryHash {
		t.Fatalf("chain not linked: %+v", chain.Entries)
	}
	if !witness.VerifyChain(chain) {
		t.Fatalf("chain must verify")
	}
}

func TestGateDryRunProducesReceipts(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.SeedRepo(t, repoRoot)

	out := Gate(repoRoot, api.GateCiFast, true, false)
	if !out.OK {
		t.Fatalf("dry-run gate failed: %+v", out.Error)
	}
	if len(out.Receipts) != 1 || out.Receipts[0].StdoutTail != "[dry_run]" {
		t.Fatalf("receipts = %+v", out.Receipts)
	}
	if out.Witness != nil {
		t.Fatalf("dry-run without write_witness produced a witness")
	}
}

func TestGateValidateFailureAborts(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.SeedRepo(t, repoRoot)
	testutil.WriteRepoFile(t, repoRoot, "src/bad.go", "package main\n\nvar marker = \"FORBIDDEN_TOKEN\"\n")

	out := Gate(repoRoot, api.GateCiFast, false, false)
	if out.OK {
		t.Fatalf("gate must fail when validate fails")
	}
	if out.Error == nil || out.Error.Code != "gate.validate_failed" {
		t.Fatalf("error = %+v", out.Error)
	}
	if len(out.Receipts) != 0 {
		t.Fatalf("no tools may run after validate failure: %+v", out.Receipts)
	}
}

func TestGateFailingToolDoesNotStopSequence(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh is unavailable on windows")
	}
	repoRoot := t.TempDir()
	testutil.SeedRepo(t, repoRoot)
	// Plugins merge in sorted path order, so "alpha" puts its tool ahead of
	// the seeded core plugin's echo tool.
	testutil.WriteRepoFile(t, repoRoot, ".agents/mcp/compas/plugins/alpha/plugin.toml", `[plugin]
id = "alpha"
description = "Adds a failing tool ahead of the echo tool in ci."

[[tools]]
id = "always-fails"
description = "Exits non-zero to exercise gate.tool_failed handling."
command = "sh"
args = ["-c", "exit 1"]
timeout_ms = 30000

[tools.receipt_contract]
min_duration_ms = 0
min_stdout_bytes = 0

[gate.ci]
tools = ["always-fails"]
`)

	out := Gate(repoRoot, api.GateCi, false, false)
	if out.OK {
		t.Fatalf("gate with failing tool must not pass")
	}
	if len(out.Receipts) != 2 {
		t.Fatalf("full sequence must run; receipts = %d", len(out.Receipts))
	}
	if out.Verdict.Decision.Status != api.StatusBlocked {
		t.Fatalf("status = %s, want blocked", out.Verdict.Decision.Status)
	}
	foundToolFailed := false
	for _, reason := range out.Verdict.Decision.Reasons {
		if reason.Code == "gate.tool_failed.always-fails" {
			foundToolFailed = true
			if reason.Class != api.ClassContractBreak {
				t.Fatalf("business failure class = %s, want contract_break", reason.Class)
			}
		}
	}
	if !foundToolFailed {
		t.Fatalf("missing gate.tool_failed reason: %+v", out.Verdict.Decision.Reasons)
	}
}

func TestGateEmptySequenceFails(t *testing.T) {
	repoRoot := t.TempDir()
	testutil.SeedRepoNoGates(t, repoRoot)

	out := Gate(repoRoot, api.GateCiFast, true, false)
	if out.OK {
		t.Fatalf("empty sequence must fail")
	}
	if out.Error == nil || out.Error.Code != "gate.empty_sequence" {
		t.Fatalf("error = %+v", out.Error)
	}
}

func TestGateReceiptContractViolation(t *testing.T) {
	repoRoot := t.TempDir()
	// Demand more stdout than the echo tool can produce.
	testutil.SeedRepoWithMinStdout(t, repoRoot, 100000)

	out := Gate(repoRoot, api.GateCiFast, false, false)
	if out.OK {
		t.Fatalf("receipt contract violation must fail the gate")
	}
	found := false
	for _, reason := range out.Verdict.Decision.Reasons {
		if reason.Code == "gate.receipt_contract_violated" {
			found = true
			if reason.Class != api.ClassRuntimeRisk {
				t.Fatalf("receipt contract class = %s, want runtime_risk", reason.Class)
			}
		}
	}
	if !found {
		t.Fatalf("missing receipt contract reason: %+v", out.Verdict.Decision.Reasons)
	}
	// Receipt success semantics stay governed by the exit code.
	if len(out.Receipts) != 1 || !out.Receipts[0].Success {
		t.Fatalf("receipt = %+v", out.Receipts)
	}
}
