package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func WriteRepoFile(t *testing.T, repoRoot, relPath string, content string) {
	t.Helper()
	WriteFile(t, filepath.Join(repoRoot, filepath.FromSlash(relPath)), []byte(content))
}

// SeedRepo lays down a minimal valid compas configuration: one plugin with an
// echo tool wired into every gate, the full check set, a quality contract,
// an env registry, and the default failure-mode catalog.
func SeedRepo(t *testing.T, repoRoot string) {
	t.Helper()
	seedRepo(t, repoRoot, true, 1)
}

// SeedRepoNoGates is SeedRepo without any gate entries, for empty-sequence
// fixtures that still need a passing validate.
func SeedRepoNoGates(t *testing.T, repoRoot string) {
	t.Helper()
	seedRepo(t, repoRoot, false, 1)
}

// SeedRepoWithMinStdout varies the echo tool's receipt contract so receipt
// violations can be forced without dropping the check set.
func SeedRepoWithMinStdout(t *testing.T, repoRoot string, minStdoutBytes int) {
	t.Helper()
	seedRepo(t, repoRoot, true, minStdoutBytes)
}

func seedRepo(t *testing.T, repoRoot string, withGates bool, minStdoutBytes int) {
	t.Helper()

	gates := ""
	if withGates {
		gates = `
[gate.ci_fast]
tools = ["echo-ok"]

[gate.ci]
tools = ["echo-ok"]

[gate.flagship]
tools = ["echo-ok"]
`
	}

	WriteRepoFile(t, repoRoot, ".agents/mcp/compas/plugins/core/plugin.toml", `[plugin]
id = "core"
description = "Core fixture plugin exercising every gate and check family."

[[tools]]
id = "echo-ok"
description = "Prints a fixed marker line for gate receipt fixtures."
command = "echo"
args = ["gate-ok"]
timeout_ms = 30000

[tools.receipt_contract]
min_duration_ms = 0
min_stdout_bytes = `+fmt.Sprint(minStdoutBytes)+`
`+gates+`
[[checks.loc]]
id = "loc-main"
max_loc = 200
include_globs = ["src/**/*.go"]

[[checks.boundary]]
id = "boundary-main"
include_globs = ["src/**/*.go"]

[[checks.boundary.rules]]
id = "no-forbidden-token"
message = "forbidden token in runtime source"
deny_regex = "FORBIDDEN_TOKEN"

[[checks.surface]]
id = "surface-main"
max_items = 100
include_globs = ["src/**/*.go"]
baseline_path = ".agents/mcp/compas/baselines/public_surface.json"

[[checks.duplicates]]
id = "duplicates-main"
include_globs = ["src/**/*.go"]
max_file_bytes = 262144
baseline_path = ".agents/mcp/compas/baselines/duplicates.json"

[[checks.supply_chain]]
id = "supply-chain"

[[checks.env_registry]]
id = "env-registry"
registry_path = ".agents/mcp/compas/env_registry.toml"

[[checks.tool_budget]]
id = "tool-budget"
max_tools_total = 16
max_tools_per_plugin = 8
max_gate_tools_per_kind = 8
max_checks_total = 16
`)

	WriteRepoFile(t, repoRoot, ".agents/mcp/compas/quality_contract.toml", `[quality]
min_trust_score = 50
min_coverage_percent = 50.0

[exceptions]
max_exceptions = 10
max_suppressed_ratio = 0.90
max_exception_window_days = 365

[receipt_defaults]
min_duration_ms = 500
min_stdout_bytes = 10

[baseline]
snapshot_path = ".agents/mcp/compas/baselines/quality_snapshot.json"
max_scope_narrowing = 0.10
`)

	WriteRepoFile(t, repoRoot, ".agents/mcp/compas/env_registry.toml", `[[vars]]
name = "AI_DX_REPO_ROOT"
description = "Default repository root for compas operations."
required = false
`)

	WriteRepoFile(t, repoRoot, ".agents/mcp/compas/failure_modes.toml", `catalog = [
  "policy_theater",
  "unplugged_iron",
  "fail_open",
  "env_sprawl",
  "public_surface_bloat",
  "god_module_cycles",
  "resilience_defaults",
  "security_baseline",
  "dependency_hygiene",
  "knowledge_continuity",
]
`)

	WriteRepoFile(t, repoRoot, "src/main.go", "package main\n\nfunc main() {\n}\n")
}
