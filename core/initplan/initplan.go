package initplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/fsx"
)

// Builtin bootstrap packs. Each pack contributes a starter plugin manifest
// plus the shared governance files.

type builtinPack struct {
	pluginID   string
	pluginTOML string
}

var builtinPacks = map[string]builtinPack{
	"builtin:go": {
		pluginID: "go-core",
		pluginTOML: `[plugin]
id = "go-core"
description = "Go toolchain quality gate: vet and tests with LOC and surface checks."

[[tools]]
id = "go-test"
description = "Run the module's Go unit tests with the race detector."
command = "go"
args = ["test", "-race", "./..."]
timeout_ms = 600000

[[tools]]
id = "go-vet"
description = "Run go vet across the module to catch suspicious constructs."
command = "go"
args = ["vet", "./..."]
timeout_ms = 120000

[gate.ci_fast]
tools = ["go-vet"]

[gate.ci]
tools = ["go-vet", "go-test"]

[gate.flagship]
tools = ["go-vet", "go-test"]

[[checks.loc]]
id = "loc-go"
max_loc = 600
include_globs = ["**/*.go"]
exclude_globs = ["**/*_test.go"]

[[checks.surface]]
id = "surface-go"
max_items = 400
include_globs = ["**/*.go"]
exclude_globs = ["**/*_test.go"]
baseline_path = ".agents/mcp/compas/baselines/public_surface.json"

[[checks.duplicates]]
id = "duplicates-go"
include_globs = ["**/*.go"]
max_file_bytes = 262144
baseline_path = ".agents/mcp/compas/baselines/duplicates.json"

[[checks.supply_chain]]
id = "supply-chain"

[[checks.env_registry]]
id = "env-registry"
registry_path = ".agents/mcp/compas/env_registry.toml"

[[checks.tool_budget]]
id = "tool-budget"
max_tools_total = 24
max_tools_per_plugin = 12
max_gate_tools_per_kind = 8
max_checks_total = 24
`,
	},
	"builtin:rust": {
		pluginID: "rust-core",
		pluginTOML: `[plugin]
id = "rust-core"
description = "Rust toolchain quality gate: cargo test plus boundary and LOC checks."

[[tools]]
id = "cargo-test"
description = "Run the workspace's cargo tests in release-independent mode."
command = "cargo"
args = ["test", "--workspace"]
timeout_ms = 600000

[gate.ci_fast]
tools = ["cargo-test"]

[gate.ci]
tools = ["cargo-test"]

[gate.flagship]
tools = ["cargo-test"]

[[checks.loc]]
id = "loc-rust"
max_loc = 600
include_globs = ["**/*.rs"]

[[checks.boundary]]
id = "boundary-rust"
include_globs = ["**/*.rs"]
strip_rust_cfg_test_blocks = true

[[checks.supply_chain]]
id = "supply-chain"
`,
	},
	"builtin:node": {
		pluginID: "node-core",
		pluginTOML: `[plugin]
id = "node-core"
description = "Node toolchain quality gate: npm test with supply-chain checks."

[[tools]]
id = "npm-test"
description = "Run the package's npm test script against the workspace."
command = "npm"
args = ["test"]
timeout_ms = 600000

[gate.ci_fast]
tools = ["npm-test"]

[gate.ci]
tools = ["npm-test"]

[gate.flagship]
tools = ["npm-test"]

[[checks.loc]]
id = "loc-node"
max_loc = 600
include_globs = ["**/*.ts", "**/*.js"]
exclude_globs = ["**/node_modules/**"]

[[checks.supply_chain]]
id = "supply-chain"
`,
	},
	"builtin:python": {
		pluginID: "python-core",
		pluginTOML: `[plugin]
id = "python-core"
description = "Python toolchain quality gate: pytest with LOC and supply-chain checks."

[[tools]]
id = "pytest"
description = "Run the project's pytest suite with quiet summary output."
command = "pytest"
args = ["-q"]
timeout_ms = 600000

[gate.ci_fast]
tools = ["pytest"]

[gate.ci]
tools = ["pytest"]

[gate.flagship]
tools = ["pytest"]

[[checks.loc]]
id = "loc-python"
max_loc = 600
include_globs = ["**/*.py"]
exclude_globs = ["**/.venv/**", "**/venv/**"]

[[checks.supply_chain]]
id = "supply-chain"
`,
	},
}

const defaultQualityContractTOML = `[quality]
min_trust_score = 60
min_coverage_percent = 60.0
allow_trust_drop = false
allow_coverage_drop = false
max_weighted_risk_increase = 0

[exceptions]
max_exceptions = 10
max_suppressed_ratio = 0.30
max_exception_window_days = 90

[receipt_defaults]
min_duration_ms = 500
min_stdout_bytes = 10

[baseline]
snapshot_path = ".agents/mcp/compas/baselines/quality_snapshot.json"
max_scope_narrowing = 0.10

[proof]
require_witness = true
`

const defaultEnvRegistryTOML = `[[vars]]
name = "AI_DX_REPO_ROOT"
description = "Default repository root for compas operations."
required = false

[[vars]]
name = "AI_DX_WRITE_WITNESS"
description = "Default for gate write_witness (truthy = 1|true)."
required = false
default = "1"
`

const defaultFailureModesTOML = `catalog = [
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
`

// Plan resolves the pack selection into a write plan. Existing files are
// never overwritten: they land in Skipped so apply stays idempotent.
func Plan(repoRoot string, packs []string) (api.InitPlan, *api.ApiError) {
	if len(packs) == 0 {
		packs = []string{"builtin:go"}
	}
	seen := map[string]struct{}{}
	var writes []api.InitWriteFile

	addWrite := func(relPath, content string) {
		if _, dup := seen[relPath]; dup {
			return
		}
		seen[relPath] = struct{}{}
		writes = append(writes, api.InitWriteFile{Path: relPath, ContentUTF8: content})
	}

	for _, packID := range packs {
		pack, known := builtinPacks[strings.TrimSpace(packID)]
		if !known {
			available := make([]string, 0, len(builtinPacks))
			for id := range builtinPacks {
				available = append(available, id)
			}
			sort.Strings(available)
			return api.InitPlan{}, &api.ApiError{
				Code:    "pack.unknown",
				Message: fmt.Sprintf("unknown pack %q; available: %s", packID, strings.Join(available, ", ")),
			}
		}
		addWrite(
			fmt.Sprintf(".agents/mcp/compas/plugins/%s/plugin.toml", pack.pluginID),
			pack.pluginTOML)
	}

	addWrite(".agents/mcp/compas/quality_contract.toml", defaultQualityContractTOML)
	addWrite(".agents/mcp/compas/env_registry.toml", defaultEnvRegistryTOML)
	addWrite(".agents/mcp/compas/failure_modes.toml", defaultFailureModesTOML)

	plan := api.InitPlan{Writes: []api.InitWriteFile{}}
	for _, write := range writes {
		fullPath := filepath.Join(repoRoot, filepath.FromSlash(write.Path))
		if _, statErr := os.Stat(fullPath); statErr == nil {
			plan.Skipped = append(plan.Skipped, write.Path)
			continue
		}
		plan.Writes = append(plan.Writes, write)
	}
	sort.Slice(plan.Writes, func(i, j int) bool { return plan.Writes[i].Path < plan.Writes[j].Path })
	sort.Strings(plan.Skipped)
	return plan, nil
}

func applyPlan(repoRoot string, plan api.InitPlan) *api.ApiError {
	for _, write := range plan.Writes {
		fullPath := filepath.Join(repoRoot, filepath.FromSlash(write.Path))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
			return &api.ApiError{
				Code:    "pack.apply_failed",
				Message: fmt.Sprintf("failed to create directory for %s: %v", write.Path, err),
			}
		}
		if err := fsx.WriteFileAtomic(fullPath, []byte(write.ContentUTF8), 0o600); err != nil {
			return &api.ApiError{
				Code:    "pack.apply_failed",
				Message: fmt.Sprintf("failed to write %s: %v", write.Path, err),
			}
		}
	}
	return nil
}

// Init plans and optionally applies the bootstrap pack selection. On apply
// success the plan echoes paths only; dry-run keeps full contents for preview.
func Init(repoRoot string, req api.InitRequest) api.InitOutput {
	plan, planErr := Plan(repoRoot, req.Packs)
	if planErr != nil {
		return api.InitOutput{OK: false, Error: planErr, RepoRoot: repoRoot}
	}

	if req.Apply {
		if applyErr := applyPlan(repoRoot, plan); applyErr != nil {
			return api.InitOutput{OK: false, Error: applyErr, RepoRoot: repoRoot, Plan: &plan}
		}
		redacted := api.InitPlan{Skipped: plan.Skipped, Writes: make([]api.InitWriteFile, 0, len(plan.Writes))}
		for _, write := range plan.Writes {
			redacted.Writes = append(redacted.Writes, api.InitWriteFile{
				Path:        write.Path,
				ContentUTF8: "[omitted by compas.init apply; run with apply=false to preview]",
			})
		}
		return api.InitOutput{OK: true, RepoRoot: repoRoot, Applied: true, Plan: &redacted}
	}
	return api.InitOutput{OK: true, RepoRoot: repoRoot, Plan: &plan}
}
