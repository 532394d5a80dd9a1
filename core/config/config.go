package config

// Manifest model for repo-side plugin/tool/contract TOML files. Decoding is
// strict everywhere: unknown fields in any manifest fail the load.

type PluginConfig struct {
	Plugin     PluginMeta    `toml:"plugin"`
	Tools      []ProjectTool `toml:"tools"`
	ToolPolicy ToolPolicy    `toml:"tool_policy"`
	Gate       *GateConfig   `toml:"gate"`
	Checks     *ChecksConfig `toml:"checks"`
}

type PluginMeta struct {
	ID              string   `toml:"id"`
	Description     string   `toml:"description"`
	ToolImportGlobs []string `toml:"tool_import_globs"`
}

type ProjectTool struct {
	ID              string               `toml:"id" json:"id"`
	Description     string               `toml:"description" json:"description"`
	Command         string               `toml:"command" json:"command"`
	Args            []string             `toml:"args" json:"args"`
	Cwd             string               `toml:"cwd" json:"cwd,omitempty"`
	TimeoutMS       int64                `toml:"timeout_ms" json:"timeout_ms,omitempty"`
	MaxStdoutBytes  int                  `toml:"max_stdout_bytes" json:"max_stdout_bytes,omitempty"`
	MaxStderrBytes  int                  `toml:"max_stderr_bytes" json:"max_stderr_bytes,omitempty"`
	ReceiptContract *ToolReceiptContract `toml:"receipt_contract" json:"receipt_contract,omitempty"`
	Env             map[string]string    `toml:"env" json:"env,omitempty"`
}

type ToolReceiptContract struct {
	MinDurationMS       *int64  `toml:"min_duration_ms" json:"min_duration_ms,omitempty"`
	MinStdoutBytes      *int    `toml:"min_stdout_bytes" json:"min_stdout_bytes,omitempty"`
	ExpectStdoutPattern *string `toml:"expect_stdout_pattern" json:"expect_stdout_pattern,omitempty"`
	ExpectExitCodes     []int   `toml:"expect_exit_codes" json:"expect_exit_codes,omitempty"`
}

type ToolPolicyMode string

const (
	PolicyAllowlist ToolPolicyMode = "allowlist"
	PolicyAllowAny  ToolPolicyMode = "allow_any"
)

type ToolPolicy struct {
	Mode          ToolPolicyMode `toml:"mode"`
	AllowCommands []string       `toml:"allow_commands"`
}

type GateKindConfig struct {
	Tools []string `toml:"tools"`
}

type GateConfig struct {
	CiFast   GateKindConfig `toml:"ci_fast"`
	Ci       GateKindConfig `toml:"ci"`
	Flagship GateKindConfig `toml:"flagship"`
}

func (g GateConfig) Empty() bool {
	return len(g.CiFast.Tools) == 0 && len(g.Ci.Tools) == 0 && len(g.Flagship.Tools) == 0
}

type ChecksConfig struct {
	Loc         []LocCheckConfig         `toml:"loc" json:"loc"`
	EnvRegistry []EnvRegistryCheckConfig `toml:"env_registry" json:"env_registry"`
	Boundary    []BoundaryCheckConfig    `toml:"boundary" json:"boundary"`
	Surface     []SurfaceCheckConfig     `toml:"surface" json:"surface"`
	Duplicates  []DuplicatesCheckConfig  `toml:"duplicates" json:"duplicates"`
	SupplyChain []SupplyChainCheckConfig `toml:"supply_chain" json:"supply_chain"`
	ToolBudget  []ToolBudgetCheckConfig  `toml:"tool_budget" json:"tool_budget"`
}

func (c ChecksConfig) Total() int {
	return len(c.Loc) + len(c.EnvRegistry) + len(c.Boundary) + len(c.Surface) +
		len(c.Duplicates) + len(c.SupplyChain) + len(c.ToolBudget)
}

func (c ChecksConfig) Empty() bool {
	return c.Total() == 0
}

type LocCheckConfig struct {
	ID           string   `toml:"id" json:"id"`
	MaxLoc       int      `toml:"max_loc" json:"max_loc"`
	IncludeGlobs []string `toml:"include_globs" json:"include_globs"`
	ExcludeGlobs []string `toml:"exclude_globs" json:"exclude_globs"`
}

type EnvRegistryCheckConfig struct {
	ID           string `toml:"id" json:"id"`
	RegistryPath string `toml:"registry_path" json:"registry_path"`
}

type BoundaryCheckConfig struct {
	ID                     string               `toml:"id" json:"id"`
	IncludeGlobs           []string             `toml:"include_globs" json:"include_globs"`
	ExcludeGlobs           []string             `toml:"exclude_globs" json:"exclude_globs"`
	StripRustCfgTestBlocks bool                 `toml:"strip_rust_cfg_test_blocks" json:"strip_rust_cfg_test_blocks"`
	Rules                  []BoundaryRuleConfig `toml:"rules" json:"rules"`
}

type BoundaryRuleConfig struct {
	ID        string `toml:"id" json:"id"`
	Message   string `toml:"message" json:"message,omitempty"`
	DenyRegex string `toml:"deny_regex" json:"deny_regex"`
}

type SurfaceCheckConfig struct {
	ID           string              `toml:"id" json:"id"`
	MaxItems     int                 `toml:"max_items" json:"max_items"`
	IncludeGlobs []string            `toml:"include_globs" json:"include_globs"`
	ExcludeGlobs []string            `toml:"exclude_globs" json:"exclude_globs"`
	Rules        []SurfaceRuleConfig `toml:"rules" json:"rules"`
	BaselinePath string              `toml:"baseline_path" json:"baseline_path"`
}

type SurfaceRuleConfig struct {
	FileGlobs   []string `toml:"file_globs" json:"file_globs"`
	Regex       string   `toml:"regex" json:"regex"`
	Description string   `toml:"description" json:"description,omitempty"`
}

type DuplicatesCheckConfig struct {
	ID             string   `toml:"id" json:"id"`
	IncludeGlobs   []string `toml:"include_globs" json:"include_globs"`
	ExcludeGlobs   []string `toml:"exclude_globs" json:"exclude_globs"`
	MaxFileBytes   int64    `toml:"max_file_bytes" json:"max_file_bytes"`
	AllowlistGlobs []string `toml:"allowlist_globs" json:"allowlist_globs"`
	BaselinePath   string   `toml:"baseline_path" json:"baseline_path"`
}

type SupplyChainCheckConfig struct {
	ID string `toml:"id" json:"id"`
}

type ToolBudgetCheckConfig struct {
	ID                  string `toml:"id" json:"id"`
	MaxToolsTotal       int    `toml:"max_tools_total" json:"max_tools_total"`
	MaxToolsPerPlugin   int    `toml:"max_tools_per_plugin" json:"max_tools_per_plugin"`
	MaxGateToolsPerKind int    `toml:"max_gate_tools_per_kind" json:"max_gate_tools_per_kind"`
	MaxChecksTotal      int    `toml:"max_checks_total" json:"max_checks_total"`
}
