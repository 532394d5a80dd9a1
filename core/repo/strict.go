package repo

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/compasproject/compas/core/config"
)

// Commands a tool may invoke without the owning plugin extending the policy.
var defaultAllowedCommands = []string{
	"bash", "cargo", "cargo-nextest", "clang", "clang++", "cmake", "csc",
	"ctest", "dotnet", "echo", "g++", "gcc", "go", "gofmt", "golangci-lint",
	"just", "make", "msbuild", "mypy", "node", "npm", "pnpm", "powershell",
	"pwsh", "pytest", "python", "python3", "ruff", "sh", "uv", "yarn",
}

var (
	idRe          = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)
	commandLikeRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._+\-]{0,63}$`)
)

func validID(id string) bool {
	return idRe.MatchString(id)
}

func validateDescription(kind, id, description string) *ConfigError {
	normalized := strings.TrimSpace(description)
	if normalized == "" {
		return configErr(CodeInvalidDescription, "%s %s: description is required", kind, id)
	}
	length := utf8.RuneCountInString(normalized)
	if length < 12 || length > 220 {
		return configErr(CodeInvalidDescription, "%s %s: description length must be between 12 and 220 chars (got %d)", kind, id, length)
	}
	return nil
}

func validateTool(pluginID string, tool config.ProjectTool) *ConfigError {
	if !validID(tool.ID) {
		return configErr(CodeInvalidToolID, "plugin %s declares invalid tool id %q", pluginID, tool.ID)
	}
	if err := validateDescription("tool", tool.ID, tool.Description); err != nil {
		return err
	}
	if strings.TrimSpace(tool.Command) == "" {
		return configErr(CodeInvalidToolCommand, "plugin %s tool %s has empty command", pluginID, tool.ID)
	}
	return nil
}

func commandBasename(command string) string {
	trimmed := strings.TrimSpace(command)
	if idx := strings.LastIndexAny(trimmed, `/\`); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(trimmed))
}

func validateToolPolicy(pluginID string, policy config.ToolPolicy) *ConfigError {
	switch policy.Mode {
	case "", config.PolicyAllowlist, config.PolicyAllowAny:
	default:
		return configErr(CodeInvalidToolPolicy, "plugin %s has unknown tool_policy.mode %q", pluginID, policy.Mode)
	}
	for _, raw := range policy.AllowCommands {
		cmd := commandBasename(raw)
		if cmd == "" || !commandLikeRe.MatchString(cmd) {
			return configErr(CodeInvalidToolPolicy, "plugin %s allows invalid command %q", pluginID, raw)
		}
	}
	return nil
}

func enforceToolPolicy(pluginID string, tool config.ProjectTool, policy config.ToolPolicy) *ConfigError {
	if policy.Mode == config.PolicyAllowAny {
		return nil
	}
	allowset := make(map[string]struct{}, len(defaultAllowedCommands)+len(policy.AllowCommands))
	for _, cmd := range defaultAllowedCommands {
		allowset[cmd] = struct{}{}
	}
	for _, raw := range policy.AllowCommands {
		if cmd := commandBasename(raw); cmd != "" {
			allowset[cmd] = struct{}{}
		}
	}
	command := commandBasename(tool.Command)
	if _, ok := allowset[command]; ok {
		return nil
	}
	return configErr(CodeToolPolicyViolation,
		"plugin %s tool %s uses command %q outside the allowlist; extend tool_policy.allow_commands", pluginID, tool.ID, command)
}

func ensureKnownGateTools(pluginID, gateKind string, toolIDs []string, tools map[string]config.ProjectTool) *ConfigError {
	for _, toolID := range toolIDs {
		if _, ok := tools[toolID]; !ok {
			return configErr(CodeUnknownGateTool, "plugin %s gate %s references unknown tool_id %s", pluginID, gateKind, toolID)
		}
	}
	return nil
}
