package checks

import (
	"fmt"
	"sort"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/core/repo"
)

type ToolBudgetResult struct {
	Violations []api.Violation
}

// RunToolBudget enforces fan-out budgets over the loaded configuration.
// Budget overruns are observations; quality delta tracks them over time.
func RunToolBudget(cfg *repo.RepoConfig, check config.ToolBudgetCheckConfig) ToolBudgetResult {
	var violations []api.Violation

	toolsTotal := len(cfg.Tools)
	if toolsTotal > check.MaxToolsTotal {
		violations = append(violations, api.Observation(
			"tool_budget.max_tools_total_exceeded",
			fmt.Sprintf("tool count exceeds budget: total=%d > max=%d", toolsTotal, check.MaxToolsTotal),
			repo.PluginsRelDir,
			map[string]any{"check_id": check.ID, "total": toolsTotal, "max": check.MaxToolsTotal}))
	}

	pluginIDs := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		pluginIDs = append(pluginIDs, id)
	}
	sort.Strings(pluginIDs)
	for _, pluginID := range pluginIDs {
		plugin := cfg.Plugins[pluginID]
		pluginTools := len(plugin.ToolIDs)
		if pluginTools > check.MaxToolsPerPlugin {
			violations = append(violations, api.Observation(
				"tool_budget.max_tools_per_plugin_exceeded",
				fmt.Sprintf("plugin %s exceeds tool budget: total=%d > max=%d", plugin.ID, pluginTools, check.MaxToolsPerPlugin),
				fmt.Sprintf("%s/%s/plugin.toml", repo.PluginsRelDir, plugin.ID),
				map[string]any{"check_id": check.ID, "plugin_id": plugin.ID, "total": pluginTools, "max": check.MaxToolsPerPlugin}))
		}
	}

	for _, gate := range []struct {
		kind  string
		total int
	}{
		{"ci_fast", len(cfg.Gate.CiFast)},
		{"ci", len(cfg.Gate.Ci)},
		{"flagship", len(cfg.Gate.Flagship)},
	} {
		if gate.total > check.MaxGateToolsPerKind {
			violations = append(violations, api.Observation(
				"tool_budget.max_gate_tools_exceeded",
				fmt.Sprintf("gate %s exceeds budget: total=%d > max=%d", gate.kind, gate.total, check.MaxGateToolsPerKind),
				repo.PluginsRelDir,
				map[string]any{"check_id": check.ID, "gate_kind": gate.kind, "total": gate.total, "max": check.MaxGateToolsPerKind}))
		}
	}

	checksTotal := cfg.Checks.Total()
	if checksTotal > check.MaxChecksTotal {
		violations = append(violations, api.Observation(
			"tool_budget.max_checks_total_exceeded",
			fmt.Sprintf("checks count exceeds budget: total=%d > max=%d", checksTotal, check.MaxChecksTotal),
			repo.PluginsRelDir,
			map[string]any{"check_id": check.ID, "total": checksTotal, "max": check.MaxChecksTotal}))
	}

	return ToolBudgetResult{Violations: violations}
}
