package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
	"github.com/compasproject/compas/core/repo"
	"github.com/compasproject/compas/core/runner"
)

func toToolSpec(tool config.ProjectTool, owner string) api.ProjectToolSpec {
	timeoutMS := tool.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 600_000
	}
	maxStdout := tool.MaxStdoutBytes
	if maxStdout <= 0 {
		maxStdout = 20_000
	}
	maxStderr := tool.MaxStderrBytes
	if maxStderr <= 0 {
		maxStderr = 20_000
	}
	args := tool.Args
	if args == nil {
		args = []string{}
	}
	return api.ProjectToolSpec{
		ID:             tool.ID,
		PluginID:       owner,
		Description:    tool.Description,
		Command:        tool.Command,
		Args:           args,
		Cwd:            tool.Cwd,
		TimeoutMS:      timeoutMS,
		MaxStdoutBytes: maxStdout,
		MaxStderrBytes: maxStderr,
	}
}

func collectTools(cfg *repo.RepoConfig) []api.ProjectToolInfo {
	tools := make([]api.ProjectToolInfo, 0, len(cfg.Tools))
	for toolID, tool := range cfg.Tools {
		tools = append(tools, api.ProjectToolInfo{
			ID:          tool.ID,
			PluginID:    cfg.ToolOwners[toolID],
			Description: tool.Description,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools
}

func collectPlugins(cfg *repo.RepoConfig) []api.PluginInfo {
	plugins := make([]api.PluginInfo, 0, len(cfg.Plugins))
	for _, plugin := range cfg.Plugins {
		plugins = append(plugins, api.PluginInfo{
			ID:          plugin.ID,
			Description: plugin.Description,
			Tools:       plugin.ToolIDs,
		})
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].ID < plugins[j].ID })
	return plugins
}

func catalogErr(repoRoot string, apiErr api.ApiError) api.CatalogOutput {
	return api.CatalogOutput{OK: false, Error: &apiErr, RepoRoot: repoRoot}
}

// Catalog is read-only introspection over the loaded configuration.
func Catalog(repoRoot string, req api.CatalogRequest) api.CatalogOutput {
	view := req.View
	if view == "" {
		view = api.ViewAll
	}
	cfg, cfgErr := repo.Load(repoRoot)
	if cfgErr != nil {
		return catalogErr(repoRoot, api.ApiError{Code: cfgErr.Code(), Message: cfgErr.Error()})
	}

	switch view {
	case api.ViewAll:
		return api.CatalogOutput{
			OK:       true,
			RepoRoot: repoRoot,
			Plugins:  collectPlugins(cfg),
			Tools:    collectTools(cfg),
		}
	case api.ViewPlugins:
		return api.CatalogOutput{OK: true, RepoRoot: repoRoot, Plugins: collectPlugins(cfg)}
	case api.ViewTools:
		return api.CatalogOutput{OK: true, RepoRoot: repoRoot, Tools: collectTools(cfg)}
	case api.ViewPlugin:
		pluginID := strings.TrimSpace(req.PluginID)
		if pluginID == "" {
			return catalogErr(repoRoot, api.ApiError{
				Code:    "compas.catalog.plugin_id_required",
				Message: "view=plugin requires plugin_id",
			})
		}
		plugin, known := cfg.Plugins[pluginID]
		if !known {
			return catalogErr(repoRoot, api.ApiError{
				Code:    "compas.catalog.unknown_plugin_id",
				Message: fmt.Sprintf("unknown plugin_id=%s; run compas.catalog with view=plugins", pluginID),
			})
		}
		spec := api.PluginSpec{
			ID:           plugin.ID,
			Description:  plugin.Description,
			Tools:        make([]api.ProjectToolSpec, 0, len(plugin.ToolIDs)),
			GateCiFast:   plugin.GateCiFast,
			GateCi:       plugin.GateCi,
			GateFlagship: plugin.GateFlagship,
		}
		for _, toolID := range plugin.ToolIDs {
			spec.Tools = append(spec.Tools, toToolSpec(cfg.Tools[toolID], plugin.ID))
		}
		return api.CatalogOutput{OK: true, RepoRoot: repoRoot, Plugin: &spec}
	case api.ViewTool:
		toolID := strings.TrimSpace(req.ToolID)
		if toolID == "" {
			return catalogErr(repoRoot, api.ApiError{
				Code:    "compas.catalog.tool_id_required",
				Message: "view=tool requires tool_id",
			})
		}
		tool, known := cfg.Tools[toolID]
		if !known {
			return catalogErr(repoRoot, api.ApiError{
				Code:    "compas.catalog.unknown_tool_id",
				Message: fmt.Sprintf("unknown tool_id=%s; run compas.catalog with view=tools", toolID),
			})
		}
		spec := toToolSpec(tool, cfg.ToolOwners[toolID])
		return api.CatalogOutput{OK: true, RepoRoot: repoRoot, Tool: &spec}
	default:
		return catalogErr(repoRoot, api.ApiError{
			Code:    "compas.catalog.unknown_view",
			Message: fmt.Sprintf("unknown view=%s", view),
		})
	}
}

// Exec runs a single configured tool and returns its receipt.
func Exec(repoRoot string, req api.ExecRequest) api.ExecOutput {
	cfg, cfgErr := repo.Load(repoRoot)
	if cfgErr != nil {
		return api.ExecOutput{
			OK:       false,
			Error:    &api.ApiError{Code: cfgErr.Code(), Message: cfgErr.Error()},
			RepoRoot: repoRoot,
		}
	}

	tool, known := cfg.Tools[req.ToolID]
	if !known {
		return api.ExecOutput{
			OK: false,
			Error: &api.ApiError{
				Code:    "compas.exec.unknown_tool_id",
				Message: fmt.Sprintf("unknown tool_id=%s; run compas.catalog with view=tools", req.ToolID),
			},
			RepoRoot: repoRoot,
		}
	}

	receipt, runErr := runner.RunTool(repoRoot, tool, req.Args, req.DryRun)
	if runErr != nil {
		return api.ExecOutput{
			OK:       false,
			Error:    &api.ApiError{Code: "compas.exec.run_failed", Message: runErr.Error()},
			RepoRoot: repoRoot,
		}
	}

	var apiErr *api.ApiError
	if !receipt.Success {
		exitCode := "none"
		if receipt.ExitCode != nil {
			exitCode = fmt.Sprint(*receipt.ExitCode)
		}
		apiErr = &api.ApiError{
			Code: "compas.exec.exit_nonzero",
			Message: fmt.Sprintf("tool failed: tool_id=%s; exit_code=%s; timed_out=%t",
				receipt.ToolID, exitCode, receipt.TimedOut),
		}
	}
	return api.ExecOutput{OK: receipt.Success, Error: apiErr, RepoRoot: repoRoot, Receipt: &receipt}
}
