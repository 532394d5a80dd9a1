package repo

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/compasproject/compas/core/config"
)

const (
	PluginsRelDir          = ".agents/mcp/compas/plugins"
	QualityContractRelPath = ".agents/mcp/compas/quality_contract.toml"
)

// Plugin is the resolved view of one loaded plugin.
type Plugin struct {
	ID           string
	Description  string
	ToolIDs      []string
	GateCiFast   []string
	GateCi       []string
	GateFlagship []string
}

// GateSequences holds the merged per-kind tool id sequences across plugins.
type GateSequences struct {
	CiFast   []string
	Ci       []string
	Flagship []string
}

// RepoConfig aggregates every manifest loaded from a repository root. It is
// rebuilt per top-level operation; nothing here is shared mutable state.
type RepoConfig struct {
	Tools           map[string]config.ProjectTool
	ToolOwners      map[string]string
	Plugins         map[string]Plugin
	Gate            GateSequences
	Checks          config.ChecksConfig
	QualityContract *config.QualityContractConfig
	AllowAnyPlugins []string
}

// Load walks <repo>/.agents/mcp/compas/plugins/*/plugin.toml and merges every
// manifest under strict schema rules. Any structural defect aborts the load
// with a ConfigError; the rest of the pipeline is meaningless without it.
func Load(repoRoot string) (*RepoConfig, *ConfigError) {
	pluginsDir := filepath.Join(repoRoot, PluginsRelDir)
	info, err := os.Stat(pluginsDir)
	if err != nil || !info.IsDir() {
		return nil, configErr(CodePluginsDirMissing, "plugins directory is missing: %s", pluginsDir)
	}

	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		return nil, configErrCause(CodeParseFailed, err, "failed to read plugins directory %s", pluginsDir)
	}
	var pluginTOMLs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginTOML := filepath.Join(pluginsDir, entry.Name(), "plugin.toml")
		if stat, statErr := os.Stat(pluginTOML); statErr == nil && stat.Mode().IsRegular() {
			pluginTOMLs = append(pluginTOMLs, pluginTOML)
		}
	}
	sort.Strings(pluginTOMLs)

	cfg := &RepoConfig{
		Tools:      map[string]config.ProjectTool{},
		ToolOwners: map[string]string{},
		Plugins:    map[string]Plugin{},
	}
	checkIDs := map[string]string{}

	anyConfig := false
	for _, path := range pluginTOMLs {
		anyConfig = true
		// #nosec G304 -- plugin manifests are enumerated under the repo root.
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, configErrCause(CodeParseFailed, readErr, "failed to read plugin manifest %s", path)
		}
		var plugin config.PluginConfig
		if parseErr := decodeStrictTOML(raw, &plugin); parseErr != nil {
			return nil, configErrCause(CodeParseFailed, parseErr, "failed to parse plugin manifest %s", path)
		}

		pluginID := plugin.Plugin.ID
		if !validID(pluginID) {
			return nil, configErr(CodeInvalidPluginID, "invalid plugin id %q in %s", pluginID, path)
		}
		if cfgErr := validateDescription("plugin", pluginID, plugin.Plugin.Description); cfgErr != nil {
			return nil, cfgErr
		}
		if _, exists := cfg.Plugins[pluginID]; exists {
			return nil, configErr(CodeDuplicatePluginID, "duplicate plugin id %s", pluginID)
		}
		if cfgErr := validateToolPolicy(pluginID, plugin.ToolPolicy); cfgErr != nil {
			return nil, cfgErr
		}
		if plugin.ToolPolicy.Mode == config.PolicyAllowAny {
			cfg.AllowAnyPlugins = append(cfg.AllowAnyPlugins, pluginID)
		}

		var pluginToolIDs []string
		addTool := func(tool config.ProjectTool) *ConfigError {
			if cfgErr := validateTool(pluginID, tool); cfgErr != nil {
				return cfgErr
			}
			if cfgErr := enforceToolPolicy(pluginID, tool, plugin.ToolPolicy); cfgErr != nil {
				return cfgErr
			}
			if _, exists := cfg.Tools[tool.ID]; exists {
				return configErr(CodeDuplicateToolID, "duplicate tool id %s (declared again by plugin %s)", tool.ID, pluginID)
			}
			pluginToolIDs = append(pluginToolIDs, tool.ID)
			cfg.ToolOwners[tool.ID] = pluginID
			cfg.Tools[tool.ID] = tool
			return nil
		}

		for _, tool := range plugin.Tools {
			if cfgErr := addTool(tool); cfgErr != nil {
				return nil, cfgErr
			}
		}
		for _, pattern := range plugin.Plugin.ToolImportGlobs {
			imported, cfgErr := loadImportedTools(repoRoot, pluginID, pattern)
			if cfgErr != nil {
				return nil, cfgErr
			}
			for _, tool := range imported {
				if cfgErr := addTool(tool); cfgErr != nil {
					return nil, cfgErr
				}
			}
		}

		gateCfg := config.GateConfig{}
		if plugin.Gate != nil {
			gateCfg = *plugin.Gate
		}
		// Merge strategy: append in plugin order (deterministic by path sorting).
		cfg.Gate.CiFast = append(cfg.Gate.CiFast, gateCfg.CiFast.Tools...)
		cfg.Gate.Ci = append(cfg.Gate.Ci, gateCfg.Ci.Tools...)
		cfg.Gate.Flagship = append(cfg.Gate.Flagship, gateCfg.Flagship.Tools...)

		hasAnyCheck := false
		if plugin.Checks != nil {
			hasAnyCheck = !plugin.Checks.Empty()
			if cfgErr := mergeChecks(&cfg.Checks, *plugin.Checks, pluginID, checkIDs); cfgErr != nil {
				return nil, cfgErr
			}
		}

		if !hasAnyCheck && gateCfg.Empty() && len(pluginToolIDs) == 0 {
			return nil, configErr(CodeEmptyPlugin, "plugin %s declares no tools, imports, checks, or gate entries", pluginID)
		}

		sort.Strings(pluginToolIDs)
		cfg.Plugins[pluginID] = Plugin{
			ID:           pluginID,
			Description:  plugin.Plugin.Description,
			ToolIDs:      pluginToolIDs,
			GateCiFast:   gateCfg.CiFast.Tools,
			GateCi:       gateCfg.Ci.Tools,
			GateFlagship: gateCfg.Flagship.Tools,
		}
	}

	if !anyConfig {
		return nil, configErr(CodeEmpty, "no plugin.toml manifests found under %s", pluginsDir)
	}
	sort.Strings(cfg.AllowAnyPlugins)

	contractPath := filepath.Join(repoRoot, QualityContractRelPath)
	if stat, statErr := os.Stat(contractPath); statErr == nil && stat.Mode().IsRegular() {
		// #nosec G304 -- contract path is fixed relative to the repo root.
		raw, readErr := os.ReadFile(contractPath)
		if readErr != nil {
			return nil, configErrCause(CodeParseFailed, readErr, "failed to read quality contract %s", contractPath)
		}
		var contract config.QualityContractConfig
		if parseErr := decodeStrictTOML(raw, &contract); parseErr != nil {
			return nil, configErrCause(CodeParseFailed, parseErr, "failed to parse quality contract %s", contractPath)
		}
		contract.ApplyDefaults()
		cfg.QualityContract = &contract
	}

	for _, plugin := range cfg.Plugins {
		if cfgErr := ensureKnownGateTools(plugin.ID, "ci_fast", plugin.GateCiFast, cfg.Tools); cfgErr != nil {
			return nil, cfgErr
		}
		if cfgErr := ensureKnownGateTools(plugin.ID, "ci", plugin.GateCi, cfg.Tools); cfgErr != nil {
			return nil, cfgErr
		}
		if cfgErr := ensureKnownGateTools(plugin.ID, "flagship", plugin.GateFlagship, cfg.Tools); cfgErr != nil {
			return nil, cfgErr
		}
	}

	return cfg, nil
}

// GateSequence returns the merged tool id sequence for a gate kind.
func (c *RepoConfig) GateSequence(kind string) []string {
	switch kind {
	case "ci_fast":
		return c.Gate.CiFast
	case "ci":
		return c.Gate.Ci
	case "flagship":
		return c.Gate.Flagship
	default:
		return nil
	}
}

func mergeChecks(dst *config.ChecksConfig, src config.ChecksConfig, pluginID string, seen map[string]string) *ConfigError {
	register := func(family, id string) *ConfigError {
		if !validID(id) {
			return configErr(CodeDuplicateCheckID, "plugin %s declares invalid %s check id %q", pluginID, family, id)
		}
		key := family + "/" + id
		if owner, exists := seen[key]; exists {
			return configErr(CodeDuplicateCheckID, "duplicate %s check id %s (first declared by plugin %s)", family, id, owner)
		}
		seen[key] = pluginID
		return nil
	}

	for _, v := range src.Loc {
		if err := register("loc", v.ID); err != nil {
			return err
		}
		dst.Loc = append(dst.Loc, v)
	}
	for _, v := range src.EnvRegistry {
		if err := register("env_registry", v.ID); err != nil {
			return err
		}
		dst.EnvRegistry = append(dst.EnvRegistry, v)
	}
	for _, v := range src.Boundary {
		if err := register("boundary", v.ID); err != nil {
			return err
		}
		dst.Boundary = append(dst.Boundary, v)
	}
	for _, v := range src.Surface {
		if err := register("surface", v.ID); err != nil {
			return err
		}
		dst.Surface = append(dst.Surface, v)
	}
	for _, v := range src.Duplicates {
		if err := register("duplicates", v.ID); err != nil {
			return err
		}
		dst.Duplicates = append(dst.Duplicates, v)
	}
	for _, v := range src.SupplyChain {
		if err := register("supply_chain", v.ID); err != nil {
			return err
		}
		dst.SupplyChain = append(dst.SupplyChain, v)
	}
	for _, v := range src.ToolBudget {
		if err := register("tool_budget", v.ID); err != nil {
			return err
		}
		dst.ToolBudget = append(dst.ToolBudget, v)
	}
	return nil
}
