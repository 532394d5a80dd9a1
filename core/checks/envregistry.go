package checks

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/compasproject/compas/core/api"
	"github.com/compasproject/compas/core/config"
)

type EnvRegistryResult struct {
	Violations []api.Violation
	Summary    api.EffectiveConfigSummary
}

type envRegistryFile struct {
	Vars []envVarSpec `toml:"vars"`
}

type envVarSpec struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Required    bool   `toml:"required"`
	Default     string `toml:"default"`
	HasDefault  bool   `toml:"-"`
	Sensitive   bool   `toml:"sensitive"`
}

func isValidEnvName(name string) bool {
	if name == "" {
		return false
	}
	first := name[0]
	if first < 'A' || first > 'Z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		b := name[i]
		if (b < 'A' || b > 'Z') && (b < '0' || b > '9') && b != '_' {
			return false
		}
	}
	return true
}

func redactValue(raw string, sensitive bool) string {
	if sensitive {
		return "<redacted>"
	}
	return raw
}

func collectToolEnvUsage(tools map[string]config.ProjectTool) map[string][]string {
	usage := map[string][]string{}
	for toolID, tool := range tools {
		for envName := range tool.Env {
			usage[envName] = append(usage[envName], toolID)
		}
	}
	for envName := range usage {
		sort.Strings(usage[envName])
	}
	return usage
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunEnvRegistry checks tool-declared env vars against env_registry.toml and
// builds the effective configuration view with sensitive values redacted.
func RunEnvRegistry(repoRoot string, cfg config.EnvRegistryCheckConfig, tools map[string]config.ProjectTool) EnvRegistryResult {
	usage := collectToolEnvUsage(tools)
	usedVars := sortedKeys(usage)
	registryAbs := filepath.Join(repoRoot, filepath.FromSlash(cfg.RegistryPath))

	emptySummary := api.EffectiveConfigSummary{
		RegistryPath: cfg.RegistryPath,
		UsedVars:     usedVars,
		Entries:      []api.EffectiveConfigEntry{},
	}
	invalid := func(code, message string) EnvRegistryResult {
		return EnvRegistryResult{
			Violations: []api.Violation{api.Observation(code, message, cfg.RegistryPath, nil)},
			Summary:    emptySummary,
		}
	}

	info, statErr := os.Stat(registryAbs)
	if statErr != nil || !info.Mode().IsRegular() {
		return invalid("env_registry.registry_missing", "env registry file is missing: "+cfg.RegistryPath)
	}
	// #nosec G304 -- registry path is declared in repo configuration.
	raw, readErr := os.ReadFile(registryAbs)
	if readErr != nil {
		return invalid("env_registry.registry_invalid", "failed to read env registry: "+readErr.Error())
	}

	var parsed envRegistryFile
	decoder := toml.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&parsed); err != nil {
		return invalid("env_registry.registry_invalid", "failed to parse env registry: "+err.Error())
	}

	seen := map[string]struct{}{}
	specs := make([]envVarSpec, 0, len(parsed.Vars))
	for _, spec := range parsed.Vars {
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Description = strings.TrimSpace(spec.Description)
		if spec.Name == "" {
			return invalid("env_registry.registry_invalid", "env registry entry has empty name")
		}
		if !isValidEnvName(spec.Name) {
			return invalid("env_registry.registry_invalid", "invalid env var name in registry: "+spec.Name)
		}
		if _, dup := seen[spec.Name]; dup {
			return invalid("env_registry.registry_invalid", "duplicate env var in registry: "+spec.Name)
		}
		seen[spec.Name] = struct{}{}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	var violations []api.Violation
	for _, envName := range usedVars {
		if _, registered := seen[envName]; !registered {
			violations = append(violations, api.Observation(
				"env_registry.unregistered_usage",
				fmt.Sprintf("env var %s is used by tools but missing in registry %s", envName, cfg.RegistryPath),
				".agents/mcp/compas/plugins",
				map[string]any{
					"var":           envName,
					"used_by_tools": usage[envName],
					"registry_path": cfg.RegistryPath,
				}))
		}
	}

	entries := make([]api.EffectiveConfigEntry, 0, len(specs))
	for _, spec := range specs {
		usedBy := usage[spec.Name]
		if usedBy == nil {
			usedBy = []string{}
		}

		var source api.EffectiveConfigSource
		var value string
		if envValue, ok := os.LookupEnv(spec.Name); ok {
			source = api.SourceEnv
			value = redactValue(envValue, spec.Sensitive)
		} else if spec.Default != "" {
			source = api.SourceDefault
			value = redactValue(spec.Default, spec.Sensitive)
		} else {
			source = api.SourceUnset
		}

		if spec.Required && source == api.SourceUnset {
			violations = append(violations, api.Observation(
				"env_registry.required_missing",
				fmt.Sprintf("required env var %s is missing and has no default", spec.Name),
				cfg.RegistryPath,
				map[string]any{"var": spec.Name}))
		}

		entries = append(entries, api.EffectiveConfigEntry{
			Name:        spec.Name,
			Description: spec.Description,
			Required:    spec.Required,
			Sensitive:   spec.Sensitive,
			Source:      source,
			Value:       value,
			UsedByTools: usedBy,
		})
	}

	return EnvRegistryResult{
		Violations: violations,
		Summary: api.EffectiveConfigSummary{
			RegistryPath:   cfg.RegistryPath,
			RegisteredVars: len(entries),
			UsedVars:       usedVars,
			Entries:        entries,
		},
	}
}
